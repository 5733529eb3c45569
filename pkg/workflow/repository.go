// Package workflow manages workflow definitions: storage, lookup and
// structural validation ahead of execution.
package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence"
)

// Repository provides definition-level operations on top of the persistence
// layer.
type Repository struct {
	persistence persistence.Persistence
	validator   *Validator
}

// NewRepository wraps the store. When validator is non-nil, Create and
// Update reject definitions that fail structural validation.
func NewRepository(store persistence.Persistence, validator *Validator) *Repository {
	return &Repository{persistence: store, validator: validator}
}

func (r *Repository) HealthCheck(ctx context.Context) (string, bool) {
	if r.persistence == nil {
		return "persistence layer not initialized", false
	}

	if err := r.persistence.HealthCheck(ctx); err != nil {
		return "persistence layer is unhealthy: " + err.Error(), false
	}

	return "persistence layer is healthy", true
}

func (r *Repository) FetchAll(ctx context.Context) ([]*models.Workflow, error) {
	workflows, err := r.persistence.Workflows().List(ctx)
	if err != nil {
		return nil, err
	}

	return workflows, nil
}

func (r *Repository) FetchByID(ctx context.Context, id string) (*models.Workflow, error) {
	return r.persistence.Workflows().GetByID(ctx, id)
}

func (r *Repository) Create(ctx context.Context, workflow *models.Workflow) (*models.Workflow, error) {
	if workflow.ID == "" {
		workflow.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	workflow.CreatedAt = now
	workflow.UpdatedAt = now

	if workflow.Status == "" {
		workflow.Status = models.WorkflowStatusDraft
	}

	if r.validator != nil {
		if err := r.validator.Validate(workflow); err != nil {
			return nil, err
		}
	}

	if err := r.persistence.Workflows().Save(ctx, workflow); err != nil {
		return nil, err
	}

	return workflow, nil
}

func (r *Repository) Update(ctx context.Context, id string, workflow *models.Workflow) (*models.Workflow, error) {
	existing, err := r.persistence.Workflows().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	workflow.ID = existing.ID
	workflow.CreatedAt = existing.CreatedAt
	workflow.UpdatedAt = time.Now().UTC()

	if workflow.Status == "" {
		workflow.Status = existing.Status
	}

	if r.validator != nil {
		if err := r.validator.Validate(workflow); err != nil {
			return nil, err
		}
	}

	if err := r.persistence.Workflows().Save(ctx, workflow); err != nil {
		return nil, err
	}

	return workflow, nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.persistence.Workflows().Delete(ctx, id)
}
