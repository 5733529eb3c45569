// Package persistence provides the storage abstraction the engine needs:
// executions, node execution records and approval snapshots, addressable by
// id with read-your-writes consistency within one execution.
package persistence

import (
	"context"

	"github.com/loomhq/loom/pkg/models"
)

type WorkflowRepository interface {
	Save(ctx context.Context, workflow *models.Workflow) error
	GetByID(ctx context.Context, id string) (*models.Workflow, error)
	List(ctx context.Context) ([]*models.Workflow, error)
	Delete(ctx context.Context, id string) error
}

type ExecutionRepository interface {
	Save(ctx context.Context, execution *models.Execution) error
	GetByID(ctx context.Context, id string) (*models.Execution, error)
	List(ctx context.Context, workflowID string) ([]*models.Execution, error)
}

type NodeRecordRepository interface {
	// Append stores a new record; Finalize overwrites a record once with its
	// terminal status. Records are never mutated after finalization.
	Append(ctx context.Context, record *models.NodeExecutionRecord) error
	Finalize(ctx context.Context, record *models.NodeExecutionRecord) error
	ListByExecution(ctx context.Context, executionID string) ([]*models.NodeExecutionRecord, error)
}

type SnapshotRepository interface {
	Save(ctx context.Context, snapshot *models.ApprovalSnapshot) error
	// GetByExecution returns the single outstanding snapshot for an
	// execution, or ErrSnapshotNotFound.
	GetByExecution(ctx context.Context, executionID string) (*models.ApprovalSnapshot, error)
	// Delete consumes the snapshot; a second delete returns ErrSnapshotNotFound.
	Delete(ctx context.Context, executionID string) error
	// ListExpired returns snapshots whose expiry has passed.
	ListExpired(ctx context.Context) ([]*models.ApprovalSnapshot, error)
}

type Persistence interface {
	Workflows() WorkflowRepository
	Executions() ExecutionRepository
	NodeRecords() NodeRecordRepository
	Snapshots() SnapshotRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
