// Package web provides HTTP request and response types for the workflow API.
package web

import "github.com/loomhq/loom/pkg/models"

// CreateWorkflowRequest represents the request body for creating a workflow.
// A workflow is created as a complete definition: nodes plus connections.
type CreateWorkflowRequest struct {
	Name        string                 `json:"name"        validate:"required,min=3"`
	Description string                 `json:"description"`
	Owner       string                 `json:"owner"       validate:"required"`
	Nodes       []*models.WorkflowNode `json:"nodes"       validate:"required,min=1,dive"`
	Connections []*models.Connection   `json:"connections" validate:"dive"`
	Variables   map[string]any         `json:"variables"`
	Budget      *models.BudgetPolicy   `json:"budget,omitempty"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
}

// UpdateWorkflowRequest represents the request body for updating an existing
// workflow. All fields are optional to support partial updates.
type UpdateWorkflowRequest struct {
	Name        *string                `json:"name,omitempty"        validate:"omitempty,min=3"`
	Description *string                `json:"description,omitempty"`
	Nodes       []*models.WorkflowNode `json:"nodes,omitempty"       validate:"omitempty,min=1,dive"`
	Connections []*models.Connection   `json:"connections,omitempty" validate:"dive"`
	Variables   map[string]any         `json:"variables,omitempty"`
	Budget      *models.BudgetPolicy   `json:"budget,omitempty"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
}

// StartExecutionRequest carries the trigger payload for a new execution.
type StartExecutionRequest struct {
	TriggerData map[string]any `json:"trigger_data"`
}

// ApprovalDecisionRequest resolves a suspended execution. The approval
// request id comes from the URL, not the body.
type ApprovalDecisionRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approved rejected"`
	ActorID  string `json:"actor_id" validate:"required"`
	Comment  string `json:"comment,omitempty"`
}

// CancelExecutionRequest carries the audit fields for a cancellation.
type CancelExecutionRequest struct {
	CancelledBy string `json:"cancelled_by"`
	Reason      string `json:"reason"`
}

// Workflow materializes a CreateWorkflowRequest into a domain workflow.
// Identity and timestamps are assigned by the repository.
func (r CreateWorkflowRequest) Workflow() *models.Workflow {
	return &models.Workflow{
		Name:        r.Name,
		Description: r.Description,
		Owner:       r.Owner,
		Nodes:       r.Nodes,
		Connections: r.Connections,
		Variables:   r.Variables,
		Budget:      r.Budget,
		Metadata:    r.Metadata,
	}
}

// Apply copies the request's set fields onto an existing workflow.
func (r UpdateWorkflowRequest) Apply(workflow *models.Workflow) {
	if r.Name != nil {
		workflow.Name = *r.Name
	}

	if r.Description != nil {
		workflow.Description = *r.Description
	}

	if r.Nodes != nil {
		workflow.Nodes = r.Nodes
	}

	if r.Connections != nil {
		workflow.Connections = r.Connections
	}

	if r.Variables != nil {
		workflow.Variables = r.Variables
	}

	if r.Budget != nil {
		workflow.Budget = r.Budget
	}

	if r.Metadata != nil {
		workflow.Metadata = r.Metadata
	}
}
