// Package models defines the core domain models for node-based workflow execution.
package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft       WorkflowStatus = "draft"       // Editable, not executable
	WorkflowStatusPublished   WorkflowStatus = "published"   // Current active, executable
	WorkflowStatusUnpublished WorkflowStatus = "unpublished" // Historical, not executable
)

// Workflow is the immutable description of a node graph: nodes plus the
// connections between their ports. Engines never mutate a Workflow; all
// run-time state lives on the Execution side.
type Workflow struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"        validate:"required,min=3"`
	Description string          `json:"description"`
	Status      WorkflowStatus  `json:"status"      validate:"required"`
	Nodes       []*WorkflowNode `json:"nodes"       validate:"required,min=1,dive"`
	Connections []*Connection   `json:"connections" validate:"dive"`
	Variables   map[string]any  `json:"variables"`
	Budget      *BudgetPolicy   `json:"budget,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Owner       string          `json:"owner"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *WorkflowNode {
	for _, n := range w.Nodes {
		if n.ID == id {
			return n
		}
	}

	return nil
}
