package models

import (
	"fmt"
	"time"
)

// ExecutionStatus represents the lifecycle state of one workflow run.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSuspended ExecutionStatus = "suspended"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further dispatch can happen for this status.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// Execution is the lifecycle entity for one run of a workflow graph.
type Execution struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Status      ExecutionStatus `json:"status"`
	Error       string          `json:"error,omitempty"`
	TotalCost   float64         `json:"total_cost"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ExecutionContext is the mutable state of one in-flight execution: the
// trigger payload, execution-global variables and the per-node outputs.
// It is owned by exactly one execution and never shared across executions.
type ExecutionContext struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflow_id"`
	TriggerData map[string]any         `json:"trigger_data,omitempty"`
	Variables   map[string]any         `json:"variables,omitempty"`
	NodeOutputs map[string]*NodeOutput `json:"node_outputs,omitempty"`
	// CompletionOrder records node ids in the order their outputs were written.
	CompletionOrder []string       `json:"completion_order,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// NewExecutionContext creates an empty state for a new execution.
func NewExecutionContext(executionID, workflowID string, triggerData, variables map[string]any) *ExecutionContext {
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}

	return &ExecutionContext{
		ID:          executionID,
		WorkflowID:  workflowID,
		TriggerData: triggerData,
		Variables:   vars,
		NodeOutputs: make(map[string]*NodeOutput),
		Metadata:    make(map[string]any),
	}
}

// SetNodeOutput records a node's output. A node id is written at most once
// per execution; a retry of the same dispatch replaces only its own entry,
// which callers signal with replace.
func (c *ExecutionContext) SetNodeOutput(nodeID string, output *NodeOutput, replace bool) error {
	if _, exists := c.NodeOutputs[nodeID]; exists && !replace {
		return fmt.Errorf("node %s already has an output in execution %s", nodeID, c.ID)
	}

	if _, exists := c.NodeOutputs[nodeID]; !exists {
		c.CompletionOrder = append(c.CompletionOrder, nodeID)
	}

	c.NodeOutputs[nodeID] = output

	return nil
}

// Clone returns a deep-enough copy for snapshotting: top-level maps are
// copied, values are shared (they are treated as immutable once written).
func (c *ExecutionContext) Clone() *ExecutionContext {
	clone := &ExecutionContext{
		ID:          c.ID,
		WorkflowID:  c.WorkflowID,
		TriggerData: copyMap(c.TriggerData),
		Variables:   copyMap(c.Variables),
		NodeOutputs: make(map[string]*NodeOutput, len(c.NodeOutputs)),
		Metadata:    copyMap(c.Metadata),
	}

	clone.CompletionOrder = append(clone.CompletionOrder, c.CompletionOrder...)

	for id, out := range c.NodeOutputs {
		clone.NodeOutputs[id] = &NodeOutput{Ports: copyMap(out.Ports)}
	}

	return clone
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}

	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}
