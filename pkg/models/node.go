package models

import "time"

// CategoryType represents the category of a node.
type CategoryType string

const (
	CategoryTypeAction  CategoryType = "action"  // Regular action nodes (http, transform, log, etc.)
	CategoryTypeTrigger CategoryType = "trigger" // Trigger nodes that seed an execution
	CategoryTypeFlow    CategoryType = "flow"    // Control-flow nodes (conditional, switch, loop, parallel, merge)
)

// ErrorPolicy decides what happens to the execution when a node's retries
// are exhausted.
type ErrorPolicy string

const (
	ErrorPolicyStop     ErrorPolicy = "stop"     // Fail the whole execution
	ErrorPolicyContinue ErrorPolicy = "continue" // Record the failure, keep dispatching
)

// WorkflowNode represents a node instance in a workflow graph.
type WorkflowNode struct {
	ID        string         `json:"id"       validate:"required"`
	Type      string         `json:"type"     validate:"required"`
	Category  CategoryType   `json:"category" validate:"required"`
	Name      string         `json:"name"     validate:"required,min=1"`
	Config    map[string]any `json:"config"`
	Disabled  bool           `json:"disabled,omitempty"`
	OnError   ErrorPolicy    `json:"on_error,omitempty"`
	Retry     *RetryPolicy   `json:"retry,omitempty"`
	TimeoutMs int64          `json:"timeout_ms,omitempty" validate:"gte=0"`
	Cost      float64        `json:"cost,omitempty"       validate:"gte=0"`
	PositionX int            `json:"position_x"`
	PositionY int            `json:"position_y"`
}

// IsTriggerNode reports whether the node seeds executions rather than doing work.
func (n *WorkflowNode) IsTriggerNode() bool {
	return n.Category == CategoryTypeTrigger
}

// ErrorPolicyOrDefault returns the node's error policy, defaulting to stop.
func (n *WorkflowNode) ErrorPolicyOrDefault() ErrorPolicy {
	if n.OnError == "" {
		return ErrorPolicyStop
	}

	return n.OnError
}

// NodeStatus defines the possible states of a node execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSuccess   NodeStatus = "success"
	NodeStatusError     NodeStatus = "error"
	NodeStatusSuspended NodeStatus = "suspended"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// NodeOutput holds what a completed node emitted, keyed by output port.
// A node that took the "true" branch has only a "true" entry; plain action
// nodes emit on PortMain.
type NodeOutput struct {
	Ports map[string]any `json:"ports"`
}

// Primary returns the value used for variable resolution of steps.<id>:
// the main port when present, otherwise the single emitted port.
func (o *NodeOutput) Primary() any {
	if o == nil || len(o.Ports) == 0 {
		return nil
	}

	if v, ok := o.Ports[PortMain]; ok {
		return v
	}

	if len(o.Ports) == 1 {
		for _, v := range o.Ports {
			return v
		}
	}

	return o.Ports
}

// NodeExecutionRecord is the append-only audit entry for one (execution, node)
// dispatch. It is created when the node is dispatched and finalized exactly
// once when the node settles.
type NodeExecutionRecord struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	NodeID      string         `json:"node_id"`
	NodeType    string         `json:"node_type"`
	Status      NodeStatus     `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      *NodeOutput    `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts"`
	Cost        float64        `json:"cost"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
}
