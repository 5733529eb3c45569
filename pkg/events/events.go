// Package events defines the ordered progress event stream emitted by the
// execution engine for real-time consumers.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/models"
)

type EventType string

// Topic is the event-bus topic carrying all execution progress events.
const Topic = "loom.executions"

const EventKeyMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	NodeStartedEvent   EventType = "node.started"
	NodeCompletedEvent EventType = "node.completed"
	NodeFailedEvent    EventType = "node.failed"

	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionSuspendedEvent EventType = "execution.suspended"
	ExecutionResumedEvent   EventType = "execution.resumed"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionCancelledEvent EventType = "execution.cancelled"

	BudgetWarningEvent EventType = "budget.warning"

	WorkflowTriggeredEvent EventType = "workflow.triggered"
)

type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	WorkflowID  string    `json:"workflow_id"`
	ExecutionID string    `json:"execution_id"`
	WorkerID    string    `json:"worker_id,omitempty"`
}

func NewBaseEvent(eventType EventType, workflowID, executionID string) BaseEvent {
	return BaseEvent{
		ID:          uuid.New().String(),
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		WorkflowID:  workflowID,
		ExecutionID: executionID,
	}
}

type NodeStarted struct {
	BaseEvent

	NodeID   string `json:"node_id"`
	NodeType string `json:"node_type"`
	Attempt  int    `json:"attempt"`
}

func (e NodeStarted) GetType() EventType { return NodeStartedEvent }

type NodeCompleted struct {
	BaseEvent

	NodeID     string         `json:"node_id"`
	Output     map[string]any `json:"output,omitempty"`
	DurationMs int64          `json:"duration_ms"`
	Cost       float64        `json:"cost"`
}

func (e NodeCompleted) GetType() EventType { return NodeCompletedEvent }

type NodeFailed struct {
	BaseEvent

	NodeID     string `json:"node_id"`
	Error      string `json:"error"`
	Attempts   int    `json:"attempts"`
	DurationMs int64  `json:"duration_ms"`
	Final      bool   `json:"final"` // retries exhausted
}

func (e NodeFailed) GetType() EventType { return NodeFailedEvent }

type ExecutionStarted struct {
	BaseEvent

	TriggerData map[string]any `json:"trigger_data,omitempty"`
}

func (e ExecutionStarted) GetType() EventType { return ExecutionStartedEvent }

type ExecutionSuspended struct {
	BaseEvent

	NodeID            string     `json:"node_id"`
	ApprovalRequestID string     `json:"approval_request_id"`
	Reason            string     `json:"reason,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
}

func (e ExecutionSuspended) GetType() EventType { return ExecutionSuspendedEvent }

type ExecutionResumed struct {
	BaseEvent

	NodeID            string `json:"node_id"`
	ApprovalRequestID string `json:"approval_request_id"`
	Decision          string `json:"decision"`
	ActorID           string `json:"actor_id,omitempty"`
}

func (e ExecutionResumed) GetType() EventType { return ExecutionResumedEvent }

type ExecutionCompleted struct {
	BaseEvent

	Status        models.ExecutionStatus `json:"status"`
	NodesExecuted int                    `json:"nodes_executed"`
	TotalCost     float64                `json:"total_cost"`
	DurationMs    int64                  `json:"duration_ms"`
}

func (e ExecutionCompleted) GetType() EventType { return ExecutionCompletedEvent }

type ExecutionFailed struct {
	BaseEvent

	NodeID        string `json:"node_id,omitempty"` // empty for budget/approval-timeout failures
	Error         string `json:"error"`
	NodesExecuted int    `json:"nodes_executed"`
	DurationMs    int64  `json:"duration_ms"`
}

func (e ExecutionFailed) GetType() EventType { return ExecutionFailedEvent }

type ExecutionCancelled struct {
	BaseEvent

	Reason      string `json:"reason,omitempty"`
	CancelledBy string `json:"cancelled_by,omitempty"`
}

func (e ExecutionCancelled) GetType() EventType { return ExecutionCancelledEvent }

type BudgetWarning struct {
	BaseEvent

	NodeID  string  `json:"node_id"`
	Total   float64 `json:"total"`
	Ceiling float64 `json:"ceiling"`
}

func (e BudgetWarning) GetType() EventType { return BudgetWarningEvent }

// WorkflowTriggered asks a worker to start an execution. Trigger sources
// (schedule, webhook, manual) publish it; they never run the engine
// themselves.
type WorkflowTriggered struct {
	BaseEvent

	Source      string         `json:"source"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
}

func (e WorkflowTriggered) GetType() EventType { return WorkflowTriggeredEvent }
