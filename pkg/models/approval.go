package models

import "time"

// ApprovalDecision is the externally supplied resolution for a suspended
// execution.
type ApprovalDecision struct {
	ApprovalRequestID string `json:"approval_request_id" validate:"required"`
	Decision          string `json:"decision"            validate:"required,oneof=approved rejected"`
	ActorID           string `json:"actor_id"`
	Comment           string `json:"comment,omitempty"`
}

// Approved reports whether the decision selects the approved branch.
func (d ApprovalDecision) Approved() bool {
	return d.Decision == PortApproved
}

// ApprovalSnapshot is the self-contained checkpoint taken when a node
// suspends an execution for human input. It carries everything resume needs:
// the full execution state plus the suspended node and its resume ports.
// A snapshot is consumed exactly once; at most one exists per execution.
type ApprovalSnapshot struct {
	ID          string            `json:"id"` // approval request id
	ExecutionID string            `json:"execution_id"`
	WorkflowID  string            `json:"workflow_id"`
	NodeID      string            `json:"node_id"`
	Reason      string            `json:"reason,omitempty"`
	ResumePorts []string          `json:"resume_ports"`
	State       *ExecutionContext `json:"state"`
	// SatisfiedEdges preserves scheduler progress: connection ids whose
	// source already emitted. Needed so resume does not re-run upstream work.
	SatisfiedEdges map[string]bool `json:"satisfied_edges,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
}

// Expired reports whether the approval window has passed.
func (s *ApprovalSnapshot) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}
