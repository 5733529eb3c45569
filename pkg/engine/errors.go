package engine

import (
	"fmt"
	"time"
)

// NodeExecutionError wraps a node failure after retries were exhausted.
type NodeExecutionError struct {
	ExecutionID string
	NodeID      string
	NodeType    string
	Attempts    int
	Err         error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s (%s) failed after %d attempt(s) in execution %s: %v",
		e.NodeID, e.NodeType, e.Attempts, e.ExecutionID, e.Err)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Err
}

// NotSuspendedError is returned when an approval decision arrives for an
// execution that is not waiting for one.
type NotSuspendedError struct {
	ExecutionID string
	Status      string
}

func (e *NotSuspendedError) Error() string {
	return fmt.Sprintf("execution %s is not suspended (status %s)", e.ExecutionID, e.Status)
}

// DecisionMismatchError is returned when the decision's approval request id
// does not match the outstanding snapshot.
type DecisionMismatchError struct {
	ExecutionID string
	Expected    string
	Got         string
}

func (e *DecisionMismatchError) Error() string {
	return fmt.Sprintf("approval request %s does not match outstanding request %s for execution %s",
		e.Got, e.Expected, e.ExecutionID)
}

// ApprovalTimeoutError is returned when a decision arrives after the
// approval window closed, or by the expiry sweep when it fails the execution.
type ApprovalTimeoutError struct {
	ExecutionID       string
	ApprovalRequestID string
	ExpiredAt         time.Time
}

func (e *ApprovalTimeoutError) Error() string {
	return fmt.Sprintf("approval request %s for execution %s expired at %s",
		e.ApprovalRequestID, e.ExecutionID, e.ExpiredAt.Format(time.RFC3339))
}

// LoopIterationError is returned when a loop's resolved item count exceeds
// its iteration ceiling or a body iteration fails.
type LoopIterationError struct {
	ExecutionID string
	LoopID      string
	Iteration   int
	Err         error
}

func (e *LoopIterationError) Error() string {
	return fmt.Sprintf("loop %s iteration %d failed in execution %s: %v",
		e.LoopID, e.Iteration, e.ExecutionID, e.Err)
}

func (e *LoopIterationError) Unwrap() error {
	return e.Err
}
