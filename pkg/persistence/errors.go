// Package persistence provides standardized error types for storage
// operations.
package persistence

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkflowNotFound indicates no workflow exists for the given id.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound indicates no execution exists for the given id.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrSnapshotNotFound indicates no outstanding approval snapshot exists
	// for the given execution.
	ErrSnapshotNotFound = errors.New("approval snapshot not found")

	// ErrRecordNotFound indicates a node execution record was not found.
	ErrRecordNotFound = errors.New("node execution record not found")

	// ErrSnapshotExists indicates the execution already has an outstanding
	// snapshot; a suspended execution cannot suspend again.
	ErrSnapshotExists = errors.New("approval snapshot already exists")
)

// StoreError wraps storage errors with operation context.
type StoreError struct {
	Op          string
	ExecutionID string
	Err         error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewStoreError creates a storage error with operation context.
func NewStoreError(op, executionID string, err error) *StoreError {
	return &StoreError{Op: op, ExecutionID: executionID, Err: err}
}

// IsWorkflowNotFound checks if an error indicates a missing workflow.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsExecutionNotFound checks if an error indicates a missing execution.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsSnapshotNotFound checks if an error indicates a missing snapshot.
func IsSnapshotNotFound(err error) bool {
	return errors.Is(err, ErrSnapshotNotFound)
}
