// Package protocol defines the interfaces and contracts for pluggable node
// executors.
package protocol

import (
	"context"
	"time"

	"github.com/loomhq/loom/pkg/models"
)

// Input carries the data a node receives on its satisfied inbound edges,
// keyed by the source node id of each edge.
type Input map[string]any

// SuspendRequest signals that the node cannot complete without external human
// input. The engine snapshots the execution and halts dispatch until an
// approval decision arrives on one of the resume ports.
type SuspendRequest struct {
	Reason      string
	ResumePorts []string
	ExpiresAt   *time.Time
}

// Result is what a node execution produced: either output data keyed by
// output port, or a suspension request. Exactly one of the two is set.
// Variables holds execution-global variable assignments the engine applies
// under the execution's state lock after a successful execution.
// Cost is the actual cost of the call when the executor knows it after the
// fact; zero means the pre-dispatch estimate stands.
type Result struct {
	Outputs   map[string]any
	Suspend   *SuspendRequest
	Variables map[string]any
	Cost      float64
}

// Success builds a single-port result on the main port.
func Success(data any) *Result {
	return &Result{Outputs: map[string]any{models.PortMain: data}}
}

// Branch builds a result that emits only on the given branch port.
func Branch(port string, data any) *Result {
	return &Result{Outputs: map[string]any{port: data}}
}

// Node executes a single unit of work. Execute receives the execution state
// for variable resolution and the inbound edge data; it must not mutate the
// state directly. Variable writes travel back on Result.Variables.
type Node interface {
	ID() string
	Type() string
	Execute(ctx context.Context, state *models.ExecutionContext, input Input) (*Result, error)
}

// NodeFactory creates node instances and describes the node type.
type NodeFactory interface {
	// Create builds a node instance with the given configuration. Config
	// values may still contain {{path}} markers; they are resolved per
	// dispatch.
	Create(id string, config map[string]any) (Node, error)

	// ID returns the unique node type tag.
	ID() string

	// Name returns the human-readable name for this node type.
	Name() string

	// Description returns a description of what this node does.
	Description() string

	// Schema returns the JSON Schema for this node type's configuration,
	// validated at graph-load time.
	Schema() map[string]any
}

// CostEstimator is implemented by nodes whose dispatch carries a cost the
// budget guard should reserve before execution. Nodes without it cost zero
// unless the workflow node declares a fixed cost.
type CostEstimator interface {
	EstimateCost(state *models.ExecutionContext) float64
}

// Looper is implemented by loop nodes. The engine drives the per-item
// sub-dispatch; the node only resolves the iterable and its bounds.
type Looper interface {
	Items(state *models.ExecutionContext) ([]any, error)
	MaxIterations() int
}
