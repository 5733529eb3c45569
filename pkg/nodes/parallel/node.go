// Package parallel fans execution out over multiple branch ports at once.
package parallel

import (
	"context"
	"fmt"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/protocol"
)

const defaultBranches = 2

// ParallelNode emits the same payload on every configured branch port,
// making all downstream branches ready simultaneously. The dispatcher runs
// ready nodes concurrently, so the branches proceed in parallel; a merge
// node downstream joins them back.
type ParallelNode struct {
	id       string
	branches int
}

func NewParallelNode(id string, config map[string]any) (*ParallelNode, error) {
	branches := defaultBranches
	if raw, ok := config["branches"].(float64); ok {
		branches = int(raw)
	}

	if branches < 2 {
		return nil, fmt.Errorf("parallel requires at least 2 branches, got %d", branches)
	}

	return &ParallelNode{id: id, branches: branches}, nil
}

func (n *ParallelNode) ID() string {
	return n.id
}

func (n *ParallelNode) Type() string {
	return "parallel"
}

// BranchPorts lists the ports this node emits on, in order.
func (n *ParallelNode) BranchPorts() []string {
	ports := make([]string, n.branches)
	for i := range ports {
		ports[i] = fmt.Sprintf("branch_%d", i)
	}

	return ports
}

func (n *ParallelNode) Execute(_ context.Context, _ *models.ExecutionContext, input protocol.Input) (*protocol.Result, error) {
	payload := map[string]any{"input": map[string]any(input)}

	outputs := make(map[string]any, n.branches)
	for _, port := range n.BranchPorts() {
		outputs[port] = payload
	}

	return &protocol.Result{Outputs: outputs}, nil
}
