// Package loop iterates a body subgraph over a list of items.
package loop

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/template"
)

const defaultMaxIterations = 1000

// LoopNode drives the dispatcher's body subgraph once per item. The node
// itself only resolves the item list and the iteration ceiling; the
// dispatcher runs the nodes connected to the body port for each item and
// this node's done port emits the collected results.
type LoopNode struct {
	id            string
	items         string
	maxIterations int
}

func NewLoopNode(id string, config map[string]any) (*LoopNode, error) {
	items, ok := config["items"].(string)
	if !ok || items == "" {
		return nil, errors.New("missing required field 'items'")
	}

	maxIterations := defaultMaxIterations
	if raw, ok := config["max_iterations"].(float64); ok && raw > 0 {
		maxIterations = int(raw)
	}

	return &LoopNode{id: id, items: items, maxIterations: maxIterations}, nil
}

func (n *LoopNode) ID() string {
	return n.id
}

func (n *LoopNode) Type() string {
	return "loop"
}

// Items resolves the configured items expression into the list to iterate.
func (n *LoopNode) Items(state *models.ExecutionContext) ([]any, error) {
	resolved, err := template.Resolve(n.items, state)
	if err != nil {
		return nil, fmt.Errorf("loop items resolution: %w", err)
	}

	list, ok := resolved.([]any)
	if !ok {
		return nil, fmt.Errorf("loop items must resolve to an array, got %T", resolved)
	}

	return list, nil
}

// MaxIterations reports the iteration ceiling.
func (n *LoopNode) MaxIterations() int {
	return n.maxIterations
}

// Execute is invoked by the dispatcher after all iterations complete; the
// collected body results arrive as input under "items".
func (n *LoopNode) Execute(_ context.Context, _ *models.ExecutionContext, input protocol.Input) (*protocol.Result, error) {
	collected, _ := input["items"].([]any)

	return protocol.Branch(models.PortDone, map[string]any{
		"items": collected,
		"count": len(collected),
	}), nil
}

var _ protocol.Looper = (*LoopNode)(nil)
