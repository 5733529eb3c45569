package loop

import (
	"github.com/loomhq/loom/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create(id string, config map[string]any) (protocol.Node, error) {
	return NewLoopNode(id, config)
}

func (f *Factory) ID() string {
	return "loop"
}

func (f *Factory) Name() string {
	return "Loop"
}

func (f *Factory) Description() string {
	return "Iterates the nodes connected to its body port over a list of items"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"items": map[string]any{
				"type":        "string",
				"description": "Expression resolving to the array to iterate, supports {{variable}} syntax",
			},
			"max_iterations": map[string]any{
				"type":        "number",
				"minimum":     1,
				"description": "Iteration ceiling, defaults to 1000",
			},
		},
		"required": []any{"items"},
	}
}
