package switchnode

import (
	"github.com/loomhq/loom/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create(id string, config map[string]any) (protocol.Node, error) {
	return NewSwitchNode(id, config)
}

func (f *Factory) ID() string {
	return "switch"
}

func (f *Factory) Name() string {
	return "Switch"
}

func (f *Factory) Description() string {
	return "Routes execution to one of several output ports based on a value"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"value": map[string]any{
				"type":        "string",
				"description": "Value to match, supports {{variable}} syntax",
			},
			"cases": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"value":       map[string]any{"type": "string"},
						"output_port": map[string]any{"type": "string"},
					},
					"required": []any{"value", "output_port"},
				},
			},
		},
		"required": []any{"value", "cases"},
	}
}
