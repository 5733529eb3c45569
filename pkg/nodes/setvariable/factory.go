package setvariable

import (
	"github.com/loomhq/loom/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create(id string, config map[string]any) (protocol.Node, error) {
	return NewSetVariableNode(id, config)
}

func (f *Factory) ID() string {
	return "setvariable"
}

func (f *Factory) Name() string {
	return "Set Variable"
}

func (f *Factory) Description() string {
	return "Writes values into the execution's shared variables"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"variables": map[string]any{
				"type":        "object",
				"description": "Variable assignments, values support {{variable}} syntax",
			},
		},
		"required": []any{"variables"},
	}
}
