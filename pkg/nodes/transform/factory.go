package transform

import (
	"github.com/loomhq/loom/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create(id string, config map[string]any) (protocol.Node, error) {
	return NewTransformNode(id, config)
}

func (f *Factory) ID() string {
	return "transform"
}

func (f *Factory) Name() string {
	return "Transform"
}

func (f *Factory) Description() string {
	return "Reshapes data by resolving a field mapping against execution state"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"mapping": map[string]any{
				"type":        "object",
				"description": "Output fields, values support {{variable}} syntax",
			},
		},
		"required": []any{"mapping"},
	}
}
