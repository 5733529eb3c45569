package parallel

import (
	"github.com/loomhq/loom/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create(id string, config map[string]any) (protocol.Node, error) {
	return NewParallelNode(id, config)
}

func (f *Factory) ID() string {
	return "parallel"
}

func (f *Factory) Name() string {
	return "Parallel"
}

func (f *Factory) Description() string {
	return "Fans execution out over multiple branch ports simultaneously"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"branches": map[string]any{
				"type":        "number",
				"minimum":     2,
				"description": "Number of branch ports to emit on",
			},
		},
	}
}
