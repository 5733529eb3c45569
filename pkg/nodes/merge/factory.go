package merge

import (
	"github.com/loomhq/loom/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create(id string, config map[string]any) (protocol.Node, error) {
	return NewMergeNode(id, config)
}

func (f *Factory) ID() string {
	return "merge"
}

func (f *Factory) Name() string {
	return "Merge"
}

func (f *Factory) Description() string {
	return "Joins converging branches back into a single path"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"mode": map[string]any{
				"type":        "string",
				"enum":        []any{"all", "any"},
				"description": "Wait for all live inbound edges or fire on the first arrival",
			},
		},
	}
}
