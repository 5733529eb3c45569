package log

import (
	"github.com/loomhq/loom/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create(id string, config map[string]any) (protocol.Node, error) {
	return NewLogNode(id, config)
}

func (f *Factory) ID() string {
	return "log"
}

func (f *Factory) Name() string {
	return "Log"
}

func (f *Factory) Description() string {
	return "Writes a structured log line and passes its input through"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "Message to log, supports {{variable}} syntax",
			},
			"level": map[string]any{
				"type": "string",
				"enum": []any{"debug", "info", "warn", "error"},
			},
		},
	}
}
