package trigger

import (
	"github.com/loomhq/loom/pkg/protocol"
)

// Factory creates TriggerNode instances.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create(id string, _ map[string]any) (protocol.Node, error) {
	return NewTriggerNode(id), nil
}

func (f *Factory) ID() string {
	return "trigger"
}

func (f *Factory) Name() string {
	return "Trigger"
}

func (f *Factory) Description() string {
	return "Entry node that seeds the execution with the external trigger payload"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"source": map[string]any{
				"type":        "string",
				"description": "Informational label of the trigger source (webhook, schedule, manual)",
			},
			"cron": map[string]any{
				"type":        "string",
				"description": "Cron expression; when set, the schedule source fires this workflow on the given cadence",
			},
		},
	}
}
