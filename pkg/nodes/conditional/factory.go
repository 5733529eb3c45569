package conditional

import (
	"github.com/loomhq/loom/pkg/protocol"
)

// Factory creates ConditionalNode instances.
type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create(id string, config map[string]any) (protocol.Node, error) {
	return NewConditionalNode(id, config)
}

func (f *Factory) ID() string {
	return "conditional"
}

func (f *Factory) Name() string {
	return "Conditional"
}

func (f *Factory) Description() string {
	return "Evaluates a boolean expression and routes to the true or false output port"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"condition": map[string]any{
				"type":        "string",
				"description": "Expression over trigger, steps, variables and input; {{path}} markers are resolved first",
				"examples": []string{
					"trigger.score >= 80",
					`variables.region == "eu-west"`,
					"{{steps.check.output.passed}}",
				},
			},
		},
		"required": []string{"condition"},
	}
}
