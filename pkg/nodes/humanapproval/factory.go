package humanapproval

import (
	"github.com/loomhq/loom/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create(id string, config map[string]any) (protocol.Node, error) {
	return NewApprovalNode(id, config)
}

func (f *Factory) ID() string {
	return "humanapproval"
}

func (f *Factory) Name() string {
	return "Human Approval"
}

func (f *Factory) Description() string {
	return "Suspends the execution until a person approves or rejects"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"reason": map[string]any{
				"type":        "string",
				"description": "Shown to the approver, supports {{variable}} syntax",
			},
			"expires_in": map[string]any{
				"type":        "string",
				"description": "Go duration after which the pending approval times out, e.g. 72h",
			},
		},
	}
}
