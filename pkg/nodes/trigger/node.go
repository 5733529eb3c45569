// Package trigger provides the entry node that seeds an execution with its
// trigger payload.
package trigger

import (
	"context"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/protocol"
)

// TriggerNode passes the trigger payload through to its main output port.
// The actual trigger source (webhook, schedule, manual run) lives outside
// the engine; by the time an execution exists the payload is already in
// ExecutionContext.TriggerData.
type TriggerNode struct {
	id string
}

func NewTriggerNode(id string) *TriggerNode {
	return &TriggerNode{id: id}
}

func (n *TriggerNode) ID() string {
	return n.id
}

func (n *TriggerNode) Type() string {
	return "trigger"
}

// Execute seeds downstream nodes with the trigger payload.
func (n *TriggerNode) Execute(_ context.Context, state *models.ExecutionContext, _ protocol.Input) (*protocol.Result, error) {
	var payload any = state.TriggerData
	if state.TriggerData == nil {
		payload = map[string]any{}
	}

	return protocol.Success(payload), nil
}
