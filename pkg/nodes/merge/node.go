// Package merge joins converging branches back into a single path.
package merge

import (
	"context"
	"fmt"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/protocol"
)

// Mode controls how many inbound edges must be satisfied before the merge
// fires. ModeAll waits for every live inbound edge, ModeAny fires on the
// first arrival.
type Mode string

const (
	ModeAll Mode = "all"
	ModeAny Mode = "any"
)

// MergeNode combines the outputs of its inbound branches into one payload.
// The readiness semantics (any vs all) are enforced by the dispatcher; the
// node itself only assembles whatever inputs arrived.
type MergeNode struct {
	id   string
	mode Mode
}

func NewMergeNode(id string, config map[string]any) (*MergeNode, error) {
	mode := ModeAll
	if raw, ok := config["mode"].(string); ok && raw != "" {
		switch Mode(raw) {
		case ModeAll, ModeAny:
			mode = Mode(raw)
		default:
			return nil, fmt.Errorf("invalid merge mode %q", raw)
		}
	}

	return &MergeNode{id: id, mode: mode}, nil
}

func (n *MergeNode) ID() string {
	return n.id
}

func (n *MergeNode) Type() string {
	return "merge"
}

// Mode reports the configured readiness mode for the dispatcher.
func (n *MergeNode) Mode() string {
	return string(n.mode)
}

func (n *MergeNode) Execute(_ context.Context, _ *models.ExecutionContext, input protocol.Input) (*protocol.Result, error) {
	merged := make(map[string]any, len(input))
	for source, value := range input {
		merged[source] = value
	}

	return protocol.Success(map[string]any{"merged": merged}), nil
}
