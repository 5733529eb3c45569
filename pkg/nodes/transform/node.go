// Package transform reshapes data using template expressions.
package transform

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/template"
)

// TransformNode resolves a mapping of output fields against the execution
// state and emits the result on the main port.
type TransformNode struct {
	id      string
	mapping map[string]any
}

func NewTransformNode(id string, config map[string]any) (*TransformNode, error) {
	mapping, ok := config["mapping"].(map[string]any)
	if !ok || len(mapping) == 0 {
		return nil, errors.New("missing required field 'mapping'")
	}

	return &TransformNode{id: id, mapping: mapping}, nil
}

func (n *TransformNode) ID() string {
	return n.id
}

func (n *TransformNode) Type() string {
	return "transform"
}

func (n *TransformNode) Execute(_ context.Context, state *models.ExecutionContext, _ protocol.Input) (*protocol.Result, error) {
	resolved, err := template.ResolveMap(n.mapping, state)
	if err != nil {
		return nil, fmt.Errorf("transform mapping resolution: %w", err)
	}

	return protocol.Success(resolved), nil
}
