// Package setvariable writes values into the execution's shared variables.
package setvariable

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/template"
)

// SetVariableNode resolves a set of variable assignments and hands them to
// the engine for application under the execution lock.
type SetVariableNode struct {
	id        string
	variables map[string]any
}

func NewSetVariableNode(id string, config map[string]any) (*SetVariableNode, error) {
	variables, ok := config["variables"].(map[string]any)
	if !ok || len(variables) == 0 {
		return nil, errors.New("missing required field 'variables'")
	}

	return &SetVariableNode{id: id, variables: variables}, nil
}

func (n *SetVariableNode) ID() string {
	return n.id
}

func (n *SetVariableNode) Type() string {
	return "setvariable"
}

func (n *SetVariableNode) Execute(_ context.Context, state *models.ExecutionContext, _ protocol.Input) (*protocol.Result, error) {
	resolved, err := template.ResolveMap(n.variables, state)
	if err != nil {
		return nil, fmt.Errorf("variable resolution: %w", err)
	}

	result := protocol.Success(map[string]any{"variables": resolved})
	result.Variables = resolved

	return result, nil
}
