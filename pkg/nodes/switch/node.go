// Package switchnode provides multi-way branching: a value routed to the
// output port of its matching case, or the default port.
package switchnode

import (
	"context"
	"errors"
	"fmt"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/template"
)

// SwitchNode routes execution to different output ports based on a value.
type SwitchNode struct {
	id    string
	value string
	cases map[string]string // case value -> output port
}

func NewSwitchNode(id string, config map[string]any) (*SwitchNode, error) {
	value, ok := config["value"].(string)
	if !ok {
		return nil, errors.New("missing required field 'value'")
	}

	cases := make(map[string]string)

	if casesConfig, ok := config["cases"].([]any); ok {
		for i, caseAny := range casesConfig {
			caseMap, ok := caseAny.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("case %d must be an object", i)
			}

			caseValue, ok := caseMap["value"].(string)
			if !ok {
				return nil, fmt.Errorf("case %d missing 'value'", i)
			}

			outputPort, ok := caseMap["output_port"].(string)
			if !ok {
				return nil, fmt.Errorf("case %d missing 'output_port'", i)
			}

			cases[caseValue] = outputPort
		}
	}

	if len(cases) == 0 {
		return nil, errors.New("switch requires at least one case")
	}

	return &SwitchNode{id: id, value: value, cases: cases}, nil
}

func (n *SwitchNode) ID() string {
	return n.id
}

func (n *SwitchNode) Type() string {
	return "switch"
}

// Execute resolves the value and emits on the matching case's port, or on
// the default port when no case matches.
func (n *SwitchNode) Execute(_ context.Context, state *models.ExecutionContext, _ protocol.Input) (*protocol.Result, error) {
	resolved, err := template.Resolve(n.value, state)
	if err != nil {
		return nil, fmt.Errorf("switch value resolution: %w", err)
	}

	valueStr := fmt.Sprintf("%v", resolved)

	port := models.PortDefault
	if match, ok := n.cases[valueStr]; ok {
		port = match
	}

	return protocol.Branch(port, map[string]any{
		"matched_value": valueStr,
		"output_port":   port,
	}), nil
}
