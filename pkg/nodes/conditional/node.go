// Package conditional provides the two-way branching node. The taken branch
// is the only output port satisfied; downstream nodes of the untaken branch
// never become ready in that execution.
package conditional

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/expr-lang/expr"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/template"
)

// ConditionalNode evaluates a boolean expression against the execution state
// and routes to the true or false output port.
type ConditionalNode struct {
	id        string
	condition string
}

func NewConditionalNode(id string, config map[string]any) (*ConditionalNode, error) {
	condition, ok := config["condition"].(string)
	if !ok || condition == "" {
		return nil, errors.New("missing required field 'condition'")
	}

	return &ConditionalNode{id: id, condition: condition}, nil
}

func (n *ConditionalNode) ID() string {
	return n.id
}

func (n *ConditionalNode) Type() string {
	return "conditional"
}

// Execute resolves {{path}} markers in the condition, then evaluates it.
// A condition that is pure template (e.g. "{{trigger.ok}}") branches on the
// resolved value's truthiness; anything else is an expr expression over
// trigger, steps, variables and input. Evaluation errors and type mismatches
// resolve to the false branch with a logged warning.
func (n *ConditionalNode) Execute(_ context.Context, state *models.ExecutionContext, input protocol.Input) (*protocol.Result, error) {
	resolved, err := template.Resolve(n.condition, state)
	if err != nil {
		slog.Warn("condition resolution failed, taking false branch",
			"node_id", n.id, "condition", n.condition, "error", err)

		return branchResult(false, nil), nil
	}

	// A condition that resolved to a non-string (e.g. "{{trigger.ok}}")
	// branches on the value itself.
	expression, isString := resolved.(string)
	if !isString {
		return branchResult(truthy(resolved), resolved), nil
	}

	value, err := n.evaluateExpr(expression, state, input)
	if err != nil {
		slog.Warn("condition evaluation failed, taking false branch",
			"node_id", n.id, "condition", n.condition, "error", err)

		return branchResult(false, nil), nil
	}

	return branchResult(truthy(value), value), nil
}

func (n *ConditionalNode) evaluateExpr(expression string, state *models.ExecutionContext, input protocol.Input) (any, error) {
	steps := make(map[string]any, len(state.NodeOutputs))
	for id, output := range state.NodeOutputs {
		steps[id] = output.Primary()
	}

	env := map[string]any{
		"trigger":   state.TriggerData,
		"steps":     steps,
		"variables": state.Variables,
		"input":     map[string]any(input),
	}

	program, err := expr.Compile(expression, expr.Env(env), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	return expr.Run(program, env)
}

func branchResult(taken bool, evaluated any) *protocol.Result {
	port := models.PortFalse
	if taken {
		port = models.PortTrue
	}

	return protocol.Branch(port, map[string]any{
		"condition_result": taken,
		"evaluated_value":  evaluated,
	})
}

// truthy coerces non-boolean evaluation results. Unknown types resolve to
// false.
func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}

		return v != ""
	case int:
		return v != 0
	case int64:
		return v != 0
	case float64:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	case nil:
		return false
	default:
		return false
	}
}
