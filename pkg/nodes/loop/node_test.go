package loop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/protocol"
)

func TestItems_ResolvesArray(t *testing.T) {
	node, err := NewLoopNode("each", map[string]any{"items": "{{trigger.ids}}"})
	require.NoError(t, err)

	state := models.NewExecutionContext("exec-1", "wf-1", map[string]any{
		"ids": []any{1.0, 2.0, 3.0},
	}, nil)

	items, err := node.Items(state)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, items)
	assert.Equal(t, 1000, node.MaxIterations())
}

func TestItems_RejectsNonArray(t *testing.T) {
	node, err := NewLoopNode("each", map[string]any{"items": "{{trigger.name}}"})
	require.NoError(t, err)

	state := models.NewExecutionContext("exec-1", "wf-1", map[string]any{"name": "solo"}, nil)

	_, err = node.Items(state)
	assert.Error(t, err)
}

func TestExecute_EmitsCollectedItems(t *testing.T) {
	node, err := NewLoopNode("each", map[string]any{
		"items":          "{{trigger.ids}}",
		"max_iterations": 5.0,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, node.MaxIterations())

	state := models.NewExecutionContext("exec-1", "wf-1", nil, nil)
	collected := []any{2.0, 4.0, 6.0}

	result, err := node.Execute(context.Background(), state, protocol.Input{"items": collected})
	require.NoError(t, err)

	done, ok := result.Outputs[models.PortDone].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, collected, done["items"])
	assert.Equal(t, 3, done["count"])
}
