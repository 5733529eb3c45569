package humanapproval

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/protocol"
)

func TestExecute_Suspends(t *testing.T) {
	node, err := NewApprovalNode("gate", map[string]any{
		"reason": "refund of {{trigger.amount}} needs sign-off",
	})
	require.NoError(t, err)

	state := models.NewExecutionContext("exec-1", "wf-1", map[string]any{"amount": 250.0}, nil)

	result, err := node.Execute(context.Background(), state, protocol.Input{})
	require.NoError(t, err)
	require.NotNil(t, result.Suspend)

	assert.Equal(t, "refund of 250 needs sign-off", result.Suspend.Reason)
	assert.ElementsMatch(t, []string{models.PortApproved, models.PortRejected}, result.Suspend.ResumePorts)
	assert.Nil(t, result.Suspend.ExpiresAt)
	assert.Empty(t, result.Outputs)
}

func TestExecute_ExpiresIn(t *testing.T) {
	node, err := NewApprovalNode("gate", map[string]any{"expires_in": "72h"})
	require.NoError(t, err)

	state := models.NewExecutionContext("exec-1", "wf-1", nil, nil)

	result, err := node.Execute(context.Background(), state, protocol.Input{})
	require.NoError(t, err)
	require.NotNil(t, result.Suspend.ExpiresAt)

	assert.WithinDuration(t, time.Now().UTC().Add(72*time.Hour), *result.Suspend.ExpiresAt, time.Minute)
}

func TestNewApprovalNode_InvalidDuration(t *testing.T) {
	_, err := NewApprovalNode("gate", map[string]any{"expires_in": "soon"})
	assert.Error(t, err)
}
