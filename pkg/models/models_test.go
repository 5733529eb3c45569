package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePortID(t *testing.T) {
	nodeID, port, ok := ParsePortID("node-1:main")
	require.True(t, ok)
	assert.Equal(t, "node-1", nodeID)
	assert.Equal(t, "main", port)

	_, _, ok = ParsePortID("no-separator")
	assert.False(t, ok)

	_, _, ok = ParsePortID(":main")
	assert.False(t, ok)

	_, _, ok = ParsePortID("node-1:")
	assert.False(t, ok)
}

func TestMakePortID(t *testing.T) {
	assert.Equal(t, "node-1:true", MakePortID("node-1", "true"))
}

func TestSetNodeOutput_WriteOnce(t *testing.T) {
	state := NewExecutionContext("exec-1", "wf-1", nil, nil)

	err := state.SetNodeOutput("a", &NodeOutput{Ports: map[string]any{PortMain: 1}}, false)
	require.NoError(t, err)

	err = state.SetNodeOutput("a", &NodeOutput{Ports: map[string]any{PortMain: 2}}, false)
	require.Error(t, err)

	// Retry replaces only the node's own entry.
	err = state.SetNodeOutput("a", &NodeOutput{Ports: map[string]any{PortMain: 3}}, true)
	require.NoError(t, err)
	assert.Equal(t, 3, state.NodeOutputs["a"].Ports[PortMain])
	assert.Equal(t, []string{"a"}, state.CompletionOrder)
}

func TestSetNodeOutput_CompletionOrder(t *testing.T) {
	state := NewExecutionContext("exec-1", "wf-1", nil, nil)

	require.NoError(t, state.SetNodeOutput("b", &NodeOutput{}, false))
	require.NoError(t, state.SetNodeOutput("a", &NodeOutput{}, false))
	require.NoError(t, state.SetNodeOutput("c", &NodeOutput{}, false))

	assert.Equal(t, []string{"b", "a", "c"}, state.CompletionOrder)
}

func TestExecutionContext_Clone(t *testing.T) {
	state := NewExecutionContext("exec-1", "wf-1", map[string]any{"score": 90}, map[string]any{"k": "v"})
	require.NoError(t, state.SetNodeOutput("a", &NodeOutput{Ports: map[string]any{PortMain: "x"}}, false))

	clone := state.Clone()
	clone.Variables["k"] = "changed"
	clone.NodeOutputs["a"].Ports[PortMain] = "changed"

	assert.Equal(t, "v", state.Variables["k"])
	assert.Equal(t, "x", state.NodeOutputs["a"].Ports[PortMain])
	assert.Equal(t, state.CompletionOrder, clone.CompletionOrder)
}

func TestNodeOutput_Primary(t *testing.T) {
	out := &NodeOutput{Ports: map[string]any{PortMain: 42, PortError: "no"}}
	assert.Equal(t, 42, out.Primary())

	out = &NodeOutput{Ports: map[string]any{PortTrue: "taken"}}
	assert.Equal(t, "taken", out.Primary())

	var nilOut *NodeOutput

	assert.Nil(t, nilOut.Primary())
}

func TestRetryPolicy_Backoff(t *testing.T) {
	policy := &RetryPolicy{
		MaxAttempts:    5,
		InitialDelayMs: 100,
		Multiplier:     2.0,
		MaxDelayMs:     1000,
	}

	assert.Equal(t, 100*time.Millisecond, policy.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, policy.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, policy.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, policy.Backoff(3))
	// Capped at max delay.
	assert.Equal(t, 1000*time.Millisecond, policy.Backoff(4))
	assert.Equal(t, 1000*time.Millisecond, policy.Backoff(10))
}

func TestRetryPolicy_Defaults(t *testing.T) {
	var policy *RetryPolicy

	assert.Equal(t, 1, policy.Attempts())
	assert.Equal(t, time.Duration(0), policy.Backoff(3))

	policy = &RetryPolicy{MaxAttempts: 3}
	assert.Equal(t, 3, policy.Attempts())
	assert.Equal(t, DefaultRetryInitialDelay, policy.Backoff(0))
	assert.Equal(t, 2*DefaultRetryInitialDelay, policy.Backoff(1))
}

func TestApprovalSnapshot_Expired(t *testing.T) {
	now := time.Now()

	snapshot := &ApprovalSnapshot{}
	assert.False(t, snapshot.Expired(now))

	expiry := now.Add(-time.Minute)
	snapshot.ExpiresAt = &expiry
	assert.True(t, snapshot.Expired(now))

	expiry = now.Add(time.Minute)
	assert.False(t, snapshot.Expired(now))
}

func TestBudgetPolicy_Unlimited(t *testing.T) {
	var policy *BudgetPolicy

	assert.True(t, policy.Unlimited())
	assert.True(t, (&BudgetPolicy{}).Unlimited())
	assert.False(t, (&BudgetPolicy{HardCeiling: 10}).Unlimited())
}

func TestExecutionStatus_IsTerminal(t *testing.T) {
	assert.True(t, ExecutionStatusCompleted.IsTerminal())
	assert.True(t, ExecutionStatusFailed.IsTerminal())
	assert.True(t, ExecutionStatusCancelled.IsTerminal())
	assert.False(t, ExecutionStatusRunning.IsTerminal())
	assert.False(t, ExecutionStatusSuspended.IsTerminal())
}
