package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/budget"
	"github.com/loomhq/loom/pkg/eventbus"
	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence"
	"github.com/loomhq/loom/pkg/persistence/file"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/registry"
)

// capturePublisher records published events for assertions.
type capturePublisher struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *capturePublisher) Publish(_ context.Context, _ string, event eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, event)

	return nil
}

func (p *capturePublisher) types() []events.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]events.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.GetType())
	}

	return out
}

// flakyFactory builds nodes that fail a configured number of times before
// succeeding. Failure counts are shared across attempts of the same node.
type flakyFactory struct {
	mu     sync.Mutex
	counts map[string]int
}

type flakyNode struct {
	id       string
	failures int
	factory  *flakyFactory
}

func (f *flakyFactory) Create(id string, config map[string]any) (protocol.Node, error) {
	failures := 0
	if raw, ok := config["failures"].(float64); ok {
		failures = int(raw)
	}

	return &flakyNode{id: id, failures: failures, factory: f}, nil
}

func (f *flakyFactory) ID() string             { return "flaky" }
func (f *flakyFactory) Name() string           { return "Flaky" }
func (f *flakyFactory) Description() string    { return "Fails a configured number of times" }
func (f *flakyFactory) Schema() map[string]any { return map[string]any{"type": "object"} }

func (n *flakyNode) ID() string   { return n.id }
func (n *flakyNode) Type() string { return "flaky" }

func (n *flakyNode) Execute(_ context.Context, _ *models.ExecutionContext, _ protocol.Input) (*protocol.Result, error) {
	n.factory.mu.Lock()
	n.factory.counts[n.id]++
	count := n.factory.counts[n.id]
	n.factory.mu.Unlock()

	if count <= n.failures {
		return nil, errors.New("transient failure")
	}

	return protocol.Success(map[string]any{"attempt": count}), nil
}

// doubleFactory builds nodes that double the current loop item.
type doubleFactory struct{}

type doubleNode struct{ id string }

func (f *doubleFactory) Create(id string, _ map[string]any) (protocol.Node, error) {
	return &doubleNode{id: id}, nil
}

func (f *doubleFactory) ID() string             { return "double" }
func (f *doubleFactory) Name() string           { return "Double" }
func (f *doubleFactory) Description() string    { return "Doubles the current loop item" }
func (f *doubleFactory) Schema() map[string]any { return map[string]any{"type": "object"} }

func (n *doubleNode) ID() string   { return n.id }
func (n *doubleNode) Type() string { return "double" }

func (n *doubleNode) Execute(_ context.Context, state *models.ExecutionContext, _ protocol.Input) (*protocol.Result, error) {
	item, ok := state.Variables["item"].(float64)
	if !ok {
		return nil, errors.New("no numeric item in scope")
	}

	return protocol.Success(item * 2), nil
}

// sleepFactory builds nodes that block for a configured duration, honoring
// context cancellation.
type sleepFactory struct{}

type sleepNode struct {
	id    string
	delay time.Duration
}

func (f *sleepFactory) Create(id string, config map[string]any) (protocol.Node, error) {
	delayMs := 50.0
	if raw, ok := config["sleep_ms"].(float64); ok {
		delayMs = raw
	}

	return &sleepNode{id: id, delay: time.Duration(delayMs) * time.Millisecond}, nil
}

func (f *sleepFactory) ID() string             { return "sleep" }
func (f *sleepFactory) Name() string           { return "Sleep" }
func (f *sleepFactory) Description() string    { return "Blocks for a configured duration" }
func (f *sleepFactory) Schema() map[string]any { return map[string]any{"type": "object"} }

func (n *sleepNode) ID() string   { return n.id }
func (n *sleepNode) Type() string { return "sleep" }

func (n *sleepNode) Execute(ctx context.Context, _ *models.ExecutionContext, _ protocol.Input) (*protocol.Result, error) {
	select {
	case <-time.After(n.delay):
		return protocol.Success(map[string]any{"slept_ms": n.delay.Milliseconds()}), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// meteredFactory builds nodes that report a real cost different from their
// pre-dispatch estimate.
type meteredFactory struct{}

type meteredNode struct {
	id       string
	estimate float64
	actual   float64
}

func (f *meteredFactory) Create(id string, config map[string]any) (protocol.Node, error) {
	n := &meteredNode{id: id}

	if raw, ok := config["estimate"].(float64); ok {
		n.estimate = raw
	}

	if raw, ok := config["actual"].(float64); ok {
		n.actual = raw
	}

	return n, nil
}

func (f *meteredFactory) ID() string             { return "metered" }
func (f *meteredFactory) Name() string           { return "Metered" }
func (f *meteredFactory) Description() string    { return "Reports its real cost after the call" }
func (f *meteredFactory) Schema() map[string]any { return map[string]any{"type": "object"} }

func (n *meteredNode) ID() string   { return n.id }
func (n *meteredNode) Type() string { return "metered" }

func (n *meteredNode) EstimateCost(_ *models.ExecutionContext) float64 { return n.estimate }

func (n *meteredNode) Execute(_ context.Context, _ *models.ExecutionContext, _ protocol.Input) (*protocol.Result, error) {
	return &protocol.Result{
		Outputs: map[string]any{models.PortMain: map[string]any{"called": true}},
		Cost:    n.actual,
	}, nil
}

// stallFactory builds nodes that report when they start and then block until
// the test releases them.
type stallFactory struct {
	started chan struct{}
	release chan struct{}
}

type stallNode struct {
	id      string
	factory *stallFactory
}

func (f *stallFactory) Create(id string, _ map[string]any) (protocol.Node, error) {
	return &stallNode{id: id, factory: f}, nil
}

func (f *stallFactory) ID() string             { return "stall" }
func (f *stallFactory) Name() string           { return "Stall" }
func (f *stallFactory) Description() string    { return "Blocks until released" }
func (f *stallFactory) Schema() map[string]any { return map[string]any{"type": "object"} }

func (n *stallNode) ID() string   { return n.id }
func (n *stallNode) Type() string { return "stall" }

func (n *stallNode) Execute(_ context.Context, _ *models.ExecutionContext, _ protocol.Input) (*protocol.Result, error) {
	n.factory.started <- struct{}{}
	<-n.factory.release

	return protocol.Success(map[string]any{"stalled": true}), nil
}

func newTestEngine(t *testing.T) (*Engine, persistence.Persistence, *capturePublisher) {
	t.Helper()

	store := file.NewPersistence(t.TempDir())
	publisher := &capturePublisher{}

	reg := registry.NewRegistry(slog.Default())
	registry.RegisterDefaultNodes(reg)
	reg.RegisterNode(&flakyFactory{counts: make(map[string]int)})
	reg.RegisterNode(&doubleFactory{})
	reg.RegisterNode(&sleepFactory{})
	reg.RegisterNode(&meteredFactory{})

	eng := New(slog.Default(), reg, store, publisher, "worker-test")

	return eng, store, publisher
}

func node(id, nodeType string, config map[string]any) *models.WorkflowNode {
	category := models.CategoryTypeAction
	if nodeType == "trigger" {
		category = models.CategoryTypeTrigger
	}

	return &models.WorkflowNode{
		ID:       id,
		Type:     nodeType,
		Category: category,
		Name:     id,
		Config:   config,
	}
}

func conn(id, source, sourcePort, target, targetPort string) *models.Connection {
	return &models.Connection{
		ID:         id,
		SourcePort: models.MakePortID(source, sourcePort),
		TargetPort: models.MakePortID(target, targetPort),
	}
}

func passthrough(id string) *models.WorkflowNode {
	return node(id, "transform", map[string]any{"mapping": map[string]any{"at": id}})
}

func recordsByNode(t *testing.T, store persistence.Persistence, executionID string) map[string][]*models.NodeExecutionRecord {
	t.Helper()

	records, err := store.NodeRecords().ListByExecution(context.Background(), executionID)
	require.NoError(t, err)

	byNode := make(map[string][]*models.NodeExecutionRecord)
	for _, record := range records {
		byNode[record.NodeID] = append(byNode[record.NodeID], record)
	}

	return byNode
}

func TestStart_LinearWorkflow(t *testing.T) {
	eng, store, publisher := newTestEngine(t)

	workflow := &models.Workflow{
		ID:   "wf-linear",
		Name: "linear",
		Nodes: []*models.WorkflowNode{
			node("start", "trigger", nil),
			passthrough("a"),
			passthrough("b"),
		},
		Connections: []*models.Connection{
			conn("c1", "start", models.PortMain, "a", models.PortMain),
			conn("c2", "a", models.PortMain, "b", models.PortMain),
		},
	}

	execution, err := eng.Start(context.Background(), workflow, map[string]any{"score": 1.0})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	require.NotNil(t, execution.CompletedAt)

	byNode := recordsByNode(t, store, execution.ID)
	for _, id := range []string{"start", "a", "b"} {
		require.Len(t, byNode[id], 1, "node %s should run exactly once", id)
		assert.Equal(t, models.NodeStatusSuccess, byNode[id][0].Status)
	}

	types := publisher.types()
	assert.Equal(t, events.ExecutionStartedEvent, types[0])
	assert.Equal(t, events.ExecutionCompletedEvent, types[len(types)-1])
}

func TestStart_ConditionalTakesOneBranch(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	workflow := &models.Workflow{
		ID:   "wf-cond",
		Name: "conditional",
		Nodes: []*models.WorkflowNode{
			node("start", "trigger", nil),
			node("check", "conditional", map[string]any{"condition": "trigger.score >= 80"}),
			passthrough("notify"),
			passthrough("archive"),
			passthrough("after_notify"),
		},
		Connections: []*models.Connection{
			conn("c1", "start", models.PortMain, "check", models.PortMain),
			conn("c2", "check", models.PortTrue, "notify", models.PortMain),
			conn("c3", "check", models.PortFalse, "archive", models.PortMain),
			conn("c4", "notify", models.PortMain, "after_notify", models.PortMain),
		},
	}

	execution, err := eng.Start(context.Background(), workflow, map[string]any{"score": 91.0})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)

	byNode := recordsByNode(t, store, execution.ID)
	assert.Len(t, byNode["notify"], 1)
	assert.Len(t, byNode["after_notify"], 1)
	assert.Empty(t, byNode["archive"], "untaken branch must not run")
}

// A diamond converges on one node; it must run exactly once even though two
// branches complete concurrently.
func TestStart_DiamondJoinRunsOnce(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	workflow := &models.Workflow{
		ID:   "wf-diamond",
		Name: "diamond",
		Nodes: []*models.WorkflowNode{
			node("start", "trigger", nil),
			passthrough("left"),
			passthrough("right"),
			passthrough("join"),
		},
		Connections: []*models.Connection{
			conn("c1", "start", models.PortMain, "left", models.PortMain),
			conn("c2", "start", models.PortMain, "right", models.PortMain),
			conn("c3", "left", models.PortMain, "join", models.PortMain),
			conn("c4", "right", models.PortMain, "join", models.PortMain),
		},
	}

	execution, err := eng.Start(context.Background(), workflow, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)

	byNode := recordsByNode(t, store, execution.ID)
	assert.Len(t, byNode["join"], 1)
}

func TestStart_ParallelFanOutMerges(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	workflow := &models.Workflow{
		ID:   "wf-parallel",
		Name: "parallel",
		Nodes: []*models.WorkflowNode{
			node("start", "trigger", nil),
			node("fan", "parallel", map[string]any{"branches": 2.0}),
			passthrough("a"),
			passthrough("b"),
			node("join", "merge", nil),
		},
		Connections: []*models.Connection{
			conn("c1", "start", models.PortMain, "fan", models.PortMain),
			conn("c2", "fan", "branch_0", "a", models.PortMain),
			conn("c3", "fan", "branch_1", "b", models.PortMain),
			conn("c4", "a", models.PortMain, "join", models.PortMain),
			conn("c5", "b", models.PortMain, "join", models.PortMain),
		},
	}

	execution, err := eng.Start(context.Background(), workflow, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)

	byNode := recordsByNode(t, store, execution.ID)
	require.Len(t, byNode["join"], 1)

	merged, ok := byNode["join"][0].Output.Ports[models.PortMain].(map[string]any)
	require.True(t, ok)

	sources, ok := merged["merged"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, sources, "a")
	assert.Contains(t, sources, "b")
}

func TestStart_RetryExhaustionFailsExecution(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	workflow := &models.Workflow{
		ID:   "wf-retry-fail",
		Name: "retry",
		Nodes: []*models.WorkflowNode{
			node("start", "trigger", nil),
			{
				ID: "wobble", Type: "flaky", Category: models.CategoryTypeAction, Name: "wobble",
				Config: map[string]any{"failures": 10.0},
				Retry:  &models.RetryPolicy{MaxAttempts: 3, InitialDelayMs: 1},
			},
		},
		Connections: []*models.Connection{
			conn("c1", "start", models.PortMain, "wobble", models.PortMain),
		},
	}

	execution, err := eng.Start(context.Background(), workflow, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.Error, "after 3 attempt(s)")

	byNode := recordsByNode(t, store, execution.ID)
	require.Len(t, byNode["wobble"], 1)
	assert.Equal(t, 3, byNode["wobble"][0].Attempts)
	assert.Equal(t, models.NodeStatusError, byNode["wobble"][0].Status)
}

func TestStart_RetrySucceedsWithinBudget(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	workflow := &models.Workflow{
		ID:   "wf-retry-ok",
		Name: "retry",
		Nodes: []*models.WorkflowNode{
			node("start", "trigger", nil),
			{
				ID: "wobble", Type: "flaky", Category: models.CategoryTypeAction, Name: "wobble",
				Config: map[string]any{"failures": 2.0},
				Retry:  &models.RetryPolicy{MaxAttempts: 3, InitialDelayMs: 1},
			},
		},
		Connections: []*models.Connection{
			conn("c1", "start", models.PortMain, "wobble", models.PortMain),
		},
	}

	execution, err := eng.Start(context.Background(), workflow, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)

	byNode := recordsByNode(t, store, execution.ID)
	require.Len(t, byNode["wobble"], 1)
	assert.Equal(t, 3, byNode["wobble"][0].Attempts)
	assert.Equal(t, models.NodeStatusSuccess, byNode["wobble"][0].Status)
}

func TestStart_OnErrorContinueTakesErrorBranch(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	workflow := &models.Workflow{
		ID:   "wf-onerror",
		Name: "onerror",
		Nodes: []*models.WorkflowNode{
			node("start", "trigger", nil),
			{
				ID: "wobble", Type: "flaky", Category: models.CategoryTypeAction, Name: "wobble",
				Config:  map[string]any{"failures": 10.0},
				OnError: models.ErrorPolicyContinue,
			},
			passthrough("handler"),
			passthrough("after"),
		},
		Connections: []*models.Connection{
			conn("c1", "start", models.PortMain, "wobble", models.PortMain),
			conn("c2", "wobble", models.PortError, "handler", models.PortMain),
			conn("c3", "wobble", models.PortMain, "after", models.PortMain),
		},
	}

	execution, err := eng.Start(context.Background(), workflow, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)

	byNode := recordsByNode(t, store, execution.ID)
	assert.Len(t, byNode["handler"], 1)
	assert.Empty(t, byNode["after"], "main port never emitted on failure")
}

func TestStart_NodeTimeoutRetriesAndTakesErrorBranch(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	workflow := &models.Workflow{
		ID:   "wf-timeout",
		Name: "timeout",
		Nodes: []*models.WorkflowNode{
			node("start", "trigger", nil),
			{
				ID: "slow", Type: "sleep", Category: models.CategoryTypeAction, Name: "slow",
				Config:    map[string]any{"sleep_ms": 500.0},
				TimeoutMs: 20,
				Retry:     &models.RetryPolicy{MaxAttempts: 2, InitialDelayMs: 1},
				OnError:   models.ErrorPolicyContinue,
			},
			passthrough("handler"),
			passthrough("after"),
		},
		Connections: []*models.Connection{
			conn("c1", "start", models.PortMain, "slow", models.PortMain),
			conn("c2", "slow", models.PortError, "handler", models.PortMain),
			conn("c3", "slow", models.PortMain, "after", models.PortMain),
		},
	}

	execution, err := eng.Start(context.Background(), workflow, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)

	byNode := recordsByNode(t, store, execution.ID)
	require.Len(t, byNode["slow"], 1)
	assert.Equal(t, models.NodeStatusError, byNode["slow"][0].Status)
	assert.Equal(t, 2, byNode["slow"][0].Attempts)
	assert.Contains(t, byNode["slow"][0].Error, context.DeadlineExceeded.Error())
	assert.Len(t, byNode["handler"], 1)
	assert.Empty(t, byNode["after"], "main port never emitted on timeout")
}

func TestStart_BudgetHardCeilingFailsExecution(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	workflow := &models.Workflow{
		ID:     "wf-budget",
		Name:   "budget",
		Budget: &models.BudgetPolicy{HardCeiling: 100},
		Nodes: []*models.WorkflowNode{
			node("start", "trigger", nil),
			costed(passthrough("a"), 60),
			costed(passthrough("b"), 60),
		},
		Connections: []*models.Connection{
			conn("c1", "start", models.PortMain, "a", models.PortMain),
			conn("c2", "a", models.PortMain, "b", models.PortMain),
		},
	}

	execution, err := eng.Start(context.Background(), workflow, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.Error, "budget exceeded")
	assert.InDelta(t, 60.0, execution.TotalCost, 0.001)
}

func TestStart_BudgetSoftCeilingWarnsAndCompletes(t *testing.T) {
	eng, _, publisher := newTestEngine(t)

	workflow := &models.Workflow{
		ID:     "wf-soft",
		Name:   "soft",
		Budget: &models.BudgetPolicy{HardCeiling: 1000, SoftCeiling: 50},
		Nodes: []*models.WorkflowNode{
			node("start", "trigger", nil),
			costed(passthrough("a"), 60),
		},
		Connections: []*models.Connection{
			conn("c1", "start", models.PortMain, "a", models.PortMain),
		},
	}

	execution, err := eng.Start(context.Background(), workflow, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.Contains(t, publisher.types(), events.BudgetWarningEvent)
}

func costed(n *models.WorkflowNode, cost float64) *models.WorkflowNode {
	n.Cost = cost

	return n
}

func TestStart_ActualCostOverridesEstimate(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	workflow := &models.Workflow{
		ID:     "wf-metered",
		Name:   "metered",
		Budget: &models.BudgetPolicy{HardCeiling: 1000},
		Nodes: []*models.WorkflowNode{
			node("start", "trigger", nil),
			node("call", "metered", map[string]any{"estimate": 10.0, "actual": 37.0}),
		},
		Connections: []*models.Connection{
			conn("c1", "start", models.PortMain, "call", models.PortMain),
		},
	}

	execution, err := eng.Start(context.Background(), workflow, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)
	assert.InDelta(t, 37.0, execution.TotalCost, 0.001)

	byNode := recordsByNode(t, store, execution.ID)
	require.Len(t, byNode["call"], 1)
	assert.InDelta(t, 37.0, byNode["call"][0].Cost, 0.001)
}

func approvalWorkflow(rejectedEdge bool) *models.Workflow {
	workflow := &models.Workflow{
		ID:   "wf-approval",
		Name: "approval",
		Nodes: []*models.WorkflowNode{
			node("start", "trigger", nil),
			node("gate", "humanapproval", map[string]any{"reason": "needs sign-off"}),
			passthrough("proceed"),
			passthrough("rollback"),
		},
		Connections: []*models.Connection{
			conn("c1", "start", models.PortMain, "gate", models.PortMain),
			conn("c2", "gate", models.PortApproved, "proceed", models.PortMain),
		},
	}

	if rejectedEdge {
		workflow.Connections = append(workflow.Connections,
			conn("c3", "gate", models.PortRejected, "rollback", models.PortMain))
	}

	return workflow
}

func TestSuspendAndResume_Approved(t *testing.T) {
	eng, store, publisher := newTestEngine(t)
	workflow := approvalWorkflow(true)

	execution, err := eng.Start(context.Background(), workflow, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusSuspended, execution.Status)

	snapshot, err := store.Snapshots().GetByExecution(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, "gate", snapshot.NodeID)
	assert.Equal(t, "needs sign-off", snapshot.Reason)

	resumed, err := eng.Resume(context.Background(), workflow, execution.ID, models.ApprovalDecision{
		ApprovalRequestID: snapshot.ID,
		Decision:          models.PortApproved,
		ActorID:           "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, resumed.Status)

	byNode := recordsByNode(t, store, execution.ID)
	assert.Len(t, byNode["proceed"], 1)
	assert.Empty(t, byNode["rollback"])

	assert.Contains(t, publisher.types(), events.ExecutionSuspendedEvent)
	assert.Contains(t, publisher.types(), events.ExecutionResumedEvent)
}

func TestSuspendAndResume_Rejected(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	workflow := approvalWorkflow(true)

	execution, err := eng.Start(context.Background(), workflow, nil)
	require.NoError(t, err)

	snapshot, err := store.Snapshots().GetByExecution(context.Background(), execution.ID)
	require.NoError(t, err)

	resumed, err := eng.Resume(context.Background(), workflow, execution.ID, models.ApprovalDecision{
		ApprovalRequestID: snapshot.ID,
		Decision:          models.PortRejected,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, resumed.Status)

	byNode := recordsByNode(t, store, execution.ID)
	assert.Len(t, byNode["rollback"], 1)
	assert.Empty(t, byNode["proceed"])
}

// Rejecting when no rejected edge exists ends the execution successfully
// with nothing further to run.
func TestSuspendAndResume_RejectedWithoutEdge(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	workflow := approvalWorkflow(false)

	execution, err := eng.Start(context.Background(), workflow, nil)
	require.NoError(t, err)

	snapshot, err := store.Snapshots().GetByExecution(context.Background(), execution.ID)
	require.NoError(t, err)

	resumed, err := eng.Resume(context.Background(), workflow, execution.ID, models.ApprovalDecision{
		ApprovalRequestID: snapshot.ID,
		Decision:          models.PortRejected,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, resumed.Status)

	byNode := recordsByNode(t, store, execution.ID)
	assert.Empty(t, byNode["proceed"])
}

// Two approval gates readied in the same wave suspend one at a time: the
// first to claim the suspension wins, the other re-runs after resume.
func TestStart_ParallelApprovalGatesSerialize(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	workflow := &models.Workflow{
		ID:   "wf-two-gates",
		Name: "two gates",
		Nodes: []*models.WorkflowNode{
			node("start", "trigger", nil),
			node("gate_a", "humanapproval", map[string]any{"reason": "first sign-off"}),
			node("gate_b", "humanapproval", map[string]any{"reason": "second sign-off"}),
			passthrough("ship_a"),
			passthrough("ship_b"),
		},
		Connections: []*models.Connection{
			conn("c1", "start", models.PortMain, "gate_a", models.PortMain),
			conn("c2", "start", models.PortMain, "gate_b", models.PortMain),
			conn("c3", "gate_a", models.PortApproved, "ship_a", models.PortMain),
			conn("c4", "gate_b", models.PortApproved, "ship_b", models.PortMain),
		},
	}

	execution, err := eng.Start(context.Background(), workflow, nil)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusSuspended, execution.Status)

	first, err := store.Snapshots().GetByExecution(context.Background(), execution.ID)
	require.NoError(t, err)

	resumed, err := eng.Resume(context.Background(), workflow, execution.ID, models.ApprovalDecision{
		ApprovalRequestID: first.ID,
		Decision:          models.PortApproved,
		ActorID:           "alice",
	})
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusSuspended, resumed.Status, "second gate must suspend in turn")

	second, err := store.Snapshots().GetByExecution(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.NotEqual(t, first.NodeID, second.NodeID)

	final, err := eng.Resume(context.Background(), workflow, execution.ID, models.ApprovalDecision{
		ApprovalRequestID: second.ID,
		Decision:          models.PortApproved,
		ActorID:           "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, final.Status)

	byNode := recordsByNode(t, store, execution.ID)
	assert.Len(t, byNode["ship_a"], 1)
	assert.Len(t, byNode["ship_b"], 1)

	gateRecords := len(byNode["gate_a"]) + len(byNode["gate_b"])
	assert.Equal(t, 3, gateRecords, "one suspension, one deferral, one retry")
}

func TestResume_ConsumeOnce(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	workflow := approvalWorkflow(true)

	execution, err := eng.Start(context.Background(), workflow, nil)
	require.NoError(t, err)

	snapshot, err := store.Snapshots().GetByExecution(context.Background(), execution.ID)
	require.NoError(t, err)

	decision := models.ApprovalDecision{ApprovalRequestID: snapshot.ID, Decision: models.PortApproved}

	_, err = eng.Resume(context.Background(), workflow, execution.ID, decision)
	require.NoError(t, err)

	_, err = eng.Resume(context.Background(), workflow, execution.ID, decision)

	var notSuspended *NotSuspendedError
	assert.ErrorAs(t, err, &notSuspended)
}

func TestResume_RequestIDMismatch(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	workflow := approvalWorkflow(true)

	execution, err := eng.Start(context.Background(), workflow, nil)
	require.NoError(t, err)

	_, err = eng.Resume(context.Background(), workflow, execution.ID, models.ApprovalDecision{
		ApprovalRequestID: "not-the-request",
		Decision:          models.PortApproved,
	})

	var mismatch *DecisionMismatchError
	assert.ErrorAs(t, err, &mismatch)
}

func TestResume_Expired(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	workflow := approvalWorkflow(true)
	workflow.Nodes[1].Config["expires_in"] = "1ms"

	execution, err := eng.Start(context.Background(), workflow, nil)
	require.NoError(t, err)

	snapshot, err := store.Snapshots().GetByExecution(context.Background(), execution.ID)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = eng.Resume(context.Background(), workflow, execution.ID, models.ApprovalDecision{
		ApprovalRequestID: snapshot.ID,
		Decision:          models.PortApproved,
	})

	var timeout *ApprovalTimeoutError
	assert.ErrorAs(t, err, &timeout)
}

func TestExpireApprovals(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	workflow := approvalWorkflow(true)
	workflow.Nodes[1].Config["expires_in"] = "1ms"

	execution, err := eng.Start(context.Background(), workflow, nil)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	count, err := eng.ExpireApprovals(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	expired, err := store.Executions().GetByID(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, expired.Status)
	assert.Contains(t, expired.Error, "expired")

	_, err = store.Snapshots().GetByExecution(context.Background(), execution.ID)
	assert.True(t, persistence.IsSnapshotNotFound(err))
}

func TestCancel_SuspendedExecution(t *testing.T) {
	eng, store, _ := newTestEngine(t)
	workflow := approvalWorkflow(true)

	execution, err := eng.Start(context.Background(), workflow, nil)
	require.NoError(t, err)

	snapshot, err := store.Snapshots().GetByExecution(context.Background(), execution.ID)
	require.NoError(t, err)

	cancelled, err := eng.Cancel(context.Background(), execution.ID, "bob", "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, cancelled.Status)

	_, err = eng.Resume(context.Background(), workflow, execution.ID, models.ApprovalDecision{
		ApprovalRequestID: snapshot.ID,
		Decision:          models.PortApproved,
	})

	var notSuspended *NotSuspendedError
	assert.ErrorAs(t, err, &notSuspended)
}

// Cancelling a running execution must stick: the in-flight node finishes,
// then dispatch halts without resurrecting the execution.
func TestCancel_RunningExecution(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	stall := &stallFactory{started: make(chan struct{}), release: make(chan struct{})}
	eng.registry.RegisterNode(stall)

	workflow := &models.Workflow{
		ID:   "wf-cancel-running",
		Name: "cancel",
		Nodes: []*models.WorkflowNode{
			node("start", "trigger", nil),
			node("hold", "stall", nil),
			passthrough("after"),
		},
		Connections: []*models.Connection{
			conn("c1", "start", models.PortMain, "hold", models.PortMain),
			conn("c2", "hold", models.PortMain, "after", models.PortMain),
		},
	}

	execution, err := eng.StartAsync(context.Background(), workflow, nil)
	require.NoError(t, err)

	<-stall.started

	cancelled, err := eng.Cancel(context.Background(), execution.ID, "bob", "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, cancelled.Status)

	close(stall.release)

	require.Eventually(t, func() bool {
		records, err := store.NodeRecords().ListByExecution(context.Background(), execution.ID)
		if err != nil {
			return false
		}

		for _, record := range records {
			if record.NodeID == "hold" && record.FinishedAt != nil {
				return true
			}
		}

		return false
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)

	stored, err := store.Executions().GetByID(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, stored.Status, "finish must not overwrite the cancellation")

	byNode := recordsByNode(t, store, execution.ID)
	assert.Empty(t, byNode["after"], "no dispatch after cancel")
}

func TestStart_LoopDoublesItems(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	workflow := &models.Workflow{
		ID:   "wf-loop",
		Name: "loop",
		Nodes: []*models.WorkflowNode{
			node("start", "trigger", nil),
			node("each", "loop", map[string]any{"items": "{{trigger.nums}}"}),
			node("twice", "double", nil),
			passthrough("after"),
		},
		Connections: []*models.Connection{
			conn("c1", "start", models.PortMain, "each", models.PortMain),
			conn("c2", "each", models.PortBody, "twice", models.PortMain),
			conn("c3", "each", models.PortDone, "after", models.PortMain),
		},
	}

	execution, err := eng.Start(context.Background(), workflow, map[string]any{
		"nums": []any{1.0, 2.0, 3.0},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)

	byNode := recordsByNode(t, store, execution.ID)
	assert.Len(t, byNode["twice"], 3, "body runs once per item")
	assert.Len(t, byNode["after"], 1)

	require.Len(t, byNode["each"], 1)
	done, ok := byNode["each"][0].Output.Ports[models.PortDone].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{2.0, 4.0, 6.0}, done["items"])
	assert.EqualValues(t, 3, done["count"])
}

func TestStart_LoopCeilingExceeded(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	workflow := &models.Workflow{
		ID:   "wf-loop-cap",
		Name: "loop",
		Nodes: []*models.WorkflowNode{
			node("start", "trigger", nil),
			node("each", "loop", map[string]any{"items": "{{trigger.nums}}", "max_iterations": 2.0}),
			node("twice", "double", nil),
		},
		Connections: []*models.Connection{
			conn("c1", "start", models.PortMain, "each", models.PortMain),
			conn("c2", "each", models.PortBody, "twice", models.PortMain),
		},
	}

	execution, err := eng.Start(context.Background(), workflow, map[string]any{
		"nums": []any{1.0, 2.0, 3.0},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.Error, "iteration ceiling")
}

// Loop bodies count against the execution budget like any other dispatch:
// the third iteration crosses the ceiling and fails the execution.
func TestStart_LoopBodyBudgetCeiling(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	workflow := &models.Workflow{
		ID:     "wf-loop-budget",
		Name:   "loop budget",
		Budget: &models.BudgetPolicy{HardCeiling: 120},
		Nodes: []*models.WorkflowNode{
			node("start", "trigger", nil),
			node("each", "loop", map[string]any{"items": "{{trigger.nums}}"}),
			costed(node("twice", "double", nil), 50),
		},
		Connections: []*models.Connection{
			conn("c1", "start", models.PortMain, "each", models.PortMain),
			conn("c2", "each", models.PortBody, "twice", models.PortMain),
		},
	}

	execution, err := eng.Start(context.Background(), workflow, map[string]any{
		"nums": []any{1.0, 2.0, 3.0},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, execution.Status)
	assert.Contains(t, execution.Error, "budget exceeded")
	assert.InDelta(t, 100.0, execution.TotalCost, 0.001)

	byNode := recordsByNode(t, store, execution.ID)
	require.Len(t, byNode["twice"], 2, "third iteration must not dispatch")
	assert.InDelta(t, 50.0, byNode["twice"][0].Cost, 0.001)
}

func TestStart_SetVariableFlowsDownstream(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	workflow := &models.Workflow{
		ID:   "wf-vars",
		Name: "vars",
		Nodes: []*models.WorkflowNode{
			node("start", "trigger", nil),
			node("assign", "setvariable", map[string]any{
				"variables": map[string]any{"region": "{{trigger.region}}"},
			}),
			node("shape", "transform", map[string]any{
				"mapping": map[string]any{"resolved": "{{variables.region}}"},
			}),
		},
		Connections: []*models.Connection{
			conn("c1", "start", models.PortMain, "assign", models.PortMain),
			conn("c2", "assign", models.PortMain, "shape", models.PortMain),
		},
	}

	execution, err := eng.Start(context.Background(), workflow, map[string]any{"region": "eu-west"})
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, execution.Status)

	byNode := recordsByNode(t, store, execution.ID)
	require.Len(t, byNode["shape"], 1)

	shaped, ok := byNode["shape"][0].Output.Ports[models.PortMain].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "eu-west", shaped["resolved"])
}

func TestStart_InvalidGraphRejectedBeforeSideEffects(t *testing.T) {
	eng, store, _ := newTestEngine(t)

	workflow := &models.Workflow{
		ID:   "wf-bad",
		Name: "bad",
		Nodes: []*models.WorkflowNode{
			node("a", "transform", map[string]any{"mapping": map[string]any{"x": "1"}}),
			node("b", "transform", map[string]any{"mapping": map[string]any{"x": "1"}}),
		},
		Connections: []*models.Connection{
			conn("c1", "a", models.PortMain, "b", models.PortMain),
			conn("c2", "b", models.PortMain, "a", models.PortMain),
		},
	}

	_, err := eng.Start(context.Background(), workflow, nil)
	require.Error(t, err)

	executions, listErr := store.Executions().List(context.Background(), "wf-bad")
	require.NoError(t, listErr)
	assert.Empty(t, executions, "no execution may exist for a rejected graph")
}

func TestGuard_ConcurrentReservations(t *testing.T) {
	guard := budget.NewGuard("exec-1", &models.BudgetPolicy{HardCeiling: 100})

	var wg sync.WaitGroup

	allowed := make([]bool, 50)

	for i := range allowed {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			decision, _ := guard.CheckAndReserve(string(rune('a'+i)), 3)
			allowed[i] = decision.Allowed
		}(i)
	}

	wg.Wait()

	count := 0

	for _, ok := range allowed {
		if ok {
			count++
		}
	}

	assert.LessOrEqual(t, count, 33, "reservations must never jointly exceed the ceiling")
	assert.LessOrEqual(t, guard.Total(), 100.0)
}
