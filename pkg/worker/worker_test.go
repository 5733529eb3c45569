package worker_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/pkg/engine"
	"github.com/loomhq/loom/pkg/eventbus"
	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence/file"
	"github.com/loomhq/loom/pkg/registry"
	"github.com/loomhq/loom/pkg/worker"
	"github.com/loomhq/loom/pkg/workflow"
)

func TestWorker_RunsTriggeredWorkflow(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	reg := registry.NewRegistry(slog.Default())
	registry.RegisterDefaultNodes(reg)

	bus := eventbus.NewGoChannelBus(watermill.NopLogger{})
	repo := workflow.NewRepository(store, workflow.NewValidator(reg))
	eng := engine.New(slog.Default(), reg, store, bus, "worker-1")

	created, err := repo.Create(context.Background(), &models.Workflow{
		Name:  "Nightly Report",
		Owner: "tester",
		Nodes: []*models.WorkflowNode{
			{ID: "start", Type: "trigger", Category: models.CategoryTypeTrigger, Name: "start"},
			{
				ID: "shape", Type: "transform", Category: models.CategoryTypeAction, Name: "shape",
				Config: map[string]any{"mapping": map[string]any{"report": "{{trigger.date}}"}},
			},
		},
		Connections: []*models.Connection{
			{
				ID:         "c1",
				SourcePort: models.MakePortID("start", models.PortMain),
				TargetPort: models.MakePortID("shape", models.PortMain),
			},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := worker.NewWorker("worker-1", eng, repo, bus, slog.Default())

	go func() {
		_ = w.Start(ctx)
	}()

	// Give the subscription a moment to attach before publishing.
	time.Sleep(100 * time.Millisecond)

	event := events.WorkflowTriggered{
		BaseEvent:   events.NewBaseEvent(events.WorkflowTriggeredEvent, created.ID, ""),
		Source:      "schedule",
		TriggerData: map[string]any{"date": "2026-01-02"},
	}
	require.NoError(t, bus.Publish(ctx, created.ID, event))

	var executions []*models.Execution

	require.Eventually(t, func() bool {
		var err error

		executions, err = store.Executions().List(ctx, created.ID)

		return err == nil && len(executions) == 1 &&
			executions[0].Status == models.ExecutionStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	records, err := store.NodeRecords().ListByExecution(ctx, executions[0].ID)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestWorker_ExpiresApprovalWindows(t *testing.T) {
	store := file.NewPersistence(t.TempDir())
	reg := registry.NewRegistry(slog.Default())
	registry.RegisterDefaultNodes(reg)

	bus := eventbus.NewGoChannelBus(watermill.NopLogger{})
	repo := workflow.NewRepository(store, workflow.NewValidator(reg))
	eng := engine.New(slog.Default(), reg, store, bus, "worker-1")

	created, err := repo.Create(context.Background(), &models.Workflow{
		Name:  "Refund Approval",
		Owner: "tester",
		Nodes: []*models.WorkflowNode{
			{ID: "start", Type: "trigger", Category: models.CategoryTypeTrigger, Name: "start"},
			{
				ID: "gate", Type: "humanapproval", Category: models.CategoryTypeFlow, Name: "gate",
				Config: map[string]any{"reason": "manual check", "expires_in": "1ms"},
			},
		},
		Connections: []*models.Connection{
			{
				ID:         "c1",
				SourcePort: models.MakePortID("start", models.PortMain),
				TargetPort: models.MakePortID("gate", models.PortMain),
			},
		},
	})
	require.NoError(t, err)

	execution, err := eng.Start(context.Background(), created, nil)
	require.NoError(t, err)
	require.Equal(t, models.ExecutionStatusSuspended, execution.Status)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := worker.NewWorker("worker-1", eng, repo, bus, slog.Default(),
		worker.WithSweepInterval(20*time.Millisecond))

	go func() {
		_ = w.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		fetched, err := store.Executions().GetByID(ctx, execution.ID)

		return err == nil && fetched.Status == models.ExecutionStatusFailed
	}, 5*time.Second, 20*time.Millisecond)
}
