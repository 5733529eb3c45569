// Package engine executes workflow graphs: it schedules ready nodes over
// port-qualified edges, enforces budgets, and suspends and resumes
// executions around human approval gates.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/loomhq/loom/pkg/budget"
	"github.com/loomhq/loom/pkg/eventbus"
	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/graph"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence"
	"github.com/loomhq/loom/pkg/registry"
)

const defaultConcurrency = 10

// Engine runs workflow executions. It is safe for concurrent use; each
// execution gets its own state, budget guard and edge bookkeeping.
type Engine struct {
	logger      *slog.Logger
	registry    *registry.Registry
	persistence persistence.Persistence
	publisher   eventbus.EventPublisher
	tracer      trace.Tracer
	workerID    string
	concurrency int
}

type Option func(*Engine)

// WithConcurrency bounds how many ready nodes of one execution run at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithTracer enables per-node dispatch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

func New(
	logger *slog.Logger,
	reg *registry.Registry,
	store persistence.Persistence,
	publisher eventbus.EventPublisher,
	workerID string,
	opts ...Option,
) *Engine {
	e := &Engine{
		logger:      logger.With("module", "engine", "worker_id", workerID),
		registry:    reg,
		persistence: store,
		publisher:   publisher,
		tracer:      noop.NewTracerProvider().Tracer("loom"),
		workerID:    workerID,
		concurrency: defaultConcurrency,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Start validates the workflow, creates a new execution and dispatches it to
// completion, failure or suspension. The returned execution carries the
// final status.
func (e *Engine) Start(ctx context.Context, workflow *models.Workflow, triggerData map[string]any) (*models.Execution, error) {
	r, err := e.prepare(ctx, workflow, triggerData)
	if err != nil {
		return nil, err
	}

	return e.drive(ctx, r)
}

// StartAsync validates the workflow and creates the execution, then drives
// it in the background. The returned execution is still running; callers
// poll or subscribe to the event stream for its outcome.
func (e *Engine) StartAsync(ctx context.Context, workflow *models.Workflow, triggerData map[string]any) (*models.Execution, error) {
	r, err := e.prepare(ctx, workflow, triggerData)
	if err != nil {
		return nil, err
	}

	go func() {
		if _, err := e.drive(context.WithoutCancel(ctx), r); err != nil {
			e.logger.Error("background execution failed to persist its outcome",
				"execution_id", r.execution.ID, "error", err)
		}
	}()

	return r.execution, nil
}

func (e *Engine) prepare(ctx context.Context, workflow *models.Workflow, triggerData map[string]any) (*run, error) {
	g, err := graph.Build(workflow)
	if err != nil {
		return nil, err
	}

	if err := e.registry.ValidateGraph(g); err != nil {
		return nil, err
	}

	execution := &models.Execution{
		ID:         uuid.New().String(),
		WorkflowID: workflow.ID,
		Status:     models.ExecutionStatusRunning,
		StartedAt:  time.Now().UTC(),
	}

	if err := e.persistence.Executions().Save(ctx, execution); err != nil {
		return nil, err
	}

	state := models.NewExecutionContext(execution.ID, workflow.ID, triggerData, workflow.Variables)

	e.publish(ctx, execution.ID, events.ExecutionStarted{
		BaseEvent:   e.baseEvent(events.ExecutionStartedEvent, workflow.ID, execution.ID),
		TriggerData: triggerData,
	})

	r := e.newRun(g, execution, state, budget.NewGuard(execution.ID, workflow.Budget))
	r.seedRoots()

	return r, nil
}

// Resume applies a human approval decision to a suspended execution and
// continues dispatch from where it halted. The snapshot is consumed exactly
// once; a second decision for the same request fails with NotSuspendedError.
func (e *Engine) Resume(ctx context.Context, workflow *models.Workflow, executionID string, decision models.ApprovalDecision) (*models.Execution, error) {
	execution, err := e.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if execution.Status != models.ExecutionStatusSuspended {
		return nil, &NotSuspendedError{ExecutionID: executionID, Status: string(execution.Status)}
	}

	snapshot, err := e.persistence.Snapshots().GetByExecution(ctx, executionID)
	if err != nil {
		if persistence.IsSnapshotNotFound(err) {
			return nil, &NotSuspendedError{ExecutionID: executionID, Status: string(execution.Status)}
		}

		return nil, err
	}

	if snapshot.ID != decision.ApprovalRequestID {
		return nil, &DecisionMismatchError{
			ExecutionID: executionID,
			Expected:    snapshot.ID,
			Got:         decision.ApprovalRequestID,
		}
	}

	if snapshot.Expired(time.Now().UTC()) {
		return nil, &ApprovalTimeoutError{
			ExecutionID:       executionID,
			ApprovalRequestID: snapshot.ID,
			ExpiredAt:         *snapshot.ExpiresAt,
		}
	}

	// Consume first so a concurrent duplicate decision loses the race.
	if err := e.persistence.Snapshots().Delete(ctx, executionID); err != nil {
		if persistence.IsSnapshotNotFound(err) {
			return nil, &NotSuspendedError{ExecutionID: executionID, Status: string(execution.Status)}
		}

		return nil, err
	}

	g, err := graph.Build(workflow)
	if err != nil {
		return nil, err
	}

	execution.Status = models.ExecutionStatusRunning
	if err := e.persistence.Executions().Save(ctx, execution); err != nil {
		return nil, err
	}

	e.publish(ctx, executionID, events.ExecutionResumed{
		BaseEvent:         e.baseEvent(events.ExecutionResumedEvent, workflow.ID, executionID),
		NodeID:            snapshot.NodeID,
		ApprovalRequestID: snapshot.ID,
		Decision:          decision.Decision,
		ActorID:           decision.ActorID,
	})

	guard := budget.NewGuard(executionID, workflow.Budget)
	guard.Restore(execution.TotalCost)

	r := e.newRun(g, execution, snapshot.State, guard)
	r.restore(snapshot, decision)

	return e.drive(ctx, r)
}

// Cancel marks a pending, running or suspended execution cancelled and
// discards any outstanding approval snapshot. A running execution's
// dispatcher observes the status between waves and halts without
// overwriting it.
func (e *Engine) Cancel(ctx context.Context, executionID, cancelledBy, reason string) (*models.Execution, error) {
	execution, err := e.persistence.Executions().GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	if execution.Status.IsTerminal() {
		return execution, nil
	}

	if err := e.persistence.Snapshots().Delete(ctx, executionID); err != nil && !persistence.IsSnapshotNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	execution.Status = models.ExecutionStatusCancelled
	execution.CompletedAt = &now

	if err := e.persistence.Executions().Save(ctx, execution); err != nil {
		return nil, err
	}

	e.publish(ctx, executionID, events.ExecutionCancelled{
		BaseEvent:   e.baseEvent(events.ExecutionCancelledEvent, execution.WorkflowID, executionID),
		Reason:      reason,
		CancelledBy: cancelledBy,
	})

	return execution, nil
}

// ExpireApprovals fails executions whose approval window closed without a
// decision. It returns the number of executions expired.
func (e *Engine) ExpireApprovals(ctx context.Context) (int, error) {
	expired, err := e.persistence.Snapshots().ListExpired(ctx)
	if err != nil {
		return 0, err
	}

	count := 0

	for _, snapshot := range expired {
		if err := e.persistence.Snapshots().Delete(ctx, snapshot.ExecutionID); err != nil {
			if persistence.IsSnapshotNotFound(err) {
				continue
			}

			return count, err
		}

		timeoutErr := &ApprovalTimeoutError{
			ExecutionID:       snapshot.ExecutionID,
			ApprovalRequestID: snapshot.ID,
			ExpiredAt:         *snapshot.ExpiresAt,
		}

		execution, err := e.persistence.Executions().GetByID(ctx, snapshot.ExecutionID)
		if err != nil {
			if errors.Is(err, persistence.ErrExecutionNotFound) {
				continue
			}

			return count, err
		}

		now := time.Now().UTC()
		execution.Status = models.ExecutionStatusFailed
		execution.Error = timeoutErr.Error()
		execution.CompletedAt = &now

		if err := e.persistence.Executions().Save(ctx, execution); err != nil {
			return count, err
		}

		e.publish(ctx, execution.ID, events.ExecutionFailed{
			BaseEvent: e.baseEvent(events.ExecutionFailedEvent, execution.WorkflowID, execution.ID),
			Error:     timeoutErr.Error(),
		})

		e.logger.WarnContext(ctx, "approval window expired",
			"execution_id", execution.ID, "approval_request_id", snapshot.ID)

		count++
	}

	return count, nil
}

func (e *Engine) baseEvent(eventType events.EventType, workflowID, executionID string) events.BaseEvent {
	base := events.NewBaseEvent(eventType, workflowID, executionID)
	base.WorkerID = e.workerID

	return base
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.publisher == nil {
		return
	}

	if err := e.publisher.Publish(ctx, key, event); err != nil {
		e.logger.ErrorContext(ctx, "failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}
