// Package worker consumes trigger events from the event bus and runs the
// executions they request. It also sweeps expired approval windows so
// suspended executions do not hang forever.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomhq/loom/pkg/engine"
	"github.com/loomhq/loom/pkg/eventbus"
	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/workflow"
)

const defaultSweepInterval = time.Minute

type Worker struct {
	id         string
	logger     *slog.Logger
	engine     *engine.Engine
	repository *workflow.Repository
	eventBus   eventbus.EventBus
	sweep      time.Duration
}

type Option func(*Worker)

// WithSweepInterval overrides how often expired approvals are swept.
func WithSweepInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.sweep = d
		}
	}
}

func NewWorker(
	id string,
	eng *engine.Engine,
	repository *workflow.Repository,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
	opts ...Option,
) *Worker {
	w := &Worker{
		id:         id,
		logger:     logger.With("module", "worker", "worker_id", id),
		engine:     eng,
		repository: repository,
		eventBus:   eventBus,
		sweep:      defaultSweepInterval,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start subscribes to trigger events and blocks until the context ends.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "starting worker")

	w.eventBus.Handle(events.WorkflowTriggeredEvent, w.handleWorkflowTriggered)

	if err := w.eventBus.Subscribe(ctx); err != nil {
		w.logger.ErrorContext(ctx, "failed to subscribe to event bus", "error", err)

		return err
	}

	go w.sweepLoop(ctx)

	w.logger.InfoContext(ctx, "worker started")

	<-ctx.Done()
	w.logger.Info("shutting down worker")

	return nil
}

func (w *Worker) handleWorkflowTriggered(ctx context.Context, event any) error {
	triggered, ok := event.(*events.WorkflowTriggered)
	if !ok {
		w.logger.ErrorContext(ctx, "invalid event payload for workflow trigger")

		return nil
	}

	logger := w.logger.With(
		"workflow_id", triggered.WorkflowID,
		"source", triggered.Source,
		"event_id", triggered.ID,
	)
	logger.InfoContext(ctx, "processing workflow trigger")

	definition, err := w.repository.FetchByID(ctx, triggered.WorkflowID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to load workflow", "error", err)

		return err
	}

	execution, err := w.engine.Start(ctx, definition, triggered.TriggerData)
	if err != nil {
		logger.ErrorContext(ctx, "failed to start execution", "error", err)

		return err
	}

	logger.InfoContext(ctx, "execution settled",
		"execution_id", execution.ID, "status", execution.Status)

	return nil
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.sweep)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := w.engine.ExpireApprovals(ctx)
			if err != nil {
				w.logger.ErrorContext(ctx, "approval sweep failed", "error", err)

				continue
			}

			if count > 0 {
				w.logger.InfoContext(ctx, "expired approval windows", "count", count)
			}
		}
	}
}
