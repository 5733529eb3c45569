// Package schedule fires workflows on cron cadences. It scans the workflow
// repository for trigger nodes carrying a cron expression and publishes a
// WorkflowTriggered event each time one fires; workers pick those up and
// start the executions.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomhq/loom/pkg/eventbus"
	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/workflow"
)

const defaultRefreshInterval = time.Minute

type Source struct {
	repository *workflow.Repository
	publisher  eventbus.EventPublisher
	logger     *slog.Logger
	refresh    time.Duration

	cron   *cron.Cron
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]cron.EntryID // workflow id + node id -> entry
}

type Option func(*Source)

// WithRefreshInterval overrides how often the repository is re-scanned for
// schedule changes.
func WithRefreshInterval(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.refresh = d
		}
	}
}

func NewSource(repository *workflow.Repository, publisher eventbus.EventPublisher, logger *slog.Logger, opts ...Option) *Source {
	s := &Source{
		repository: repository,
		publisher:  publisher,
		logger:     logger.With("module", "schedule_source"),
		refresh:    defaultRefreshInterval,
		jobs:       make(map[string]cron.EntryID),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start loads the current schedules and keeps them in sync with the
// repository until Stop is called or the context ends.
func (s *Source) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	if err := s.Sync(ctx); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "schedule source started", "refresh", s.refresh.String())

	go s.refreshLoop(ctx)

	return nil
}

func (s *Source) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil {
				s.logger.ErrorContext(ctx, "failed to refresh schedules", "error", err)
			}
		}
	}
}

// Sync reconciles the cron entries against the repository: new schedules are
// added, removed or changed ones are dropped.
func (s *Source) Sync(ctx context.Context) error {
	workflows, err := s.repository.FetchAll(ctx)
	if err != nil {
		return err
	}

	wanted := make(map[string]scheduleEntry)

	for _, wf := range workflows {
		for _, entry := range scheduledTriggers(wf) {
			wanted[entry.key()] = entry
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, entryID := range s.jobs {
		if _, ok := wanted[key]; ok {
			continue
		}

		s.cron.Remove(entryID)
		delete(s.jobs, key)
		s.logger.InfoContext(ctx, "removed schedule", "key", key)
	}

	for key, entry := range wanted {
		if _, ok := s.jobs[key]; ok {
			continue
		}

		entryID, err := s.cron.AddFunc(entry.cronExpr, s.fire(entry))
		if err != nil {
			s.logger.ErrorContext(ctx, "invalid cron expression, skipping",
				"workflow_id", entry.workflowID, "node_id", entry.nodeID,
				"cron", entry.cronExpr, "error", err)

			continue
		}

		s.jobs[key] = entryID
		s.logger.InfoContext(ctx, "added schedule",
			"workflow_id", entry.workflowID, "node_id", entry.nodeID, "cron", entry.cronExpr)
	}

	return nil
}

func (s *Source) fire(entry scheduleEntry) func() {
	return func() {
		now := time.Now().UTC()

		event := events.WorkflowTriggered{
			BaseEvent: events.NewBaseEvent(events.WorkflowTriggeredEvent, entry.workflowID, ""),
			Source:    "schedule",
			TriggerData: map[string]any{
				"timestamp": now.Format(time.RFC3339),
				"cron":      entry.cronExpr,
				"node_id":   entry.nodeID,
			},
		}

		if err := s.publisher.Publish(context.Background(), entry.workflowID, event); err != nil {
			s.logger.Error("failed to publish trigger event",
				"workflow_id", entry.workflowID, "error", err)
		}
	}
}

func (s *Source) Stop(_ context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	if s.cron != nil {
		<-s.cron.Stop().Done()
	}

	s.mu.Lock()
	s.jobs = make(map[string]cron.EntryID)
	s.mu.Unlock()

	s.logger.Info("schedule source stopped")

	return nil
}

type scheduleEntry struct {
	workflowID string
	nodeID     string
	cronExpr   string
}

func (e scheduleEntry) key() string {
	// Expression is part of the key so edits replace the cron entry.
	return fmt.Sprintf("%s/%s/%s", e.workflowID, e.nodeID, e.cronExpr)
}

// scheduledTriggers extracts the cron-bearing trigger nodes of a workflow.
// Disabled nodes and non-trigger nodes never fire.
func scheduledTriggers(wf *models.Workflow) []scheduleEntry {
	var entries []scheduleEntry

	for _, node := range wf.Nodes {
		if !node.IsTriggerNode() || node.Disabled {
			continue
		}

		expr, ok := node.Config["cron"].(string)
		if !ok || expr == "" {
			continue
		}

		if _, err := cron.ParseStandard(expr); err != nil {
			continue
		}

		entries = append(entries, scheduleEntry{
			workflowID: wf.ID,
			nodeID:     node.ID,
			cronExpr:   expr,
		})
	}

	return entries
}
