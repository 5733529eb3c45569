package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/loomhq/loom/pkg/budget"
	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/graph"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/otelhelper"
	"github.com/loomhq/loom/pkg/protocol"
)

// run holds the mutable dispatch state of one execution: which edges have
// been satisfied, which can never fire, and which nodes already ran. All
// fields behind mu; node Execute calls happen outside the lock.
type run struct {
	graph     *graph.Graph
	execution *models.Execution
	state     *models.ExecutionContext
	guard     *budget.Guard

	mu         sync.Mutex
	satisfied  map[string]bool // connection id -> source emitted on its port
	dead       map[string]bool // connection id -> can never be satisfied
	dispatched map[string]bool // node id -> visited (exactly once)
	skipped    map[string]bool // node id -> all inbound edges dead

	nodesExecuted int
	suspendNode   string
	suspendReq    *protocol.SuspendRequest
}

func (e *Engine) newRun(g *graph.Graph, execution *models.Execution, state *models.ExecutionContext, guard *budget.Guard) *run {
	return &run{
		graph:      g,
		execution:  execution,
		state:      state,
		guard:      guard,
		satisfied:  make(map[string]bool),
		dead:       make(map[string]bool),
		dispatched: make(map[string]bool),
		skipped:    make(map[string]bool),
	}
}

// seedRoots is a no-op placeholder kept for symmetry with restore: roots are
// ready by construction (no inbound edges).
func (r *run) seedRoots() {}

// restore rebuilds dispatch state from an approval snapshot and applies the
// human decision as the suspended node's output on the decision port.
func (r *run) restore(snapshot *models.ApprovalSnapshot, decision models.ApprovalDecision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for connID := range snapshot.SatisfiedEdges {
		r.satisfied[connID] = true
	}

	for nodeID := range r.state.NodeOutputs {
		r.dispatched[nodeID] = true
	}

	// Untaken ports of already-visited nodes can never fire.
	for nodeID, output := range r.state.NodeOutputs {
		for port, conns := range r.graph.Outbound[nodeID] {
			if _, emitted := output.Ports[port]; emitted {
				continue
			}

			for _, conn := range conns {
				r.dead[conn.ID] = true
			}
		}
	}

	output := &models.NodeOutput{Ports: map[string]any{
		decision.Decision: map[string]any{
			"decision": decision.Decision,
			"actor_id": decision.ActorID,
			"comment":  decision.Comment,
		},
	}}

	_ = r.state.SetNodeOutput(snapshot.NodeID, output, true)
	r.dispatched[snapshot.NodeID] = true
	r.nodesExecuted = len(r.state.CompletionOrder)

	r.applyEdgesLocked(snapshot.NodeID, output.Ports)
}

// applyEdgesLocked marks outbound edges of a visited node: satisfied for the
// ports it emitted on, dead for every other port. Callers hold mu.
func (r *run) applyEdgesLocked(nodeID string, outputs map[string]any) {
	for port, conns := range r.graph.Outbound[nodeID] {
		_, emitted := outputs[port]

		for _, conn := range conns {
			if emitted {
				r.satisfied[conn.ID] = true
			} else {
				r.dead[conn.ID] = true
			}
		}
	}
}

// propagateDeadLocked skips nodes whose every inbound edge is dead and kills
// their outbound edges, repeating to a fixpoint. Callers hold mu.
func (r *run) propagateDeadLocked() {
	for {
		changed := false

		for nodeID := range r.graph.Nodes {
			if r.dispatched[nodeID] || r.skipped[nodeID] || r.isBodyNode(nodeID) {
				continue
			}

			inbound := r.graph.Inbound[nodeID]
			if len(inbound) == 0 {
				continue
			}

			allDead := true

			for _, conn := range inbound {
				if !r.dead[conn.ID] {
					allDead = false

					break
				}
			}

			if !allDead {
				continue
			}

			r.skipped[nodeID] = true

			for _, conns := range r.graph.Outbound[nodeID] {
				for _, conn := range conns {
					r.dead[conn.ID] = true
				}
			}

			changed = true
		}

		if !changed {
			return
		}
	}
}

func (r *run) isBodyNode(nodeID string) bool {
	for _, body := range r.graph.LoopBodies {
		if body[nodeID] {
			return true
		}
	}

	return false
}

// readyNodes returns the nodes whose inbound requirements are met. Default
// readiness waits for every inbound edge to resolve (satisfied or dead) with
// at least one satisfied; merge nodes in any-mode fire on the first arrival.
func (r *run) readyNodes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.propagateDeadLocked()

	var ready []string

	for nodeID, node := range r.graph.Nodes {
		if r.dispatched[nodeID] || r.skipped[nodeID] || r.isBodyNode(nodeID) {
			continue
		}

		inbound := r.graph.Inbound[nodeID]
		if len(inbound) == 0 {
			ready = append(ready, nodeID)

			continue
		}

		if node.Type == "merge" && mergeMode(node) == "any" {
			for _, conn := range inbound {
				if r.satisfied[conn.ID] {
					ready = append(ready, nodeID)

					break
				}
			}

			continue
		}

		resolved, anySatisfied := true, false

		for _, conn := range inbound {
			switch {
			case r.satisfied[conn.ID]:
				anySatisfied = true
			case r.dead[conn.ID]:
			default:
				resolved = false
			}
		}

		if resolved && anySatisfied {
			ready = append(ready, nodeID)
		}
	}

	return ready
}

func mergeMode(node *models.WorkflowNode) string {
	if mode, ok := node.Config["mode"].(string); ok {
		return mode
	}

	return "all"
}

// gatherInput collects the payloads delivered on satisfied inbound edges,
// keyed by source node id.
func (r *run) gatherInput(nodeID string) protocol.Input {
	r.mu.Lock()
	defer r.mu.Unlock()

	input := make(protocol.Input)

	for _, conn := range r.graph.Inbound[nodeID] {
		if !r.satisfied[conn.ID] {
			continue
		}

		sourceID, sourcePort, _ := conn.SourceNode()

		if output, ok := r.state.NodeOutputs[sourceID]; ok {
			input[sourceID] = output.Ports[sourcePort]
		}
	}

	return input
}

// cloneState returns an isolated copy of the execution state for a node's
// read-only use during Execute.
func (r *run) cloneState() *models.ExecutionContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state.Clone()
}

// snapshotEdges copies the satisfied-edge set for an approval snapshot.
func (r *run) snapshotEdges() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	edges := make(map[string]bool, len(r.satisfied))
	for connID := range r.satisfied {
		edges[connID] = true
	}

	return edges
}

func (r *run) suspended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.suspendReq != nil
}

// drive runs dispatch waves until the execution completes, fails, suspends
// or is cancelled, either through the context or through Cancel flipping the
// persisted status while a wave was in flight.
func (e *Engine) drive(ctx context.Context, r *run) (*models.Execution, error) {
	for {
		if err := ctx.Err(); err != nil {
			return e.finishCancelled(ctx, r, err)
		}

		if stored, ok := e.externallyCancelled(ctx, r); ok {
			e.logger.InfoContext(ctx, "execution cancelled, halting dispatch",
				"execution_id", r.execution.ID)

			return stored, nil
		}

		if r.suspended() {
			return e.suspendExecution(ctx, r)
		}

		ready := r.readyNodes()
		if len(ready) == 0 {
			return e.finishCompleted(ctx, r)
		}

		if err := e.runWave(ctx, r, ready); err != nil {
			return e.finishFailed(ctx, r, err)
		}
	}
}

// externallyCancelled re-reads the persisted execution and reports whether a
// concurrent Cancel already marked it cancelled. Dispatch stops without
// overwriting that status.
func (e *Engine) externallyCancelled(ctx context.Context, r *run) (*models.Execution, bool) {
	stored, err := e.persistence.Executions().GetByID(ctx, r.execution.ID)
	if err != nil {
		return nil, false
	}

	if stored.Status != models.ExecutionStatusCancelled {
		return nil, false
	}

	return stored, true
}

// runWave dispatches the ready nodes concurrently, bounded by the engine's
// concurrency limit, and returns the first fatal error.
func (e *Engine) runWave(ctx context.Context, r *run, ready []string) error {
	sem := make(chan struct{}, e.concurrency)
	errs := make([]error, len(ready))

	var wg sync.WaitGroup

	for i, nodeID := range ready {
		wg.Add(1)
		sem <- struct{}{}

		go func(i int, nodeID string) {
			defer wg.Done()
			defer func() { <-sem }()

			errs[i] = e.dispatchNode(ctx, r, r.graph.Nodes[nodeID])
		}(i, nodeID)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

// dispatchNode runs one node through budget check, retries and output
// application. A nil return means dispatch may continue; an error fails the
// whole execution.
func (e *Engine) dispatchNode(ctx context.Context, r *run, node *models.WorkflowNode) error {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "engine.dispatch_node",
		attribute.String(otelhelper.ExecutionIDKey, r.execution.ID),
		attribute.String(otelhelper.NodeIDKey, node.ID),
		attribute.String(otelhelper.NodeTypeKey, node.Type),
	)
	defer span.End()

	// Disabled nodes act like they emitted nothing: their outbound edges die.
	if node.Disabled {
		r.mu.Lock()
		r.dispatched[node.ID] = true
		r.applyEdgesLocked(node.ID, nil)
		r.mu.Unlock()

		return nil
	}

	input := r.gatherInput(node.ID)

	instance, err := e.registry.CreateNode(node.ID, node.Type, node.Config)
	if err != nil {
		return err
	}

	// Nodes in the same wave run concurrently; each gets an isolated view of
	// the state so reads never race with another node's output application.
	stateView := r.cloneState()

	estimate := node.Cost
	if estimator, ok := instance.(protocol.CostEstimator); ok {
		estimate = estimator.EstimateCost(stateView)
	}

	decision, err := r.guard.CheckAndReserve(node.ID, estimate)
	if err != nil {
		return err
	}

	if decision.SoftFlag {
		e.logger.WarnContext(ctx, "soft budget ceiling crossed",
			"execution_id", r.execution.ID, "node_id", node.ID, "total", r.guard.Total())
		e.publish(ctx, r.execution.ID, events.BudgetWarning{
			BaseEvent: e.baseEvent(events.BudgetWarningEvent, r.execution.WorkflowID, r.execution.ID),
			NodeID:    node.ID,
			Total:     r.guard.Total(),
			Ceiling:   r.graph.Workflow.Budget.SoftCeiling,
		})
	}

	if node.Type == graph.NodeTypeLoop {
		return e.dispatchLoop(ctx, r, node, instance, estimate)
	}

	result, record, execErr := e.executeWithRetries(ctx, r, node, instance, stateView, input)

	if execErr != nil {
		r.guard.Release(node.ID)
		otelhelper.SetError(span, execErr)

		return e.handleNodeFailure(ctx, r, node, record, execErr)
	}

	if result.Suspend != nil {
		r.mu.Lock()
		if r.suspendReq != nil {
			r.mu.Unlock()

			// Another gate in this wave already claimed the suspension. This
			// node stays undispatched and runs again after resume.
			r.guard.Release(node.ID)
			record.Status = models.NodeStatusSkipped
			e.finalizeRecord(ctx, record)

			return nil
		}

		r.dispatched[node.ID] = true
		r.suspendNode = node.ID
		r.suspendReq = result.Suspend
		r.mu.Unlock()

		r.guard.Record(node.ID, estimate)
		record.Cost = estimate
		record.Status = models.NodeStatusSuspended
		e.finalizeRecord(ctx, record)

		return nil
	}

	// Executors that know their real cost report it on the result; the
	// pre-dispatch estimate stands otherwise.
	actual := estimate
	if result.Cost > 0 {
		actual = result.Cost
	}

	r.guard.Record(node.ID, actual)
	record.Cost = actual

	r.applyResult(node.ID, result)
	r.mu.Lock()
	r.nodesExecuted++
	executed := r.nodesExecuted
	r.mu.Unlock()

	record.Status = models.NodeStatusSuccess
	record.Output = &models.NodeOutput{Ports: result.Outputs}
	e.finalizeRecord(ctx, record)

	e.publish(ctx, r.execution.ID, events.NodeCompleted{
		BaseEvent:  e.baseEvent(events.NodeCompletedEvent, r.execution.WorkflowID, r.execution.ID),
		NodeID:     node.ID,
		Output:     result.Outputs,
		DurationMs: record.DurationMs,
		Cost:       actual,
	})

	e.logger.DebugContext(ctx, "node completed",
		"execution_id", r.execution.ID, "node_id", node.ID, "nodes_executed", executed)

	return nil
}

// applyResult writes the node's output into the execution state, applies
// variable assignments and updates edge bookkeeping, all under one lock.
func (r *run) applyResult(nodeID string, result *protocol.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	output := &models.NodeOutput{Ports: result.Outputs}
	_ = r.state.SetNodeOutput(nodeID, output, false)

	for key, value := range result.Variables {
		r.state.Variables[key] = value
	}

	r.dispatched[nodeID] = true
	r.applyEdgesLocked(nodeID, result.Outputs)
}

// executeWithRetries runs the node up to its retry budget with exponential
// backoff, honoring the node's timeout on every attempt.
func (e *Engine) executeWithRetries(
	ctx context.Context,
	r *run,
	node *models.WorkflowNode,
	instance protocol.Node,
	state *models.ExecutionContext,
	input protocol.Input,
) (*protocol.Result, *models.NodeExecutionRecord, error) {
	attempts := node.Retry.Attempts()
	started := time.Now().UTC()

	record := &models.NodeExecutionRecord{
		ID:          uuid.New().String(),
		ExecutionID: r.execution.ID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Status:      models.NodeStatusRunning,
		Input:       map[string]any(input),
		StartedAt:   started,
	}

	if err := e.persistence.NodeRecords().Append(ctx, record); err != nil {
		e.logger.ErrorContext(ctx, "failed to append node record",
			"execution_id", r.execution.ID, "node_id", node.ID, "error", err)
	}

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		record.Attempts = attempt

		e.publish(ctx, r.execution.ID, events.NodeStarted{
			BaseEvent: e.baseEvent(events.NodeStartedEvent, r.execution.WorkflowID, r.execution.ID),
			NodeID:    node.ID,
			NodeType:  node.Type,
			Attempt:   attempt,
		})

		result, err := e.executeOnce(ctx, node, instance, state, input)
		if err == nil {
			record.DurationMs = time.Since(started).Milliseconds()

			return result, record, nil
		}

		lastErr = err

		e.logger.WarnContext(ctx, "node attempt failed",
			"execution_id", r.execution.ID, "node_id", node.ID,
			"attempt", attempt, "error", err)

		if attempt < attempts {
			select {
			case <-time.After(node.Retry.Backoff(attempt - 1)):
			case <-ctx.Done():
				record.DurationMs = time.Since(started).Milliseconds()

				return nil, record, ctx.Err()
			}
		}
	}

	record.DurationMs = time.Since(started).Milliseconds()

	return nil, record, &NodeExecutionError{
		ExecutionID: r.execution.ID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Attempts:    attempts,
		Err:         lastErr,
	}
}

func (e *Engine) executeOnce(
	ctx context.Context,
	node *models.WorkflowNode,
	instance protocol.Node,
	state *models.ExecutionContext,
	input protocol.Input,
) (*protocol.Result, error) {
	if node.TimeoutMs > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, time.Duration(node.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	result, err := instance.Execute(ctx, state, input)
	if err != nil {
		return nil, err
	}

	if result == nil {
		return nil, fmt.Errorf("node %s returned no result", node.ID)
	}

	return result, nil
}

// handleNodeFailure applies the node's error policy. Stop fails the whole
// execution; continue records the failure, emits on the error port when one
// is connected and otherwise kills the node's outbound edges.
func (e *Engine) handleNodeFailure(
	ctx context.Context,
	r *run,
	node *models.WorkflowNode,
	record *models.NodeExecutionRecord,
	execErr error,
) error {
	record.Status = models.NodeStatusError
	record.Error = execErr.Error()
	e.finalizeRecord(ctx, record)

	e.publish(ctx, r.execution.ID, events.NodeFailed{
		BaseEvent:  e.baseEvent(events.NodeFailedEvent, r.execution.WorkflowID, r.execution.ID),
		NodeID:     node.ID,
		Error:      execErr.Error(),
		Attempts:   record.Attempts,
		DurationMs: record.DurationMs,
		Final:      true,
	})

	if node.ErrorPolicyOrDefault() == models.ErrorPolicyStop {
		return execErr
	}

	outputs := map[string]any{}
	if len(r.graph.Outbound[node.ID][models.PortError]) > 0 {
		outputs[models.PortError] = map[string]any{
			"success": false,
			"error":   execErr.Error(),
		}
	}

	result := &protocol.Result{Outputs: outputs}
	r.applyResult(node.ID, result)

	e.logger.WarnContext(ctx, "node failed, continuing per error policy",
		"execution_id", r.execution.ID, "node_id", node.ID, "error", execErr)

	return nil
}

func (e *Engine) finalizeRecord(ctx context.Context, record *models.NodeExecutionRecord) {
	now := time.Now().UTC()
	record.FinishedAt = &now

	if err := e.persistence.NodeRecords().Finalize(ctx, record); err != nil {
		e.logger.ErrorContext(ctx, "failed to finalize node record",
			"execution_id", record.ExecutionID, "node_id", record.NodeID, "error", err)
	}
}

func (e *Engine) suspendExecution(ctx context.Context, r *run) (*models.Execution, error) {
	if stored, ok := e.externallyCancelled(ctx, r); ok {
		return stored, nil
	}

	r.mu.Lock()
	nodeID := r.suspendNode
	req := r.suspendReq
	r.mu.Unlock()

	snapshot := &models.ApprovalSnapshot{
		ID:             uuid.New().String(),
		ExecutionID:    r.execution.ID,
		WorkflowID:     r.execution.WorkflowID,
		NodeID:         nodeID,
		Reason:         req.Reason,
		ResumePorts:    req.ResumePorts,
		State:          r.state.Clone(),
		SatisfiedEdges: r.snapshotEdges(),
		CreatedAt:      time.Now().UTC(),
		ExpiresAt:      req.ExpiresAt,
	}

	if err := e.persistence.Snapshots().Save(ctx, snapshot); err != nil {
		return nil, err
	}

	r.execution.Status = models.ExecutionStatusSuspended
	r.execution.TotalCost = r.guard.Total()

	if err := e.persistence.Executions().Save(ctx, r.execution); err != nil {
		return nil, err
	}

	e.publish(ctx, r.execution.ID, events.ExecutionSuspended{
		BaseEvent:         e.baseEvent(events.ExecutionSuspendedEvent, r.execution.WorkflowID, r.execution.ID),
		NodeID:            nodeID,
		ApprovalRequestID: snapshot.ID,
		Reason:            req.Reason,
		ExpiresAt:         req.ExpiresAt,
	})

	e.logger.InfoContext(ctx, "execution suspended for approval",
		"execution_id", r.execution.ID, "node_id", nodeID, "approval_request_id", snapshot.ID)

	return r.execution, nil
}

func (e *Engine) finishCompleted(ctx context.Context, r *run) (*models.Execution, error) {
	if stored, ok := e.externallyCancelled(ctx, r); ok {
		return stored, nil
	}

	now := time.Now().UTC()
	r.execution.Status = models.ExecutionStatusCompleted
	r.execution.TotalCost = r.guard.Total()
	r.execution.CompletedAt = &now

	if err := e.persistence.Executions().Save(ctx, r.execution); err != nil {
		return nil, err
	}

	e.publish(ctx, r.execution.ID, events.ExecutionCompleted{
		BaseEvent:     e.baseEvent(events.ExecutionCompletedEvent, r.execution.WorkflowID, r.execution.ID),
		Status:        r.execution.Status,
		NodesExecuted: r.nodesExecuted,
		TotalCost:     r.execution.TotalCost,
		DurationMs:    now.Sub(r.execution.StartedAt).Milliseconds(),
	})

	e.logger.InfoContext(ctx, "execution completed",
		"execution_id", r.execution.ID, "nodes_executed", r.nodesExecuted,
		"total_cost", r.execution.TotalCost)

	return r.execution, nil
}

func (e *Engine) finishFailed(ctx context.Context, r *run, cause error) (*models.Execution, error) {
	if stored, ok := e.externallyCancelled(ctx, r); ok {
		return stored, nil
	}

	now := time.Now().UTC()
	r.execution.Status = models.ExecutionStatusFailed
	r.execution.Error = cause.Error()
	r.execution.TotalCost = r.guard.Total()
	r.execution.CompletedAt = &now

	if err := e.persistence.Executions().Save(ctx, r.execution); err != nil {
		return nil, err
	}

	nodeID := ""

	var nodeErr *NodeExecutionError
	if errors.As(cause, &nodeErr) {
		nodeID = nodeErr.NodeID
	}

	e.publish(ctx, r.execution.ID, events.ExecutionFailed{
		BaseEvent:     e.baseEvent(events.ExecutionFailedEvent, r.execution.WorkflowID, r.execution.ID),
		NodeID:        nodeID,
		Error:         cause.Error(),
		NodesExecuted: r.nodesExecuted,
		DurationMs:    now.Sub(r.execution.StartedAt).Milliseconds(),
	})

	e.logger.ErrorContext(ctx, "execution failed",
		"execution_id", r.execution.ID, "error", cause)

	return r.execution, nil
}

func (e *Engine) finishCancelled(ctx context.Context, r *run, cause error) (*models.Execution, error) {
	// The inbound context is gone; persist and publish on a fresh one.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	r.execution.Status = models.ExecutionStatusCancelled
	r.execution.Error = cause.Error()
	r.execution.TotalCost = r.guard.Total()
	r.execution.CompletedAt = &now

	if err := e.persistence.Executions().Save(finishCtx, r.execution); err != nil {
		return nil, err
	}

	e.publish(finishCtx, r.execution.ID, events.ExecutionCancelled{
		BaseEvent: e.baseEvent(events.ExecutionCancelledEvent, r.execution.WorkflowID, r.execution.ID),
		Reason:    cause.Error(),
	})

	return r.execution, nil
}
