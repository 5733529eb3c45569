package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/pkg/budget"
	"github.com/loomhq/loom/pkg/events"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/protocol"
)

// dispatchLoop drives a loop node: it resolves the item list, runs the body
// subgraph once per item sequentially, then executes the loop node itself so
// its done port emits the collected results.
func (e *Engine) dispatchLoop(
	ctx context.Context,
	r *run,
	node *models.WorkflowNode,
	instance protocol.Node,
	estimate float64,
) error {
	looper, ok := instance.(protocol.Looper)
	if !ok {
		r.guard.Release(node.ID)

		return fmt.Errorf("node %s is typed loop but does not iterate", node.ID)
	}

	started := time.Now().UTC()
	record := &models.NodeExecutionRecord{
		ID:          uuid.New().String(),
		ExecutionID: r.execution.ID,
		NodeID:      node.ID,
		NodeType:    node.Type,
		Status:      models.NodeStatusRunning,
		Attempts:    1,
		StartedAt:   started,
	}

	if err := e.persistence.NodeRecords().Append(ctx, record); err != nil {
		e.logger.ErrorContext(ctx, "failed to append node record",
			"execution_id", r.execution.ID, "node_id", node.ID, "error", err)
	}

	e.publish(ctx, r.execution.ID, events.NodeStarted{
		BaseEvent: e.baseEvent(events.NodeStartedEvent, r.execution.WorkflowID, r.execution.ID),
		NodeID:    node.ID,
		NodeType:  node.Type,
		Attempt:   1,
	})

	collected, err := e.runIterations(ctx, r, node, looper)
	if err != nil {
		r.guard.Release(node.ID)
		record.Status = models.NodeStatusError
		record.Error = err.Error()
		record.DurationMs = time.Since(started).Milliseconds()
		e.finalizeRecord(ctx, record)

		e.publish(ctx, r.execution.ID, events.NodeFailed{
			BaseEvent:  e.baseEvent(events.NodeFailedEvent, r.execution.WorkflowID, r.execution.ID),
			NodeID:     node.ID,
			Error:      err.Error(),
			Attempts:   1,
			DurationMs: record.DurationMs,
			Final:      true,
		})

		// A crossed budget ceiling fails the execution no matter what the
		// loop's error policy says.
		var exceeded *budget.ExceededError
		if errors.As(err, &exceeded) || node.ErrorPolicyOrDefault() == models.ErrorPolicyStop {
			return err
		}

		r.applyResult(node.ID, &protocol.Result{Outputs: map[string]any{}})

		return nil
	}

	result, err := instance.Execute(ctx, r.cloneState(), protocol.Input{"items": collected})
	if err != nil {
		r.guard.Release(node.ID)

		return &LoopIterationError{ExecutionID: r.execution.ID, LoopID: node.ID, Iteration: len(collected), Err: err}
	}

	actual := estimate
	if result.Cost > 0 {
		actual = result.Cost
	}

	r.guard.Record(node.ID, actual)
	r.applyResult(node.ID, result)

	r.mu.Lock()
	r.nodesExecuted++
	r.mu.Unlock()

	record.Status = models.NodeStatusSuccess
	record.Output = &models.NodeOutput{Ports: result.Outputs}
	record.Cost = actual
	record.DurationMs = time.Since(started).Milliseconds()
	e.finalizeRecord(ctx, record)

	e.publish(ctx, r.execution.ID, events.NodeCompleted{
		BaseEvent:  e.baseEvent(events.NodeCompletedEvent, r.execution.WorkflowID, r.execution.ID),
		NodeID:     node.ID,
		Output:     result.Outputs,
		DurationMs: record.DurationMs,
		Cost:       actual,
	})

	return nil
}

// runIterations executes the loop body once per item and returns the
// collected per-item results in order.
func (e *Engine) runIterations(ctx context.Context, r *run, node *models.WorkflowNode, looper protocol.Looper) ([]any, error) {
	items, err := looper.Items(r.cloneState())
	if err != nil {
		return nil, &LoopIterationError{ExecutionID: r.execution.ID, LoopID: node.ID, Iteration: 0, Err: err}
	}

	if max := looper.MaxIterations(); len(items) > max {
		return nil, &LoopIterationError{
			ExecutionID: r.execution.ID,
			LoopID:      node.ID,
			Iteration:   0,
			Err:         fmt.Errorf("%d items exceed the iteration ceiling of %d", len(items), max),
		}
	}

	collected := make([]any, 0, len(items))

	defer func() {
		r.mu.Lock()
		delete(r.state.Variables, "item")
		delete(r.state.Variables, "index")
		r.mu.Unlock()
	}()

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		r.mu.Lock()
		r.state.Variables["item"] = item
		r.state.Variables["index"] = i
		r.mu.Unlock()

		value, err := e.runBodyIteration(ctx, r, node, i, item)
		if err != nil {
			return nil, &LoopIterationError{ExecutionID: r.execution.ID, LoopID: node.ID, Iteration: i, Err: err}
		}

		collected = append(collected, value)
	}

	return collected, nil
}

// runBodyIteration dispatches the body subgraph for one item and returns the
// primary output of the last body node that completed.
func (e *Engine) runBodyIteration(ctx context.Context, r *run, loopNode *models.WorkflowNode, index int, item any) (any, error) {
	body := r.graph.LoopBodies[loopNode.ID]

	satisfied := make(map[string]bool)
	done := make(map[string]bool)

	// Body-port edges carry the current item into the entry nodes.
	entryPayload := map[string]any{"item": item, "index": index}

	for _, conn := range r.graph.Outbound[loopNode.ID][models.PortBody] {
		satisfied[conn.ID] = true
	}

	var lastValue any

	for {
		nodeID, ok := e.nextBodyNode(r, body, satisfied, done)
		if !ok {
			break
		}

		node := r.graph.Nodes[nodeID]

		input := make(protocol.Input)

		for _, conn := range r.graph.Inbound[nodeID] {
			if !satisfied[conn.ID] {
				continue
			}

			sourceID, sourcePort, _ := conn.SourceNode()
			if sourceID == loopNode.ID {
				input[sourceID] = entryPayload

				continue
			}

			r.mu.Lock()
			if output, exists := r.state.NodeOutputs[sourceID]; exists {
				input[sourceID] = output.Ports[sourcePort]
			}
			r.mu.Unlock()
		}

		instance, err := e.registry.CreateNode(node.ID, node.Type, node.Config)
		if err != nil {
			return nil, err
		}

		stateView := r.cloneState()

		// Every body dispatch counts against the execution budget; a full
		// iteration's worth of items cannot slip past the ceiling.
		estimate := node.Cost
		if estimator, ok := instance.(protocol.CostEstimator); ok {
			estimate = estimator.EstimateCost(stateView)
		}

		decision, err := r.guard.CheckAndReserve(node.ID, estimate)
		if err != nil {
			return nil, err
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

		result, record, execErr := e.executeWithRetries(ctx, r, node, instance, stateView, input)
		if execErr != nil {
			r.guard.Release(node.ID)

			if record != nil {
				record.Status = models.NodeStatusError
				record.Error = execErr.Error()
				e.finalizeRecord(ctx, record)
			}

			return nil, execErr
		}

		if result.Suspend != nil {
			r.guard.Release(node.ID)

			return nil, errors.New("approval gates are not supported inside loop bodies")
		}

		actual := estimate
		if result.Cost > 0 {
			actual = result.Cost
		}

		r.guard.Record(node.ID, actual)

		output := &models.NodeOutput{Ports: result.Outputs}

		r.mu.Lock()
		// Body nodes run once per iteration, so their outputs are replaced.
		_ = r.state.SetNodeOutput(node.ID, output, true)

		for key, value := range result.Variables {
			r.state.Variables[key] = value
		}
		r.mu.Unlock()

		record.Status = models.NodeStatusSuccess
		record.Output = output
		record.Cost = actual
		e.finalizeRecord(ctx, record)

		done[nodeID] = true
		lastValue = output.Primary()

		for port, conns := range r.graph.Outbound[nodeID] {
			_, emitted := result.Outputs[port]

			for _, conn := range conns {
				if emitted {
					satisfied[conn.ID] = true
				}
			}
		}
	}

	return lastValue, nil
}

// nextBodyNode picks a body node whose live inbound edges are satisfied and
// that has not run in this iteration. Body dispatch is sequential.
func (e *Engine) nextBodyNode(r *run, body map[string]bool, satisfied, done map[string]bool) (string, bool) {
	for nodeID := range body {
		if done[nodeID] {
			continue
		}

		ready := true

		for _, conn := range r.graph.Inbound[nodeID] {
			sourceID, _, _ := conn.SourceNode()
			if !body[sourceID] && !satisfied[conn.ID] {
				continue
			}

			if !satisfied[conn.ID] {
				ready = false

				break
			}
		}

		if ready {
			return nodeID, true
		}
	}

	return "", false
}
