// Package graph builds and validates the executable form of a workflow:
// adjacency over node ports, topological order, loop body ownership.
package graph

import (
	"fmt"
	"sort"

	"github.com/loomhq/loom/pkg/models"
)

// NodeTypeLoop marks nodes owning a bounded sub-iteration; edges leaving
// their body port form a subgraph excluded from the outer cycle check.
const NodeTypeLoop = "loop"

// ValidationError reports a malformed workflow graph. It is returned before
// any execution is created, so no side effect has happened yet.
type ValidationError struct {
	WorkflowID string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid workflow graph %s: %s", e.WorkflowID, e.Reason)
}

func invalid(workflowID, format string, args ...any) error {
	return &ValidationError{WorkflowID: workflowID, Reason: fmt.Sprintf(format, args...)}
}

// Graph is the validated, in-memory form of a workflow used by the engine.
type Graph struct {
	Workflow *models.Workflow
	Nodes    map[string]*models.WorkflowNode

	// Inbound maps target node id to its inbound connections.
	Inbound map[string][]*models.Connection
	// Outbound maps source node id and output port to outgoing connections.
	Outbound map[string]map[string][]*models.Connection

	// Roots are nodes with no inbound connections (trigger-fed).
	Roots []string

	// LoopBodies maps a loop node id to the set of node ids reachable from
	// its body port. Body nodes are dispatched by the loop's sub-iteration,
	// never by the outer scheduler.
	LoopBodies map[string]map[string]bool
}

// Build validates the workflow's structure and returns its executable graph.
// Checks: unique node ids, edge endpoints resolvable, no disabled dangling
// references, acyclicity outside loop bodies, loop bodies acyclic and
// non-overlapping.
func Build(workflow *models.Workflow) (*Graph, error) {
	if len(workflow.Nodes) == 0 {
		return nil, invalid(workflow.ID, "workflow has no nodes")
	}

	g := &Graph{
		Workflow:   workflow,
		Nodes:      make(map[string]*models.WorkflowNode, len(workflow.Nodes)),
		Inbound:    make(map[string][]*models.Connection),
		Outbound:   make(map[string]map[string][]*models.Connection),
		LoopBodies: make(map[string]map[string]bool),
	}

	for _, node := range workflow.Nodes {
		if node.ID == "" {
			return nil, invalid(workflow.ID, "node with empty id")
		}

		if _, exists := g.Nodes[node.ID]; exists {
			return nil, invalid(workflow.ID, "duplicate node id %q", node.ID)
		}

		g.Nodes[node.ID] = node
	}

	for _, conn := range workflow.Connections {
		sourceID, sourcePort, ok := conn.SourceNode()
		if !ok {
			return nil, invalid(workflow.ID, "connection %s has malformed source port %q", conn.ID, conn.SourcePort)
		}

		targetID, _, ok := conn.TargetNode()
		if !ok {
			return nil, invalid(workflow.ID, "connection %s has malformed target port %q", conn.ID, conn.TargetPort)
		}

		if _, exists := g.Nodes[sourceID]; !exists {
			return nil, invalid(workflow.ID, "connection %s references unknown source node %q", conn.ID, sourceID)
		}

		if _, exists := g.Nodes[targetID]; !exists {
			return nil, invalid(workflow.ID, "connection %s references unknown target node %q", conn.ID, targetID)
		}

		if sourceID == targetID {
			return nil, invalid(workflow.ID, "node %q connects to itself", sourceID)
		}

		g.Inbound[targetID] = append(g.Inbound[targetID], conn)

		if g.Outbound[sourceID] == nil {
			g.Outbound[sourceID] = make(map[string][]*models.Connection)
		}

		g.Outbound[sourceID][sourcePort] = append(g.Outbound[sourceID][sourcePort], conn)
	}

	if err := g.collectLoopBodies(); err != nil {
		return nil, err
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	for id := range g.Nodes {
		if len(g.inboundOuter(id)) == 0 && !g.isBodyNode(id) {
			g.Roots = append(g.Roots, id)
		}
	}

	sort.Strings(g.Roots)

	if len(g.Roots) == 0 {
		return nil, invalid(workflow.ID, "workflow has no entry node")
	}

	return g, nil
}

// BodyEntries returns the body-port targets of a loop node.
func (g *Graph) BodyEntries(loopID string) []string {
	var entries []string

	for _, conn := range g.Outbound[loopID][models.PortBody] {
		targetID, _, _ := conn.TargetNode()
		entries = append(entries, targetID)
	}

	sort.Strings(entries)

	return entries
}

// IsBodyNodeOf reports whether nodeID belongs to the loop's body subgraph.
func (g *Graph) IsBodyNodeOf(loopID, nodeID string) bool {
	return g.LoopBodies[loopID][nodeID]
}

func (g *Graph) isBodyNode(nodeID string) bool {
	for _, body := range g.LoopBodies {
		if body[nodeID] {
			return true
		}
	}

	return false
}

// inboundOuter returns inbound connections that participate in outer
// scheduling: edges originating from a loop's body port are internal.
func (g *Graph) inboundOuter(nodeID string) []*models.Connection {
	var conns []*models.Connection

	for _, conn := range g.Inbound[nodeID] {
		sourceID, sourcePort, _ := conn.SourceNode()

		if g.Nodes[sourceID].Type == NodeTypeLoop && sourcePort == models.PortBody {
			continue
		}

		conns = append(conns, conn)
	}

	return conns
}

func (g *Graph) collectLoopBodies() error {
	for id, node := range g.Nodes {
		if node.Type != NodeTypeLoop {
			continue
		}

		body := make(map[string]bool)

		stack := []string{}
		for _, conn := range g.Outbound[id][models.PortBody] {
			targetID, _, _ := conn.TargetNode()
			stack = append(stack, targetID)
		}

		for len(stack) > 0 {
			current := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			if body[current] {
				continue
			}

			if current == id {
				return invalid(g.Workflow.ID, "loop %q body reaches the loop itself", id)
			}

			body[current] = true

			for _, conns := range g.Outbound[current] {
				for _, conn := range conns {
					targetID, _, _ := conn.TargetNode()
					stack = append(stack, targetID)
				}
			}
		}

		g.LoopBodies[id] = body
	}

	// Body sets must not overlap: a node belongs to at most one loop.
	seen := make(map[string]string)

	for loopID, body := range g.LoopBodies {
		for nodeID := range body {
			if other, taken := seen[nodeID]; taken {
				return invalid(g.Workflow.ID, "node %q belongs to both loop %q and loop %q bodies", nodeID, other, loopID)
			}

			seen[nodeID] = loopID
		}
	}

	return nil
}

// checkAcyclic runs Kahn's algorithm over the outer graph (loop-body edges
// collapsed into their owning loop) and over each loop body independently.
func (g *Graph) checkAcyclic() error {
	outer := make([]string, 0, len(g.Nodes))

	for id := range g.Nodes {
		if !g.isBodyNode(id) {
			outer = append(outer, id)
		}
	}

	if err := g.kahn(outer, "workflow"); err != nil {
		return err
	}

	for loopID, body := range g.LoopBodies {
		members := make([]string, 0, len(body))
		for id := range body {
			members = append(members, id)
		}

		if err := g.kahn(members, fmt.Sprintf("loop %q body", loopID)); err != nil {
			return err
		}
	}

	return nil
}

func (g *Graph) kahn(members []string, scope string) error {
	inSet := make(map[string]bool, len(members))
	for _, id := range members {
		inSet[id] = true
	}

	inDegree := make(map[string]int, len(members))

	for _, id := range members {
		inDegree[id] = 0
	}

	for _, id := range members {
		for _, conn := range g.Inbound[id] {
			sourceID, _, _ := conn.SourceNode()
			if inSet[sourceID] {
				inDegree[id]++
			}
		}
	}

	queue := make([]string, 0, len(members))

	for _, id := range members {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++

		for _, conns := range g.Outbound[current] {
			for _, conn := range conns {
				targetID, _, _ := conn.TargetNode()
				if !inSet[targetID] {
					continue
				}

				inDegree[targetID]--
				if inDegree[targetID] == 0 {
					queue = append(queue, targetID)
				}
			}
		}
	}

	if visited != len(members) {
		return invalid(g.Workflow.ID, "%s contains a cycle", scope)
	}

	return nil
}
