// Package registry provides factory registration and lookup for node
// executors. Unknown node types and bad configurations surface here at
// graph-validation time, before any side effect occurs.
package registry

import (
	"fmt"
	"log/slog"

	"github.com/xeipuuv/gojsonschema"

	"github.com/loomhq/loom/pkg/graph"
	"github.com/loomhq/loom/pkg/protocol"
)

// UnknownNodeTypeError reports a node whose type has no registered factory.
type UnknownNodeTypeError struct {
	NodeID   string
	NodeType string
}

func (e *UnknownNodeTypeError) Error() string {
	return fmt.Sprintf("node %q has unknown type %q", e.NodeID, e.NodeType)
}

// ConfigError reports a node configuration rejected by its type's schema.
type ConfigError struct {
	NodeID   string
	NodeType string
	Detail   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("node %q (%s) has invalid config: %s", e.NodeID, e.NodeType, e.Detail)
}

type Registry struct {
	logger    *slog.Logger
	factories map[string]protocol.NodeFactory
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		factories: make(map[string]protocol.NodeFactory),
	}
}

// RegisterNode registers a node factory under its type id.
func (r *Registry) RegisterNode(factory protocol.NodeFactory) {
	r.factories[factory.ID()] = factory
}

// Factory returns the factory for a node type.
func (r *Registry) Factory(nodeType string) (protocol.NodeFactory, bool) {
	factory, ok := r.factories[nodeType]

	return factory, ok
}

// CreateNode instantiates an executor for the given node.
func (r *Registry) CreateNode(nodeID, nodeType string, config map[string]any) (protocol.Node, error) {
	factory, ok := r.factories[nodeType]
	if !ok {
		return nil, &UnknownNodeTypeError{NodeID: nodeID, NodeType: nodeType}
	}

	return factory.Create(nodeID, config)
}

// NodeTypes returns the registered type ids.
func (r *Registry) NodeTypes() []string {
	types := make([]string, 0, len(r.factories))
	for id := range r.factories {
		types = append(types, id)
	}

	return types
}

// ValidateGraph front-loads dispatch-time errors: every node type must be
// registered, every node config must satisfy its type's JSON schema, and
// every node must be instantiable.
func (r *Registry) ValidateGraph(g *graph.Graph) error {
	for _, node := range g.Workflow.Nodes {
		factory, ok := r.factories[node.Type]
		if !ok {
			return &UnknownNodeTypeError{NodeID: node.ID, NodeType: node.Type}
		}

		if err := r.validateConfig(node.ID, factory, node.Config); err != nil {
			return err
		}

		if _, err := factory.Create(node.ID, node.Config); err != nil {
			return &ConfigError{NodeID: node.ID, NodeType: node.Type, Detail: err.Error()}
		}
	}

	return nil
}

func (r *Registry) validateConfig(nodeID string, factory protocol.NodeFactory, config map[string]any) error {
	schema := factory.Schema()
	if schema == nil {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewGoLoader(config),
	)
	if err != nil {
		return fmt.Errorf("schema validation for node %s: %w", nodeID, err)
	}

	if !result.Valid() {
		detail := ""
		for i, desc := range result.Errors() {
			if i > 0 {
				detail += "; "
			}

			detail += desc.String()
		}

		return &ConfigError{NodeID: nodeID, NodeType: factory.ID(), Detail: detail}
	}

	return nil
}
