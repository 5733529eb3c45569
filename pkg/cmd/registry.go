// Package cmd provides common initialization for the command-line entry
// points: registry, persistence and event bus construction from flags.
package cmd

import (
	"log/slog"

	"github.com/loomhq/loom/pkg/registry"
)

// NewRegistry returns a registry with all built-in node types registered.
func NewRegistry(logger *slog.Logger) *registry.Registry {
	reg := registry.NewRegistry(logger)
	registry.RegisterDefaultNodes(reg)

	return reg
}
