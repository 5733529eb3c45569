// Package log provides a node that writes a structured log line and passes
// its input through.
package log

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/template"
)

// LogNode logs a resolved message at the configured level and forwards its
// input on the main port.
type LogNode struct {
	id      string
	message string
	level   slog.Level
}

func NewLogNode(id string, config map[string]any) (*LogNode, error) {
	message, _ := config["message"].(string)
	if message == "" {
		message = "{{steps}}"
	}

	level := slog.LevelInfo

	if raw, ok := config["level"].(string); ok {
		switch raw {
		case "debug":
			level = slog.LevelDebug
		case "info", "":
			level = slog.LevelInfo
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		default:
			return nil, fmt.Errorf("invalid log level %q", raw)
		}
	}

	return &LogNode{id: id, message: message, level: level}, nil
}

func (n *LogNode) ID() string {
	return n.id
}

func (n *LogNode) Type() string {
	return "log"
}

func (n *LogNode) Execute(ctx context.Context, state *models.ExecutionContext, input protocol.Input) (*protocol.Result, error) {
	resolved, err := template.Resolve(n.message, state)
	if err != nil {
		resolved = n.message
	}

	message := fmt.Sprintf("%v", resolved)

	slog.Log(ctx, n.level, message, "node_id", n.id, "execution_id", state.ID)

	return protocol.Success(map[string]any{
		"message": message,
		"input":   map[string]any(input),
	}), nil
}
