package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/loomhq/loom/pkg/persistence"
	"github.com/loomhq/loom/pkg/persistence/file"
	"github.com/loomhq/loom/pkg/persistence/redis"
)

// NewPersistence picks the storage backend from the database URL scheme:
// redis:// for Redis, anything else is treated as a filesystem root.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch {
	case strings.HasPrefix(databaseURL, "redis://"), strings.HasPrefix(databaseURL, "rediss://"):
		store, err := redis.NewPersistence(ctx, databaseURL)
		if err != nil {
			logger.ErrorContext(ctx, "failed to connect to redis", "error", err)
			panic(err)
		}

		return store
	default:
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://"))
	}
}
