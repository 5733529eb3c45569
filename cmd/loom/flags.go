package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"go.opentelemetry.io/otel/trace"

	"github.com/loomhq/loom/pkg/otelhelper"
)

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Storage location: redis://... or a filesystem path",
			Value:   "./data",
			Sources: cli.EnvVars("DATABASE_URL"),
		},
		&cli.StringFlag{
			Name:    "event-bus",
			Usage:   "Event bus type (gochannel, kafka)",
			Value:   "gochannel",
			Sources: cli.EnvVars("EVENT_BUS_TYPE"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Value:   "info",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (json, text)",
			Value:   "json",
			Sources: cli.EnvVars("LOG_FORMAT"),
		},
	}
}

func workerIDOrDefault(command *cli.Command, prefix string) string {
	if id := command.String("worker-id"); id != "" {
		return id
	}

	return prefix + "-" + uuid.New().String()[:8]
}

// newTracer returns a real tracer only when an OTLP endpoint is configured.
func newTracer(ctx context.Context, serviceName string) (trace.Tracer, error) {
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		return nil, nil
	}

	return otelhelper.NewTracer(ctx, serviceName)
}
