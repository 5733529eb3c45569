package main

import (
	"context"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/loomhq/loom/pkg/cmd"
	"github.com/loomhq/loom/pkg/engine"
	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/worker"
	"github.com/loomhq/loom/pkg/workflow"
)

func WorkerCommand() *cli.Command {
	flags := append(commonFlags(),
		&cli.StringFlag{
			Name:    "worker-id",
			Aliases: []string{"id"},
			Usage:   "Custom worker ID (auto-generated if not provided)",
			Sources: cli.EnvVars("WORKER_ID"),
		},
	)

	return &cli.Command{
		Name:  "worker",
		Usage: "Start a worker that executes triggered workflows",
		Flags: flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			workerID := workerIDOrDefault(command, "worker")
			logger := log.WithModule("worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "initializing loom worker")

			registry := cmd.NewRegistry(logger)
			store := cmd.NewPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), "loom-worker", logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "failed to close event bus", "error", err)
				}
			}()

			engineOpts := []engine.Option{}

			tracer, err := newTracer(ctx, "loom-worker")
			if err != nil {
				return err
			}

			if tracer != nil {
				engineOpts = append(engineOpts, engine.WithTracer(tracer))
			}

			eng := engine.New(logger, registry, store, eventBus, workerID, engineOpts...)
			repo := workflow.NewRepository(store, workflow.NewValidator(registry))

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return worker.NewWorker(workerID, eng, repo, eventBus, logger).Start(ctx)
		},
	}
}
