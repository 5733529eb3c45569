package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/loomhq/loom/pkg/cmd"
	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/sources/schedule"
	"github.com/loomhq/loom/pkg/workflow"
)

func SchedulerCommand() *cli.Command {
	flags := append(commonFlags(),
		&cli.DurationFlag{
			Name:    "refresh-interval",
			Usage:   "How often workflow schedules are re-read from storage",
			Value:   time.Minute,
			Sources: cli.EnvVars("SCHEDULE_REFRESH_INTERVAL"),
		},
	)

	return &cli.Command{
		Name:  "scheduler",
		Usage: "Fire workflows on their cron schedules",
		Flags: flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))
			logger := log.WithModule("scheduler")

			logger.InfoContext(ctx, "initializing loom scheduler")

			store := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), "loom-scheduler", logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "failed to close event bus", "error", err)
				}
			}()

			repo := workflow.NewRepository(store, nil)

			source := schedule.NewSource(repo, eventBus, logger,
				schedule.WithRefreshInterval(command.Duration("refresh-interval")))

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := source.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()

			return source.Stop(context.WithoutCancel(ctx))
		},
	}
}
