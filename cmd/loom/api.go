package main

import (
	"context"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	cli "github.com/urfave/cli/v3"

	"github.com/loomhq/loom/pkg/cmd"
	"github.com/loomhq/loom/pkg/engine"
	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/web"
	"github.com/loomhq/loom/pkg/workflow"
)

const defaultPort = 9091

func APICommand() *cli.Command {
	flags := append(commonFlags(),
		&cli.IntFlag{
			Name:    "port",
			Aliases: []string{"p"},
			Usage:   "Port to run the API server on",
			Value:   defaultPort,
			Sources: cli.EnvVars("PORT"),
		},
		&cli.StringFlag{
			Name:    "worker-id",
			Aliases: []string{"id"},
			Usage:   "Worker ID stamped on executions this API starts",
			Sources: cli.EnvVars("WORKER_ID"),
		},
	)

	return &cli.Command{
		Name:  "api",
		Usage: "Start the workflow management API",
		Flags: flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))
			logger := log.WithModule("api")

			logger.InfoContext(ctx, "initializing loom api")

			registry := cmd.NewRegistry(logger)
			store := cmd.NewPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "failed to close persistence", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), "loom-api", logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "failed to close event bus", "error", err)
				}
			}()

			workerID := workerIDOrDefault(command, "api")

			engineOpts := []engine.Option{}

			tracer, err := newTracer(ctx, "loom-api")
			if err != nil {
				return err
			}

			if tracer != nil {
				engineOpts = append(engineOpts, engine.WithTracer(tracer))
			}

			eng := engine.New(logger, registry, store, eventBus, workerID, engineOpts...)
			repo := workflow.NewRepository(store, workflow.NewValidator(registry))

			handlers := web.NewAPIHandlers(repo, eng, store,
				validator.New(validator.WithRequiredStructEnabled()), registry)

			app := fiber.New()
			app.Use(cors.New())
			app.Use(fiberlogger.New(fiberlogger.Config{
				DisableColors: true,
			}))

			app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
			app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

			web.RegisterRoutes(app, handlers)

			return app.Listen(":" + strconv.Itoa(command.Int("port")))
		},
	}
}
