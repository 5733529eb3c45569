package main

import (
	"context"
	"encoding/json"
	"fmt"

	cli "github.com/urfave/cli/v3"

	"github.com/loomhq/loom/pkg/cmd"
	"github.com/loomhq/loom/pkg/engine"
	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/persistence"
	"github.com/loomhq/loom/pkg/workflow"
)

func ExecuteCommand() *cli.Command {
	flags := append(commonFlags(),
		&cli.StringFlag{
			Name:    "workflow-file",
			Aliases: []string{"f"},
			Usage:   "Run the workflow from a JSON file instead of storage",
		},
		&cli.StringFlag{
			Name:  "trigger-data",
			Usage: "Trigger payload as inline JSON",
			Value: "{}",
		},
	)

	return &cli.Command{
		Name:      "execute",
		Usage:     "Run one workflow to completion and print the result",
		ArgsUsage: "[workflow-id]",
		Flags:     flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))
			logger := log.WithModule("execute")

			var triggerData map[string]any
			if err := json.Unmarshal([]byte(command.String("trigger-data")), &triggerData); err != nil {
				return fmt.Errorf("invalid trigger data: %w", err)
			}

			registry := cmd.NewRegistry(logger)
			store := cmd.NewPersistence(ctx, logger, command.String("database-url"))

			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "failed to close persistence", "error", err)
				}
			}()

			definition, err := loadWorkflow(ctx, command, store)
			if err != nil {
				return err
			}

			eng := engine.New(logger, registry, store, nil, workerIDOrDefault(command, "cli"))

			execution, err := eng.Start(ctx, definition, triggerData)
			if err != nil {
				return err
			}

			records, err := store.NodeRecords().ListByExecution(ctx, execution.ID)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(map[string]any{
				"execution": execution,
				"records":   records,
			}, "", "  ")
			if err != nil {
				return err
			}

			fmt.Println(string(out))

			if execution.Status != models.ExecutionStatusCompleted {
				return fmt.Errorf("execution finished with status %s", execution.Status)
			}

			return nil
		},
	}
}

func loadWorkflow(ctx context.Context, command *cli.Command, store persistence.Persistence) (*models.Workflow, error) {
	if path := command.String("workflow-file"); path != "" {
		wf, err := workflow.LoadFile(path)
		if err != nil {
			return nil, err
		}

		if wf.ID == "" {
			wf.ID = path
		}

		return wf, nil
	}

	id := command.Args().First()
	if id == "" {
		return nil, fmt.Errorf("workflow id argument or --workflow-file is required")
	}

	return workflow.NewRepository(store, nil).FetchByID(ctx, id)
}
