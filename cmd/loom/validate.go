package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/loomhq/loom/pkg/cmd"
	"github.com/loomhq/loom/pkg/log"
	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/workflow"
)

func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate workflow definitions: JSON files, or everything in storage when no files are given",
		ArgsUsage: "[file ...]",
		Flags:     commonFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))
			logger := log.WithModule("validate")

			validator := workflow.NewValidator(cmd.NewRegistry(logger))

			if command.Args().Len() > 0 {
				return validateFiles(validator, command.Args().Slice())
			}

			store := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := store.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "failed to close persistence", "error", err)
				}
			}()

			workflows, err := workflow.NewRepository(store, nil).FetchAll(ctx)
			if err != nil {
				return err
			}

			failed := 0

			for _, wf := range workflows {
				if err := validator.Validate(wf); err != nil {
					failed++

					fmt.Fprintf(os.Stderr, "invalid: %s (%s): %v\n", wf.Name, wf.ID, err)

					continue
				}

				fmt.Printf("valid: %s (%s)\n", wf.Name, wf.ID)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d workflows failed validation", failed, len(workflows))
			}

			return nil
		},
	}
}

func validateFiles(validator *workflow.Validator, paths []string) error {
	failed := 0

	for _, path := range paths {
		wf, err := workflow.LoadFile(path)
		if err != nil {
			return err
		}

		if wf.Status == "" {
			wf.Status = models.WorkflowStatusDraft
		}

		if err := validator.Validate(wf); err != nil {
			failed++

			fmt.Fprintf(os.Stderr, "invalid: %s: %v\n", path, err)

			continue
		}

		fmt.Printf("valid: %s\n", path)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d files failed validation", failed, len(paths))
	}

	return nil
}
