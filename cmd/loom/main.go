// Package main provides the loom command line: API server, worker,
// scheduler and workflow tooling in one binary.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	root := &cli.Command{
		Name:                  "loom",
		Usage:                 "Run and manage node-graph workflows",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			APICommand(),
			WorkerCommand(),
			SchedulerCommand(),
			ValidateCommand(),
			ExecuteCommand(),
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
