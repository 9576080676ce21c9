package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cubewise-code/rushti/internal/parser"
	"github.com/cubewise-code/rushti/internal/validator"
)

// validateCmd checks a task file for structural violations and, optionally,
// remote process/instance existence, without running anything (spec §6
// "validate").
type validateCmd struct {
	probeRemote bool
}

func (c *validateCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <taskfile>",
		Short: "parse and validate a task file without running it",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&c.probeRemote, "probe", false, "also probe the remote server for process/instance existence")
	return cmd
}

func (c *validateCmd) run(cl *cli, cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	parsed, err := parser.ParseBytes(context.Background(), data, cl.client)
	if err != nil {
		return err
	}
	report, err := validator.ValidateStructural(parsed.DAG)
	if err != nil {
		return err
	}

	for _, w := range parsed.Warnings {
		fmt.Fprintln(os.Stderr, "warning:", w)
	}
	if c.probeRemote {
		for _, w := range validator.ValidateRemote(cmd.Context(), parsed.DAG, cl.client) {
			fmt.Fprintln(os.Stderr, "warning:", w)
		}
	}

	fmt.Printf("ok: %d tasks, topological order resolved\n", len(report.Order))
	return nil
}
