package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/cubewise-code/rushti/internal/model"
	"github.com/cubewise-code/rushti/internal/parser"
)

// expandCmd materializes a resolved task file (parametric expansion and
// wait-barrier translation applied) in the structured JSON form (spec §6
// "expand", SUPPLEMENTED FEATURE #1 - the Parse(Emit(DAG))=DAG round-trip
// law).
type expandCmd struct {
	out string
}

func (c *expandCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expand <taskfile>",
		Short: "resolve a task file and print it in structured JSON form",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&c.out, "out", "", "write to this path instead of stdout")
	return cmd
}

func (c *expandCmd) run(cl *cli, cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	parsed, err := parser.ParseBytes(context.Background(), data, cl.client)
	if err != nil {
		return err
	}

	tasks := make([]model.Task, 0, len(parsed.DAG.Order))
	for _, id := range parsed.DAG.Order {
		tasks = append(tasks, parsed.DAG.Vertices[id].Task)
	}
	out, err := parser.EmitStructured(tasks, parsed.Metadata, parsed.Settings)
	if err != nil {
		return err
	}

	if c.out == "" {
		_, err = os.Stdout.Write(out)
		return err
	}
	return os.WriteFile(c.out, out, 0o644)
}
