package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cubewise-code/rushti/internal/contention"
	"github.com/cubewise-code/rushti/internal/model"
	"github.com/cubewise-code/rushti/internal/parser"
	"github.com/cubewise-code/rushti/internal/stats"
)

// analyzeCmd runs the ContentionAnalyzer against a workflow's execution
// history and prints the driver, heavy groups, and recommended worker count
// (spec §6 "analyze", §4.7). With --output and --taskfile, it also
// materializes the rewritten workflow ContentionAnalyzer recommends:
// predecessor chains applied, tasks reordered driver-major, and the
// recommended max_workers embedded in settings.
type analyzeCmd struct {
	lookback int
	taskfile string
	output   string
}

func (c *analyzeCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <workflow>",
		Short: "find the contention driver behind a workflow's slowest runs",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().IntVar(&c.lookback, "lookback", contention.DefaultConfig().LookbackRuns, "number of recent runs to analyze")
	cmd.Flags().StringVar(&c.taskfile, "taskfile", "", "original task file to rewrite; required with --output")
	cmd.Flags().StringVar(&c.output, "output", "", "write the rewritten, contention-optimized task file to this path")
	return cmd
}

func (c *analyzeCmd) run(cl *cli, cmd *cobra.Command, args []string) error {
	store, err := stats.Open(cl.statsDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	cfg := contention.DefaultConfig()
	cfg.LookbackRuns = c.lookback
	result, err := contention.Analyze(store, args[0], cfg)
	if err != nil {
		return err
	}

	if result.Message != "" {
		fmt.Println(result.Message)
		return nil
	}
	fmt.Printf("contention driver: %s\n", result.ContentionDriver)
	fmt.Printf("heavy groups: %d, light groups: %d\n", len(result.HeavyGroups), len(result.LightGroups))
	fmt.Printf("critical path: %.1fs\n", result.CriticalPathSeconds)
	fmt.Printf("recommended max_workers: %d\n", result.RecommendedWorkers)
	for _, w := range result.Warnings {
		fmt.Println("warning:", w)
	}

	if c.output == "" {
		return nil
	}
	if c.taskfile == "" {
		return fmt.Errorf("--output requires --taskfile")
	}
	return writeOptimizedTaskfile(cmd.Context(), cl, c.taskfile, c.output, result)
}

// writeOptimizedTaskfile re-parses taskfilePath, applies result via
// contention.Optimize, and emits the rewritten workflow in structured JSON
// form through parser.EmitStructured (the same sink expandCmd writes
// through).
func writeOptimizedTaskfile(ctx context.Context, cl *cli, taskfilePath, outputPath string, result *contention.Result) error {
	data, err := os.ReadFile(taskfilePath)
	if err != nil {
		return err
	}
	parsed, err := parser.ParseBytes(ctx, data, cl.client)
	if err != nil {
		return err
	}

	tasks := make([]model.Task, 0, len(parsed.DAG.Order))
	for _, id := range parsed.DAG.Order {
		tasks = append(tasks, parsed.DAG.Vertices[id].Task)
	}

	optimized, meta, settings := contention.Optimize(tasks, parsed.Metadata, parsed.Settings, result)
	out, err := parser.EmitStructured(optimized, meta, settings)
	if err != nil {
		return err
	}
	return os.WriteFile(outputPath, out, 0o644)
}

// optimizeCmd prints the empirical sweet-spot worker count from historical
// runs rather than the model-based recommendation (spec §4.7's
// recommend_max_workers vs. sweet-spot distinction). With --output and
// --taskfile it also writes a workflow with max_workers set to the sweet
// spot, via the same ContentionAnalyzer pass as `analyze`.
type optimizeCmd struct {
	lookback int
	taskfile string
	output   string
}

func (c *optimizeCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optimize <workflow>",
		Short: "find the fewest workers within 10% of the fastest historical run",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().IntVar(&c.lookback, "lookback", contention.DefaultConfig().LookbackRuns, "number of recent runs to consider")
	cmd.Flags().StringVar(&c.taskfile, "taskfile", "", "original task file to rewrite; required with --output")
	cmd.Flags().StringVar(&c.output, "output", "", "write the rewritten, contention-optimized task file to this path")
	return cmd
}

func (c *optimizeCmd) run(cl *cli, cmd *cobra.Command, args []string) error {
	store, err := stats.Open(cl.statsDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	workers, err := contention.SweetSpot(store, args[0], c.lookback)
	if err != nil {
		return err
	}
	fmt.Printf("sweet spot: %d workers\n", workers)

	if c.output == "" {
		return nil
	}
	if c.taskfile == "" {
		return fmt.Errorf("--output requires --taskfile")
	}

	cfg := contention.DefaultConfig()
	cfg.LookbackRuns = c.lookback
	result, err := contention.Analyze(store, args[0], cfg)
	if err != nil {
		return err
	}
	if workers > 0 {
		result.RecommendedWorkers = workers
	}
	return writeOptimizedTaskfile(cmd.Context(), cl, c.taskfile, c.output, result)
}
