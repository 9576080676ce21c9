// Package main wires the cobra CLI surface of spec §6: run, resume,
// validate, expand, analyze, optimize, and stats-prune. One cobra.Command
// per verb, a small command interface, and a root that owns shared flags -
// mirrors scootapi/client/cli.go's simpleCLIClient/addCmd shape directly.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cubewise-code/rushti/internal/remote"
	"github.com/cubewise-code/rushti/internal/remote/remotefake"
)

// command is the small interface every subcommand implements, matching the
// teacher's registerFlags/run split so flag wiring and execution stay
// separate concerns.
type command interface {
	registerFlags() *cobra.Command
	run(cl *cli, cmd *cobra.Command, args []string) error
}

// cli is the root client. Its client field is the remote.Client every
// subcommand shares; since the remote server's transport protocol is
// explicitly out of this project's core scope (spec §1), this binary wires
// the scripted remotefake.Client rather than a real network adapter, so the
// program is still runnable end-to-end without importing a transport
// library the core has no business owning.
type cli struct {
	rootCmd *cobra.Command

	statsDBPath string
	log         *logrus.Logger
	client      remote.Client
}

// NewCLI builds the root command and registers every subcommand.
func NewCLI() *cli {
	c := &cli{log: logrus.New(), client: remotefake.New()}

	c.rootCmd = &cobra.Command{
		Use:   "rushti",
		Short: "rushti drives a DAG of remote process invocations to completion",
	}
	c.rootCmd.PersistentFlags().StringVar(&c.statsDBPath, "stats-db", "rushti_stats.sqlite", "path to the execution history database")

	c.addCmd(&runCmd{})
	c.addCmd(&resumeCmd{})
	c.addCmd(&validateCmd{})
	c.addCmd(&expandCmd{})
	c.addCmd(&analyzeCmd{})
	c.addCmd(&optimizeCmd{})
	c.addCmd(&statsPruneCmd{})

	return c
}

func (c *cli) addCmd(cmd command) {
	cobraCmd := cmd.registerFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.run(c, innerCmd, args)
	}
	c.rootCmd.AddCommand(cobraCmd)
}

// Exec runs the parsed command line. The context carries an OS interrupt
// signal down through cmd.Context() to the Scheduler's abort goroutine, so
// Ctrl-C drains in-flight tasks and releases the exclusive lock instead of
// killing the process out from under them.
func (c *cli) Exec() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return c.rootCmd.ExecuteContext(ctx)
}
