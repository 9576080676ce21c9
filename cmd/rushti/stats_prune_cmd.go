package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cubewise-code/rushti/internal/stats"
)

// statsPruneCmd applies retention outside the normal run-start purge,
// grounded on db_admin.py's standalone maintenance entry points
// (SUPPLEMENTED FEATURE #4).
type statsPruneCmd struct {
	retentionDays int
}

func (c *statsPruneCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats-prune",
		Short: "delete execution history older than retention-days",
	}
	cmd.Flags().IntVar(&c.retentionDays, "retention-days", 90, "delete task/run history older than this many days")
	return cmd
}

func (c *statsPruneCmd) run(cl *cli, cmd *cobra.Command, args []string) error {
	store, err := stats.Open(cl.statsDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.PurgeOlderThan(c.retentionDays)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d task records older than %d days\n", n, c.retentionDays)
	return nil
}
