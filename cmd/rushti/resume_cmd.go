package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/cubewise-code/rushti/internal/config"
	"github.com/cubewise-code/rushti/internal/errs"
	"github.com/cubewise-code/rushti/internal/runcontroller"
	"github.com/cubewise-code/rushti/internal/stats"
)

// resumeCmd resumes a run from a checkpoint file (spec §6 "resume", §4.5).
type resumeCmd struct {
	workflow         string
	checkpointPath   string
	force            bool
	resultFile       string
	externalSettings string
	exclusiveWaitSec int
	metricsOut       string
}

func (c *resumeCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <taskfile> <checkpoint>",
		Short: "resume a run from a checkpoint file",
		Args:  cobra.ExactArgs(2),
	}
	cmd.Flags().StringVar(&c.workflow, "workflow", "", "workflow name, defaults to the taskfile's basename")
	cmd.Flags().BoolVar(&c.force, "force", false, "resume RUNNING tasks without safe_retry, and tolerate a checkpoint-hash mismatch")
	cmd.Flags().StringVar(&c.resultFile, "result", "", "path to write the JSON run result")
	cmd.Flags().StringVar(&c.externalSettings, "settings", "", "path to an external YAML settings file")
	cmd.Flags().IntVar(&c.exclusiveWaitSec, "exclusive-wait", 0, "seconds to wait for the exclusive lock before failing (0 = wait forever)")
	cmd.Flags().StringVar(&c.metricsOut, "metrics", "", "write rendered scheduler/executor runtime counters as JSON to this path")
	return cmd
}

func (c *resumeCmd) run(cl *cli, cmd *cobra.Command, args []string) error {
	taskFile, checkpointPath := args[0], args[1]
	if checkpointPath == "" {
		return errs.New(errs.KindConfigError, "resume requires a checkpoint file")
	}

	store, err := stats.Open(cl.statsDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	workflow := c.workflow
	if workflow == "" {
		workflow = workflowNameFromPath(taskFile)
	}

	o := config.Overrides{}
	if c.force {
		o.Force = &c.force
	}
	if c.resultFile != "" {
		o.ResultFile = &c.resultFile
	}

	recv := stats.NewReceiver()
	ctrl := runcontroller.New(runcontroller.Options{
		TaskFilePath:     taskFile,
		Workflow:         workflow,
		Flags:            o,
		ExternalSettings: c.externalSettings,
		Client:           cl.client,
		StatsStore:       store,
		Metrics:          recv,
		CheckpointPath:   checkpointPath,
		ResumePath:       checkpointPath,
		ExclusiveWait:    time.Duration(c.exclusiveWaitSec) * time.Second,
		Log:              cl.log,
	})

	result, err := ctrl.Run(cmd.Context())
	if err != nil {
		return err
	}
	cl.log.WithField("total", result.Total).WithField("succeeded", result.Succeeded).
		WithField("failed", result.Failed).WithField("skipped", result.Skipped).
		Info("resumed run finished")
	if c.metricsOut != "" {
		if err := writeMetrics(c.metricsOut, recv); err != nil {
			cl.log.WithError(err).Warn("failed to write metrics file")
		}
	}
	if !result.OverallSuccess {
		return errExitNonZero
	}
	return nil
}
