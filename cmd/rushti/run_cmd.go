package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cubewise-code/rushti/internal/config"
	"github.com/cubewise-code/rushti/internal/runcontroller"
	"github.com/cubewise-code/rushti/internal/stats"
)

// runCmd is the primary entry point: parse, validate, and drive a task file
// to completion (spec §6 "run").
type runCmd struct {
	workflow         string
	maxWorkers       int
	retries          int
	resultFile       string
	exclusive        bool
	force            bool
	policy           string
	noCheckpoint     bool
	checkpointPath   string
	checkpointSecs   int
	externalSettings string
	archiveRoot      string
	resumePath       string
	probeRemote      bool
	exclusiveWaitSec int
	metricsOut       string
}

func (c *runCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <taskfile>",
		Short: "parse, validate, and run a task file to completion",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVar(&c.workflow, "workflow", "", "workflow name, defaults to the taskfile's basename")
	cmd.Flags().IntVar(&c.maxWorkers, "max-workers", 0, "maximum concurrent tasks (0 = use settings/default)")
	cmd.Flags().IntVar(&c.retries, "retries", 0, "transient failure retry count")
	cmd.Flags().StringVar(&c.resultFile, "result", "", "path to write the JSON run result")
	cmd.Flags().BoolVar(&c.exclusive, "exclusive", false, "require exclusive access to every instance this run touches")
	cmd.Flags().BoolVar(&c.force, "force", false, "bypass safe-resume and checkpoint-hash safety checks")
	cmd.Flags().StringVar(&c.policy, "policy", "", "ordering policy: longest_first, shortest_first, or empty for FIFO")
	cmd.Flags().BoolVar(&c.noCheckpoint, "no-checkpoint", false, "disable periodic checkpointing")
	cmd.Flags().StringVar(&c.checkpointPath, "checkpoint", "", "checkpoint file path")
	cmd.Flags().IntVar(&c.checkpointSecs, "checkpoint-interval", 0, "checkpoint interval in seconds")
	cmd.Flags().StringVar(&c.externalSettings, "settings", "", "path to an external YAML settings file")
	cmd.Flags().StringVar(&c.archiveRoot, "archive", "", "root directory to archive the resolved workflow under")
	cmd.Flags().StringVar(&c.resumePath, "resume-from", "", "resume from a prior checkpoint file")
	cmd.Flags().BoolVar(&c.probeRemote, "probe", false, "probe the remote server for process/instance existence before running")
	cmd.Flags().IntVar(&c.exclusiveWaitSec, "exclusive-wait", 0, "seconds to wait for the exclusive lock before failing (0 = wait forever)")
	cmd.Flags().StringVar(&c.metricsOut, "metrics", "", "write rendered scheduler/executor runtime counters as JSON to this path")
	return cmd
}

func (c *runCmd) run(cl *cli, cmd *cobra.Command, args []string) error {
	store, err := stats.Open(cl.statsDBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	workflow := c.workflow
	if workflow == "" {
		workflow = workflowNameFromPath(args[0])
	}

	recv := stats.NewReceiver()
	ctrl := runcontroller.New(runcontroller.Options{
		TaskFilePath:     args[0],
		Workflow:         workflow,
		Flags:            c.overrides(),
		ExternalSettings: c.externalSettings,
		Client:           cl.client,
		StatsStore:       store,
		Metrics:          recv,
		CheckpointPath:   c.checkpointPath,
		ResumePath:       c.resumePath,
		ArchiveRoot:      c.archiveRoot,
		ProbeRemote:      c.probeRemote,
		ExclusiveWait:    time.Duration(c.exclusiveWaitSec) * time.Second,
		Log:              cl.log,
	})

	result, err := ctrl.Run(cmd.Context())
	if err != nil {
		return err
	}
	cl.log.WithField("total", result.Total).WithField("succeeded", result.Succeeded).
		WithField("failed", result.Failed).WithField("skipped", result.Skipped).
		Info("run finished")
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

func writeMetrics(path string, recv stats.Receiver) error {
	data, err := json.MarshalIndent(recv.Render(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *runCmd) overrides() config.Overrides {
	o := config.Overrides{}
	if c.maxWorkers > 0 {
		o.MaxWorkers = &c.maxWorkers
	}
	if c.retries > 0 {
		o.Retries = &c.retries
	}
	if c.resultFile != "" {
		o.ResultFile = &c.resultFile
	}
	if c.exclusive {
		o.Exclusive = &c.exclusive
	}
	if c.force {
		o.Force = &c.force
	}
	if c.policy != "" {
		o.OptimizationAlgorithm = &c.policy
	}
	if c.noCheckpoint {
		o.NoCheckpoint = &c.noCheckpoint
	}
	if c.checkpointSecs > 0 {
		o.CheckpointIntervalSec = &c.checkpointSecs
	}
	return o
}
