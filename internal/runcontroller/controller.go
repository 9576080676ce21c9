// Package runcontroller is the single owner of one run's lifecycle: parse
// and validate the task file, acquire the ExclusiveLock, resume from a
// checkpoint if asked, drive the Scheduler to a terminal state, persist
// history, and release the lock. No other package is allowed to construct
// more than one of these collaborators and wire them together - that
// one-way, constructor-injected ownership is grounded on
// sched/scheduler/stateful_scheduler.go's NewStatefulScheduler, which builds
// and owns sagaCoord/clusterState/asyncRunner itself rather than reaching
// for package-level state.
package runcontroller

import (
	"context"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/cubewise-code/rushti/internal/archive"
	"github.com/cubewise-code/rushti/internal/checkpoint"
	"github.com/cubewise-code/rushti/internal/config"
	"github.com/cubewise-code/rushti/internal/exclusive"
	"github.com/cubewise-code/rushti/internal/executor"
	"github.com/cubewise-code/rushti/internal/model"
	"github.com/cubewise-code/rushti/internal/parser"
	"github.com/cubewise-code/rushti/internal/remote"
	"github.com/cubewise-code/rushti/internal/resultsink"
	"github.com/cubewise-code/rushti/internal/scheduler"
	"github.com/cubewise-code/rushti/internal/stats"
	"github.com/cubewise-code/rushti/internal/validator"
)

// Options carries everything one run needs. Settings precedence (flags >
// structured settings block > external file > built-in default) cannot be
// fully resolved until the task file is parsed, so Flags/ExternalSettings
// are passed through for the Controller to resolve itself via
// internal/config, rather than requiring the caller to pre-resolve them.
type Options struct {
	TaskFilePath     string
	Workflow         string
	RunID            string
	Flags            config.Overrides
	ExternalSettings string // path to an external settings file, "" to skip

	Client     remote.Client
	StatsStore *stats.Store
	Metrics    stats.Receiver // nil discards metrics (stats.Nil())

	CheckpointPath string
	ResumePath     string // non-empty to resume from a prior checkpoint file
	ArchiveRoot    string // non-empty to archive the resolved workflow on run start
	ProbeRemote    bool
	ExclusiveWait  time.Duration // ExclusiveLock poll timeout; 0 = wait forever

	Log *logrus.Logger
}

// Controller owns one run end to end.
type Controller struct {
	opts Options
	log  *logrus.Logger
}

// New constructs a Controller. It does not parse or touch the filesystem -
// that happens in Run, so construction can never fail.
func New(opts Options) *Controller {
	if opts.Log == nil {
		opts.Log = logrus.New()
	}
	if opts.RunID == "" {
		opts.RunID = model.GenerateRunID(time.Now())
	}
	return &Controller{opts: opts, log: opts.Log}
}

// Run executes the full lifecycle and returns the terminal RunResult. A
// non-nil error means the run never reached a terminal DAG state (parse
// failure, validation failure, exclusive-lock timeout, checkpoint mismatch);
// a returned RunResult with Failed/Cancelled > 0 is a completed run that
// simply didn't fully succeed, which is not itself an error.
func (c *Controller) Run(ctx context.Context) (model.RunResult, error) {
	log := c.log.WithField("run_id", c.opts.RunID).WithField("workflow", c.opts.Workflow)

	data, err := os.ReadFile(c.opts.TaskFilePath)
	if err != nil {
		return model.RunResult{}, err
	}
	parsed, err := parser.ParseBytes(ctx, data, c.opts.Client)
	if err != nil {
		return model.RunResult{}, err
	}
	for _, w := range parsed.Warnings {
		log.Warn(w)
	}
	dag := parsed.DAG

	settings, err := config.Resolve(c.opts.Flags, parsed.Settings, c.opts.ExternalSettings, c.log)
	if err != nil {
		return model.RunResult{}, err
	}

	if _, err := validator.ValidateStructural(dag); err != nil {
		return model.RunResult{}, err
	}
	if c.opts.ProbeRemote {
		for _, w := range validator.ValidateRemote(ctx, dag, c.opts.Client) {
			log.Warn(w)
		}
	}

	if c.opts.ArchiveRoot != "" {
		if _, err := archive.Write(c.opts.ArchiveRoot, c.opts.Workflow, c.opts.RunID, dag, parsed.Metadata, settings); err != nil {
			log.WithError(err).Warn("failed to archive resolved workflow")
		}
	}

	instances := distinctInstances(dag)

	lock := exclusive.New(c.opts.Client, exclusive.Config{
		Workflow: c.opts.Workflow, Exclusive: settings.Exclusive,
		PollInterval: 2 * time.Second, Timeout: c.opts.ExclusiveWait,
	})
	if err := lock.Acquire(ctx, instances); err != nil {
		return model.RunResult{}, err
	}
	defer c.releaseLock(context.Background(), lock, instances, log)

	taskFileHash := checkpoint.HashTaskFile(data)
	if c.opts.ResumePath != "" {
		snap, err := checkpoint.Load(c.opts.ResumePath)
		if err != nil {
			return model.RunResult{}, err
		}
		if err := checkpoint.Resume(dag, snap, taskFileHash, settings.Force); err != nil {
			return model.RunResult{}, err
		}
	}

	var estimatorCost scheduler.CostFunc
	if c.opts.StatsStore != nil {
		estimatorCost = stats.NewEstimator(c.opts.StatsStore, stats.DefaultEstimatorConfig()).Cost
	}

	recv := c.opts.Metrics
	if recv == nil {
		recv = stats.Nil()
	}

	sink := resultsink.New(c.opts.RunID, c.opts.Workflow)
	exec := executor.New(c.opts.Client, settings.MaxWorkers, settings.Retries, log.Logger, recv)

	onComplete := c.completionHandler(sink, log)
	sched := scheduler.New(dag, scheduler.Config{
		MaxWorkers:   settings.MaxWorkers,
		Policy:       scheduler.OrderingPolicy(settings.OptimizationAlgorithm),
		StageOrder:   settings.StageOrder,
		StageWorkers: settings.StageWorkers,
		SessionTag:   lock.Tag(),
	}, estimatorCost, exec, onComplete, recv)

	var cp *checkpoint.Checkpointer
	if !settings.NoCheckpoint && c.opts.CheckpointPath != "" {
		cp = checkpoint.New(c.opts.CheckpointPath, time.Duration(settings.CheckpointIntervalSec)*time.Second,
			func() checkpoint.Snapshot { return c.captureSnapshot(sched, taskFileHash) })
		cp.Start()
		defer cp.Stop()
	}

	start := time.Now()
	// task_results rows reference runs(run_id), so the run row goes in
	// before any task completes; persistRun fills in its totals at the end.
	if c.opts.StatsStore != nil {
		run := model.Run{RunID: c.opts.RunID, Workflow: c.opts.Workflow, StartedAt: start, MaxWorkers: settings.MaxWorkers}
		if err := c.opts.StatsStore.AppendRun(run, c.opts.TaskFilePath); err != nil {
			log.WithError(err).Warn("failed to append run history")
		}
	}
	runErr := sched.Run(ctx)
	elapsed := time.Since(start)

	result := sink.Finalize(elapsed)
	c.persistRun(start, settings, result, log)

	if settings.ResultFile != "" {
		if err := resultsink.WriteJSON(settings.ResultFile, result); err != nil {
			log.WithError(err).Warn("failed to write result file")
		}
	}

	if cp != nil {
		if result.OverallSuccess && runErr == nil {
			if err := cp.Delete(); err != nil {
				log.WithError(err).Warn("failed to delete checkpoint after successful run")
			}
		} else if err := cp.WriteNow(); err != nil {
			log.WithError(err).Warn("failed to write final checkpoint")
		}
	}

	return result, runErr
}

// completionHandler records every terminal task outcome into both the
// ResultSink and the StatsStore, the Scheduler's sole hook into persistence.
func (c *Controller) completionHandler(sink *resultsink.Sink, log *logrus.Entry) scheduler.CompletionSink {
	return func(t model.Task, outcome model.TaskOutcome) {
		sink.Record(t, outcome)
		if c.opts.StatsStore == nil {
			return
		}
		rec := model.TaskResultRecord{
			TaskID: t.ID, Signature: t.Signature(), Instance: t.Instance, Process: t.Process,
			Status: outcome.Status, Start: outcome.Start, Finish: outcome.Finish,
			Attempts: outcome.Attempts, ErrorKind: outcome.ErrorKind, ErrorMessage: outcome.ErrorMessage,
		}
		if err := c.opts.StatsStore.AppendTask(c.opts.RunID, c.opts.Workflow, t, rec); err != nil {
			log.WithError(err).Warn("failed to append task history")
		}
	}
}

func (c *Controller) persistRun(start time.Time, settings model.Settings, result model.RunResult, log *logrus.Entry) {
	if c.opts.StatsStore == nil {
		return
	}
	run := model.Run{
		RunID: c.opts.RunID, Workflow: c.opts.Workflow, StartedAt: start, FinishedAt: start.Add(result.Elapsed),
		MaxWorkers: settings.MaxWorkers, Total: result.Total, Succeeded: result.Succeeded,
		Failed: result.Failed, Skipped: result.Skipped, Cancelled: result.Cancelled,
	}
	if err := c.opts.StatsStore.AppendRun(run, c.opts.TaskFilePath); err != nil {
		log.WithError(err).Warn("failed to append run history")
	}
}

// captureSnapshot copies the Scheduler's current vertex statuses into a
// durable checkpoint.Snapshot, via the Scheduler's own mutex-guarded
// accessor rather than reading dag.Vertices directly from this goroutine.
func (c *Controller) captureSnapshot(sched *scheduler.Scheduler, taskFileHash string) checkpoint.Snapshot {
	vs := sched.Snapshot()
	tasks := make([]checkpoint.TaskSnapshot, 0, len(vs))
	for _, v := range vs {
		tasks = append(tasks, checkpoint.TaskSnapshot{
			ID: v.ID, Status: v.Status, Start: v.Start, Finish: v.Finish,
			Attempts: v.Attempts, ErrorKind: v.ErrorKind, ErrorMessage: v.ErrorMessage,
		})
	}
	return checkpoint.Snapshot{
		RunID: c.opts.RunID, Workflow: c.opts.Workflow, TaskFilePath: c.opts.TaskFilePath,
		TaskFileHash: taskFileHash, CapturedAt: time.Now(), Tasks: tasks,
	}
}

// releaseLock best-effort ends every session this run's tag opened. The
// Client interface has no explicit session-open call (sessions are created
// implicitly by ExecuteProcess's sessionTag), so releasing means finding and
// ending whatever session now carries our tag on each instance we touched.
// The per-instance lookups are independent round trips, so they run
// concurrently via errgroup rather than one at a time.
func (c *Controller) releaseLock(ctx context.Context, lock *exclusive.Lock, instances []string, log *logrus.Entry) {
	var mu sync.Mutex
	ids := map[string]string{}

	g, gCtx := errgroup.WithContext(ctx)
	for _, instance := range instances {
		instance := instance
		g.Go(func() error {
			sessions, err := c.opts.Client.ListSessions(gCtx, instance)
			if err != nil {
				return nil // best-effort: a lookup failure just skips that instance
			}
			for _, s := range sessions {
				if s.Tag == lock.Tag() {
					mu.Lock()
					ids[instance] = s.ID
					mu.Unlock()
					break
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := lock.Release(ctx, ids); err != nil {
		log.WithError(err).Warn("failed to release exclusive lock sessions")
	}
}

func distinctInstances(dag *model.DAG) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range dag.Vertices {
		if !seen[v.Task.Instance] {
			seen[v.Task.Instance] = true
			out = append(out, v.Task.Instance)
		}
	}
	sort.Strings(out)
	return out
}
