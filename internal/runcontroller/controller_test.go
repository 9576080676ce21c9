package runcontroller

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cubewise-code/rushti/internal/executor"
	"github.com/cubewise-code/rushti/internal/remote"
	"github.com/cubewise-code/rushti/internal/remote/remotefake"
	"github.com/cubewise-code/rushti/internal/stats"
)

const taskFileJSON = `{
  "version": "2.0",
  "metadata": {"workflow": "wf"},
  "tasks": [
    {"id": "a", "instance": "tm1", "process": "run"},
    {"id": "b", "instance": "tm1", "process": "run", "predecessors": ["a"], "require_predecessor_success": true}
  ]
}`

func writeTaskFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "wf.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestRunSucceedsEndToEnd(t *testing.T) {
	orig := executor.PollInterval
	executor.PollInterval = time.Millisecond
	defer func() { executor.PollInterval = orig }()

	dir := t.TempDir()
	path := writeTaskFile(t, dir, taskFileJSON)

	client := remotefake.New()
	client.SetBehavior("run", remotefake.Behavior{Outcome: remote.StateSucceeded})

	store, err := stats.Open("")
	if err != nil {
		t.Fatalf("stats.Open: %v", err)
	}
	defer store.Close()

	maxWorkers := 2
	ctrl := New(Options{
		TaskFilePath:   path,
		Workflow:       "wf",
		Client:         client,
		StatsStore:     store,
		CheckpointPath: filepath.Join(dir, "run.checkpoint"),
		ExclusiveWait:  time.Second,
	})
	ctrl.opts.Flags.MaxWorkers = &maxWorkers

	result, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Total != 2 || result.Succeeded != 2 || !result.OverallSuccess {
		t.Fatalf("unexpected result: %+v", result)
	}

	if _, err := os.Stat(filepath.Join(dir, "run.checkpoint")); !os.IsNotExist(err) {
		t.Fatalf("expected checkpoint to be deleted after a fully successful run")
	}

	runs, err := store.RecentRuns("wf", 1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("expected 1 persisted run, got %d (err=%v)", len(runs), err)
	}
}

func TestRunRetainsCheckpointOnFailure(t *testing.T) {
	orig := executor.PollInterval
	executor.PollInterval = time.Millisecond
	defer func() { executor.PollInterval = orig }()

	dir := t.TempDir()
	path := writeTaskFile(t, dir, taskFileJSON)

	client := remotefake.New()
	client.SetBehavior("run", remotefake.Behavior{Outcome: remote.StateFailed})

	ctrl := New(Options{
		TaskFilePath:   path,
		Workflow:       "wf",
		Client:         client,
		CheckpointPath: filepath.Join(dir, "run.checkpoint"),
		ExclusiveWait:  time.Second,
	})

	result, err := ctrl.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Succeeded != 0 || result.Failed != 1 || result.Skipped != 1 || result.OverallSuccess {
		t.Fatalf("unexpected result: %+v", result)
	}

	if _, err := os.Stat(filepath.Join(dir, "run.checkpoint")); err != nil {
		t.Fatalf("expected checkpoint to survive a failed run: %v", err)
	}
}

func TestRunFailsWhenExclusiveLockConflicts(t *testing.T) {
	dir := t.TempDir()
	path := writeTaskFile(t, dir, taskFileJSON)

	client := remotefake.New()
	client.SetSessions("tm1", []remote.RemoteSession{{ID: "s1", Tag: "RUSHTIX_other"}})

	ctrl := New(Options{
		TaskFilePath:  path,
		Workflow:      "wf",
		Client:        client,
		ExclusiveWait: 10 * time.Millisecond,
	})

	if _, err := ctrl.Run(context.Background()); err == nil {
		t.Fatalf("expected exclusive lock conflict to fail the run")
	}
}
