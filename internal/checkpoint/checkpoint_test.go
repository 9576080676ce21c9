package checkpoint

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cubewise-code/rushti/internal/model"
)

func buildDAG(t *testing.T) *model.DAG {
	t.Helper()
	dag := model.NewDAG()
	a := model.Task{ID: "a", Instance: "tm1", Process: "run"}
	a.Parameters = model.NewOrderedParams()
	b := model.Task{ID: "b", Instance: "tm1", Process: "run", Predecessors: []string{"a"}}
	b.Parameters = model.NewOrderedParams()
	c := model.Task{ID: "c", Instance: "tm1", Process: "run", Predecessors: []string{"a"}, SafeRetry: true}
	c.Parameters = model.NewOrderedParams()
	for _, tk := range []model.Task{a, b, c} {
		if err := dag.AddTask(tk); err != nil {
			t.Fatalf("AddTask: %v", err)
		}
	}
	if err := dag.Link(); err != nil {
		t.Fatalf("Link: %v", err)
	}
	return dag
}

func TestWriteNowThenLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.checkpoint")

	cp := New(path, 0, func() Snapshot {
		return Snapshot{
			RunID: "r1", Workflow: "wf", TaskFileHash: "deadbeef", CapturedAt: time.Now(),
			Tasks: []TaskSnapshot{{ID: "a", Status: model.Succeeded}},
		}
	})
	if err := cp.WriteNow(); err != nil {
		t.Fatalf("WriteNow: %v", err)
	}

	snap, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.RunID != "r1" || len(snap.Tasks) != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestResumeFailedResetsToPending(t *testing.T) {
	dag := buildDAG(t)
	snap := &Snapshot{
		TaskFileHash: "h",
		Tasks: []TaskSnapshot{
			{ID: "a", Status: model.Succeeded},
			{ID: "b", Status: model.Failed},
			{ID: "c", Status: model.Succeeded},
		},
	}
	if err := Resume(dag, snap, "h", false); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if dag.Vertices["a"].Status != model.Succeeded {
		t.Fatalf("expected a Succeeded, got %v", dag.Vertices["a"].Status)
	}
	if dag.Vertices["b"].Status != model.Pending {
		t.Fatalf("expected b Pending, got %v", dag.Vertices["b"].Status)
	}
	if dag.Vertices["b"].PendingCount != 0 {
		t.Fatalf("expected b's pending_count recomputed to 0 (a is terminal), got %d", dag.Vertices["b"].PendingCount)
	}
}

func TestResumeRunningWithoutSafeRetryFailsUnlessForced(t *testing.T) {
	dag := buildDAG(t)
	snap := &Snapshot{
		TaskFileHash: "h",
		Tasks: []TaskSnapshot{
			{ID: "a", Status: model.Succeeded},
			{ID: "b", Status: model.Running},
		},
	}
	if err := Resume(dag, snap, "h", false); err == nil {
		t.Fatalf("expected Resume to fail for unsafe RUNNING task without force")
	}

	dag2 := buildDAG(t)
	if err := Resume(dag2, snap, "h", true); err != nil {
		t.Fatalf("Resume with force: %v", err)
	}
	if dag2.Vertices["b"].Status != model.Pending {
		t.Fatalf("expected forced resume to reset b to Pending, got %v", dag2.Vertices["b"].Status)
	}
}

func TestResumeRunningWithSafeRetryResetsToPending(t *testing.T) {
	dag := buildDAG(t)
	snap := &Snapshot{
		TaskFileHash: "h",
		Tasks: []TaskSnapshot{
			{ID: "a", Status: model.Succeeded},
			{ID: "c", Status: model.Running},
		},
	}
	if err := Resume(dag, snap, "h", false); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if dag.Vertices["c"].Status != model.Pending {
		t.Fatalf("expected c (safe_retry) Pending, got %v", dag.Vertices["c"].Status)
	}
}

func TestResumeMismatchedHashFailsUnlessForced(t *testing.T) {
	dag := buildDAG(t)
	snap := &Snapshot{TaskFileHash: "old"}
	if err := Resume(dag, snap, "new", false); err == nil {
		t.Fatalf("expected mismatch error")
	}
	if err := Resume(dag, snap, "new", true); err != nil {
		t.Fatalf("expected force to bypass mismatch: %v", err)
	}
}

func TestDeleteIsNoOpWhenFileMissing(t *testing.T) {
	cp := New(filepath.Join(t.TempDir(), "missing"), 0, nil)
	if err := cp.Delete(); err != nil {
		t.Fatalf("Delete on missing file: %v", err)
	}
}

func TestHashTaskFileIsDeterministic(t *testing.T) {
	a := HashTaskFile([]byte("hello"))
	b := HashTaskFile([]byte("hello"))
	c := HashTaskFile([]byte("world"))
	if a != b {
		t.Fatalf("expected same content to hash the same")
	}
	if a == c {
		t.Fatalf("expected different content to hash differently")
	}
}

func TestStartStopLoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.checkpoint")
	calls := 0
	cp := New(path, 5*time.Millisecond, func() Snapshot {
		calls++
		return Snapshot{RunID: "r"}
	})
	cp.Start()
	time.Sleep(30 * time.Millisecond)
	cp.Stop()
	if calls == 0 {
		t.Fatalf("expected at least one periodic snapshot")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected checkpoint file to exist: %v", err)
	}
}
