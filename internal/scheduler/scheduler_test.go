package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cubewise-code/rushti/internal/model"
)

type fakeRunner struct {
	mu      sync.Mutex
	outcome map[string]model.TaskOutcome
	delay   time.Duration
	calls   []string
}

func (f *fakeRunner) Execute(ctx context.Context, t model.Task, sessionTag string) model.TaskOutcome {
	f.mu.Lock()
	f.calls = append(f.calls, t.ID)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if o, ok := f.outcome[t.ID]; ok {
		o.Start = time.Now()
		o.Finish = time.Now()
		return o
	}
	return model.TaskOutcome{Status: model.Succeeded, Start: time.Now(), Finish: time.Now()}
}

func buildLinearDAG(t *testing.T) *model.DAG {
	t.Helper()
	dag := model.NewDAG()
	a := model.Task{ID: "a", Instance: "tm1", Process: "run"}
	a.Parameters = model.NewOrderedParams()
	b := model.Task{ID: "b", Instance: "tm1", Process: "run", Predecessors: []string{"a"}}
	b.Parameters = model.NewOrderedParams()
	c := model.Task{ID: "c", Instance: "tm1", Process: "run", Predecessors: []string{"a"}}
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

func TestSchedulerRunsToCompletion(t *testing.T) {
	dag := buildLinearDAG(t)
	runner := &fakeRunner{outcome: map[string]model.TaskOutcome{}}

	var mu sync.Mutex
	var completed []string
	sink := func(tk model.Task, outcome model.TaskOutcome) {
		mu.Lock()
		completed = append(completed, tk.ID)
		mu.Unlock()
	}

	sched := New(dag, Config{MaxWorkers: 2}, nil, runner, sink, nil)
	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(completed) != 3 {
		t.Fatalf("expected 3 completions, got %d: %v", len(completed), completed)
	}
	if dag.Vertices["a"].Status != model.Succeeded || dag.Vertices["b"].Status != model.Succeeded || dag.Vertices["c"].Status != model.Succeeded {
		t.Fatalf("expected all tasks succeeded: a=%v b=%v c=%v", dag.Vertices["a"].Status, dag.Vertices["b"].Status, dag.Vertices["c"].Status)
	}
}

func TestSchedulerSkipsOnRequiredPredecessorFailure(t *testing.T) {
	dag := model.NewDAG()
	a := model.Task{ID: "a", Instance: "tm1", Process: "run"}
	a.Parameters = model.NewOrderedParams()
	b := model.Task{ID: "b", Instance: "tm1", Process: "run", Predecessors: []string{"a"}, RequirePredecessorSuccess: true}
	b.Parameters = model.NewOrderedParams()
	c := model.Task{ID: "c", Instance: "tm1", Process: "run", Predecessors: []string{"b"}, RequirePredecessorSuccess: true}
	c.Parameters = model.NewOrderedParams()
	for _, tk := range []model.Task{a, b, c} {
		if err := dag.AddTask(tk); err != nil {
			t.Fatalf("AddTask: %v", err)
		}
	}
	if err := dag.Link(); err != nil {
		t.Fatalf("Link: %v", err)
	}

	runner := &fakeRunner{outcome: map[string]model.TaskOutcome{
		"a": {Status: model.Failed},
	}}
	sched := New(dag, Config{MaxWorkers: 2}, nil, runner, nil, nil)
	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if dag.Vertices["a"].Status != model.Failed {
		t.Fatalf("expected a Failed, got %v", dag.Vertices["a"].Status)
	}
	if dag.Vertices["b"].Status != model.Skipped {
		t.Fatalf("expected b Skipped, got %v", dag.Vertices["b"].Status)
	}
	if dag.Vertices["c"].Status != model.Skipped {
		t.Fatalf("expected c Skipped (transitive), got %v", dag.Vertices["c"].Status)
	}
}

func TestSnapshotReflectsTerminalStatuses(t *testing.T) {
	dag := buildLinearDAG(t)
	runner := &fakeRunner{outcome: map[string]model.TaskOutcome{}}
	sched := New(dag, Config{MaxWorkers: 2}, nil, runner, nil, nil)
	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	snap := sched.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 vertices, got %d", len(snap))
	}
	for _, v := range snap {
		if v.Status != model.Succeeded {
			t.Fatalf("expected %s Succeeded, got %v", v.ID, v.Status)
		}
	}
}

func TestSchedulerRespectsStageOrder(t *testing.T) {
	dag := model.NewDAG()
	s1 := model.Task{ID: "s1", Instance: "tm1", Process: "run", Stage: "one"}
	s1.Parameters = model.NewOrderedParams()
	s2 := model.Task{ID: "s2", Instance: "tm1", Process: "run", Stage: "two"}
	s2.Parameters = model.NewOrderedParams()
	for _, tk := range []model.Task{s1, s2} {
		if err := dag.AddTask(tk); err != nil {
			t.Fatalf("AddTask: %v", err)
		}
	}
	if err := dag.Link(); err != nil {
		t.Fatalf("Link: %v", err)
	}

	runner := &fakeRunner{outcome: map[string]model.TaskOutcome{}, delay: 5 * time.Millisecond}
	sched := New(dag, Config{MaxWorkers: 2, StageOrder: []string{"one", "two"}}, nil, runner, nil, nil)
	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.calls) != 2 || runner.calls[0] != "s1" {
		t.Fatalf("expected s1 before s2, got %v", runner.calls)
	}
}
