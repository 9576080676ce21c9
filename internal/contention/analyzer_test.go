package contention

import (
	"testing"
	"time"

	"github.com/cubewise-code/rushti/internal/model"
	"github.com/cubewise-code/rushti/internal/stats"
)

func seedWorkflow(t *testing.T, store *stats.Store, workflow string, runs int, heavyRegion string) {
	t.Helper()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for run := 0; run < runs; run++ {
		runID := model.GenerateRunID(base.Add(time.Duration(run) * time.Hour))
		start := base.Add(time.Duration(run) * time.Hour)
		end := start.Add(10 * time.Minute)
		if err := store.AppendRun(model.Run{
			RunID: runID, Workflow: workflow, StartedAt: start, FinishedAt: end,
			MaxWorkers: 4, Total: 4, Succeeded: 4,
		}, "wf.taskfile"); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}

		for _, region := range []string{"us", "eu", "apac"} {
			for _, size := range []string{"small", "large"} {
				task := model.Task{
					ID:       region + "_" + size,
					Instance: "tm1",
					Process:  "run",
				}
				task.Parameters = model.NewOrderedParams()
				task.Parameters.Set("region", region)
				task.Parameters.Set("size", size)

				duration := 30 * time.Second
				if region == heavyRegion {
					duration = 10 * time.Minute
				}
				taskStart := start
				taskEnd := taskStart.Add(duration)

				rec := model.TaskResultRecord{
					TaskID: task.ID, Signature: task.Signature(), Instance: task.Instance,
					Process: task.Process, Status: model.Succeeded, Start: taskStart, Finish: taskEnd,
					Attempts: 1,
				}
				if err := store.AppendTask(runID, workflow, task, rec); err != nil {
					t.Fatalf("AppendTask: %v", err)
				}
			}
		}
	}
}

func TestAnalyzeFindsContentionDriver(t *testing.T) {
	store, err := stats.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	seedWorkflow(t, store, "wf", 5, "us")

	cfg := DefaultConfig()
	cfg.MinRangeRatio = 1.5
	res, err := Analyze(store, "wf", cfg)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.ContentionDriver != "region" {
		t.Fatalf("expected region to be the contention driver, got %q (message=%q)", res.ContentionDriver, res.Message)
	}
	// Three region values are too few for the IQR fence (it needs at least
	// four groups), so no group is flagged heavy.
	if len(res.HeavyGroups) != 0 {
		t.Fatalf("expected no heavy groups with only 3 driver values, got %d", len(res.HeavyGroups))
	}
	if res.RecommendedWorkers < res.FanOutSize {
		t.Fatalf("recommended workers %d below fan-out size %d", res.RecommendedWorkers, res.FanOutSize)
	}
}

func TestAnalyzeNoHistoryIsEmpty(t *testing.T) {
	store, err := stats.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	res, err := Analyze(store, "missing", DefaultConfig())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if res.Message == "" {
		t.Fatalf("expected a message explaining the empty result")
	}
	if res.ContentionDriver != "" {
		t.Fatalf("expected no contention driver, got %q", res.ContentionDriver)
	}
}

func TestOptimizeReordersDriverMajorAndAppliesChains(t *testing.T) {
	newTask := func(id, region string) model.Task {
		t := model.Task{ID: id, Instance: "tm1", Process: "run"}
		t.Parameters = model.NewOrderedParams()
		t.Parameters.Set("region", region)
		return t
	}
	tasks := []model.Task{
		newTask("us_1", "us"),
		newTask("eu_1", "eu"),
		newTask("us_2", "us"),
		newTask("eu_2", "eu"),
	}

	result := &Result{
		ContentionDriver:   "region",
		HeavyGroups:        []Group{{DriverValue: "us"}},
		LightGroups:        []Group{{DriverValue: "eu"}},
		RecommendedWorkers: 3,
		Sensitivity:        10,
		PredecessorMap:     map[string][]string{"eu_1": {"us_1"}},
	}

	out, meta, settings := Optimize(tasks, model.Metadata{Workflow: "wf"}, model.DefaultSettings(), result)

	if len(out) != len(tasks) {
		t.Fatalf("expected %d tasks, got %d", len(tasks), len(out))
	}
	for i, id := range []string{"us_1", "us_2", "eu_1", "eu_2"} {
		if out[i].ID != id {
			t.Fatalf("expected driver-major order %v, got %v", []string{"us_1", "us_2", "eu_1", "eu_2"}, taskIDs(out))
		}
	}

	byID := map[string]model.Task{}
	for _, t := range out {
		byID[t.ID] = t
	}
	if got := byID["eu_1"].Predecessors; len(got) != 1 || got[0] != "us_1" {
		t.Fatalf("expected eu_1's predecessors to be [us_1], got %v", got)
	}

	if settings.MaxWorkers != 3 {
		t.Fatalf("expected recommended max_workers 3, got %d", settings.MaxWorkers)
	}
	if meta.Description == "" {
		t.Fatalf("expected a description summarizing the optimization")
	}
}

func taskIDs(tasks []model.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestSweetSpotPicksFewestWorkersWithinTenPercent(t *testing.T) {
	store, err := stats.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	configs := []struct {
		workers  int
		duration time.Duration
	}{
		{workers: 2, duration: 110 * time.Second},
		{workers: 4, duration: 100 * time.Second},
		{workers: 8, duration: 95 * time.Second},
	}
	for i, c := range configs {
		start := base.Add(time.Duration(i) * time.Hour)
		runID := model.GenerateRunID(start)
		if err := store.AppendRun(model.Run{
			RunID: runID, Workflow: "wf", StartedAt: start, FinishedAt: start.Add(c.duration),
			MaxWorkers: c.workers, Total: 1, Succeeded: 1,
		}, "wf.taskfile"); err != nil {
			t.Fatalf("AppendRun: %v", err)
		}
	}

	got, err := SweetSpot(store, "wf", 10)
	if err != nil {
		t.Fatalf("SweetSpot: %v", err)
	}
	// 95s is fastest; 100s is within 10% (104.5s threshold); 110s is not.
	if got != 4 {
		t.Fatalf("expected sweet spot 4, got %d", got)
	}
}
