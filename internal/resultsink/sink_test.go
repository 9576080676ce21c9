package resultsink

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cubewise-code/rushti/internal/model"
)

func TestRecordTalliesByStatus(t *testing.T) {
	s := New("r1", "wf")
	s.Record(model.Task{ID: "a", Instance: "tm1", Process: "run"}, model.TaskOutcome{Status: model.Succeeded})
	s.Record(model.Task{ID: "b", Instance: "tm1", Process: "run"}, model.TaskOutcome{Status: model.Failed, ErrorKind: "RemoteFailure"})
	s.Record(model.Task{ID: "c", Instance: "tm1", Process: "run"}, model.TaskOutcome{Status: model.Skipped})

	result := s.Finalize(2 * time.Second)
	if result.Total != 3 || result.Succeeded != 1 || result.Failed != 1 || result.Skipped != 1 {
		t.Fatalf("unexpected tallies: %+v", result)
	}
	if result.OverallSuccess {
		t.Fatalf("expected OverallSuccess=false when a task failed")
	}
	if len(result.Tasks) != 3 {
		t.Fatalf("expected 3 task records, got %d", len(result.Tasks))
	}
}

func TestFinalizeOverallSuccessWhenNoFailuresOrCancellations(t *testing.T) {
	s := New("r1", "wf")
	s.Record(model.Task{ID: "a"}, model.TaskOutcome{Status: model.Succeeded})
	s.Record(model.Task{ID: "b"}, model.TaskOutcome{Status: model.Skipped})

	result := s.Finalize(time.Second)
	if !result.OverallSuccess {
		t.Fatalf("expected OverallSuccess=true, got %+v", result)
	}
}

func TestCancelledFailsOverallSuccess(t *testing.T) {
	s := New("r1", "wf")
	s.Record(model.Task{ID: "a"}, model.TaskOutcome{Status: model.Cancelled})
	result := s.Finalize(time.Second)
	if result.OverallSuccess {
		t.Fatalf("expected OverallSuccess=false when a task was cancelled")
	}
}

func TestWriteJSONRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "result.json")

	s := New("r1", "wf")
	s.Record(model.Task{ID: "a"}, model.TaskOutcome{Status: model.Succeeded})
	result := s.Finalize(time.Second)

	if err := WriteJSON(path, result); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var decoded model.RunResult
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.RunID != "r1" || decoded.Total != 1 {
		t.Fatalf("unexpected decoded result: %+v", decoded)
	}
}
