// Package resultsink implements the ResultSink of spec §6: it aggregates
// every task's terminal outcome into one RunResult and exports it to the
// path named by the CLI's --result flag.
package resultsink

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/cubewise-code/rushti/internal/errs"
	"github.com/cubewise-code/rushti/internal/model"
)

// Sink accumulates per-task outcomes into a RunResult. Safe for concurrent
// Record calls; Record is called from the run's scheduler.CompletionSink.
type Sink struct {
	mu     sync.Mutex
	result model.RunResult
}

// New constructs a Sink for one run.
func New(runID, workflow string) *Sink {
	return &Sink{result: model.RunResult{RunID: runID, Workflow: workflow}}
}

// Record appends one task's outcome to the running tally.
func (s *Sink) Record(t model.Task, outcome model.TaskOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.result.Tasks = append(s.result.Tasks, model.TaskResultRecord{
		TaskID: t.ID, Signature: t.Signature(), Instance: t.Instance, Process: t.Process,
		Status: outcome.Status, Start: outcome.Start, Finish: outcome.Finish,
		Attempts: outcome.Attempts, ErrorKind: outcome.ErrorKind, ErrorMessage: outcome.ErrorMessage,
	})
	s.result.Total++
	switch outcome.Status {
	case model.Succeeded:
		s.result.Succeeded++
	case model.Failed:
		s.result.Failed++
	case model.Skipped:
		s.result.Skipped++
	case model.Cancelled:
		s.result.Cancelled++
	}
}

// Finalize stamps the elapsed wall-clock and overall-success verdict, and
// returns the completed RunResult.
func (s *Sink) Finalize(elapsed time.Duration) model.RunResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result.Elapsed = elapsed
	s.result.OverallSuccess = s.result.Failed == 0 && s.result.Cancelled == 0
	return s.result
}

// WriteJSON exports a RunResult to path, per spec §6's --result flag.
func WriteJSON(path string, result model.RunResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindConfigError, "marshaling run result", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errs.Wrap(errs.KindConfigError, "writing run result file", err)
	}
	return nil
}
