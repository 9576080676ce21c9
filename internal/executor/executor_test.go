package executor

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cubewise-code/rushti/internal/model"
	"github.com/cubewise-code/rushti/internal/remote"
	"github.com/cubewise-code/rushti/internal/remote/remotefake"
)

func testTask(id string) model.Task {
	t := model.Task{ID: id, Instance: "tm1", Process: "run"}
	t.Parameters = model.NewOrderedParams()
	return t
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(nil)
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestExecuteSucceeds(t *testing.T) {
	PollInterval = time.Millisecond
	client := remotefake.New()
	client.SetBehavior("run", remotefake.Behavior{Outcome: remote.StateSucceeded})

	ex := New(client, 4, 2, discardLogger(), nil)
	outcome := ex.Execute(context.Background(), testTask("a"), "RUSHTI_wf")

	if outcome.Status != model.Succeeded {
		t.Fatalf("expected Succeeded, got %v (%s)", outcome.Status, outcome.ErrorMessage)
	}
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	PollInterval = time.Millisecond
	client := remotefake.New()
	client.SetBehavior("run", remotefake.Behavior{Outcome: remote.StateSucceeded, TransientFailures: 2})

	ex := New(client, 4, 3, discardLogger(), nil)
	outcome := ex.Execute(context.Background(), testTask("a"), "RUSHTI_wf")

	if outcome.Status != model.Succeeded {
		t.Fatalf("expected Succeeded after retries, got %v (%s)", outcome.Status, outcome.ErrorMessage)
	}
	if outcome.Attempts < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", outcome.Attempts)
	}
}

func TestExecuteMinorErrorsFailsByDefault(t *testing.T) {
	PollInterval = time.Millisecond
	client := remotefake.New()
	client.SetBehavior("run", remotefake.Behavior{Outcome: remote.StateMinorErrors})

	ex := New(client, 4, 1, discardLogger(), nil)
	task := testTask("a")
	outcome := ex.Execute(context.Background(), task, "RUSHTI_wf")

	if outcome.Status != model.Failed {
		t.Fatalf("expected Failed, got %v", outcome.Status)
	}
}

func TestExecuteMinorErrorsSucceedsWhenConfigured(t *testing.T) {
	PollInterval = time.Millisecond
	client := remotefake.New()
	client.SetBehavior("run", remotefake.Behavior{Outcome: remote.StateMinorErrors})

	ex := New(client, 4, 1, discardLogger(), nil)
	task := testTask("a")
	task.SucceedOnMinorErrors = true
	outcome := ex.Execute(context.Background(), task, "RUSHTI_wf")

	if outcome.Status != model.Succeeded {
		t.Fatalf("expected Succeeded, got %v", outcome.Status)
	}
}

func TestExecuteTimeoutDetaches(t *testing.T) {
	PollInterval = 5 * time.Millisecond
	client := remotefake.New()
	client.SetBehavior("run", remotefake.Behavior{NeverFinishes: true})

	ex := New(client, 4, 0, discardLogger(), nil)
	task := testTask("a")
	task.HasTimeout = true
	task.TimeoutSec = 0.02

	outcome := ex.Execute(context.Background(), task, "RUSHTI_wf")
	if outcome.Status != model.Failed || outcome.ErrorKind != "Timeout" {
		t.Fatalf("expected Failed/Timeout, got %v/%s", outcome.Status, outcome.ErrorKind)
	}
}

func TestExecuteTimeoutCancels(t *testing.T) {
	PollInterval = 5 * time.Millisecond
	client := remotefake.New()
	client.SetBehavior("run", remotefake.Behavior{NeverFinishes: true})

	ex := New(client, 4, 0, discardLogger(), nil)
	task := testTask("a")
	task.HasTimeout = true
	task.TimeoutSec = 0.02
	task.CancelAtTimeout = true

	outcome := ex.Execute(context.Background(), task, "RUSHTI_wf")
	if outcome.Status != model.Cancelled {
		t.Fatalf("expected Cancelled, got %v", outcome.Status)
	}
}
