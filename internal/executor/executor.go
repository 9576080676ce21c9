// Package executor implements the Executor of spec §4.3: it drives one
// Task through a remote invocation to a TaskOutcome, applying retry/backoff
// on transient failures, timeout/cancel-vs-detach semantics, and a
// per-instance connection pool.
//
// The retry-poll-timeout loop shape is grounded on
// sched/scheduler/task_runner.go's runAndWait/queryWithTimeout; the
// exponential backoff itself is delegated to cenkalti/backoff/v4 rather than
// task_runner.go's hand-rolled sleep loop, since that library is already a
// teacher dependency earmarked for exactly this concern.
package executor

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/cubewise-code/rushti/internal/errs"
	"github.com/cubewise-code/rushti/internal/model"
	"github.com/cubewise-code/rushti/internal/remote"
	"github.com/cubewise-code/rushti/internal/stats"
)

// PollInterval is how long the Executor waits between invocation-status
// polls. It is a package variable, not a constant, so tests can shrink it.
var PollInterval = 500 * time.Millisecond

// Executor drives tasks to completion against a remote.Client.
type Executor struct {
	client  remote.Client
	log     *logrus.Logger
	retries int
	recv    stats.Receiver

	poolsMu    sync.Mutex
	pools      map[string]*semaphore.Weighted
	maxWorkers int64
}

// New constructs an Executor. maxWorkers bounds per-instance concurrent
// invocations (spec §4.3's connection pool); retries bounds transient-failure
// resubmission attempts. recv may be nil, in which case metrics are
// discarded (stats.Nil()).
func New(client remote.Client, maxWorkers int, retries int, log *logrus.Logger, recv stats.Receiver) *Executor {
	if log == nil {
		log = logrus.New()
	}
	if recv == nil {
		recv = stats.Nil()
	}
	return &Executor{
		client:     client,
		log:        log,
		retries:    retries,
		recv:       recv.Scope("executor"),
		pools:      map[string]*semaphore.Weighted{},
		maxWorkers: int64(maxWorkers),
	}
}

func (e *Executor) poolFor(instance string) *semaphore.Weighted {
	e.poolsMu.Lock()
	defer e.poolsMu.Unlock()
	p, ok := e.pools[instance]
	if !ok {
		p = semaphore.NewWeighted(e.maxWorkers)
		e.pools[instance] = p
	}
	return p
}

// Execute runs one task to completion. sessionTag, when non-empty, is
// forwarded to the remote server so ExclusiveLock (spec §4.6) can recognize
// this run's invocations in the session registry.
func (e *Executor) Execute(ctx context.Context, t model.Task, sessionTag string) model.TaskOutcome {
	sw := e.recv.Latency("invocation").Time()
	outcome := e.execute(ctx, t, sessionTag)
	sw.Stop()
	e.recv.Counter("outcome", strings.ToLower(outcome.Status.String())).Inc(1)
	return outcome
}

func (e *Executor) execute(ctx context.Context, t model.Task, sessionTag string) model.TaskOutcome {
	start := time.Now()
	pool := e.poolFor(t.Instance)
	if err := pool.Acquire(ctx, 1); err != nil {
		return model.TaskOutcome{Status: model.Failed, Start: start, Finish: time.Now(), ErrorKind: string(errs.KindRemoteFailure), ErrorMessage: err.Error()}
	}
	defer pool.Release(1)

	var runCtx context.Context
	var cancel context.CancelFunc
	if t.HasTimeout {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(t.TimeoutSec*float64(time.Second)))
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	attempts := 0
	handle, err := e.submit(runCtx, t, sessionTag, &attempts)
	if err != nil {
		return e.finalize(t, start, model.Failed, attempts, err)
	}

	result, pollErr := e.pollUntilDone(runCtx, t, handle, &attempts)
	if pollErr != nil {
		switch {
		case ctx.Err() != nil:
			// The caller (Scheduler.Abort) cancelled us - force-cancel the
			// invocation regardless of this task's own cancel_at_timeout.
			if cErr := e.client.CancelInvocation(context.Background(), handle); cErr != nil {
				e.log.WithError(cErr).WithField("task", t.ID).Warn("failed to cancel invocation on abort")
			}
			return model.TaskOutcome{Status: model.Cancelled, Start: start, Finish: time.Now(), Attempts: attempts, ErrorKind: string(errs.KindTimeout), ErrorMessage: "run aborted"}
		case runCtx.Err() != nil:
			// Only this task's own deadline fired - apply its own
			// cancel_at_timeout-vs-detach preference.
			return e.handleTimeout(context.Background(), t, handle, start, attempts)
		default:
			return e.finalize(t, start, model.Failed, attempts, pollErr)
		}
	}

	switch result.State {
	case remote.StateSucceeded:
		return model.TaskOutcome{Status: model.Succeeded, Start: start, Finish: time.Now(), Attempts: attempts}
	case remote.StateMinorErrors:
		if t.SucceedOnMinorErrors {
			return model.TaskOutcome{Status: model.Succeeded, Start: start, Finish: time.Now(), Attempts: attempts}
		}
		return model.TaskOutcome{
			Status: model.Failed, Start: start, Finish: time.Now(), Attempts: attempts,
			ErrorKind: string(errs.KindMinorErrorReported), ErrorMessage: result.Message,
		}
	default: // remote.StateFailed
		return model.TaskOutcome{
			Status: model.Failed, Start: start, Finish: time.Now(), Attempts: attempts,
			ErrorKind: string(errs.KindRemoteFailure), ErrorMessage: result.Message,
		}
	}
}

// submit issues ExecuteProcess, retrying transient failures with
// exponential backoff starting at 1s, doubling, capped at 16s.
func (e *Executor) submit(ctx context.Context, t model.Task, sessionTag string, attempts *int) (remote.InvocationHandle, error) {
	var handle remote.InvocationHandle
	b := backoffPolicy(ctx)

	op := func() error {
		*attempts++
		h, err := e.client.ExecuteProcess(ctx, t.Instance, t.Process, t.Parameters.SortedMap(), sessionTag)
		if err == nil {
			handle = h
			return nil
		}
		if isTransient(err) && *attempts <= e.retries {
			e.log.WithError(err).WithField("task", t.ID).Warn("transient failure submitting task, retrying")
			return err // retryable
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(op, b)
	return handle, err
}

// pollUntilDone polls the invocation until it reaches a terminal state or
// ctx's deadline fires, retrying transient poll errors the same way submit
// retries transient submission errors.
func (e *Executor) pollUntilDone(ctx context.Context, t model.Task, h remote.InvocationHandle, attempts *int) (remote.ExecutionResult, error) {
	for {
		select {
		case <-ctx.Done():
			return remote.ExecutionResult{}, ctx.Err()
		default:
		}

		result, err := e.client.PollInvocation(ctx, h, PollInterval)
		if err != nil {
			if isTransient(err) && *attempts <= e.retries {
				*attempts++
				e.log.WithError(err).WithField("task", t.ID).Warn("transient failure polling task, retrying")
				sleepOrDone(ctx, backoffDelay(*attempts))
				continue
			}
			return remote.ExecutionResult{}, err
		}
		if result.State == remote.StateRunning {
			sleepOrDone(ctx, PollInterval)
			continue
		}
		return result, nil
	}
}

// handleTimeout implements spec §4.3's timeout semantics: detach (leave the
// remote invocation running, report FAILED/Timeout) unless the task asked
// to be cancelled at timeout.
func (e *Executor) handleTimeout(ctx context.Context, t model.Task, h remote.InvocationHandle, start time.Time, attempts int) model.TaskOutcome {
	if t.CancelAtTimeout {
		if err := e.client.CancelInvocation(ctx, h); err != nil {
			e.log.WithError(err).WithField("task", t.ID).Warn("failed to cancel invocation at timeout")
		}
		return model.TaskOutcome{Status: model.Cancelled, Start: start, Finish: time.Now(), Attempts: attempts, ErrorKind: string(errs.KindTimeout)}
	}
	return model.TaskOutcome{Status: model.Failed, Start: start, Finish: time.Now(), Attempts: attempts, ErrorKind: string(errs.KindTimeout), ErrorMessage: "deadline exceeded, detached from invocation"}
}

func (e *Executor) finalize(t model.Task, start time.Time, status model.TaskStatus, attempts int, err error) model.TaskOutcome {
	return model.TaskOutcome{Status: status, Start: start, Finish: time.Now(), Attempts: attempts, ErrorKind: string(errs.KindRemoteFailure), ErrorMessage: err.Error()}
}

func isTransient(err error) bool {
	if re, ok := err.(*remote.Error); ok {
		return re.Class == remote.ClassTransient
	}
	return false
}

func backoffPolicy(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 1 * time.Second
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxInterval = 16 * time.Second
	eb.MaxElapsedTime = 0 // bounded by attempt count, not elapsed time
	return backoff.WithContext(eb, ctx)
}

func backoffDelay(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > 16*time.Second {
			return 16 * time.Second
		}
	}
	return d
}

func sleepOrDone(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
