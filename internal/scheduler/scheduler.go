// Package scheduler implements the Scheduler of spec §4.4: it drives a
// model.DAG to a terminal state with at most MaxWorkers tasks running at
// once, honoring the ordering policy, stage gating, and predecessor-success
// skip propagation.
//
// The single-mutex state machine plus worker-callback-into-the-loop
// discipline is grounded on sched/scheduler/stateful_scheduler.go's step()
// (addJobs/checkForCompletedJobs/scheduleTasks); stage gating and skip
// propagation have no teacher analog and are built directly from spec.md
// §4.4.
package scheduler

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cubewise-code/rushti/internal/model"
	"github.com/cubewise-code/rushti/internal/stats"
)

// OrderingPolicy selects how the ready queue is sorted (spec §4.4).
type OrderingPolicy string

const (
	LongestFirst  OrderingPolicy = "longest_first"
	ShortestFirst OrderingPolicy = "shortest_first"
	FIFO          OrderingPolicy = ""
)

// CostFunc estimates a task's duration; ok is false when no estimate exists.
type CostFunc func(model.Task) (time.Duration, bool)

// TaskRunner is the Scheduler's view of the Executor.
type TaskRunner interface {
	Execute(ctx context.Context, t model.Task, sessionTag string) model.TaskOutcome
}

// CompletionSink receives every terminal task outcome as it happens,
// including ones produced by skip propagation rather than execution. It is
// the Scheduler's hook into the StatsStore/ResultSink/Checkpointer.
type CompletionSink func(t model.Task, outcome model.TaskOutcome)

// Config carries the Scheduler's run-level tunables.
type Config struct {
	MaxWorkers   int
	Policy       OrderingPolicy
	StageOrder   []string
	StageWorkers map[string]int
	SessionTag   string
}

// Scheduler drives one DAG through to completion. Not safe for concurrent
// Run calls; construct a fresh Scheduler per run.
type Scheduler struct {
	dag        *model.DAG
	cfg        Config
	cost       CostFunc
	runner     TaskRunner
	onComplete CompletionSink
	recv       stats.Receiver

	orderIndex map[string]int
	stageIndex map[string]int
	isRoot     map[string]bool

	mu             sync.Mutex
	ready          []string
	blocked        []string
	running        map[string]bool
	runningByStage map[string]int
	rootRemaining  map[string]int
	stopping       bool
	aborting       bool
	ctx            context.Context
	cancel         context.CancelFunc
	completions    chan completion
}

type completion struct {
	id      string
	outcome model.TaskOutcome
}

// New constructs a Scheduler over dag. cost may be nil, in which case every
// task is treated as unknown-cost (pure FIFO/declared-order tiebreak). recv
// may be nil, in which case metrics are discarded (stats.Nil()).
func New(dag *model.DAG, cfg Config, cost CostFunc, runner TaskRunner, onComplete CompletionSink, recv stats.Receiver) *Scheduler {
	if cost == nil {
		cost = func(model.Task) (time.Duration, bool) { return 0, false }
	}
	if recv == nil {
		recv = stats.Nil()
	}
	s := &Scheduler{
		dag:            dag,
		cfg:            cfg,
		cost:           cost,
		runner:         runner,
		onComplete:     onComplete,
		recv:           recv.Scope("scheduler"),
		orderIndex:     map[string]int{},
		stageIndex:     map[string]int{},
		isRoot:         map[string]bool{},
		running:        map[string]bool{},
		runningByStage: map[string]int{},
		rootRemaining:  map[string]int{},
		completions:    make(chan completion),
	}
	for i, id := range dag.Order {
		s.orderIndex[id] = i
	}
	for i, stage := range cfg.StageOrder {
		s.stageIndex[stage] = i
	}
	for id, v := range dag.Vertices {
		if v.PendingCount == 0 && !v.Status.Terminal() {
			s.isRoot[id] = true
			s.rootRemaining[v.Task.Stage]++
		}
	}
	return s
}

// Run drives the DAG to completion, returning ctx.Err() if the run was
// stopped or aborted via external cancellation, nil on a clean terminal
// state.
func (s *Scheduler) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.ctx = runCtx
	s.cancel = cancel
	defer cancel()

	go func() {
		<-ctx.Done()
		s.Abort()
	}()

	s.mu.Lock()
	for _, id := range s.dag.Roots() {
		s.maybeReady(id)
	}
	s.admit()
	for {
		if s.isDoneLocked() {
			s.mu.Unlock()
			return ctx.Err()
		}
		s.mu.Unlock()
		c := <-s.completions
		s.mu.Lock()
		s.handleCompletion(c)
		s.admit()
	}
}

// Stop requests a graceful halt: no new tasks start, in-flight tasks run to
// completion (spec §4.4's stop semantics).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
}

// Abort requests an immediate halt: in addition to Stop's effect, the run
// context is cancelled so every in-flight Executor forces cancel_at_timeout
// semantics rather than detaching.
func (s *Scheduler) Abort() {
	s.mu.Lock()
	s.stopping = true
	s.aborting = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// VertexSnapshot is one vertex's status fields, copied out under the
// Scheduler's mutex for the Checkpointer (spec §4.5: "holding the scheduler
// mutex for the minimum time required to copy status fields").
type VertexSnapshot struct {
	ID           string
	Status       model.TaskStatus
	Start        time.Time
	Finish       time.Time
	Attempts     int
	ErrorKind    string
	ErrorMessage string
}

// Snapshot copies every vertex's current status fields under s.mu.
func (s *Scheduler) Snapshot() []VertexSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]VertexSnapshot, 0, len(s.dag.Vertices))
	for id, v := range s.dag.Vertices {
		out = append(out, VertexSnapshot{
			ID: id, Status: v.Status, Start: v.Start, Finish: v.Finish,
			Attempts: v.Attempts, ErrorKind: v.ErrorKind, ErrorMessage: v.ErrorMessage,
		})
	}
	return out
}

// isDoneLocked reports whether the run has reached a terminal state: no
// in-flight tasks, and either the ready queue is drained or stopping was
// requested (spec §4.4: stop lets in-flight tasks finish but never admits
// more, so a non-empty ready queue must not block termination once stopped).
func (s *Scheduler) isDoneLocked() bool {
	return len(s.running) == 0 && (len(s.ready) == 0 || s.stopping)
}

// maybeReady evaluates the stage gate for a newly-pending_count-zero task:
// if its stage is eligible it enters the ready queue, otherwise it waits in
// blocked until an earlier stage's roots finish (spec §4.4 bootstrap rule).
func (s *Scheduler) maybeReady(id string) {
	v := s.dag.Vertices[id]
	if v.Status.Terminal() {
		return
	}
	if s.stageEligible(v.Task.Stage) {
		s.pushReady(id)
	} else {
		s.blocked = append(s.blocked, id)
	}
}

func (s *Scheduler) pushReady(id string) {
	s.dag.Vertices[id].Status = model.Ready
	s.ready = append(s.ready, id)
	s.sortReady()
}

// recheckBlocked re-evaluates the stage gate for every blocked task,
// promoting newly-eligible ones to ready (spec §4.4 step 3, "re-evaluate
// stage gate for newly unblocked stages").
func (s *Scheduler) recheckBlocked() {
	if len(s.blocked) == 0 {
		return
	}
	var stillBlocked []string
	for _, id := range s.blocked {
		if s.stageEligible(s.dag.Vertices[id].Task.Stage) {
			s.pushReady(id)
		} else {
			stillBlocked = append(stillBlocked, id)
		}
	}
	s.blocked = stillBlocked
}

func (s *Scheduler) stageEligible(stage string) bool {
	if len(s.cfg.StageOrder) == 0 {
		return true
	}
	idx, ok := s.stageIndex[stage]
	if !ok {
		return true
	}
	for i := 0; i < idx; i++ {
		if s.rootRemaining[s.cfg.StageOrder[i]] > 0 {
			return false
		}
	}
	return true
}

func (s *Scheduler) stageCapOK(stage string) bool {
	limit, ok := s.cfg.StageWorkers[stage]
	if !ok {
		return true
	}
	return s.runningByStage[stage] < limit
}

// sortReady re-evaluates the priority queue ordering per spec §4.4: known
// costs sort by policy, unknown-cost tasks sort after all known ones,
// ties (including FIFO/no-policy) break by parser declaration order.
func (s *Scheduler) sortReady() {
	sort.SliceStable(s.ready, func(i, j int) bool {
		a, b := s.ready[i], s.ready[j]
		if s.cfg.Policy == LongestFirst || s.cfg.Policy == ShortestFirst {
			ca, oka := s.cost(s.dag.Vertices[a].Task)
			cb, okb := s.cost(s.dag.Vertices[b].Task)
			if oka != okb {
				return oka
			}
			if oka && okb && ca != cb {
				if s.cfg.Policy == LongestFirst {
					return ca > cb
				}
				return ca < cb
			}
		}
		return s.orderIndex[a] < s.orderIndex[b]
	})
}

// admit pulls as many ready tasks into flight as MaxWorkers and stage caps
// allow, skipping over ready tasks whose stage cap is currently saturated
// (spec §4.4 main loop step 1).
func (s *Scheduler) admit() {
	for len(s.running) < s.cfg.MaxWorkers && !s.stopping {
		idx := -1
		for i, id := range s.ready {
			if s.stageCapOK(s.dag.Vertices[id].Task.Stage) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		id := s.ready[idx]
		s.ready = append(s.ready[:idx], s.ready[idx+1:]...)
		s.launch(id)
	}
}

func (s *Scheduler) launch(id string) {
	v := s.dag.Vertices[id]
	v.Status = model.Running
	v.Start = time.Now()
	s.running[id] = true
	s.runningByStage[v.Task.Stage]++
	s.recv.Counter("launched").Inc(1)
	s.recv.Gauge("running").Update(int64(len(s.running)))

	task := v.Task
	ctx := s.ctx
	go func() {
		outcome := s.runner.Execute(ctx, task, s.cfg.SessionTag)
		s.completions <- completion{id: id, outcome: outcome}
	}()
}

// handleCompletion applies one worker callback: final status, successor
// pending_count decrements, skip propagation, and newly-unblocked pushes
// (spec §4.4 main loop step 2).
func (s *Scheduler) handleCompletion(c completion) {
	v := s.dag.Vertices[c.id]
	delete(s.running, c.id)
	s.runningByStage[v.Task.Stage]--
	s.recv.Gauge("running").Update(int64(len(s.running)))
	s.recv.Counter("completed", strings.ToLower(c.outcome.Status.String())).Inc(1)

	v.Status = c.outcome.Status
	v.Start = c.outcome.Start
	v.Finish = c.outcome.Finish
	v.Attempts = c.outcome.Attempts
	v.ErrorKind = c.outcome.ErrorKind
	v.ErrorMessage = c.outcome.ErrorMessage

	s.finalizeRoot(c.id, v.Task.Stage)
	if s.onComplete != nil {
		s.onComplete(v.Task, c.outcome)
	}

	failureLike := v.Status == model.Failed || v.Status == model.Cancelled || v.Status == model.Skipped
	for _, succID := range v.Successors {
		sv := s.dag.Vertices[succID]
		if sv.Status.Terminal() {
			continue
		}
		sv.PendingCount--
		if failureLike && sv.Task.RequirePredecessorSuccess {
			s.cascadeSkip(succID)
			continue
		}
		if sv.PendingCount <= 0 && sv.Status == model.Pending {
			s.maybeReady(succID)
		}
	}
	s.recheckBlocked()
}

// cascadeSkip force-finalizes id as SKIPPED and unconditionally propagates
// to every transitive successor, per spec §4.4: "mark s and its transitive
// successors SKIPPED". Skipped tasks count as finalized predecessors, so
// pending_count is decremented along the way to preserve the invariant
// even though the edge never saw a real completion.
func (s *Scheduler) cascadeSkip(id string) {
	v := s.dag.Vertices[id]
	if v.Status.Terminal() {
		return
	}
	now := time.Now()
	v.Status = model.Skipped
	v.Start = now
	v.Finish = now
	s.finalizeRoot(id, v.Task.Stage)
	s.recv.Counter("completed", "skipped").Inc(1)

	if s.onComplete != nil {
		s.onComplete(v.Task, model.TaskOutcome{Status: model.Skipped, Start: now, Finish: now})
	}

	for _, succID := range v.Successors {
		sv := s.dag.Vertices[succID]
		if sv.Status.Terminal() {
			continue
		}
		sv.PendingCount--
		s.cascadeSkip(succID)
	}
}

func (s *Scheduler) finalizeRoot(id, stage string) {
	if s.isRoot[id] {
		s.rootRemaining[stage]--
	}
}
