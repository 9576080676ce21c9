package model

import (
	"fmt"
	"time"

	"github.com/cubewise-code/rushti/internal/errs"
)

// Vertex is one Task plus the bookkeeping the Scheduler mutates during a run.
type Vertex struct {
	Task         Task
	Status       TaskStatus
	PendingCount int
	Successors   []string
	Start        time.Time
	Finish       time.Time
	Attempts     int
	ErrorKind    string
	ErrorMessage string
}

// DAG is the directed acyclic graph of concrete tasks built by the parser.
// Ownership: for the duration of a run, the RunController is the sole owner;
// the Scheduler reads/writes Vertices under its own mutex (not this type's
// concern - DAG itself is a plain value once built).
type DAG struct {
	Order    []string // parser declaration order, used as tiebreaker
	Vertices map[string]*Vertex
}

// NewDAG constructs an empty DAG.
func NewDAG() *DAG {
	return &DAG{Vertices: map[string]*Vertex{}}
}

// AddTask inserts a concrete Task as a vertex. Returns DuplicateIdError if
// the id already exists.
func (d *DAG) AddTask(t Task) error {
	if t.ID == "" {
		return errs.New(errs.KindParseError, "task id must not be empty")
	}
	if _, exists := d.Vertices[t.ID]; exists {
		return errs.New(errs.KindDuplicateIdError, fmt.Sprintf("duplicate task id %q", t.ID))
	}
	d.Vertices[t.ID] = &Vertex{Task: t, Status: Pending}
	d.Order = append(d.Order, t.ID)
	return nil
}

// Link resolves predecessor/successor edges and computes initial
// PendingCount for every vertex. Must be called once after all tasks have
// been added and before the DAG is handed to the Validator/Scheduler.
func (d *DAG) Link() error {
	for id, v := range d.Vertices {
		seen := map[string]bool{}
		for _, p := range v.Task.Predecessors {
			if p == id {
				return errs.New(errs.KindMissingPredecessorError, fmt.Sprintf("task %q lists itself as a predecessor", id))
			}
			pv, ok := d.Vertices[p]
			if !ok {
				return errs.New(errs.KindMissingPredecessorError, fmt.Sprintf("task %q references missing predecessor %q", id, p))
			}
			if seen[p] {
				continue
			}
			seen[p] = true
			pv.Successors = append(pv.Successors, id)
		}
		v.PendingCount = len(seen)
	}
	return nil
}

// TopoOrder runs a Kahn topological pass over the DAG. It both detects
// cycles and yields the deterministic execution order used as a tiebreaker
// by the Scheduler when no estimator data exists (spec §4.2).
func (d *DAG) TopoOrder() ([]string, error) {
	indegree := make(map[string]int, len(d.Vertices))
	for id, v := range d.Vertices {
		indegree[id] = v.PendingCount
	}

	var queue []string
	for _, id := range d.Order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var order []string
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, succ := range d.Vertices[id].Successors {
			indegree[succ]--
			if indegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
	}

	if len(order) != len(d.Vertices) {
		return nil, errs.New(errs.KindCycleError, "task graph contains a cycle")
	}
	return order, nil
}

// Roots returns every task with no predecessors, in declaration order.
func (d *DAG) Roots() []string {
	var roots []string
	for _, id := range d.Order {
		if d.Vertices[id].PendingCount == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}
