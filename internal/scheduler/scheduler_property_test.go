package scheduler

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/cubewise-code/rushti/internal/model"
)

// argsort returns the indices of keys in ascending order of value.
func argsort(keys []int) []int {
	idx := make([]int, len(keys))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return keys[idx[i]] < keys[idx[j]] })
	return idx
}

// buildIndependentDAG builds n tasks with no predecessors among them, added
// in the given permutation of ids 0..n-1. Declaration order is what the
// permutation controls; the Scheduler has no other source of tiebreak
// ordering for tasks with no cost estimate.
func buildIndependentDAG(perm []int) *model.DAG {
	dag := model.NewDAG()
	for _, i := range perm {
		tk := model.Task{ID: taskID(i), Instance: "tm1", Process: "run"}
		tk.Parameters = model.NewOrderedParams()
		dag.AddTask(tk)
	}
	dag.Link()
	return dag
}

func taskID(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz"
	return string(letters[i%len(letters)])
}

// Test_PermutationIndependence checks spec invariant P6: a workflow with no
// wait barriers and no predecessors reaches the same set of terminal
// statuses regardless of the declared order of its tasks, grounded on the
// saga package's use of prop.ForAll over generated state to check a
// structural invariant rather than one fixed example
// (saga/sagaState_prop_test.go's Test_ValidateUpdateSagaState).
func Test_PermutationIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	permGen := gen.SliceOfN(8, gen.IntRange(0, 1000)).SuchThat(func(v interface{}) bool {
		s := v.([]int)
		seen := make(map[int]bool, len(s))
		for _, x := range s {
			if seen[x] {
				return false
			}
			seen[x] = true
		}
		return true
	})

	properties.Property("independent tasks all succeed regardless of declaration order", prop.ForAll(
		func(keys []int) bool {
			// keys is a slice of distinct priority values; sorting task
			// indices by key yields a uniformly random permutation of
			// declaration order without a dedicated permutation generator.
			perm := argsort(keys)

			dag := buildIndependentDAG(perm)
			runner := &fakeRunner{outcome: map[string]model.TaskOutcome{}}
			sched := New(dag, Config{MaxWorkers: len(perm)}, nil, runner, nil, nil)
			if err := sched.Run(context.Background()); err != nil {
				return false
			}
			for _, v := range dag.Vertices {
				if v.Status != model.Succeeded {
					return false
				}
			}
			return true
		},
		permGen,
	))

	properties.TestingRun(t)
}

// Test_OrderingPolicyRespectsEstimates checks spec invariant P8: under
// longest_first, of any two tasks ready at the same time with known,
// distinct cost estimates, the one with the larger estimate starts no
// later than the other. shortest_first is checked symmetrically.
func Test_OrderingPolicyRespectsEstimates(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	costGen := gen.SliceOfN(4, gen.IntRange(1, 1000)).SuchThat(func(v interface{}) bool {
		s := v.([]int)
		seen := make(map[int]bool, len(s))
		for _, x := range s {
			if seen[x] {
				return false
			}
			seen[x] = true
		}
		return true
	})

	properties.Property("longest_first starts costlier ready tasks no later", prop.ForAll(
		func(costs []int) bool {
			return checkOrderingPolicy(costs, LongestFirst)
		},
		costGen,
	))

	properties.Property("shortest_first starts cheaper ready tasks no later", prop.ForAll(
		func(costs []int) bool {
			return checkOrderingPolicy(costs, ShortestFirst)
		},
		costGen,
	))

	properties.TestingRun(t)
}

// checkOrderingPolicy builds a single-worker DAG of independent tasks, all
// ready at time zero, each carrying a distinct synthetic cost in
// microseconds, then asserts the completion order observed by the sink is
// sorted consistently with policy. A single worker forces a strict start
// order, equal to the completion order, since MaxWorkers=1 means exactly
// one task launches at a time and sortReady fully determines which.
func checkOrderingPolicy(costs []int, policy OrderingPolicy) bool {
	dag := model.NewDAG()
	estimates := map[string]time.Duration{}
	for i, c := range costs {
		id := taskID(i)
		tk := model.Task{ID: id, Instance: "tm1", Process: "run"}
		tk.Parameters = model.NewOrderedParams()
		dag.AddTask(tk)
		estimates[id] = time.Duration(c) * time.Microsecond
	}
	if err := dag.Link(); err != nil {
		return false
	}

	cost := func(tk model.Task) (time.Duration, bool) {
		d, ok := estimates[tk.ID]
		return d, ok
	}

	var startOrder []string
	runner := &fakeRunner{outcome: map[string]model.TaskOutcome{}, delay: time.Millisecond}
	sink := func(tk model.Task, outcome model.TaskOutcome) {
		startOrder = append(startOrder, tk.ID)
	}
	sched := New(dag, Config{MaxWorkers: 1, Policy: policy}, cost, runner, sink, nil)
	if err := sched.Run(context.Background()); err != nil {
		return false
	}

	for i := 0; i < len(startOrder); i++ {
		for j := i + 1; j < len(startOrder); j++ {
			ei, ej := estimates[startOrder[i]], estimates[startOrder[j]]
			if policy == LongestFirst && ei < ej {
				return false
			}
			if policy == ShortestFirst && ei > ej {
				return false
			}
		}
	}
	return true
}
