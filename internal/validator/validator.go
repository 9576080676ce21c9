// Package validator enforces the structural invariants of spec §3 and,
// optionally, probes the remote server for process/instance existence
// (spec §4.2). Cycle detection reuses the DAG's Kahn pass
// (github.com/cubewise-code/rushti/internal/model.DAG.TopoOrder), grounded
// on the in-degree-queue shape of Wankhede-Brothers-kavach-go's
// shared/pkg/dag/topo.go.
package validator

import (
	"context"
	"fmt"

	"github.com/cubewise-code/rushti/internal/errs"
	"github.com/cubewise-code/rushti/internal/model"
	"github.com/cubewise-code/rushti/internal/remote"
)

// Report collects non-fatal findings. Structural violations are returned as
// errors (they are fatal per spec §7); Report only carries warnings and the
// deterministic order once validation succeeds.
type Report struct {
	Order    []string
	Warnings []string
}

// ValidateStructural enforces every invariant of spec §3: unique non-empty
// ids, existing predecessors, no self-loops, and acyclicity. The DAG's own
// AddTask/Link already reject duplicate/missing/self predecessors at build
// time, so this pass focuses on cycle detection and parameter-key sanity.
func ValidateStructural(dag *model.DAG) (*Report, error) {
	for id, v := range dag.Vertices {
		if id == "" {
			return nil, errs.New(errs.KindParseError, "task id must not be empty")
		}
		for _, k := range v.Task.Parameters.Keys() {
			if k == "" {
				return nil, errs.New(errs.KindParseError, fmt.Sprintf("task %q has an empty parameter key", id))
			}
		}
	}

	order, err := dag.TopoOrder()
	if err != nil {
		return nil, err
	}
	return &Report{Order: order}, nil
}

// ValidateRemote probes the remote server for each distinct (instance,
// process) pair appearing in the DAG, batching one probe per pair (spec
// §4.2). It reports missing processes and unreachable instances as
// warnings; it never fails the validation on its own - callers decide
// whether to treat warnings as fatal.
func ValidateRemote(ctx context.Context, dag *model.DAG, client remote.Client) []string {
	type pair struct{ instance, process string }
	seen := map[pair]bool{}
	var warnings []string

	for _, v := range dag.Vertices {
		p := pair{v.Task.Instance, v.Task.Process}
		if seen[p] {
			continue
		}
		seen[p] = true

		result, err := client.ProbeProcess(ctx, p.instance, p.process)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("instance %q unreachable while probing process %q: %v", p.instance, p.process, err))
			continue
		}
		switch result {
		case remote.ProbeNotFound:
			warnings = append(warnings, fmt.Sprintf("process %q not found on instance %q", p.process, p.instance))
		case remote.ProbeInstanceUnreachable:
			warnings = append(warnings, fmt.Sprintf("instance %q unreachable", p.instance))
		}
	}
	return warnings
}
