package parser

import (
	"fmt"

	"github.com/cubewise-code/rushti/internal/errs"
	"github.com/cubewise-code/rushti/internal/model"
)

// buildFromLineItems assigns ids (implicit for wait-barrier form, explicit
// for dependency form), applies wait-barrier translation (spec §4.1), and
// returns the resulting list of tasks in declaration order. Expansion and
// DAG linking happen later in Parse.
func buildFromLineItems(items []lineItem, depForm bool) ([]model.Task, error) {
	var tasks []model.Task
	var currentGroup []string
	var prevBarrierGroup []string
	implicitCounter := 0
	seenIDs := map[string]bool{}

	for _, item := range items {
		if item.wait != nil {
			prevBarrierGroup = currentGroup
			currentGroup = nil
			continue
		}

		lt := item.task
		t := lt.task

		if depForm {
			if !lt.hasExplicitID || lt.explicitID == "" {
				return nil, errs.New(errs.KindParseError, "dependency form requires an 'id' for every task")
			}
			t.ID = lt.explicitID
		} else {
			implicitCounter++
			t.ID = fmt.Sprintf("task_%d", implicitCounter)
		}

		if seenIDs[t.ID] {
			return nil, errs.New(errs.KindDuplicateIdError, fmt.Sprintf("duplicate task id %q", t.ID))
		}
		seenIDs[t.ID] = true

		// Implicit predecessors from the wait barrier are appended after any
		// explicit predecessors (dependency form may specify both).
		if len(prevBarrierGroup) > 0 {
			existing := map[string]bool{}
			for _, p := range t.Predecessors {
				existing[p] = true
			}
			for _, p := range prevBarrierGroup {
				if !existing[p] {
					t.Predecessors = append(t.Predecessors, p)
				}
			}
		}

		tasks = append(tasks, t)
		currentGroup = append(currentGroup, t.ID)
	}

	return tasks, nil
}
