// Package archive persists the fully-expanded, resolved workflow - after
// parametric expansion and wait-barrier translation, but before any task has
// run - so a later audit can see exactly what a run was going to execute,
// independent of whatever the source task file looked like or how it has
// since changed on disk.
//
// Grounded on taskfile_ops.py's archival helpers; the teacher has no direct
// analog (scoot's saga log records what ran, not what was planned), so the
// write-once-at-run-start shape follows the original 1:1.
package archive

import (
	"os"
	"path/filepath"

	"github.com/cubewise-code/rushti/internal/errs"
	"github.com/cubewise-code/rushti/internal/model"
	"github.com/cubewise-code/rushti/internal/parser"
)

// Write renders dag (in its post-expansion, resolved form) as a structured
// task file and saves it under root/workflow/runID.workflow. It returns the
// path written.
func Write(root, workflow, runID string, dag *model.DAG, meta model.Metadata, settings model.Settings) (string, error) {
	tasks := make([]model.Task, 0, len(dag.Order))
	for _, id := range dag.Order {
		tasks = append(tasks, dag.Vertices[id].Task)
	}
	data, err := parser.EmitStructured(tasks, meta, settings)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(root, workflow)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errs.Wrap(errs.KindConfigError, "creating archive directory", err)
	}
	path := filepath.Join(dir, runID+".workflow")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errs.Wrap(errs.KindConfigError, "writing workflow archive", err)
	}
	return path, nil
}
