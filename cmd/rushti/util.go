package main

import (
	"path/filepath"
	"strings"

	"github.com/cubewise-code/rushti/internal/errs"
)

// errExitNonZero is returned by run/resume when the Scheduler reached a
// terminal state but not every task succeeded; its RemoteFailure kind maps
// to exit code 1 through errs.ExitCode.
var errExitNonZero = errs.New(errs.KindRemoteFailure, "run completed with one or more task failures")

// workflowNameFromPath derives a default workflow name from a task file
// path when --workflow isn't given.
func workflowNameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
