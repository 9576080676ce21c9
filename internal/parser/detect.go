package parser

import (
	"bytes"
	"strings"
)

// fileMode is the auto-detected shape of a task file, per spec §4.1.
type fileMode int

const (
	modeStructured fileMode = iota
	modeDependency
	modeWaitBarrier
)

// detectMode implements spec §4.1's auto-detection: structured if the first
// non-blank byte (after any BOM) is '{', else dependency form if any line
// contains "id=",
// else wait-barrier form.
func detectMode(data []byte) fileMode {
	trimmed := bytes.TrimSpace(stripBOM(data))
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return modeStructured
	}

	for _, line := range strings.Split(string(trimmed), "\n") {
		l := strings.TrimSpace(line)
		if isCommentOrBlank(l) {
			continue
		}
		if containsIDAssignment(l) {
			return modeDependency
		}
	}
	return modeWaitBarrier
}

// containsIDAssignment reports whether the line has a bare "id=" key,
// distinct from any parameter that merely ends in "id" (e.g. "processid=").
func containsIDAssignment(line string) bool {
	tokens, err := tokenizeLine(line)
	if err != nil {
		return false
	}
	for _, t := range tokens {
		if strings.EqualFold(t.Key, "id") {
			return true
		}
	}
	return false
}
