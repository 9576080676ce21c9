// Package parser ingests the three workflow file forms of spec §4.1,
// performs parametric expansion and wait-barrier translation, and builds
// the DAG handed to the Validator and Scheduler.
package parser

import (
	"context"
	"os"

	"github.com/cubewise-code/rushti/internal/model"
	"github.com/cubewise-code/rushti/internal/remote"
)

// ParseResult bundles everything Parse produces from one task file.
type ParseResult struct {
	DAG      *model.DAG
	Metadata model.Metadata
	Settings model.Settings
	Warnings []string
	Dropped  []string // template ids dropped by zero-member expansion
}

// Parse reads path, auto-detects its form, expands any parametric
// templates via client, applies wait-barrier translation, and links the
// resulting tasks into a DAG. It does not run cycle detection or the
// optional remote-existence probe - see internal/validator.
func Parse(ctx context.Context, path string, client remote.Client) (*ParseResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseBytes(ctx, data, client)
}

// ParseBytes is Parse without the filesystem dependency, used by tests and
// by the `expand` CLI command when re-parsing an in-memory document.
func ParseBytes(ctx context.Context, data []byte, client remote.Client) (*ParseResult, error) {
	mode := detectMode(data)

	var tasks []model.Task
	var meta model.Metadata
	settings := model.DefaultSettings()
	var warnings []string

	switch mode {
	case modeStructured:
		t, m, s, w, err := ParseStructured(data)
		if err != nil {
			return nil, err
		}
		tasks, meta, settings, warnings = t, m, s, w
	case modeDependency, modeWaitBarrier:
		items, err := parseLines(data, mode == modeDependency)
		if err != nil {
			return nil, err
		}
		t, err := buildFromLineItems(items, mode == modeDependency)
		if err != nil {
			return nil, err
		}
		tasks = t
	}

	expanded, dropped, err := Expand(ctx, tasks, client)
	if err != nil {
		return nil, err
	}

	dag := model.NewDAG()
	for _, t := range expanded {
		if err := dag.AddTask(t); err != nil {
			return nil, err
		}
	}
	if err := dag.Link(); err != nil {
		return nil, err
	}

	return &ParseResult{DAG: dag, Metadata: meta, Settings: settings, Warnings: warnings, Dropped: dropped}, nil
}
