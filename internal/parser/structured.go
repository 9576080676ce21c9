package parser

import (
	"encoding/json"
	"fmt"

	"github.com/cubewise-code/rushti/internal/errs"
	"github.com/cubewise-code/rushti/internal/model"
)

// structuredFile mirrors the JSON schema of spec §4.1 form 3, grounded on
// the original taskfile.py (metadata/settings/tasks, schema version "2.0").
type structuredFile struct {
	Version  string                 `json:"version,omitempty"`
	Metadata *structuredMetadata    `json:"metadata,omitempty"`
	Settings *structuredSettings    `json:"settings,omitempty"`
	Tasks    []structuredTask       `json:"tasks"`
}

type structuredMetadata struct {
	Workflow     string `json:"workflow,omitempty"`
	Name         string `json:"name,omitempty"`
	Description  string `json:"description,omitempty"`
	Author       string `json:"author,omitempty"`
	ExpandedFrom string `json:"expanded_from,omitempty"`
	ExpandedAt   string `json:"expanded_at,omitempty"`
}

type structuredSettings struct {
	MaxWorkers            *int            `json:"max_workers,omitempty"`
	Retries               *int            `json:"retries,omitempty"`
	ResultFile            string          `json:"result_file,omitempty"`
	Exclusive             *bool           `json:"exclusive,omitempty"`
	OptimizationAlgorithm string          `json:"optimization_algorithm,omitempty"`
	StageOrder            []string        `json:"stage_order,omitempty"`
	StageWorkers          map[string]int  `json:"stage_workers,omitempty"`
}

type structuredTask struct {
	ID                        string            `json:"id"`
	Instance                  string            `json:"instance"`
	Process                   string            `json:"process"`
	Parameters                map[string]string `json:"parameters,omitempty"`
	Predecessors              []string          `json:"predecessors,omitempty"`
	Stage                     string            `json:"stage,omitempty"`
	Timeout                   *float64          `json:"timeout,omitempty"`
	CancelAtTimeout           bool              `json:"cancel_at_timeout,omitempty"`
	RequirePredecessorSuccess bool              `json:"require_predecessor_success,omitempty"`
	SafeRetry                 bool              `json:"safe_retry,omitempty"`
	SucceedOnMinorErrors      bool              `json:"succeed_on_minor_errors,omitempty"`
}

// knownStructuredKeys lists the task-object keys this parser understands;
// anything else is reported as a Warning, not a ParseError (spec §6: "unknown
// keys are reported as warnings but do not fail parsing").
var knownStructuredKeys = map[string]bool{
	"id": true, "instance": true, "process": true, "parameters": true,
	"predecessors": true, "stage": true, "timeout": true,
	"cancel_at_timeout": true, "require_predecessor_success": true,
	"safe_retry": true, "succeed_on_minor_errors": true,
}

// ParseStructured parses the structured JSON form, returning the tasks in
// file order, merged settings/metadata, and any unknown-key warnings.
func ParseStructured(data []byte) (tasks []model.Task, meta model.Metadata, settings model.Settings, warnings []string, err error) {
	// First decode loosely to detect unknown top-level task keys.
	var raw struct {
		Tasks []map[string]json.RawMessage `json:"tasks"`
	}
	if jsonErr := json.Unmarshal(data, &raw); jsonErr == nil {
		for i, obj := range raw.Tasks {
			for key := range obj {
				if !knownStructuredKeys[key] {
					warnings = append(warnings, fmt.Sprintf("task[%d]: unknown key %q", i, key))
				}
			}
		}
	}

	var sf structuredFile
	if jsonErr := json.Unmarshal(data, &sf); jsonErr != nil {
		return nil, meta, settings, warnings, errs.Wrap(errs.KindParseError, "invalid structured task file", jsonErr)
	}
	if len(sf.Tasks) == 0 {
		return nil, meta, settings, warnings, errs.New(errs.KindParseError, "structured task file has no tasks")
	}

	if sf.Metadata != nil {
		meta = model.Metadata{
			Workflow:     sf.Metadata.Workflow,
			Name:         sf.Metadata.Name,
			Description:  sf.Metadata.Description,
			Author:       sf.Metadata.Author,
			ExpandedFrom: sf.Metadata.ExpandedFrom,
			ExpandedAt:   sf.Metadata.ExpandedAt,
		}
	}
	settings = model.DefaultSettings()
	if sf.Settings != nil {
		if sf.Settings.MaxWorkers != nil {
			settings.MaxWorkers = *sf.Settings.MaxWorkers
		}
		if sf.Settings.Retries != nil {
			settings.Retries = *sf.Settings.Retries
		}
		settings.ResultFile = sf.Settings.ResultFile
		if sf.Settings.Exclusive != nil {
			settings.Exclusive = *sf.Settings.Exclusive
		}
		settings.OptimizationAlgorithm = sf.Settings.OptimizationAlgorithm
		settings.StageOrder = sf.Settings.StageOrder
		settings.StageWorkers = sf.Settings.StageWorkers
	}

	seen := map[string]bool{}
	for _, st := range sf.Tasks {
		if st.ID == "" {
			return nil, meta, settings, warnings, errs.New(errs.KindParseError, "structured task missing required 'id'")
		}
		if seen[st.ID] {
			return nil, meta, settings, warnings, errs.New(errs.KindDuplicateIdError, fmt.Sprintf("duplicate task id %q", st.ID))
		}
		seen[st.ID] = true
		if st.Instance == "" || st.Process == "" {
			return nil, meta, settings, warnings, errs.New(errs.KindParseError, fmt.Sprintf("task %q missing 'instance' or 'process'", st.ID))
		}

		params := model.NewOrderedParams()
		for k, v := range st.Parameters {
			params.Set(k, v)
		}

		t := model.Task{
			ID:                        st.ID,
			Instance:                  st.Instance,
			Process:                   st.Process,
			Parameters:                params,
			Predecessors:              append([]string{}, st.Predecessors...),
			Stage:                     st.Stage,
			CancelAtTimeout:           st.CancelAtTimeout,
			RequirePredecessorSuccess: st.RequirePredecessorSuccess,
			SafeRetry:                 st.SafeRetry,
			SucceedOnMinorErrors:      st.SucceedOnMinorErrors,
		}
		if st.Timeout != nil {
			t.TimeoutSec = *st.Timeout
			t.HasTimeout = true
		}
		tasks = append(tasks, t)
	}
	return tasks, meta, settings, warnings, nil
}

// EmitStructured renders a DAG back to the structured JSON form, used by
// the `expand` CLI command and for the Parse(Emit(DAG))=DAG round-trip law
// (spec §8).
func EmitStructured(tasks []model.Task, meta model.Metadata, settings model.Settings) ([]byte, error) {
	sf := structuredFile{
		Version: "2.0",
		Metadata: &structuredMetadata{
			Workflow: meta.Workflow, Name: meta.Name, Description: meta.Description,
			Author: meta.Author, ExpandedFrom: meta.ExpandedFrom, ExpandedAt: meta.ExpandedAt,
		},
		Settings: &structuredSettings{
			MaxWorkers: intPtr(settings.MaxWorkers), Retries: intPtr(settings.Retries),
			ResultFile: settings.ResultFile, Exclusive: boolPtr(settings.Exclusive),
			OptimizationAlgorithm: settings.OptimizationAlgorithm,
			StageOrder:            settings.StageOrder, StageWorkers: settings.StageWorkers,
		},
	}
	for _, t := range tasks {
		st := structuredTask{
			ID: t.ID, Instance: t.Instance, Process: t.Process,
			Parameters: t.Parameters.SortedMap(), Predecessors: t.Predecessors,
			Stage: t.Stage, CancelAtTimeout: t.CancelAtTimeout,
			RequirePredecessorSuccess: t.RequirePredecessorSuccess,
			SafeRetry:                 t.SafeRetry, SucceedOnMinorErrors: t.SucceedOnMinorErrors,
		}
		if t.HasTimeout {
			st.Timeout = &t.TimeoutSec
		}
		sf.Tasks = append(sf.Tasks, st)
	}
	return json.MarshalIndent(sf, "", "  ")
}

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }
