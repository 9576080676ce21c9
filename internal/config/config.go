// Package config resolves one run's effective model.Settings from the four
// layers spec §4.1 describes, highest precedence first: CLI flags, the task
// file's own structured settings block, an external settings file, and the
// built-in default.
//
// Grounded on rushti/settings.py's layered resolution; the "typed config
// struct populated from a file" shape follows the teacher's
// config/jsonconfig package, swapping its JSON decoding for YAML since
// that's the external-file format spec §4.1 names for this layer.
package config

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/cubewise-code/rushti/internal/errs"
	"github.com/cubewise-code/rushti/internal/model"
)

// Overrides carries explicit CLI-flag values. A nil pointer means the flag
// was not passed, distinguishing "not set" from "set to the zero value" -
// the structured settings block and the external file cannot make that
// distinction once parsed, so they are merged by the weaker
// differs-from-default heuristic in mergeLayer.
type Overrides struct {
	MaxWorkers            *int
	Retries               *int
	ResultFile            *string
	Exclusive             *bool
	Force                 *bool
	OptimizationAlgorithm *string
	NoCheckpoint          *bool
	CheckpointIntervalSec *int
	StageOrder            []string
	StageWorkers          map[string]int
}

// externalFile mirrors the YAML schema of an external settings file. Field
// names match model.Settings; this separate type exists only to carry yaml
// tags without polluting the core model package with a serialization
// concern it otherwise has no need of.
type externalFile struct {
	MaxWorkers            *int           `yaml:"max_workers"`
	Retries               *int           `yaml:"retries"`
	ResultFile            string         `yaml:"result_file"`
	Exclusive             *bool          `yaml:"exclusive"`
	Force                 *bool          `yaml:"force"`
	OptimizationAlgorithm string         `yaml:"optimization_algorithm"`
	NoCheckpoint          *bool          `yaml:"no_checkpoint"`
	CheckpointIntervalSec *int           `yaml:"checkpoint_interval_seconds"`
	StageOrder            []string       `yaml:"stage_order"`
	StageWorkers          map[string]int `yaml:"stage_workers"`
}

// Resolve merges the four layers into one effective model.Settings.
// externalPath may be empty, in which case that layer is skipped. log may
// be nil, in which case clamp warnings are discarded.
func Resolve(flags Overrides, fileSettings model.Settings, externalPath string, log *logrus.Logger) (model.Settings, error) {
	if log == nil {
		log = logrus.New()
		log.SetOutput(io.Discard)
	}
	out := model.DefaultSettings()

	if externalPath != "" {
		ext, err := loadExternal(externalPath)
		if err != nil {
			return out, err
		}
		mergeLayer(&out, ext)
	}
	mergeLayer(&out, fileSettings)
	applyFlags(&out, flags)
	clampStageWorkers(&out, log)
	return out, nil
}

// clampStageWorkers enforces spec §4.1's "stage caps may not exceed the
// global cap": a stage_workers entry above max_workers is clamped down to
// it and logged, never rejected as a ConfigError (spec.md §9: "the source
// warns and clamps").
func clampStageWorkers(s *model.Settings, log *logrus.Logger) {
	if len(s.StageWorkers) == 0 {
		return
	}
	clamped := make(map[string]int, len(s.StageWorkers))
	for stage, w := range s.StageWorkers {
		if s.MaxWorkers > 0 && w > s.MaxWorkers {
			log.WithField("stage", stage).WithField("stage_workers", w).WithField("max_workers", s.MaxWorkers).
				Warn("stage_workers exceeds max_workers, clamping to max_workers")
			w = s.MaxWorkers
		}
		clamped[stage] = w
	}
	s.StageWorkers = clamped
}

func loadExternal(path string) (model.Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Settings{}, errs.Wrap(errs.KindConfigError, "reading external settings file", err)
	}
	var ext externalFile
	if err := yaml.Unmarshal(data, &ext); err != nil {
		return model.Settings{}, errs.Wrap(errs.KindConfigError, "parsing external settings file", err)
	}
	s := model.DefaultSettings()
	if ext.MaxWorkers != nil {
		s.MaxWorkers = *ext.MaxWorkers
	}
	if ext.Retries != nil {
		s.Retries = *ext.Retries
	}
	s.ResultFile = ext.ResultFile
	if ext.Exclusive != nil {
		s.Exclusive = *ext.Exclusive
	}
	if ext.Force != nil {
		s.Force = *ext.Force
	}
	s.OptimizationAlgorithm = ext.OptimizationAlgorithm
	if ext.NoCheckpoint != nil {
		s.NoCheckpoint = *ext.NoCheckpoint
	}
	if ext.CheckpointIntervalSec != nil {
		s.CheckpointIntervalSec = *ext.CheckpointIntervalSec
	}
	s.StageOrder = ext.StageOrder
	s.StageWorkers = ext.StageWorkers
	return s, nil
}

// mergeLayer overwrites out's fields with layer's wherever layer differs
// from the built-in default, i.e. wherever this layer looks like it was
// deliberately set rather than left at its own zero value.
func mergeLayer(out *model.Settings, layer model.Settings) {
	def := model.DefaultSettings()
	if layer.MaxWorkers != def.MaxWorkers {
		out.MaxWorkers = layer.MaxWorkers
	}
	if layer.Retries != def.Retries {
		out.Retries = layer.Retries
	}
	if layer.ResultFile != "" {
		out.ResultFile = layer.ResultFile
	}
	if layer.Exclusive {
		out.Exclusive = true
	}
	if layer.Force {
		out.Force = true
	}
	if layer.OptimizationAlgorithm != "" {
		out.OptimizationAlgorithm = layer.OptimizationAlgorithm
	}
	if layer.NoCheckpoint {
		out.NoCheckpoint = true
	}
	if layer.CheckpointIntervalSec != def.CheckpointIntervalSec {
		out.CheckpointIntervalSec = layer.CheckpointIntervalSec
	}
	if len(layer.StageOrder) > 0 {
		out.StageOrder = layer.StageOrder
	}
	if len(layer.StageWorkers) > 0 {
		out.StageWorkers = layer.StageWorkers
	}
}

func applyFlags(out *model.Settings, flags Overrides) {
	if flags.MaxWorkers != nil {
		out.MaxWorkers = *flags.MaxWorkers
	}
	if flags.Retries != nil {
		out.Retries = *flags.Retries
	}
	if flags.ResultFile != nil {
		out.ResultFile = *flags.ResultFile
	}
	if flags.Exclusive != nil {
		out.Exclusive = *flags.Exclusive
	}
	if flags.Force != nil {
		out.Force = *flags.Force
	}
	if flags.OptimizationAlgorithm != nil {
		out.OptimizationAlgorithm = *flags.OptimizationAlgorithm
	}
	if flags.NoCheckpoint != nil {
		out.NoCheckpoint = *flags.NoCheckpoint
	}
	if flags.CheckpointIntervalSec != nil {
		out.CheckpointIntervalSec = *flags.CheckpointIntervalSec
	}
	if len(flags.StageOrder) > 0 {
		out.StageOrder = flags.StageOrder
	}
	if len(flags.StageWorkers) > 0 {
		out.StageWorkers = flags.StageWorkers
	}
}
