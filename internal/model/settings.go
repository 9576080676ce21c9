package model

// Settings carries the per-workflow knobs that can arrive from a structured
// task file's "settings" block, an external settings file, or CLI flags.
// Precedence among these sources is resolved by internal/config, not here -
// this struct is the merged result.
type Settings struct {
	MaxWorkers             int
	Retries                int
	ResultFile             string
	Exclusive              bool
	Force                  bool
	OptimizationAlgorithm  string // "longest_first" | "shortest_first" | ""
	NoCheckpoint           bool
	CheckpointIntervalSec  int
	StageOrder             []string
	StageWorkers           map[string]int
}

// DefaultSettings returns the built-in defaults, the lowest-precedence layer.
func DefaultSettings() Settings {
	return Settings{
		MaxWorkers:            4,
		Retries:               0,
		CheckpointIntervalSec: 60,
	}
}

// Metadata mirrors the structured task file's optional metadata block.
type Metadata struct {
	Workflow      string
	Name          string
	Description   string
	Author        string
	ExpandedFrom  string
	ExpandedAt    string
}
