package session

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ExecutionMethod selects the evaluator. The CSE machine is the only
// evaluator; "native" and "auto" map to it.
type ExecutionMethod string

const (
	ExecNative     ExecutionMethod = "native"
	ExecAuto       ExecutionMethod = "auto"
	ExecCSEMachine ExecutionMethod = "cse-machine"
)

// ImportOptions configures the upstream import preprocessor. The core
// receives an already-linked tree, so these are carried through untouched.
type ImportOptions struct {
	LoadTabs        bool `toml:"load-tabs"`
	AllowUndefined  bool `toml:"allow-undefined-imports"`
	ResolveToSource bool `toml:"resolve-to-source"`
}

// Options are the recognised evaluation options of a session.
type Options struct {
	Level   int    `toml:"level"`
	Variant string `toml:"variant"`

	StepLimit   int64   `toml:"step-limit"`
	EnvSteps    int64   `toml:"env-steps"`
	Breakpoints []int64 `toml:"breakpoints"`

	// OriginalMaxExecTime is the wall-clock budget in milliseconds;
	// 0 disables it.
	OriginalMaxExecTime int64 `toml:"max-exec-time"`
	// ShouldIncreaseEvaluationTimeout multiplies the budget by a fixed
	// factor of 10 once before a timeout error fires.
	ShouldIncreaseEvaluationTimeout bool `toml:"increase-evaluation-timeout"`

	ThrowInfiniteLoops bool            `toml:"throw-infinite-loops"`
	ExecutionMethod    ExecutionMethod `toml:"execution-method"`

	ImportOptions     ImportOptions `toml:"import-options"`
	ShouldAddFileName *bool         `toml:"add-file-name"`

	// StorePath, when set, enables the compiled-program cache.
	StorePath string `toml:"store-path"`

	// VerboseErrors switches diagnostic formatting to include
	// elaborations.
	VerboseErrors bool `toml:"verbose-errors"`
}

// DefaultOptions returns a level-1 session configuration with no budgets.
func DefaultOptions() Options {
	return Options{
		Level:           1,
		Variant:         "default",
		StepLimit:       -1,
		ExecutionMethod: ExecCSEMachine,
	}
}

// normalise fills zero values and maps evaluator aliases.
func (o *Options) normalise() error {
	if o.Level == 0 {
		o.Level = 1
	}
	if o.Level < 1 || o.Level > 4 {
		return fmt.Errorf("session: language level %d out of range 1-4", o.Level)
	}
	if o.Variant == "" {
		o.Variant = "default"
	}
	if o.StepLimit == 0 && o.EnvSteps > 0 {
		o.StepLimit = o.EnvSteps
	}
	if o.StepLimit == 0 {
		o.StepLimit = -1
	}
	switch o.ExecutionMethod {
	case "", ExecAuto, ExecNative:
		o.ExecutionMethod = ExecCSEMachine
	case ExecCSEMachine:
	default:
		return fmt.Errorf("session: unknown execution method %q", o.ExecutionMethod)
	}
	return nil
}

// LoadOptions reads a sling.toml configuration file.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("session: cannot read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("session: parse error in %s: %w", path, err)
	}
	if err := opts.normalise(); err != nil {
		return opts, err
	}
	return opts, nil
}
