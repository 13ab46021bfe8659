package session

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sling.toml")
	content := `
level = 3
variant = "default"
step-limit = 5000
max-exec-time = 2000
increase-evaluation-timeout = true
throw-infinite-loops = true
execution-method = "auto"
verbose-errors = true
breakpoints = [100, 200]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	opts, err := LoadOptions(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if opts.Level != 3 {
		t.Errorf("level = %d, want 3", opts.Level)
	}
	if opts.StepLimit != 5000 {
		t.Errorf("step limit = %d, want 5000", opts.StepLimit)
	}
	if opts.OriginalMaxExecTime != 2000 {
		t.Errorf("max exec time = %d, want 2000", opts.OriginalMaxExecTime)
	}
	if !opts.ShouldIncreaseEvaluationTimeout || !opts.ThrowInfiniteLoops || !opts.VerboseErrors {
		t.Error("boolean options not loaded")
	}
	if opts.ExecutionMethod != ExecCSEMachine {
		t.Errorf("execution method = %q, want cse-machine", opts.ExecutionMethod)
	}
	if len(opts.Breakpoints) != 2 || opts.Breakpoints[0] != 100 {
		t.Errorf("breakpoints = %v", opts.Breakpoints)
	}
}

func TestLoadOptionsMissingFile(t *testing.T) {
	if _, err := LoadOptions(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Error("missing file did not fail")
	}
}

func TestLoadOptionsBadLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sling.toml")
	if err := os.WriteFile(path, []byte("level = 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOptions(path); err == nil {
		t.Error("level 7 was accepted")
	}
}
