// Package session orchestrates evaluations: it owns the environment tree,
// the error log, budgets, and the live control/stash triple of one
// Source session, and exposes run/resume/interrupt to callers.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"

	"github.com/chazu/sling/ast"
	"github.com/chazu/sling/cse"
	"github.com/chazu/sling/diag"
	"github.com/chazu/sling/parse"
	"github.com/chazu/sling/store"
)

// State is the session lifecycle:
// Idle -> Running -> (Finished | Errored | Suspended) -> Running (resume).
type State uint8

const (
	StateIdle State = iota
	StateRunning
	StateFinished
	StateErrored
	StateSuspended
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateRunning:
		return "Running"
	case StateFinished:
		return "Finished"
	case StateErrored:
		return "Errored"
	case StateSuspended:
		return "Suspended"
	}
	return "Unknown"
}

// Session is one evaluation context. A session may only have one active
// evaluation at a time; it stays single-threaded except for Interrupt,
// which may be called from another goroutine.
type Session struct {
	ID      string
	Level   int
	Variant string

	opts    Options
	machine *cse.Machine
	state   State

	formatter diag.Formatter
	errors    []diag.Diagnostic

	transformers     map[string]Transformer
	transformerOrder []string

	progStore *store.Store

	log commonlog.Logger
}

// Transformer rewrites a program before evaluation. Transformers are
// registered by name; advanced language variants install them and the
// default variant leaves the table empty.
type Transformer func(*ast.Program) *ast.Program

// Result is the outcome surfaced to callers.
type Result struct {
	Status cse.Status
	Value  cse.Value
	Errors []diag.Diagnostic
}

// New creates a session with the given options and host hooks, and injects
// the default library for the configured level.
func New(opts Options, hooks cse.Hooks) (*Session, error) {
	if err := opts.normalise(); err != nil {
		return nil, err
	}

	rt := cse.NewRuntime(hooks)
	m := cse.NewMachine(rt)
	m.LoadLevel(opts.Level)
	m.SetStepLimit(opts.StepLimit)
	m.SetBreakpoints(opts.Breakpoints)
	m.SetThrowInfiniteLoops(opts.ThrowInfiniteLoops)
	if opts.OriginalMaxExecTime > 0 {
		m.SetTimeout(time.Duration(opts.OriginalMaxExecTime)*time.Millisecond,
			opts.ShouldIncreaseEvaluationTimeout)
	}

	s := &Session{
		ID:           uuid.NewString(),
		Level:        opts.Level,
		Variant:      opts.Variant,
		opts:         opts,
		machine:      m,
		state:        StateIdle,
		formatter:    diag.Formatter{Verbose: opts.VerboseErrors},
		transformers: make(map[string]Transformer),
		log:          commonlog.GetLogger("sling.session"),
	}
	if opts.StorePath != "" {
		st, err := store.Open(opts.StorePath)
		if err != nil {
			return nil, err
		}
		s.progStore = st
	}
	s.log.Infof("session %s created (level %d, variant %s)", s.ID, s.Level, s.Variant)
	return s, nil
}

// Machine exposes the underlying evaluator for inspection.
func (s *Session) Machine() *cse.Machine { return s.machine }

// RegisterTransformer installs a named program transformer. Registered
// transformers run in registration order before each Run.
func (s *Session) RegisterTransformer(name string, t Transformer) {
	s.transformers[name] = t
	s.transformerOrder = append(s.transformerOrder, name)
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// Errors returns the accumulated diagnostics.
func (s *Session) Errors() []diag.Diagnostic { return s.errors }

// FormatErrors renders the accumulated diagnostics with the session's
// formatter.
func (s *Session) FormatErrors() string {
	return s.formatter.FormatAll(s.errors)
}

// RunSource parses and evaluates source text.
func (s *Session) RunSource(src, name string) (Result, error) {
	prog, err := parse.Program(src, name)
	if err != nil {
		if d, ok := err.(diag.Diagnostic); ok {
			s.errors = append(s.errors, d)
			s.state = StateErrored
			return Result{Status: cse.StatusError, Errors: []diag.Diagnostic{d}}, nil
		}
		return Result{}, err
	}
	return s.Run(prog)
}

// Run evaluates a parsed, validated program.
func (s *Session) Run(prog *ast.Program) (Result, error) {
	if s.state == StateRunning {
		return Result{}, fmt.Errorf("session: evaluation already active")
	}
	if s.state == StateSuspended {
		return Result{}, fmt.Errorf("session: suspended; use Resume")
	}
	for _, name := range s.transformerOrder {
		prog = s.transformers[name](prog)
	}
	s.state = StateRunning
	s.log.Debugf("session %s: run", s.ID)
	return s.finish(s.machine.Run(prog)), nil
}

// Resume continues a suspended evaluation from exactly the saved control,
// stash, and environment.
func (s *Session) Resume() (Result, error) {
	if s.state != StateSuspended {
		return Result{}, fmt.Errorf("session: not suspended (state %s)", s.state)
	}
	s.state = StateRunning
	s.log.Debugf("session %s: resume at step %d", s.ID, s.machine.Steps())
	return s.finish(s.machine.Resume()), nil
}

// Interrupt flags the running evaluation; the machine observes the flag
// between steps and surfaces an interruption error.
func (s *Session) Interrupt() {
	s.machine.Interrupt()
	s.log.Infof("session %s: interrupt requested", s.ID)
}

// Steps returns the machine's step counter.
func (s *Session) Steps() int64 { return s.machine.Steps() }

func (s *Session) finish(r cse.Result) Result {
	s.errors = append(s.errors, r.Diagnostics...)
	switch r.Status {
	case cse.StatusFinished:
		s.state = StateFinished
		s.log.Infof("session %s: finished after %d steps", s.ID, s.machine.Steps())
	case cse.StatusSuspended:
		s.state = StateSuspended
		s.log.Infof("session %s: suspended at step %d", s.ID, s.machine.Steps())
	case cse.StatusError:
		s.state = StateErrored
		s.log.Errorf("session %s: %s", s.ID, s.formatter.FormatAll(r.Diagnostics))
	}
	return Result{Status: r.Status, Value: r.Value, Errors: r.Diagnostics}
}
