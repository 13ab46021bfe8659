// Package diag defines the error taxonomy shared by the front end, the CSE
// machine, the SVM compiler, and the session layer.
//
// Every diagnostic carries a kind, a severity, a source location, a short
// explanation, and a longer elaboration. Formatting lives on Formatter so
// verbosity is a per-formatter choice rather than process-wide state.
package diag

import (
	"fmt"

	"github.com/chazu/sling/ast"
)

// Kind is the broad family a diagnostic belongs to.
type Kind uint8

const (
	KindImport Kind = iota
	KindSyntax
	KindType
	KindRuntime
)

func (k Kind) String() string {
	switch k {
	case KindImport:
		return "Import"
	case KindSyntax:
		return "Syntax"
	case KindType:
		return "Type"
	case KindRuntime:
		return "Runtime"
	}
	return "Unknown"
}

// Severity ranks a diagnostic. Warnings accumulate; errors abort.
type Severity uint8

const (
	SeverityWarning Severity = iota
	SeverityError
)

func (s Severity) String() string {
	if s == SeverityWarning {
		return "Warning"
	}
	return "Error"
}

// Diagnostic is the interface all error values in the system satisfy.
type Diagnostic interface {
	error
	Kind() Kind
	Severity() Severity
	Location() ast.Location
	Explain() string
	Elaborate() string
}

// ---------------------------------------------------------------------------
// Runtime errors
// ---------------------------------------------------------------------------

// RuntimeCode identifies the specific runtime failure.
type RuntimeCode uint8

const (
	UndefinedVariable RuntimeCode = iota
	UnassignedVariable
	ConstAssignment
	NotAFunction
	ArityMismatch
	TypeMismatch
	DivisionByZero
	IndexOutOfRange
	StackOverflow
	Timeout
	Interrupted
	PotentialInfiniteLoop
	HostError
)

// RuntimeError is an error raised during evaluation.
type RuntimeError struct {
	Code   RuntimeCode
	Loc    ast.Location
	Msg    string
	Detail string
}

func (e *RuntimeError) Error() string          { return e.Msg }
func (e *RuntimeError) Kind() Kind             { return KindRuntime }
func (e *RuntimeError) Severity() Severity     { return SeverityError }
func (e *RuntimeError) Location() ast.Location { return e.Loc }
func (e *RuntimeError) Explain() string        { return e.Msg }

func (e *RuntimeError) Elaborate() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Msg
}

// Runtime builds a RuntimeError with a formatted message.
func Runtime(code RuntimeCode, loc ast.Location, format string, args ...any) *RuntimeError {
	return &RuntimeError{Code: code, Loc: loc, Msg: fmt.Sprintf(format, args...)}
}

// WithDetail attaches an elaboration and returns the error.
func (e *RuntimeError) WithDetail(format string, args ...any) *RuntimeError {
	e.Detail = fmt.Sprintf(format, args...)
	return e
}

// ---------------------------------------------------------------------------
// Syntax errors
// ---------------------------------------------------------------------------

// SyntaxError reports a construct outside the Source grammar, or a parse
// failure from the upstream parser.
type SyntaxError struct {
	Loc    ast.Location
	Msg    string
	Detail string
}

func (e *SyntaxError) Error() string          { return e.Msg }
func (e *SyntaxError) Kind() Kind             { return KindSyntax }
func (e *SyntaxError) Severity() Severity     { return SeverityError }
func (e *SyntaxError) Location() ast.Location { return e.Loc }
func (e *SyntaxError) Explain() string        { return e.Msg }

func (e *SyntaxError) Elaborate() string {
	if e.Detail != "" {
		return e.Detail
	}
	return e.Msg
}

// Syntax builds a SyntaxError with a formatted message.
func Syntax(loc ast.Location, format string, args ...any) *SyntaxError {
	return &SyntaxError{Loc: loc, Msg: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Import errors
// ---------------------------------------------------------------------------

// ImportError reports a bad module path, a cyclic import, or a missing
// symbol during import preprocessing.
type ImportError struct {
	Loc  ast.Location
	Path string
	Msg  string
}

func (e *ImportError) Error() string          { return e.Msg }
func (e *ImportError) Kind() Kind             { return KindImport }
func (e *ImportError) Severity() Severity     { return SeverityError }
func (e *ImportError) Location() ast.Location { return e.Loc }
func (e *ImportError) Explain() string        { return e.Msg }
func (e *ImportError) Elaborate() string      { return e.Msg }

// ---------------------------------------------------------------------------
// Warnings
// ---------------------------------------------------------------------------

// Warning is a non-fatal diagnostic. It never aborts an evaluation.
type Warning struct {
	K   Kind
	Loc ast.Location
	Msg string
}

func (w *Warning) Error() string          { return w.Msg }
func (w *Warning) Kind() Kind             { return w.K }
func (w *Warning) Severity() Severity     { return SeverityWarning }
func (w *Warning) Location() ast.Location { return w.Loc }
func (w *Warning) Explain() string        { return w.Msg }
func (w *Warning) Elaborate() string      { return w.Msg }

// ---------------------------------------------------------------------------
// Formatting
// ---------------------------------------------------------------------------

// Formatter renders diagnostics for presentation. Verbose adds the
// elaboration below the one-line explanation.
type Formatter struct {
	Verbose bool
}

// Format renders a single diagnostic as
// "[file] Line L, Column C: explain" with the elaboration appended in
// verbose mode.
func (f Formatter) Format(d Diagnostic) string {
	loc := d.Location()
	var head string
	if loc.Source != "" {
		head = fmt.Sprintf("[%s] Line %d, Column %d: %s", loc.Source, loc.Start.Line, loc.Start.Column, d.Explain())
	} else {
		head = fmt.Sprintf("Line %d, Column %d: %s", loc.Start.Line, loc.Start.Column, d.Explain())
	}
	if f.Verbose {
		return head + "\n" + d.Elaborate()
	}
	return head
}

// FormatAll renders a slice of diagnostics, one per line.
func (f Formatter) FormatAll(ds []Diagnostic) string {
	out := ""
	for i, d := range ds {
		if i > 0 {
			out += "\n"
		}
		out += f.Format(d)
	}
	return out
}
