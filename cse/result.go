package cse

import (
	"github.com/chazu/sling/diag"
)

// Status describes how an evaluation step loop ended.
type Status uint8

const (
	// StatusFinished: the control emptied; Value holds the program result.
	StatusFinished Status = iota
	// StatusSuspended: a step budget or breakpoint fired; the machine can
	// be resumed.
	StatusSuspended
	// StatusError: a runtime error was recorded; the machine cannot be
	// resumed.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusFinished:
		return "Finished"
	case StatusSuspended:
		return "Suspended"
	case StatusError:
		return "Error"
	}
	return "Unknown"
}

// Result is the outcome of running or resuming a machine.
type Result struct {
	Status      Status
	Value       Value
	Diagnostics []diag.Diagnostic
}

func finished(v Value) Result {
	return Result{Status: StatusFinished, Value: v}
}

func suspended() Result {
	return Result{Status: StatusSuspended}
}

func failed(errs []diag.Diagnostic) Result {
	return Result{Status: StatusError, Diagnostics: errs}
}
