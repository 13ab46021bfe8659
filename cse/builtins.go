package cse

import (
	"fmt"

	"github.com/chazu/sling/ast"
	"github.com/chazu/sling/diag"
)

// ---------------------------------------------------------------------------
// Builtin dispatch
// ---------------------------------------------------------------------------

// BuiltinKind distinguishes pure primitives from side-effectful ones.
type BuiltinKind uint8

const (
	BuiltinPure BuiltinKind = iota
	BuiltinSideEffectful
)

// BuiltinFunc is the host-side implementation of a primitive. It receives
// the runtime (heap + host hooks) so it can allocate and display values.
// Errors returned (or panicked) by the host are wrapped into the runtime
// error taxonomy at the call site.
type BuiltinFunc func(rt *Runtime, args []Value, loc ast.Location) (Value, error)

// Builtin describes one primitive function.
type Builtin struct {
	Name     string
	Arity    int
	Variadic bool // accepts Arity or more arguments
	Kind     BuiltinKind
	Fn       BuiltinFunc
}

// Hooks are the only side-effect channels the machine touches. Absent
// hooks degrade to no-ops (prompt answers null).
type Hooks struct {
	RawDisplay    func(rt *Runtime, v Value, tag string)
	Prompt        func(rt *Runtime, v Value, tag string) *string
	Alert         func(rt *Runtime, v Value, tag string)
	VisualiseList func(rt *Runtime, v Value)
}

// Runtime bundles the heap and host hooks shared by the CSE machine and
// the SVM executor. Builtins run against a Runtime so both machines use
// the same primitive table.
//
// Apply is installed by the machine that owns the runtime; builtins that
// need to call back into evaluated code (forcing stream tails) go through
// it rather than interpreting function values themselves.
type Runtime struct {
	Heap  *Heap
	Hooks Hooks
	Apply func(fn Value, args []Value, loc ast.Location) (Value, error)
}

// NewRuntime creates a runtime with an empty heap.
func NewRuntime(hooks Hooks) *Runtime {
	return &Runtime{Heap: NewHeap(), Hooks: hooks}
}

// Invoke runs a builtin cell against arguments, converting arity mismatches
// and host failures into runtime diagnostics located at the call site.
func (rt *Runtime) Invoke(cell *BuiltinCell, args []Value, loc ast.Location) (v Value, derr *diag.RuntimeError) {
	b := cell.Builtin
	if b.Variadic {
		if len(args) < b.Arity {
			return Undefined, diag.Runtime(diag.ArityMismatch, loc,
				"Expected %d or more arguments, but got %d.", b.Arity, len(args))
		}
	} else if len(args) != b.Arity {
		return Undefined, diag.Runtime(diag.ArityMismatch, loc,
			"Expected %d arguments, but got %d.", b.Arity, len(args))
	}

	defer func() {
		if r := recover(); r != nil {
			derr = diag.Runtime(diag.HostError, loc, "%s: %v", b.Name, r)
		}
	}()

	out, err := b.Fn(rt, args, loc)
	if err != nil {
		if d, ok := err.(*diag.RuntimeError); ok {
			if !d.Loc.IsKnown() {
				d.Loc = loc
			}
			return Undefined, d
		}
		return Undefined, diag.Runtime(diag.HostError, loc, "%s: %v", b.Name, err)
	}
	return out, nil
}

// errTypeExpected is the uniform complaint builtins raise on a bad operand.
func errTypeExpected(name, want string, got Value) error {
	return &diag.RuntimeError{
		Code: diag.TypeMismatch,
		Loc:  ast.UnknownLocation,
		Msg:  fmt.Sprintf("%s expects a %s, got %s.", name, want, got.TypeName()),
	}
}

// force applies a stream tail thunk through the attached evaluator. Host
// values are passed on as well, since the SVM represents compiled closures
// that way; the evaluator rejects any it cannot apply.
func (rt *Runtime) force(thunk Value, loc ast.Location) (Value, error) {
	if !thunk.IsCallable() && !thunk.IsHost() {
		return Undefined, errTypeExpected("stream_tail", "nullary function as stream tail", thunk)
	}
	if rt.Apply == nil {
		return Undefined, fmt.Errorf("no evaluator attached to runtime")
	}
	return rt.Apply(thunk, nil, loc)
}
