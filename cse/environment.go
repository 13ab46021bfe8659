package cse

import (
	"github.com/chazu/sling/ast"
	"github.com/chazu/sling/diag"
)

// ---------------------------------------------------------------------------
// Environment: lexical frame graph
// ---------------------------------------------------------------------------

// Binding is a single slot in a frame. A slot is created undeclared at
// block entry (hoisting) and transitions to declared when its declaration
// statement executes; reading it before that is a temporal-dead-zone error.
type Binding struct {
	Kind     ast.BindingKind
	Value    Value
	Declared bool
}

// Environment is one lexical frame. The parent chain is a tree rooted at
// the global frame; it is acyclic by construction because frames only ever
// extend existing frames.
type Environment struct {
	ID       uint32
	Name     string
	Parent   *Environment
	CallSite ast.Location

	bindings map[string]*Binding

	// owned lists heap values first allocated while this frame was
	// current. Visualiser bookkeeping only; it does not keep values alive
	// beyond their last reachable reference.
	owned []Value
}

// Extend creates a child frame. IDs are assigned by the machine so frames
// stay enumerable for snapshots.
func (m *Machine) Extend(parent *Environment, name string) *Environment {
	m.nextEnvID++
	env := &Environment{
		ID:       m.nextEnvID,
		Name:     name,
		Parent:   parent,
		CallSite: ast.UnknownLocation,
		bindings: make(map[string]*Binding),
	}
	m.envs = append(m.envs, env)
	return env
}

// Declare creates an undeclared slot for name. Called during hoisting at
// block entry.
func (e *Environment) Declare(name string, kind ast.BindingKind) {
	e.bindings[name] = &Binding{Kind: kind}
}

// Define transitions name's slot to declared with the given value. If the
// slot was never hoisted (builtin injection, parameters) it is created
// directly.
func (e *Environment) Define(name string, kind ast.BindingKind, v Value) {
	if b, ok := e.bindings[name]; ok {
		b.Kind = kind
		b.Value = v
		b.Declared = true
		return
	}
	e.bindings[name] = &Binding{Kind: kind, Value: v, Declared: true}
}

// Lookup walks the parent chain and returns the value bound to name.
func (e *Environment) Lookup(name string, loc ast.Location) (Value, *diag.RuntimeError) {
	for env := e; env != nil; env = env.Parent {
		if b, ok := env.bindings[name]; ok {
			if !b.Declared {
				return Undefined, diag.Runtime(diag.UnassignedVariable, loc,
					"Name %s declared later in current scope but not yet assigned", name).
					WithDetail("The name %s is used before it is declared; move the use after the declaration of %s.", name, name)
			}
			return b.Value, nil
		}
	}
	return Undefined, diag.Runtime(diag.UndefinedVariable, loc, "Name %s not declared.", name).
		WithDetail("Before you can read the value of %s, you need to declare it with a const or let statement.", name)
}

// Assign walks to the nearest declaration of name and overwrites its value.
// Assigning to a const or an unknown name is an error.
func (e *Environment) Assign(name string, v Value, loc ast.Location) *diag.RuntimeError {
	for env := e; env != nil; env = env.Parent {
		if b, ok := env.bindings[name]; ok {
			if !b.Declared {
				return diag.Runtime(diag.UnassignedVariable, loc,
					"Name %s declared later in current scope but not yet assigned", name)
			}
			if b.Kind == ast.BindConst {
				return diag.Runtime(diag.ConstAssignment, loc,
					"Cannot assign new value to constant %s.", name).
					WithDetail("As %s was declared as a constant, its value cannot be changed. You will have to declare a new variable.", name)
			}
			b.Value = v
			return nil
		}
	}
	return diag.Runtime(diag.UndefinedVariable, loc, "Name %s not declared.", name)
}

// Has reports whether name resolves anywhere on the chain.
func (e *Environment) Has(name string) bool {
	for env := e; env != nil; env = env.Parent {
		if _, ok := env.bindings[name]; ok {
			return true
		}
	}
	return false
}

// Names returns the identifiers bound directly in this frame.
func (e *Environment) Names() []string {
	names := make([]string, 0, len(e.bindings))
	for name := range e.bindings {
		names = append(names, name)
	}
	return names
}

// Binding returns the slot for name in this frame only, or nil.
func (e *Environment) Binding(name string) *Binding {
	return e.bindings[name]
}

// Owned returns the heap values attributed to this frame.
func (e *Environment) Owned() []Value {
	return e.owned
}

// Depth returns the number of frames above this one. The global frame has
// depth 0. Used by tests to check the acyclicity invariant.
func (e *Environment) Depth() int {
	d := 0
	for env := e.Parent; env != nil; env = env.Parent {
		d++
	}
	return d
}
