package svm

import (
	"github.com/chazu/sling/cse"
)

// Primitives is the table binding primitive IDs in compiled code to the
// builtin implementations shared with the CSE machine. The compiler only
// consults names; the executor invokes the implementations.
type Primitives struct {
	builtins []cse.Builtin
	byName   map[string]int32
}

// NewPrimitives builds a table from the given builtins. IDs are assigned
// in slice order, so compiler and executor must be constructed from the
// same slice.
func NewPrimitives(builtins []cse.Builtin) *Primitives {
	p := &Primitives{
		builtins: builtins,
		byName:   make(map[string]int32, len(builtins)),
	}
	for i, b := range builtins {
		p.byName[b.Name] = int32(i)
	}
	return p
}

// DefaultPrimitives returns the table for a language level, mirroring the
// CSE machine's default library.
func DefaultPrimitives(level int) *Primitives {
	var all []cse.Builtin
	all = append(all, cse.LevelBuiltins(1)...)
	if level >= 2 {
		all = append(all, cse.LevelBuiltins(2)...)
	}
	if level >= 3 {
		all = append(all, cse.LevelBuiltins(3)...)
	}
	return NewPrimitives(all)
}

// Lookup returns the primitive ID for name.
func (p *Primitives) Lookup(name string) (int32, bool) {
	id, ok := p.byName[name]
	return id, ok
}

// Count returns the number of primitives in the table.
func (p *Primitives) Count() int { return len(p.builtins) }

// Builtin returns the implementation for an ID.
func (p *Primitives) Builtin(id int32) (cse.Builtin, bool) {
	if id < 0 || int(id) >= len(p.builtins) {
		return cse.Builtin{}, false
	}
	return p.builtins[id], true
}
