package cse

import (
	"github.com/chazu/sling/ast"
)

// ---------------------------------------------------------------------------
// Heap: arena of heap-backed values
// ---------------------------------------------------------------------------

// Heap owns every heap-backed value of a session: strings, pairs, arrays,
// closures, builtins, and opaque host objects. Values reference cells by a
// stable 32-bit ID, which makes identity comparison, cycle detection, and
// snapshotting straightforward.
//
// Allocations are attributed to the environment frame that was current at
// allocation time so a visualiser can show ownership; attribution does not
// control lifetime.
type Heap struct {
	strings  []string
	pairs    []*PairCell
	arrays   []*ArrayCell
	closures []*ClosureCell
	builtins []*BuiltinCell
	hosts    []*HostCell

	// Interned string IDs for deduplicating literal strings.
	interned map[string]uint32
}

// PairCell is a mutable cons cell.
type PairCell struct {
	Head Value
	Tail Value
}

// ArrayCell is a growable ordered sequence.
type ArrayCell struct {
	Elems []Value
}

// ClosureCell is a user function bundled with its captured environment.
type ClosureCell struct {
	Name   string // declared name, or "" for anonymous lambdas
	Params []string
	Body   ast.Node
	Env    *Environment
	Loc    ast.Location
}

// Arity returns the declared parameter count.
func (c *ClosureCell) Arity() int { return len(c.Params) }

// BuiltinCell is a host-provided primitive function.
type BuiltinCell struct {
	Builtin Builtin
}

// HostCell is an opaque host object threaded through the machine untouched.
type HostCell struct {
	Tag  string
	Data any
}

// NewHeap creates an empty heap.
func NewHeap() *Heap {
	return &Heap{interned: make(map[string]uint32)}
}

// ---------------------------------------------------------------------------
// Allocation
// ---------------------------------------------------------------------------

func attribute(owner *Environment, v Value) Value {
	if owner != nil {
		owner.owned = append(owner.owned, v)
	}
	return v
}

// AllocString interns s and returns its string value. Strings are
// deduplicated; they are immutable so sharing is sound.
func (h *Heap) AllocString(s string) Value {
	if id, ok := h.interned[s]; ok {
		return fromHeapID(tagString, id)
	}
	id := uint32(len(h.strings))
	h.strings = append(h.strings, s)
	h.interned[s] = id
	return fromHeapID(tagString, id)
}

// AllocPair allocates a fresh pair attributed to owner.
func (h *Heap) AllocPair(owner *Environment, head, tail Value) Value {
	id := uint32(len(h.pairs))
	h.pairs = append(h.pairs, &PairCell{Head: head, Tail: tail})
	return attribute(owner, fromHeapID(tagPair, id))
}

// AllocArray allocates a fresh array attributed to owner.
func (h *Heap) AllocArray(owner *Environment, elems []Value) Value {
	id := uint32(len(h.arrays))
	h.arrays = append(h.arrays, &ArrayCell{Elems: elems})
	return attribute(owner, fromHeapID(tagArray, id))
}

// AllocClosure allocates a closure attributed to owner.
func (h *Heap) AllocClosure(owner *Environment, c *ClosureCell) Value {
	id := uint32(len(h.closures))
	h.closures = append(h.closures, c)
	return attribute(owner, fromHeapID(tagClosure, id))
}

// AllocBuiltin allocates a builtin function value.
func (h *Heap) AllocBuiltin(b Builtin) Value {
	id := uint32(len(h.builtins))
	h.builtins = append(h.builtins, &BuiltinCell{Builtin: b})
	return fromHeapID(tagBuiltin, id)
}

// AllocHost allocates an opaque host object attributed to owner.
func (h *Heap) AllocHost(owner *Environment, tag string, data any) Value {
	id := uint32(len(h.hosts))
	h.hosts = append(h.hosts, &HostCell{Tag: tag, Data: data})
	return attribute(owner, fromHeapID(tagHost, id))
}

// ---------------------------------------------------------------------------
// Access
// ---------------------------------------------------------------------------

// String returns the text of a string value.
func (h *Heap) String(v Value) string {
	return h.strings[v.HeapID()]
}

// Pair returns the cell of a pair value.
func (h *Heap) Pair(v Value) *PairCell {
	return h.pairs[v.HeapID()]
}

// Array returns the cell of an array value.
func (h *Heap) Array(v Value) *ArrayCell {
	return h.arrays[v.HeapID()]
}

// Closure returns the cell of a closure value.
func (h *Heap) Closure(v Value) *ClosureCell {
	return h.closures[v.HeapID()]
}

// BuiltinCell returns the cell of a builtin value.
func (h *Heap) BuiltinCell(v Value) *BuiltinCell {
	return h.builtins[v.HeapID()]
}

// Host returns the cell of a host object value.
func (h *Heap) Host(v Value) *HostCell {
	return h.hosts[v.HeapID()]
}

// ---------------------------------------------------------------------------
// Equality
// ---------------------------------------------------------------------------

// StrictEquals implements JS === restricted to the Source value set:
// numbers by numeric comparison (NaN !== NaN, +0 === -0), strings by
// content, everything else by identity.
func (h *Heap) StrictEquals(a, b Value) bool {
	if a.IsNumber() || b.IsNumber() {
		if !a.IsNumber() || !b.IsNumber() {
			return false
		}
		return a.Float64() == b.Float64()
	}
	if a.IsString() && b.IsString() {
		// Interning makes this an ID comparison, but compare content
		// anyway so externally built values behave.
		return h.String(a) == h.String(b)
	}
	return a == b
}
