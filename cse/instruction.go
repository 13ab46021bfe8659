package cse

import (
	"github.com/chazu/sling/ast"
)

// ---------------------------------------------------------------------------
// Instruction set consumed by the CSE machine
// ---------------------------------------------------------------------------

// InstrKind tags an instruction. The tag set is canonical: two machines
// producing identical control traces on identical programs agree
// step-for-step.
type InstrKind uint8

const (
	// InstrBinaryOp consumes two stash values and pushes the result of Op.
	InstrBinaryOp InstrKind = iota
	// InstrUnaryOp consumes one stash value and pushes the result of Op.
	InstrUnaryOp
	// InstrBranch consumes one boolean and pushes the chosen branch node.
	InstrBranch
	// InstrPop discards the top of the stash.
	InstrPop
	// InstrApply consumes Count arguments plus the callee (deepest) and
	// performs the call protocol.
	InstrApply
	// InstrReturnMarker restores the caller environment when a function
	// returns; it is the target of InstrReturn unwinding.
	InstrReturnMarker
	// InstrReturn unwinds the control up to the nearest return marker.
	InstrReturn
	// InstrAssign consumes one value and assigns it to Name.
	InstrAssign
	// InstrDefine consumes one value and declares+defines Name in the
	// current environment.
	InstrDefine
	// InstrArrayLit consumes Count values and pushes a fresh array.
	InstrArrayLit
	// InstrPairCons consumes tail then head and pushes a fresh pair.
	InstrPairCons
	// InstrArrayAccess consumes index then array and pushes the element.
	InstrArrayAccess
	// InstrArrayAssign consumes value, index, array and stores; pushes the
	// assigned value.
	InstrArrayAssign
	// InstrWhileTest consumes the test value and either schedules another
	// iteration or pushes undefined as the loop's value.
	InstrWhileTest
	// InstrForTest is InstrWhileTest with an update clause.
	InstrForTest
	// InstrEnvEnter installs Env as the current environment.
	InstrEnvEnter
	// InstrEnvLeave restores Env as the current environment.
	InstrEnvLeave
	// InstrRestore reinstates a saved control+stash snapshot.
	InstrRestore
)

var instrNames = map[InstrKind]string{
	InstrBinaryOp:     "BinaryOp",
	InstrUnaryOp:      "UnaryOp",
	InstrBranch:       "Branch",
	InstrPop:          "Pop",
	InstrApply:        "ApplyN",
	InstrReturnMarker: "ReturnMarker",
	InstrReturn:       "Return",
	InstrAssign:       "AssignTo",
	InstrDefine:       "Define",
	InstrArrayLit:     "ArrayLit",
	InstrPairCons:     "PairCons",
	InstrArrayAccess:  "ArrayAccess",
	InstrArrayAssign:  "ArrayAssign",
	InstrWhileTest:    "WhileTest",
	InstrForTest:      "ForTest",
	InstrEnvEnter:     "EnvEnter",
	InstrEnvLeave:     "EnvLeave",
	InstrRestore:      "Restore",
}

func (k InstrKind) String() string {
	if name, ok := instrNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Instruction is one non-AST control item. Which fields are meaningful
// depends on Kind; the machine's dispatch switch is exhaustive.
type Instruction struct {
	Kind InstrKind

	Op    string          // BinaryOp, UnaryOp
	Name  string          // AssignTo, Define
	Bind  ast.BindingKind // Define
	Count int             // ApplyN, ArrayLit

	Cons ast.Node // Branch
	Alt  ast.Node // Branch (may be nil for if without else)

	Test   ast.Expression // WhileTest, ForTest
	Body   ast.Node       // WhileTest, ForTest
	Update ast.Expression // ForTest

	Env *Environment // ReturnMarker, EnvEnter, EnvLeave

	Loc ast.Location // source attribution (ApplyN call site, operators)

	// Restore payload
	Control []ControlItem
	Stash   []Value
}

// ---------------------------------------------------------------------------
// Control and stash stacks
// ---------------------------------------------------------------------------

// ControlItem is either an AST node awaiting evaluation or an instruction.
// Exactly one of the fields is set.
type ControlItem struct {
	Node  ast.Node
	Instr *Instruction
}

// Control is the LIFO work stack. Its contents at any instant encode the
// future of the computation.
type Control struct {
	items []ControlItem
}

// PushNode schedules an AST node for evaluation.
func (c *Control) PushNode(n ast.Node) {
	c.items = append(c.items, ControlItem{Node: n})
}

// PushInstr schedules an instruction.
func (c *Control) PushInstr(in *Instruction) {
	c.items = append(c.items, ControlItem{Instr: in})
}

// Pop removes and returns the top item.
func (c *Control) Pop() ControlItem {
	n := len(c.items)
	item := c.items[n-1]
	c.items[n-1] = ControlItem{}
	c.items = c.items[:n-1]
	return item
}

// Peek returns the top item without removing it.
func (c *Control) Peek() (ControlItem, bool) {
	if len(c.items) == 0 {
		return ControlItem{}, false
	}
	return c.items[len(c.items)-1], true
}

// Len returns the current control depth.
func (c *Control) Len() int { return len(c.items) }

// Empty reports whether no work remains.
func (c *Control) Empty() bool { return len(c.items) == 0 }

// Clear drops all pending work. Used when an error unwinds the machine.
func (c *Control) Clear() { c.items = c.items[:0] }

// Snapshot copies the current items, deepest first.
func (c *Control) Snapshot() []ControlItem {
	out := make([]ControlItem, len(c.items))
	copy(out, c.items)
	return out
}

// RestoreFrom replaces the contents with a snapshot.
func (c *Control) RestoreFrom(items []ControlItem) {
	c.items = append(c.items[:0], items...)
}

// Stash is the LIFO operand stack.
type Stash struct {
	values []Value
}

// Push appends a value.
func (s *Stash) Push(v Value) {
	s.values = append(s.values, v)
}

// Pop removes and returns the top value.
func (s *Stash) Pop() Value {
	n := len(s.values)
	v := s.values[n-1]
	s.values = s.values[:n-1]
	return v
}

// PopN removes the top n values and returns them in stack order
// (deepest first).
func (s *Stash) PopN(n int) []Value {
	out := make([]Value, n)
	base := len(s.values) - n
	copy(out, s.values[base:])
	s.values = s.values[:base]
	return out
}

// Peek returns the top value without removing it.
func (s *Stash) Peek() (Value, bool) {
	if len(s.values) == 0 {
		return Undefined, false
	}
	return s.values[len(s.values)-1], true
}

// Len returns the operand count.
func (s *Stash) Len() int { return len(s.values) }

// Clear drops all operands.
func (s *Stash) Clear() { s.values = s.values[:0] }

// Snapshot copies the current values, deepest first.
func (s *Stash) Snapshot() []Value {
	out := make([]Value, len(s.values))
	copy(out, s.values)
	return out
}

// RestoreFrom replaces the contents with a snapshot.
func (s *Stash) RestoreFrom(values []Value) {
	s.values = append(s.values[:0], values...)
}
