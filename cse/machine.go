package cse

import (
	"sync/atomic"
	"time"

	"github.com/chazu/sling/ast"
	"github.com/chazu/sling/diag"
)

// ---------------------------------------------------------------------------
// Machine: the Control-Stash-Environment evaluator
// ---------------------------------------------------------------------------

// DefaultMaxControlDepth bounds the control stack. Tail-recursive programs
// never approach it; non-tail runaway recursion hits it and reports a
// stack overflow instead of exhausting host memory.
const DefaultMaxControlDepth = 1 << 20

// timeoutExtensionFactor multiplies the wall-clock budget once when the
// caller opted into extension.
const timeoutExtensionFactor = 10

// Machine executes Source ASTs step by step. All pending work lives on the
// explicit control stack; the machine never recurses through the host call
// stack during evaluation, which is what makes suspension, resumption,
// interrupts, and tail calls reliable.
type Machine struct {
	rt *Runtime

	// Global is the root frame; builtins are injected here as constants.
	Global *Environment

	env     *Environment
	control Control
	stash   Stash

	envs      []*Environment
	nextEnvID uint32

	// Step accounting. steps counts control pops since Run.
	steps       int64
	stepWindow  int64 // configured budget per run/resume window, <0 = unlimited
	stepLimit   int64 // absolute threshold for the current window
	breakpoints map[int64]struct{}

	// Progress tracking for infinite-loop heuristics: the last step at
	// which a binding changed or a heap cell was written.
	lastProgress       int64
	throwInfiniteLoops bool

	interrupted atomic.Bool

	maxExec         time.Duration
	deadline        time.Time
	allowExtension  bool
	extensionSpent  bool
	maxControlDepth int

	// currentLoc is the location of the most recently dispatched item,
	// used to attribute interrupts and timeouts.
	currentLoc ast.Location

	errs      []diag.Diagnostic
	errFlag   bool
	suspended bool
}

// NewMachine creates a machine over the given runtime with an empty global
// frame.
func NewMachine(rt *Runtime) *Machine {
	m := &Machine{
		rt:              rt,
		stepWindow:      -1,
		stepLimit:       -1,
		breakpoints:     make(map[int64]struct{}),
		maxControlDepth: DefaultMaxControlDepth,
		currentLoc:      ast.UnknownLocation,
	}
	m.Global = m.Extend(nil, "global")
	m.env = m.Global
	rt.Apply = m.CallFunction
	return m
}

// Runtime returns the heap+hooks bundle the machine allocates against.
func (m *Machine) Runtime() *Runtime { return m.rt }

// CurrentEnv returns the environment of the frame being executed.
func (m *Machine) CurrentEnv() *Environment { return m.env }

// Environments returns every frame created so far, global first.
func (m *Machine) Environments() []*Environment { return m.envs }

// Steps returns the number of control pops performed since Run.
func (m *Machine) Steps() int64 { return m.steps }

// ControlDepth returns the current control stack size.
func (m *Machine) ControlDepth() int { return m.control.Len() }

// SetStepLimit installs a per-window step budget. Negative disables it.
func (m *Machine) SetStepLimit(limit int64) {
	m.stepWindow = limit
	m.stepLimit = limit
}

// SetBreakpoints installs the step indices at which evaluation suspends.
func (m *Machine) SetBreakpoints(steps []int64) {
	m.breakpoints = make(map[int64]struct{}, len(steps))
	for _, s := range steps {
		m.breakpoints[s] = struct{}{}
	}
}

// SetTimeout installs a wall-clock budget, optionally extendable once by
// the fixed factor.
func (m *Machine) SetTimeout(d time.Duration, allowExtension bool) {
	m.maxExec = d
	m.allowExtension = allowExtension
}

// SetThrowInfiniteLoops turns step-budget exhaustion without progress into
// a potential-infinite-loop error instead of a suspension.
func (m *Machine) SetThrowInfiniteLoops(on bool) {
	m.throwInfiniteLoops = on
}

// SetMaxControlDepth overrides the control depth guard.
func (m *Machine) SetMaxControlDepth(n int) {
	m.maxControlDepth = n
}

// Interrupt marks the machine interrupted. The flag is observed between
// steps; the machine records an interruption error before producing
// another value.
func (m *Machine) Interrupt() {
	m.interrupted.Store(true)
}

// DefineBuiltin injects a primitive as a constant in the global frame.
func (m *Machine) DefineBuiltin(b Builtin) {
	m.Global.Define(b.Name, ast.BindConst, m.rt.Heap.AllocBuiltin(b))
}

// DefineConstant injects a plain constant in the global frame.
func (m *Machine) DefineConstant(name string, v Value) {
	m.Global.Define(name, ast.BindConst, v)
}

// ---------------------------------------------------------------------------
// Run / resume
// ---------------------------------------------------------------------------

// Run starts a fresh evaluation of prog. Top-level declarations live in a
// program frame under the global frame so repeated runs do not collide.
func (m *Machine) Run(prog *ast.Program) Result {
	m.control.Clear()
	m.stash.Clear()
	m.errs = nil
	m.errFlag = false
	m.suspended = false
	m.steps = 0
	m.lastProgress = 0
	m.stepLimit = m.stepWindow
	m.extensionSpent = false
	m.interrupted.Store(false)
	if m.maxExec > 0 {
		m.deadline = time.Now().Add(m.maxExec)
	} else {
		m.deadline = time.Time{}
	}

	m.env = m.Extend(m.Global, "program")
	m.control.PushNode(prog)
	return m.loop()
}

// Resume continues a suspended evaluation from exactly the saved control,
// stash, and environment. A fresh step window is granted when the previous
// one was exhausted.
func (m *Machine) Resume() Result {
	if !m.suspended {
		return failed([]diag.Diagnostic{diag.Runtime(diag.HostError, ast.UnknownLocation,
			"Machine is not suspended.")})
	}
	m.suspended = false
	if m.stepWindow >= 0 && m.steps >= m.stepLimit {
		m.stepLimit = m.steps + m.stepWindow
	}
	return m.loop()
}

// fail records a runtime error. The step loop unwinds afterwards.
func (m *Machine) fail(err *diag.RuntimeError) {
	m.errs = append(m.errs, err)
	m.errFlag = true
}

// unwind drains the control and stash after an error, replaying the
// environment restorations of any pending markers so the frame bookkeeping
// stays consistent for inspection.
func (m *Machine) unwind() {
	for !m.control.Empty() {
		item := m.control.Pop()
		if item.Instr == nil {
			continue
		}
		switch item.Instr.Kind {
		case InstrEnvLeave, InstrReturnMarker:
			m.env = item.Instr.Env
		}
	}
	m.stash.Clear()
}

// loop is the step loop: pop one control item at a time until the control
// empties, a budget or breakpoint fires, or an error is recorded.
// Suspension points are exactly the boundaries between pops.
func (m *Machine) loop() Result {
	for {
		if m.interrupted.Load() {
			m.fail(diag.Runtime(diag.Interrupted, m.currentLoc, "Execution aborted by user."))
			m.unwind()
			return failed(m.errs)
		}
		if !m.deadline.IsZero() && time.Now().After(m.deadline) {
			if m.allowExtension && !m.extensionSpent {
				m.extensionSpent = true
				m.deadline = time.Now().Add(m.maxExec * (timeoutExtensionFactor - 1))
			} else {
				m.fail(diag.Runtime(diag.Timeout, m.currentLoc,
					"Execution exceeded the time limit.").
					WithDetail("The program ran longer than the configured limit of %v. It may contain an infinite loop.", m.maxExec))
				m.unwind()
				return failed(m.errs)
			}
		}
		if m.control.Empty() {
			if v, ok := m.stash.Peek(); ok {
				return finished(v)
			}
			return finished(Undefined)
		}
		if _, ok := m.breakpoints[m.steps]; ok {
			delete(m.breakpoints, m.steps)
			m.suspended = true
			return suspended()
		}
		if m.stepWindow >= 0 && m.steps >= m.stepLimit {
			if m.throwInfiniteLoops && m.loopPendingWithoutProgress() {
				m.fail(diag.Runtime(diag.PotentialInfiniteLoop, m.currentLoc,
					"Potential infinite loop detected.").
					WithDetail("The step budget ran out inside a loop that made no observable progress. If the loop is intentional, raise the step limit."))
				m.unwind()
				return failed(m.errs)
			}
			m.suspended = true
			return suspended()
		}

		item := m.control.Pop()
		m.steps++

		if item.Node != nil {
			m.evalNode(item.Node)
		} else {
			m.execInstr(item.Instr)
		}

		if m.errFlag {
			m.unwind()
			return failed(m.errs)
		}
		if m.control.Len() > m.maxControlDepth {
			m.fail(diag.Runtime(diag.StackOverflow, m.currentLoc,
				"Maximum call stack size exceeded."))
			m.unwind()
			return failed(m.errs)
		}
	}
}

// loopPendingWithoutProgress reports whether a loop instruction is pending
// while no binding or heap write happened in the second half of the
// current step window.
func (m *Machine) loopPendingWithoutProgress() bool {
	if m.stepWindow <= 0 || m.steps-m.lastProgress < m.stepWindow/2 {
		return false
	}
	for _, item := range m.control.Snapshot() {
		if item.Instr == nil {
			continue
		}
		if item.Instr.Kind == InstrWhileTest || item.Instr.Kind == InstrForTest {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// AST dispatch
// ---------------------------------------------------------------------------

// hoist pre-declares every binding introduced by a statement list so that
// reads before the declaration executes fail with a dead-zone error.
func hoist(stmts []ast.Statement, env *Environment) {
	for _, s := range stmts {
		switch d := s.(type) {
		case *ast.VariableDeclaration:
			env.Declare(d.Name, d.Kind)
		case *ast.FunctionDeclaration:
			env.Declare(d.Name, ast.BindConst)
		}
	}
}

// pushStatements schedules a statement list, discarding every value except
// the final statement's. An empty list evaluates to undefined.
func (m *Machine) pushStatements(stmts []ast.Statement) {
	if len(stmts) == 0 {
		m.stash.Push(Undefined)
		return
	}
	for i := len(stmts) - 1; i >= 0; i-- {
		m.control.PushNode(stmts[i])
		if i > 0 {
			m.control.PushInstr(&Instruction{Kind: InstrPop})
		}
	}
}

func (m *Machine) evalNode(node ast.Node) {
	m.currentLoc = node.Loc()

	switch n := node.(type) {
	case *ast.Program:
		hoist(n.Body, m.env)
		m.pushStatements(n.Body)

	case *ast.StatementSequence:
		hoist(n.Body, m.env)
		m.pushStatements(n.Body)

	case *ast.BlockStatement:
		if len(n.Body) == 0 {
			m.stash.Push(Undefined)
			return
		}
		inner := m.Extend(m.env, "block")
		hoist(n.Body, inner)
		m.control.PushInstr(&Instruction{Kind: InstrEnvLeave, Env: m.env})
		m.pushStatements(n.Body)
		m.control.PushInstr(&Instruction{Kind: InstrEnvEnter, Env: inner})

	case *ast.ExpressionStatement:
		m.control.PushNode(n.Expression)

	case *ast.VariableDeclaration:
		m.control.PushInstr(&Instruction{Kind: InstrDefine, Name: n.Name, Bind: n.Kind, Loc: n.Loc()})
		if n.Init != nil {
			m.control.PushNode(n.Init)
		} else {
			m.stash.Push(Undefined)
		}

	case *ast.FunctionDeclaration:
		closure := m.rt.Heap.AllocClosure(m.env, &ClosureCell{
			Name:   n.Name,
			Params: n.Params,
			Body:   n.Body,
			Env:    m.env,
			Loc:    n.Loc(),
		})
		m.env.Define(n.Name, ast.BindConst, closure)
		m.lastProgress = m.steps
		m.stash.Push(Undefined)

	case *ast.ReturnStatement:
		m.control.PushInstr(&Instruction{Kind: InstrReturn, Loc: n.Loc()})
		if n.Argument != nil {
			m.control.PushNode(n.Argument)
		} else {
			m.stash.Push(Undefined)
		}

	case *ast.IfStatement:
		m.control.PushInstr(&Instruction{Kind: InstrBranch, Cons: n.Consequent, Alt: n.Alternate, Loc: n.Test.Loc()})
		m.control.PushNode(n.Test)

	case *ast.WhileStatement:
		m.control.PushInstr(&Instruction{Kind: InstrWhileTest, Test: n.Test, Body: n.Body, Loc: n.Test.Loc()})
		m.control.PushNode(n.Test)

	case *ast.ForStatement:
		m.evalFor(n)

	case *ast.Literal:
		switch n.Kind {
		case ast.LiteralNumber:
			m.stash.Push(FromFloat64(n.Number))
		case ast.LiteralString:
			m.stash.Push(m.rt.Heap.AllocString(n.String))
		case ast.LiteralBool:
			m.stash.Push(FromBool(n.Bool))
		case ast.LiteralNull:
			m.stash.Push(Null)
		}

	case *ast.Identifier:
		v, err := m.env.Lookup(n.Name, n.Loc())
		if err != nil {
			m.fail(err)
			return
		}
		m.stash.Push(v)

	case *ast.BinaryExpression:
		m.control.PushInstr(&Instruction{Kind: InstrBinaryOp, Op: n.Operator, Loc: n.Loc()})
		m.control.PushNode(n.Right)
		m.control.PushNode(n.Left)

	case *ast.LogicalExpression:
		// a && b  =>  a ? b : false       a || b  =>  a ? true : b
		in := &Instruction{Kind: InstrBranch, Loc: n.Loc()}
		if n.Operator == "&&" {
			in.Cons = n.Right
			in.Alt = ast.BoolLiteral(false, n.Loc())
		} else {
			in.Cons = ast.BoolLiteral(true, n.Loc())
			in.Alt = n.Right
		}
		m.control.PushInstr(in)
		m.control.PushNode(n.Left)

	case *ast.UnaryExpression:
		m.control.PushInstr(&Instruction{Kind: InstrUnaryOp, Op: n.Operator, Loc: n.Loc()})
		m.control.PushNode(n.Operand)

	case *ast.ConditionalExpression:
		m.control.PushInstr(&Instruction{Kind: InstrBranch, Cons: n.Consequent, Alt: n.Alternate, Loc: n.Test.Loc()})
		m.control.PushNode(n.Test)

	case *ast.CallExpression:
		m.control.PushInstr(&Instruction{Kind: InstrApply, Count: len(n.Arguments), Loc: n.Loc()})
		for i := len(n.Arguments) - 1; i >= 0; i-- {
			m.control.PushNode(n.Arguments[i])
		}
		m.control.PushNode(n.Callee)

	case *ast.ArrowFunctionExpression:
		closure := m.rt.Heap.AllocClosure(m.env, &ClosureCell{
			Params: n.Params,
			Body:   n.Body,
			Env:    m.env,
			Loc:    n.Loc(),
		})
		m.stash.Push(closure)

	case *ast.FunctionExpression:
		closure := m.rt.Heap.AllocClosure(m.env, &ClosureCell{
			Name:   n.Name,
			Params: n.Params,
			Body:   n.Body,
			Env:    m.env,
			Loc:    n.Loc(),
		})
		m.stash.Push(closure)

	case *ast.AssignmentExpression:
		switch target := n.Target.(type) {
		case *ast.Identifier:
			m.control.PushInstr(&Instruction{Kind: InstrAssign, Name: target.Name, Loc: n.Loc()})
			m.control.PushNode(n.Value)
		case *ast.MemberExpression:
			m.control.PushInstr(&Instruction{Kind: InstrArrayAssign, Loc: n.Loc()})
			m.control.PushNode(n.Value)
			m.control.PushNode(target.Index)
			m.control.PushNode(target.Object)
		default:
			m.fail(diag.Runtime(diag.TypeMismatch, n.Loc(), "Invalid assignment target."))
		}

	case *ast.ArrayExpression:
		m.control.PushInstr(&Instruction{Kind: InstrArrayLit, Count: len(n.Elements), Loc: n.Loc()})
		for i := len(n.Elements) - 1; i >= 0; i-- {
			m.control.PushNode(n.Elements[i])
		}

	case *ast.MemberExpression:
		m.control.PushInstr(&Instruction{Kind: InstrArrayAccess, Loc: n.Loc()})
		m.control.PushNode(n.Index)
		m.control.PushNode(n.Object)

	default:
		m.fail(diag.Runtime(diag.TypeMismatch, node.Loc(), "Unsupported syntax node."))
	}
}

// evalFor lowers a three-clause loop. A declaring init clause gets its own
// frame so the loop variable does not leak.
func (m *Machine) evalFor(n *ast.ForStatement) {
	test := n.Test
	if test == nil {
		test = ast.BoolLiteral(true, n.Loc())
	}

	var loopEnv *Environment
	decl, declares := n.Init.(*ast.VariableDeclaration)
	if declares {
		loopEnv = m.Extend(m.env, "for")
		loopEnv.Declare(decl.Name, decl.Kind)
	}

	if declares {
		m.control.PushInstr(&Instruction{Kind: InstrEnvLeave, Env: m.env})
	}
	m.control.PushInstr(&Instruction{Kind: InstrForTest, Test: test, Body: n.Body, Update: n.Update, Loc: test.Loc()})
	m.control.PushNode(test)
	if n.Init != nil {
		m.control.PushInstr(&Instruction{Kind: InstrPop})
		m.control.PushNode(n.Init)
	}
	if declares {
		m.control.PushInstr(&Instruction{Kind: InstrEnvEnter, Env: loopEnv})
	}
}

// ---------------------------------------------------------------------------
// Instruction dispatch
// ---------------------------------------------------------------------------

func (m *Machine) execInstr(in *Instruction) {
	if in.Loc.IsKnown() {
		m.currentLoc = in.Loc
	}

	switch in.Kind {
	case InstrBinaryOp:
		right := m.stash.Pop()
		left := m.stash.Pop()
		v, err := m.rt.ApplyBinary(in.Op, left, right, in.Loc)
		if err != nil {
			m.fail(err)
			return
		}
		m.stash.Push(v)

	case InstrUnaryOp:
		operand := m.stash.Pop()
		v, err := m.rt.ApplyUnary(in.Op, operand, in.Loc)
		if err != nil {
			m.fail(err)
			return
		}
		m.stash.Push(v)

	case InstrBranch:
		cond := m.stash.Pop()
		if err := requireBool(cond, in.Loc); err != nil {
			m.fail(err)
			return
		}
		if cond == True {
			m.control.PushNode(in.Cons)
		} else if in.Alt != nil {
			m.control.PushNode(in.Alt)
		} else {
			m.stash.Push(Undefined)
		}

	case InstrPop:
		m.stash.Pop()

	case InstrApply:
		m.applyN(in)

	case InstrReturnMarker:
		// Reached without an explicit return: the function's value is
		// undefined, not the body's completion value.
		m.stash.Pop()
		m.stash.Push(Undefined)
		m.env = in.Env

	case InstrReturn:
		// The return value is already on the stash; unwind to the
		// nearest marker, restoring its saved environment.
		for {
			if m.control.Empty() {
				m.fail(diag.Runtime(diag.TypeMismatch, in.Loc, "Return outside of function."))
				return
			}
			item := m.control.Pop()
			if item.Instr != nil && item.Instr.Kind == InstrReturnMarker {
				m.env = item.Instr.Env
				return
			}
		}

	case InstrAssign:
		v := m.stash.Pop()
		if err := m.env.Assign(in.Name, v, in.Loc); err != nil {
			m.fail(err)
			return
		}
		m.lastProgress = m.steps
		m.stash.Push(v)

	case InstrDefine:
		v := m.stash.Pop()
		if v.IsClosure() {
			c := m.rt.Heap.Closure(v)
			if c.Name == "" {
				c.Name = in.Name
			}
		}
		m.env.Define(in.Name, in.Bind, v)
		m.lastProgress = m.steps
		m.stash.Push(Undefined)

	case InstrArrayLit:
		elems := m.stash.PopN(in.Count)
		m.lastProgress = m.steps
		m.stash.Push(m.rt.Heap.AllocArray(m.env, elems))

	case InstrPairCons:
		tail := m.stash.Pop()
		head := m.stash.Pop()
		m.lastProgress = m.steps
		m.stash.Push(m.rt.Heap.AllocPair(m.env, head, tail))

	case InstrArrayAccess:
		idx := m.stash.Pop()
		arr := m.stash.Pop()
		v, err := m.arrayGet(arr, idx, in.Loc)
		if err != nil {
			m.fail(err)
			return
		}
		m.stash.Push(v)

	case InstrArrayAssign:
		val := m.stash.Pop()
		idx := m.stash.Pop()
		arr := m.stash.Pop()
		if err := m.arraySet(arr, idx, val, in.Loc); err != nil {
			m.fail(err)
			return
		}
		m.lastProgress = m.steps
		m.stash.Push(val)

	case InstrWhileTest:
		cond := m.stash.Pop()
		if err := requireBool(cond, in.Loc); err != nil {
			m.fail(err)
			return
		}
		if cond == False {
			m.stash.Push(Undefined)
			return
		}
		m.control.PushInstr(in)
		m.control.PushNode(in.Test)
		m.control.PushInstr(&Instruction{Kind: InstrPop})
		m.control.PushNode(in.Body)

	case InstrForTest:
		cond := m.stash.Pop()
		if err := requireBool(cond, in.Loc); err != nil {
			m.fail(err)
			return
		}
		if cond == False {
			m.stash.Push(Undefined)
			return
		}
		m.control.PushInstr(in)
		m.control.PushNode(in.Test)
		m.control.PushInstr(&Instruction{Kind: InstrPop})
		if in.Update != nil {
			m.control.PushNode(in.Update)
			m.control.PushInstr(&Instruction{Kind: InstrPop})
		}
		m.control.PushNode(in.Body)

	case InstrEnvEnter:
		m.env = in.Env

	case InstrEnvLeave:
		m.env = in.Env

	case InstrRestore:
		m.control.RestoreFrom(in.Control)
		m.stash.RestoreFrom(in.Stash)
	}
}

// CallFunction applies a function value on behalf of host code (builtins
// that force stream tails). The suspended outer control, stash, and
// environment are snapshotted, a nested step loop runs the call to
// completion over fresh stacks, and the outer state is restored before
// returning. Interrupts, the wall-clock budget, and the control depth
// guard stay observed inside the nested run; step budgets and breakpoints
// do not fire, because a suspension cannot cross a host call.
func (m *Machine) CallFunction(fn Value, args []Value, loc ast.Location) (Value, error) {
	savedControl := m.control.Snapshot()
	savedStash := m.stash.Snapshot()
	savedEnv := m.env

	m.control.Clear()
	m.stash.Clear()
	m.stash.Push(fn)
	for _, a := range args {
		m.stash.Push(a)
	}
	m.control.PushInstr(&Instruction{Kind: InstrApply, Count: len(args), Loc: loc})

	result := Undefined
	for !m.errFlag {
		if m.interrupted.Load() {
			m.fail(diag.Runtime(diag.Interrupted, m.currentLoc, "Execution aborted by user."))
			break
		}
		if !m.deadline.IsZero() && time.Now().After(m.deadline) {
			if m.allowExtension && !m.extensionSpent {
				m.extensionSpent = true
				m.deadline = time.Now().Add(m.maxExec * (timeoutExtensionFactor - 1))
			} else {
				m.fail(diag.Runtime(diag.Timeout, m.currentLoc, "Execution exceeded the time limit."))
				break
			}
		}
		if m.control.Empty() {
			if v, ok := m.stash.Peek(); ok {
				result = v
			}
			break
		}
		item := m.control.Pop()
		m.steps++
		if item.Node != nil {
			m.evalNode(item.Node)
		} else {
			m.execInstr(item.Instr)
		}
		if m.control.Len() > m.maxControlDepth {
			m.fail(diag.Runtime(diag.StackOverflow, m.currentLoc, "Maximum call stack size exceeded."))
			break
		}
	}

	m.control.RestoreFrom(savedControl)
	m.stash.RestoreFrom(savedStash)
	m.env = savedEnv

	if m.errFlag {
		// Hand the failure back to the calling builtin; the outer loop
		// re-records it at the call site.
		m.errFlag = false
		err := m.errs[len(m.errs)-1]
		m.errs = m.errs[:len(m.errs)-1]
		return Undefined, err
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Call protocol
// ---------------------------------------------------------------------------

func (m *Machine) applyN(in *Instruction) {
	vals := m.stash.PopN(in.Count + 1)
	callee := vals[0]
	args := vals[1:]

	switch {
	case callee.IsClosure():
		c := m.rt.Heap.Closure(callee)
		if len(args) != c.Arity() {
			m.fail(diag.Runtime(diag.ArityMismatch, in.Loc,
				"Expected %d arguments, but got %d.", c.Arity(), len(args)))
			return
		}

		// Tail position: the only pending work above this call is the
		// return plumbing of the caller. Consume it now and reuse the
		// caller's marker instead of pushing a new one, so
		// tail-recursive programs run in bounded control.
		tail := false
		if top, ok := m.control.Peek(); ok && top.Instr != nil && top.Instr.Kind == InstrReturn {
			m.control.Pop()
			for {
				next, ok := m.control.Peek()
				if !ok {
					break
				}
				if next.Instr != nil && next.Instr.Kind == InstrReturnMarker {
					break
				}
				m.control.Pop()
			}
			tail = true
		}

		name := c.Name
		if name == "" {
			name = "lambda"
		}
		frame := m.Extend(c.Env, name)
		frame.CallSite = in.Loc
		for i, p := range c.Params {
			frame.Define(p, ast.BindLet, args[i])
		}
		if !tail {
			m.control.PushInstr(&Instruction{Kind: InstrReturnMarker, Env: m.env})
		}
		m.env = frame
		m.control.PushNode(c.Body)

	case callee.IsBuiltin():
		cell := m.rt.Heap.BuiltinCell(callee)
		v, err := m.rt.Invoke(cell, args, in.Loc)
		if err != nil {
			m.fail(err)
			return
		}
		m.stash.Push(v)

	default:
		m.fail(diag.Runtime(diag.NotAFunction, in.Loc,
			"Calling non-function value %s.", m.rt.DisplayValue(callee)))
	}
}

// ---------------------------------------------------------------------------
// Array access helpers
// ---------------------------------------------------------------------------

func (m *Machine) arrayIndex(idx Value, loc ast.Location) (int, *diag.RuntimeError) {
	if !idx.IsNumber() {
		return 0, diag.Runtime(diag.TypeMismatch, loc,
			"Expected number as array index, got %s.", idx.TypeName())
	}
	f := idx.Float64()
	i := int(f)
	if float64(i) != f || i < 0 {
		return 0, diag.Runtime(diag.IndexOutOfRange, loc,
			"Array index must be a non-negative integer, got %s.", FormatNumber(f))
	}
	return i, nil
}

func (m *Machine) arrayGet(arr, idx Value, loc ast.Location) (Value, *diag.RuntimeError) {
	if !arr.IsArray() {
		return Undefined, diag.Runtime(diag.TypeMismatch, loc,
			"Expected array, got %s.", arr.TypeName())
	}
	i, err := m.arrayIndex(idx, loc)
	if err != nil {
		return Undefined, err
	}
	cell := m.rt.Heap.Array(arr)
	if i >= len(cell.Elems) {
		return Undefined, nil
	}
	return cell.Elems[i], nil
}

func (m *Machine) arraySet(arr, idx, val Value, loc ast.Location) *diag.RuntimeError {
	if !arr.IsArray() {
		return diag.Runtime(diag.TypeMismatch, loc,
			"Expected array, got %s.", arr.TypeName())
	}
	i, err := m.arrayIndex(idx, loc)
	if err != nil {
		return err
	}
	cell := m.rt.Heap.Array(arr)
	for len(cell.Elems) <= i {
		cell.Elems = append(cell.Elems, Undefined)
	}
	cell.Elems[i] = val
	return nil
}
