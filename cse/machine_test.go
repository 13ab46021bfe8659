package cse

import (
	"testing"
	"time"

	"github.com/chazu/sling/ast"
	"github.com/chazu/sling/diag"
)

// ---------------------------------------------------------------------------
// AST construction helpers
// ---------------------------------------------------------------------------

func num(f float64) *ast.Literal       { return ast.NumberLiteral(f, ast.UnknownLocation) }
func str(s string) *ast.Literal        { return ast.StringLiteral(s, ast.UnknownLocation) }
func boolean(b bool) *ast.Literal      { return ast.BoolLiteral(b, ast.UnknownLocation) }
func name(n string) *ast.Identifier    { return &ast.Identifier{Name: n} }
func expr(e ast.Expression) ast.Statement {
	return &ast.ExpressionStatement{Expression: e}
}

func binary(op string, l, r ast.Expression) *ast.BinaryExpression {
	return &ast.BinaryExpression{Operator: op, Left: l, Right: r}
}

func call(callee ast.Expression, args ...ast.Expression) *ast.CallExpression {
	return &ast.CallExpression{Callee: callee, Arguments: args}
}

func constDecl(n string, init ast.Expression) *ast.VariableDeclaration {
	return &ast.VariableDeclaration{Kind: ast.BindConst, Name: n, Init: init}
}

func letDecl(n string, init ast.Expression) *ast.VariableDeclaration {
	return &ast.VariableDeclaration{Kind: ast.BindLet, Name: n, Init: init}
}

func arrow(params []string, body ast.Node) *ast.ArrowFunctionExpression {
	return &ast.ArrowFunctionExpression{Params: params, Body: body}
}

func ret(e ast.Expression) *ast.ReturnStatement {
	return &ast.ReturnStatement{Argument: e}
}

func cond(test, cons, alt ast.Expression) *ast.ConditionalExpression {
	return &ast.ConditionalExpression{Test: test, Consequent: cons, Alternate: alt}
}

func program(stmts ...ast.Statement) *ast.Program {
	return &ast.Program{Body: stmts}
}

func newTestMachine(level int) *Machine {
	m := NewMachine(NewRuntime(Hooks{}))
	m.LoadLevel(level)
	return m
}

func runProgram(t *testing.T, m *Machine, prog *ast.Program) Value {
	t.Helper()
	r := m.Run(prog)
	if r.Status != StatusFinished {
		t.Fatalf("status = %v, diagnostics = %v", r.Status, r.Diagnostics)
	}
	return r.Value
}

func wantNumber(t *testing.T, m *Machine, v Value, want float64) {
	t.Helper()
	if !v.IsNumber() || v.Float64() != want {
		t.Errorf("result = %s, want %v", m.rt.DisplayValue(v), want)
	}
}

func runtimeCode(t *testing.T, r Result) diag.RuntimeCode {
	t.Helper()
	if r.Status != StatusError {
		t.Fatalf("status = %v, want Error", r.Status)
	}
	if len(r.Diagnostics) == 0 {
		t.Fatal("no diagnostics recorded")
	}
	re, ok := r.Diagnostics[0].(*diag.RuntimeError)
	if !ok {
		t.Fatalf("diagnostic is %T, want *diag.RuntimeError", r.Diagnostics[0])
	}
	return re.Code
}

// ---------------------------------------------------------------------------
// Expression evaluation
// ---------------------------------------------------------------------------

func TestArithmeticPrecedence(t *testing.T) {
	// 1 + 2 * 3;
	m := newTestMachine(1)
	v := runProgram(t, m, program(expr(binary("+", num(1), binary("*", num(2), num(3))))))
	wantNumber(t, m, v, 7)
}

func TestStringConcatenation(t *testing.T) {
	m := newTestMachine(1)
	v := runProgram(t, m, program(expr(binary("+", str("foo"), str("bar")))))
	if !v.IsString() || m.rt.Heap.String(v) != "foobar" {
		t.Errorf("result = %s, want \"foobar\"", m.rt.DisplayValue(v))
	}
}

func TestStrictEquality(t *testing.T) {
	m := newTestMachine(1)
	cases := []struct {
		op   string
		l, r ast.Expression
		want Value
	}{
		{"===", num(1), num(1), True},
		{"===", num(0), binary("-", num(0), num(0)), True},
		{"!==", str("a"), str("b"), True},
		{"===", str("a"), str("a"), True},
		{"===", boolean(true), num(1), False},
	}
	for _, c := range cases {
		v := runProgram(t, m, program(expr(binary(c.op, c.l, c.r))))
		if v != c.want {
			t.Errorf("%s: got %s", c.op, m.rt.DisplayValue(v))
		}
	}
}

func TestNaNNotEqualToItself(t *testing.T) {
	m := newTestMachine(1)
	v := runProgram(t, m, program(expr(binary("===", name("NaN"), name("NaN")))))
	if v != False {
		t.Errorf("NaN === NaN = %s, want false", m.rt.DisplayValue(v))
	}
}

func TestOperatorTypeMismatch(t *testing.T) {
	m := newTestMachine(1)
	r := m.Run(program(expr(binary("*", str("x"), num(2)))))
	if code := runtimeCode(t, r); code != diag.TypeMismatch {
		t.Errorf("code = %v, want TypeMismatch", code)
	}
}

func TestLogicalShortCircuit(t *testing.T) {
	// false && error("boom") must not evaluate the right operand.
	m := newTestMachine(1)
	v := runProgram(t, m, program(expr(&ast.LogicalExpression{
		Operator: "&&",
		Left:     boolean(false),
		Right:    call(name("error"), str("boom")),
	})))
	if v != False {
		t.Errorf("result = %s, want false", m.rt.DisplayValue(v))
	}
}

func TestConditionalRequiresBoolean(t *testing.T) {
	m := newTestMachine(1)
	r := m.Run(program(expr(cond(num(1), num(2), num(3)))))
	if code := runtimeCode(t, r); code != diag.TypeMismatch {
		t.Errorf("code = %v, want TypeMismatch", code)
	}
}

// ---------------------------------------------------------------------------
// Declarations, scoping, assignment
// ---------------------------------------------------------------------------

func TestConstReassignmentFails(t *testing.T) {
	// const x = 1; x = 2;
	m := newTestMachine(1)
	r := m.Run(program(
		constDecl("x", num(1)),
		expr(&ast.AssignmentExpression{Target: name("x"), Value: num(2)}),
	))
	if code := runtimeCode(t, r); code != diag.ConstAssignment {
		t.Errorf("code = %v, want ConstAssignment", code)
	}
}

func TestLetAssignment(t *testing.T) {
	m := newTestMachine(1)
	v := runProgram(t, m, program(
		letDecl("x", num(1)),
		expr(&ast.AssignmentExpression{Target: name("x"), Value: num(2)}),
		expr(name("x")),
	))
	wantNumber(t, m, v, 2)
}

func TestUndeclaredVariable(t *testing.T) {
	m := newTestMachine(1)
	r := m.Run(program(expr(name("nope"))))
	if code := runtimeCode(t, r); code != diag.UndefinedVariable {
		t.Errorf("code = %v, want UndefinedVariable", code)
	}
}

func TestTemporalDeadZone(t *testing.T) {
	// { x; let x = 1; }
	m := newTestMachine(1)
	r := m.Run(program(&ast.BlockStatement{Body: []ast.Statement{
		expr(name("x")),
		letDecl("x", num(1)),
	}}))
	if code := runtimeCode(t, r); code != diag.UnassignedVariable {
		t.Errorf("code = %v, want UnassignedVariable", code)
	}
}

func TestBlockScopeShadowing(t *testing.T) {
	// let x = 1; { let x = 2; } x;
	m := newTestMachine(1)
	v := runProgram(t, m, program(
		letDecl("x", num(1)),
		&ast.BlockStatement{Body: []ast.Statement{letDecl("x", num(2))}},
		expr(name("x")),
	))
	wantNumber(t, m, v, 1)
}

func TestEnvironmentAcyclicity(t *testing.T) {
	m := newTestMachine(1)
	runProgram(t, m, program(
		constDecl("f", arrow([]string{"n"}, ret(cond(
			binary("===", name("n"), num(0)),
			num(0),
			call(name("f"), binary("-", name("n"), num(1))),
		)))),
		expr(call(name("f"), num(30))),
	))
	for _, env := range m.Environments() {
		depth := env.Depth()
		if depth < 0 || depth > len(m.Environments()) {
			t.Fatalf("frame %d has implausible depth %d", env.ID, depth)
		}
	}
}

// ---------------------------------------------------------------------------
// Functions and calls
// ---------------------------------------------------------------------------

func TestFactorialRecursion(t *testing.T) {
	// const f = n => n === 0 ? 1 : n * f(n-1); f(5);
	m := newTestMachine(1)
	v := runProgram(t, m, program(
		constDecl("f", arrow([]string{"n"}, ret(cond(
			binary("===", name("n"), num(0)),
			num(1),
			binary("*", name("n"), call(name("f"), binary("-", name("n"), num(1)))),
		)))),
		expr(call(name("f"), num(5))),
	))
	wantNumber(t, m, v, 120)
}

func TestFunctionDeclarationAndImplicitReturn(t *testing.T) {
	// function f(x) { x + 1; } f(1); -- no return, so undefined.
	m := newTestMachine(1)
	v := runProgram(t, m, program(
		&ast.FunctionDeclaration{Name: "f", Params: []string{"x"},
			Body: &ast.BlockStatement{Body: []ast.Statement{
				expr(binary("+", name("x"), num(1))),
			}}},
		expr(call(name("f"), num(1))),
	))
	if v != Undefined {
		t.Errorf("result = %s, want undefined", m.rt.DisplayValue(v))
	}
}

func TestExplicitReturn(t *testing.T) {
	m := newTestMachine(1)
	v := runProgram(t, m, program(
		&ast.FunctionDeclaration{Name: "f", Params: []string{"x"},
			Body: &ast.BlockStatement{Body: []ast.Statement{
				ret(binary("+", name("x"), num(1))),
				expr(num(999)),
			}}},
		expr(call(name("f"), num(1))),
	))
	wantNumber(t, m, v, 2)
}

func TestArityMismatch(t *testing.T) {
	m := newTestMachine(1)
	r := m.Run(program(
		constDecl("f", arrow([]string{"a", "b"}, ret(name("a")))),
		expr(call(name("f"), num(1))),
	))
	if code := runtimeCode(t, r); code != diag.ArityMismatch {
		t.Errorf("code = %v, want ArityMismatch", code)
	}
}

func TestNotAFunction(t *testing.T) {
	m := newTestMachine(1)
	r := m.Run(program(expr(call(num(42)))))
	if code := runtimeCode(t, r); code != diag.NotAFunction {
		t.Errorf("code = %v, want NotAFunction", code)
	}
}

func TestClosureCapture(t *testing.T) {
	// const add = x => y => x + y; add(3)(4);
	m := newTestMachine(1)
	v := runProgram(t, m, program(
		constDecl("add", arrow([]string{"x"},
			ret(arrow([]string{"y"}, ret(binary("+", name("x"), name("y"))))))),
		expr(call(call(name("add"), num(3)), num(4))),
	))
	wantNumber(t, m, v, 7)
}

func tailFactorialProgram(n float64) *ast.Program {
	// const f = (n, a) => n === 0 ? a : f(n-1, n*a); f(n, 1);
	return program(
		constDecl("f", arrow([]string{"n", "a"}, ret(cond(
			binary("===", name("n"), num(0)),
			name("a"),
			call(name("f"), binary("-", name("n"), num(1)), binary("*", name("n"), name("a"))),
		)))),
		expr(call(name("f"), num(n), num(1))),
	)
}

func TestTailCallBoundedControl(t *testing.T) {
	// 10000 tail-recursive iterations with a small control depth guard:
	// only tail-call reuse of return markers lets this finish.
	m := newTestMachine(1)
	m.SetMaxControlDepth(200)
	r := m.Run(tailFactorialProgram(10000))
	if r.Status != StatusFinished {
		t.Fatalf("status = %v, diagnostics = %v", r.Status, r.Diagnostics)
	}
	if !r.Value.IsNumber() {
		t.Fatalf("result = %s, want a number", m.rt.DisplayValue(r.Value))
	}
}

func TestNonTailRecursionOverflows(t *testing.T) {
	// The non-accumulator factorial grows control linearly and must trip
	// the depth guard.
	m := newTestMachine(1)
	m.SetMaxControlDepth(200)
	r := m.Run(program(
		constDecl("f", arrow([]string{"n"}, ret(cond(
			binary("===", name("n"), num(0)),
			num(1),
			binary("*", name("n"), call(name("f"), binary("-", name("n"), num(1)))),
		)))),
		expr(call(name("f"), num(10000))),
	))
	if code := runtimeCode(t, r); code != diag.StackOverflow {
		t.Errorf("code = %v, want StackOverflow", code)
	}
}

// ---------------------------------------------------------------------------
// Loops
// ---------------------------------------------------------------------------

func sumLoopProgram() *ast.Program {
	// let i = 0; let s = 0; while (i < 100) { s = s + i; i = i + 1; } s;
	loopBody := &ast.BlockStatement{Body: []ast.Statement{
		expr(&ast.AssignmentExpression{Target: name("s"), Value: binary("+", name("s"), name("i"))}),
		expr(&ast.AssignmentExpression{Target: name("i"), Value: binary("+", name("i"), num(1))}),
	}}
	return program(
		letDecl("i", num(0)),
		letDecl("s", num(0)),
		&ast.WhileStatement{Test: binary("<", name("i"), num(100)), Body: loopBody},
		expr(name("s")),
	)
}

func TestWhileLoop(t *testing.T) {
	m := newTestMachine(1)
	v := runProgram(t, m, sumLoopProgram())
	wantNumber(t, m, v, 4950)
}

func TestForLoop(t *testing.T) {
	// let s = 0; for (let i = 0; i < 10; i = i + 1) { s = s + i; } s;
	m := newTestMachine(1)
	v := runProgram(t, m, program(
		letDecl("s", num(0)),
		&ast.ForStatement{
			Init:   letDecl("i", num(0)),
			Test:   binary("<", name("i"), num(10)),
			Update: &ast.AssignmentExpression{Target: name("i"), Value: binary("+", name("i"), num(1))},
			Body: &ast.BlockStatement{Body: []ast.Statement{
				expr(&ast.AssignmentExpression{Target: name("s"), Value: binary("+", name("s"), name("i"))}),
			}},
		},
		expr(name("s")),
	))
	wantNumber(t, m, v, 45)
}

func TestForLoopVariableDoesNotLeak(t *testing.T) {
	m := newTestMachine(1)
	r := m.Run(program(
		&ast.ForStatement{
			Init:   letDecl("i", num(0)),
			Test:   binary("<", name("i"), num(3)),
			Update: &ast.AssignmentExpression{Target: name("i"), Value: binary("+", name("i"), num(1))},
			Body:   &ast.BlockStatement{Body: []ast.Statement{expr(name("i"))}},
		},
		expr(name("i")),
	))
	if code := runtimeCode(t, r); code != diag.UndefinedVariable {
		t.Errorf("code = %v, want UndefinedVariable", code)
	}
}

// ---------------------------------------------------------------------------
// Step budgets, breakpoints, interrupts
// ---------------------------------------------------------------------------

func infiniteLoopProgram() *ast.Program {
	return program(&ast.WhileStatement{
		Test: boolean(true),
		Body: &ast.BlockStatement{},
	})
}

func TestStepBudgetSuspends(t *testing.T) {
	m := newTestMachine(1)
	m.SetStepLimit(1000)
	r := m.Run(infiniteLoopProgram())
	if r.Status != StatusSuspended {
		t.Fatalf("status = %v, want Suspended", r.Status)
	}
	if m.Steps() < 999 || m.Steps() > 1001 {
		t.Errorf("steps = %d, want about 1000", m.Steps())
	}
	// Resuming grants another window and suspends again.
	r = m.Resume()
	if r.Status != StatusSuspended {
		t.Fatalf("resume status = %v, want Suspended", r.Status)
	}
	if m.Steps() < 1999 {
		t.Errorf("steps after resume = %d, want about 2000", m.Steps())
	}
}

func TestStepResumeEquivalence(t *testing.T) {
	unlimited := newTestMachine(1)
	want := runProgram(t, unlimited, sumLoopProgram())

	limited := newTestMachine(1)
	limited.SetStepLimit(17)
	r := limited.Run(sumLoopProgram())
	for resumes := 0; r.Status == StatusSuspended; resumes++ {
		if resumes > 10000 {
			t.Fatal("evaluation never finished")
		}
		r = limited.Resume()
	}
	if r.Status != StatusFinished {
		t.Fatalf("status = %v, diagnostics = %v", r.Status, r.Diagnostics)
	}
	if r.Value != want {
		t.Errorf("suspended/resumed result = %s, unlimited = %s",
			limited.rt.DisplayValue(r.Value), unlimited.rt.DisplayValue(want))
	}
}

func TestBreakpointFires(t *testing.T) {
	m := newTestMachine(1)
	m.SetBreakpoints([]int64{25})
	r := m.Run(sumLoopProgram())
	if r.Status != StatusSuspended {
		t.Fatalf("status = %v, want Suspended", r.Status)
	}
	if m.Steps() != 25 {
		t.Errorf("suspended at step %d, want 25", m.Steps())
	}
	r = m.Resume()
	if r.Status != StatusFinished {
		t.Fatalf("resume status = %v", r.Status)
	}
	wantNumber(t, m, r.Value, 4950)
}

func TestInterruptSurfacesError(t *testing.T) {
	m := newTestMachine(1)
	m.SetStepLimit(100)
	r := m.Run(infiniteLoopProgram())
	if r.Status != StatusSuspended {
		t.Fatalf("status = %v, want Suspended", r.Status)
	}
	m.Interrupt()
	r = m.Resume()
	if code := runtimeCode(t, r); code != diag.Interrupted {
		t.Errorf("code = %v, want Interrupted", code)
	}
	// An errored machine cannot be resumed.
	r = m.Resume()
	if r.Status != StatusError {
		t.Errorf("resume after error: status = %v, want Error", r.Status)
	}
}

func TestTimeout(t *testing.T) {
	m := newTestMachine(1)
	m.SetTimeout(10*time.Millisecond, false)
	r := m.Run(infiniteLoopProgram())
	if code := runtimeCode(t, r); code != diag.Timeout {
		t.Errorf("code = %v, want Timeout", code)
	}
}

func TestTimeoutExtension(t *testing.T) {
	// With extension enabled the budget is multiplied once before the
	// error fires, so the run lasts noticeably longer than the base
	// budget.
	m := newTestMachine(1)
	m.SetTimeout(5*time.Millisecond, true)
	start := time.Now()
	r := m.Run(infiniteLoopProgram())
	elapsed := time.Since(start)
	if code := runtimeCode(t, r); code != diag.Timeout {
		t.Fatalf("code = %v, want Timeout", code)
	}
	if elapsed < 25*time.Millisecond {
		t.Errorf("run lasted %v, want at least 5x the base budget", elapsed)
	}
}

func TestDeterminism(t *testing.T) {
	a := newTestMachine(1)
	b := newTestMachine(1)
	va := runProgram(t, a, tailFactorialProgram(10))
	vb := runProgram(t, b, tailFactorialProgram(10))
	if va.Float64() != vb.Float64() {
		t.Errorf("two evaluations differ: %v vs %v", va.Float64(), vb.Float64())
	}
	if a.Steps() != b.Steps() {
		t.Errorf("step counts differ: %d vs %d", a.Steps(), b.Steps())
	}
}

func TestThrowInfiniteLoops(t *testing.T) {
	m := newTestMachine(1)
	m.SetStepLimit(1000)
	m.SetThrowInfiniteLoops(true)
	r := m.Run(infiniteLoopProgram())
	if code := runtimeCode(t, r); code != diag.PotentialInfiniteLoop {
		t.Errorf("code = %v, want PotentialInfiniteLoop", code)
	}
}

// ---------------------------------------------------------------------------
// Arrays and pairs
// ---------------------------------------------------------------------------

func TestArrayLiteralAccessAssign(t *testing.T) {
	// const a = [1, 2, 3]; a[1] = 42; a[1];
	m := newTestMachine(3)
	v := runProgram(t, m, program(
		constDecl("a", &ast.ArrayExpression{Elements: []ast.Expression{num(1), num(2), num(3)}}),
		expr(&ast.AssignmentExpression{
			Target: &ast.MemberExpression{Object: name("a"), Index: num(1)},
			Value:  num(42),
		}),
		expr(&ast.MemberExpression{Object: name("a"), Index: num(1)}),
	))
	wantNumber(t, m, v, 42)
}

func TestArrayOutOfRangeReadIsUndefined(t *testing.T) {
	m := newTestMachine(3)
	v := runProgram(t, m, program(
		constDecl("a", &ast.ArrayExpression{Elements: []ast.Expression{num(1)}}),
		expr(&ast.MemberExpression{Object: name("a"), Index: num(5)}),
	))
	if v != Undefined {
		t.Errorf("result = %s, want undefined", m.rt.DisplayValue(v))
	}
}

func TestNegativeArrayIndexFails(t *testing.T) {
	m := newTestMachine(3)
	r := m.Run(program(
		constDecl("a", &ast.ArrayExpression{Elements: []ast.Expression{num(1)}}),
		expr(&ast.MemberExpression{Object: name("a"), Index: num(-1)}),
	))
	if code := runtimeCode(t, r); code != diag.IndexOutOfRange {
		t.Errorf("code = %v, want IndexOutOfRange", code)
	}
}

func TestPairBuiltinsAndIdentity(t *testing.T) {
	// const p = pair(1, 2); head(p) + tail(p);
	m := newTestMachine(2)
	v := runProgram(t, m, program(
		constDecl("p", call(name("pair"), num(1), num(2))),
		expr(binary("+", call(name("head"), name("p")), call(name("tail"), name("p")))),
	))
	wantNumber(t, m, v, 3)
}

func TestPairConsInstruction(t *testing.T) {
	// Direct execution of the PairCons tag: push head and tail on the
	// stash, run the instruction, and inspect the allocated cell.
	m := newTestMachine(2)
	m.stash.Push(FromFloat64(1))
	m.stash.Push(FromFloat64(2))
	m.execInstr(&Instruction{Kind: InstrPairCons})
	v := m.stash.Pop()
	if !v.IsPair() {
		t.Fatalf("result is %s, want pair", v.TypeName())
	}
	cell := m.rt.Heap.Pair(v)
	if cell.Head.Float64() != 1 || cell.Tail.Float64() != 2 {
		t.Errorf("pair = %s", m.rt.DisplayValue(v))
	}
}

func TestRestoreInstruction(t *testing.T) {
	m := newTestMachine(1)
	m.stash.Push(FromFloat64(1))
	savedControl := m.control.Snapshot()
	savedStash := m.stash.Snapshot()
	m.stash.Push(FromFloat64(2))
	m.execInstr(&Instruction{Kind: InstrRestore, Control: savedControl, Stash: savedStash})
	if m.stash.Len() != 1 {
		t.Fatalf("stash length = %d, want 1", m.stash.Len())
	}
	if v := m.stash.Pop(); v.Float64() != 1 {
		t.Errorf("restored stash top = %v, want 1", v.Float64())
	}
}

// ---------------------------------------------------------------------------
// Streams
// ---------------------------------------------------------------------------

func TestStreamRoundTrip(t *testing.T) {
	// stream_to_list(stream(1, 2, 3));
	m := newTestMachine(3)
	v := runProgram(t, m, program(expr(
		call(name("stream_to_list"), call(name("stream"), num(1), num(2), num(3))))))
	if got := m.rt.DisplayValue(v); got != "[1, [2, [3, null]]]" {
		t.Errorf("result = %s", got)
	}
}

func TestListToStreamRoundTrip(t *testing.T) {
	m := newTestMachine(3)
	v := runProgram(t, m, program(expr(
		call(name("stream_to_list"), call(name("list_to_stream"),
			call(name("list"), num(1), num(2)))))))
	if got := m.rt.DisplayValue(v); got != "[1, [2, null]]" {
		t.Errorf("result = %s", got)
	}
}

func TestStreamTailForcesUserThunk(t *testing.T) {
	// const s = pair(1, () => pair(2, () => null)); head(stream_tail(s));
	m := newTestMachine(3)
	inner := call(name("pair"), num(2), arrow(nil, ret(ast.NullLiteral(ast.UnknownLocation))))
	v := runProgram(t, m, program(
		constDecl("s", call(name("pair"), num(1), arrow(nil, ret(inner)))),
		expr(call(name("head"), call(name("stream_tail"), name("s")))),
	))
	wantNumber(t, m, v, 2)
}

func TestStreamTailOnNonStream(t *testing.T) {
	m := newTestMachine(3)
	r := m.Run(program(expr(call(name("stream_tail"), num(1)))))
	if code := runtimeCode(t, r); code != diag.TypeMismatch {
		t.Errorf("code = %v, want TypeMismatch", code)
	}
}

func TestIsStream(t *testing.T) {
	m := newTestMachine(3)
	v := runProgram(t, m, program(expr(call(name("is_stream"), call(name("stream"), num(1))))))
	if v != True {
		t.Errorf("is_stream(stream(1)) = %s, want true", m.rt.DisplayValue(v))
	}
	v = runProgram(t, m, program(expr(call(name("is_stream"), num(1)))))
	if v != False {
		t.Errorf("is_stream(1) = %s, want false", m.rt.DisplayValue(v))
	}
	v = runProgram(t, m, program(expr(call(name("is_stream"), ast.NullLiteral(ast.UnknownLocation)))))
	if v != True {
		t.Errorf("is_stream(null) = %s, want true", m.rt.DisplayValue(v))
	}
}

func TestStreamsAreLazy(t *testing.T) {
	// Converting a list to a stream must not force its tail: only
	// forcing via stream_tail walks further.
	m := newTestMachine(3)
	v := runProgram(t, m, program(
		constDecl("s", call(name("list_to_stream"), call(name("list"), num(1), num(2)))),
		expr(call(name("head"), name("s"))),
	))
	wantNumber(t, m, v, 1)
}

// ---------------------------------------------------------------------------
// Builtins and hooks
// ---------------------------------------------------------------------------

func TestDisplayHook(t *testing.T) {
	var shown []string
	hooks := Hooks{
		RawDisplay: func(rt *Runtime, v Value, tag string) {
			shown = append(shown, rt.DisplayValue(v))
		},
	}
	m := NewMachine(NewRuntime(hooks))
	m.LoadLevel(2)
	// display(pair(1, pair(2, pair(3, null))));
	list3 := call(name("pair"), num(3), ast.NullLiteral(ast.UnknownLocation))
	list2 := call(name("pair"), num(2), list3)
	list1 := call(name("pair"), num(1), list2)
	runProgram(t, m, program(expr(call(name("display"), list1))))
	if len(shown) != 1 || shown[0] != "[1, [2, [3, null]]]" {
		t.Errorf("displayed %q, want [1, [2, [3, null]]]", shown)
	}
}

func TestErrorBuiltinAborts(t *testing.T) {
	m := newTestMachine(1)
	r := m.Run(program(expr(call(name("error"), str("boom")))))
	if code := runtimeCode(t, r); code != diag.HostError {
		t.Errorf("code = %v, want HostError", code)
	}
	if r.Diagnostics[0].Explain() == "" {
		t.Error("error has no explanation")
	}
}

func TestStructuralEqual(t *testing.T) {
	m := newTestMachine(2)
	v := runProgram(t, m, program(expr(call(name("equal"),
		call(name("list"), num(1), num(2)),
		call(name("list"), num(1), num(2)),
	))))
	if v != True {
		t.Errorf("equal(list(1,2), list(1,2)) = %s, want true", m.rt.DisplayValue(v))
	}
}

func TestBuiltinArityChecked(t *testing.T) {
	m := newTestMachine(2)
	r := m.Run(program(expr(call(name("head")))))
	if code := runtimeCode(t, r); code != diag.ArityMismatch {
		t.Errorf("code = %v, want ArityMismatch", code)
	}
}
