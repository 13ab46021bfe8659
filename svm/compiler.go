package svm

import (
	"math"

	"github.com/chazu/sling/ast"
	"github.com/chazu/sling/diag"
)

// ---------------------------------------------------------------------------
// Compiler: Source AST -> SVM program
//
// Two collaborating passes per function: a scope pass collecting the
// declared names of each block/function (fixing every identifier's
// (envDepth, index) lexical address), then an emit pass producing the
// instruction stream with forward branches patched by offset rewriting.
// ---------------------------------------------------------------------------

// Compile translates a program into an SVM unit. Undeclared identifier
// references surface as compile-time diagnostics with source locations.
func Compile(prog *ast.Program, prims *Primitives) (*Program, error) {
	c := &compiler{
		prog:      &Program{},
		prims:     prims,
		stringIdx: make(map[string]int32),
	}
	entry, err := c.compileFunction(nil, prog.Body, nil, true)
	if err != nil {
		return nil, err
	}
	c.prog.EntryFn = entry
	return c.prog, nil
}

// compileConstants maps predeclared constant names to float values; they
// are inlined rather than resolved through the environment.
var compileConstants = map[string]float64{
	"NaN":        math.NaN(),
	"Infinity":   math.Inf(1),
	"math_PI":    math.Pi,
	"math_E":     math.E,
	"math_LN2":   math.Ln2,
	"math_LN10":  math.Log(10),
	"math_SQRT2": math.Sqrt2,
}

type compiler struct {
	prog      *Program
	prims     *Primitives
	stringIdx map[string]int32
}

// scope is one environment's name table. envDepth counts scope hops at
// runtime, so blocks and function bodies each contribute one level.
type scope struct {
	parent *scope
	index  map[string]uint8
}

func newScope(parent *scope) *scope {
	return &scope{parent: parent, index: make(map[string]uint8)}
}

func (s *scope) declare(name string, loc ast.Location) error {
	if _, ok := s.index[name]; ok {
		return diag.Syntax(loc, "Name %s is declared twice in the same scope.", name)
	}
	if len(s.index) >= 256 {
		return diag.Syntax(loc, "Too many names in one scope.")
	}
	s.index[name] = uint8(len(s.index))
	return nil
}

// resolve returns the lexical address of name relative to the current
// scope.
func (s *scope) resolve(name string) (depth int, index uint8, ok bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if idx, found := cur.index[name]; found {
			return depth, idx, true
		}
		depth++
	}
	return 0, 0, false
}

// scanDecls is the scope pass for one statement list: it records every
// name the list declares, in order.
func scanDecls(stmts []ast.Statement, s *scope) error {
	for _, stmt := range stmts {
		switch d := stmt.(type) {
		case *ast.VariableDeclaration:
			if err := s.declare(d.Name, d.Loc()); err != nil {
				return err
			}
		case *ast.FunctionDeclaration:
			if err := s.declare(d.Name, d.Loc()); err != nil {
				return err
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Function emitter
// ---------------------------------------------------------------------------

// emitter accumulates one function's instructions and tracks the operand
// stack high-water mark.
type emitter struct {
	instrs []Instr
	cur    int
	max    int
}

func (e *emitter) emit(op Opcode, operands ...int32) int {
	e.instrs = append(e.instrs, Instr{Op: op, I: operands})
	e.track(op, operands)
	return len(e.instrs) - 1
}

func (e *emitter) emitF(op Opcode, f float64) int {
	e.instrs = append(e.instrs, Instr{Op: op, F: f})
	e.track(op, nil)
	return len(e.instrs) - 1
}

func (e *emitter) track(op Opcode, operands []int32) {
	info, ok := op.Info()
	if !ok {
		return
	}
	effect := info.StackEffect
	if info.Variable {
		switch op {
		case OpNEWA:
			effect = 1 - int(operands[0])
		case OpCALL, OpCALLT:
			effect = -int(operands[0]) // pops argc + closure, pushes result
		case OpCALLP:
			effect = 1 - int(operands[1]) // pops argc, pushes result
		}
	}
	e.cur += effect
	if e.cur > e.max {
		e.max = e.cur
	}
	// A RET/BR leaves the linear tracker where it is; join points always
	// rejoin at matching depths because expressions are trees.
}

// patch rewrites a branch placeholder at pc to jump to the next emitted
// instruction.
func (e *emitter) patch(pc int) {
	e.instrs[pc].I = []int32{int32(len(e.instrs) - pc - 1)}
}

// here returns the index the next instruction will get.
func (e *emitter) here() int { return len(e.instrs) }

// ---------------------------------------------------------------------------
// Compilation proper
// ---------------------------------------------------------------------------

// compileFunction compiles a parameter list plus body statements into a new
// table entry and returns its index. The entry function keeps the value of
// its final expression statement for DONE; ordinary functions end with an
// implicit RETU.
func (c *compiler) compileFunction(params []string, body []ast.Statement, parent *scope, entry bool) (uint32, error) {
	s := newScope(parent)
	for _, p := range params {
		if err := s.declare(p, ast.UnknownLocation); err != nil {
			return 0, err
		}
	}
	if err := scanDecls(body, s); err != nil {
		return 0, err
	}

	// Reserve the table slot first so nested functions get later indices
	// and recursion through the enclosing name resolves.
	index := uint32(len(c.prog.Functions))
	c.prog.Functions = append(c.prog.Functions, Function{})

	e := &emitter{}
	for i, stmt := range body {
		keep := entry && i == len(body)-1 && isExpressionStatement(stmt)
		if err := c.statement(e, stmt, s, keep); err != nil {
			return 0, err
		}
	}

	if entry {
		if len(body) == 0 || !isExpressionStatement(body[len(body)-1]) {
			e.emit(OpLGCU)
		}
		e.emit(OpDONE)
	} else {
		e.emit(OpRETU)
	}

	c.prog.Functions[index] = Function{
		StackSize: uint16(e.max),
		EnvSize:   uint16(len(s.index)),
		Arity:     uint16(len(params)),
		Instrs:    e.instrs,
	}
	return index, nil
}

func isExpressionStatement(s ast.Statement) bool {
	_, ok := s.(*ast.ExpressionStatement)
	return ok
}

// statement emits one statement. Statements leave the stack unchanged,
// except when keep is set (final expression statement of the entry
// function).
func (c *compiler) statement(e *emitter, stmt ast.Statement, s *scope, keep bool) error {
	switch n := stmt.(type) {
	case *ast.ExpressionStatement:
		if err := c.expression(e, n.Expression, s, false); err != nil {
			return err
		}
		if !keep {
			e.emit(OpPOPG)
		}
		return nil

	case *ast.VariableDeclaration:
		if err := c.expression(e, n.Init, s, false); err != nil {
			return err
		}
		_, idx, ok := s.resolve(n.Name)
		if !ok {
			return diag.Runtime(diag.UndefinedVariable, n.Loc(), "Name %s not declared.", n.Name)
		}
		e.emit(OpSTL, int32(idx))
		e.emit(OpPOPG)
		return nil

	case *ast.FunctionDeclaration:
		fnIdx, err := c.compileFunction(n.Params, n.Body.Body, s, false)
		if err != nil {
			return err
		}
		_, idx, ok := s.resolve(n.Name)
		if !ok {
			return diag.Runtime(diag.UndefinedVariable, n.Loc(), "Name %s not declared.", n.Name)
		}
		e.emit(OpNEWC, int32(fnIdx))
		e.emit(OpSTL, int32(idx))
		e.emit(OpPOPG)
		return nil

	case *ast.ReturnStatement:
		if n.Argument == nil {
			e.emit(OpRETU)
			return nil
		}
		// Tail position: a call whose value is returned unchanged.
		if call, ok := n.Argument.(*ast.CallExpression); ok {
			if err := c.call(e, call, s, true); err != nil {
				return err
			}
			return nil
		}
		if err := c.expression(e, n.Argument, s, true); err != nil {
			return err
		}
		e.emit(OpRETG)
		return nil

	case *ast.BlockStatement:
		return c.blockBody(e, n.Body, s, n.Loc())

	case *ast.StatementSequence:
		// Flat sequence: same scope, no environment push.
		for _, inner := range n.Body {
			if err := c.statement(e, inner, s, false); err != nil {
				return err
			}
		}
		return nil

	case *ast.IfStatement:
		if err := c.expression(e, n.Test, s, false); err != nil {
			return err
		}
		brf := e.emit(OpBRF, 0)
		if err := c.statement(e, n.Consequent, s, false); err != nil {
			return err
		}
		if n.Alternate == nil {
			e.patch(brf)
			return nil
		}
		br := e.emit(OpBR, 0)
		e.patch(brf)
		if err := c.statement(e, n.Alternate, s, false); err != nil {
			return err
		}
		e.patch(br)
		return nil

	case *ast.WhileStatement:
		top := e.here()
		if err := c.expression(e, n.Test, s, false); err != nil {
			return err
		}
		brf := e.emit(OpBRF, 0)
		if err := c.statement(e, n.Body, s, false); err != nil {
			return err
		}
		e.emit(OpJMP, int32(top-e.here()-1))
		e.patch(brf)
		return nil

	case *ast.ForStatement:
		return c.forStatement(e, n, s)

	default:
		return diag.Syntax(stmt.Loc(), "This statement form cannot be compiled.")
	}
}

// blockBody emits a block with its own environment level. Blocks that
// declare nothing compile in the enclosing scope so lexical depths match
// the runtime environment chain exactly.
func (c *compiler) blockBody(e *emitter, body []ast.Statement, parent *scope, loc ast.Location) error {
	inner := newScope(parent)
	if err := scanDecls(body, inner); err != nil {
		return err
	}
	if len(inner.index) == 0 {
		for _, stmt := range body {
			if err := c.statement(e, stmt, parent, false); err != nil {
				return err
			}
		}
		return nil
	}
	e.emit(OpNEWENV, int32(len(inner.index)))
	for _, stmt := range body {
		if err := c.statement(e, stmt, inner, false); err != nil {
			return err
		}
	}
	e.emit(OpPOPENV)
	return nil
}

func (c *compiler) forStatement(e *emitter, n *ast.ForStatement, s *scope) error {
	inner := s
	pushed := false
	if decl, ok := n.Init.(*ast.VariableDeclaration); ok {
		inner = newScope(s)
		if err := inner.declare(decl.Name, decl.Loc()); err != nil {
			return err
		}
		e.emit(OpNEWENV, 1)
		pushed = true
		if err := c.statement(e, decl, inner, false); err != nil {
			return err
		}
	} else if expr, ok := n.Init.(ast.Expression); ok && expr != nil {
		if err := c.expression(e, expr, inner, false); err != nil {
			return err
		}
		e.emit(OpPOPG)
	}

	top := e.here()
	var brf int
	if n.Test != nil {
		if err := c.expression(e, n.Test, inner, false); err != nil {
			return err
		}
		brf = e.emit(OpBRF, 0)
	} else {
		brf = -1
	}
	if err := c.statement(e, n.Body, inner, false); err != nil {
		return err
	}
	if n.Update != nil {
		if err := c.expression(e, n.Update, inner, false); err != nil {
			return err
		}
		e.emit(OpPOPG)
	}
	e.emit(OpJMP, int32(top-e.here()-1))
	if brf >= 0 {
		e.patch(brf)
	}
	if pushed {
		e.emit(OpPOPENV)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

var binaryOpcodes = map[string]Opcode{
	"+":   OpADDG,
	"-":   OpSUBG,
	"*":   OpMULG,
	"/":   OpDIVG,
	"%":   OpMODG,
	"===": OpEQG,
	"!==": OpNEQG,
	"<":   OpLTG,
	">":   OpGTG,
	"<=":  OpLEG,
	">=":  OpGEG,
}

// expression emits code leaving the expression's value on the stack. tail
// marks return position for CALLT emission by callers; it is threaded to
// conditional arms so `return p ? f(x) : g(x)` tail-calls both sides.
func (c *compiler) expression(e *emitter, expr ast.Expression, s *scope, tail bool) error {
	switch n := expr.(type) {
	case *ast.Literal:
		c.literal(e, n)
		return nil

	case *ast.Identifier:
		return c.identifier(e, n, s)

	case *ast.BinaryExpression:
		if err := c.expression(e, n.Left, s, false); err != nil {
			return err
		}
		if err := c.expression(e, n.Right, s, false); err != nil {
			return err
		}
		op, ok := binaryOpcodes[n.Operator]
		if !ok {
			return diag.Syntax(n.Loc(), "Operator %s cannot be compiled.", n.Operator)
		}
		e.emit(op)
		return nil

	case *ast.LogicalExpression:
		if err := c.expression(e, n.Left, s, false); err != nil {
			return err
		}
		if n.Operator == "&&" {
			brf := e.emit(OpBRF, 0)
			if err := c.expression(e, n.Right, s, false); err != nil {
				return err
			}
			br := e.emit(OpBR, 0)
			e.patch(brf)
			e.emit(OpLGCB0)
			e.patch(br)
			return nil
		}
		brt := e.emit(OpBRT, 0)
		if err := c.expression(e, n.Right, s, false); err != nil {
			return err
		}
		br := e.emit(OpBR, 0)
		e.patch(brt)
		e.emit(OpLGCB1)
		e.patch(br)
		return nil

	case *ast.UnaryExpression:
		if err := c.expression(e, n.Operand, s, false); err != nil {
			return err
		}
		if n.Operator == "-" {
			e.emit(OpNEGG)
		} else {
			e.emit(OpNOTG)
		}
		return nil

	case *ast.ConditionalExpression:
		if err := c.expression(e, n.Test, s, false); err != nil {
			return err
		}
		brf := e.emit(OpBRF, 0)
		if err := c.branchArm(e, n.Consequent, s, tail); err != nil {
			return err
		}
		br := e.emit(OpBR, 0)
		e.patch(brf)
		if err := c.branchArm(e, n.Alternate, s, tail); err != nil {
			return err
		}
		e.patch(br)
		return nil

	case *ast.CallExpression:
		return c.call(e, n, s, false)

	case *ast.ArrowFunctionExpression:
		var body []ast.Statement
		switch b := n.Body.(type) {
		case *ast.BlockStatement:
			body = b.Body
		case *ast.ReturnStatement:
			body = []ast.Statement{b}
		}
		fnIdx, err := c.compileFunction(n.Params, body, s, false)
		if err != nil {
			return err
		}
		e.emit(OpNEWC, int32(fnIdx))
		return nil

	case *ast.FunctionExpression:
		fnIdx, err := c.compileFunction(n.Params, n.Body.Body, s, false)
		if err != nil {
			return err
		}
		e.emit(OpNEWC, int32(fnIdx))
		return nil

	case *ast.AssignmentExpression:
		return c.assignment(e, n, s)

	case *ast.ArrayExpression:
		for _, el := range n.Elements {
			if err := c.expression(e, el, s, false); err != nil {
				return err
			}
		}
		e.emit(OpNEWA, int32(len(n.Elements)))
		return nil

	case *ast.MemberExpression:
		if err := c.expression(e, n.Object, s, false); err != nil {
			return err
		}
		if err := c.expression(e, n.Index, s, false); err != nil {
			return err
		}
		e.emit(OpLDAG)
		return nil

	default:
		return diag.Syntax(expr.Loc(), "This expression form cannot be compiled.")
	}
}

// branchArm compiles one arm of a value-producing conditional; a call in
// tail position becomes CALLT.
func (c *compiler) branchArm(e *emitter, expr ast.Expression, s *scope, tail bool) error {
	if call, ok := expr.(*ast.CallExpression); ok && tail {
		return c.call(e, call, s, true)
	}
	return c.expression(e, expr, s, tail)
}

func (c *compiler) literal(e *emitter, n *ast.Literal) {
	switch n.Kind {
	case ast.LiteralNumber:
		isInt := n.Number == math.Trunc(n.Number) &&
			n.Number >= math.MinInt32 && n.Number <= math.MaxInt32 &&
			!(n.Number == 0 && math.Signbit(n.Number))
		if isInt {
			e.emit(OpLGCI, int32(n.Number))
		} else {
			e.emitF(OpLGCF64, n.Number)
		}
	case ast.LiteralString:
		e.emit(OpLGCS, c.internString(n.String))
	case ast.LiteralBool:
		if n.Bool {
			e.emit(OpLGCB1)
		} else {
			e.emit(OpLGCB0)
		}
	case ast.LiteralNull:
		e.emit(OpLGCN)
	}
}

func (c *compiler) internString(s string) int32 {
	if idx, ok := c.stringIdx[s]; ok {
		return idx
	}
	idx := int32(len(c.prog.Strings))
	c.prog.Strings = append(c.prog.Strings, s)
	c.stringIdx[s] = idx
	return idx
}

func (c *compiler) identifier(e *emitter, n *ast.Identifier, s *scope) error {
	if depth, idx, ok := s.resolve(n.Name); ok {
		if depth == 0 {
			e.emit(OpLDL, int32(idx))
		} else {
			if depth > 255 {
				return diag.Syntax(n.Loc(), "Scope nesting too deep.")
			}
			e.emit(OpLDP, int32(depth), int32(idx))
		}
		return nil
	}
	if n.Name == "undefined" {
		e.emit(OpLGCU)
		return nil
	}
	if f, ok := compileConstants[n.Name]; ok {
		e.emitF(OpLGCF64, f)
		return nil
	}
	if id, ok := c.prims.Lookup(n.Name); ok {
		e.emit(OpLDPR, id)
		return nil
	}
	return diag.Runtime(diag.UndefinedVariable, n.Loc(), "Name %s not declared.", n.Name)
}

func (c *compiler) assignment(e *emitter, n *ast.AssignmentExpression, s *scope) error {
	switch target := n.Target.(type) {
	case *ast.Identifier:
		if err := c.expression(e, n.Value, s, false); err != nil {
			return err
		}
		depth, idx, ok := s.resolve(target.Name)
		if !ok {
			return diag.Runtime(diag.UndefinedVariable, target.Loc(), "Name %s not declared.", target.Name)
		}
		if depth == 0 {
			e.emit(OpSTL, int32(idx))
		} else {
			e.emit(OpSTP, int32(depth), int32(idx))
		}
		return nil
	case *ast.MemberExpression:
		if err := c.expression(e, target.Object, s, false); err != nil {
			return err
		}
		if err := c.expression(e, target.Index, s, false); err != nil {
			return err
		}
		if err := c.expression(e, n.Value, s, false); err != nil {
			return err
		}
		e.emit(OpSTAG)
		return nil
	default:
		return diag.Syntax(n.Loc(), "Invalid assignment target.")
	}
}

func (c *compiler) call(e *emitter, n *ast.CallExpression, s *scope, tail bool) error {
	// Direct primitive calls compile to CALLP; pair construction gets its
	// dedicated opcode.
	if id, ok := c.calleePrimitive(n.Callee, s); ok {
		if c.primName(id) == "pair" && len(n.Arguments) == 2 {
			if err := c.expression(e, n.Arguments[0], s, false); err != nil {
				return err
			}
			if err := c.expression(e, n.Arguments[1], s, false); err != nil {
				return err
			}
			e.emit(OpNEWP)
			if tail {
				e.emit(OpRETG)
			}
			return nil
		}
		for _, arg := range n.Arguments {
			if err := c.expression(e, arg, s, false); err != nil {
				return err
			}
		}
		if len(n.Arguments) > 255 {
			return diag.Syntax(n.Loc(), "Too many arguments.")
		}
		e.emit(OpCALLP, id, int32(len(n.Arguments)))
		if tail {
			e.emit(OpRETG)
		}
		return nil
	}

	if err := c.expression(e, n.Callee, s, false); err != nil {
		return err
	}
	for _, arg := range n.Arguments {
		if err := c.expression(e, arg, s, false); err != nil {
			return err
		}
	}
	if len(n.Arguments) > 255 {
		return diag.Syntax(n.Loc(), "Too many arguments.")
	}
	if tail {
		e.emit(OpCALLT, int32(len(n.Arguments)))
	} else {
		e.emit(OpCALL, int32(len(n.Arguments)))
	}
	return nil
}

// calleePrimitive reports whether the callee is a direct reference to a
// primitive (an identifier not shadowed by any user binding).
func (c *compiler) calleePrimitive(callee ast.Expression, s *scope) (int32, bool) {
	id, ok := callee.(*ast.Identifier)
	if !ok {
		return 0, false
	}
	if _, _, shadowed := s.resolve(id.Name); shadowed {
		return 0, false
	}
	return c.prims.Lookup(id.Name)
}

func (c *compiler) primName(id int32) string {
	b, ok := c.prims.Builtin(id)
	if !ok {
		return ""
	}
	return b.Name
}
