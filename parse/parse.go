// Package parse adapts the goja ECMAScript parser into the Source AST.
//
// Tokenisation and parsing proper are delegated to the upstream parser;
// this package maps its tree onto the tagged node set in package ast and
// rejects constructs outside the Source grammar with syntax diagnostics.
package parse

import (
	gojaast "github.com/dop251/goja/ast"
	"github.com/dop251/goja/file"
	"github.com/dop251/goja/parser"

	"github.com/chazu/sling/ast"
	"github.com/chazu/sling/diag"
)

// Program parses src and returns the Source AST. name labels locations in
// diagnostics and may be empty.
func Program(src, name string) (*ast.Program, error) {
	prog, err := parser.ParseFile(nil, name, src, 0)
	if err != nil {
		return nil, diag.Syntax(ast.Location{
			Source: name,
			Start:  ast.Position{Line: -1, Column: -1},
			End:    ast.Position{Line: -1, Column: -1},
		}, "%v", err)
	}

	a := &adapter{file: prog.File, name: name}
	body, cerr := a.statements(prog.Body)
	if cerr != nil {
		return nil, cerr
	}
	return &ast.Program{
		Base: ast.Base{Location: a.loc(prog)},
		Body: body,
	}, nil
}

type adapter struct {
	file *file.File
	name string
}

// loc translates a goja node span into an ast.Location.
func (a *adapter) loc(n gojaast.Node) ast.Location {
	if a.file == nil || n == nil {
		return ast.UnknownLocation
	}
	start := a.file.Position(int(n.Idx0()))
	end := a.file.Position(int(n.Idx1()))
	return ast.Location{
		Source: a.name,
		Start:  ast.Position{Line: start.Line, Column: start.Column},
		End:    ast.Position{Line: end.Line, Column: end.Column},
	}
}

func (a *adapter) unsupported(n gojaast.Node, what string) error {
	return diag.Syntax(a.loc(n), "%s is not allowed in Source.", what)
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (a *adapter) statements(in []gojaast.Statement) ([]ast.Statement, error) {
	out := make([]ast.Statement, 0, len(in))
	for _, s := range in {
		converted, err := a.statement(s)
		if err != nil {
			return nil, err
		}
		if converted != nil {
			out = append(out, converted...)
		}
	}
	return out, nil
}

func (a *adapter) statement(s gojaast.Statement) ([]ast.Statement, error) {
	switch n := s.(type) {
	case *gojaast.ExpressionStatement:
		expr, err := a.expression(n.Expression)
		if err != nil {
			return nil, err
		}
		return []ast.Statement{&ast.ExpressionStatement{
			Base:       ast.Base{Location: a.loc(n)},
			Expression: expr,
		}}, nil

	case *gojaast.VariableStatement:
		return nil, a.unsupported(n, "var declaration")

	case *gojaast.LexicalDeclaration:
		kind := ast.BindLet
		if n.Token.String() == "const" {
			kind = ast.BindConst
		}
		out := make([]ast.Statement, 0, len(n.List))
		for _, b := range n.List {
			id, ok := b.Target.(*gojaast.Identifier)
			if !ok {
				return nil, a.unsupported(n, "destructuring declaration")
			}
			if b.Initializer == nil {
				return nil, diag.Syntax(a.loc(n), "Missing value in %s declaration.", kind)
			}
			init, err := a.expression(b.Initializer)
			if err != nil {
				return nil, err
			}
			out = append(out, &ast.VariableDeclaration{
				Base: ast.Base{Location: a.loc(n)},
				Kind: kind,
				Name: string(id.Name),
				Init: init,
			})
		}
		return out, nil

	case *gojaast.FunctionDeclaration:
		fn := n.Function
		params, err := a.params(fn.ParameterList)
		if err != nil {
			return nil, err
		}
		block, err := a.block(fn.Body)
		if err != nil {
			return nil, err
		}
		name := ""
		if fn.Name != nil {
			name = string(fn.Name.Name)
		}
		return []ast.Statement{&ast.FunctionDeclaration{
			Base:   ast.Base{Location: a.loc(fn)},
			Name:   name,
			Params: params,
			Body:   block,
		}}, nil

	case *gojaast.BlockStatement:
		block, err := a.block(n)
		if err != nil {
			return nil, err
		}
		return []ast.Statement{block}, nil

	case *gojaast.ReturnStatement:
		var arg ast.Expression
		if n.Argument != nil {
			converted, err := a.expression(n.Argument)
			if err != nil {
				return nil, err
			}
			arg = converted
		}
		return []ast.Statement{&ast.ReturnStatement{
			Base:     ast.Base{Location: a.loc(n)},
			Argument: arg,
		}}, nil

	case *gojaast.IfStatement:
		test, err := a.expression(n.Test)
		if err != nil {
			return nil, err
		}
		cons, err := a.singleStatement(n.Consequent)
		if err != nil {
			return nil, err
		}
		var alt ast.Statement
		if n.Alternate != nil {
			alt, err = a.singleStatement(n.Alternate)
			if err != nil {
				return nil, err
			}
		}
		return []ast.Statement{&ast.IfStatement{
			Base:       ast.Base{Location: a.loc(n)},
			Test:       test,
			Consequent: cons,
			Alternate:  alt,
		}}, nil

	case *gojaast.WhileStatement:
		test, err := a.expression(n.Test)
		if err != nil {
			return nil, err
		}
		body, err := a.singleStatement(n.Body)
		if err != nil {
			return nil, err
		}
		return []ast.Statement{&ast.WhileStatement{
			Base: ast.Base{Location: a.loc(n)},
			Test: test,
			Body: body,
		}}, nil

	case *gojaast.ForStatement:
		return a.forStatement(n)

	case *gojaast.EmptyStatement:
		return nil, nil

	default:
		return nil, a.unsupported(s, "this statement form")
	}
}

// singleStatement converts a statement position that must hold exactly one
// statement (if/while/for bodies).
func (a *adapter) singleStatement(s gojaast.Statement) (ast.Statement, error) {
	out, err := a.statement(s)
	if err != nil {
		return nil, err
	}
	switch len(out) {
	case 0:
		return &ast.BlockStatement{Base: ast.Base{Location: a.loc(s)}}, nil
	case 1:
		return out[0], nil
	default:
		return &ast.StatementSequence{Base: ast.Base{Location: a.loc(s)}, Body: out}, nil
	}
}

func (a *adapter) block(n *gojaast.BlockStatement) (*ast.BlockStatement, error) {
	body, err := a.statements(n.List)
	if err != nil {
		return nil, err
	}
	return &ast.BlockStatement{
		Base: ast.Base{Location: a.loc(n)},
		Body: body,
	}, nil
}

func (a *adapter) forStatement(n *gojaast.ForStatement) ([]ast.Statement, error) {
	var init ast.Node
	switch ini := n.Initializer.(type) {
	case nil:
	case *gojaast.ForLoopInitializerExpression:
		expr, err := a.expression(ini.Expression)
		if err != nil {
			return nil, err
		}
		init = expr
	case *gojaast.ForLoopInitializerLexicalDecl:
		decl := ini.LexicalDeclaration
		if len(decl.List) != 1 {
			return nil, a.unsupported(n, "multiple declarations in a for initialiser")
		}
		b := decl.List[0]
		id, ok := b.Target.(*gojaast.Identifier)
		if !ok || b.Initializer == nil {
			return nil, a.unsupported(n, "this for initialiser")
		}
		kind := ast.BindLet
		if decl.Token.String() == "const" {
			kind = ast.BindConst
		}
		value, err := a.expression(b.Initializer)
		if err != nil {
			return nil, err
		}
		init = &ast.VariableDeclaration{
			Base: ast.Base{Location: a.loc(n)},
			Kind: kind,
			Name: string(id.Name),
			Init: value,
		}
	default:
		return nil, a.unsupported(n, "this for initialiser")
	}

	var test, update ast.Expression
	var err error
	if n.Test != nil {
		test, err = a.expression(n.Test)
		if err != nil {
			return nil, err
		}
	}
	if n.Update != nil {
		update, err = a.expression(n.Update)
		if err != nil {
			return nil, err
		}
	}
	body, err := a.singleStatement(n.Body)
	if err != nil {
		return nil, err
	}
	return []ast.Statement{&ast.ForStatement{
		Base:   ast.Base{Location: a.loc(n)},
		Init:   init,
		Test:   test,
		Update: update,
		Body:   body,
	}}, nil
}

// ---------------------------------------------------------------------------
// Expressions
// ---------------------------------------------------------------------------

func (a *adapter) expressions(in []gojaast.Expression) ([]ast.Expression, error) {
	out := make([]ast.Expression, 0, len(in))
	for _, e := range in {
		converted, err := a.expression(e)
		if err != nil {
			return nil, err
		}
		out = append(out, converted)
	}
	return out, nil
}

func (a *adapter) expression(e gojaast.Expression) (ast.Expression, error) {
	switch n := e.(type) {
	case *gojaast.NumberLiteral:
		var f float64
		switch v := n.Value.(type) {
		case int64:
			f = float64(v)
		case float64:
			f = v
		}
		return ast.NumberLiteral(f, a.loc(n)), nil

	case *gojaast.StringLiteral:
		return ast.StringLiteral(string(n.Value), a.loc(n)), nil

	case *gojaast.BooleanLiteral:
		return ast.BoolLiteral(n.Value, a.loc(n)), nil

	case *gojaast.NullLiteral:
		return ast.NullLiteral(a.loc(n)), nil

	case *gojaast.Identifier:
		return &ast.Identifier{
			Base: ast.Base{Location: a.loc(n)},
			Name: string(n.Name),
		}, nil

	case *gojaast.BinaryExpression:
		left, err := a.expression(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := a.expression(n.Right)
		if err != nil {
			return nil, err
		}
		op := n.Operator.String()
		switch op {
		case "&&", "||":
			return &ast.LogicalExpression{
				Base:     ast.Base{Location: a.loc(n)},
				Operator: op,
				Left:     left,
				Right:    right,
			}, nil
		case "+", "-", "*", "/", "%", "===", "!==", "<", "<=", ">", ">=":
			return &ast.BinaryExpression{
				Base:     ast.Base{Location: a.loc(n)},
				Operator: op,
				Left:     left,
				Right:    right,
			}, nil
		default:
			return nil, a.unsupported(n, "operator "+op)
		}

	case *gojaast.UnaryExpression:
		op := n.Operator.String()
		if op != "!" && op != "-" {
			return nil, a.unsupported(n, "operator "+op)
		}
		operand, err := a.expression(n.Operand)
		if err != nil {
			return nil, err
		}
		return &ast.UnaryExpression{
			Base:     ast.Base{Location: a.loc(n)},
			Operator: op,
			Operand:  operand,
		}, nil

	case *gojaast.ConditionalExpression:
		test, err := a.expression(n.Test)
		if err != nil {
			return nil, err
		}
		cons, err := a.expression(n.Consequent)
		if err != nil {
			return nil, err
		}
		alt, err := a.expression(n.Alternate)
		if err != nil {
			return nil, err
		}
		return &ast.ConditionalExpression{
			Base:       ast.Base{Location: a.loc(n)},
			Test:       test,
			Consequent: cons,
			Alternate:  alt,
		}, nil

	case *gojaast.CallExpression:
		callee, err := a.expression(n.Callee)
		if err != nil {
			return nil, err
		}
		args, err := a.expressions(n.ArgumentList)
		if err != nil {
			return nil, err
		}
		return &ast.CallExpression{
			Base:      ast.Base{Location: a.loc(n)},
			Callee:    callee,
			Arguments: args,
		}, nil

	case *gojaast.ArrowFunctionLiteral:
		params, err := a.params(n.ParameterList)
		if err != nil {
			return nil, err
		}
		var body ast.Node
		switch b := n.Body.(type) {
		case *gojaast.BlockStatement:
			block, err := a.block(b)
			if err != nil {
				return nil, err
			}
			body = block
		case *gojaast.ExpressionBody:
			expr, err := a.expression(b.Expression)
			if err != nil {
				return nil, err
			}
			body = &ast.ReturnStatement{
				Base:     ast.Base{Location: a.loc(b)},
				Argument: expr,
			}
		default:
			return nil, a.unsupported(n, "this arrow function body")
		}
		return &ast.ArrowFunctionExpression{
			Base:   ast.Base{Location: a.loc(n)},
			Params: params,
			Body:   body,
		}, nil

	case *gojaast.FunctionLiteral:
		params, err := a.params(n.ParameterList)
		if err != nil {
			return nil, err
		}
		block, err := a.block(n.Body)
		if err != nil {
			return nil, err
		}
		name := ""
		if n.Name != nil {
			name = string(n.Name.Name)
		}
		return &ast.FunctionExpression{
			Base:   ast.Base{Location: a.loc(n)},
			Name:   name,
			Params: params,
			Body:   block,
		}, nil

	case *gojaast.AssignExpression:
		if n.Operator.String() != "=" {
			return nil, a.unsupported(n, "operator "+n.Operator.String())
		}
		value, err := a.expression(n.Right)
		if err != nil {
			return nil, err
		}
		switch target := n.Left.(type) {
		case *gojaast.Identifier:
			return &ast.AssignmentExpression{
				Base: ast.Base{Location: a.loc(n)},
				Target: &ast.Identifier{
					Base: ast.Base{Location: a.loc(target)},
					Name: string(target.Name),
				},
				Value: value,
			}, nil
		case *gojaast.BracketExpression:
			member, err := a.bracket(target)
			if err != nil {
				return nil, err
			}
			return &ast.AssignmentExpression{
				Base:   ast.Base{Location: a.loc(n)},
				Target: member,
				Value:  value,
			}, nil
		default:
			return nil, a.unsupported(n, "this assignment target")
		}

	case *gojaast.ArrayLiteral:
		elems, err := a.expressions(n.Value)
		if err != nil {
			return nil, err
		}
		return &ast.ArrayExpression{
			Base:     ast.Base{Location: a.loc(n)},
			Elements: elems,
		}, nil

	case *gojaast.BracketExpression:
		return a.bracket(n)

	case *gojaast.SequenceExpression:
		return nil, a.unsupported(n, "the comma operator")

	case *gojaast.DotExpression:
		return nil, a.unsupported(n, "property access")

	case *gojaast.ObjectLiteral:
		return nil, a.unsupported(n, "object literal")

	case *gojaast.NewExpression:
		return nil, a.unsupported(n, "new expression")

	case *gojaast.ThisExpression:
		return nil, a.unsupported(n, "this expression")

	default:
		return nil, a.unsupported(e, "this expression form")
	}
}

func (a *adapter) bracket(n *gojaast.BracketExpression) (*ast.MemberExpression, error) {
	object, err := a.expression(n.Left)
	if err != nil {
		return nil, err
	}
	index, err := a.expression(n.Member)
	if err != nil {
		return nil, err
	}
	return &ast.MemberExpression{
		Base:   ast.Base{Location: a.loc(n)},
		Object: object,
		Index:  index,
	}, nil
}

func (a *adapter) params(list *gojaast.ParameterList) ([]string, error) {
	if list == nil {
		return nil, nil
	}
	out := make([]string, 0, len(list.List))
	for _, b := range list.List {
		id, ok := b.Target.(*gojaast.Identifier)
		if !ok || b.Initializer != nil {
			return nil, diag.Syntax(a.loc(b.Target), "Parameters must be plain names in Source.")
		}
		out = append(out, string(id.Name))
	}
	if list.Rest != nil {
		return nil, diag.Syntax(a.loc(list.Rest), "Rest parameters are not allowed in Source.")
	}
	return out, nil
}
