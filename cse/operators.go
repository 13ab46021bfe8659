package cse

import (
	"math"

	"github.com/chazu/sling/ast"
	"github.com/chazu/sling/diag"
)

// ---------------------------------------------------------------------------
// Operator semantics
//
// Source restricts the JS operators: + works on two numbers or two strings,
// the other arithmetic operators on numbers, ordering on two numbers or two
// strings, and === / !== on anything (strict equality). Operand type
// errors are runtime errors, not coercions.
// ---------------------------------------------------------------------------

func (rt *Runtime) ApplyBinary(op string, left, right Value, loc ast.Location) (Value, *diag.RuntimeError) {
	switch op {
	case "+":
		if left.IsNumber() && right.IsNumber() {
			return FromFloat64(left.Float64() + right.Float64()), nil
		}
		if left.IsString() && right.IsString() {
			return rt.Heap.AllocString(rt.Heap.String(left) + rt.Heap.String(right)), nil
		}
		if left.IsNumber() || left.IsString() {
			return Undefined, operandError(op, "right", "string and string or number and number", right, loc)
		}
		return Undefined, operandError(op, "left", "string and string or number and number", left, loc)

	case "-", "*", "/", "%":
		if !left.IsNumber() {
			return Undefined, operandError(op, "left", "number", left, loc)
		}
		if !right.IsNumber() {
			return Undefined, operandError(op, "right", "number", right, loc)
		}
		a, b := left.Float64(), right.Float64()
		switch op {
		case "-":
			return FromFloat64(a - b), nil
		case "*":
			return FromFloat64(a * b), nil
		case "/":
			// JS semantics: x/0 is ±Infinity, 0/0 is NaN. Levels that
			// forbid it gate upstream.
			return FromFloat64(a / b), nil
		default:
			return FromFloat64(math.Mod(a, b)), nil
		}

	case "===":
		return FromBool(rt.Heap.StrictEquals(left, right)), nil
	case "!==":
		return FromBool(!rt.Heap.StrictEquals(left, right)), nil

	case "<", "<=", ">", ">=":
		if left.IsNumber() && right.IsNumber() {
			a, b := left.Float64(), right.Float64()
			switch op {
			case "<":
				return FromBool(a < b), nil
			case "<=":
				return FromBool(a <= b), nil
			case ">":
				return FromBool(a > b), nil
			default:
				return FromBool(a >= b), nil
			}
		}
		if left.IsString() && right.IsString() {
			a, b := rt.Heap.String(left), rt.Heap.String(right)
			switch op {
			case "<":
				return FromBool(a < b), nil
			case "<=":
				return FromBool(a <= b), nil
			case ">":
				return FromBool(a > b), nil
			default:
				return FromBool(a >= b), nil
			}
		}
		if left.IsNumber() || left.IsString() {
			return Undefined, operandError(op, "right", "string and string or number and number", right, loc)
		}
		return Undefined, operandError(op, "left", "string and string or number and number", left, loc)
	}

	return Undefined, diag.Runtime(diag.TypeMismatch, loc, "Unknown binary operator %s.", op)
}

func (rt *Runtime) ApplyUnary(op string, operand Value, loc ast.Location) (Value, *diag.RuntimeError) {
	switch op {
	case "!":
		if !operand.IsBool() {
			return Undefined, operandError(op, "single", "boolean", operand, loc)
		}
		return FromBool(operand == False), nil
	case "-":
		if !operand.IsNumber() {
			return Undefined, operandError(op, "single", "number", operand, loc)
		}
		return FromFloat64(-operand.Float64()), nil
	}
	return Undefined, diag.Runtime(diag.TypeMismatch, loc, "Unknown unary operator %s.", op)
}

func operandError(op, side, want string, got Value, loc ast.Location) *diag.RuntimeError {
	return diag.Runtime(diag.TypeMismatch, loc,
		"Expected %s on %s hand side of operation %s, got %s.", want, side, op, got.TypeName())
}

// requireBool checks a conditional or logical predicate value.
func requireBool(v Value, loc ast.Location) *diag.RuntimeError {
	if !v.IsBool() {
		return diag.Runtime(diag.TypeMismatch, loc,
			"Expected boolean as condition, got %s.", v.TypeName())
	}
	return nil
}
