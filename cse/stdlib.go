package cse

import (
	"math"
	"math/rand"
	"strconv"

	"github.com/chazu/sling/ast"
)

// ---------------------------------------------------------------------------
// Default library
//
// The builtin loadout injected into the global frame, keyed by language
// level. Level 1 carries display and the math library; level 2 adds pairs
// and lists; level 3 adds mutation and arrays. Everything routes through
// the call protocol and the host hooks; these are the machine's only side
// effects.
// ---------------------------------------------------------------------------

// LoadLevel injects the constants and builtins for the given language
// level (1-4) into the machine's global frame.
func (m *Machine) LoadLevel(level int) {
	m.DefineConstant("undefined", Undefined)
	m.DefineConstant("NaN", FromFloat64(math.NaN()))
	m.DefineConstant("Infinity", FromFloat64(math.Inf(1)))

	m.DefineConstant("math_PI", FromFloat64(math.Pi))
	m.DefineConstant("math_E", FromFloat64(math.E))
	m.DefineConstant("math_LN2", FromFloat64(math.Ln2))
	m.DefineConstant("math_LN10", FromFloat64(math.Log(10)))
	m.DefineConstant("math_SQRT2", FromFloat64(math.Sqrt2))

	for _, b := range levelOneBuiltins() {
		m.DefineBuiltin(b)
	}
	if level >= 2 {
		for _, b := range levelTwoBuiltins() {
			m.DefineBuiltin(b)
		}
	}
	if level >= 3 {
		for _, b := range levelThreeBuiltins() {
			m.DefineBuiltin(b)
		}
	}
}

// LevelBuiltins returns the builtins a level adds over the previous one.
// Level 1 is the base loadout; levels 2 and 3 are increments.
func LevelBuiltins(level int) []Builtin {
	switch level {
	case 1:
		return levelOneBuiltins()
	case 2:
		return levelTwoBuiltins()
	case 3:
		return levelThreeBuiltins()
	}
	return nil
}

func mathUnary(name string, fn func(float64) float64) Builtin {
	return Builtin{Name: name, Arity: 1, Kind: BuiltinPure,
		Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
			if !args[0].IsNumber() {
				return Undefined, errTypeExpected(name, "number", args[0])
			}
			return FromFloat64(fn(args[0].Float64())), nil
		}}
}

func levelOneBuiltins() []Builtin {
	return []Builtin{
		{Name: "display", Arity: 1, Variadic: true, Kind: BuiltinSideEffectful,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				tag := ""
				if len(args) > 1 {
					if !args[1].IsString() {
						return Undefined, errTypeExpected("display", "string as second argument", args[1])
					}
					tag = rt.Heap.String(args[1])
				}
				if rt.Hooks.RawDisplay != nil {
					rt.Hooks.RawDisplay(rt, args[0], tag)
				}
				return args[0], nil
			}},
		{Name: "stringify", Arity: 1, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				return rt.Heap.AllocString(rt.DisplayValue(args[0])), nil
			}},
		{Name: "error", Arity: 1, Variadic: true, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				msg := rt.StringifyValue(args[0])
				for _, extra := range args[1:] {
					msg += " " + rt.StringifyValue(extra)
				}
				return Undefined, &hostRaisedError{msg: msg}
			}},
		{Name: "prompt", Arity: 1, Kind: BuiltinSideEffectful,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				if rt.Hooks.Prompt == nil {
					return Null, nil
				}
				answer := rt.Hooks.Prompt(rt, args[0], "")
				if answer == nil {
					return Null, nil
				}
				return rt.Heap.AllocString(*answer), nil
			}},
		{Name: "alert", Arity: 1, Kind: BuiltinSideEffectful,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				if rt.Hooks.Alert != nil {
					rt.Hooks.Alert(rt, args[0], "")
				}
				return Undefined, nil
			}},
		{Name: "is_number", Arity: 1, Kind: BuiltinPure, Fn: typePredicate(Value.IsNumber)},
		{Name: "is_string", Arity: 1, Kind: BuiltinPure, Fn: typePredicate(Value.IsString)},
		{Name: "is_boolean", Arity: 1, Kind: BuiltinPure, Fn: typePredicate(Value.IsBool)},
		{Name: "is_undefined", Arity: 1, Kind: BuiltinPure, Fn: typePredicate(Value.IsUndefined)},
		{Name: "is_function", Arity: 1, Kind: BuiltinPure, Fn: typePredicate(Value.IsCallable)},
		{Name: "arity", Arity: 1, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				switch {
				case args[0].IsClosure():
					return FromFloat64(float64(rt.Heap.Closure(args[0]).Arity())), nil
				case args[0].IsBuiltin():
					return FromFloat64(float64(rt.Heap.BuiltinCell(args[0]).Builtin.Arity)), nil
				}
				return Undefined, errTypeExpected("arity", "function", args[0])
			}},
		{Name: "parse_int", Arity: 2, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				if !args[0].IsString() {
					return Undefined, errTypeExpected("parse_int", "string", args[0])
				}
				if !args[1].IsNumber() {
					return Undefined, errTypeExpected("parse_int", "number", args[1])
				}
				base := int(args[1].Float64())
				if base < 2 || base > 36 {
					return Undefined, errTypeExpected("parse_int", "radix between 2 and 36", args[1])
				}
				n, err := strconv.ParseInt(rt.Heap.String(args[0]), base, 64)
				if err != nil {
					return FromFloat64(math.NaN()), nil
				}
				return FromFloat64(float64(n)), nil
			}},
		{Name: "char_at", Arity: 2, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				if !args[0].IsString() {
					return Undefined, errTypeExpected("char_at", "string", args[0])
				}
				if !args[1].IsNumber() {
					return Undefined, errTypeExpected("char_at", "number", args[1])
				}
				s := rt.Heap.String(args[0])
				i := int(args[1].Float64())
				if i < 0 || i >= len(s) {
					return Undefined, nil
				}
				return rt.Heap.AllocString(s[i : i+1]), nil
			}},
		{Name: "string_length", Arity: 1, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				if !args[0].IsString() {
					return Undefined, errTypeExpected("string_length", "string", args[0])
				}
				return FromFloat64(float64(len(rt.Heap.String(args[0])))), nil
			}},
		{Name: "math_random", Arity: 0, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				return FromFloat64(rand.Float64()), nil
			}},
		{Name: "math_max", Arity: 0, Variadic: true, Kind: BuiltinPure, Fn: mathFold("math_max", math.Inf(-1), math.Max)},
		{Name: "math_min", Arity: 0, Variadic: true, Kind: BuiltinPure, Fn: mathFold("math_min", math.Inf(1), math.Min)},
		{Name: "math_pow", Arity: 2, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				if !args[0].IsNumber() {
					return Undefined, errTypeExpected("math_pow", "number", args[0])
				}
				if !args[1].IsNumber() {
					return Undefined, errTypeExpected("math_pow", "number", args[1])
				}
				return FromFloat64(math.Pow(args[0].Float64(), args[1].Float64())), nil
			}},
		mathUnary("math_abs", math.Abs),
		mathUnary("math_floor", math.Floor),
		mathUnary("math_ceil", math.Ceil),
		mathUnary("math_sqrt", math.Sqrt),
		mathUnary("math_log", math.Log),
		mathUnary("math_log2", math.Log2),
		mathUnary("math_log10", math.Log10),
		mathUnary("math_exp", math.Exp),
		mathUnary("math_sin", math.Sin),
		mathUnary("math_cos", math.Cos),
		mathUnary("math_tan", math.Tan),
		mathUnary("math_asin", math.Asin),
		mathUnary("math_acos", math.Acos),
		mathUnary("math_atan", math.Atan),
		mathUnary("math_trunc", math.Trunc),
		// JS Math.round: halves round toward positive infinity.
		mathUnary("math_round", func(f float64) float64 { return math.Floor(f + 0.5) }),
	}
}

func levelTwoBuiltins() []Builtin {
	return []Builtin{
		{Name: "pair", Arity: 2, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				return rt.Heap.AllocPair(nil, args[0], args[1]), nil
			}},
		{Name: "head", Arity: 1, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				if !args[0].IsPair() {
					return Undefined, errTypeExpected("head", "pair", args[0])
				}
				return rt.Heap.Pair(args[0]).Head, nil
			}},
		{Name: "tail", Arity: 1, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				if !args[0].IsPair() {
					return Undefined, errTypeExpected("tail", "pair", args[0])
				}
				return rt.Heap.Pair(args[0]).Tail, nil
			}},
		{Name: "is_pair", Arity: 1, Kind: BuiltinPure, Fn: typePredicate(Value.IsPair)},
		{Name: "is_null", Arity: 1, Kind: BuiltinPure, Fn: typePredicate(Value.IsNull)},
		{Name: "is_list", Arity: 1, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				return FromBool(rt.isList(args[0])), nil
			}},
		{Name: "list", Arity: 0, Variadic: true, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				out := Value(Null)
				for i := len(args) - 1; i >= 0; i-- {
					out = rt.Heap.AllocPair(nil, args[i], out)
				}
				return out, nil
			}},
		{Name: "length", Arity: 1, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				n := 0
				seen := make(map[Value]bool)
				for v := args[0]; !v.IsNull(); {
					if !v.IsPair() {
						return Undefined, errTypeExpected("length", "list", args[0])
					}
					if seen[v] {
						return Undefined, errTypeExpected("length", "acyclic list", args[0])
					}
					seen[v] = true
					n++
					v = rt.Heap.Pair(v).Tail
				}
				return FromFloat64(float64(n)), nil
			}},
		{Name: "equal", Arity: 2, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				return FromBool(rt.structuralEqual(args[0], args[1], make(map[[2]Value]bool))), nil
			}},
		{Name: "draw_data", Arity: 1, Variadic: true, Kind: BuiltinSideEffectful,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				if rt.Hooks.VisualiseList != nil {
					for _, v := range args {
						rt.Hooks.VisualiseList(rt, v)
					}
				}
				return args[0], nil
			}},
	}
}

func levelThreeBuiltins() []Builtin {
	return []Builtin{
		{Name: "set_head", Arity: 2, Kind: BuiltinSideEffectful,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				if !args[0].IsPair() {
					return Undefined, errTypeExpected("set_head", "pair", args[0])
				}
				rt.Heap.Pair(args[0]).Head = args[1]
				return Undefined, nil
			}},
		{Name: "set_tail", Arity: 2, Kind: BuiltinSideEffectful,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				if !args[0].IsPair() {
					return Undefined, errTypeExpected("set_tail", "pair", args[0])
				}
				rt.Heap.Pair(args[0]).Tail = args[1]
				return Undefined, nil
			}},
		{Name: "is_array", Arity: 1, Kind: BuiltinPure, Fn: typePredicate(Value.IsArray)},
		{Name: "array_length", Arity: 1, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				if !args[0].IsArray() {
					return Undefined, errTypeExpected("array_length", "array", args[0])
				}
				return FromFloat64(float64(len(rt.Heap.Array(args[0]).Elems))), nil
			}},
		// Stream layer. A stream is null or a pair whose tail is a
		// nullary function producing the rest of the stream; forcing a
		// tail goes through the attached evaluator so user-written
		// thunks work.
		{Name: "is_stream", Arity: 1, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				v := args[0]
				if v.IsNull() {
					return True, nil
				}
				return FromBool(v.IsPair() && rt.Heap.Pair(v).Tail.IsCallable()), nil
			}},
		{Name: "stream", Arity: 0, Variadic: true, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				return rt.streamFromSlice(args), nil
			}},
		{Name: "list_to_stream", Arity: 1, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				return rt.listToStream(args[0])
			}},
		{Name: "stream_tail", Arity: 1, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				if !args[0].IsPair() {
					return Undefined, errTypeExpected("stream_tail", "non-empty stream", args[0])
				}
				return rt.force(rt.Heap.Pair(args[0]).Tail, loc)
			}},
		{Name: "stream_to_list", Arity: 1, Kind: BuiltinPure,
			Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
				var heads []Value
				seen := make(map[Value]bool)
				s := args[0]
				for !s.IsNull() {
					if !s.IsPair() {
						return Undefined, errTypeExpected("stream_to_list", "stream", args[0])
					}
					if seen[s] {
						return Undefined, errTypeExpected("stream_to_list", "finite stream", args[0])
					}
					seen[s] = true
					cell := rt.Heap.Pair(s)
					heads = append(heads, cell.Head)
					next, err := rt.force(cell.Tail, loc)
					if err != nil {
						return Undefined, err
					}
					s = next
				}
				out := Null
				for i := len(heads) - 1; i >= 0; i-- {
					out = rt.Heap.AllocPair(nil, heads[i], out)
				}
				return out, nil
			}},
	}
}

// streamFromSlice builds a stream over the given elements. Tails are
// builtin thunks, so the rest of the stream materialises lazily.
func (rt *Runtime) streamFromSlice(elems []Value) Value {
	if len(elems) == 0 {
		return Null
	}
	rest := elems[1:]
	thunk := rt.Heap.AllocBuiltin(Builtin{Name: "stream_thunk", Arity: 0, Kind: BuiltinPure,
		Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
			return rt.streamFromSlice(rest), nil
		}})
	return rt.Heap.AllocPair(nil, elems[0], thunk)
}

// listToStream converts a list into a stream one cell at a time; the tail
// list is only walked when its thunk is forced.
func (rt *Runtime) listToStream(v Value) (Value, error) {
	if v.IsNull() {
		return Null, nil
	}
	if !v.IsPair() {
		return Undefined, errTypeExpected("list_to_stream", "list", v)
	}
	cell := rt.Heap.Pair(v)
	rest := cell.Tail
	thunk := rt.Heap.AllocBuiltin(Builtin{Name: "stream_thunk", Arity: 0, Kind: BuiltinPure,
		Fn: func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
			return rt.listToStream(rest)
		}})
	return rt.Heap.AllocPair(nil, cell.Head, thunk), nil
}

// typePredicate lifts a Value predicate into a unary builtin.
func typePredicate(pred func(Value) bool) BuiltinFunc {
	return func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
		return FromBool(pred(args[0])), nil
	}
}

// mathFold lifts a binary float fold into a variadic builtin.
func mathFold(name string, identity float64, fold func(float64, float64) float64) BuiltinFunc {
	return func(rt *Runtime, args []Value, loc ast.Location) (Value, error) {
		acc := identity
		for _, a := range args {
			if !a.IsNumber() {
				return Undefined, errTypeExpected(name, "number", a)
			}
			acc = fold(acc, a.Float64())
		}
		return FromFloat64(acc), nil
	}
}

// hostRaisedError is the error builtin's payload; it surfaces as a runtime
// error at the call site.
type hostRaisedError struct {
	msg string
}

func (e *hostRaisedError) Error() string { return e.msg }

// isList walks tails until null, cycle-safely.
func (rt *Runtime) isList(v Value) bool {
	seen := make(map[Value]bool)
	for {
		if v.IsNull() {
			return true
		}
		if !v.IsPair() || seen[v] {
			return false
		}
		seen[v] = true
		v = rt.Heap.Pair(v).Tail
	}
}

// structuralEqual is the library's deep equality: pairs compare
// recursively, everything else by strict equality. The pair-identity set
// keeps it total on cyclic structures.
func (rt *Runtime) structuralEqual(a, b Value, seen map[[2]Value]bool) bool {
	if a.IsPair() && b.IsPair() {
		key := [2]Value{a, b}
		if seen[key] {
			return true
		}
		seen[key] = true
		ca, cb := rt.Heap.Pair(a), rt.Heap.Pair(b)
		return rt.structuralEqual(ca.Head, cb.Head, seen) && rt.structuralEqual(ca.Tail, cb.Tail, seen)
	}
	return rt.Heap.StrictEquals(a, b)
}
