package cse

import (
	"math"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Cycle-safe value display
// ---------------------------------------------------------------------------

// DisplayValue renders v in Source notation: pairs as [head, tail], arrays
// as [e1, e2, ...], strings quoted. Reference cycles terminate with
// "...<circular>" via an identity-visited set rather than structural
// recursion.
func (rt *Runtime) DisplayValue(v Value) string {
	var sb strings.Builder
	rt.writeValue(&sb, v, make(map[Value]bool), true)
	return sb.String()
}

// StringifyValue is DisplayValue except strings render unquoted, matching
// the distinction between display and raw output channels.
func (rt *Runtime) StringifyValue(v Value) string {
	var sb strings.Builder
	rt.writeValue(&sb, v, make(map[Value]bool), false)
	return sb.String()
}

func (rt *Runtime) writeValue(sb *strings.Builder, v Value, visited map[Value]bool, quote bool) {
	switch {
	case v == Undefined:
		sb.WriteString("undefined")
	case v == Null:
		sb.WriteString("null")
	case v == True:
		sb.WriteString("true")
	case v == False:
		sb.WriteString("false")
	case v.IsNumber():
		sb.WriteString(FormatNumber(v.Float64()))
	case v.IsString():
		if quote {
			sb.WriteString(strconv.Quote(rt.Heap.String(v)))
		} else {
			sb.WriteString(rt.Heap.String(v))
		}
	case v.IsPair():
		if visited[v] {
			sb.WriteString("...<circular>")
			return
		}
		visited[v] = true
		cell := rt.Heap.Pair(v)
		sb.WriteString("[")
		rt.writeValue(sb, cell.Head, visited, true)
		sb.WriteString(", ")
		rt.writeValue(sb, cell.Tail, visited, true)
		sb.WriteString("]")
		delete(visited, v)
	case v.IsArray():
		if visited[v] {
			sb.WriteString("...<circular>")
			return
		}
		visited[v] = true
		cell := rt.Heap.Array(v)
		sb.WriteString("[")
		for i, el := range cell.Elems {
			if i > 0 {
				sb.WriteString(", ")
			}
			rt.writeValue(sb, el, visited, true)
		}
		sb.WriteString("]")
		delete(visited, v)
	case v.IsClosure():
		c := rt.Heap.Closure(v)
		if c.Name != "" {
			sb.WriteString("<function " + c.Name + ">")
		} else {
			sb.WriteString("<function>")
		}
	case v.IsBuiltin():
		sb.WriteString("<builtin " + rt.Heap.BuiltinCell(v).Builtin.Name + ">")
	case v.IsHost():
		sb.WriteString("<" + rt.Heap.Host(v).Tag + ">")
	default:
		sb.WriteString("<unknown>")
	}
}

// FormatNumber renders a float64 the way Source programs expect: integral
// values without a trailing fraction, everything else in shortest-roundtrip
// form.
func FormatNumber(f float64) string {
	if math.IsNaN(f) {
		return "NaN"
	}
	if math.IsInf(f, 1) {
		return "Infinity"
	}
	if math.IsInf(f, -1) {
		return "-Infinity"
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
