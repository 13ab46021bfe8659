package svm

import (
	"math"

	"github.com/chazu/sling/ast"
	"github.com/chazu/sling/cse"
	"github.com/chazu/sling/diag"
)

// ---------------------------------------------------------------------------
// Machine: SVM executor
//
// A conventional stack machine over the shared value model. Closures are
// opaque host objects in the CSE heap carrying a function index and a
// captured environment chain; primitives dispatch through the shared
// builtin table.
// ---------------------------------------------------------------------------

// DefaultMaxFrames bounds the call stack.
const DefaultMaxFrames = 1 << 16

// vmClosure is the payload of a closure host object.
type vmClosure struct {
	fnIndex uint32
	env     *envFrame
}

// envFrame is one runtime environment: a fixed slot vector plus a parent
// link. NEWENV pushes a child; POPENV restores the parent.
type envFrame struct {
	slots  []cse.Value
	parent *envFrame
}

func newEnvFrame(size int, parent *envFrame) *envFrame {
	return &envFrame{slots: make([]cse.Value, size), parent: parent}
}

func (f *envFrame) at(depth int) *envFrame {
	env := f
	for i := 0; i < depth; i++ {
		env = env.parent
	}
	return env
}

// frame is one activation record.
type frame struct {
	fn  uint32
	ip  int
	env *envFrame
}

// Machine executes an SVM program.
type Machine struct {
	rt    *cse.Runtime
	prog  *Program
	prims *Primitives

	// Primitive values for LDPR, allocated once.
	primValues []cse.Value

	stack     []cse.Value
	frames    []frame
	maxFrames int
}

// NewMachine creates an executor for prog using the shared runtime and
// primitive table.
func NewMachine(rt *cse.Runtime, prog *Program, prims *Primitives) *Machine {
	m := &Machine{
		rt:        rt,
		prog:      prog,
		prims:     prims,
		maxFrames: DefaultMaxFrames,
	}
	m.primValues = make([]cse.Value, prims.Count())
	for i := 0; i < prims.Count(); i++ {
		b, _ := prims.Builtin(int32(i))
		m.primValues[i] = rt.Heap.AllocBuiltin(b)
	}
	rt.Apply = m.CallFunction
	return m
}

func (m *Machine) push(v cse.Value) {
	m.stack = append(m.stack, v)
}

func (m *Machine) pop() cse.Value {
	n := len(m.stack)
	v := m.stack[n-1]
	m.stack = m.stack[:n-1]
	return v
}

func (m *Machine) popN(n int) []cse.Value {
	base := len(m.stack) - n
	out := make([]cse.Value, n)
	copy(out, m.stack[base:])
	m.stack = m.stack[:base]
	return out
}

func vmErr(code diag.RuntimeCode, format string, args ...any) *diag.RuntimeError {
	return diag.Runtime(code, ast.UnknownLocation, format, args...)
}

// Run executes the program's entry function and returns its result.
func (m *Machine) Run() (cse.Value, error) {
	if len(m.prog.Functions) == 0 {
		return cse.Undefined, nil
	}
	m.stack = m.stack[:0]
	entry := m.prog.Functions[m.prog.EntryFn]
	m.frames = []frame{{
		fn:  m.prog.EntryFn,
		env: newEnvFrame(int(entry.EnvSize), nil),
	}}
	return m.runLoop(0)
}

// CallFunction applies a function value on behalf of host code (builtins
// that force stream tails). Builtins dispatch directly; compiled closures
// run on a nested frame until they return to the caller's depth.
func (m *Machine) CallFunction(fn cse.Value, args []cse.Value, loc ast.Location) (cse.Value, error) {
	if fn.IsBuiltin() {
		v, derr := m.rt.Invoke(m.rt.Heap.BuiltinCell(fn), args, loc)
		if derr != nil {
			return cse.Undefined, derr
		}
		return v, nil
	}
	cl, err := m.closureOf(fn)
	if err != nil {
		return cse.Undefined, err
	}
	target := m.prog.Functions[cl.fnIndex]
	if int(target.Arity) != len(args) {
		return cse.Undefined, vmErr(diag.ArityMismatch,
			"Expected %d arguments, but got %d.", target.Arity, len(args))
	}
	if len(m.frames) >= m.maxFrames {
		return cse.Undefined, vmErr(diag.StackOverflow, "Maximum call stack size exceeded.")
	}
	env := newEnvFrame(int(target.EnvSize), cl.env)
	copy(env.slots, args)
	base := len(m.frames)
	m.frames = append(m.frames, frame{fn: cl.fnIndex, env: env})
	v, err := m.runLoop(base)
	if err != nil && len(m.frames) > base {
		m.frames = m.frames[:base]
	}
	return v, err
}

// runLoop executes until the frame at index base returns. The entry run
// uses base 0; nested host calls use the depth they started from.
func (m *Machine) runLoop(base int) (cse.Value, error) {
	for {
		f := &m.frames[len(m.frames)-1]
		fn := &m.prog.Functions[f.fn]
		if f.ip >= len(fn.Instrs) {
			// Fell off the end: implicit undefined return.
			if done, v := m.returnValue(cse.Undefined, base); done {
				return v, nil
			}
			continue
		}
		in := fn.Instrs[f.ip]
		f.ip++

		switch in.Op {
		case OpNOP:

		case OpPOPG:
			m.pop()

		case OpLGCI:
			m.push(cse.FromFloat64(float64(in.I[0])))
		case OpLGCF64:
			m.push(cse.FromFloat64(in.F))
		case OpLGCS:
			idx := int(in.I[0])
			if idx < 0 || idx >= len(m.prog.Strings) {
				return cse.Undefined, vmErr(diag.IndexOutOfRange, "string constant %d out of range", idx)
			}
			m.push(m.rt.Heap.AllocString(m.prog.Strings[idx]))
		case OpLGCB0:
			m.push(cse.False)
		case OpLGCB1:
			m.push(cse.True)
		case OpLGCU:
			m.push(cse.Undefined)
		case OpLGCN:
			m.push(cse.Null)

		case OpADDG, OpSUBG, OpMULG, OpDIVG, OpMODG,
			OpEQG, OpNEQG, OpLTG, OpGTG, OpLEG, OpGEG:
			right := m.pop()
			left := m.pop()
			v, err := m.rt.ApplyBinary(genericOpName(in.Op), left, right, ast.UnknownLocation)
			if err != nil {
				return cse.Undefined, err
			}
			m.push(v)

		case OpADDN, OpSUBN, OpMULN, OpDIVN, OpMODN:
			right := m.pop()
			left := m.pop()
			if !left.IsNumber() || !right.IsNumber() {
				return cse.Undefined, vmErr(diag.TypeMismatch, "%s applied to non-numbers", in.Op)
			}
			a, b := left.Float64(), right.Float64()
			switch in.Op {
			case OpADDN:
				m.push(cse.FromFloat64(a + b))
			case OpSUBN:
				m.push(cse.FromFloat64(a - b))
			case OpMULN:
				m.push(cse.FromFloat64(a * b))
			case OpDIVN:
				m.push(cse.FromFloat64(a / b))
			case OpMODN:
				m.push(cse.FromFloat64(math.Mod(a, b)))
			}

		case OpADDS:
			right := m.pop()
			left := m.pop()
			if !left.IsString() || !right.IsString() {
				return cse.Undefined, vmErr(diag.TypeMismatch, "ADDS applied to non-strings")
			}
			m.push(m.rt.Heap.AllocString(m.rt.Heap.String(left) + m.rt.Heap.String(right)))

		case OpLTN, OpGTN, OpLEN, OpGEN:
			right := m.pop()
			left := m.pop()
			if !left.IsNumber() || !right.IsNumber() {
				return cse.Undefined, vmErr(diag.TypeMismatch, "%s applied to non-numbers", in.Op)
			}
			a, b := left.Float64(), right.Float64()
			switch in.Op {
			case OpLTN:
				m.push(cse.FromBool(a < b))
			case OpGTN:
				m.push(cse.FromBool(a > b))
			case OpLEN:
				m.push(cse.FromBool(a <= b))
			case OpGEN:
				m.push(cse.FromBool(a >= b))
			}

		case OpLTS, OpGTS, OpLES, OpGES:
			right := m.pop()
			left := m.pop()
			if !left.IsString() || !right.IsString() {
				return cse.Undefined, vmErr(diag.TypeMismatch, "%s applied to non-strings", in.Op)
			}
			a, b := m.rt.Heap.String(left), m.rt.Heap.String(right)
			switch in.Op {
			case OpLTS:
				m.push(cse.FromBool(a < b))
			case OpGTS:
				m.push(cse.FromBool(a > b))
			case OpLES:
				m.push(cse.FromBool(a <= b))
			case OpGES:
				m.push(cse.FromBool(a >= b))
			}

		case OpNEGG, OpNEGN:
			v := m.pop()
			if !v.IsNumber() {
				return cse.Undefined, vmErr(diag.TypeMismatch, "Expected number, got %s.", v.TypeName())
			}
			m.push(cse.FromFloat64(-v.Float64()))

		case OpNOTG:
			v := m.pop()
			if !v.IsBool() {
				return cse.Undefined, vmErr(diag.TypeMismatch, "Expected boolean, got %s.", v.TypeName())
			}
			m.push(cse.FromBool(v == cse.False))

		case OpNEWC:
			m.push(m.rt.Heap.AllocHost(nil, "closure", &vmClosure{
				fnIndex: uint32(in.I[0]),
				env:     f.env,
			}))

		case OpNEWP:
			tail := m.pop()
			head := m.pop()
			m.push(m.rt.Heap.AllocPair(nil, head, tail))

		case OpNEWA:
			m.push(m.rt.Heap.AllocArray(nil, m.popN(int(in.I[0]))))

		case OpLDL:
			m.push(f.env.slots[in.I[0]])
		case OpSTL:
			f.env.slots[in.I[0]] = m.stack[len(m.stack)-1]
		case OpLDP:
			m.push(f.env.at(int(in.I[0])).slots[in.I[1]])
		case OpSTP:
			f.env.at(int(in.I[0])).slots[in.I[1]] = m.stack[len(m.stack)-1]

		case OpLDAG:
			idx := m.pop()
			arr := m.pop()
			v, err := arrayGet(m.rt, arr, idx)
			if err != nil {
				return cse.Undefined, err
			}
			m.push(v)

		case OpSTAG:
			val := m.pop()
			idx := m.pop()
			arr := m.pop()
			if err := arraySet(m.rt, arr, idx, val); err != nil {
				return cse.Undefined, err
			}
			m.push(val)

		case OpLDPR:
			id := int(in.I[0])
			if id < 0 || id >= len(m.primValues) {
				return cse.Undefined, vmErr(diag.UndefinedVariable, "primitive %d out of range", id)
			}
			m.push(m.primValues[id])

		case OpBR, OpJMP:
			f.ip += int(in.I[0])

		case OpBRT, OpBRF:
			v := m.pop()
			if !v.IsBool() {
				return cse.Undefined, vmErr(diag.TypeMismatch, "Expected boolean as condition, got %s.", v.TypeName())
			}
			if (in.Op == OpBRT) == (v == cse.True) {
				f.ip += int(in.I[0])
			}

		case OpCALL, OpCALLT:
			argc := int(in.I[0])
			args := m.popN(argc)
			callee := m.pop()
			if callee.IsBuiltin() {
				v, derr := m.rt.Invoke(m.rt.Heap.BuiltinCell(callee), args, ast.UnknownLocation)
				if derr != nil {
					return cse.Undefined, derr
				}
				if in.Op == OpCALLT {
					if done, res := m.returnValue(v, base); done {
						return res, nil
					}
				} else {
					m.push(v)
				}
				continue
			}
			cl, err := m.closureOf(callee)
			if err != nil {
				return cse.Undefined, err
			}
			target := m.prog.Functions[cl.fnIndex]
			if int(target.Arity) != argc {
				return cse.Undefined, vmErr(diag.ArityMismatch,
					"Expected %d arguments, but got %d.", target.Arity, argc)
			}
			env := newEnvFrame(int(target.EnvSize), cl.env)
			copy(env.slots, args)
			if in.Op == OpCALLT {
				// Reuse the current activation: the caller's result is
				// the callee's result.
				m.frames[len(m.frames)-1] = frame{fn: cl.fnIndex, env: env}
			} else {
				if len(m.frames) >= m.maxFrames {
					return cse.Undefined, vmErr(diag.StackOverflow, "Maximum call stack size exceeded.")
				}
				m.frames = append(m.frames, frame{fn: cl.fnIndex, env: env})
			}

		case OpCALLP:
			id := int(in.I[0])
			argc := int(in.I[1])
			if id < 0 || id >= len(m.primValues) {
				return cse.Undefined, vmErr(diag.UndefinedVariable, "primitive %d out of range", id)
			}
			args := m.popN(argc)
			v, derr := m.rt.Invoke(m.rt.Heap.BuiltinCell(m.primValues[id]), args, ast.UnknownLocation)
			if derr != nil {
				return cse.Undefined, derr
			}
			m.push(v)

		case OpRETG, OpRETB:
			if done, v := m.returnValue(m.pop(), base); done {
				return v, nil
			}
		case OpRETN:
			if done, v := m.returnValue(cse.Null, base); done {
				return v, nil
			}
		case OpRETU:
			if done, v := m.returnValue(cse.Undefined, base); done {
				return v, nil
			}

		case OpNEWENV:
			f.env = newEnvFrame(int(in.I[0]), f.env)
		case OpPOPENV:
			f.env = f.env.parent

		case OpDONE:
			if len(m.stack) > 0 {
				return m.pop(), nil
			}
			return cse.Undefined, nil

		default:
			return cse.Undefined, vmErr(diag.TypeMismatch, "unknown opcode %02X", byte(in.Op))
		}
	}
}

// returnValue pops the current frame and pushes v for the caller. It
// reports true with the final result when the run's base frame returns.
func (m *Machine) returnValue(v cse.Value, base int) (bool, cse.Value) {
	m.frames = m.frames[:len(m.frames)-1]
	if len(m.frames) == base {
		return true, v
	}
	m.push(v)
	return false, cse.Undefined
}

func (m *Machine) closureOf(v cse.Value) (*vmClosure, error) {
	if !v.IsHost() {
		return nil, vmErr(diag.NotAFunction, "Calling non-function value %s.", m.rt.DisplayValue(v))
	}
	cell := m.rt.Heap.Host(v)
	cl, ok := cell.Data.(*vmClosure)
	if !ok {
		return nil, vmErr(diag.NotAFunction, "Calling non-function value <%s>.", cell.Tag)
	}
	return cl, nil
}

func genericOpName(op Opcode) string {
	switch op {
	case OpADDG:
		return "+"
	case OpSUBG:
		return "-"
	case OpMULG:
		return "*"
	case OpDIVG:
		return "/"
	case OpMODG:
		return "%"
	case OpEQG:
		return "==="
	case OpNEQG:
		return "!=="
	case OpLTG:
		return "<"
	case OpGTG:
		return ">"
	case OpLEG:
		return "<="
	case OpGEG:
		return ">="
	}
	return "?"
}

func arrayGet(rt *cse.Runtime, arr, idx cse.Value) (cse.Value, error) {
	if !arr.IsArray() {
		return cse.Undefined, vmErr(diag.TypeMismatch, "Expected array, got %s.", arr.TypeName())
	}
	i, err := arrayIndex(idx)
	if err != nil {
		return cse.Undefined, err
	}
	cell := rt.Heap.Array(arr)
	if i >= len(cell.Elems) {
		return cse.Undefined, nil
	}
	return cell.Elems[i], nil
}

func arraySet(rt *cse.Runtime, arr, idx, val cse.Value) error {
	if !arr.IsArray() {
		return vmErr(diag.TypeMismatch, "Expected array, got %s.", arr.TypeName())
	}
	i, err := arrayIndex(idx)
	if err != nil {
		return err
	}
	cell := rt.Heap.Array(arr)
	for len(cell.Elems) <= i {
		cell.Elems = append(cell.Elems, cse.Undefined)
	}
	cell.Elems[i] = val
	return nil
}

func arrayIndex(idx cse.Value) (int, error) {
	if !idx.IsNumber() {
		return 0, vmErr(diag.TypeMismatch, "Expected number as array index, got %s.", idx.TypeName())
	}
	fv := idx.Float64()
	i := int(fv)
	if float64(i) != fv || i < 0 {
		return 0, vmErr(diag.IndexOutOfRange, "Array index must be a non-negative integer.")
	}
	return i, nil
}
