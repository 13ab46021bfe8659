package svm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// ---------------------------------------------------------------------------
// Assembler: SVM program <-> compact binary encoding
//
// Layout, little-endian:
//
//	Header:   magic "SVMC" (4 bytes)
//	          version:u16
//	          entryFn:u32
//	          fnCount:u32
//	          stringCount:u32
//	String table: for each string: len:u32, utf8 bytes
//	Function table: for each function:
//	          stackSize:u16, envSize:u16, arity:u16, instrCount:u32
//	          instructions: opcode:u8 then operands per opcode schema
//
// Branch offsets are byte-relative from the start of the next instruction
// on the wire; in-memory they are instruction-relative deltas, converted
// in both directions so decode(encode(p)) == p.
// ---------------------------------------------------------------------------

// Magic identifies an SVM binary.
var Magic = [4]byte{'S', 'V', 'M', 'C'}

// FormatVersion is the current binary format version.
const FormatVersion uint16 = 1

// DecodeError reports a malformed binary. Consumers must reject the input
// and not execute.
type DecodeError struct {
	Offset int
	Msg    string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("svm: decode error at offset %d: %s", e.Offset, e.Msg)
}

func decodeErr(offset int, format string, args ...any) *DecodeError {
	return &DecodeError{Offset: offset, Msg: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// Encode serialises a program into the binary format.
func Encode(p *Program) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	buf.Write(Magic[:])
	writeU16(buf, FormatVersion)
	writeU32(buf, p.EntryFn)
	writeU32(buf, uint32(len(p.Functions)))
	writeU32(buf, uint32(len(p.Strings)))

	for _, s := range p.Strings {
		writeU32(buf, uint32(len(s)))
		buf.WriteString(s)
	}

	for fi := range p.Functions {
		if err := encodeFunction(buf, &p.Functions[fi]); err != nil {
			return nil, fmt.Errorf("svm: function %d: %w", fi, err)
		}
	}
	return buf.Bytes(), nil
}

func encodeFunction(buf *bytes.Buffer, fn *Function) error {
	writeU16(buf, fn.StackSize)
	writeU16(buf, fn.EnvSize)
	writeU16(buf, fn.Arity)
	writeU32(buf, uint32(len(fn.Instrs)))

	// Byte positions of each instruction, plus the end position, for
	// branch offset conversion.
	pos := make([]int, len(fn.Instrs)+1)
	for i, in := range fn.Instrs {
		pos[i+1] = pos[i] + InstrSize(in.Op)
	}

	for i, in := range fn.Instrs {
		info, ok := in.Op.Info()
		if !ok {
			return fmt.Errorf("unknown opcode %02X", byte(in.Op))
		}
		buf.WriteByte(byte(in.Op))
		ii := 0
		for _, kind := range info.Operands {
			switch kind {
			case OpdI8, OpdArgc:
				buf.WriteByte(byte(in.I[ii]))
				ii++
			case OpdAddr:
				buf.WriteByte(byte(in.I[ii]))
				buf.WriteByte(byte(in.I[ii+1]))
				ii += 2
			case OpdI32, OpdStrIdx:
				writeU32(buf, uint32(in.I[ii]))
				ii++
			case OpdFnIdx:
				writeU32(buf, uint32(in.I[ii]))
				ii++
			case OpdOffset:
				target := i + 1 + int(in.I[ii])
				if target < 0 || target > len(fn.Instrs) {
					return fmt.Errorf("branch at %d targets instruction %d of %d", i, target, len(fn.Instrs))
				}
				byteOffset := pos[target] - pos[i+1]
				writeU32(buf, uint32(int32(byteOffset)))
				ii++
			case OpdF64:
				writeU64(buf, math.Float64bits(in.F))
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Decode parses a binary back into a program. It rejects bad magic,
// unknown versions and opcodes, truncated input, and branch targets that
// do not land on an instruction boundary.
func Decode(data []byte) (*Program, error) {
	r := &reader{data: data}

	var magic [4]byte
	r.read(magic[:])
	if magic != Magic {
		return nil, decodeErr(0, "bad magic %q", magic[:])
	}
	version := r.u16()
	if version != FormatVersion {
		return nil, decodeErr(4, "unsupported version %d", version)
	}

	p := &Program{}
	p.EntryFn = r.u32()
	fnCount := r.u32()
	stringCount := r.u32()
	if r.err != nil {
		return nil, r.err
	}

	for i := uint32(0); i < stringCount; i++ {
		n := r.u32()
		if r.err != nil {
			return nil, r.err
		}
		b := make([]byte, n)
		r.read(b)
		if r.err != nil {
			return nil, r.err
		}
		p.Strings = append(p.Strings, string(b))
	}

	if p.EntryFn >= fnCount && fnCount > 0 {
		return nil, decodeErr(6, "entry function %d out of range (%d functions)", p.EntryFn, fnCount)
	}

	for i := uint32(0); i < fnCount; i++ {
		fn, err := decodeFunction(r)
		if err != nil {
			return nil, err
		}
		p.Functions = append(p.Functions, fn)
	}
	if r.err != nil {
		return nil, r.err
	}
	return p, nil
}

func decodeFunction(r *reader) (Function, error) {
	fn := Function{
		StackSize: r.u16(),
		EnvSize:   r.u16(),
		Arity:     r.u16(),
	}
	instrCount := r.u32()
	if r.err != nil {
		return fn, r.err
	}

	// First pass: decode instructions and record byte positions relative
	// to the function's instruction stream.
	type pendingBranch struct {
		instrIndex int
		operand    int
		byteTarget int
	}
	var branches []pendingBranch
	pos := make([]int, 0, instrCount+1)
	bytePos := 0

	for i := uint32(0); i < instrCount; i++ {
		pos = append(pos, bytePos)
		opOffset := r.off
		op := Opcode(r.u8())
		if r.err != nil {
			return fn, r.err
		}
		info, ok := op.Info()
		if !ok {
			return fn, decodeErr(opOffset, "unknown opcode %02X", byte(op))
		}
		in := Instr{Op: op}
		for _, kind := range info.Operands {
			switch kind {
			case OpdI8, OpdArgc:
				in.I = append(in.I, int32(r.u8()))
			case OpdAddr:
				in.I = append(in.I, int32(r.u8()), int32(r.u8()))
			case OpdI32, OpdStrIdx, OpdFnIdx:
				in.I = append(in.I, int32(r.u32()))
			case OpdOffset:
				byteOffset := int32(r.u32())
				branches = append(branches, pendingBranch{
					instrIndex: len(fn.Instrs),
					operand:    len(in.I),
					byteTarget: bytePos + InstrSize(op) + int(byteOffset),
				})
				in.I = append(in.I, 0)
			case OpdF64:
				in.F = math.Float64frombits(r.u64())
			}
		}
		if r.err != nil {
			return fn, r.err
		}
		fn.Instrs = append(fn.Instrs, in)
		bytePos += InstrSize(op)
	}
	pos = append(pos, bytePos)

	// Second pass: convert byte-relative branch targets back into
	// instruction-relative deltas.
	indexAt := make(map[int]int, len(pos))
	for i, bp := range pos {
		indexAt[bp] = i
	}
	for _, b := range branches {
		target, ok := indexAt[b.byteTarget]
		if !ok {
			return fn, decodeErr(0, "branch in instruction %d targets byte %d, not an instruction boundary", b.instrIndex, b.byteTarget)
		}
		fn.Instrs[b.instrIndex].I[b.operand] = int32(target - b.instrIndex - 1)
	}
	return fn, nil
}

// ---------------------------------------------------------------------------
// Little-endian helpers
// ---------------------------------------------------------------------------

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

type reader struct {
	data []byte
	off  int
	err  error
}

func (r *reader) read(dst []byte) {
	if r.err != nil {
		return
	}
	if r.off+len(dst) > len(r.data) {
		r.err = decodeErr(r.off, "truncated input")
		return
	}
	copy(dst, r.data[r.off:])
	r.off += len(dst)
}

func (r *reader) u8() byte {
	var b [1]byte
	r.read(b[:])
	return b[0]
}

func (r *reader) u16() uint16 {
	var b [2]byte
	r.read(b[:])
	return binary.LittleEndian.Uint16(b[:])
}

func (r *reader) u32() uint32 {
	var b [4]byte
	r.read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (r *reader) u64() uint64 {
	var b [8]byte
	r.read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}
