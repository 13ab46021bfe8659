package svm

import (
	"fmt"
	"strings"
)

// Instr is one decoded instruction. Integer operands live in I in schema
// order (OpdAddr contributes two entries: envDepth then index); an OpdF64
// operand lives in F. Branch operands are instruction-relative deltas from
// the following instruction; the assembler converts them to byte-relative
// offsets on the wire.
type Instr struct {
	Op Opcode
	I  []int32
	F  float64
}

// Function is one compiled function body.
type Function struct {
	StackSize uint16
	EnvSize   uint16
	Arity     uint16
	Instrs    []Instr
}

// Program is a compiled SVM unit: an entry function plus a function table
// and a deduplicated string pool.
type Program struct {
	EntryFn   uint32
	Functions []Function
	Strings   []string
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// Disassemble renders the whole program, one function per block.
func Disassemble(p *Program) string {
	var sb strings.Builder
	for i, fn := range p.Functions {
		if i > 0 {
			sb.WriteString("\n")
		}
		marker := ""
		if uint32(i) == p.EntryFn {
			marker = " (entry)"
		}
		fmt.Fprintf(&sb, "fn %d%s  stack=%d env=%d arity=%d\n", i, marker, fn.StackSize, fn.EnvSize, fn.Arity)
		for pc, in := range fn.Instrs {
			sb.WriteString(disassembleInstr(p, pc, in))
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func disassembleInstr(p *Program, pc int, in Instr) string {
	info, ok := in.Op.Info()
	if !ok {
		return fmt.Sprintf("%4d  %s", pc, in.Op.Name())
	}
	var parts []string
	ii := 0
	for _, k := range info.Operands {
		switch k {
		case OpdF64:
			parts = append(parts, fmt.Sprintf("%g", in.F))
		case OpdAddr:
			parts = append(parts, fmt.Sprintf("%d:%d", in.I[ii], in.I[ii+1]))
			ii += 2
		case OpdOffset:
			delta := in.I[ii]
			parts = append(parts, fmt.Sprintf("%+d (-> %d)", delta, pc+1+int(delta)))
			ii++
		case OpdStrIdx:
			idx := in.I[ii]
			if int(idx) < len(p.Strings) {
				parts = append(parts, fmt.Sprintf("%d %q", idx, p.Strings[idx]))
			} else {
				parts = append(parts, fmt.Sprintf("%d", idx))
			}
			ii++
		default:
			parts = append(parts, fmt.Sprintf("%d", in.I[ii]))
			ii++
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("%4d  %s", pc, info.Name)
	}
	return fmt.Sprintf("%4d  %s %s", pc, info.Name, strings.Join(parts, " "))
}
