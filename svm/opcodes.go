// Package svm implements the Source Virtual Machine: a compact stack
// bytecode, a compiler from the Source AST, a binary assembler, and an
// executor sharing the CSE machine's value model.
package svm

import (
	"fmt"
)

// Opcode identifies a single SVM instruction.
type Opcode byte

// Stack and constants
const (
	OpNOP    Opcode = 0x00 // no operation
	OpPOPG   Opcode = 0x01 // discard top of stack
	OpLGCI   Opcode = 0x02 // load integer constant (i32)
	OpLGCF64 Opcode = 0x03 // load float constant (f64)
	OpLGCS   Opcode = 0x04 // load string constant (string-pool index)
	OpLGCB0  Opcode = 0x05 // load false
	OpLGCB1  Opcode = 0x06 // load true
	OpLGCU   Opcode = 0x07 // load undefined
	OpLGCN   Opcode = 0x08 // load null
)

// Arithmetic (generic, then typed fast paths)
const (
	OpADDG Opcode = 0x10
	OpSUBG Opcode = 0x11
	OpMULG Opcode = 0x12
	OpDIVG Opcode = 0x13
	OpMODG Opcode = 0x14
	OpNEGG Opcode = 0x15
	OpNOTG Opcode = 0x16

	OpADDN Opcode = 0x18 // number + number
	OpSUBN Opcode = 0x19
	OpMULN Opcode = 0x1A
	OpDIVN Opcode = 0x1B
	OpMODN Opcode = 0x1C
	OpNEGN Opcode = 0x1D
	OpADDS Opcode = 0x1E // string + string
)

// Comparison
const (
	OpEQG  Opcode = 0x20
	OpNEQG Opcode = 0x21
	OpLTG  Opcode = 0x22
	OpGTG  Opcode = 0x23
	OpLEG  Opcode = 0x24
	OpGEG  Opcode = 0x25

	OpLTN Opcode = 0x26
	OpGTN Opcode = 0x27
	OpLEN Opcode = 0x28
	OpGEN Opcode = 0x29
	OpLTS Opcode = 0x2A
	OpGTS Opcode = 0x2B
	OpLES Opcode = 0x2C
	OpGES Opcode = 0x2D
)

// Memory
const (
	OpNEWC Opcode = 0x30 // create closure (fnIndex u32)
	OpNEWP Opcode = 0x31 // pop tail, head; push pair
	OpNEWA Opcode = 0x32 // pop n elements; push array (count i32)
	OpLDL  Opcode = 0x33 // load local (index u8)
	OpSTL  Opcode = 0x34 // store local, value stays on stack (index u8)
	OpLDP  Opcode = 0x35 // load from parent env (envDepth u8, index u8)
	OpSTP  Opcode = 0x36 // store to parent env, value stays (envDepth u8, index u8)
	OpLDAG Opcode = 0x37 // pop index, array; push element
	OpSTAG Opcode = 0x38 // pop value, index, array; store; push value
	OpLDPR Opcode = 0x39 // load primitive function value (primId i32)
)

// Control
const (
	OpBR    Opcode = 0x40 // unconditional branch (offset)
	OpBRT   Opcode = 0x41 // pop boolean, branch if true (offset)
	OpBRF   Opcode = 0x42 // pop boolean, branch if false (offset)
	OpJMP   Opcode = 0x43 // unconditional branch, back-edge form (offset)
	OpCALL  Opcode = 0x44 // call closure (argCount u8)
	OpCALLT Opcode = 0x45 // tail call closure (argCount u8)
	OpCALLP Opcode = 0x46 // call primitive (primId i32, argCount u8)
	OpRETG  Opcode = 0x47 // return top of stack
	OpRETN  Opcode = 0x48 // return null
	OpRETU  Opcode = 0x49 // return undefined
	OpRETB  Opcode = 0x4A // return top of stack from a block body
)

// Environments and terminator
const (
	OpNEWENV Opcode = 0x50 // push child environment (size i32)
	OpPOPENV Opcode = 0x51 // pop environment
	OpDONE   Opcode = 0x5F // end of entry function
)

// OperandKind describes one operand slot in an instruction's schema.
type OperandKind uint8

const (
	OpdI8     OperandKind = iota // unsigned 8-bit (local index)
	OpdI32                       // signed 32-bit
	OpdF64                       // 64-bit float
	OpdOffset                    // branch offset (i32, instruction-relative in memory, byte-relative on the wire)
	OpdAddr                      // lexical address (envDepth u8, index u8): two operand values
	OpdArgc                      // argument count (u8)
	OpdFnIdx                     // function table index (u32)
	OpdStrIdx                    // string pool index (i32)
)

// OpcodeInfo holds metadata about an opcode: its name, operand schema, and
// net stack effect (see Variable for opcodes whose effect depends on an
// operand).
type OpcodeInfo struct {
	Name     string
	Operands []OperandKind
	// StackEffect is the net stack change; Variable marks opcodes whose
	// effect depends on an operand (NEWA, CALL, CALLT, CALLP).
	StackEffect int
	Variable    bool
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP:    {Name: "NOP"},
	OpPOPG:   {Name: "POPG", StackEffect: -1},
	OpLGCI:   {Name: "LGCI", Operands: []OperandKind{OpdI32}, StackEffect: 1},
	OpLGCF64: {Name: "LGCF64", Operands: []OperandKind{OpdF64}, StackEffect: 1},
	OpLGCS:   {Name: "LGCS", Operands: []OperandKind{OpdStrIdx}, StackEffect: 1},
	OpLGCB0:  {Name: "LGCB0", StackEffect: 1},
	OpLGCB1:  {Name: "LGCB1", StackEffect: 1},
	OpLGCU:   {Name: "LGCU", StackEffect: 1},
	OpLGCN:   {Name: "LGCN", StackEffect: 1},

	OpADDG: {Name: "ADDG", StackEffect: -1},
	OpSUBG: {Name: "SUBG", StackEffect: -1},
	OpMULG: {Name: "MULG", StackEffect: -1},
	OpDIVG: {Name: "DIVG", StackEffect: -1},
	OpMODG: {Name: "MODG", StackEffect: -1},
	OpNEGG: {Name: "NEGG"},
	OpNOTG: {Name: "NOTG"},
	OpADDN: {Name: "ADDN", StackEffect: -1},
	OpSUBN: {Name: "SUBN", StackEffect: -1},
	OpMULN: {Name: "MULN", StackEffect: -1},
	OpDIVN: {Name: "DIVN", StackEffect: -1},
	OpMODN: {Name: "MODN", StackEffect: -1},
	OpNEGN: {Name: "NEGN"},
	OpADDS: {Name: "ADDS", StackEffect: -1},

	OpEQG:  {Name: "EQG", StackEffect: -1},
	OpNEQG: {Name: "NEQG", StackEffect: -1},
	OpLTG:  {Name: "LTG", StackEffect: -1},
	OpGTG:  {Name: "GTG", StackEffect: -1},
	OpLEG:  {Name: "LEG", StackEffect: -1},
	OpGEG:  {Name: "GEG", StackEffect: -1},
	OpLTN:  {Name: "LTN", StackEffect: -1},
	OpGTN:  {Name: "GTN", StackEffect: -1},
	OpLEN:  {Name: "LEN", StackEffect: -1},
	OpGEN:  {Name: "GEN", StackEffect: -1},
	OpLTS:  {Name: "LTS", StackEffect: -1},
	OpGTS:  {Name: "GTS", StackEffect: -1},
	OpLES:  {Name: "LES", StackEffect: -1},
	OpGES:  {Name: "GES", StackEffect: -1},

	OpNEWC: {Name: "NEWC", Operands: []OperandKind{OpdFnIdx}, StackEffect: 1},
	OpNEWP: {Name: "NEWP", StackEffect: -1},
	OpNEWA: {Name: "NEWA", Operands: []OperandKind{OpdI32}, Variable: true},
	OpLDL:  {Name: "LDL", Operands: []OperandKind{OpdI8}, StackEffect: 1},
	OpSTL:  {Name: "STL", Operands: []OperandKind{OpdI8}},
	OpLDP:  {Name: "LDP", Operands: []OperandKind{OpdAddr}, StackEffect: 1},
	OpSTP:  {Name: "STP", Operands: []OperandKind{OpdAddr}},
	OpLDAG: {Name: "LDAG", StackEffect: -1},
	OpSTAG: {Name: "STAG", StackEffect: -2},
	OpLDPR: {Name: "LDPR", Operands: []OperandKind{OpdI32}, StackEffect: 1},

	OpBR:    {Name: "BR", Operands: []OperandKind{OpdOffset}},
	OpBRT:   {Name: "BRT", Operands: []OperandKind{OpdOffset}, StackEffect: -1},
	OpBRF:   {Name: "BRF", Operands: []OperandKind{OpdOffset}, StackEffect: -1},
	OpJMP:   {Name: "JMP", Operands: []OperandKind{OpdOffset}},
	OpCALL:  {Name: "CALL", Operands: []OperandKind{OpdArgc}, Variable: true},
	OpCALLT: {Name: "CALLT", Operands: []OperandKind{OpdArgc}, Variable: true},
	OpCALLP: {Name: "CALLP", Operands: []OperandKind{OpdI32, OpdArgc}, Variable: true},
	OpRETG:  {Name: "RETG", StackEffect: -1},
	OpRETN:  {Name: "RETN"},
	OpRETU:  {Name: "RETU"},
	OpRETB:  {Name: "RETB", StackEffect: -1},

	OpNEWENV: {Name: "NEWENV", Operands: []OperandKind{OpdI32}},
	OpPOPENV: {Name: "POPENV"},
	OpDONE:   {Name: "DONE"},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() (OpcodeInfo, bool) {
	info, ok := opcodeTable[op]
	return info, ok
}

// Name returns the mnemonic for an opcode.
func (op Opcode) Name() string {
	if info, ok := opcodeTable[op]; ok {
		return info.Name
	}
	return fmt.Sprintf("UNKNOWN_%02X", byte(op))
}

// String implements fmt.Stringer.
func (op Opcode) String() string { return op.Name() }

// operandValues returns the number of int32 slots an operand kind occupies
// in Instr.I (OpdAddr carries two: depth and index).
func (k OperandKind) operandValues() int {
	switch k {
	case OpdF64:
		return 0
	case OpdAddr:
		return 2
	default:
		return 1
	}
}

// wireSize returns the encoded byte size of an operand kind.
func (k OperandKind) wireSize() int {
	switch k {
	case OpdI8, OpdArgc:
		return 1
	case OpdAddr:
		return 2
	case OpdI32, OpdOffset, OpdStrIdx, OpdFnIdx:
		return 4
	case OpdF64:
		return 8
	}
	return 0
}

// InstrSize returns the encoded byte size of an instruction with the given
// opcode: one opcode byte plus its operands.
func InstrSize(op Opcode) int {
	info, ok := opcodeTable[op]
	if !ok {
		return 1
	}
	size := 1
	for _, k := range info.Operands {
		size += k.wireSize()
	}
	return size
}
