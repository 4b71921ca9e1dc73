// Package asm is the code emitter the JIT targets: a small register
// machine with fixed-width instruction words, an append-only code arena and
// an assembler with labels.
//
// Word layout (most significant byte first):
//
//	| op:8 | a:8 | b:8 | c:8 | imm:32 |
//
// MovQ is followed by one literal word holding its 64-bit operand.
package asm

import "fmt"

// Op is an instruction opcode.
type Op uint8

const (
	Nop Op = iota

	// Moves
	MovI // a = sign-extended imm
	MovQ // a = next word
	Mov  // a = b

	// Value stack, relative to the stack-pointer register
	LdStk // a = stack[sp+imm]
	StStk // stack[sp+imm] = a
	AddSP // sp += imm
	SyncSP

	// Frame
	LdLoc  // a = locals[imm]
	StLoc  // locals[imm] = a
	LdSelf // a = receiver
	SetPC  // frame.IP = imm

	// Tests (set the condition flag)
	Cmp     // flag = a == b
	CmpI    // flag = a == sign-extended imm
	TypeChk // flag = kind(a) matches imm (a TypeClass)
	Truthy  // flag = a is neither nil nor false

	// Object model
	ClassOf // a = class ID of b
	ShapeOf // a = shape ID of b, 0 for non-objects
	LdIvar  // a = slot imm of object b
	StIvar  // slot imm of object b = a

	// Small integer arithmetic on tagged values
	IAdd // a = b + c, overflow flag on range overflow
	ISub // a = b - c, overflow flag on range overflow
	ILt  // a = b < c as a boolean value
	IEq  // a = b == c as a boolean value

	// Control flow; jump targets are absolute code addresses in imm
	Jmp
	Je  // jump if flag
	Jne // jump if not flag
	Jo  // jump if overflow

	// Runtime transitions
	Call  // run helper a with operand imm; registers b and c are its inputs
	Stub  // branch stub imm was reached
	Leave // return a from the current frame
	Exit  // hand control back to the interpreter
	Count // bump counter imm

	numOps
)

var opNames = [...]string{
	Nop: "nop", MovI: "movi", MovQ: "movq", Mov: "mov",
	LdStk: "ldstk", StStk: "ststk", AddSP: "addsp", SyncSP: "syncsp",
	LdLoc: "ldloc", StLoc: "stloc", LdSelf: "ldself", SetPC: "setpc",
	Cmp: "cmp", CmpI: "cmpi", TypeChk: "typechk", Truthy: "truthy",
	ClassOf: "classof", ShapeOf: "shapeof", LdIvar: "ldivar", StIvar: "stivar",
	IAdd: "iadd", ISub: "isub", ILt: "ilt", IEq: "ieq",
	Jmp: "jmp", Je: "je", Jne: "jne", Jo: "jo",
	Call: "call", Stub: "stub", Leave: "leave", Exit: "exit", Count: "count",
}

func (op Op) String() string {
	if op < numOps {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", uint8(op))
}

// IsJump reports whether op takes a code address in its immediate.
func (op Op) IsJump() bool {
	return op == Jmp || op == Je || op == Jne || op == Jo
}

// Reg names one of the machine's general-purpose registers.
type Reg uint8

// NumRegs is the number of general-purpose registers.
const NumRegs = 16

// Argument registers, used to pass values to helpers.
const (
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
)

// ArgRegs are the registers available for helper arguments.
var ArgRegs = [...]Reg{R0, R1, R2, R3, R4, R5}

func (r Reg) String() string { return fmt.Sprintf("r%d", r) }

// TypeClass is the operand of TypeChk.
type TypeClass int32

const (
	TcSmallInt TypeClass = iota
	TcFloat
	TcNil
	TcTrue
	TcFalse
	TcSymbol
	TcObject
	TcImmediate // anything that is not a heap object
)

var typeClassNames = [...]string{"int", "float", "nil", "true", "false", "symbol", "object", "imm"}

func (tc TypeClass) String() string {
	if int(tc) < len(typeClassNames) {
		return typeClassNames[tc]
	}
	return fmt.Sprintf("tc(%d)", int32(tc))
}

// CodePtr is a word address in the code arena. Zero is never a valid
// instruction address.
type CodePtr uint32

func (p CodePtr) String() string { return fmt.Sprintf("%#06x", uint32(p)) }

// Word is one encoded instruction.
type Word uint64

// Encode packs an instruction.
func Encode(op Op, a, b, c Reg, imm int32) Word {
	return Word(op)<<56 | Word(a)<<48 | Word(b)<<40 | Word(c)<<32 | Word(uint32(imm))
}

// Op returns the opcode field.
func (w Word) Op() Op { return Op(w >> 56) }

// A returns the first register field.
func (w Word) A() Reg { return Reg(w >> 48) }

// B returns the second register field.
func (w Word) B() Reg { return Reg(w >> 40) }

// C returns the third register field.
func (w Word) C() Reg { return Reg(w >> 32) }

// Imm returns the signed immediate.
func (w Word) Imm() int32 { return int32(uint32(w)) }

// Target returns the immediate as a code address.
func (w Word) Target() CodePtr { return CodePtr(uint32(w)) }

// WithImm returns w with its immediate replaced.
func (w Word) WithImm(imm int32) Word {
	return w&^0xFFFFFFFF | Word(uint32(imm))
}

// Size returns the number of words an instruction with this opcode takes.
func (op Op) Size() int {
	if op == MovQ {
		return 2
	}
	return 1
}
