package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction.
type Opcode byte

// Stack Operations
const (
	OpNOP Opcode = 0x00 // no operation
	OpPOP Opcode = 0x01 // discard top of stack
	OpDUP Opcode = 0x02 // duplicate top of stack
)

// Push Constants
const (
	OpPushNil     Opcode = 0x10 // push nil
	OpPushTrue    Opcode = 0x11 // push true
	OpPushFalse   Opcode = 0x12 // push false
	OpPushSelf    Opcode = 0x13 // push self
	OpPushInt8    Opcode = 0x14 // push 8-bit signed integer
	OpPushInt32   Opcode = 0x15 // push 32-bit signed integer
	OpPushLiteral Opcode = 0x16 // push literal from literal frame (16-bit index)
)

// Variable Operations
const (
	OpPushTemp  Opcode = 0x20 // push temporary/argument (8-bit index)
	OpPushIvar  Opcode = 0x21 // push instance variable of self (16-bit name)
	OpPushConst Opcode = 0x22 // push named constant (16-bit name)
	OpPopTemp   Opcode = 0x23 // pop into temporary (8-bit index)
	OpPopIvar   Opcode = 0x24 // pop into instance variable of self (16-bit name)
)

// Message Sends
const (
	OpSend Opcode = 0x30 // send through call site (16-bit call-site index)
)

// Operator sends with builtin fast paths (no operands, one argument)
const (
	OpSendPlus  Opcode = 0x40 // +
	OpSendMinus Opcode = 0x41 // -
	OpSendLT    Opcode = 0x42 // <
	OpSendEQ    Opcode = 0x43 // ==
)

// Control Flow (signed 16-bit offset relative to the next instruction)
const (
	OpJump      Opcode = 0x60 // unconditional jump
	OpJumpTrue  Opcode = 0x61 // pop, jump if truthy
	OpJumpFalse Opcode = 0x62 // pop, jump if falsy
)

// Returns
const (
	OpReturnTop Opcode = 0x70 // return top of stack
)

// OpcodeInfo describes an opcode's mnemonic and operand width.
type OpcodeInfo struct {
	Name         string
	OperandBytes int
}

var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP:         {"NOP", 0},
	OpPOP:         {"POP", 0},
	OpDUP:         {"DUP", 0},
	OpPushNil:     {"PUSH_NIL", 0},
	OpPushTrue:    {"PUSH_TRUE", 0},
	OpPushFalse:   {"PUSH_FALSE", 0},
	OpPushSelf:    {"PUSH_SELF", 0},
	OpPushInt8:    {"PUSH_INT8", 1},
	OpPushInt32:   {"PUSH_INT32", 4},
	OpPushLiteral: {"PUSH_LITERAL", 2},
	OpPushTemp:    {"PUSH_TEMP", 1},
	OpPushIvar:    {"PUSH_IVAR", 2},
	OpPushConst:   {"PUSH_CONST", 2},
	OpPopTemp:     {"POP_TEMP", 1},
	OpPopIvar:     {"POP_IVAR", 2},
	OpSend:        {"SEND", 2},
	OpSendPlus:    {"SEND_PLUS", 0},
	OpSendMinus:   {"SEND_MINUS", 0},
	OpSendLT:      {"SEND_LT", 0},
	OpSendEQ:      {"SEND_EQ", 0},
	OpJump:        {"JUMP", 2},
	OpJumpTrue:    {"JUMP_TRUE", 2},
	OpJumpFalse:   {"JUMP_FALSE", 2},
	OpReturnTop:   {"RETURN_TOP", 0},
}

// Info returns the opcode's descriptor.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Name returns the opcode mnemonic.
func (op Opcode) Name() string {
	return op.Info().Name
}

// Length returns the full instruction length, opcode byte included.
func (op Opcode) Length() int {
	return 1 + op.Info().OperandBytes
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// Operand access (the decoder the JIT reads through)
// ---------------------------------------------------------------------------

// OpcodeAt returns the opcode at position pos.
func OpcodeAt(bc []byte, pos int) Opcode {
	return Opcode(bc[pos])
}

// Operand decodes the single operand of the instruction at pos as an int.
func Operand(bc []byte, pos int) int {
	op := Opcode(bc[pos])
	switch op.Info().OperandBytes {
	case 1:
		if op == OpPushInt8 {
			return int(int8(bc[pos+1]))
		}
		return int(bc[pos+1])
	case 2:
		if op == OpJump || op == OpJumpTrue || op == OpJumpFalse {
			return int(int16(binary.LittleEndian.Uint16(bc[pos+1:])))
		}
		return int(binary.LittleEndian.Uint16(bc[pos+1:]))
	case 4:
		return int(int32(binary.LittleEndian.Uint32(bc[pos+1:])))
	}
	return 0
}

// JumpTarget returns the absolute target of the jump instruction at pos.
func JumpTarget(bc []byte, pos int) int {
	return pos + 3 + Operand(bc, pos)
}

// ---------------------------------------------------------------------------
// Bytecode builder
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the built bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length of the bytecode.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit emits a single opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte emits an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitInt8 emits an opcode with a signed byte operand.
func (b *BytecodeBuilder) EmitInt8(op Opcode, operand int8) {
	b.bytes = append(b.bytes, byte(op), byte(operand))
}

// EmitUint16 emits an opcode with a 16-bit operand.
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint16(b.bytes, operand)
}

// EmitInt32 emits an opcode with a 32-bit operand.
func (b *BytecodeBuilder) EmitInt32(op Opcode, operand int32) {
	b.bytes = append(b.bytes, byte(op))
	b.bytes = binary.LittleEndian.AppendUint32(b.bytes, uint32(operand))
}

// Label represents a jump target for forward references.
type Label struct {
	position int
	resolved bool
	refs     []int
}

// NewLabel creates a new unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{position: -1}
}

// Mark sets the label's position to the current location and patches
// every forward reference emitted so far.
func (b *BytecodeBuilder) Mark(label *Label) {
	label.position = len(b.bytes)
	label.resolved = true
	for _, ref := range label.refs {
		offset := label.position - (ref + 2)
		binary.LittleEndian.PutUint16(b.bytes[ref:], uint16(int16(offset)))
	}
	label.refs = nil
}

// EmitJump emits a jump instruction to label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = binary.LittleEndian.AppendUint16(b.bytes, uint16(int16(offset)))
		return
	}
	label.refs = append(label.refs, len(b.bytes))
	b.bytes = append(b.bytes, 0, 0)
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleAt renders the instruction at pos and returns its length.
func DisassembleAt(bc []byte, pos int) (string, int) {
	op := Opcode(bc[pos])
	if !op.Valid() {
		return fmt.Sprintf("%04d: %s", pos, op.Name()), 1
	}
	switch op {
	case OpJump, OpJumpTrue, OpJumpFalse:
		return fmt.Sprintf("%04d: %-14s -> %04d", pos, op.Name(), JumpTarget(bc, pos)), op.Length()
	}
	if op.Info().OperandBytes == 0 {
		return fmt.Sprintf("%04d: %s", pos, op.Name()), 1
	}
	return fmt.Sprintf("%04d: %-14s %d", pos, op.Name(), Operand(bc, pos)), op.Length()
}

// Disassemble returns a human-readable listing of bc.
func Disassemble(bc []byte) string {
	var sb strings.Builder
	for pos := 0; pos < len(bc); {
		line, n := DisassembleAt(bc, pos)
		sb.WriteString(line)
		sb.WriteByte('\n')
		pos += n
	}
	return sb.String()
}
