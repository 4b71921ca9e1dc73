package asm

import (
	"fmt"
	"strings"
)

// Format renders one instruction word. wide is the trailing literal of a
// MovQ and ignored otherwise.
func Format(w Word, wide Word) string {
	op := w.Op()
	switch op {
	case Nop, SyncSP, Exit:
		return op.String()
	case MovI, CmpI:
		return fmt.Sprintf("%s %s, %d", op, w.A(), w.Imm())
	case MovQ:
		return fmt.Sprintf("%s %s, %#x", op, w.A(), uint64(wide))
	case Mov, Cmp, ClassOf, ShapeOf:
		return fmt.Sprintf("%s %s, %s", op, w.A(), w.B())
	case LdStk:
		return fmt.Sprintf("%s %s, [sp%+d]", op, w.A(), w.Imm())
	case StStk:
		return fmt.Sprintf("%s [sp%+d], %s", op, w.Imm(), w.A())
	case LdLoc:
		return fmt.Sprintf("%s %s, local[%d]", op, w.A(), w.Imm())
	case StLoc:
		return fmt.Sprintf("%s local[%d], %s", op, w.Imm(), w.A())
	case LdSelf, Truthy, Leave:
		return fmt.Sprintf("%s %s", op, w.A())
	case AddSP, SetPC, Stub, Count:
		return fmt.Sprintf("%s %d", op, w.Imm())
	case TypeChk:
		return fmt.Sprintf("%s %s, %s", op, w.A(), TypeClass(w.Imm()))
	case LdIvar:
		return fmt.Sprintf("%s %s, %s.slot[%d]", op, w.A(), w.B(), w.Imm())
	case StIvar:
		return fmt.Sprintf("%s %s.slot[%d], %s", op, w.B(), w.Imm(), w.A())
	case IAdd, ISub, ILt, IEq:
		return fmt.Sprintf("%s %s, %s, %s", op, w.A(), w.B(), w.C())
	case Jmp, Je, Jne, Jo:
		return fmt.Sprintf("%s %s", op, w.Target())
	case Call:
		return fmt.Sprintf("%s h%d(%d), %s, %s", op, uint8(w.A()), w.Imm(), w.B(), w.C())
	}
	return fmt.Sprintf("%s %#016x", op, uint64(w))
}

// Disassemble lists the words in [start, end) with any comments recorded
// for those addresses.
func Disassemble(m *Memory, start, end CodePtr, comments map[CodePtr][]string) string {
	var sb strings.Builder
	for p := start; p < end; {
		for _, c := range comments[p] {
			fmt.Fprintf(&sb, "        ; %s\n", c)
		}
		w := m.Load(p)
		var wide Word
		if w.Op() == MovQ && p+1 < end {
			wide = m.Load(p + 1)
		}
		fmt.Fprintf(&sb, "%s: %s\n", p, Format(w, wide))
		p += CodePtr(w.Op().Size())
	}
	return sb.String()
}
