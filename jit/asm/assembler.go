package asm

import "fmt"

// Label is a jump target inside one assembler's instruction list.
type Label int

const noLabel Label = -1

type insn struct {
	op      Op
	a, b, c Reg
	imm     int32
	wide    uint64
	label   Label

	// Pseudo-instructions occupy no words.
	marker  func(CodePtr)
	comment string
	pseudo  bool
}

func (in *insn) size() int {
	if in.pseudo {
		return 0
	}
	return in.op.Size()
}

// Assembler collects instructions for one code sequence and writes them
// to a CodeBlock in one go, resolving labels on the way.
type Assembler struct {
	insns  []insn
	labels []int // label -> index of the instruction it precedes, -1 if unbound

	comments map[CodePtr][]string
}

// Mark identifies a point in the instruction list for Rewind.
type Mark struct {
	insns  int
	labels int
}

// New creates an empty assembler.
func New() *Assembler {
	return &Assembler{}
}

// Len returns the size of the sequence in words.
func (a *Assembler) Len() int {
	n := 0
	for i := range a.insns {
		n += a.insns[i].size()
	}
	return n
}

// Mark returns the current position of the instruction list.
func (a *Assembler) Mark() Mark {
	return Mark{insns: len(a.insns), labels: len(a.labels)}
}

// Rewind drops every instruction and label added after m.
func (a *Assembler) Rewind(m Mark) {
	a.insns = a.insns[:m.insns]
	a.labels = a.labels[:m.labels]
	for l, at := range a.labels {
		if at > m.insns {
			a.labels[l] = -1
		}
	}
}

// NewLabel creates an unbound label.
func (a *Assembler) NewLabel() Label {
	a.labels = append(a.labels, -1)
	return Label(len(a.labels) - 1)
}

// Bind places l before the next instruction.
func (a *Assembler) Bind(l Label) {
	if a.labels[l] >= 0 {
		panic(fmt.Sprintf("asm: label %d bound twice", l))
	}
	a.labels[l] = len(a.insns)
}

func (a *Assembler) push(in insn) {
	in.label = noLabel
	a.insns = append(a.insns, in)
}

// Emit appends a raw instruction.
func (a *Assembler) Emit(op Op, ra, rb, rc Reg, imm int32) {
	a.push(insn{op: op, a: ra, b: rb, c: rc, imm: imm})
}

// Comment attaches a note to the next instruction for disassembly.
func (a *Assembler) Comment(format string, args ...any) {
	a.push(insn{pseudo: true, comment: fmt.Sprintf(format, args...)})
}

// PosMarker calls fn with the address of the next instruction once the
// sequence has been written.
func (a *Assembler) PosMarker(fn func(CodePtr)) {
	a.push(insn{pseudo: true, marker: fn})
}

// ---------------------------------------------------------------------------
// Instruction helpers
// ---------------------------------------------------------------------------

func (a *Assembler) Nop() { a.Emit(Nop, 0, 0, 0, 0) }
func (a *Assembler) MovI(r Reg, imm int32) { a.Emit(MovI, r, 0, 0, imm) }
func (a *Assembler) Mov(dst, src Reg) { a.Emit(Mov, dst, src, 0, 0) }
func (a *Assembler) LdStk(r Reg, off int32) { a.Emit(LdStk, r, 0, 0, off) }
func (a *Assembler) StStk(r Reg, off int32) { a.Emit(StStk, r, 0, 0, off) }
func (a *Assembler) AddSP(n int32) { a.Emit(AddSP, 0, 0, 0, n) }
func (a *Assembler) SyncSP() { a.Emit(SyncSP, 0, 0, 0, 0) }
func (a *Assembler) LdLoc(r Reg, idx int32) { a.Emit(LdLoc, r, 0, 0, idx) }
func (a *Assembler) StLoc(r Reg, idx int32) { a.Emit(StLoc, r, 0, 0, idx) }
func (a *Assembler) LdSelf(r Reg) { a.Emit(LdSelf, r, 0, 0, 0) }
func (a *Assembler) SetPC(ip int32) { a.Emit(SetPC, 0, 0, 0, ip) }
func (a *Assembler) Cmp(x, y Reg) { a.Emit(Cmp, x, y, 0, 0) }
func (a *Assembler) CmpI(r Reg, imm int32) { a.Emit(CmpI, r, 0, 0, imm) }
func (a *Assembler) TypeChk(r Reg, tc TypeClass) { a.Emit(TypeChk, r, 0, 0, int32(tc)) }
func (a *Assembler) Truthy(r Reg) { a.Emit(Truthy, r, 0, 0, 0) }
func (a *Assembler) ClassOf(dst, obj Reg) { a.Emit(ClassOf, dst, obj, 0, 0) }
func (a *Assembler) ShapeOf(dst, obj Reg) { a.Emit(ShapeOf, dst, obj, 0, 0) }
func (a *Assembler) LdIvar(dst, obj Reg, slot int32) { a.Emit(LdIvar, dst, obj, 0, slot) }
func (a *Assembler) StIvar(val, obj Reg, slot int32) { a.Emit(StIvar, val, obj, 0, slot) }
func (a *Assembler) IAdd(dst, x, y Reg) { a.Emit(IAdd, dst, x, y, 0) }
func (a *Assembler) ISub(dst, x, y Reg) { a.Emit(ISub, dst, x, y, 0) }
func (a *Assembler) ILt(dst, x, y Reg) { a.Emit(ILt, dst, x, y, 0) }
func (a *Assembler) IEq(dst, x, y Reg) { a.Emit(IEq, dst, x, y, 0) }
func (a *Assembler) Call(helper uint8, imm int32, x, y Reg) { a.Emit(Call, Reg(helper), x, y, imm) }
func (a *Assembler) Stub(id int32) { a.Emit(Stub, 0, 0, 0, id) }
func (a *Assembler) Leave(r Reg) { a.Emit(Leave, r, 0, 0, 0) }
func (a *Assembler) Exit() { a.Emit(Exit, 0, 0, 0, 0) }
func (a *Assembler) Count(counter int32) { a.Emit(Count, 0, 0, 0, counter) }

// MovQ loads a full 64-bit word.
func (a *Assembler) MovQ(r Reg, v uint64) {
	a.push(insn{op: MovQ, a: r, wide: v})
}

// Jump emits op (Jmp, Je, Jne or Jo) to an absolute address.
func (a *Assembler) Jump(op Op, target CodePtr) {
	if !op.IsJump() {
		panic(fmt.Sprintf("asm: %s is not a jump", op))
	}
	a.Emit(op, 0, 0, 0, int32(target))
}

// JumpLabel emits op to a label of this assembler.
func (a *Assembler) JumpLabel(op Op, l Label) {
	if !op.IsJump() {
		panic(fmt.Sprintf("asm: %s is not a jump", op))
	}
	a.insns = append(a.insns, insn{op: op, label: l})
}

// ---------------------------------------------------------------------------
// Compilation
// ---------------------------------------------------------------------------

// Compile writes the sequence to cb and returns its start address. When cb
// lacks room nothing is written, cb's dropped flag is set and
// ErrBufferFull is returned.
func (a *Assembler) Compile(cb *CodeBlock) (CodePtr, error) {
	size := a.Len()
	if !cb.HasCapacity(size) {
		cb.dropped = true
		return 0, fmt.Errorf("%w: %s needs %d words, %d left", ErrBufferFull, cb.name, size, cb.Remaining())
	}

	start := cb.Pos()
	addrs := make([]CodePtr, len(a.insns)+1)
	pos := start
	for i := range a.insns {
		addrs[i] = pos
		pos += CodePtr(a.insns[i].size())
	}
	addrs[len(a.insns)] = pos

	labelAddr := func(l Label) CodePtr {
		at := a.labels[l]
		if at < 0 {
			panic(fmt.Sprintf("asm: label %d never bound", l))
		}
		return addrs[at]
	}

	var markers []int
	for i := range a.insns {
		in := &a.insns[i]
		if in.pseudo {
			if in.comment != "" {
				if a.comments == nil {
					a.comments = make(map[CodePtr][]string)
				}
				a.comments[addrs[i]] = append(a.comments[addrs[i]], in.comment)
			}
			if in.marker != nil {
				markers = append(markers, i)
			}
			continue
		}
		imm := in.imm
		if in.label != noLabel {
			imm = int32(labelAddr(in.label))
		}
		cb.Write(Encode(in.op, in.a, in.b, in.c, imm))
		if in.op == MovQ {
			cb.Write(Word(in.wide))
		}
	}

	for _, i := range markers {
		a.insns[i].marker(addrs[i])
	}
	return start, nil
}

// Comments returns the notes recorded by Compile, keyed by address.
func (a *Assembler) Comments() map[CodePtr][]string {
	return a.comments
}
