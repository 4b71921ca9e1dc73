package jit

import (
	"fmt"

	"github.com/chazu/versa/jit/asm"
	"github.com/chazu/versa/vm"
)

// Maximum chain depths per guard family.
const (
	ivarChainDepth     = 10
	sendChainDepth     = 20
	operatorChainDepth = 20
)

// compile generates a block for id in ctx. Nothing is published unless the
// whole block fits: on failure the outlined code and stubs written for it
// are discarded. The caller must hold e.mu.
func (e *Engine) compile(id BlockID, ctx Context, interp *vm.Interpreter) (*Block, error) {
	b := &Block{serial: e.nextSerial, id: id, ctx: ctx}
	j := newJITState(e, b, interp)

	outlined := e.mem.Outlined()
	outMark, stubMark := outlined.Pos(), len(e.stubs)

	j.genBlock()
	err := j.err
	var start asm.CodePtr
	if err == nil {
		start, err = j.a.Compile(e.mem.Inline())
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrCodeBufferFull, err)
		}
	}
	if err != nil {
		outlined.Rewind(outMark)
		e.stubs = e.stubs[:stubMark]
		e.stats.compileFailures.Add(1)
		log.Debugf("compile %s [%s] failed: %s", id, &ctx, err)
		e.emit(Event{Kind: EventCompileFail, Method: id.Method.String(), Index: id.Index, Detail: err.Error()})
		return nil, err
	}

	e.nextSerial++
	b.start = start
	b.end = e.mem.Inline().Pos()
	b.comments = j.a.Comments()
	e.commit(j)

	e.stats.blocksCompiled.Add(1)
	log.Debugf("compiled block %d: %s [%s] %s-%s", b.serial, id, &ctx, b.start, b.end)
	e.emit(Event{Kind: EventCompile, Method: id.Method.String(), Index: id.Index, Block: b.serial, Detail: ctx.String()})
	return b, nil
}

// commit publishes the pending state of a successful compile.
func (e *Engine) commit(j *jitState) {
	b := j.block
	e.registry.add(b)

	for _, br := range j.branches {
		b.outgoing = append(b.outgoing, br)
		for _, t := range br.targets {
			if t.block != nil {
				t.block.incoming = append(t.block.incoming, t)
			}
		}
	}
	e.stats.branchesCompiled.Add(uint64(len(j.branches)))

	seen := make(map[Assumption]bool, len(j.assumptions))
	for _, a := range j.assumptions {
		if seen[a] {
			continue
		}
		seen[a] = true
		e.tracker.record(a, PatchPoint{At: b.start, Target: b.entryExit, block: b})
	}
	for _, bp := range j.boundaries {
		e.tracker.record(Assumption{Kind: NoTracing}, PatchPoint{At: bp.at, Target: bp.target})
	}
	for _, r := range j.refs {
		b.gcRefs = append(b.gcRefs, *r)
		if e.opts.OnEmbeddedRef != nil {
			e.opts.OnEmbeddedRef(r.value, r.at)
		}
	}
}

// ---------------------------------------------------------------------------
// Block loop
// ---------------------------------------------------------------------------

func (j *jitState) genBlock() {
	start := j.block.id.Index
	j.idx = start

	// Every block gets an entry exit so it can be retired at any time.
	j.block.entryExit = j.sideExit(start, j.ctx.SPOffset)

	if j.e.opts.VerifyContext && j.atCurrentInsn() {
		j.verifyContext()
	}

	for idx := start; ; {
		j.block.endIdx = idx
		if idx >= len(j.bc) {
			// Falling off the end returns self.
			j.a.Comment("implicit return")
			j.a.LdSelf(asm.R0)
			j.a.Leave(asm.R0)
			return
		}
		if idx > start {
			j.ctx.ResetChainDepth()
		}
		op := vm.OpcodeAt(j.bc, idx)
		j.idx, j.op, j.nextIdx = idx, op, idx+op.Length()

		m := j.mark()
		line, _ := vm.DisassembleAt(j.bc, idx)
		j.a.Comment("%s", line)

		status := j.genInsn()
		if j.err != nil {
			return
		}
		switch status {
		case cantCompile:
			j.rollback(m)
			j.a.Comment("cannot compile %s", op)
			j.a.Jump(asm.Jmp, j.currentExit())
			return
		case endBlock:
			return
		}
		idx = j.nextIdx
	}
}

func (j *jitState) genInsn() codegenStatus {
	switch j.op {
	case vm.OpNOP:
		return keepCompiling
	case vm.OpPOP:
		j.ctx.StackPop(1)
		return keepCompiling
	case vm.OpDUP:
		return j.genDup()
	case vm.OpPushNil:
		return j.genPushValue(vm.Nil)
	case vm.OpPushTrue:
		return j.genPushValue(vm.True)
	case vm.OpPushFalse:
		return j.genPushValue(vm.False)
	case vm.OpPushInt8, vm.OpPushInt32:
		return j.genPushValue(vm.FromSmallInt(int64(j.operand())))
	case vm.OpPushLiteral:
		return j.genPushValue(j.method.Literals[j.operand()])
	case vm.OpPushSelf:
		j.a.LdSelf(asm.R0)
		j.a.StStk(asm.R0, j.ctx.StackPushSelf())
		return keepCompiling
	case vm.OpPushTemp:
		return j.genPushTemp()
	case vm.OpPopTemp:
		return j.genPopTemp()
	case vm.OpPushIvar:
		return j.genPushIvar()
	case vm.OpPopIvar:
		return j.genPopIvar()
	case vm.OpPushConst:
		return j.genPushConst()
	case vm.OpSend:
		return j.genSend()
	case vm.OpSendPlus, vm.OpSendMinus, vm.OpSendLT, vm.OpSendEQ:
		return j.genOperator()
	case vm.OpJump:
		return j.genJump()
	case vm.OpJumpTrue, vm.OpJumpFalse:
		return j.genBranchIf()
	case vm.OpReturnTop:
		j.a.LdStk(asm.R0, j.ctx.StackOpnd(0))
		j.ctx.StackPop(1)
		j.a.Leave(asm.R0)
		return endBlock
	}
	return cantCompile
}

func (j *jitState) operand() int {
	return vm.Operand(j.bc, j.idx)
}

// afterCall updates the context for a helper that popped n slots and,
// if push is set, pushed one result. Helpers leave the stack pointer
// materialized.
func (j *jitState) afterCall(n int, push bool) {
	j.ctx.StackPop(n)
	if push {
		j.ctx.StackPush(Unknown)
	}
	j.ctx.SPOffset = 0
}

// callHelper flushes the stack pointer and calls h.
func (j *jitState) callHelper(h helperID, imm int32) {
	j.flushSP()
	j.a.Call(uint8(h), imm, 0, 0)
}

// ---------------------------------------------------------------------------
// Stack and variables
// ---------------------------------------------------------------------------

func (j *jitState) genDup() codegenStatus {
	m, t := j.ctx.OpndMapping(StackOpnd(0))
	j.a.LdStk(asm.R0, j.ctx.StackOpnd(0))
	j.a.StStk(asm.R0, j.ctx.StackPushMapping(m, t))
	return keepCompiling
}

func (j *jitState) genPushValue(v vm.Value) codegenStatus {
	j.loadValue(asm.R0, v)
	j.a.StStk(asm.R0, j.ctx.StackPush(TypeOf(j.e.vm, v)))
	return keepCompiling
}

func (j *jitState) genPushTemp() codegenStatus {
	n := j.operand()
	j.a.LdLoc(asm.R0, int32(n))
	j.a.StStk(asm.R0, j.ctx.StackPushLocal(n))
	return keepCompiling
}

func (j *jitState) genPopTemp() codegenStatus {
	n := j.operand()
	t := j.ctx.OpndType(StackOpnd(0))
	j.a.LdStk(asm.R0, j.ctx.StackOpnd(0))
	j.a.StLoc(asm.R0, int32(n))
	j.ctx.StackPop(1)
	j.ctx.SetLocalType(n, t)
	return keepCompiling
}

// genShapeGuard checks that the object in obj still has shape.
func (j *jitState) genShapeGuard(obj asm.Reg, shape *vm.Shape) {
	j.a.ShapeOf(asm.R7, obj)
	j.a.CmpI(asm.R7, int32(shape.ID))
	j.chainGuard(asm.Jne, ivarChainDepth)
}

func (j *jitState) genPushIvar() codegenStatus {
	if !j.atCurrentInsn() {
		return j.deferCompilation()
	}
	name := j.operand()
	obj := j.e.vm.Heap.Get(j.peekSelf())
	if obj == nil {
		j.callHelper(helperGetIvar, int32(name))
		j.afterCall(0, true)
		return keepCompiling
	}

	shape := obj.Shape()
	j.a.LdSelf(asm.R0)
	j.genShapeGuard(asm.R0, shape)
	if !j.ctx.SelfType.IsHeap() {
		j.ctx.UpgradeOpndType(SelfOpnd(), UnknownHeap)
	}
	j.genReadSlot(shape, name)
	return keepCompiling
}

// genReadSlot pushes ivar name of the shape-guarded object in R0.
func (j *jitState) genReadSlot(shape *vm.Shape, name int) {
	if slot := shape.IndexOf(name); slot >= 0 {
		j.a.LdIvar(asm.R1, asm.R0, int32(slot))
		j.a.StStk(asm.R1, j.ctx.StackPush(Unknown))
		return
	}
	j.loadValue(asm.R1, vm.Nil)
	j.a.StStk(asm.R1, j.ctx.StackPush(Nil))
}

func (j *jitState) genPopIvar() codegenStatus {
	if !j.atCurrentInsn() {
		return j.deferCompilation()
	}
	name := j.operand()
	obj := j.e.vm.Heap.Get(j.peekSelf())
	if obj == nil || obj.Shape().IndexOf(name) < 0 {
		// Raises or adds a field; either way the shape is not known.
		j.callHelper(helperSetIvar, int32(name))
		j.afterCall(1, false)
		return keepCompiling
	}

	shape := obj.Shape()
	j.a.LdSelf(asm.R0)
	j.genShapeGuard(asm.R0, shape)
	if !j.ctx.SelfType.IsHeap() {
		j.ctx.UpgradeOpndType(SelfOpnd(), UnknownHeap)
	}
	j.a.LdStk(asm.R1, j.ctx.StackOpnd(0))
	j.a.StIvar(asm.R1, asm.R0, int32(shape.IndexOf(name)))
	j.ctx.StackPop(1)
	return keepCompiling
}

func (j *jitState) genPushConst() codegenStatus {
	name := j.operand()
	v := j.e.vm
	val, ok := v.Constant(name)
	if !ok || (val.IsObject() && v.Workers() > 1) {
		j.callHelper(helperGetConst, int32(name))
		j.afterCall(0, true)
		return keepCompiling
	}
	if val.IsObject() {
		// Another worker could observe the object through a stale
		// embedded reference.
		j.assume(Assumption{Kind: SingleWorker})
	}
	j.assume(ConstantStable(name))
	return j.genPushValue(val)
}

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

// guardFixnum loads stack operand idx into r and guards that it is a
// small integer.
func (j *jitState) guardFixnum(idx int, r asm.Reg, chained bool) {
	o := StackOpnd(idx)
	j.a.LdStk(r, j.ctx.StackOpnd(idx))
	if j.ctx.OpndType(o) == Fixnum {
		return
	}
	j.a.TypeChk(r, asm.TcSmallInt)
	if chained {
		j.chainGuard(asm.Jne, operatorChainDepth)
	} else {
		j.a.Jump(asm.Jne, j.currentExit())
	}
	j.ctx.UpgradeOpndType(o, Fixnum)
}

// genFixnumOp emits op on the two small integers on top of the stack and
// replaces them with the result. Overflow exits to the interpreter, which
// promotes the result.
func (j *jitState) genFixnumOp(op vm.Opcode) {
	var result Type
	switch op {
	case vm.OpSendPlus:
		j.a.IAdd(asm.R2, asm.R0, asm.R1)
		j.a.Jump(asm.Jo, j.currentExit())
		result = Fixnum
	case vm.OpSendMinus:
		j.a.ISub(asm.R2, asm.R0, asm.R1)
		j.a.Jump(asm.Jo, j.currentExit())
		result = Fixnum
	case vm.OpSendLT:
		j.a.ILt(asm.R2, asm.R0, asm.R1)
		result = UnknownImm
	case vm.OpSendEQ:
		j.a.IEq(asm.R2, asm.R0, asm.R1)
		result = UnknownImm
	}
	j.ctx.StackPop(2)
	j.a.StStk(asm.R2, j.ctx.StackPush(result))
}

func (j *jitState) genOperator() codegenStatus {
	if !j.atCurrentInsn() {
		return j.deferCompilation()
	}
	v := j.e.vm
	sel := v.OperatorSite(j.op).Selector
	a, b := j.peekStack(1), j.peekStack(0)
	if a.IsSmallInt() && b.IsSmallInt() && !v.OperatorRedefined(v.SmallIntegerClass, sel) {
		j.assume(OperatorIntact(v.SmallIntegerClass, sel))
		j.guardFixnum(1, asm.R0, true)
		j.guardFixnum(0, asm.R1, true)
		j.genFixnumOp(j.op)
		return keepCompiling
	}

	j.callHelper(helperSendOperator, int32(j.op))
	j.afterCall(2, true)
	j.ctx.ClearLocalTypes()
	j.recordBoundary()
	j.jumpToNextInsn()
	return endBlock
}

// ---------------------------------------------------------------------------
// Control flow
// ---------------------------------------------------------------------------

// genPoll lets a stop-the-world request in while looping.
func (j *jitState) genPoll() {
	j.callHelper(helperPoll, 0)
}

func (j *jitState) genJump() codegenStatus {
	target := vm.JumpTarget(j.bc, j.idx)
	j.flushSP()
	if target <= j.idx {
		j.genPoll()
	}
	ctx := j.ctx
	ctx.ResetChainDepth()
	j.jumpToBlock(target, ctx)
	return endBlock
}

func (j *jitState) genBranchIf() codegenStatus {
	target := vm.JumpTarget(j.bc, j.idx)
	jumpIfTruthy := j.op == vm.OpJumpTrue

	t := j.ctx.OpndType(StackOpnd(0))
	j.a.LdStk(asm.R0, j.ctx.StackOpnd(0))
	j.ctx.StackPop(1)
	j.flushSP()
	if target <= j.idx {
		j.genPoll()
	}

	ctx := j.ctx
	ctx.ResetChainDepth()
	if truthy, known := t.KnownTruthiness(); known {
		j.a.Comment("folded on %s", t)
		if truthy == jumpIfTruthy {
			j.jumpToBlock(target, ctx)
		} else {
			j.jumpToBlock(j.nextIdx, ctx)
		}
		return endBlock
	}

	br := j.newBranch()
	taken := j.addTarget(br, j.blockID(target), ctx)
	fall := j.addTarget(br, j.blockID(j.nextIdx), ctx)
	j.a.Truthy(asm.R0)
	if jumpIfTruthy {
		j.jumpTo(asm.Je, taken)
	} else {
		j.jumpTo(asm.Jne, taken)
	}
	j.jumpTo(asm.Jmp, fall)
	return endBlock
}
