package jit

import (
	"fmt"

	"github.com/chazu/versa/jit/asm"
	"github.com/chazu/versa/vm"
)

// codegenStatus is what an instruction generator asks the block loop to
// do next.
type codegenStatus int

const (
	keepCompiling codegenStatus = iota
	endBlock
	cantCompile
)

type exitKey struct {
	idx      int
	spOffset int16
}

type boundaryPatch struct {
	at     asm.CodePtr
	target asm.CodePtr
}

// jitState is the state of one block compilation. Everything that
// outlives the compile (branches, patch points, embedded references) is
// kept pending here and only committed to the engine once the whole block
// has been written.
type jitState struct {
	e      *Engine
	block  *Block
	method *vm.CompiledMethod
	bc     []byte
	interp *vm.Interpreter

	a   *asm.Assembler
	ctx Context

	idx     int
	nextIdx int
	op      vm.Opcode

	exits       map[exitKey]asm.CodePtr
	branches    []*Branch
	assumptions []Assumption
	boundaries  []*boundaryPatch
	refs        []*embeddedRef

	err error
}

func newJITState(e *Engine, b *Block, interp *vm.Interpreter) *jitState {
	return &jitState{
		e:      e,
		block:  b,
		method: b.id.Method,
		bc:     b.id.Method.Bytecode,
		interp: interp,
		a:      asm.New(),
		ctx:    b.ctx,
		exits:  make(map[exitKey]asm.CodePtr),
	}
}

// fail records the first error of the compile. Code emitted afterwards is
// never written.
func (j *jitState) fail(err error) {
	if j.err == nil {
		j.err = err
	}
}

// insnMark captures everything an instruction generator may change, so a
// generator that gives up can be undone.
type insnMark struct {
	asm         asm.Mark
	ctx         Context
	branches    int
	assumptions int
	boundaries  int
	refs        int
}

func (j *jitState) mark() insnMark {
	return insnMark{
		asm:         j.a.Mark(),
		ctx:         j.ctx,
		branches:    len(j.branches),
		assumptions: len(j.assumptions),
		boundaries:  len(j.boundaries),
		refs:        len(j.refs),
	}
}

func (j *jitState) rollback(m insnMark) {
	j.a.Rewind(m.asm)
	j.ctx = m.ctx
	j.branches = j.branches[:m.branches]
	j.assumptions = j.assumptions[:m.assumptions]
	j.boundaries = j.boundaries[:m.boundaries]
	j.refs = j.refs[:m.refs]
}

// ---------------------------------------------------------------------------
// Live state
// ---------------------------------------------------------------------------

// atCurrentInsn reports whether the instruction being compiled is the one
// the worker is about to execute, so its live values may be inspected.
// That is only ever true for the first instruction of a block.
func (j *jitState) atCurrentInsn() bool {
	if j.interp == nil || j.idx != j.block.id.Index {
		return false
	}
	f := j.interp.Frame()
	return f != nil && f.Method == j.method && f.IP == j.idx
}

func (j *jitState) peekStack(n int) vm.Value {
	return j.interp.Peek(n)
}

func (j *jitState) peekSelf() vm.Value {
	return j.interp.Frame().Receiver
}

// verifyContext checks the entry context against the live worker. A
// mismatch means the compiler's model of the stack is wrong.
func (j *jitState) verifyContext() {
	v := j.e.vm
	if depth := j.interp.StackDepth(); depth != int(j.ctx.StackSize) {
		panic(fmt.Sprintf("jit: %s: context has %d stack slots, worker has %d", j.block.id, j.ctx.StackSize, depth))
	}
	if live := TypeOf(v, j.peekSelf()); live.Diff(j.ctx.SelfType) == Incompatible {
		panic(fmt.Sprintf("jit: %s: self is %s, context says %s", j.block.id, live, j.ctx.SelfType))
	}
	for i := 0; i < MaxLocalTypes && i < j.method.NumTemps; i++ {
		if live := TypeOf(v, j.interp.Local(i)); live.Diff(j.ctx.LocalTypes[i]) == Incompatible {
			panic(fmt.Sprintf("jit: %s: local %d is %s, context says %s", j.block.id, i, live, j.ctx.LocalTypes[i]))
		}
	}
	for i := 0; i < int(j.ctx.StackSize); i++ {
		want := j.ctx.OpndType(StackOpnd(i))
		if live := TypeOf(v, j.peekStack(i)); live.Diff(want) == Incompatible {
			panic(fmt.Sprintf("jit: %s: stack slot %d is %s, context says %s", j.block.id, i, live, want))
		}
	}
}

// ---------------------------------------------------------------------------
// Exits
// ---------------------------------------------------------------------------

// sideExit returns the exit that resumes the interpreter at idx with the
// given pending stack adjustment, generating it on first use.
func (j *jitState) sideExit(idx int, spOffset int16) asm.CodePtr {
	key := exitKey{idx, spOffset}
	if p, ok := j.exits[key]; ok {
		return p
	}
	a := asm.New()
	a.Comment("exit to interpreter at %d", idx)
	if spOffset != 0 {
		a.AddSP(int32(spOffset))
	}
	a.SyncSP()
	a.SetPC(int32(idx))
	if j.e.opts.Stats && idx < len(j.bc) {
		a.Count(int32(vm.OpcodeAt(j.bc, idx)))
	}
	a.Exit()
	p, err := a.Compile(j.e.mem.Outlined())
	if err != nil {
		j.fail(fmt.Errorf("%w: %w", ErrCodeBufferFull, err))
		return 0
	}
	j.exits[key] = p
	return p
}

// currentExit is the side exit for the instruction being compiled in the
// current context.
func (j *jitState) currentExit() asm.CodePtr {
	return j.sideExit(j.idx, j.ctx.SPOffset)
}

// ---------------------------------------------------------------------------
// Branches
// ---------------------------------------------------------------------------

func (j *jitState) newBranch() *Branch {
	br := &Branch{block: j.block}
	j.branches = append(j.branches, br)
	return br
}

func (j *jitState) blockID(idx int) BlockID {
	return BlockID{Method: j.method, Index: idx}
}

// addTarget gives br a destination. The target gets its stub right away;
// when a compatible version already exists the target is linked to it.
func (j *jitState) addTarget(br *Branch, id BlockID, ctx Context) *BranchTarget {
	t := &BranchTarget{branch: br, id: id, ctx: ctx}
	if err := j.e.newStub(t); err != nil {
		j.fail(err)
	}
	if b := j.e.registry.find(t.id, &ctx); b != nil {
		t.block = b
	}
	br.targets = append(br.targets, t)
	return t
}

// jumpTo emits a jump to t and records it as one of t's sites.
func (j *jitState) jumpTo(op asm.Op, t *BranchTarget) {
	j.a.PosMarker(func(p asm.CodePtr) { t.sites = append(t.sites, p) })
	j.a.Jump(op, t.address())
}

// loadAddress loads t's address into r and records the move as a site.
func (j *jitState) loadAddress(r asm.Reg, t *BranchTarget) {
	j.a.PosMarker(func(p asm.CodePtr) { t.sites = append(t.sites, p) })
	j.a.MovI(r, int32(t.address()))
}

// flushSP materializes the pending stack adjustment.
func (j *jitState) flushSP() {
	if j.ctx.SPOffset != 0 {
		j.a.AddSP(int32(j.ctx.SPOffset))
		j.ctx.SPOffset = 0
	}
}

// jumpToBlock ends the block with a direct jump to idx in ctx.
func (j *jitState) jumpToBlock(idx int, ctx Context) {
	br := j.newBranch()
	j.jumpTo(asm.Jmp, j.addTarget(br, j.blockID(idx), ctx))
}

// jumpToNextInsn ends the block by continuing at the next instruction in
// a new block.
func (j *jitState) jumpToNextInsn() {
	j.flushSP()
	ctx := j.ctx
	ctx.ResetChainDepth()
	j.jumpToBlock(j.nextIdx, ctx)
}

// chainGuard emits jcc taken when a guard fails. Below depthLimit the
// failure continues in a new version of the current instruction that is
// compiled from the live values; at the limit it exits.
func (j *jitState) chainGuard(jcc asm.Op, depthLimit int) {
	if int(j.ctx.ChainDepth) < depthLimit {
		ctx := j.ctx
		ctx.IncrementChainDepth()
		br := j.newBranch()
		j.jumpTo(jcc, j.addTarget(br, j.blockID(j.idx), ctx))
		return
	}
	j.e.stats.chainLimit.Add(1)
	j.a.Jump(jcc, j.currentExit())
}

// deferCompilation ends the block with a jump to the current instruction,
// to be compiled when a worker reaches it with live values.
func (j *jitState) deferCompilation() codegenStatus {
	if j.ctx.Deferred {
		if j.interp == nil {
			// Requested ahead of execution; nothing to learn from yet.
			return cantCompile
		}
		panic(fmt.Sprintf("jit: double defer at %s@%d", j.method, j.idx))
	}
	ctx := j.ctx
	ctx.ChainDepth = 0
	ctx.Deferred = true
	j.a.Comment("defer")
	j.jumpToBlock(j.idx, ctx)
	j.e.stats.deferrals.Add(1)
	return endBlock
}

// ---------------------------------------------------------------------------
// Assumptions and references
// ---------------------------------------------------------------------------

// assume makes the block depend on a. If a is revoked the block's entry
// is patched to jump to its entry exit.
func (j *jitState) assume(a Assumption) {
	j.assumptions = append(j.assumptions, a)
}

// recordBoundary marks the next instruction word as a point where workers
// returning from a call leave for the interpreter once tracing starts. The
// exit resumes at the next instruction in the current context.
func (j *jitState) recordBoundary() {
	bp := &boundaryPatch{target: j.sideExit(j.nextIdx, j.ctx.SPOffset)}
	j.boundaries = append(j.boundaries, bp)
	j.a.PosMarker(func(p asm.CodePtr) { bp.at = p })
}

// loadValue loads a constant value into r. Heap references are reported
// to the embedded-reference callback once the block is committed.
func (j *jitState) loadValue(r asm.Reg, v vm.Value) {
	if v.IsObject() {
		ref := &embeddedRef{value: v}
		j.refs = append(j.refs, ref)
		// The literal is the word after the move.
		j.a.PosMarker(func(p asm.CodePtr) { ref.at = p + 1 })
	}
	j.a.MovQ(r, uint64(v))
}
