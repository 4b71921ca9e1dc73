package jit

import (
	"github.com/chazu/versa/jit/asm"
	"github.com/chazu/versa/vm"
)

// genSend compiles a send through a call site. The receiver's class is
// taken from the live value, guarded, and the method it resolves to picks
// the dispatch strategy.
func (j *jitState) genSend() codegenStatus {
	csIdx := j.operand()
	cs := &j.method.CallSites[csIdx]
	if !j.atCurrentInsn() {
		return j.deferCompilation()
	}

	v := j.e.vm
	argc := cs.StackArgs()
	recv := j.peekStack(argc)
	class := v.ClassOf(recv)
	method := class.Lookup(cs.Selector)
	if method == nil {
		j.e.stats.bail("method_missing")
		return j.genSendGeneric(csIdx, cs)
	}

	j.guardClass(argc, recv, class, sendChainDepth)
	// The lookup result is baked into the code below, whichever strategy
	// is chosen.
	j.assume(LookupStable(class, cs.Selector))

	if alias, ok := method.(*vm.AliasMethod); ok {
		method = alias.Resolve()
	}
	switch m := method.(type) {
	case *vm.CompiledMethod:
		return j.genSendIseq(csIdx, cs, m)
	case *vm.NativeMethod:
		if gen := j.e.builtins[m]; gen != nil && len(cs.Keywords) == 0 && cs.Argc == m.Arity {
			if gen(j, class) {
				j.e.stats.builtinSends.Add(1)
				return keepCompiling
			}
		}
		return j.genSendNative(csIdx, cs, m)
	case *vm.AttrReader:
		return j.genSendGetter(csIdx, cs, recv, m)
	case *vm.AttrWriter:
		return j.genSendSetter(csIdx, cs, recv, m)
	}
	j.e.stats.bail("method_kind")
	return j.genSendGeneric(csIdx, cs)
}

// guardClass loads stack operand idx into R0 and guards that its class is
// class. The guard is skipped when the context already proves it.
func (j *jitState) guardClass(idx int, live vm.Value, class *vm.Class, depthLimit int) {
	v := j.e.vm
	o := StackOpnd(idx)
	have := j.ctx.OpndType(o)
	want := typeOfClass(v, class)

	j.a.LdStk(asm.R0, j.ctx.StackOpnd(idx))
	if have == want && want != HeapObject {
		j.a.Comment("%s known to be %s", o.describe(), class.Name)
		return
	}

	j.a.Comment("guard class %s", class.Name)
	switch class {
	case v.SmallIntegerClass:
		j.a.TypeChk(asm.R0, asm.TcSmallInt)
	case v.FloatClass:
		j.a.TypeChk(asm.R0, asm.TcFloat)
	case v.UndefinedObjectClass:
		j.a.TypeChk(asm.R0, asm.TcNil)
	case v.TrueClass:
		j.a.TypeChk(asm.R0, asm.TcTrue)
	case v.FalseClass:
		j.a.TypeChk(asm.R0, asm.TcFalse)
	case v.SymbolClass:
		j.a.TypeChk(asm.R0, asm.TcSymbol)
	default:
		if !have.IsHeap() {
			j.a.TypeChk(asm.R0, asm.TcObject)
			j.chainGuard(asm.Jne, depthLimit)
		}
		j.a.ClassOf(asm.R1, asm.R0)
		j.a.CmpI(asm.R1, int32(class.ID))
	}
	j.chainGuard(asm.Jne, depthLimit)

	if want.Diff(have) != Incompatible {
		j.ctx.UpgradeOpndType(o, want)
	}
}

func (o Opnd) describe() string {
	if o.self {
		return "self"
	}
	return "receiver"
}

// genSendGeneric calls the full send helper, which handles every method
// kind and every error.
func (j *jitState) genSendGeneric(csIdx int, cs *vm.CallSite) codegenStatus {
	j.a.Comment("generic send %s", j.e.vm.Selectors.Name(cs.Selector))
	j.callHelper(helperSend, int32(csIdx))
	j.afterCall(cs.StackArgs()+1, true)
	j.ctx.ClearLocalTypes()
	j.recordBoundary()
	j.jumpToNextInsn()
	j.e.stats.genericSends.Add(1)
	return endBlock
}

// ---------------------------------------------------------------------------
// Native methods
// ---------------------------------------------------------------------------

// genSendNative passes the receiver and arguments to a native method in
// the argument registers.
func (j *jitState) genSendNative(csIdx int, cs *vm.CallSite, m *vm.NativeMethod) codegenStatus {
	reason := ""
	switch {
	case m.Arity == vm.VariadicArity:
		reason = "native_variadic"
	case len(cs.Keywords) > 0:
		reason = "native_kwargs"
	case cs.Argc != m.Arity:
		reason = "native_arity"
	case cs.Argc+1 > len(asm.ArgRegs):
		reason = "native_registers"
	case j.e.vm.TracingActive():
		reason = "tracing"
	}
	if reason != "" {
		j.e.stats.bail(reason)
		return j.genSendGeneric(csIdx, cs)
	}

	argc := cs.Argc
	for i := 0; i <= argc; i++ {
		j.a.LdStk(asm.ArgRegs[i], j.ctx.StackOpnd(argc-i))
	}
	j.ctx.StackPop(argc + 1)
	j.callHelper(helperCallNative, j.e.addRef(m))
	j.afterCall(0, true)
	j.ctx.ClearLocalTypes()
	j.recordBoundary()
	j.jumpToNextInsn()
	j.e.stats.nativeSends.Add(1)
	return endBlock
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

func (j *jitState) genSendGetter(csIdx int, cs *vm.CallSite, recv vm.Value, m *vm.AttrReader) codegenStatus {
	obj := j.e.vm.Heap.Get(recv)
	switch {
	case cs.StackArgs() != 0:
		j.e.stats.bail("accessor_arity")
		return j.genSendGeneric(csIdx, cs)
	case obj == nil:
		j.e.stats.bail("accessor_immediate")
		return j.genSendGeneric(csIdx, cs)
	case j.e.vm.TracingActive():
		j.e.stats.bail("tracing")
		return j.genSendGeneric(csIdx, cs)
	}

	// guardClass left the receiver in R0.
	shape := obj.Shape()
	j.genShapeGuard(asm.R0, shape)
	j.ctx.StackPop(1)
	j.genReadSlot(shape, m.Ivar)
	j.e.stats.accessorSends.Add(1)
	return keepCompiling
}

func (j *jitState) genSendSetter(csIdx int, cs *vm.CallSite, recv vm.Value, m *vm.AttrWriter) codegenStatus {
	obj := j.e.vm.Heap.Get(recv)
	switch {
	case cs.Argc != 1 || len(cs.Keywords) != 0:
		j.e.stats.bail("accessor_arity")
		return j.genSendGeneric(csIdx, cs)
	case obj == nil:
		j.e.stats.bail("accessor_immediate")
		return j.genSendGeneric(csIdx, cs)
	case obj.Shape().IndexOf(m.Ivar) < 0:
		j.e.stats.bail("accessor_new_ivar")
		return j.genSendGeneric(csIdx, cs)
	case j.e.vm.TracingActive():
		j.e.stats.bail("tracing")
		return j.genSendGeneric(csIdx, cs)
	}

	shape := obj.Shape()
	j.genShapeGuard(asm.R0, shape)
	t := j.ctx.OpndType(StackOpnd(0))
	j.a.LdStk(asm.R1, j.ctx.StackOpnd(0))
	j.a.StIvar(asm.R1, asm.R0, int32(shape.IndexOf(m.Ivar)))
	j.ctx.StackPop(2)
	j.a.StStk(asm.R1, j.ctx.StackPush(t))
	j.e.stats.accessorSends.Add(1)
	return keepCompiling
}

// ---------------------------------------------------------------------------
// Bytecode methods
// ---------------------------------------------------------------------------

// genSendIseq calls a bytecode method directly: keyword arguments are put
// into the callee's declared order on the stack, the frame is pushed with
// a return address into a landing block after the send, and control jumps
// straight into the callee's entry block.
func (j *jitState) genSendIseq(csIdx int, cs *vm.CallSite, m *vm.CompiledMethod) codegenStatus {
	if cs.Argc != m.NumArgs {
		j.e.stats.bail("iseq_arity")
		return j.genSendGeneric(csIdx, cs)
	}
	if len(cs.Keywords) > 0 && len(m.Keywords) == 0 {
		j.e.stats.bail("iseq_unexpected_keywords")
		return j.genSendGeneric(csIdx, cs)
	}

	// Keyword names in stack order, extended with the defaults pushed for
	// omitted keywords.
	callerKw := make([]int, len(cs.Keywords), len(m.Keywords))
	copy(callerKw, cs.Keywords)
	given := make([]bool, len(m.Keywords))
	for _, name := range cs.Keywords {
		k := m.KeywordIndex(name)
		if k < 0 || given[k] {
			j.e.stats.bail("iseq_unknown_keyword")
			return j.genSendGeneric(csIdx, cs)
		}
		given[k] = true
	}
	for k, kw := range m.Keywords {
		if given[k] {
			continue
		}
		if kw.Required {
			j.e.stats.bail("iseq_missing_keyword")
			return j.genSendGeneric(csIdx, cs)
		}
		j.a.Comment("default for %s", j.e.vm.Selectors.Name(kw.Name))
		j.loadValue(asm.R0, kw.Default)
		j.a.StStk(asm.R0, j.ctx.StackPush(TypeOf(j.e.vm, kw.Default)))
		callerKw = append(callerKw, kw.Name)
	}
	j.genKeywordShuffle(m, callerKw)

	params := m.ParamCount()
	callee := Context{SelfType: j.ctx.OpndType(StackOpnd(params))}
	for i := 0; i < params && i < MaxLocalTypes; i++ {
		callee.LocalTypes[i] = j.ctx.OpndType(StackOpnd(params - 1 - i))
	}
	for i := params; i < m.NumTemps && i < MaxLocalTypes; i++ {
		callee.LocalTypes[i] = Nil
	}

	// Where the callee returns to: the next instruction with the
	// arguments replaced by the result.
	landing := j.ctx
	landing.StackPop(params + 1)
	landing.StackPush(Unknown)
	landing.ClearLocalTypes()
	landing.ResetChainDepth()
	landing.SPOffset = 0
	landing.ReturnLanding = true

	j.a.SetPC(int32(j.nextIdx))
	j.flushSP()

	br := j.newBranch()
	ret := j.addTarget(br, j.blockID(j.nextIdx), landing)
	j.loadAddress(asm.R2, ret)
	j.a.Call(uint8(helperPushFrame), j.e.addRef(m), asm.R2, 0)

	entry := j.newBranch()
	j.jumpTo(asm.Jmp, j.addTarget(entry, BlockID{Method: m, Index: 0}, callee))

	j.e.stats.iseqSends.Add(1)
	return endBlock
}

// genKeywordShuffle reorders the keyword arguments on top of the stack
// from caller order (callerKw) into the callee's declared order.
func (j *jitState) genKeywordShuffle(m *vm.CompiledMethod, callerKw []int) {
	n := len(callerKw)
	for k := 0; k < n; k++ {
		want := m.Keywords[k].Name
		if callerKw[k] == want {
			continue
		}
		for s := k + 1; s < n; s++ {
			if callerKw[s] != want {
				continue
			}
			j.genSwap(n-1-k, n-1-s)
			callerKw[k], callerKw[s] = callerKw[s], callerKw[k]
			break
		}
	}
}

// genSwap exchanges two stack operands along with what the context knows
// about them.
func (j *jitState) genSwap(x, y int) {
	ox, oy := StackOpnd(x), StackOpnd(y)
	j.a.LdStk(asm.R0, j.ctx.StackOpnd(x))
	j.a.LdStk(asm.R1, j.ctx.StackOpnd(y))
	j.a.StStk(asm.R0, j.ctx.StackOpnd(y))
	j.a.StStk(asm.R1, j.ctx.StackOpnd(x))

	mx, _ := j.ctx.OpndMapping(ox)
	my, _ := j.ctx.OpndMapping(oy)
	tx, ty := j.ctx.OpndType(ox), j.ctx.OpndType(oy)
	j.ctx.SetOpndMapping(ox, my, ty)
	j.ctx.SetOpndMapping(oy, mx, tx)
}
