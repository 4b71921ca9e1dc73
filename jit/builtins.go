package jit

import (
	"github.com/chazu/versa/jit/asm"
	"github.com/chazu/versa/vm"
)

// builtinFn emits an inline replacement for a native method. The receiver
// has been class-guarded and sits in R0; the arguments are on the stack.
// It reports false to fall back to calling the native.
type builtinFn func(j *jitState, class *vm.Class) bool

func (e *Engine) registerBuiltins() {
	v := e.vm
	e.builtins = make(map[*vm.NativeMethod]builtinFn)
	add := func(class *vm.Class, selector string, gen builtinFn) {
		m, ok := class.VTable.LookupLocal(v.Selectors.Intern(selector)).(*vm.NativeMethod)
		if !ok {
			log.Warningf("no native %s>>%s to inline", class.Name, selector)
			return
		}
		e.builtins[m] = gen
	}

	add(v.SmallIntegerClass, "+", intArith(vm.OpSendPlus))
	add(v.SmallIntegerClass, "-", intArith(vm.OpSendMinus))
	add(v.SmallIntegerClass, "<", intArith(vm.OpSendLT))
	add(v.SmallIntegerClass, "==", intArith(vm.OpSendEQ))
	add(v.ObjectClass, "==", genIdentical)
	add(v.ObjectClass, "isNil", genIsNil)
	add(v.ObjectClass, "yourself", genYourself)
}

// intArith inlines a SmallInteger operator. A non-integer argument exits
// to the interpreter, which handles the mixed case.
func intArith(op vm.Opcode) builtinFn {
	return func(j *jitState, _ *vm.Class) bool {
		j.guardFixnum(0, asm.R1, false)
		j.genFixnumOp(op)
		return true
	}
}

func genIdentical(j *jitState, _ *vm.Class) bool {
	j.a.LdStk(asm.R1, j.ctx.StackOpnd(0))
	j.a.IEq(asm.R2, asm.R0, asm.R1)
	j.ctx.StackPop(2)
	j.a.StStk(asm.R2, j.ctx.StackPush(UnknownImm))
	return true
}

// genIsNil answers from the guarded class alone.
func genIsNil(j *jitState, class *vm.Class) bool {
	result := vm.FromBool(class == j.e.vm.UndefinedObjectClass)
	j.ctx.StackPop(1)
	j.loadValue(asm.R1, result)
	j.a.StStk(asm.R1, j.ctx.StackPush(TypeOf(j.e.vm, result)))
	return true
}

func genYourself(j *jitState, _ *vm.Class) bool {
	return true
}
