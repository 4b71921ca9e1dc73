package jit

import (
	"fmt"

	"github.com/chazu/versa/jit/asm"
	"github.com/chazu/versa/vm"
)

// cpu executes compiled code for one worker. It holds the world lock for
// reading while it runs and gives it up at stub hits and at helpers that
// may run arbitrary code, which is where a stop-the-world can get in.
type cpu struct {
	e      *Engine
	interp *vm.Interpreter
	mem    *asm.Memory

	regs     [asm.NumRegs]vm.Value
	sp       int
	flag     bool
	overflow bool

	locked bool
}

// execute runs compiled code from pc until it exits, or returns from a
// frame whose caller is interpreted. The caller must not hold the world
// lock.
func (e *Engine) execute(interp *vm.Interpreter, pc asm.CodePtr) vm.ExecStatus {
	c := &cpu{e: e, interp: interp, mem: e.mem, sp: interp.SP}
	c.lock()
	defer func() {
		if c.locked {
			c.unlock()
		}
	}()
	return c.run(pc)
}

func (c *cpu) lock() {
	c.e.world.RLock()
	c.locked = true
}

func (c *cpu) unlock() {
	c.locked = false
	c.e.world.RUnlock()
}

func (c *cpu) frame() *vm.CallFrame {
	return c.interp.Frame()
}

func (c *cpu) run(pc asm.CodePtr) vm.ExecStatus {
	stack := c.interp.Stack
	for {
		w := c.mem.Load(pc)
		next := pc + 1
		switch op := w.Op(); op {
		case asm.Nop:

		case asm.MovI:
			c.regs[w.A()] = vm.Value(uint64(int64(w.Imm())))
		case asm.MovQ:
			c.regs[w.A()] = vm.Value(c.mem.Load(pc + 1))
			next = pc + 2
		case asm.Mov:
			c.regs[w.A()] = c.regs[w.B()]

		case asm.LdStk:
			c.regs[w.A()] = stack[c.sp+int(w.Imm())]
		case asm.StStk:
			stack[c.sp+int(w.Imm())] = c.regs[w.A()]
		case asm.AddSP:
			c.sp += int(w.Imm())
		case asm.SyncSP:
			c.interp.SP = c.sp

		case asm.LdLoc:
			c.regs[w.A()] = stack[c.frame().BP+int(w.Imm())]
		case asm.StLoc:
			stack[c.frame().BP+int(w.Imm())] = c.regs[w.A()]
		case asm.LdSelf:
			c.regs[w.A()] = c.frame().Receiver
		case asm.SetPC:
			c.frame().IP = int(w.Imm())

		case asm.Cmp:
			c.flag = c.regs[w.A()] == c.regs[w.B()]
		case asm.CmpI:
			c.flag = c.regs[w.A()] == vm.Value(uint64(int64(w.Imm())))
		case asm.TypeChk:
			c.flag = typeMatches(c.regs[w.A()], asm.TypeClass(w.Imm()))
		case asm.Truthy:
			c.flag = c.regs[w.A()].IsTruthy()

		case asm.ClassOf:
			c.regs[w.A()] = vm.Value(c.e.vm.ClassOf(c.regs[w.B()]).ID)
		case asm.ShapeOf:
			var id uint32
			if obj := c.e.vm.Heap.Get(c.regs[w.B()]); obj != nil {
				id = obj.Shape().ID
			}
			c.regs[w.A()] = vm.Value(id)
		case asm.LdIvar:
			c.regs[w.A()] = c.e.vm.Heap.Get(c.regs[w.B()]).GetSlot(int(w.Imm()))
		case asm.StIvar:
			c.e.vm.Heap.Get(c.regs[w.B()]).SetSlot(int(w.Imm()), c.regs[w.A()])

		case asm.IAdd:
			c.regs[w.A()], c.overflow = c.arith(w, func(x, y int64) int64 { return x + y })
		case asm.ISub:
			c.regs[w.A()], c.overflow = c.arith(w, func(x, y int64) int64 { return x - y })
		case asm.ILt:
			c.regs[w.A()] = vm.FromBool(c.regs[w.B()].SmallInt() < c.regs[w.C()].SmallInt())
		case asm.IEq:
			c.regs[w.A()] = vm.FromBool(c.regs[w.B()] == c.regs[w.C()])

		case asm.Jmp:
			next = w.Target()
		case asm.Je:
			if c.flag {
				next = w.Target()
			}
		case asm.Jne:
			if !c.flag {
				next = w.Target()
			}
		case asm.Jo:
			if c.overflow {
				next = w.Target()
			}

		case asm.Call:
			c.call(helperID(w.A()), w.Imm(), w.B(), w.C())
			stack = c.interp.Stack
		case asm.Stub:
			target, ok := c.e.stubHit(c, int(w.Imm()))
			if !ok {
				c.e.stats.stubExits.Add(1)
				return vm.ExecExited
			}
			next = target
		case asm.Leave:
			addr := c.interp.PopFrame(c.regs[w.A()])
			c.sp = c.interp.SP
			if addr == 0 {
				return vm.ExecReturned
			}
			next = asm.CodePtr(addr)
		case asm.Exit:
			return vm.ExecExited
		case asm.Count:
			c.e.stats.exits[uint8(w.Imm())].Add(1)

		default:
			panic(fmt.Sprintf("jit: bad instruction %s at %s", op, pc))
		}
		pc = next
	}
}

// arith applies f to the small integers in registers b and c. The second
// result reports overflow of the small integer range.
func (c *cpu) arith(w asm.Word, f func(x, y int64) int64) (vm.Value, bool) {
	r, ok := vm.TryFromSmallInt(f(c.regs[w.B()].SmallInt(), c.regs[w.C()].SmallInt()))
	return r, !ok
}

// call runs helper h with the stack pointer materialized.
func (c *cpu) call(h helperID, imm int32, b, cr asm.Reg) {
	hp := &helpers[h]
	c.interp.SP = c.sp
	release := hp.release == releaseAlways ||
		(hp.release == releaseIfStopping && c.e.stopping.Load())
	if release {
		c.unlock()
		hp.fn(c, imm, b, cr)
		c.lock()
	} else {
		hp.fn(c, imm, b, cr)
	}
	c.sp = c.interp.SP
}

func typeMatches(v vm.Value, tc asm.TypeClass) bool {
	switch tc {
	case asm.TcSmallInt:
		return v.IsSmallInt()
	case asm.TcFloat:
		return v.IsFloat()
	case asm.TcNil:
		return v == vm.Nil
	case asm.TcTrue:
		return v == vm.True
	case asm.TcFalse:
		return v == vm.False
	case asm.TcSymbol:
		return v.IsSymbol()
	case asm.TcObject:
		return v.IsObject()
	case asm.TcImmediate:
		return !v.IsObject()
	}
	return false
}
