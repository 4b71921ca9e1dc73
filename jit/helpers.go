package jit

import (
	"github.com/chazu/versa/jit/asm"
	"github.com/chazu/versa/vm"
)

// helperID selects the runtime routine a Call instruction runs.
type helperID uint8

const (
	helperSend helperID = iota
	helperSendOperator
	helperCallNative
	helperPushFrame
	helperGetIvar
	helperSetIvar
	helperGetConst
	helperPoll
	numHelpers
)

// releaseMode says when a helper gives up the world lock while it runs.
// Helpers that can run arbitrary code must release it, since that code may
// redefine methods and so stop the world.
type releaseMode uint8

const (
	releaseNever releaseMode = iota
	releaseAlways
	releaseIfStopping
)

type helper struct {
	name    string
	release releaseMode
	fn      func(c *cpu, imm int32, b, cr asm.Reg)
}

var helpers [numHelpers]helper

func init() {
	helpers = [numHelpers]helper{
		helperSend:         {"send", releaseAlways, runSend},
		helperSendOperator: {"send_operator", releaseAlways, runSendOperator},
		helperCallNative:   {"call_native", releaseAlways, runCallNative},
		helperPushFrame:    {"push_frame", releaseNever, runPushFrame},
		helperGetIvar:      {"get_ivar", releaseNever, runGetIvar},
		helperSetIvar:      {"set_ivar", releaseNever, runSetIvar},
		helperGetConst:     {"get_const", releaseNever, runGetConst},
		helperPoll:         {"poll", releaseIfStopping, runPoll},
	}
}

func (h helperID) String() string {
	if h < numHelpers {
		return helpers[h].name
	}
	return "unknown"
}

func runSend(c *cpu, imm int32, _, _ asm.Reg) {
	f := c.interp.Frame()
	c.interp.SendSite(&f.Method.CallSites[imm])
}

func runSendOperator(c *cpu, imm int32, _, _ asm.Reg) {
	c.interp.SendOperator(vm.Opcode(imm))
}

// runCallNative takes the receiver in R0 and the arguments in the
// following argument registers.
func runCallNative(c *cpu, imm int32, _, _ asm.Reg) {
	m := c.e.ref(imm).(*vm.NativeMethod)
	args := make([]vm.Value, m.Arity)
	for i := range args {
		args[i] = c.regs[asm.ArgRegs[i+1]]
	}
	c.interp.Push(c.interp.CallNative(m, c.regs[asm.R0], args))
}

// runPushFrame activates the method for a direct call. Register b holds
// the return address.
func runPushFrame(c *cpu, imm int32, b, _ asm.Reg) {
	m := c.e.ref(imm).(*vm.CompiledMethod)
	c.e.vm.Profiler.RecordInvocation(m)
	c.interp.PushFrame(m, uint32(c.regs[b]))
}

func runGetIvar(c *cpu, imm int32, _, _ asm.Reg) {
	c.interp.Push(c.e.vm.GetIvar(c.interp.Frame().Receiver, int(imm)))
}

func runSetIvar(c *cpu, imm int32, _, _ asm.Reg) {
	val := c.interp.Pop()
	c.e.vm.SetIvar(c.interp.Frame().Receiver, int(imm), val)
}

func runGetConst(c *cpu, imm int32, _, _ asm.Reg) {
	c.interp.Push(c.e.vm.MustConstant(int(imm)))
}

// runPoll does nothing itself: releasing the world lock is the point.
func runPoll(*cpu, int32, asm.Reg, asm.Reg) {}
