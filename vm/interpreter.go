package vm

import "fmt"

// ---------------------------------------------------------------------------
// CallFrame: Execution state for a method invocation
// ---------------------------------------------------------------------------

// CallFrame represents the execution state of a single method invocation.
//
// The receiver sits on the value stack at BP-1, followed by the method's
// locals (parameters first). The operand stack starts at BP+NumTemps.
type CallFrame struct {
	Method   *CompiledMethod // the method being executed
	Receiver Value           // the object receiving the message
	IP       int             // instruction pointer (offset into bytecode)
	BP       int             // base pointer (index of the first local)

	// ReturnAddr is the compiled-code address to continue at once this
	// frame returns. Zero means the caller is being interpreted.
	ReturnAddr uint32
}

// ---------------------------------------------------------------------------
// Accelerator: the interpreter's view of the JIT
// ---------------------------------------------------------------------------

// ExecStatus reports how a run of compiled code ended.
type ExecStatus int

const (
	// ExecNone means no compiled code ran.
	ExecNone ExecStatus = iota
	// ExecExited means compiled code handed control back mid-method; the
	// top frame's IP and the stack pointer describe where to continue.
	ExecExited
	// ExecReturned means compiled code returned from a frame whose caller
	// is being interpreted. The result is on the caller's stack.
	ExecReturned
)

func (s ExecStatus) String() string {
	switch s {
	case ExecExited:
		return "exited"
	case ExecReturned:
		return "returned"
	}
	return "none"
}

// Accelerator runs compiled code on behalf of an interpreter.
type Accelerator interface {
	// Enter is offered every hot method frame the interpreter pushes.
	Enter(interp *Interpreter) ExecStatus
	// Resume continues compiled code at a frame's return address.
	Resume(interp *Interpreter, addr uint32) ExecStatus
}

// ---------------------------------------------------------------------------
// Interpreter: Bytecode execution engine
// ---------------------------------------------------------------------------

const (
	// DefaultStackSize is the number of value slots each worker gets.
	DefaultStackSize = 1 << 16
	// MaxFrameDepth bounds the call depth of a worker.
	MaxFrameDepth = 10000
	// stackHeadroom is kept free above every frame for compiled code,
	// which writes operand slots without bounds checks of its own.
	stackHeadroom = 256
)

// Interpreter executes bytecode for one worker. It is not safe for
// concurrent use; create one worker per goroutine.
type Interpreter struct {
	vm *VM

	// Stack is the value stack. Compiled code reads and writes it directly.
	Stack []Value
	// SP is the index of the next free stack slot.
	SP int

	frames []CallFrame
	fp     int // index of the active frame, -1 when idle

	closed bool
}

func newInterpreter(v *VM) *Interpreter {
	return &Interpreter{
		vm:     v,
		Stack:  make([]Value, DefaultStackSize),
		frames: make([]CallFrame, 0, 64),
		fp:     -1,
	}
}

// VM returns the VM this worker belongs to.
func (i *Interpreter) VM() *VM { return i.vm }

// Close releases the worker. It must not be used afterwards.
func (i *Interpreter) Close() {
	if i.closed {
		return
	}
	i.closed = true
	i.vm.workerClosed()
}

// ---------------------------------------------------------------------------
// Stack operations
// ---------------------------------------------------------------------------

// Push pushes v onto the value stack.
func (i *Interpreter) Push(v Value) {
	if i.SP >= len(i.Stack)-stackHeadroom {
		Raise(ErrStackOverflow, "value stack exhausted")
	}
	i.Stack[i.SP] = v
	i.SP++
}

// Pop removes and returns the top of the value stack.
func (i *Interpreter) Pop() Value {
	i.SP--
	return i.Stack[i.SP]
}

// Peek returns the value n slots below the top (0 is the top).
func (i *Interpreter) Peek(n int) Value {
	return i.Stack[i.SP-1-n]
}

// Local returns local n of the active frame.
func (i *Interpreter) Local(n int) Value {
	return i.Stack[i.frames[i.fp].BP+n]
}

// ---------------------------------------------------------------------------
// Frame management
// ---------------------------------------------------------------------------

// Frame returns the active frame, or nil when idle. The pointer is only
// valid until the next frame push.
func (i *Interpreter) Frame() *CallFrame {
	if i.fp < 0 {
		return nil
	}
	return &i.frames[i.fp]
}

// Depth returns the number of active frames.
func (i *Interpreter) Depth() int {
	return i.fp + 1
}

// StackDepth returns the operand stack depth of the active frame.
func (i *Interpreter) StackDepth() int {
	f := i.Frame()
	if f == nil {
		return i.SP
	}
	return i.SP - (f.BP + f.Method.NumTemps)
}

// PushFrame activates method. The receiver and the method's parameters
// (keywords already in declared order) must be on the stack. Plain
// temporaries are initialized to nil.
func (i *Interpreter) PushFrame(method *CompiledMethod, returnAddr uint32) {
	if i.fp+1 >= MaxFrameDepth {
		Raise(ErrStackOverflow, "%s: call depth exceeds %d", method, MaxFrameDepth)
	}
	bp := i.SP - method.ParamCount()
	if bp+method.NumTemps >= len(i.Stack)-stackHeadroom {
		Raise(ErrStackOverflow, "%s: value stack exhausted", method)
	}
	for j := method.ParamCount(); j < method.NumTemps; j++ {
		i.Stack[i.SP] = Nil
		i.SP++
	}
	i.fp++
	i.frames = append(i.frames[:i.fp], CallFrame{
		Method:     method,
		Receiver:   i.Stack[bp-1],
		BP:         bp,
		ReturnAddr: returnAddr,
	})
}

// PopFrame deactivates the active frame, leaves result on the caller's
// stack in place of the receiver and returns the frame's return address.
func (i *Interpreter) PopFrame(result Value) uint32 {
	f := i.frames[i.fp]
	i.frames = i.frames[:i.fp]
	i.fp--
	i.SP = f.BP - 1
	i.Stack[i.SP] = result
	i.SP++
	return f.ReturnAddr
}

// ---------------------------------------------------------------------------
// Public entry points
// ---------------------------------------------------------------------------

// Send sends selector to receiver with positional arguments.
func (i *Interpreter) Send(receiver Value, selector string, args ...Value) (Value, error) {
	cs := &CallSite{Selector: i.vm.Selectors.Intern(selector), Argc: len(args)}
	return i.SendKeywords(receiver, cs, args, nil)
}

// SendKeywords sends through cs. kwargs are matched to cs.Keywords by
// position.
func (i *Interpreter) SendKeywords(receiver Value, cs *CallSite, args, kwargs []Value) (result Value, err error) {
	if len(args) != cs.Argc || len(kwargs) != len(cs.Keywords) {
		return Nil, fmt.Errorf("send %s: call site expects %d+%d arguments, got %d+%d",
			i.vm.Selectors.Name(cs.Selector), cs.Argc, len(cs.Keywords), len(args), len(kwargs))
	}
	savedSP, savedFP := i.SP, i.fp
	defer func() {
		if r := recover(); r != nil {
			rt, ok := r.(*RuntimeError)
			if !ok {
				panic(r)
			}
			i.SP = savedSP
			i.fp = savedFP
			i.frames = i.frames[:savedFP+1]
			result, err = Nil, rt
		}
	}()

	i.Push(receiver)
	for _, a := range args {
		i.Push(a)
	}
	for _, a := range kwargs {
		i.Push(a)
	}
	i.SendSite(cs)
	return i.Pop(), nil
}

// SendSite performs a full send of the receiver and arguments on top of
// the stack and leaves the result there. Interpreted callees run to
// completion before it returns.
func (i *Interpreter) SendSite(cs *CallSite) {
	if i.send(cs) {
		i.run(i.fp)
	}
}

// SendOperator performs an operator send on the two values on top of the
// stack and leaves the result there.
func (i *Interpreter) SendOperator(op Opcode) {
	if i.sendOperator(op) {
		i.run(i.fp)
	}
}

// ---------------------------------------------------------------------------
// Main interpreter loop
// ---------------------------------------------------------------------------

// run executes until the frame at index base has returned. The frame at
// base must have been pushed by the interpreter.
func (i *Interpreter) run(base int) {
	i.activate()
	for i.fp >= base {
		frame := &i.frames[i.fp]
		bc := frame.Method.Bytecode
		ip := frame.IP
		if ip >= len(bc) {
			// Implicit return of self
			i.returnFrom(frame.Receiver)
			continue
		}

		op := Opcode(bc[ip])
		frame.IP = ip + op.Length()

		switch op {
		// --- Stack operations ---
		case OpNOP:

		case OpPOP:
			i.SP--

		case OpDUP:
			i.Push(i.Peek(0))

		// --- Constants ---
		case OpPushNil:
			i.Push(Nil)

		case OpPushTrue:
			i.Push(True)

		case OpPushFalse:
			i.Push(False)

		case OpPushSelf:
			i.Push(frame.Receiver)

		case OpPushInt8, OpPushInt32:
			i.Push(FromSmallInt(int64(Operand(bc, ip))))

		case OpPushLiteral:
			i.Push(frame.Method.Literals[Operand(bc, ip)])

		// --- Variables ---
		case OpPushTemp:
			i.Push(i.Stack[frame.BP+Operand(bc, ip)])

		case OpPopTemp:
			i.Stack[frame.BP+Operand(bc, ip)] = i.Pop()

		case OpPushIvar:
			i.Push(i.vm.GetIvar(frame.Receiver, Operand(bc, ip)))

		case OpPopIvar:
			i.vm.SetIvar(frame.Receiver, Operand(bc, ip), i.Pop())

		case OpPushConst:
			i.Push(i.vm.MustConstant(Operand(bc, ip)))

		// --- Sends ---
		case OpSend:
			cs := &frame.Method.CallSites[Operand(bc, ip)]
			if i.send(cs) {
				i.activate()
			}

		case OpSendPlus, OpSendMinus, OpSendLT, OpSendEQ:
			if i.sendOperator(op) {
				i.activate()
			}

		// --- Control flow ---
		case OpJump:
			frame.IP = JumpTarget(bc, ip)

		case OpJumpTrue:
			if i.Pop().IsTruthy() {
				frame.IP = JumpTarget(bc, ip)
			}

		case OpJumpFalse:
			if i.Pop().IsFalsy() {
				frame.IP = JumpTarget(bc, ip)
			}

		// --- Returns ---
		case OpReturnTop:
			i.returnFrom(i.Pop())

		default:
			Raise(ErrInvalidInstruction, "%s at %d: %s", frame.Method, ip, op)
		}
	}
}

// activate offers the newest frame to the JIT once its method is hot.
func (i *Interpreter) activate() {
	method := i.frames[i.fp].Method
	if !i.vm.Profiler.RecordInvocation(method) {
		return
	}
	if jit := i.vm.accelerator(); jit != nil {
		jit.Enter(i)
	}
}

// returnFrom pops the active frame. When the caller is compiled code,
// execution continues there.
func (i *Interpreter) returnFrom(result Value) {
	if addr := i.PopFrame(result); addr != 0 {
		i.vm.accelerator().Resume(i, addr)
	}
}

// ---------------------------------------------------------------------------
// Message sending
// ---------------------------------------------------------------------------

// send dispatches the send described by cs. The receiver and arguments
// are on the stack. Native and accessor methods complete immediately and
// leave their result; for bytecode methods a frame is pushed and send
// reports true.
func (i *Interpreter) send(cs *CallSite) bool {
	recv := i.Peek(cs.StackArgs())
	class := i.vm.ClassOf(recv)
	method := class.Lookup(cs.Selector)
	if method == nil {
		Raise(ErrDoesNotUnderstand, "%s>>%s", class.Name, i.vm.Selectors.Name(cs.Selector))
	}
	if i.vm.TracingActive() {
		_, native := method.(*NativeMethod)
		i.vm.trace(TraceEvent{Class: class, Selector: cs.Selector, Native: native})
	}
	return i.invoke(method, cs, recv)
}

func (i *Interpreter) invoke(method Method, cs *CallSite, recv Value) bool {
	switch m := method.(type) {
	case *CompiledMethod:
		i.setupArguments(m, cs)
		i.PushFrame(m, 0)
		return true

	case *NativeMethod:
		if len(cs.Keywords) > 0 {
			Raise(ErrUnknownKeyword, "%s takes no keyword arguments", m)
		}
		args := make([]Value, cs.Argc)
		copy(args, i.Stack[i.SP-cs.Argc:i.SP])
		i.SP -= cs.Argc + 1
		i.Push(i.CallNative(m, recv, args))
		return false

	case *AttrReader:
		if cs.StackArgs() != 0 {
			Raise(ErrArity, "%s>>%s takes no arguments", className(m.owner), i.vm.Selectors.Name(m.selector))
		}
		i.SP--
		i.Push(i.vm.GetIvar(recv, m.Ivar))
		return false

	case *AttrWriter:
		if cs.Argc != 1 || len(cs.Keywords) != 0 {
			Raise(ErrArity, "%s>>%s takes one argument", className(m.owner), i.vm.Selectors.Name(m.selector))
		}
		val := i.Pop()
		i.SP--
		i.vm.SetIvar(recv, m.Ivar, val)
		i.Push(val)
		return false

	case *AliasMethod:
		return i.invoke(m.Resolve(), cs, recv)
	}
	Raise(ErrDoesNotUnderstand, "%s", i.vm.Selectors.Name(cs.Selector))
	return false
}

// CallNative invokes a native method with an exact argument list.
func (i *Interpreter) CallNative(m *NativeMethod, recv Value, args []Value) Value {
	if m.Arity != VariadicArity && len(args) != m.Arity {
		Raise(ErrArity, "%s expects %d arguments, got %d", m, m.Arity, len(args))
	}
	return m.Fn(i, recv, args)
}

// setupArguments checks positional arity and rewrites the keyword
// arguments on the stack from call-site order into the callee's declared
// order, filling in defaults for omitted optional keywords.
func (i *Interpreter) setupArguments(m *CompiledMethod, cs *CallSite) {
	if cs.Argc != m.NumArgs {
		Raise(ErrArity, "%s expects %d arguments, got %d", m, m.NumArgs, cs.Argc)
	}
	nkw := len(cs.Keywords)
	if nkw == 0 && len(m.Keywords) == 0 {
		return
	}

	supplied := make([]Value, len(m.Keywords))
	given := make([]bool, len(m.Keywords))
	base := i.SP - nkw
	for j, name := range cs.Keywords {
		idx := m.KeywordIndex(name)
		if idx < 0 {
			Raise(ErrUnknownKeyword, "%s: %s", m, i.vm.Selectors.Name(name))
		}
		supplied[idx] = i.Stack[base+j]
		given[idx] = true
	}
	i.SP = base
	for j, kw := range m.Keywords {
		switch {
		case given[j]:
			i.Push(supplied[j])
		case kw.Required:
			Raise(ErrMissingKeyword, "%s: %s", m, i.vm.Selectors.Name(kw.Name))
		default:
			i.Push(kw.Default)
		}
	}
}

// sendOperator handles the operator opcodes. Small integer and float
// arithmetic is done inline unless the operator has been redefined.
func (i *Interpreter) sendOperator(op Opcode) bool {
	a, b := i.Peek(1), i.Peek(0)
	cs := i.vm.OperatorSite(op)
	if result, ok := i.vm.arith(op, cs.Selector, a, b); ok {
		i.SP -= 2
		i.Push(result)
		return false
	}
	return i.send(cs)
}
