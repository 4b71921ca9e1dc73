package vm

import (
	"errors"
	"testing"
)

func newTestVM(t *testing.T) (*VM, *Interpreter) {
	t.Helper()
	v := NewVM()
	w := v.NewWorker()
	t.Cleanup(w.Close)
	return v, w
}

func defineClass(t *testing.T, v *VM, name string, ivars ...string) *Class {
	t.Helper()
	c, err := v.DefineClass(name, nil, ivars...)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func define(v *VM, class *Class, selector string, numArgs int, body func(b *CompiledMethodBuilder)) *CompiledMethod {
	b := NewCompiledMethodBuilder(selector, numArgs)
	body(b)
	m := b.Build()
	v.DefineMethod(class, selector, m)
	return m
}

func send(t *testing.T, w *Interpreter, recv Value, selector string, args ...Value) Value {
	t.Helper()
	got, err := w.Send(recv, selector, args...)
	if err != nil {
		t.Fatalf("%s: %v", selector, err)
	}
	return got
}

// ---------------------------------------------------------------------------
// Basic execution
// ---------------------------------------------------------------------------

func TestArithmeticOperators(t *testing.T) {
	v, w := newTestVM(t)
	calc := defineClass(t, v, "Calc")
	ops := map[string]Opcode{"plus:to:": OpSendPlus, "minus:from:": OpSendMinus, "lt:than:": OpSendLT, "eq:to:": OpSendEQ}
	for sel, op := range ops {
		define(v, calc, sel, 2, func(b *CompiledMethodBuilder) {
			b.Bytecode().EmitByte(OpPushTemp, 0)
			b.Bytecode().EmitByte(OpPushTemp, 1)
			b.Bytecode().Emit(op)
			b.Bytecode().Emit(OpReturnTop)
		})
	}
	recv := v.NewInstance(calc)

	tests := []struct {
		sel  string
		a, b Value
		want Value
	}{
		{"plus:to:", FromSmallInt(3), FromSmallInt(4), FromSmallInt(7)},
		{"plus:to:", FromSmallInt(3), FromFloat64(0.5), FromFloat64(3.5)},
		{"plus:to:", FromFloat64(1.5), FromSmallInt(1), FromFloat64(2.5)},
		{"plus:to:", FromSmallInt(MaxSmallInt), FromSmallInt(1), FromFloat64(float64(MaxSmallInt) + 1)},
		{"minus:from:", FromSmallInt(3), FromSmallInt(5), FromSmallInt(-2)},
		{"minus:from:", FromSmallInt(MinSmallInt), FromSmallInt(1), FromFloat64(float64(MinSmallInt) - 1)},
		{"lt:than:", FromSmallInt(1), FromSmallInt(2), True},
		{"lt:than:", FromFloat64(2.5), FromSmallInt(2), False},
		{"eq:to:", FromSmallInt(2), FromSmallInt(2), True},
		{"eq:to:", recv, recv, True},
	}
	for _, tt := range tests {
		if got := send(t, w, recv, tt.sel, tt.a, tt.b); got != tt.want {
			t.Errorf("%s %s %s = %s, want %s", v.Format(tt.a), tt.sel, v.Format(tt.b), v.Format(got), v.Format(tt.want))
		}
	}
}

func TestLoopsAndLocals(t *testing.T) {
	v, w := newTestVM(t)
	c := defineClass(t, v, "Counter")
	define(v, c, "countTo:", 1, func(b *CompiledMethodBuilder) {
		i := b.AddLocal()
		bc := b.Bytecode()
		bc.EmitInt8(OpPushInt8, 0)
		bc.EmitByte(OpPopTemp, byte(i))
		top, done := bc.NewLabel(), bc.NewLabel()
		bc.Mark(top)
		bc.EmitByte(OpPushTemp, byte(i))
		bc.EmitByte(OpPushTemp, 0)
		bc.Emit(OpSendLT)
		bc.EmitJump(OpJumpFalse, done)
		bc.EmitByte(OpPushTemp, byte(i))
		bc.EmitInt8(OpPushInt8, 1)
		bc.Emit(OpSendPlus)
		bc.EmitByte(OpPopTemp, byte(i))
		bc.EmitJump(OpJump, top)
		bc.Mark(done)
		bc.EmitByte(OpPushTemp, byte(i))
		bc.Emit(OpReturnTop)
	})
	if got := send(t, w, v.NewInstance(c), "countTo:", FromSmallInt(25)); got != FromSmallInt(25) {
		t.Errorf("countTo: 25 = %s", v.Format(got))
	}
}

func TestImplicitReturnOfSelf(t *testing.T) {
	v, w := newTestVM(t)
	c := defineClass(t, v, "Empty")
	define(v, c, "nothing", 0, func(b *CompiledMethodBuilder) {
		b.Bytecode().Emit(OpNOP)
	})
	recv := v.NewInstance(c)
	if got := send(t, w, recv, "nothing"); got != recv {
		t.Errorf("got %s, want self", v.Format(got))
	}
}

func TestInstanceVariablesAndConstants(t *testing.T) {
	v, w := newTestVM(t)
	c := defineClass(t, v, "Box", "contents")
	contents := v.Selectors.Intern("contents")
	define(v, c, "put:", 1, func(b *CompiledMethodBuilder) {
		b.Bytecode().EmitByte(OpPushTemp, 0)
		b.Bytecode().EmitUint16(OpPopIvar, uint16(contents))
		b.Bytecode().EmitUint16(OpPushIvar, uint16(contents))
		b.Bytecode().Emit(OpReturnTop)
	})
	define(v, c, "limit", 0, func(b *CompiledMethodBuilder) {
		b.Bytecode().EmitUint16(OpPushConst, uint16(v.Selectors.Intern("Limit")))
		b.Bytecode().Emit(OpReturnTop)
	})
	box := v.NewInstance(c)
	if got := send(t, w, box, "put:", FromSmallInt(9)); got != FromSmallInt(9) {
		t.Errorf("put: answered %s", v.Format(got))
	}
	if got := v.GetIvar(box, contents); got != FromSmallInt(9) {
		t.Errorf("contents = %s", v.Format(got))
	}

	_, err := w.Send(box, "limit")
	if !errors.Is(err, ErrUndefinedConstant) {
		t.Errorf("undefined constant: %v", err)
	}
	v.SetConstant("Limit", FromSmallInt(100))
	if got := send(t, w, box, "limit"); got != FromSmallInt(100) {
		t.Errorf("Limit = %s", v.Format(got))
	}
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func TestNativeAndAccessorDispatch(t *testing.T) {
	v, w := newTestVM(t)
	p := defineClass(t, v, "Point", "x")
	v.DefineAccessors(p, "x")
	pt := v.NewInstance(p)

	if got := send(t, w, pt, "x:", FromSmallInt(4)); got != FromSmallInt(4) {
		t.Errorf("x: answered %s", v.Format(got))
	}
	if got := send(t, w, pt, "x"); got != FromSmallInt(4) {
		t.Errorf("x = %s", v.Format(got))
	}
	if got := send(t, w, v.NewString("hello"), "size"); got != FromSmallInt(5) {
		t.Errorf("size = %s", v.Format(got))
	}
	joined := send(t, w, v.NewString("ab"), ",", v.NewString("cd"))
	if s := v.GoString(joined); s != "abcd" {
		t.Errorf("concatenation = %q", s)
	}
	if got := send(t, w, Nil, "isNil"); got != True {
		t.Errorf("nil isNil = %s", v.Format(got))
	}
	if got := send(t, w, pt, "printString"); v.GoString(got) != "a Point" {
		t.Errorf("printString = %s", v.Format(got))
	}
}

func TestInheritanceAliasAndUndefine(t *testing.T) {
	v, w := newTestVM(t)
	base := defineClass(t, v, "Shape")
	sub, err := v.DefineClass("Square", base)
	if err != nil {
		t.Fatal(err)
	}
	define(v, base, "sides", 0, func(b *CompiledMethodBuilder) {
		b.Bytecode().EmitInt8(OpPushInt8, 4)
		b.Bytecode().Emit(OpReturnTop)
	})
	sq := v.NewInstance(sub)
	if got := send(t, w, sq, "sides"); got != FromSmallInt(4) {
		t.Errorf("inherited sides = %s", v.Format(got))
	}

	if err := v.DefineAlias(sub, "edges", "sides"); err != nil {
		t.Fatal(err)
	}
	if got := send(t, w, sq, "edges"); got != FromSmallInt(4) {
		t.Errorf("alias = %s", v.Format(got))
	}
	if err := v.DefineAlias(sub, "bogus", "missing"); err == nil {
		t.Error("aliasing an undefined method succeeded")
	}

	v.UndefineMethod(sub, "sides")
	if _, err := w.Send(sq, "sides"); !errors.Is(err, ErrDoesNotUnderstand) {
		t.Errorf("undefined method: %v", err)
	}
	if got := send(t, w, v.NewInstance(base), "sides"); got != FromSmallInt(4) {
		t.Errorf("superclass lost sides: %s", v.Format(got))
	}
}

func TestOperatorRedefinition(t *testing.T) {
	v, w := newTestVM(t)
	c := defineClass(t, v, "Adder")
	define(v, c, "add:to:", 2, func(b *CompiledMethodBuilder) {
		b.Bytecode().EmitByte(OpPushTemp, 0)
		b.Bytecode().EmitByte(OpPushTemp, 1)
		b.Bytecode().Emit(OpSendPlus)
		b.Bytecode().Emit(OpReturnTop)
	})
	plus := v.Selectors.Intern("+")
	if v.OperatorRedefined(v.SmallIntegerClass, plus) {
		t.Fatal("bootstrap natives count as redefinitions")
	}

	define(v, v.SmallIntegerClass, "+", 1, func(b *CompiledMethodBuilder) {
		b.Bytecode().EmitInt8(OpPushInt8, 99)
		b.Bytecode().Emit(OpReturnTop)
	})
	if !v.OperatorRedefined(v.SmallIntegerClass, plus) {
		t.Fatal("redefinition not recorded")
	}
	if got := send(t, w, v.NewInstance(c), "add:to:", FromSmallInt(1), FromSmallInt(2)); got != FromSmallInt(99) {
		t.Errorf("redefined + answered %s", v.Format(got))
	}
}

// ---------------------------------------------------------------------------
// Keyword arguments
// ---------------------------------------------------------------------------

func TestKeywordArguments(t *testing.T) {
	v, w := newTestVM(t)
	c := defineClass(t, v, "Rect")
	width, height, depth := v.Selectors.Intern("width"), v.Selectors.Intern("height"), v.Selectors.Intern("depth")
	sel := v.Selectors.Intern("make")
	define(v, c, "make", 0, func(b *CompiledMethodBuilder) {
		h := b.AddRequiredKeyword(height)
		wd := b.AddRequiredKeyword(width)
		d := b.AddKeyword(depth, FromSmallInt(1000))
		bc := b.Bytecode()
		bc.EmitByte(OpPushTemp, byte(wd))
		bc.EmitByte(OpPushTemp, byte(h))
		bc.Emit(OpSendMinus)
		bc.EmitByte(OpPushTemp, byte(d))
		bc.Emit(OpSendPlus)
		bc.Emit(OpReturnTop)
	})
	recv := v.NewInstance(c)

	tests := []struct {
		name   string
		kws    []int
		values []Value
		want   Value
	}{
		{"declared order", []int{height, width}, []Value{FromSmallInt(3), FromSmallInt(10)}, FromSmallInt(1007)},
		{"reversed", []int{width, height}, []Value{FromSmallInt(10), FromSmallInt(3)}, FromSmallInt(1007)},
		{"with optional", []int{depth, width, height}, []Value{FromSmallInt(0), FromSmallInt(10), FromSmallInt(3)}, FromSmallInt(7)},
	}
	for _, tt := range tests {
		cs := &CallSite{Selector: sel, Keywords: tt.kws}
		got, err := w.SendKeywords(recv, cs, nil, tt.values)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %s, want %s", tt.name, v.Format(got), v.Format(tt.want))
		}
	}
}

func TestKeywordErrors(t *testing.T) {
	v, w := newTestVM(t)
	c := defineClass(t, v, "Strict")
	need := v.Selectors.Intern("need")
	sel := v.Selectors.Intern("run")
	define(v, c, "run", 0, func(b *CompiledMethodBuilder) {
		b.AddRequiredKeyword(need)
		b.Bytecode().Emit(OpPushNil)
		b.Bytecode().Emit(OpReturnTop)
	})
	recv := v.NewInstance(c)

	_, err := w.SendKeywords(recv, &CallSite{Selector: sel}, nil, nil)
	if !errors.Is(err, ErrMissingKeyword) {
		t.Errorf("missing keyword: %v", err)
	}
	other := v.Selectors.Intern("other")
	_, err = w.SendKeywords(recv, &CallSite{Selector: sel, Keywords: []int{need, other}}, nil, []Value{Nil, Nil})
	if !errors.Is(err, ErrUnknownKeyword) {
		t.Errorf("unknown keyword: %v", err)
	}
	_, err = w.Send(recv, "run", Nil)
	if !errors.Is(err, ErrArity) {
		t.Errorf("positional argument to a keyword method: %v", err)
	}
	_, err = w.SendKeywords(recv, &CallSite{Selector: sel, Argc: 1}, nil, nil)
	if err == nil {
		t.Error("mismatched argument list accepted")
	}

	// The worker is still usable after errors.
	if got := send(t, w, recv, "yourself"); got != recv {
		t.Errorf("yourself after errors = %s", v.Format(got))
	}
	if d := w.Depth(); d != 0 {
		t.Errorf("frames left after errors: %d", d)
	}
}

func TestRuntimeErrors(t *testing.T) {
	v, w := newTestVM(t)
	c := defineClass(t, v, "Broken")
	define(v, c, "recurse", 0, func(b *CompiledMethodBuilder) {
		b.Bytecode().Emit(OpPushSelf)
		b.EmitSend(v.Selectors.Intern("recurse"), 0)
		b.Bytecode().Emit(OpReturnTop)
	})
	recv := v.NewInstance(c)

	_, err := w.Send(recv, "noSuchMessage")
	var rt *RuntimeError
	if !errors.As(err, &rt) || !errors.Is(err, ErrDoesNotUnderstand) {
		t.Errorf("unknown selector: %v", err)
	}
	if _, err := w.Send(recv, "recurse"); !errors.Is(err, ErrStackOverflow) {
		t.Errorf("unbounded recursion: %v", err)
	}
	if _, err := w.Send(FromSmallInt(1), "+", v.NewString("x")); !errors.Is(err, ErrBadArgument) {
		t.Errorf("bad argument: %v", err)
	}
	if w.SP != 0 {
		t.Errorf("stack not unwound: SP = %d", w.SP)
	}
}

// ---------------------------------------------------------------------------
// Tracing and workers
// ---------------------------------------------------------------------------

type recordingObserver struct {
	defined []int
	before  []Method
	consts  []int
	tracing []bool
	workers []int
}

func (o *recordingObserver) MethodDefined(c *Class, sel int, install func()) {
	o.defined = append(o.defined, sel)
	o.before = append(o.before, c.Lookup(sel))
	install()
}

func (o *recordingObserver) ConstantChanged(name int)      { o.consts = append(o.consts, name) }
func (o *recordingObserver) TracingChanged(active bool)    { o.tracing = append(o.tracing, active) }
func (o *recordingObserver) WorkersChanged(n int)          { o.workers = append(o.workers, n) }
func (o *recordingObserver) Enter(*Interpreter) ExecStatus { return ExecNone }
func (o *recordingObserver) Resume(*Interpreter, uint32) ExecStatus {
	panic("no compiled code")
}

func TestObserverNotifications(t *testing.T) {
	v := NewVM()
	obs := &recordingObserver{}
	v.Attach(obs)

	w := v.NewWorker()
	w2 := v.NewWorker()
	w2.Close()
	w2.Close()

	c, err := v.DefineClass("Watched", nil)
	if err != nil {
		t.Fatal(err)
	}
	define(v, c, "ping", 0, func(b *CompiledMethodBuilder) {
		b.Bytecode().Emit(OpPushSelf)
		b.Bytecode().Emit(OpReturnTop)
	})
	v.SetConstant("K", True)

	var traced []string
	v.SetTraceHook(func(ev TraceEvent) { traced = append(traced, ev.Class.Name+">>"+v.Selectors.Name(ev.Selector)) })
	v.SetTraceHook(func(TraceEvent) {})
	send(t, w, v.NewInstance(c), "ping")
	v.SetTraceHook(nil)
	w.Close()

	if len(obs.defined) != 1 || obs.defined[0] != v.Selectors.Intern("ping") {
		t.Errorf("definitions: %v", obs.defined)
	}
	if len(obs.consts) != 1 || obs.consts[0] != v.Selectors.Intern("K") {
		t.Errorf("constants: %v", obs.consts)
	}
	if len(obs.tracing) != 2 || !obs.tracing[0] || obs.tracing[1] {
		t.Errorf("tracing changes: %v", obs.tracing)
	}
	if want := []int{1, 2, 1, 0}; !equalInts(obs.workers, want) {
		t.Errorf("worker counts: %v, want %v", obs.workers, want)
	}
	if len(traced) != 0 {
		t.Errorf("replaced hook still called: %v", traced)
	}
}

func TestObserverRunsBeforeRedefinitionIsVisible(t *testing.T) {
	v := NewVM()
	obs := &recordingObserver{}
	v.Attach(obs)
	c, err := v.DefineClass("Swapped", nil)
	if err != nil {
		t.Fatal(err)
	}
	answer := func(k int8) func(b *CompiledMethodBuilder) {
		return func(b *CompiledMethodBuilder) {
			b.Bytecode().EmitInt8(OpPushInt8, k)
			b.Bytecode().Emit(OpReturnTop)
		}
	}
	first := define(v, c, "value", 0, answer(1))
	second := define(v, c, "value", 0, answer(2))

	if len(obs.before) != 2 {
		t.Fatalf("observer called %d times", len(obs.before))
	}
	if obs.before[0] != nil {
		t.Errorf("first definition visible before install: %v", obs.before[0])
	}
	if obs.before[1] != Method(first) {
		t.Error("redefinition was stored before the observer ran")
	}
	if c.Lookup(v.Selectors.Intern("value")) != Method(second) {
		t.Error("install did not store the new method")
	}
}

func TestTraceHookSeesSends(t *testing.T) {
	v, w := newTestVM(t)
	c := defineClass(t, v, "Traced")
	var events []TraceEvent
	v.SetTraceHook(func(ev TraceEvent) { events = append(events, ev) })
	send(t, w, v.NewInstance(c), "yourself")
	v.SetTraceHook(nil)
	if len(events) != 1 || events[0].Class != c || !events[0].Native {
		t.Errorf("events: %+v", events)
	}
	if v.TracingActive() {
		t.Error("tracing still active")
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
