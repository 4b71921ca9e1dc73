package jit

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/chazu/versa/jit/asm"
	"github.com/chazu/versa/vm"
)

// newTestEngine returns a VM whose methods compile on their first call,
// its engine and one worker.
func newTestEngine(t *testing.T, opts Options) (*vm.VM, *Engine, *vm.Interpreter) {
	t.Helper()
	v := vm.NewVM()
	v.Profiler.SetThreshold(1)
	opts.VerifyContext = true
	e := New(v, opts)
	w := v.NewWorker()
	t.Cleanup(w.Close)
	return v, e, w
}

func defineMethod(v *vm.VM, class *vm.Class, selector string, numArgs int, body func(b *vm.CompiledMethodBuilder)) *vm.CompiledMethod {
	b := vm.NewCompiledMethodBuilder(selector, numArgs)
	body(b)
	m := b.Build()
	v.DefineMethod(class, selector, m)
	return m
}

func mustSend(t *testing.T, w *vm.Interpreter, recv vm.Value, selector string, args ...vm.Value) vm.Value {
	t.Helper()
	got, err := w.Send(recv, selector, args...)
	if err != nil {
		t.Fatalf("%s: %v", selector, err)
	}
	return got
}

func mustDefineClass(t *testing.T, v *vm.VM, name string, ivars ...string) *vm.Class {
	t.Helper()
	c, err := v.DefineClass(name, nil, ivars...)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func int64Value(n int64) vm.Value { return vm.FromSmallInt(n) }

// ---------------------------------------------------------------------------
// Integer add: fast path, guard failure, overflow
// ---------------------------------------------------------------------------

func TestIntegerAddFastPathAndGuard(t *testing.T) {
	v, e, w := newTestEngine(t, Options{Stats: true})
	calc := mustDefineClass(t, v, "Calc")
	m := defineMethod(v, calc, "add:to:", 2, func(b *vm.CompiledMethodBuilder) {
		bc := b.Bytecode()
		bc.EmitByte(vm.OpPushTemp, 0)
		bc.EmitByte(vm.OpPushTemp, 1)
		bc.Emit(vm.OpSendPlus)
		bc.Emit(vm.OpReturnTop)
	})
	recv := v.NewInstance(calc)
	add := BlockID{Method: m, Index: 4}

	if got := mustSend(t, w, recv, "add:to:", int64Value(3), int64Value(4)); got != int64Value(7) {
		t.Fatalf("3 + 4 = %s", v.Format(got))
	}
	if n := e.VersionCount(add); n != 1 {
		t.Fatalf("add compiled in %d versions, want 1", n)
	}
	if got := mustSend(t, w, recv, "add:to:", int64Value(40), int64Value(2)); got != int64Value(42) {
		t.Fatalf("40 + 2 = %s", v.Format(got))
	}
	if n := e.VersionCount(add); n != 1 {
		t.Fatalf("integer operands recompiled the add: %d versions", n)
	}

	// A float argument fails the guard; the chained version handles it.
	got := mustSend(t, w, recv, "add:to:", int64Value(3), vm.FromFloat64(2.5))
	if !got.IsFloat() || got.Float64() != 5.5 {
		t.Fatalf("3 + 2.5 = %s", v.Format(got))
	}
	if n := e.VersionCount(add); n != 2 {
		t.Errorf("add has %d versions after a guard failure, want 2", n)
	}

	// Overflow leaves through the side exit and the interpreter promotes.
	got = mustSend(t, w, recv, "add:to:", int64Value(vm.MaxSmallInt), int64Value(1))
	if !got.IsFloat() || got.Float64() != float64(vm.MaxSmallInt)+1 {
		t.Fatalf("max + 1 = %s", v.Format(got))
	}
	if n := e.Stats().SideExits["SEND_PLUS"]; n == 0 {
		t.Error("overflow did not count a side exit at SEND_PLUS")
	}

	// Still correct for integers afterwards.
	if got := mustSend(t, w, recv, "add:to:", int64Value(-5), int64Value(2)); got != int64Value(-3) {
		t.Fatalf("-5 + 2 = %s", v.Format(got))
	}
}

// ---------------------------------------------------------------------------
// Redefinition invalidates cached lookups
// ---------------------------------------------------------------------------

func TestRedefinitionInvalidatesCallSite(t *testing.T) {
	v, e, w := newTestEngine(t, Options{})
	foo := mustDefineClass(t, v, "Foo")
	answer := func(n int8) func(b *vm.CompiledMethodBuilder) {
		return func(b *vm.CompiledMethodBuilder) {
			b.Bytecode().EmitInt8(vm.OpPushInt8, n)
			b.Bytecode().Emit(vm.OpReturnTop)
		}
	}
	defineMethod(v, foo, "value", 0, answer(1))
	caller := defineMethod(v, foo, "callValue", 0, func(b *vm.CompiledMethodBuilder) {
		b.Bytecode().Emit(vm.OpPushSelf)
		b.EmitSend(v.Selectors.Intern("value"), 0)
		b.Bytecode().Emit(vm.OpReturnTop)
	})
	obj := v.NewInstance(foo)

	for i := 0; i < 3; i++ {
		if got := mustSend(t, w, obj, "callValue"); got != int64Value(1) {
			t.Fatalf("call %d: got %s, want 1", i, v.Format(got))
		}
	}
	lookup := LookupStable(foo, v.Selectors.Intern("value"))
	if e.PatchPoints(lookup) == 0 {
		t.Fatal("send did not depend on the lookup")
	}
	send := BlockID{Method: caller, Index: 1}
	if e.VersionCount(send) == 0 {
		t.Fatal("send was not compiled")
	}
	before := e.Stats().Invalidations

	defineMethod(v, foo, "value", 0, answer(2))

	if e.PatchPoints(lookup) != 0 {
		t.Error("patch points survived invalidation")
	}
	if e.Stats().Invalidations == before {
		t.Error("redefinition did not invalidate")
	}
	if got := mustSend(t, w, obj, "callValue"); got != int64Value(2) {
		t.Fatalf("after redefinition got %s, want 2", v.Format(got))
	}
	if got := mustSend(t, w, obj, "callValue"); got != int64Value(2) {
		t.Fatalf("second call after redefinition got %s, want 2", v.Format(got))
	}
}

// ---------------------------------------------------------------------------
// Keyword orders and the version cap
// ---------------------------------------------------------------------------

func TestKeywordOrdersStayWithinVersionCap(t *testing.T) {
	const maxVersions = 4
	v, e, w := newTestEngine(t, Options{MaxVersions: maxVersions})
	x, y, z := v.Selectors.Intern("x"), v.Selectors.Intern("y"), v.Selectors.Intern("z")
	sel := v.Selectors.Intern("at")

	// Each class declares the same keywords in a different order; every
	// method answers x - y + z, so reordering mistakes change the result.
	orders := [][]int{{x, y, z}, {y, x, z}, {z, x, y}, {x, z, y}, {y, z, x}, {z, y, x}}
	var receivers []vm.Value
	for i, order := range orders {
		class := mustDefineClass(t, v, "Kw"+string(rune('A'+i)))
		defineMethod(v, class, "at", 0, func(b *vm.CompiledMethodBuilder) {
			local := make(map[int]byte, len(order))
			for _, name := range order {
				if name == z {
					local[name] = byte(b.AddKeyword(name, int64Value(100)))
				} else {
					local[name] = byte(b.AddRequiredKeyword(name))
				}
			}
			bc := b.Bytecode()
			bc.EmitByte(vm.OpPushTemp, local[x])
			bc.EmitByte(vm.OpPushTemp, local[y])
			bc.Emit(vm.OpSendMinus)
			bc.EmitByte(vm.OpPushTemp, local[z])
			bc.Emit(vm.OpSendPlus)
			bc.Emit(vm.OpReturnTop)
		})
		receivers = append(receivers, v.NewInstance(class))
	}

	driver := mustDefineClass(t, v, "Driver")
	caller := defineMethod(v, driver, "call:", 1, func(b *vm.CompiledMethodBuilder) {
		bc := b.Bytecode()
		bc.EmitByte(vm.OpPushTemp, 0)
		bc.EmitInt8(vm.OpPushInt8, 3) // y
		bc.EmitInt8(vm.OpPushInt8, 5) // x
		b.EmitSend(sel, 0, y, x)
		bc.Emit(vm.OpReturnTop)
	})
	d := v.NewInstance(driver)
	send := BlockID{Method: caller, Index: 6}

	for round := 0; round < 5; round++ {
		for i, r := range receivers {
			got := mustSend(t, w, d, "call:", r)
			if got != int64Value(102) {
				t.Fatalf("round %d receiver %d: got %s, want 102", round, i, v.Format(got))
			}
			if n := e.VersionCount(send); n > maxVersions {
				t.Fatalf("send has %d versions, cap is %d", n, maxVersions)
			}
		}
	}
	if e.Stats().VersionLimitHits == 0 {
		t.Error("six receiver classes never reached the version cap")
	}
	if e.Stats().IseqSends == 0 {
		t.Error("no send was compiled as a direct call")
	}
}

// ---------------------------------------------------------------------------
// Call strategies
// ---------------------------------------------------------------------------

func TestNativeSend(t *testing.T) {
	v, e, w := newTestEngine(t, Options{})
	c := mustDefineClass(t, v, "Sizer")
	defineMethod(v, c, "sizeOf:", 1, func(b *vm.CompiledMethodBuilder) {
		b.Bytecode().EmitByte(vm.OpPushTemp, 0)
		b.EmitSend(v.Selectors.Intern("size"), 0)
		b.Bytecode().Emit(vm.OpReturnTop)
	})
	recv := v.NewInstance(c)
	for _, s := range []string{"", "abc", "hello"} {
		if got := mustSend(t, w, recv, "sizeOf:", v.NewString(s)); got != int64Value(int64(len(s))) {
			t.Errorf("size of %q = %s", s, v.Format(got))
		}
	}
	if e.Stats().NativeSends == 0 {
		t.Error("String>>size was not called natively")
	}
}

func TestAccessorSends(t *testing.T) {
	v, e, w := newTestEngine(t, Options{})
	point := mustDefineClass(t, v, "Point", "x")
	v.DefineAccessors(point, "x")
	user := mustDefineClass(t, v, "User")
	defineMethod(v, user, "move:to:", 2, func(b *vm.CompiledMethodBuilder) {
		bc := b.Bytecode()
		bc.EmitByte(vm.OpPushTemp, 0)
		bc.EmitByte(vm.OpPushTemp, 1)
		b.EmitSend(v.Selectors.Intern("x:"), 1)
		bc.Emit(vm.OpPOP)
		bc.EmitByte(vm.OpPushTemp, 0)
		b.EmitSend(v.Selectors.Intern("x"), 0)
		bc.Emit(vm.OpReturnTop)
	})
	u := v.NewInstance(user)
	p := v.NewInstance(point)
	for i := int64(0); i < 4; i++ {
		if got := mustSend(t, w, u, "move:to:", p, int64Value(i*10)); got != int64Value(i*10) {
			t.Fatalf("move %d: got %s", i, v.Format(got))
		}
	}
	if got := v.GetIvar(p, v.Selectors.Intern("x")); got != int64Value(30) {
		t.Errorf("x = %s, want 30", v.Format(got))
	}
	if e.Stats().AccessorSends < 2 {
		t.Errorf("accessor sends = %d, want both reader and writer", e.Stats().AccessorSends)
	}
}

func TestBuiltinIsNilIsPolymorphic(t *testing.T) {
	v, e, w := newTestEngine(t, Options{})
	c := mustDefineClass(t, v, "Checker")
	defineMethod(v, c, "check:", 1, func(b *vm.CompiledMethodBuilder) {
		b.Bytecode().EmitByte(vm.OpPushTemp, 0)
		b.EmitSend(v.Selectors.Intern("isNil"), 0)
		b.Bytecode().Emit(vm.OpReturnTop)
	})
	recv := v.NewInstance(c)
	cases := []struct {
		arg  vm.Value
		want vm.Value
	}{
		{vm.Nil, vm.True},
		{recv, vm.False},
		{int64Value(3), vm.False},
		{vm.Nil, vm.True},
	}
	for i, tc := range cases {
		if got := mustSend(t, w, recv, "check:", tc.arg); got != tc.want {
			t.Errorf("case %d: isNil of %s = %s", i, v.Format(tc.arg), v.Format(got))
		}
	}
	if e.Stats().BuiltinSends < 3 {
		t.Errorf("builtin sends = %d, want one per receiver class", e.Stats().BuiltinSends)
	}
}

func TestLoopWithBranches(t *testing.T) {
	v, _, w := newTestEngine(t, Options{})
	c := mustDefineClass(t, v, "Summer")
	defineMethod(v, c, "sumTo:", 1, func(b *vm.CompiledMethodBuilder) {
		acc, i := b.AddLocal(), b.AddLocal()
		bc := b.Bytecode()
		bc.EmitInt8(vm.OpPushInt8, 0)
		bc.EmitByte(vm.OpPopTemp, byte(acc))
		bc.EmitInt8(vm.OpPushInt8, 0)
		bc.EmitByte(vm.OpPopTemp, byte(i))
		loop, done := bc.NewLabel(), bc.NewLabel()
		bc.Mark(loop)
		bc.EmitByte(vm.OpPushTemp, byte(i))
		bc.EmitByte(vm.OpPushTemp, 0)
		bc.Emit(vm.OpSendLT)
		bc.EmitJump(vm.OpJumpFalse, done)
		bc.EmitByte(vm.OpPushTemp, byte(acc))
		bc.EmitByte(vm.OpPushTemp, byte(i))
		bc.Emit(vm.OpSendPlus)
		bc.EmitByte(vm.OpPopTemp, byte(acc))
		bc.EmitByte(vm.OpPushTemp, byte(i))
		bc.EmitInt8(vm.OpPushInt8, 1)
		bc.Emit(vm.OpSendPlus)
		bc.EmitByte(vm.OpPopTemp, byte(i))
		bc.EmitJump(vm.OpJump, loop)
		bc.Mark(done)
		bc.EmitByte(vm.OpPushTemp, byte(acc))
		bc.Emit(vm.OpReturnTop)
	})
	recv := v.NewInstance(c)
	for _, n := range []int64{0, 1, 10, 100} {
		want := n * (n - 1) / 2
		if got := mustSend(t, w, recv, "sumTo:", int64Value(n)); got != int64Value(want) {
			t.Errorf("sumTo: %d = %s, want %d", n, v.Format(got), want)
		}
	}
}

// ---------------------------------------------------------------------------
// Assumptions
// ---------------------------------------------------------------------------

func TestConstantChangeInvalidates(t *testing.T) {
	v, e, w := newTestEngine(t, Options{})
	v.SetConstant("Answer", int64Value(42))
	c := mustDefineClass(t, v, "Reader")
	defineMethod(v, c, "answer", 0, func(b *vm.CompiledMethodBuilder) {
		b.Bytecode().EmitUint16(vm.OpPushConst, uint16(v.Selectors.Intern("Answer")))
		b.Bytecode().Emit(vm.OpReturnTop)
	})
	recv := v.NewInstance(c)
	if got := mustSend(t, w, recv, "answer"); got != int64Value(42) {
		t.Fatalf("got %s", v.Format(got))
	}
	if e.PatchPoints(ConstantStable(v.Selectors.Intern("Answer"))) == 0 {
		t.Fatal("constant was not inlined")
	}
	v.SetConstant("Answer", int64Value(43))
	if got := mustSend(t, w, recv, "answer"); got != int64Value(43) {
		t.Fatalf("after assignment got %s, want 43", v.Format(got))
	}
}

func TestSecondWorkerInvalidatesObjectConstants(t *testing.T) {
	v, e, w := newTestEngine(t, Options{})
	holder := mustDefineClass(t, v, "Holder")
	obj := v.NewInstance(holder)
	v.SetConstant("Shared", obj)
	defineMethod(v, holder, "shared", 0, func(b *vm.CompiledMethodBuilder) {
		b.Bytecode().EmitUint16(vm.OpPushConst, uint16(v.Selectors.Intern("Shared")))
		b.Bytecode().Emit(vm.OpReturnTop)
	})
	if got := mustSend(t, w, obj, "shared"); got != obj {
		t.Fatalf("got %s", v.Format(got))
	}
	single := Assumption{Kind: SingleWorker}
	if e.PatchPoints(single) == 0 {
		t.Fatal("object constant did not assume a single worker")
	}
	refs := 0
	e.ForEachEmbeddedRef(func(val vm.Value, _ asm.CodePtr) {
		if val == obj {
			refs++
		}
	})
	if refs == 0 {
		t.Error("embedded object reference was not reported")
	}

	w2 := v.NewWorker()
	defer w2.Close()
	if e.PatchPoints(single) != 0 {
		t.Error("second worker left single-worker code in place")
	}
	if got := mustSend(t, w2, obj, "shared"); got != obj {
		t.Fatalf("second worker got %s", v.Format(got))
	}
}

func TestTracingInvalidatesEverything(t *testing.T) {
	v, e, w := newTestEngine(t, Options{})
	c := mustDefineClass(t, v, "Traced")
	defineMethod(v, c, "inner", 0, func(b *vm.CompiledMethodBuilder) {
		b.Bytecode().EmitInt8(vm.OpPushInt8, 7)
		b.Bytecode().Emit(vm.OpReturnTop)
	})
	defineMethod(v, c, "outer", 0, func(b *vm.CompiledMethodBuilder) {
		b.Bytecode().Emit(vm.OpPushSelf)
		b.EmitSend(v.Selectors.Intern("printString"), 0)
		b.Bytecode().Emit(vm.OpPOP)
		b.Bytecode().Emit(vm.OpPushSelf)
		b.EmitSend(v.Selectors.Intern("inner"), 0)
		b.Bytecode().Emit(vm.OpReturnTop)
	})
	recv := v.NewInstance(c)
	if got := mustSend(t, w, recv, "outer"); got != int64Value(7) {
		t.Fatalf("got %s", v.Format(got))
	}

	var mu sync.Mutex
	var traced []string
	v.SetTraceHook(func(ev vm.TraceEvent) {
		mu.Lock()
		traced = append(traced, v.Selectors.Name(ev.Selector))
		mu.Unlock()
	})
	for _, b := range e.Blocks() {
		if !b.Invalidated {
			t.Errorf("block %d (%s@%d) survived tracing", b.Serial, b.Method, b.Index)
		}
	}
	if got := mustSend(t, w, recv, "outer"); got != int64Value(7) {
		t.Fatalf("traced call got %s", v.Format(got))
	}
	mu.Lock()
	joined := strings.Join(traced, " ")
	mu.Unlock()
	if !strings.Contains(joined, "inner") {
		t.Errorf("trace hook saw %q, want the inner send", joined)
	}
	v.SetTraceHook(nil)
	if got := mustSend(t, w, recv, "outer"); got != int64Value(7) {
		t.Fatalf("after tracing got %s", v.Format(got))
	}
}

// ---------------------------------------------------------------------------
// Resource limits and inspection
// ---------------------------------------------------------------------------

func TestCodeBufferFullFallsBack(t *testing.T) {
	v, e, w := newTestEngine(t, Options{InlineSize: 4, OutlinedSize: 4})
	c := mustDefineClass(t, v, "Big")
	defineMethod(v, c, "sum", 0, func(b *vm.CompiledMethodBuilder) {
		bc := b.Bytecode()
		bc.EmitInt8(vm.OpPushInt8, 1)
		for i := 0; i < 10; i++ {
			bc.EmitInt8(vm.OpPushInt8, 1)
			bc.Emit(vm.OpSendPlus)
		}
		bc.Emit(vm.OpReturnTop)
	})
	recv := v.NewInstance(c)
	for i := 0; i < 3; i++ {
		if got := mustSend(t, w, recv, "sum"); got != int64Value(11) {
			t.Fatalf("got %s, want 11", v.Format(got))
		}
	}
	s := e.Stats()
	if s.CompileFailures == 0 || !s.CodeFull {
		t.Errorf("compile failures %d, code full %t", s.CompileFailures, s.CodeFull)
	}
}

func TestFailedCompileIsNotRetried(t *testing.T) {
	typed := Context{}
	typed.LocalTypes[0] = Fixnum

	tests := []struct {
		name string
		ctx  Context
	}{
		{"plain", Context{}},
		{"generalized at the cap", typed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, e, _ := newTestEngine(t, Options{InlineSize: 4, OutlinedSize: 4, MaxVersions: 1})
			c := mustDefineClass(t, v, "Big")
			m := defineMethod(v, c, "sum", 0, func(b *vm.CompiledMethodBuilder) {
				bc := b.Bytecode()
				bc.EmitInt8(vm.OpPushInt8, 1)
				for i := 0; i < 10; i++ {
					bc.EmitInt8(vm.OpPushInt8, 1)
					bc.Emit(vm.OpSendPlus)
				}
				bc.Emit(vm.OpReturnTop)
			})
			id := BlockID{Method: m}

			if _, err := e.RequestBlock(id, tt.ctx, nil); !errors.Is(err, ErrCodeBufferFull) {
				t.Fatalf("first request: %v", err)
			}
			for i := 0; i < 2; i++ {
				if _, err := e.RequestBlock(id, tt.ctx, nil); !errors.Is(err, ErrCannotCompile) {
					t.Errorf("repeat %d: %v", i, err)
				}
			}
			if n := e.Stats().CompileFailures; n != 1 {
				t.Errorf("compile failures = %d, want 1", n)
			}
		})
	}
}

type panickingSink struct{}

func (panickingSink) Record(Event) { panic("sink failed") }

func TestPanicDuringEntryReleasesLock(t *testing.T) {
	v, e, _ := newTestEngine(t, Options{Sink: panickingSink{}})
	c := mustDefineClass(t, v, "Loud")
	m := defineMethod(v, c, "one", 0, func(b *vm.CompiledMethodBuilder) {
		b.Bytecode().EmitInt8(vm.OpPushInt8, 1)
		b.Bytecode().Emit(vm.OpReturnTop)
	})

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Error("sink panic did not propagate")
			}
		}()
		e.entryBlock(m, nil)
	}()

	if !e.mu.TryLock() {
		t.Fatal("engine lock still held after the panic")
	}
	e.mu.Unlock()
	if got := e.Stats(); got.BlocksCompiled != 1 {
		t.Errorf("blocks compiled = %d", got.BlocksCompiled)
	}
}

func TestRequestBlock(t *testing.T) {
	v, e, _ := newTestEngine(t, Options{})
	c := mustDefineClass(t, v, "Req")
	m := defineMethod(v, c, "one", 0, func(b *vm.CompiledMethodBuilder) {
		b.Bytecode().EmitInt8(vm.OpPushInt8, 1)
		b.Bytecode().Emit(vm.OpReturnTop)
	})
	if _, err := e.RequestBlock(BlockID{Method: m, Index: 99}, Context{}, nil); !errors.Is(err, ErrInvalidBlock) {
		t.Errorf("out of range index: %v", err)
	}
	p1, err := e.RequestBlock(BlockID{Method: m}, Context{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := e.RequestBlock(BlockID{Method: m}, Context{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Errorf("same request compiled twice: %s, %s", p1, p2)
	}

	blocks := e.Blocks()
	if len(blocks) != 1 {
		t.Fatalf("%d blocks", len(blocks))
	}
	text, err := e.Disasm(blocks[0].Serial)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"PUSH_INT8", "leave"} {
		if !strings.Contains(text, want) {
			t.Errorf("disassembly lacks %q:\n%s", want, text)
		}
	}
	if _, err := e.Disasm(12345); err == nil {
		t.Error("disassembling a missing block succeeded")
	}
}

func TestDeferredSendCompilesOnArrival(t *testing.T) {
	v, e, w := newTestEngine(t, Options{})
	c := mustDefineClass(t, v, "Later")
	defineMethod(v, c, "value", 0, func(b *vm.CompiledMethodBuilder) {
		b.Bytecode().EmitInt8(vm.OpPushInt8, 7)
		b.Bytecode().Emit(vm.OpReturnTop)
	})
	value := v.Selectors.Intern("value")
	ask := defineMethod(v, c, "ask", 0, func(b *vm.CompiledMethodBuilder) {
		b.Bytecode().Emit(vm.OpPushSelf)
		b.EmitSend(value, 0)
		b.Bytecode().Emit(vm.OpReturnTop)
	})

	// Without a worker the send has no receiver to look at.
	if _, err := e.RequestBlock(BlockID{Method: ask}, Context{}, nil); err != nil {
		t.Fatal(err)
	}
	if n := e.Stats().Deferrals; n != 1 {
		t.Fatalf("Deferrals = %d, want 1", n)
	}
	for _, b := range e.Blocks() {
		if b.Method == "Later>>ask" && b.Index == 1 {
			t.Fatal("send compiled before any worker reached it")
		}
	}

	if got := mustSend(t, w, v.NewInstance(c), "ask"); got != int64Value(7) {
		t.Errorf("ask = %s", v.Format(got))
	}
	found := false
	for _, b := range e.Blocks() {
		if b.Method == "Later>>ask" && b.Index == 1 {
			found = true
		}
	}
	if !found {
		t.Error("deferred send was not compiled when reached")
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestConcurrentWorkersSurviveRedefinition(t *testing.T) {
	v, _, _ := newTestEngine(t, Options{})
	c := mustDefineClass(t, v, "Shared")
	value := func(n int8) func(b *vm.CompiledMethodBuilder) {
		return func(b *vm.CompiledMethodBuilder) {
			b.Bytecode().EmitInt8(vm.OpPushInt8, n)
			b.Bytecode().Emit(vm.OpReturnTop)
		}
	}
	defineMethod(v, c, "value", 0, value(1))
	defineMethod(v, c, "compute", 0, func(b *vm.CompiledMethodBuilder) {
		bc := b.Bytecode()
		bc.Emit(vm.OpPushSelf)
		b.EmitSend(v.Selectors.Intern("value"), 0)
		bc.EmitInt8(vm.OpPushInt8, 1)
		bc.Emit(vm.OpSendPlus)
		bc.Emit(vm.OpReturnTop)
	})

	const workers, calls = 4, 200
	var wg sync.WaitGroup
	errs := make(chan string, workers)
	for i := 0; i < workers; i++ {
		w := v.NewWorker()
		obj := v.NewInstance(c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.Close()
			for j := 0; j < calls; j++ {
				got, err := w.Send(obj, "compute")
				if err != nil {
					errs <- err.Error()
					return
				}
				if got != int64Value(2) && got != int64Value(3) {
					errs <- "unexpected result " + v.Format(got)
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		defineMethod(v, c, "value", 0, value(int8(1+i%2)))
	}
	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Error(msg)
	}
}
