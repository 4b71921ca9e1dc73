package jit

import (
	"testing"

	"github.com/chazu/versa/vm"
)

func TestTypeDiff(t *testing.T) {
	tests := []struct {
		src, dst Type
		want     int
	}{
		{Fixnum, Fixnum, 0},
		{Fixnum, Unknown, 1},
		{Fixnum, UnknownImm, 1},
		{Fixnum, UnknownHeap, Incompatible},
		{String, HeapObject, 1},
		{String, UnknownHeap, 1},
		{HeapObject, String, Incompatible},
		{Unknown, Fixnum, Incompatible},
		{Nil, False, Incompatible},
	}
	for _, tt := range tests {
		if got := tt.src.Diff(tt.dst); got != tt.want {
			t.Errorf("%s.Diff(%s) = %d, want %d", tt.src, tt.dst, got, tt.want)
		}
	}
}

func TestTypeUpgradeIsMonotonic(t *testing.T) {
	ty := Unknown
	ty.Upgrade(UnknownImm)
	ty.Upgrade(Fixnum)
	if ty != Fixnum {
		t.Fatalf("type = %s, want Fixnum", ty)
	}

	defer func() {
		if recover() == nil {
			t.Error("upgrading Fixnum to Flonum did not panic")
		}
	}()
	ty.Upgrade(Flonum)
}

func TestTypeOf(t *testing.T) {
	v := vm.NewVM()
	obj := v.NewInstance(v.ObjectClass)
	tests := []struct {
		val  vm.Value
		want Type
	}{
		{vm.FromSmallInt(3), Fixnum},
		{vm.FromFloat64(1.5), Flonum},
		{vm.Nil, Nil},
		{vm.True, True},
		{vm.False, False},
		{v.NewString("s"), String},
		{obj, HeapObject},
	}
	for _, tt := range tests {
		if got := TypeOf(v, tt.val); got != tt.want {
			t.Errorf("TypeOf(%s) = %s, want %s", v.Format(tt.val), got, tt.want)
		}
	}
}

func TestKnownTruthiness(t *testing.T) {
	for _, ty := range []Type{Nil, False} {
		if truthy, known := ty.KnownTruthiness(); truthy || !known {
			t.Errorf("%s: truthy %t known %t", ty, truthy, known)
		}
	}
	for _, ty := range []Type{True, Fixnum, String} {
		if truthy, known := ty.KnownTruthiness(); !truthy || !known {
			t.Errorf("%s: truthy %t known %t", ty, truthy, known)
		}
	}
	if _, known := Unknown.KnownTruthiness(); known {
		t.Error("Unknown has known truthiness")
	}
}

func TestContextStack(t *testing.T) {
	var ctx Context
	if off := ctx.StackPush(Fixnum); off != 0 {
		t.Errorf("first push at %d, want 0", off)
	}
	ctx.StackPush(String)
	if ctx.StackSize != 2 || ctx.SPOffset != 2 {
		t.Fatalf("size %d offset %d", ctx.StackSize, ctx.SPOffset)
	}
	if got := ctx.OpndType(StackOpnd(0)); got != String {
		t.Errorf("top = %s", got)
	}
	if got := ctx.OpndType(StackOpnd(1)); got != Fixnum {
		t.Errorf("second = %s", got)
	}

	if top := ctx.StackPop(1); top != 1 {
		t.Errorf("popped slot at %d, want 1", top)
	}
	if got := ctx.OpndType(StackOpnd(0)); got != Fixnum {
		t.Errorf("top after pop = %s", got)
	}

	ctx.ShiftSP(1)
	if ctx.SPOffset != 0 || ctx.StackSize != 1 {
		t.Errorf("after shift: size %d offset %d", ctx.StackSize, ctx.SPOffset)
	}
	if off := ctx.StackOpnd(0); off != -1 {
		t.Errorf("top at %d after materializing", off)
	}
}

func TestContextPopUnderflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("popping an empty stack did not panic")
		}
	}()
	var ctx Context
	ctx.StackPop(1)
}

func TestContextDeepSlotsAreUnknown(t *testing.T) {
	var ctx Context
	for i := 0; i < MaxTempTypes+2; i++ {
		ctx.StackPush(Fixnum)
	}
	if got := ctx.OpndType(StackOpnd(0)); got != Unknown {
		t.Errorf("untracked top slot = %s", got)
	}
	if got := ctx.OpndType(StackOpnd(MaxTempTypes + 1)); got != Fixnum {
		t.Errorf("bottom slot = %s", got)
	}
	ctx.UpgradeOpndType(StackOpnd(0), Fixnum)
	if got := ctx.OpndType(StackOpnd(0)); got != Unknown {
		t.Errorf("upgrade of untracked slot stuck: %s", got)
	}
}

func TestContextMappings(t *testing.T) {
	var ctx Context
	ctx.StackPushLocal(2)
	ctx.StackPushSelf()

	// Learning about a copy teaches the source.
	ctx.UpgradeOpndType(StackOpnd(1), Fixnum)
	if got := ctx.LocalType(2); got != Fixnum {
		t.Errorf("local 2 = %s", got)
	}
	ctx.UpgradeOpndType(StackOpnd(0), HeapObject)
	if ctx.SelfType != HeapObject {
		t.Errorf("self = %s", ctx.SelfType)
	}

	// Storing to the local detaches the copy, which keeps the old type.
	ctx.SetLocalType(2, Unknown)
	m, ty := ctx.OpndMapping(StackOpnd(1))
	if m.Kind != MapToStack || ty != Fixnum {
		t.Errorf("copy of local after store: %s %s", m, ty)
	}
	if got := ctx.LocalType(2); got != Unknown {
		t.Errorf("local 2 after store = %s", got)
	}

	// Forgetting locals preserves what the stack already knew.
	ctx.StackPushLocal(3)
	ctx.UpgradeOpndType(StackOpnd(0), Flonum)
	ctx.ClearLocalTypes()
	if got := ctx.OpndType(StackOpnd(0)); got != Flonum {
		t.Errorf("copy after clearing locals = %s", got)
	}
	if got := ctx.LocalType(3); got != Unknown {
		t.Errorf("local 3 after clear = %s", got)
	}

	if got := ctx.LocalType(MaxLocalTypes + 4); got != Unknown {
		t.Errorf("untracked local = %s", got)
	}
}

func TestContextDiff(t *testing.T) {
	var generic Context
	generic.StackPush(Unknown)

	specific := generic
	specific.UpgradeOpndType(StackOpnd(0), Fixnum)
	specific.SelfType = HeapObject

	if d := specific.Diff(&specific); d != 0 {
		t.Errorf("identical diff = %d", d)
	}
	if d := specific.Diff(&generic); d != 2 {
		t.Errorf("specific served by generic = %d, want 2", d)
	}
	if d := generic.Diff(&specific); d != Incompatible {
		t.Errorf("generic served by specific = %d", d)
	}

	deeper := generic
	deeper.StackPush(Unknown)
	if d := generic.Diff(&deeper); d != Incompatible {
		t.Errorf("different stack sizes = %d", d)
	}

	chained := generic
	chained.IncrementChainDepth()
	if d := chained.Diff(&chained); d != Incompatible {
		t.Errorf("chained context matched itself: %d", d)
	}

	deferred := generic
	deferred.Deferred = true
	if d := generic.Diff(&deferred); d != Incompatible {
		t.Errorf("deferred served plain request: %d", d)
	}
}

func TestContextDiffMappings(t *testing.T) {
	var fromLocal Context
	fromLocal.StackPushLocal(0)
	var plain Context
	plain.StackPush(Unknown)

	if d := fromLocal.Diff(&plain); d != 1 {
		t.Errorf("mapped slot served by plain slot = %d, want 1", d)
	}
	if d := plain.Diff(&fromLocal); d != Incompatible {
		t.Errorf("plain slot served by mapped slot = %d", d)
	}
}

func TestContextGeneric(t *testing.T) {
	var ctx Context
	ctx.StackPush(Fixnum)
	ctx.SelfType = HeapObject
	ctx.SetLocalType(0, String)
	ctx.IncrementChainDepth()
	ctx.Deferred = true

	g := ctx.Generic()
	if g.StackSize != 1 || g.SPOffset != 1 || !g.Deferred {
		t.Errorf("generic lost layout: %s", &g)
	}
	if g.ChainDepth != 0 || g.SelfType != Unknown || g.LocalType(0) != Unknown {
		t.Errorf("generic kept specialization: %s", &g)
	}

	ctx.ChainDepth = 0
	if d := ctx.Diff(&g); d == Incompatible {
		t.Errorf("generic cannot serve %s", &ctx)
	}
}
