package jit

import (
	"errors"
	"testing"

	"github.com/chazu/versa/vm"
)

func testMethod(name string) *vm.CompiledMethod {
	b := vm.NewCompiledMethodBuilder(name, 0)
	b.Bytecode().Emit(vm.OpPushNil)
	b.Bytecode().Emit(vm.OpReturnTop)
	return b.Build()
}

func ctxWithTop(t Type) Context {
	var ctx Context
	ctx.StackPush(t)
	return ctx
}

func TestRegistryFindPicksClosestVersion(t *testing.T) {
	r := newRegistry()
	id := BlockID{Method: testMethod("m"), Index: 0}
	generic := &Block{serial: 1, id: id, ctx: ctxWithTop(Unknown)}
	exact := &Block{serial: 2, id: id, ctx: ctxWithTop(Fixnum)}
	r.add(generic)
	r.add(exact)

	req := ctxWithTop(Fixnum)
	if got := r.find(id, &req); got != exact {
		t.Errorf("Fixnum request served by %v, want the Fixnum version", got)
	}
	req = ctxWithTop(String)
	if got := r.find(id, &req); got != generic {
		t.Errorf("String request served by %v, want the generic version", got)
	}
	req = Context{}
	if got := r.find(id, &req); got != nil {
		t.Errorf("empty stack request served by block %d", got.serial)
	}
	if n := r.count(id); n != 2 {
		t.Errorf("count = %d", n)
	}

	r.remove(exact)
	req = ctxWithTop(Fixnum)
	if got := r.find(id, &req); got != generic {
		t.Errorf("after removal got %v", got)
	}
	if len(r.all) != 2 {
		t.Errorf("inventory dropped a removed block: %d", len(r.all))
	}
	r.remove(generic)
	if _, ok := r.versions[id]; ok {
		t.Error("empty version list kept")
	}
}

func TestRegistryVersionLimit(t *testing.T) {
	const max = 3
	r := newRegistry()
	id := BlockID{Method: testMethod("m"), Index: 0}
	specific := ctxWithTop(Fixnum)
	specific.SelfType = HeapObject

	for i := 0; i < max-1; i++ {
		ctx, err := r.limitVersions(id, specific, max)
		if err != nil {
			t.Fatalf("version %d: %v", i, err)
		}
		if ctx != specific {
			t.Fatalf("version %d was generalized: %s", i, &ctx)
		}
		r.add(&Block{serial: i + 1, id: id, ctx: specific})
	}

	// The last slot is reserved for the generic version.
	ctx, err := r.limitVersions(id, specific, max)
	if err != nil {
		t.Fatal(err)
	}
	if want := specific.Generic(); ctx != want {
		t.Fatalf("last version context %s, want %s", &ctx, &want)
	}
	chained := specific
	chained.IncrementChainDepth()
	if _, err := r.limitVersions(id, chained, max); !errors.Is(err, ErrVersionLimit) {
		t.Errorf("chained request into the reserved slot: %v", err)
	}

	r.add(&Block{serial: max, id: id, ctx: ctx})
	if _, err := r.limitVersions(id, specific, max); !errors.Is(err, ErrVersionLimit) {
		t.Errorf("request beyond the cap: %v", err)
	}
	if n := r.count(id); n != max {
		t.Errorf("%d versions, cap %d", n, max)
	}

	// The generic version serves whatever the full position is asked for.
	other := ctxWithTop(String)
	if got := r.find(id, &other); got == nil || got.ctx != ctx {
		t.Errorf("generic version did not serve %s", &other)
	}

	// It does not serve another frame layout, and nothing else can be
	// compiled for one.
	for _, layout := range []func(*Context){
		func(c *Context) { c.Deferred = true },
		func(c *Context) { c.ReturnLanding = true },
		func(c *Context) { c.SPOffset = 1 },
	} {
		req := specific
		layout(&req)
		if got := r.find(id, &req); got != nil {
			t.Errorf("block %d served the layout %s", got.serial, &req)
		}
		if _, err := r.limitVersions(id, req, max); !errors.Is(err, ErrVersionLimit) {
			t.Errorf("layout %s at the cap: %v", &req, err)
		}
	}
}
