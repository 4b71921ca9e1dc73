package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/versa/jit"
	"github.com/chazu/versa/vm"
)

func openTestJournal(t *testing.T, opts ...Option) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRecordAndQuery(t *testing.T) {
	j := openTestJournal(t, WithBatchSize(2))
	at := time.Unix(1700000000, 42)
	events := []jit.Event{
		{Time: at, Kind: jit.EventCompile, Method: "Calc>>add:to:", Index: 0, Block: 1, Detail: "sp=0"},
		{Time: at, Kind: jit.EventInvalidate, Detail: "lookup Calc>>value"},
		{Time: at, Kind: jit.EventCompile, Method: "Calc>>add:to:", Index: 4, Block: 2},
	}
	for _, ev := range events {
		j.Record(ev)
	}
	if err := j.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	compiles, err := j.Query(context.Background(), jit.EventCompile)
	if err != nil {
		t.Fatal(err)
	}
	if len(compiles) != 2 {
		t.Fatalf("%d compile events, want 2", len(compiles))
	}
	if compiles[0].Block != 1 || compiles[1].Index != 4 {
		t.Errorf("compile events out of order: %+v", compiles)
	}
	if !compiles[0].Time.Equal(at) || compiles[0].Detail != "sp=0" {
		t.Errorf("round trip lost data: %+v", compiles[0])
	}

	all, err := j.Query(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 || all[1].Kind != jit.EventInvalidate {
		t.Errorf("all events: %+v", all)
	}

	counts, err := j.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts[jit.EventCompile] != 2 || counts[jit.EventInvalidate] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if j.Written() != 3 {
		t.Errorf("Written = %d", j.Written())
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		j.Record(jit.Event{Time: time.Now(), Kind: jit.EventCompile, Block: i})
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	j.Record(jit.Event{Kind: jit.EventCompile})
	if j.Dropped() != 1 {
		t.Errorf("Dropped = %d after recording into a closed journal", j.Dropped())
	}
	if err := j.Flush(context.Background()); err == nil {
		t.Error("Flush on a closed journal succeeded")
	}

	reopened := openAt(t, path)
	got, err := reopened.Query(context.Background(), jit.EventCompile)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 50 {
		t.Errorf("%d events after reopening, want 50", len(got))
	}
}

func openAt(t *testing.T, path string) *Journal {
	t.Helper()
	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestEngineEvents(t *testing.T) {
	j := openTestJournal(t)
	v := vm.NewVM()
	v.Profiler.SetThreshold(1)
	jit.New(v, jit.Options{Sink: j})
	w := v.NewWorker()
	defer w.Close()

	c, err := v.DefineClass("Answer", nil)
	if err != nil {
		t.Fatal(err)
	}
	define := func(n int8) {
		b := vm.NewCompiledMethodBuilder("value", 0)
		b.Bytecode().EmitInt8(vm.OpPushInt8, n)
		b.Bytecode().Emit(vm.OpReturnTop)
		v.DefineMethod(c, "value", b.Build())
	}
	define(1)
	caller := vm.NewCompiledMethodBuilder("ask", 0)
	caller.Bytecode().Emit(vm.OpPushSelf)
	caller.EmitSend(v.Selectors.Intern("value"), 0)
	caller.Bytecode().Emit(vm.OpReturnTop)
	v.DefineMethod(c, "ask", caller.Build())

	recv := v.NewInstance(c)
	for i := 0; i < 3; i++ {
		if _, err := w.Send(recv, "ask"); err != nil {
			t.Fatal(err)
		}
	}
	define(2)

	if err := j.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	counts, err := j.Counts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if counts[jit.EventCompile] == 0 {
		t.Errorf("no compile events journaled: %v", counts)
	}
	if counts[jit.EventInvalidate] == 0 {
		t.Errorf("redefinition not journaled: %v", counts)
	}
}
