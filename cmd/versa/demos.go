package main

import (
	"fmt"
	"sort"

	"github.com/chazu/versa/vm"
)

// step runs iteration i of a workload on a worker.
type step func(w *vm.Interpreter, i int) (vm.Value, error)

// demo is a built-in workload. setup defines its classes on v and returns
// the step for a run of n iterations.
type demo struct {
	about      string
	iterations int
	setup      func(v *vm.VM, n int) (step, error)
}

var demos = map[string]demo{
	"add": {
		about:      "integer and float addition through one operator site",
		iterations: 1000,
		setup:      setupAdd,
	},
	"fib": {
		about:      "recursive fib: 15, interpreted-to-interpreted calls",
		iterations: 50,
		setup:      setupFib,
	},
	"kwargs": {
		about:      "keyword sends in varying order with a defaulted keyword",
		iterations: 1000,
		setup:      setupKwargs,
	},
	"redefine": {
		about:      "a callee redefined halfway through, invalidating its callers",
		iterations: 1000,
		setup:      setupRedefine,
	},
	"poly": {
		about:      "one send site that sees three receiver classes",
		iterations: 1000,
		setup:      setupPoly,
	},
}

func demoNames() []string {
	names := make([]string, 0, len(demos))
	for name := range demos {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupDemo(name string) (demo, error) {
	d, ok := demos[name]
	if !ok {
		return demo{}, fmt.Errorf("unknown demo %q (have %v)", name, demoNames())
	}
	return d, nil
}

func define(v *vm.VM, class *vm.Class, selector string, numArgs int, body func(b *vm.CompiledMethodBuilder)) {
	b := vm.NewCompiledMethodBuilder(selector, numArgs)
	body(b)
	v.DefineMethod(class, selector, b.Build())
}

func setupAdd(v *vm.VM, _ int) (step, error) {
	c, err := v.DefineClass("Adder", nil)
	if err != nil {
		return nil, err
	}
	define(v, c, "add:to:", 2, func(b *vm.CompiledMethodBuilder) {
		b.Bytecode().EmitByte(vm.OpPushTemp, 0)
		b.Bytecode().EmitByte(vm.OpPushTemp, 1)
		b.Bytecode().Emit(vm.OpSendPlus)
		b.Bytecode().Emit(vm.OpReturnTop)
	})
	recv := v.NewInstance(c)
	return func(w *vm.Interpreter, i int) (vm.Value, error) {
		other := vm.FromSmallInt(1)
		if i%10 == 9 {
			other = vm.FromFloat64(0.5)
		}
		return w.Send(recv, "add:to:", vm.FromSmallInt(int64(i)), other)
	}, nil
}

// setupFib defines
//
//	fib: n  ^n < 2 ifTrue: [n] ifFalse: [(self fib: n - 1) + (self fib: n - 2)]
func setupFib(v *vm.VM, _ int) (step, error) {
	c, err := v.DefineClass("Fib", nil)
	if err != nil {
		return nil, err
	}
	fib := v.Selectors.Intern("fib:")
	define(v, c, "fib:", 1, func(b *vm.CompiledMethodBuilder) {
		bc := b.Bytecode()
		recurse := bc.NewLabel()
		bc.EmitByte(vm.OpPushTemp, 0)
		bc.EmitInt8(vm.OpPushInt8, 2)
		bc.Emit(vm.OpSendLT)
		bc.EmitJump(vm.OpJumpFalse, recurse)
		bc.EmitByte(vm.OpPushTemp, 0)
		bc.Emit(vm.OpReturnTop)
		bc.Mark(recurse)
		for _, d := range []int8{1, 2} {
			bc.Emit(vm.OpPushSelf)
			bc.EmitByte(vm.OpPushTemp, 0)
			bc.EmitInt8(vm.OpPushInt8, d)
			bc.Emit(vm.OpSendMinus)
			b.EmitSend(fib, 1)
		}
		bc.Emit(vm.OpSendPlus)
		bc.Emit(vm.OpReturnTop)
	})
	recv := v.NewInstance(c)
	return func(w *vm.Interpreter, _ int) (vm.Value, error) {
		return w.Send(recv, "fib:", vm.FromSmallInt(15))
	}, nil
}

// setupKwargs defines Box>>volume with required width and height and a
// depth that defaults to 1.
func setupKwargs(v *vm.VM, _ int) (step, error) {
	c, err := v.DefineClass("Box", nil)
	if err != nil {
		return nil, err
	}
	width, height, depth := v.Selectors.Intern("width"), v.Selectors.Intern("height"), v.Selectors.Intern("depth")
	volume := v.Selectors.Intern("volume")
	define(v, c, "volume", 0, func(b *vm.CompiledMethodBuilder) {
		w := b.AddRequiredKeyword(width)
		h := b.AddRequiredKeyword(height)
		d := b.AddKeyword(depth, vm.FromSmallInt(1))
		bc := b.Bytecode()
		bc.EmitByte(vm.OpPushTemp, byte(w))
		bc.EmitByte(vm.OpPushTemp, byte(h))
		bc.Emit(vm.OpSendPlus)
		bc.EmitByte(vm.OpPushTemp, byte(d))
		bc.Emit(vm.OpSendPlus)
		bc.Emit(vm.OpReturnTop)
	})
	sites := []*vm.CallSite{
		{Selector: volume, Keywords: []int{width, height}},
		{Selector: volume, Keywords: []int{height, width}},
		{Selector: volume, Keywords: []int{depth, height, width}},
	}
	recv := v.NewInstance(c)
	return func(w *vm.Interpreter, i int) (vm.Value, error) {
		cs := sites[i%len(sites)]
		kwargs := make([]vm.Value, len(cs.Keywords))
		for k := range kwargs {
			kwargs[k] = vm.FromSmallInt(int64(10 * (k + 1)))
		}
		return w.SendKeywords(recv, cs, nil, kwargs)
	}, nil
}

// setupRedefine defines Greeter>>ask, which sends value, and swaps value's
// body halfway through the run.
func setupRedefine(v *vm.VM, n int) (step, error) {
	c, err := v.DefineClass("Greeter", nil)
	if err != nil {
		return nil, err
	}
	answer := func(k int8) func(b *vm.CompiledMethodBuilder) {
		return func(b *vm.CompiledMethodBuilder) {
			b.Bytecode().EmitInt8(vm.OpPushInt8, k)
			b.Bytecode().Emit(vm.OpReturnTop)
		}
	}
	define(v, c, "value", 0, answer(1))
	value := v.Selectors.Intern("value")
	define(v, c, "ask", 0, func(b *vm.CompiledMethodBuilder) {
		b.Bytecode().Emit(vm.OpPushSelf)
		b.EmitSend(value, 0)
		b.Bytecode().Emit(vm.OpReturnTop)
	})
	recv := v.NewInstance(c)
	half := n / 2
	return func(w *vm.Interpreter, i int) (vm.Value, error) {
		if i == half {
			define(v, c, "value", 0, answer(2))
		}
		return w.Send(recv, "ask")
	}, nil
}

// setupPoly defines sides on three shapes and a Survey>>sidesOf: that
// sends it to its argument.
func setupPoly(v *vm.VM, _ int) (step, error) {
	shapes := []struct {
		name  string
		sides int8
	}{{"Circle", 0}, {"Triangle", 3}, {"Square", 4}}
	receivers := make([]vm.Value, len(shapes))
	for i, s := range shapes {
		c, err := v.DefineClass(s.name, nil)
		if err != nil {
			return nil, err
		}
		n := s.sides
		define(v, c, "sides", 0, func(b *vm.CompiledMethodBuilder) {
			b.Bytecode().EmitInt8(vm.OpPushInt8, n)
			b.Bytecode().Emit(vm.OpReturnTop)
		})
		receivers[i] = v.NewInstance(c)
	}

	survey, err := v.DefineClass("Survey", nil)
	if err != nil {
		return nil, err
	}
	sides := v.Selectors.Intern("sides")
	define(v, survey, "sidesOf:", 1, func(b *vm.CompiledMethodBuilder) {
		b.Bytecode().EmitByte(vm.OpPushTemp, 0)
		b.EmitSend(sides, 0)
		b.Bytecode().Emit(vm.OpReturnTop)
	})
	recv := v.NewInstance(survey)
	return func(w *vm.Interpreter, i int) (vm.Value, error) {
		return w.Send(recv, "sidesOf:", receivers[i%len(receivers)])
	}, nil
}
