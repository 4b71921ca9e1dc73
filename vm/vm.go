// Package vm is the versa object runtime: NaN-boxed values, classes with
// shape-based instance layouts, bytecode methods with keyword parameters,
// and a stack interpreter that hands hot methods to an attached JIT.
package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("versa.vm")

// Observer receives the runtime events compiled code depends on. The JIT
// engine implements it to invalidate speculative code.
type Observer interface {
	// MethodDefined is called to (re)define selector on class. install
	// stores the method and must be called exactly once; code that assumed
	// the old lookup must be revoked before anything can run the new one.
	MethodDefined(class *Class, selector int, install func())
	// ConstantChanged fires after the named constant is assigned.
	ConstantChanged(name int)
	// TracingChanged fires when trace hooks are installed or removed.
	TracingChanged(active bool)
	// WorkersChanged fires when the number of live workers changes.
	WorkersChanged(n int)
}

// VM is the shared world every worker executes against: names, classes,
// shapes, the heap, constants and the profiler.
type VM struct {
	Selectors *SelectorTable
	Shapes    *ShapeTree
	Classes   *ClassTable
	Heap      *Heap
	Profiler  *Profiler

	// Well-known classes
	ObjectClass          *Class
	UndefinedObjectClass *Class
	TrueClass            *Class
	FalseClass           *Class
	SmallIntegerClass    *Class
	FloatClass           *Class
	SymbolClass          *Class
	StringClass          *Class

	constMu   sync.RWMutex
	constants map[int]Value

	observerMu sync.RWMutex
	observer   Observer
	jit        Accelerator

	traceMu   sync.RWMutex
	traceHook TraceHook

	workers atomic.Int32

	bootstrapping bool
	redefinedOps  sync.Map // opKey -> struct{}
	opSites       map[Opcode]*CallSite
}

type opKey struct {
	class    uint32
	selector int
}

// NewVM creates a VM with the core classes and their native methods.
func NewVM() *VM {
	shapes := NewShapeTree()
	v := &VM{
		Selectors: NewSelectorTable(),
		Shapes:    shapes,
		Classes:   NewClassTable(shapes),
		Heap:      NewHeap(),
		Profiler:  NewProfiler(),
		constants: make(map[int]Value),
	}
	v.initOperatorSites()
	v.bootstrapping = true
	v.bootstrap()
	v.bootstrapping = false
	return v
}

func (v *VM) mustDefineClass(name string, super *Class) *Class {
	c, err := v.Classes.Define(name, super, nil)
	if err != nil {
		panic(err)
	}
	return c
}

func (v *VM) bootstrap() {
	v.ObjectClass = v.mustDefineClass("Object", nil)
	v.UndefinedObjectClass = v.mustDefineClass("UndefinedObject", v.ObjectClass)
	v.TrueClass = v.mustDefineClass("True", v.ObjectClass)
	v.FalseClass = v.mustDefineClass("False", v.ObjectClass)
	v.SmallIntegerClass = v.mustDefineClass("SmallInteger", v.ObjectClass)
	v.FloatClass = v.mustDefineClass("Float", v.ObjectClass)
	v.SymbolClass = v.mustDefineClass("Symbol", v.ObjectClass)
	v.StringClass = v.mustDefineClass("String", v.ObjectClass)
	v.installPrimitives()
}

// ---------------------------------------------------------------------------
// Classes and methods
// ---------------------------------------------------------------------------

// DefineClass creates a class with the given instance variable names.
func (v *VM) DefineClass(name string, super *Class, ivars ...string) (*Class, error) {
	if super == nil {
		super = v.ObjectClass
	}
	ids := make([]int, len(ivars))
	for i, n := range ivars {
		ids[i] = v.Selectors.Intern(n)
	}
	c, err := v.Classes.Define(name, super, ids)
	if err != nil {
		return nil, fmt.Errorf("define class: %w", err)
	}
	return c, nil
}

// DefineMethod installs m on class under selector, replacing any existing
// local definition, and notifies the observer.
func (v *VM) DefineMethod(class *Class, selector string, m Method) {
	sel := v.Selectors.Intern(selector)
	m.bind(class, sel)
	install := func() {
		class.VTable.AddMethod(sel, m)
		if !v.bootstrapping && v.isOperatorClass(class) && v.isOperatorSelector(sel) {
			v.redefinedOps.Store(opKey{class.ID, sel}, struct{}{})
		}
	}
	if obs := v.Observer(); obs != nil {
		obs.MethodDefined(class, sel, install)
	} else {
		install()
	}
	if !v.bootstrapping {
		log.Debugf("method defined: %s>>%s", class.Name, selector)
	}
}

// DefineAlias makes alias answer with whatever selector currently resolves
// to on class.
func (v *VM) DefineAlias(class *Class, alias, selector string) error {
	target := class.Lookup(v.Selectors.Intern(selector))
	if target == nil {
		return fmt.Errorf("alias %s: %s>>%s is not defined", alias, class.Name, selector)
	}
	v.DefineMethod(class, alias, &AliasMethod{Original: target})
	return nil
}

// UndefineMethod hides selector on class and its subclasses.
func (v *VM) UndefineMethod(class *Class, selector string) {
	v.DefineMethod(class, selector, &UndefinedMethod{})
}

// DefineAccessors installs reader/writer methods for an instance variable:
// "name" reads it and "name:" writes it.
func (v *VM) DefineAccessors(class *Class, ivar string) {
	id := v.Selectors.Intern(ivar)
	v.DefineMethod(class, ivar, &AttrReader{Ivar: id})
	v.DefineMethod(class, ivar+":", &AttrWriter{Ivar: id})
}

// ClassOf returns the class of any value.
func (v *VM) ClassOf(val Value) *Class {
	switch val.Kind() {
	case KindSmallInt:
		return v.SmallIntegerClass
	case KindFloat:
		return v.FloatClass
	case KindNil:
		return v.UndefinedObjectClass
	case KindTrue:
		return v.TrueClass
	case KindFalse:
		return v.FalseClass
	case KindSymbol:
		return v.SymbolClass
	}
	if obj := v.Heap.Get(val); obj != nil {
		return obj.class
	}
	return v.UndefinedObjectClass
}

// NewInstance allocates an instance of class.
func (v *VM) NewInstance(class *Class) Value {
	return v.Heap.Allocate(class)
}

// NewString allocates a String holding s.
func (v *VM) NewString(s string) Value {
	val := v.Heap.Allocate(v.StringClass)
	v.Heap.Get(val).Payload = s
	return val
}

// GetIvar reads an instance variable of any value. Values without
// instance variables answer nil.
func (v *VM) GetIvar(recv Value, name int) Value {
	if obj := v.Heap.Get(recv); obj != nil {
		return obj.GetIvar(name)
	}
	return Nil
}

// SetIvar stores an instance variable of an object.
func (v *VM) SetIvar(recv Value, name int, val Value) {
	obj := v.Heap.Get(recv)
	if obj == nil {
		Raise(ErrNotAnObject, "%s", v.ClassOf(recv).Name)
	}
	obj.SetIvar(name, val)
}

// ---------------------------------------------------------------------------
// Builtin operators
// ---------------------------------------------------------------------------

func (v *VM) isOperatorClass(c *Class) bool {
	return c == v.SmallIntegerClass || c == v.FloatClass
}

func (v *VM) isOperatorSelector(sel int) bool {
	switch v.Selectors.Name(sel) {
	case "+", "-", "<", "==":
		return true
	}
	return false
}

// OperatorRedefined reports whether selector has been redefined on class
// after bootstrap. Operator fast paths are only valid while it is false.
func (v *VM) OperatorRedefined(class *Class, selector int) bool {
	_, redefined := v.redefinedOps.Load(opKey{class.ID, selector})
	return redefined
}

// ---------------------------------------------------------------------------
// Constants
// ---------------------------------------------------------------------------

// SetConstant assigns a named constant.
func (v *VM) SetConstant(name string, val Value) {
	id := v.Selectors.Intern(name)
	v.constMu.Lock()
	v.constants[id] = val
	v.constMu.Unlock()
	if obs := v.Observer(); obs != nil {
		obs.ConstantChanged(id)
	}
}

// Constant returns the value of a named constant by name ID.
func (v *VM) Constant(name int) (Value, bool) {
	v.constMu.RLock()
	defer v.constMu.RUnlock()
	val, ok := v.constants[name]
	return val, ok
}

// MustConstant returns a constant's value or raises ErrUndefinedConstant.
func (v *VM) MustConstant(name int) Value {
	val, ok := v.Constant(name)
	if !ok {
		Raise(ErrUndefinedConstant, "%s", v.Selectors.Name(name))
	}
	return val
}

// ---------------------------------------------------------------------------
// Tracing
// ---------------------------------------------------------------------------

// TraceEvent describes one traced call.
type TraceEvent struct {
	Class    *Class
	Selector int
	Native   bool
}

// TraceHook observes calls while installed.
type TraceHook func(TraceEvent)

// SetTraceHook installs hook, or removes the current one when hook is nil.
func (v *VM) SetTraceHook(hook TraceHook) {
	v.traceMu.Lock()
	was := v.traceHook != nil
	v.traceHook = hook
	v.traceMu.Unlock()

	now := hook != nil
	if was == now {
		return
	}
	log.Infof("tracing active: %t", now)
	if obs := v.Observer(); obs != nil {
		obs.TracingChanged(now)
	}
}

// TracingActive reports whether a trace hook is installed.
func (v *VM) TracingActive() bool {
	v.traceMu.RLock()
	defer v.traceMu.RUnlock()
	return v.traceHook != nil
}

func (v *VM) trace(ev TraceEvent) {
	v.traceMu.RLock()
	hook := v.traceHook
	v.traceMu.RUnlock()
	if hook != nil {
		hook(ev)
	}
}

// ---------------------------------------------------------------------------
// Workers and the JIT
// ---------------------------------------------------------------------------

// Attach connects a JIT engine: it observes runtime events and executes
// compiled code on behalf of workers.
func (v *VM) Attach(j interface {
	Observer
	Accelerator
}) {
	v.observerMu.Lock()
	v.observer = j
	v.jit = j
	v.observerMu.Unlock()
}

// Observer returns the attached observer, or nil.
func (v *VM) Observer() Observer {
	v.observerMu.RLock()
	defer v.observerMu.RUnlock()
	return v.observer
}

func (v *VM) accelerator() Accelerator {
	v.observerMu.RLock()
	defer v.observerMu.RUnlock()
	return v.jit
}

// NewWorker creates an interpreter bound to this VM. Close it when done.
func (v *VM) NewWorker() *Interpreter {
	n := v.workers.Add(1)
	if obs := v.Observer(); obs != nil {
		obs.WorkersChanged(int(n))
	}
	return newInterpreter(v)
}

// Workers returns the number of live workers.
func (v *VM) Workers() int {
	return int(v.workers.Load())
}

func (v *VM) workerClosed() {
	n := v.workers.Add(-1)
	if obs := v.Observer(); obs != nil {
		obs.WorkersChanged(int(n))
	}
}
