package jit

import (
	"math"

	"github.com/chazu/versa/vm"
)

// Type is a speculative type of a stack slot, local or self. The lattice
// is shallow: Unknown on top, UnknownImm and UnknownHeap below it, then
// concrete kinds. String refines HeapObject.
type Type uint8

const (
	Unknown Type = iota
	UnknownImm
	UnknownHeap
	Nil
	True
	False
	Fixnum
	Flonum
	ImmSymbol
	HeapObject
	String
)

var typeNames = [...]string{
	Unknown:     "Unknown",
	UnknownImm:  "UnknownImm",
	UnknownHeap: "UnknownHeap",
	Nil:         "Nil",
	True:        "True",
	False:       "False",
	Fixnum:      "Fixnum",
	Flonum:      "Flonum",
	ImmSymbol:   "ImmSymbol",
	HeapObject:  "HeapObject",
	String:      "String",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Type(?)"
}

// Incompatible is the distance between types or contexts where the
// first cannot be used in place of the second.
const Incompatible = math.MaxInt

// IsImm reports whether values of this type are never heap objects.
func (t Type) IsImm() bool {
	switch t {
	case UnknownImm, Nil, True, False, Fixnum, Flonum, ImmSymbol:
		return true
	}
	return false
}

// IsHeap reports whether values of this type are always heap objects.
func (t Type) IsHeap() bool {
	switch t {
	case UnknownHeap, HeapObject, String:
		return true
	}
	return false
}

// IsSpecific reports whether the type pins down one value kind.
func (t Type) IsSpecific() bool {
	return t != Unknown && t != UnknownImm && t != UnknownHeap
}

// KnownTruthiness reports whether the truthiness of every value of type t
// is the same, and if so what it is.
func (t Type) KnownTruthiness() (truthy, known bool) {
	switch t {
	case Nil, False:
		return false, true
	case True, Fixnum, Flonum, ImmSymbol, UnknownHeap, HeapObject, String:
		return true, true
	}
	return false, false
}

// Diff computes how far t is from dst. Zero means equal; Incompatible
// means a value described by t may not satisfy dst.
func (t Type) Diff(dst Type) int {
	switch {
	case t == dst:
		return 0
	case dst == Unknown:
		return 1
	case t.IsHeap() && dst == UnknownHeap:
		return 1
	case t.IsImm() && dst == UnknownImm:
		return 1
	case t == String && dst == HeapObject:
		return 1
	}
	return Incompatible
}

// Upgrade refines t to src. Types may only become more specific; an
// incompatible upgrade is a codegen bug.
func (t *Type) Upgrade(src Type) {
	if src.Diff(*t) == Incompatible {
		panic("jit: incompatible type upgrade from " + t.String() + " to " + src.String())
	}
	*t = src
}

// TypeOf returns the most specific type of a live value.
func TypeOf(v *vm.VM, val vm.Value) Type {
	switch val.Kind() {
	case vm.KindSmallInt:
		return Fixnum
	case vm.KindFloat:
		return Flonum
	case vm.KindNil:
		return Nil
	case vm.KindTrue:
		return True
	case vm.KindFalse:
		return False
	case vm.KindSymbol:
		return ImmSymbol
	}
	if v.ClassOf(val) == v.StringClass {
		return String
	}
	return HeapObject
}

// typeOfClass returns the type every instance of class has.
func typeOfClass(v *vm.VM, c *vm.Class) Type {
	switch c {
	case v.SmallIntegerClass:
		return Fixnum
	case v.FloatClass:
		return Flonum
	case v.UndefinedObjectClass:
		return Nil
	case v.TrueClass:
		return True
	case v.FalseClass:
		return False
	case v.SymbolClass:
		return ImmSymbol
	case v.StringClass:
		return String
	}
	return HeapObject
}
