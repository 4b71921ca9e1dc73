package vm

import "sync"

// VTable holds the method dispatch table for a class.
//
// Methods are stored in a slice indexed by selector ID. Inheritance is
// handled by walking the parent chain when a selector is not found
// locally. Workers read concurrently while definitions write, so every
// access goes through the table's RWMutex.
type VTable struct {
	class   *Class
	parent  *VTable
	mu      sync.RWMutex
	methods []Method
}

// NewVTable creates a new vtable for a class.
func NewVTable(class *Class, parent *VTable) *VTable {
	return &VTable{
		class:   class,
		parent:  parent,
		methods: make([]Method, 0, 32),
	}
}

// Lookup finds a method by selector ID, walking the inheritance chain.
// An UndefinedMethod entry stops the walk and reports nothing found.
func (vt *VTable) Lookup(selector int) Method {
	for v := vt; v != nil; v = v.parent {
		if m := v.LookupLocal(selector); m != nil {
			if _, undef := m.(*UndefinedMethod); undef {
				return nil
			}
			return m
		}
	}
	return nil
}

// LookupLocal finds a method by selector ID in this vtable only.
func (vt *VTable) LookupLocal(selector int) Method {
	vt.mu.RLock()
	defer vt.mu.RUnlock()
	if selector >= 0 && selector < len(vt.methods) {
		return vt.methods[selector]
	}
	return nil
}

// AddMethod adds or replaces a method at the given selector ID.
// Returns the method previously stored locally, if any.
func (vt *VTable) AddMethod(selector int, method Method) Method {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	if selector >= len(vt.methods) {
		grown := make([]Method, selector+1)
		copy(grown, vt.methods)
		vt.methods = grown
	}
	old := vt.methods[selector]
	vt.methods[selector] = method
	return old
}

// RemoveMethod removes a method at the given selector ID.
func (vt *VTable) RemoveMethod(selector int) {
	vt.mu.Lock()
	defer vt.mu.Unlock()
	if selector >= 0 && selector < len(vt.methods) {
		vt.methods[selector] = nil
	}
}

// Parent returns the parent vtable.
func (vt *VTable) Parent() *VTable {
	return vt.parent
}

// Class returns the class this vtable belongs to.
func (vt *VTable) Class() *Class {
	return vt.class
}
