package vm

import (
	"sync"
	"sync/atomic"
)

// Object is a heap-allocated instance. Its instance variables live in
// slots whose layout is described by the object's shape; adding a new
// instance variable moves the object to a child shape.
type Object struct {
	class *Class
	shape *Shape
	slots []Value

	// Payload holds host data for built-in classes (String contents).
	Payload any
}

// Class returns the object's class.
func (o *Object) Class() *Class { return o.class }

// Shape returns the object's current field layout.
func (o *Object) Shape() *Shape { return o.shape }

// NumSlots returns the number of allocated slots.
func (o *Object) NumSlots() int { return len(o.slots) }

// GetSlot returns the value in slot i, or Nil when the slot is unallocated.
func (o *Object) GetSlot(i int) Value {
	if i < 0 || i >= len(o.slots) {
		return Nil
	}
	return o.slots[i]
}

// SetSlot stores v into an allocated slot.
func (o *Object) SetSlot(i int, v Value) {
	o.slots[i] = v
}

// GetIvar returns the named instance variable, or Nil if the object's
// shape has no slot for it.
func (o *Object) GetIvar(name int) Value {
	idx := o.shape.IndexOf(name)
	if idx < 0 {
		return Nil
	}
	return o.GetSlot(idx)
}

// SetIvar stores the named instance variable, transitioning the shape when
// the variable is new to this object.
func (o *Object) SetIvar(name int, v Value) {
	idx := o.shape.IndexOf(name)
	if idx < 0 {
		o.shape = o.shape.Transition(name)
		idx = o.shape.Index
	}
	for len(o.slots) <= idx {
		o.slots = append(o.slots, Nil)
	}
	o.slots[idx] = v
}

// ---------------------------------------------------------------------------
// Heap: ID-indexed object registry
// ---------------------------------------------------------------------------

// Heap keeps every live object reachable by ID. Values reference objects
// by ID, so the registry is what keeps them alive for Go's collector.
type Heap struct {
	mu      sync.RWMutex
	objects map[uint32]*Object
	nextID  atomic.Uint32
}

// NewHeap creates an empty heap.
func NewHeap() *Heap {
	return &Heap{objects: make(map[uint32]*Object)}
}

// Allocate creates an instance of class with every declared instance
// variable present and set to Nil.
func (h *Heap) Allocate(class *Class) Value {
	obj := &Object{class: class, shape: class.instanceShape()}
	obj.slots = make([]Value, obj.shape.NumSlots())
	for i := range obj.slots {
		obj.slots[i] = Nil
	}
	return h.register(obj)
}

func (h *Heap) register(obj *Object) Value {
	id := h.nextID.Add(1)
	h.mu.Lock()
	h.objects[id] = obj
	h.mu.Unlock()
	return FromObjectID(id)
}

// Get returns the object referenced by v, or nil if v is not a live object.
func (h *Heap) Get(v Value) *Object {
	if !v.IsObject() {
		return nil
	}
	h.mu.RLock()
	obj := h.objects[v.ObjectID()]
	h.mu.RUnlock()
	return obj
}

// Len returns the number of registered objects.
func (h *Heap) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.objects)
}
