package vm

import "sync"

// Shape is a node in the global layout transition tree. The root shape has
// no instance variables; each child adds exactly one variable at the next
// slot index. Two objects with the same shape ID store the same variables
// in the same slots, which is what compiled field accesses rely on.
type Shape struct {
	ID     uint32
	Parent *Shape
	Name   int // selector-table ID of the instance variable, -1 for the root
	Index  int // slot index of Name, -1 for the root

	mu          sync.Mutex
	transitions map[int]*Shape
	tree        *ShapeTree
}

// ShapeTree owns the root shape and hands out shape IDs.
type ShapeTree struct {
	mu     sync.RWMutex
	shapes []*Shape
	root   *Shape
}

// NewShapeTree creates a tree with a single root shape (ID 1; 0 means
// "no shape" for non-objects).
func NewShapeTree() *ShapeTree {
	t := &ShapeTree{}
	t.shapes = append(t.shapes, nil)
	t.root = t.newShape(nil, -1, -1)
	return t
}

// Root returns the empty shape.
func (t *ShapeTree) Root() *Shape { return t.root }

// Lookup returns the shape with the given ID.
func (t *ShapeTree) Lookup(id uint32) *Shape {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.shapes) {
		return nil
	}
	return t.shapes[id]
}

// Len returns the number of shapes created so far.
func (t *ShapeTree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.shapes) - 1
}

func (t *ShapeTree) newShape(parent *Shape, name, index int) *Shape {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &Shape{
		ID:     uint32(len(t.shapes)),
		Parent: parent,
		Name:   name,
		Index:  index,
		tree:   t,
	}
	t.shapes = append(t.shapes, s)
	return s
}

// Transition returns the child shape that adds name, creating it once.
func (s *Shape) Transition(name int) *Shape {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next, ok := s.transitions[name]; ok {
		return next
	}
	if s.transitions == nil {
		s.transitions = make(map[int]*Shape)
	}
	next := s.tree.newShape(s, name, s.NumSlots())
	s.transitions[name] = next
	return next
}

// IndexOf returns the slot for name, or -1.
func (s *Shape) IndexOf(name int) int {
	for cur := s; cur != nil && cur.Index >= 0; cur = cur.Parent {
		if cur.Name == name {
			return cur.Index
		}
	}
	return -1
}

// NumSlots returns how many slots an object of this shape holds.
func (s *Shape) NumSlots() int {
	return s.Index + 1
}
