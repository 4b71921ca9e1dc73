package vm

import (
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Class
// ---------------------------------------------------------------------------

// Class represents a versa class.
type Class struct {
	ID         uint32  // dense identifier, compared by compiled class guards
	Name       string  // class name
	Superclass *Class  // parent class (nil for Object)
	VTable     *VTable // method dispatch table
	InstVars   []int   // declared instance variable names (selector IDs)

	shapeOnce sync.Once
	shape     *Shape
	shapes    *ShapeTree
}

// AllInstVars returns declared instance variables including inherited ones,
// superclass variables first.
func (c *Class) AllInstVars() []int {
	if c.Superclass == nil {
		return c.InstVars
	}
	inherited := c.Superclass.AllInstVars()
	result := make([]int, 0, len(inherited)+len(c.InstVars))
	result = append(result, inherited...)
	return append(result, c.InstVars...)
}

// instanceShape returns the shape fresh instances start in: the root shape
// extended by every declared instance variable.
func (c *Class) instanceShape() *Shape {
	c.shapeOnce.Do(func() {
		s := c.shapes.Root()
		for _, name := range c.AllInstVars() {
			s = s.Transition(name)
		}
		c.shape = s
	})
	return c.shape
}

// IsSubclassOf returns true if c is a subclass of other (or is the same class).
func (c *Class) IsSubclassOf(other *Class) bool {
	for current := c; current != nil; current = current.Superclass {
		if current == other {
			return true
		}
	}
	return false
}

// Lookup resolves selector against this class and its ancestors.
func (c *Class) Lookup(selector int) Method {
	return c.VTable.Lookup(selector)
}

func (c *Class) String() string {
	return c.Name
}

// ---------------------------------------------------------------------------
// ClassTable
// ---------------------------------------------------------------------------

// ClassTable registers classes by name and by ID.
type ClassTable struct {
	mu     sync.RWMutex
	byName map[string]*Class
	byID   []*Class
	shapes *ShapeTree
}

// NewClassTable creates an empty table whose classes share one shape tree.
func NewClassTable(shapes *ShapeTree) *ClassTable {
	return &ClassTable{
		byName: make(map[string]*Class),
		byID:   []*Class{nil},
		shapes: shapes,
	}
}

// Define creates and registers a class. Defining an existing name is an error.
func (t *ClassTable) Define(name string, super *Class, instVars []int) (*Class, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.byName[name]; exists {
		return nil, fmt.Errorf("class %s already defined", name)
	}
	c := &Class{
		ID:         uint32(len(t.byID)),
		Name:       name,
		Superclass: super,
		InstVars:   instVars,
		shapes:     t.shapes,
	}
	var parent *VTable
	if super != nil {
		parent = super.VTable
	}
	c.VTable = NewVTable(c, parent)
	t.byName[name] = c
	t.byID = append(t.byID, c)
	return c, nil
}

// Lookup returns the class with the given name, or nil.
func (t *ClassTable) Lookup(name string) *Class {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byName[name]
}

// ByID returns the class with the given ID, or nil.
func (t *ClassTable) ByID(id uint32) *Class {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(id) >= len(t.byID) {
		return nil
	}
	return t.byID[id]
}

// Subclasses returns every registered class that inherits from c, c included.
func (t *ClassTable) Subclasses(c *Class) []*Class {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Class
	for _, k := range t.byID[1:] {
		if k.IsSubclassOf(c) {
			out = append(out, k)
		}
	}
	return out
}
