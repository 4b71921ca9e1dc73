package vm

import "fmt"

// Method is one entry in a method table. The set of implementations is
// closed: the interpreter and the JIT dispatch on the concrete type.
//
//   - *CompiledMethod: bytecode, run by the interpreter or compiled code
//   - *NativeMethod:   a Go function with a fixed or variadic arity
//   - *AttrReader:     returns one instance variable of the receiver
//   - *AttrWriter:     stores one instance variable of the receiver
//   - *AliasMethod:    forwards to the method it was created from
//   - *UndefinedMethod: hides inherited definitions
type Method interface {
	Selector() int
	Owner() *Class
	bind(owner *Class, selector int)
}

// methodHeader carries the identity every method kind shares.
type methodHeader struct {
	selector int
	owner    *Class
}

func (h *methodHeader) Selector() int { return h.selector }
func (h *methodHeader) Owner() *Class { return h.owner }

func (h *methodHeader) bind(owner *Class, selector int) {
	h.owner = owner
	h.selector = selector
}

// ---------------------------------------------------------------------------
// Native methods
// ---------------------------------------------------------------------------

// NativeFunc implements a native method. args excludes the receiver.
type NativeFunc func(interp *Interpreter, receiver Value, args []Value) Value

// VariadicArity marks a native method that accepts any argument count.
const VariadicArity = -1

// NativeMethod wraps a Go function as a method.
type NativeMethod struct {
	methodHeader
	Name  string
	Arity int
	Fn    NativeFunc
}

// NewNativeMethod creates a native method with a fixed arity, or
// VariadicArity.
func NewNativeMethod(name string, arity int, fn NativeFunc) *NativeMethod {
	return &NativeMethod{Name: name, Arity: arity, Fn: fn}
}

func (m *NativeMethod) String() string {
	return fmt.Sprintf("%s>>%s <native>", className(m.owner), m.Name)
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// AttrReader returns the receiver's instance variable Ivar.
type AttrReader struct {
	methodHeader
	Ivar int
}

// AttrWriter stores its single argument into the receiver's instance
// variable Ivar and answers the argument.
type AttrWriter struct {
	methodHeader
	Ivar int
}

// ---------------------------------------------------------------------------
// Aliases and undefinitions
// ---------------------------------------------------------------------------

// AliasMethod answers for a selector with the method another selector
// resolved to when the alias was created.
type AliasMethod struct {
	methodHeader
	Original Method
}

// Resolve follows alias chains to the underlying method.
func (m *AliasMethod) Resolve() Method {
	var cur Method = m
	for {
		alias, ok := cur.(*AliasMethod)
		if !ok {
			return cur
		}
		cur = alias.Original
	}
}

// UndefinedMethod hides any inherited definition of its selector.
type UndefinedMethod struct {
	methodHeader
}

func className(c *Class) string {
	if c == nil {
		return "?"
	}
	return c.Name
}
