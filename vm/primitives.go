package vm

import (
	"errors"
	"strconv"
)

// ErrBadArgument is raised by natives handed an argument of the wrong kind.
var ErrBadArgument = errors.New("bad argument")

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

var operatorSelectors = map[Opcode]string{
	OpSendPlus:  "+",
	OpSendMinus: "-",
	OpSendLT:    "<",
	OpSendEQ:    "==",
}

func (v *VM) initOperatorSites() {
	v.opSites = make(map[Opcode]*CallSite, len(operatorSelectors))
	for op, name := range operatorSelectors {
		v.opSites[op] = &CallSite{Selector: v.Selectors.Intern(name), Argc: 1}
	}
}

// OperatorSite returns the call site an operator opcode sends through when
// its operands are not both numbers.
func (v *VM) OperatorSite(op Opcode) *CallSite {
	return v.opSites[op]
}

// arith evaluates an operator on two numbers. It reports false when the
// operands are not numbers or the operator was redefined for the
// receiver's class, in which case a real send is needed.
func (v *VM) arith(op Opcode, selector int, a, b Value) (Value, bool) {
	switch {
	case a.IsSmallInt() && b.IsSmallInt():
		if v.OperatorRedefined(v.SmallIntegerClass, selector) {
			return Nil, false
		}
		return intOp(op, a.SmallInt(), b.SmallInt()), true
	case a.IsFloat() && (b.IsFloat() || b.IsSmallInt()):
		if v.OperatorRedefined(v.FloatClass, selector) {
			return Nil, false
		}
		return floatOp(op, a.Float64(), toFloat(b)), true
	}
	return Nil, false
}

func intOp(op Opcode, x, y int64) Value {
	switch op {
	case OpSendPlus:
		if r, ok := TryFromSmallInt(x + y); ok {
			return r
		}
		return FromFloat64(float64(x) + float64(y))
	case OpSendMinus:
		if r, ok := TryFromSmallInt(x - y); ok {
			return r
		}
		return FromFloat64(float64(x) - float64(y))
	case OpSendLT:
		return FromBool(x < y)
	case OpSendEQ:
		return FromBool(x == y)
	}
	return Nil
}

func floatOp(op Opcode, x, y float64) Value {
	switch op {
	case OpSendPlus:
		return FromFloat64(x + y)
	case OpSendMinus:
		return FromFloat64(x - y)
	case OpSendLT:
		return FromBool(x < y)
	case OpSendEQ:
		return FromBool(x == y)
	}
	return Nil
}

func toFloat(v Value) float64 {
	if v.IsSmallInt() {
		return float64(v.SmallInt())
	}
	return v.Float64()
}

func numberArg(m string, v Value) {
	if !v.IsSmallInt() && !v.IsFloat() {
		Raise(ErrBadArgument, "%s: expected a number", m)
	}
}

// ---------------------------------------------------------------------------
// Bootstrap natives
// ---------------------------------------------------------------------------

func (v *VM) native(class *Class, selector string, arity int, fn NativeFunc) {
	v.DefineMethod(class, selector, NewNativeMethod(selector, arity, fn))
}

func (v *VM) installPrimitives() {
	for op, name := range operatorSelectors {
		v.native(v.SmallIntegerClass, name, 1, func(_ *Interpreter, recv Value, args []Value) Value {
			numberArg("SmallInteger>>"+name, args[0])
			if args[0].IsSmallInt() {
				return intOp(op, recv.SmallInt(), args[0].SmallInt())
			}
			return floatOp(op, float64(recv.SmallInt()), args[0].Float64())
		})
		v.native(v.FloatClass, name, 1, func(_ *Interpreter, recv Value, args []Value) Value {
			numberArg("Float>>"+name, args[0])
			return floatOp(op, recv.Float64(), toFloat(args[0]))
		})
	}

	v.native(v.ObjectClass, "==", 1, func(_ *Interpreter, recv Value, args []Value) Value {
		return FromBool(recv == args[0])
	})
	v.native(v.ObjectClass, "isNil", 0, func(_ *Interpreter, recv Value, _ []Value) Value {
		return FromBool(recv == Nil)
	})
	v.native(v.ObjectClass, "yourself", 0, func(_ *Interpreter, recv Value, _ []Value) Value {
		return recv
	})
	v.native(v.ObjectClass, "printString", 0, func(interp *Interpreter, recv Value, _ []Value) Value {
		return interp.vm.NewString(interp.vm.Format(recv))
	})

	v.native(v.StringClass, "size", 0, func(interp *Interpreter, recv Value, _ []Value) Value {
		return FromSmallInt(int64(len(interp.vm.GoString(recv))))
	})
	v.native(v.StringClass, ",", 1, func(interp *Interpreter, recv Value, args []Value) Value {
		if interp.vm.ClassOf(args[0]) != interp.vm.StringClass {
			Raise(ErrBadArgument, "String>>,: expected a string")
		}
		return interp.vm.NewString(interp.vm.GoString(recv) + interp.vm.GoString(args[0]))
	})
}

// GoString returns the contents of a String object.
func (v *VM) GoString(val Value) string {
	if obj := v.Heap.Get(val); obj != nil {
		if s, ok := obj.Payload.(string); ok {
			return s
		}
	}
	return ""
}

// Format renders a value for display.
func (v *VM) Format(val Value) string {
	switch val.Kind() {
	case KindSmallInt:
		return strconv.FormatInt(val.SmallInt(), 10)
	case KindFloat:
		return strconv.FormatFloat(val.Float64(), 'g', -1, 64)
	case KindNil:
		return "nil"
	case KindTrue:
		return "true"
	case KindFalse:
		return "false"
	case KindSymbol:
		return "#" + v.Selectors.Name(int(val.SymbolID()))
	}
	class := v.ClassOf(val)
	if class == v.StringClass {
		return strconv.Quote(v.GoString(val))
	}
	return "a " + class.Name
}
