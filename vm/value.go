package vm

import (
	"fmt"
	"math"
)

// Value represents a versa value using NaN-boxing.
//
// Every value is a 64-bit word. Floats are stored as native IEEE 754
// doubles; everything else lives in the quiet-NaN space with a 3-bit tag:
//   - SmallInt: quiet NaN + tagInt + 48-bit signed payload
//   - Object:   quiet NaN + tagObject + heap object ID
//   - Symbol:   quiet NaN + tagSymbol + symbol ID
//   - Special:  quiet NaN + tagSpecial + nil/true/false
//
// Objects are referenced by registry ID rather than by pointer so that
// compiled code can embed them as plain immediates.
type Value uint64

const (
	nanBits     uint64 = 0x7FF8000000000000
	tagMask     uint64 = 0x0007000000000000
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagObject  uint64 = 0x0001000000000000
	tagInt     uint64 = 0x0002000000000000
	tagSpecial uint64 = 0x0003000000000000
	tagSymbol  uint64 = 0x0004000000000000

	intSignBit    uint64 = 0x0000800000000000
	intSignExtend uint64 = 0xFFFF000000000000
)

const (
	specialNil   uint64 = 0
	specialTrue  uint64 = 1
	specialFalse uint64 = 2
)

// Pre-defined special values
const (
	Nil   Value = Value(nanBits | tagSpecial | specialNil)
	True  Value = Value(nanBits | tagSpecial | specialTrue)
	False Value = Value(nanBits | tagSpecial | specialFalse)
)

// SmallInt range (48-bit signed)
const (
	MaxSmallInt int64 = (1 << 47) - 1
	MinSmallInt int64 = -(1 << 47)
)

// Kind is the coarse runtime classification of a value. The JIT's type
// lattice is built on top of it.
type Kind uint8

const (
	KindFloat Kind = iota
	KindSmallInt
	KindNil
	KindTrue
	KindFalse
	KindSymbol
	KindObject
)

var kindNames = [...]string{
	KindFloat:    "Float",
	KindSmallInt: "SmallInt",
	KindNil:      "Nil",
	KindTrue:     "True",
	KindFalse:    "False",
	KindSymbol:   "Symbol",
	KindObject:   "Object",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// IsImmediate reports whether values of this kind carry no heap reference.
func (k Kind) IsImmediate() bool {
	return k != KindObject
}

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// Kind classifies v.
func (v Value) Kind() Kind {
	if v.IsFloat() {
		return KindFloat
	}
	switch uint64(v) & tagMask {
	case tagInt:
		return KindSmallInt
	case tagObject:
		return KindObject
	case tagSymbol:
		return KindSymbol
	}
	switch v {
	case True:
		return KindTrue
	case False:
		return KindFalse
	}
	return KindNil
}

// IsFloat returns true if v represents a float64 value. Infinities and
// untagged NaNs are floats; tagged quiet NaNs are not.
func (v Value) IsFloat() bool {
	bits := uint64(v)
	if (bits & 0x7FF0000000000000) != 0x7FF0000000000000 {
		return true
	}
	if bits&0x000FFFFFFFFFFFFF == 0 {
		return true
	}
	if (bits & nanBits) != nanBits {
		return true
	}
	return bits&tagMask == 0
}

// IsSmallInt returns true if v represents a small integer.
func (v Value) IsSmallInt() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagInt)
}

// IsObject returns true if v references a heap object.
func (v Value) IsObject() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagObject)
}

// IsSymbol returns true if v represents an interned symbol.
func (v Value) IsSymbol() bool {
	return (uint64(v) & (nanBits | tagMask)) == (nanBits | tagSymbol)
}

func (v Value) IsNil() bool { return v == Nil }

// IsBool returns true if v is true or false.
func (v Value) IsBool() bool {
	return v == True || v == False
}

// ---------------------------------------------------------------------------
// Float operations
// ---------------------------------------------------------------------------

// Float64 returns v as a float64.
// Panics if v is not a float.
func (v Value) Float64() float64 {
	if !v.IsFloat() {
		panic("Value.Float64: not a float")
	}
	return math.Float64frombits(uint64(v))
}

// FromFloat64 creates a Value from a float64.
func FromFloat64(f float64) Value {
	return Value(math.Float64bits(f))
}

// ---------------------------------------------------------------------------
// SmallInt operations
// ---------------------------------------------------------------------------

// SmallInt returns v as an int64.
// Panics if v is not a small integer.
func (v Value) SmallInt() int64 {
	if !v.IsSmallInt() {
		panic("Value.SmallInt: not a small integer")
	}
	payload := uint64(v) & payloadMask
	if (payload & intSignBit) != 0 {
		payload |= intSignExtend
	}
	return int64(payload)
}

// FromSmallInt creates a Value from an int64.
// Panics if n is outside the SmallInt range.
func FromSmallInt(n int64) Value {
	if n > MaxSmallInt || n < MinSmallInt {
		panic("FromSmallInt: value out of range")
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask))
}

// TryFromSmallInt creates a Value from an int64, returning false if out of range.
func TryFromSmallInt(n int64) (Value, bool) {
	if n > MaxSmallInt || n < MinSmallInt {
		return Nil, false
	}
	return Value(nanBits | tagInt | (uint64(n) & payloadMask)), true
}

// ---------------------------------------------------------------------------
// Object and symbol references
// ---------------------------------------------------------------------------

// ObjectID returns the heap registry ID encoded in v.
// Panics if v is not an object.
func (v Value) ObjectID() uint32 {
	if !v.IsObject() {
		panic("Value.ObjectID: not an object")
	}
	return uint32(uint64(v) & payloadMask)
}

// FromObjectID creates an object reference Value.
func FromObjectID(id uint32) Value {
	return Value(nanBits | tagObject | uint64(id))
}

// SymbolID returns the symbol ID encoded in v.
// Panics if v is not a symbol.
func (v Value) SymbolID() uint32 {
	if !v.IsSymbol() {
		panic("Value.SymbolID: not a symbol")
	}
	return uint32(uint64(v) & payloadMask)
}

// FromSymbolID creates a Value from a symbol ID.
func FromSymbolID(id uint32) Value {
	return Value(nanBits | tagSymbol | uint64(id))
}

// ---------------------------------------------------------------------------
// Booleans and truthiness
// ---------------------------------------------------------------------------

// FromBool creates a Value from a bool.
func FromBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// IsTruthy returns true if v is considered "truthy" in conditionals.
// Only false and nil are falsy.
func (v Value) IsTruthy() bool {
	return v != False && v != Nil
}

// IsFalsy returns true if v is considered "falsy" in conditionals.
func (v Value) IsFalsy() bool {
	return v == False || v == Nil
}
