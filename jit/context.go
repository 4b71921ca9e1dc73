package jit

import (
	"fmt"
	"strings"
)

const (
	// MaxTempTypes is how many operand stack slots have tracked types.
	// Deeper slots are always Unknown.
	MaxTempTypes = 8
	// MaxLocalTypes is how many locals have tracked types.
	MaxLocalTypes = 8
)

// MappingKind says where a stack slot's value came from.
type MappingKind uint8

const (
	MapToStack MappingKind = iota // independent value, typed by the slot itself
	MapToSelf                     // a copy of self
	MapToLocal                    // a copy of a local
)

// TempMapping is the provenance of one stack slot.
type TempMapping struct {
	Kind  MappingKind
	Local uint8
}

func (m TempMapping) String() string {
	switch m.Kind {
	case MapToSelf:
		return "self"
	case MapToLocal:
		return fmt.Sprintf("local%d", m.Local)
	}
	return "stack"
}

// Opnd names an operand whose type a Context tracks: self or a stack
// slot counted from the top.
type Opnd struct {
	self bool
	idx  int
}

// SelfOpnd is the receiver.
func SelfOpnd() Opnd { return Opnd{self: true} }

// StackOpnd is the stack slot idx places below the top (0 is the top).
func StackOpnd(idx int) Opnd { return Opnd{idx: idx} }

// Context is the compile-time picture of the machine state at a bytecode
// position. It is a value type: copy it to branch.
type Context struct {
	// Operand stack depth, not counting locals.
	StackSize uint16
	// Pending stack pointer adjustment: the stack-pointer register lags
	// the top of the stack by this many slots.
	SPOffset int16
	// Number of chained guard failures specialized at the current
	// instruction.
	ChainDepth uint8
	// Set on versions requested by deferred compilation.
	Deferred bool
	// Set on versions that compiled code returns into from a callee.
	ReturnLanding bool

	SelfType    Type
	LocalTypes  [MaxLocalTypes]Type
	TempTypes   [MaxTempTypes]Type
	TempMapping [MaxTempTypes]TempMapping
}

// ---------------------------------------------------------------------------
// Stack
// ---------------------------------------------------------------------------

// StackOpnd returns the SP-relative offset of the slot idx below the top.
func (c *Context) StackOpnd(idx int) int32 {
	return int32(c.SPOffset) - 1 - int32(idx)
}

func (c *Context) stackPushMapping(m TempMapping, t Type) int32 {
	if c.StackSize < MaxTempTypes {
		c.TempMapping[c.StackSize] = m
		if m.Kind == MapToStack {
			c.TempTypes[c.StackSize] = t
		} else {
			c.TempTypes[c.StackSize] = Unknown
		}
	}
	c.StackSize++
	c.SPOffset++
	return c.StackOpnd(0)
}

// StackPush pushes an independent value of type t and returns the offset
// of the new top slot.
func (c *Context) StackPush(t Type) int32 {
	return c.stackPushMapping(TempMapping{Kind: MapToStack}, t)
}

// StackPushSelf pushes a copy of self.
func (c *Context) StackPushSelf() int32 {
	return c.stackPushMapping(TempMapping{Kind: MapToSelf}, Unknown)
}

// StackPushLocal pushes a copy of local idx.
func (c *Context) StackPushLocal(idx int) int32 {
	if idx >= MaxLocalTypes {
		return c.StackPush(Unknown)
	}
	return c.stackPushMapping(TempMapping{Kind: MapToLocal, Local: uint8(idx)}, Unknown)
}

// StackPushMapping pushes a slot with an explicit provenance, as returned
// by OpndMapping.
func (c *Context) StackPushMapping(m TempMapping, t Type) int32 {
	if m.Kind == MapToLocal && m.Local >= MaxLocalTypes {
		return c.StackPush(Unknown)
	}
	return c.stackPushMapping(m, t)
}

// StackPop pops n slots and returns the offset the old top lived at.
func (c *Context) StackPop(n int) int32 {
	if n > int(c.StackSize) {
		panic(fmt.Sprintf("jit: popping %d slots from a stack of %d", n, c.StackSize))
	}
	top := c.StackOpnd(0)
	for i := 0; i < n; i++ {
		idx := int(c.StackSize) - 1 - i
		if idx < MaxTempTypes {
			c.TempTypes[idx] = Unknown
			c.TempMapping[idx] = TempMapping{}
		}
	}
	c.StackSize -= uint16(n)
	c.SPOffset -= int16(n)
	return top
}

// ShiftSP records that n slots were materialized by adjusting the stack
// pointer register.
func (c *Context) ShiftSP(n int) {
	c.SPOffset -= int16(n)
}

// ---------------------------------------------------------------------------
// Types
// ---------------------------------------------------------------------------

func (c *Context) slotIndex(o Opnd) (int, bool) {
	if o.idx >= int(c.StackSize) {
		panic(fmt.Sprintf("jit: stack operand %d out of range (size %d)", o.idx, c.StackSize))
	}
	idx := int(c.StackSize) - 1 - o.idx
	return idx, idx < MaxTempTypes
}

// OpndType returns the type of an operand.
func (c *Context) OpndType(o Opnd) Type {
	if o.self {
		return c.SelfType
	}
	idx, tracked := c.slotIndex(o)
	if !tracked {
		return Unknown
	}
	m := c.TempMapping[idx]
	switch m.Kind {
	case MapToSelf:
		return c.SelfType
	case MapToLocal:
		return c.LocalTypes[m.Local]
	}
	return c.TempTypes[idx]
}

// UpgradeOpndType records that an operand is known to have type t. The
// refinement is applied to wherever the value came from.
func (c *Context) UpgradeOpndType(o Opnd, t Type) {
	if o.self {
		c.SelfType.Upgrade(t)
		return
	}
	idx, tracked := c.slotIndex(o)
	if !tracked {
		return
	}
	m := c.TempMapping[idx]
	switch m.Kind {
	case MapToSelf:
		c.SelfType.Upgrade(t)
	case MapToLocal:
		c.LocalTypes[m.Local].Upgrade(t)
	default:
		c.TempTypes[idx].Upgrade(t)
	}
}

// OpndMapping returns an operand's provenance and, for independent
// slots, its type.
func (c *Context) OpndMapping(o Opnd) (TempMapping, Type) {
	if o.self {
		return TempMapping{Kind: MapToSelf}, c.SelfType
	}
	idx, tracked := c.slotIndex(o)
	if !tracked {
		return TempMapping{Kind: MapToStack}, Unknown
	}
	return c.TempMapping[idx], c.TempTypes[idx]
}

// SetOpndMapping overwrites a stack slot's provenance and type.
func (c *Context) SetOpndMapping(o Opnd, m TempMapping, t Type) {
	if o.self {
		panic("jit: cannot remap self")
	}
	idx, tracked := c.slotIndex(o)
	if !tracked {
		return
	}
	c.TempMapping[idx] = m
	if m.Kind == MapToStack {
		c.TempTypes[idx] = t
	} else {
		c.TempTypes[idx] = Unknown
	}
}

// LocalType returns the type of local idx.
func (c *Context) LocalType(idx int) Type {
	if idx >= MaxLocalTypes {
		return Unknown
	}
	return c.LocalTypes[idx]
}

// SetLocalType records a store to local idx. Stack slots that were
// copies of the local keep the value they had, so they become
// independent first.
func (c *Context) SetLocalType(idx int, t Type) {
	if idx >= MaxLocalTypes {
		return
	}
	for i := 0; i < int(c.StackSize) && i < MaxTempTypes; i++ {
		if m := c.TempMapping[i]; m.Kind == MapToLocal && int(m.Local) == idx {
			c.TempMapping[i] = TempMapping{Kind: MapToStack}
			c.TempTypes[i] = c.LocalTypes[idx]
		}
	}
	c.LocalTypes[idx] = t
}

// ClearLocalTypes forgets everything known about locals, as after a call
// that may have written them.
func (c *Context) ClearLocalTypes() {
	for i := 0; i < int(c.StackSize) && i < MaxTempTypes; i++ {
		if m := c.TempMapping[i]; m.Kind == MapToLocal {
			c.TempMapping[i] = TempMapping{Kind: MapToStack}
			c.TempTypes[i] = c.LocalTypes[m.Local]
		}
	}
	c.LocalTypes = [MaxLocalTypes]Type{}
}

// ---------------------------------------------------------------------------
// Versioning
// ---------------------------------------------------------------------------

// ResetChainDepth is called at every instruction boundary.
func (c *Context) ResetChainDepth() {
	c.ChainDepth = 0
	c.Deferred = false
}

// IncrementChainDepth marks a chained guard continuation.
func (c *Context) IncrementChainDepth() {
	c.ChainDepth++
}

// Generic returns the most general context with the same stack layout.
// Types and mappings are dropped; the layout fields are not.
func (c *Context) Generic() Context {
	return Context{
		StackSize:     c.StackSize,
		SPOffset:      c.SPOffset,
		Deferred:      c.Deferred,
		ReturnLanding: c.ReturnLanding,
	}
}

// Diff measures how well code compiled for dst serves a request for c.
// The result is 0 for identical contexts, grows with every piece of
// information dst lacks, and is Incompatible when dst assumes something c
// does not guarantee. Chained contexts only match themselves by identity,
// so they are never shared.
func (c *Context) Diff(dst *Context) int {
	if c.ChainDepth != 0 || dst.ChainDepth != 0 {
		return Incompatible
	}
	if c.Deferred != dst.Deferred || c.ReturnLanding != dst.ReturnLanding {
		return Incompatible
	}
	if c.StackSize != dst.StackSize || c.SPOffset != dst.SPOffset {
		return Incompatible
	}

	diff := 0
	add := func(d int) bool {
		if d == Incompatible {
			return false
		}
		diff += d
		return true
	}

	if !add(c.SelfType.Diff(dst.SelfType)) {
		return Incompatible
	}
	for i := range c.LocalTypes {
		if !add(c.LocalTypes[i].Diff(dst.LocalTypes[i])) {
			return Incompatible
		}
	}
	for i := 0; i < int(c.StackSize); i++ {
		o := StackOpnd(i)
		srcMap, _ := c.OpndMapping(o)
		dstMap, _ := dst.OpndMapping(o)
		if srcMap != dstMap {
			if dstMap.Kind != MapToStack {
				return Incompatible
			}
			// Provenance is dropped, the value is the same.
			diff++
		}
		if !add(c.OpndType(o).Diff(dst.OpndType(o))) {
			return Incompatible
		}
	}
	return diff
}

func (c *Context) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "stack=%d sp%+d", c.StackSize, c.SPOffset)
	if c.ChainDepth > 0 {
		fmt.Fprintf(&sb, " chain=%d", c.ChainDepth)
	}
	if c.Deferred {
		sb.WriteString(" deferred")
	}
	if c.ReturnLanding {
		sb.WriteString(" landing")
	}
	if c.SelfType != Unknown {
		fmt.Fprintf(&sb, " self=%s", c.SelfType)
	}
	for i, t := range c.LocalTypes {
		if t != Unknown {
			fmt.Fprintf(&sb, " l%d=%s", i, t)
		}
	}
	for i := 0; i < int(c.StackSize) && i < MaxTempTypes; i++ {
		o := StackOpnd(int(c.StackSize) - 1 - i)
		m, _ := c.OpndMapping(o)
		t := c.OpndType(o)
		if m.Kind == MapToStack && t == Unknown {
			continue
		}
		fmt.Fprintf(&sb, " s%d=%s", i, t)
		if m.Kind != MapToStack {
			fmt.Fprintf(&sb, "(%s)", m)
		}
	}
	return sb.String()
}
