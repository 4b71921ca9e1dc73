package jit

import (
	"fmt"

	"github.com/chazu/versa/jit/asm"
	"github.com/chazu/versa/vm"
)

// BlockID names a bytecode position: a method and an instruction index.
type BlockID struct {
	Method *vm.CompiledMethod
	Index  int
}

func (id BlockID) String() string {
	return fmt.Sprintf("%s@%d", id.Method, id.Index)
}

// Block is one compiled version of the code starting at a BlockID under a
// specific Context. Blocks are never freed; an invalidated block has its
// entry patched to its entry exit and is removed from dispatch.
type Block struct {
	serial int
	id     BlockID
	ctx    Context

	// Last instruction index the block covers.
	endIdx int

	start, end asm.CodePtr
	entryExit  asm.CodePtr

	incoming []*BranchTarget
	outgoing []*Branch

	gcRefs   []embeddedRef
	comments map[asm.CodePtr][]string

	invalidated bool
}

// Serial returns the block's unique number.
func (b *Block) Serial() int { return b.serial }

// ID returns the block's bytecode position.
func (b *Block) ID() BlockID { return b.id }

// Context returns the entry context the block was compiled for.
func (b *Block) Context() Context { return b.ctx }

// Start returns the block's entry address.
func (b *Block) Start() asm.CodePtr { return b.start }

type embeddedRef struct {
	value vm.Value
	at    asm.CodePtr
}

// Branch is a control-flow edge leaving a block. It has one target for an
// unconditional jump and two for a conditional one.
type Branch struct {
	block   *Block
	targets []*BranchTarget

	// A dead branch belongs to an invalidated block and is never
	// relinked or restubbed again.
	dead bool
}

// BranchTarget is one destination of a branch. Its sites are the words
// whose immediates hold the destination address: jumps, or the move that
// loads a return address. Until the destination is compiled they point at
// the target's stub.
type BranchTarget struct {
	branch *Branch
	id     BlockID
	ctx    Context

	stub   asm.CodePtr
	stubID int
	sites  []asm.CodePtr

	block *Block
}

func (t *BranchTarget) address() asm.CodePtr {
	if t.block != nil {
		return t.block.start
	}
	return t.stub
}

// BlockInfo describes a compiled block for inspection.
type BlockInfo struct {
	Serial      int    `cbor:"serial" json:"serial"`
	Method      string `cbor:"method" json:"method"`
	Index       int    `cbor:"index" json:"index"`
	EndIndex    int    `cbor:"end_index" json:"end_index"`
	Start       uint32 `cbor:"start" json:"start"`
	End         uint32 `cbor:"end" json:"end"`
	Context     string `cbor:"context" json:"context"`
	Incoming    int    `cbor:"incoming" json:"incoming"`
	Invalidated bool   `cbor:"invalidated" json:"invalidated"`
}

func (b *Block) info() BlockInfo {
	return BlockInfo{
		Serial:      b.serial,
		Method:      b.id.Method.String(),
		Index:       b.id.Index,
		EndIndex:    b.endIdx,
		Start:       uint32(b.start),
		End:         uint32(b.end),
		Context:     b.ctx.String(),
		Incoming:    len(b.incoming),
		Invalidated: b.invalidated,
	}
}
