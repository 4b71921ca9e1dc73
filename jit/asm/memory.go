package asm

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrBufferFull is returned when a code block has no room left for an
// instruction sequence.
var ErrBufferFull = errors.New("code buffer full")

// Memory is the code arena: one array of instruction words shared by an
// inline region for block bodies and an outlined region for exits and
// stubs. Words are only ever appended, except for single-word patches.
// Every access is atomic so executing workers never observe a torn word.
type Memory struct {
	words    []uint64
	inline   *CodeBlock
	outlined *CodeBlock
}

// NewMemory allocates an arena with the given region sizes in words.
func NewMemory(inlineWords, outlinedWords int) *Memory {
	m := &Memory{words: make([]uint64, 1+inlineWords+outlinedWords)}
	// Word 0 is reserved so that a zero CodePtr is never valid.
	m.inline = &CodeBlock{mem: m, name: "inline", start: 1, pos: 1, end: CodePtr(1 + inlineWords)}
	m.outlined = &CodeBlock{
		mem:   m,
		name:  "outlined",
		start: m.inline.end,
		pos:   m.inline.end,
		end:   CodePtr(len(m.words)),
	}
	return m
}

// Inline returns the region block bodies are written to.
func (m *Memory) Inline() *CodeBlock { return m.inline }

// Outlined returns the region exits and stubs are written to.
func (m *Memory) Outlined() *CodeBlock { return m.outlined }

// Load reads the word at p.
func (m *Memory) Load(p CodePtr) Word {
	return Word(atomic.LoadUint64(&m.words[p]))
}

// Store writes the word at p.
func (m *Memory) Store(p CodePtr, w Word) {
	atomic.StoreUint64(&m.words[p], uint64(w))
}

// Contains reports whether p addresses a word of the arena.
func (m *Memory) Contains(p CodePtr) bool {
	return p > 0 && int(p) < len(m.words)
}

// PatchJump overwrites the word at at with an unconditional jump to target.
func (m *Memory) PatchJump(at, target CodePtr) {
	m.Store(at, Encode(Jmp, 0, 0, 0, int32(target)))
}

// PatchImm replaces the immediate of the instruction at at, keeping its
// opcode and registers. Used to retarget jumps and return addresses.
func (m *Memory) PatchImm(at CodePtr, imm int32) {
	m.Store(at, m.Load(at).WithImm(imm))
}

// ---------------------------------------------------------------------------
// CodeBlock
// ---------------------------------------------------------------------------

// CodeBlock is one region of the arena with an append-only write cursor.
// Writers must be serialized by the caller.
type CodeBlock struct {
	mem   *Memory
	name  string
	start CodePtr
	end   CodePtr
	pos   CodePtr

	dropped bool
}

// Pos returns the write cursor.
func (cb *CodeBlock) Pos() CodePtr { return cb.pos }

// Start returns the first address of the region.
func (cb *CodeBlock) Start() CodePtr { return cb.start }

// Capacity returns the region size in words.
func (cb *CodeBlock) Capacity() int { return int(cb.end - cb.start) }

// Used returns the number of words written.
func (cb *CodeBlock) Used() int { return int(cb.pos - cb.start) }

// Remaining returns the number of words still free.
func (cb *CodeBlock) Remaining() int { return int(cb.end - cb.pos) }

// HasCapacity reports whether n more words fit.
func (cb *CodeBlock) HasCapacity(n int) bool { return cb.Remaining() >= n }

// Dropped reports whether a write was refused because the region was full.
// The flag stays set until cleared with ClearDropped.
func (cb *CodeBlock) Dropped() bool { return cb.dropped }

// ClearDropped resets the dropped flag.
func (cb *CodeBlock) ClearDropped() { cb.dropped = false }

// Write appends one word. When the region is full the word is discarded
// and the dropped flag is set.
func (cb *CodeBlock) Write(w Word) CodePtr {
	if cb.pos >= cb.end {
		cb.dropped = true
		return 0
	}
	p := cb.pos
	cb.mem.Store(p, w)
	cb.pos++
	return p
}

// Rewind moves the write cursor back to p, discarding unpublished words.
func (cb *CodeBlock) Rewind(p CodePtr) {
	if p < cb.start || p > cb.pos {
		panic(fmt.Sprintf("asm: rewind %s outside %s region [%s, %s]", p, cb.name, cb.start, cb.pos))
	}
	cb.pos = p
}

func (cb *CodeBlock) String() string {
	return fmt.Sprintf("%s %d/%d words", cb.name, cb.Used(), cb.Capacity())
}
