package jit

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chazu/versa/vm"
)

// stats holds the engine counters. The atomics are bumped from compiling
// and executing goroutines alike.
type stats struct {
	blocksCompiled   atomic.Uint64
	branchesCompiled atomic.Uint64
	compileFailures  atomic.Uint64
	invalidations    atomic.Uint64
	chainLimit       atomic.Uint64
	versionLimit     atomic.Uint64
	deferrals        atomic.Uint64
	stubHits         atomic.Uint64
	stubExits        atomic.Uint64
	entries          atomic.Uint64

	builtinSends  atomic.Uint64
	genericSends  atomic.Uint64
	nativeSends   atomic.Uint64
	accessorSends atomic.Uint64
	iseqSends     atomic.Uint64

	// Side exits taken, by the opcode they resume at.
	exits [256]atomic.Uint64

	bailMu   sync.Mutex
	bailouts map[string]uint64
}

func (s *stats) init() {
	s.bailouts = make(map[string]uint64)
}

// bail counts a send compiled through a slower strategy than its method
// kind would allow.
func (s *stats) bail(reason string) {
	s.bailMu.Lock()
	s.bailouts[reason]++
	s.bailMu.Unlock()
	log.Debugf("send bailout: %s", reason)
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	BlocksCompiled   uint64 `cbor:"blocks_compiled" json:"blocks_compiled"`
	BranchesCompiled uint64 `cbor:"branches_compiled" json:"branches_compiled"`
	CompileFailures  uint64 `cbor:"compile_failures" json:"compile_failures"`
	Invalidations    uint64 `cbor:"invalidations" json:"invalidations"`
	ChainLimitHits   uint64 `cbor:"chain_limit_hits" json:"chain_limit_hits"`
	VersionLimitHits uint64 `cbor:"version_limit_hits" json:"version_limit_hits"`
	Deferrals        uint64 `cbor:"deferrals" json:"deferrals"`
	StubHits         uint64 `cbor:"stub_hits" json:"stub_hits"`
	StubExits        uint64 `cbor:"stub_exits" json:"stub_exits"`
	Entries          uint64 `cbor:"entries" json:"entries"`

	BuiltinSends  uint64 `cbor:"builtin_sends" json:"builtin_sends"`
	GenericSends  uint64 `cbor:"generic_sends" json:"generic_sends"`
	NativeSends   uint64 `cbor:"native_sends" json:"native_sends"`
	AccessorSends uint64 `cbor:"accessor_sends" json:"accessor_sends"`
	IseqSends     uint64 `cbor:"iseq_sends" json:"iseq_sends"`

	SideExits    map[string]uint64 `cbor:"side_exits" json:"side_exits"`
	SendBailouts map[string]uint64 `cbor:"send_bailouts" json:"send_bailouts"`

	InlineWords   int  `cbor:"inline_words" json:"inline_words"`
	OutlinedWords int  `cbor:"outlined_words" json:"outlined_words"`
	CodeBytes     int  `cbor:"code_bytes" json:"code_bytes"`
	CodeFull      bool `cbor:"code_full" json:"code_full"`

	LiveBlocks   int `cbor:"live_blocks" json:"live_blocks"`
	PatchPoints  int `cbor:"patch_points" json:"patch_points"`
	BranchStubs  int `cbor:"branch_stubs" json:"branch_stubs"`
	EmbeddedRefs int `cbor:"embedded_refs" json:"embedded_refs"`
}

// Stats returns a snapshot of the counters and code usage.
func (e *Engine) Stats() Stats {
	s := &e.stats
	out := Stats{
		BlocksCompiled:   s.blocksCompiled.Load(),
		BranchesCompiled: s.branchesCompiled.Load(),
		CompileFailures:  s.compileFailures.Load(),
		Invalidations:    s.invalidations.Load(),
		ChainLimitHits:   s.chainLimit.Load(),
		VersionLimitHits: s.versionLimit.Load(),
		Deferrals:        s.deferrals.Load(),
		StubHits:         s.stubHits.Load(),
		StubExits:        s.stubExits.Load(),
		Entries:          s.entries.Load(),
		BuiltinSends:     s.builtinSends.Load(),
		GenericSends:     s.genericSends.Load(),
		NativeSends:      s.nativeSends.Load(),
		AccessorSends:    s.accessorSends.Load(),
		IseqSends:        s.iseqSends.Load(),
		SideExits:        make(map[string]uint64),
		SendBailouts:     make(map[string]uint64),
	}
	for op := range s.exits {
		if n := s.exits[op].Load(); n > 0 {
			out.SideExits[vm.Opcode(op).Name()] = n
		}
	}
	s.bailMu.Lock()
	for k, v := range s.bailouts {
		out.SendBailouts[k] = v
	}
	s.bailMu.Unlock()

	e.mu.Lock()
	inline, outlined := e.mem.Inline(), e.mem.Outlined()
	out.InlineWords = inline.Used()
	out.OutlinedWords = outlined.Used()
	out.CodeBytes = (out.InlineWords + out.OutlinedWords) * 8
	out.CodeFull = inline.Dropped() || outlined.Dropped()
	for _, pts := range e.tracker.points {
		out.PatchPoints += len(pts)
	}
	for _, b := range e.registry.all {
		if !b.invalidated {
			out.LiveBlocks++
			out.EmbeddedRefs += len(b.gcRefs)
		}
	}
	out.BranchStubs = len(e.stubs)
	e.mu.Unlock()
	return out
}

// TopBailouts returns the send bailout reasons, most frequent first.
func (s Stats) TopBailouts() []string {
	reasons := make([]string, 0, len(s.SendBailouts))
	for r := range s.SendBailouts {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool {
		a, b := s.SendBailouts[reasons[i]], s.SendBailouts[reasons[j]]
		if a != b {
			return a > b
		}
		return reasons[i] < reasons[j]
	})
	return reasons
}
