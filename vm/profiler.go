package vm

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Profiler counts method invocations so the JIT only compiles methods that
// have been called often enough to be worth it. A method is "hot" once its
// count reaches Threshold; from then on every call is offered to the JIT.

// MethodProfile holds profiling data for a single method.
type MethodProfile struct {
	invocations atomic.Uint64
	hot         atomic.Bool
}

// Invocations returns the number of recorded calls.
func (p *MethodProfile) Invocations() uint64 { return p.invocations.Load() }

// Profiler manages profiling for all methods of a VM. Workers share it.
type Profiler struct {
	profiles sync.Map // *CompiledMethod -> *MethodProfile

	threshold atomic.Uint64
	hotCount  atomic.Uint64

	// OnHot is called once per method, on the call that makes it hot.
	OnHot func(method *CompiledMethod)
}

// DefaultCallThreshold is the call count at which methods become hot.
const DefaultCallThreshold = 30

// NewProfiler creates a profiler with the default threshold.
func NewProfiler() *Profiler {
	p := &Profiler{}
	p.threshold.Store(DefaultCallThreshold)
	return p
}

// SetThreshold changes the hot threshold. Zero is treated as one.
func (p *Profiler) SetThreshold(n uint64) {
	if n == 0 {
		n = 1
	}
	p.threshold.Store(n)
}

// Threshold returns the hot threshold.
func (p *Profiler) Threshold() uint64 {
	return p.threshold.Load()
}

// RecordInvocation increments the call count for method and reports
// whether the method is hot after this call.
func (p *Profiler) RecordInvocation(method *CompiledMethod) bool {
	val, _ := p.profiles.LoadOrStore(method, &MethodProfile{})
	profile := val.(*MethodProfile)

	count := profile.invocations.Add(1)
	if profile.hot.Load() {
		return true
	}
	if count < p.threshold.Load() {
		return false
	}
	if profile.hot.CompareAndSwap(false, true) {
		p.hotCount.Add(1)
		if p.OnHot != nil {
			p.OnHot(method)
		}
	}
	return true
}

// Profile returns the profile for method, or nil if it was never called.
func (p *Profiler) Profile(method *CompiledMethod) *MethodProfile {
	if val, ok := p.profiles.Load(method); ok {
		return val.(*MethodProfile)
	}
	return nil
}

// IsHot reports whether method has reached the threshold.
func (p *Profiler) IsHot(method *CompiledMethod) bool {
	profile := p.Profile(method)
	return profile != nil && profile.hot.Load()
}

// ProfilerStats holds aggregate profiling statistics.
type ProfilerStats struct {
	Methods     int
	HotMethods  int
	Invocations uint64
}

// Stats returns aggregate profiling statistics.
func (p *Profiler) Stats() ProfilerStats {
	var stats ProfilerStats
	p.profiles.Range(func(_, value any) bool {
		profile := value.(*MethodProfile)
		stats.Methods++
		stats.Invocations += profile.invocations.Load()
		if profile.hot.Load() {
			stats.HotMethods++
		}
		return true
	})
	return stats
}

// TopMethods returns the n most-called methods, most-called first.
func (p *Profiler) TopMethods(n int) []*CompiledMethod {
	type entry struct {
		method *CompiledMethod
		count  uint64
	}
	var entries []entry
	p.profiles.Range(func(key, value any) bool {
		entries = append(entries, entry{key.(*CompiledMethod), value.(*MethodProfile).invocations.Load()})
		return true
	})
	sort.Slice(entries, func(a, b int) bool { return entries[a].count > entries[b].count })
	if n > len(entries) {
		n = len(entries)
	}
	out := make([]*CompiledMethod, n)
	for i := range out {
		out[i] = entries[i].method
	}
	return out
}
