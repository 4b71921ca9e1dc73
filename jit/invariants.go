package jit

import (
	"fmt"

	"github.com/chazu/versa/jit/asm"
	"github.com/chazu/versa/vm"
)

// AssumptionKind enumerates the revocable facts compiled code relies on.
type AssumptionKind uint8

const (
	// MethodLookup: Selector on Class resolves to the method seen at
	// compile time.
	MethodLookup AssumptionKind = iota
	// BuiltinOp: the operator Selector has not been redefined on Class.
	BuiltinOp
	// NoTracing: no trace hook is installed.
	NoTracing
	// SingleWorker: at most one worker is running.
	SingleWorker
	// ConstantPath: the constant Name still holds the value seen at
	// compile time.
	ConstantPath
)

var assumptionNames = [...]string{
	MethodLookup: "method-lookup",
	BuiltinOp:    "builtin-op",
	NoTracing:    "no-tracing",
	SingleWorker: "single-worker",
	ConstantPath: "constant-path",
}

func (k AssumptionKind) String() string {
	if int(k) < len(assumptionNames) {
		return assumptionNames[k]
	}
	return fmt.Sprintf("assumption(%d)", k)
}

// Assumption identifies one revocable fact. Fields that do not apply to
// the kind are zero.
type Assumption struct {
	Kind     AssumptionKind
	Class    uint32
	Selector int
	Name     int
}

// LookupStable is the assumption that selector on class keeps resolving
// to the same method.
func LookupStable(class *vm.Class, selector int) Assumption {
	return Assumption{Kind: MethodLookup, Class: class.ID, Selector: selector}
}

// OperatorIntact is the assumption that a builtin operator on class has
// not been redefined.
func OperatorIntact(class *vm.Class, selector int) Assumption {
	return Assumption{Kind: BuiltinOp, Class: class.ID, Selector: selector}
}

// ConstantStable is the assumption that a named constant is unchanged.
func ConstantStable(name int) Assumption {
	return Assumption{Kind: ConstantPath, Name: name}
}

func (a Assumption) String() string {
	switch a.Kind {
	case MethodLookup, BuiltinOp:
		return fmt.Sprintf("%s(class %d, selector %d)", a.Kind, a.Class, a.Selector)
	case ConstantPath:
		return fmt.Sprintf("%s(%d)", a.Kind, a.Name)
	}
	return a.Kind.String()
}

// PatchPoint is a word to overwrite with a jump to Target once the
// assumption it was recorded under is revoked. Block is set when At is
// a block's entry, so the whole block is retired with it.
type PatchPoint struct {
	At     asm.CodePtr
	Target asm.CodePtr
	block  *Block
}

// ---------------------------------------------------------------------------
// Tracking
// ---------------------------------------------------------------------------

// tracker maps assumptions to their patch points. Guarded by the
// engine's compile lock.
type tracker struct {
	points map[Assumption][]PatchPoint
}

func newTracker() *tracker {
	return &tracker{points: make(map[Assumption][]PatchPoint)}
}

func (t *tracker) record(a Assumption, p PatchPoint) {
	t.points[a] = append(t.points[a], p)
}

// take removes and returns the patch points of a.
func (t *tracker) take(a Assumption) []PatchPoint {
	pts := t.points[a]
	delete(t.points, a)
	return pts
}

func (t *tracker) count(a Assumption) int {
	return len(t.points[a])
}

// ---------------------------------------------------------------------------
// Invalidation
// ---------------------------------------------------------------------------

// RecordPatchPoint registers a patch point under a. The word at at will be
// rewritten to jump to target when a is invalidated.
func (e *Engine) RecordPatchPoint(a Assumption, at, target asm.CodePtr) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracker.record(a, PatchPoint{At: at, Target: target})
}

// PatchPoints returns the number of patch points pending under a.
func (e *Engine) PatchPoints(a Assumption) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.count(a)
}

// stopWorld parks every worker executing compiled code. Workers release
// the world at helper calls and stub hits, so Lock returns once each of
// them has reached such a boundary. The caller must hold e.mu.
func (e *Engine) stopWorld() {
	e.stopping.Store(true)
	e.world.Lock()
}

func (e *Engine) startWorld() {
	e.world.Unlock()
	e.stopping.Store(false)
}

// Invalidate revokes a: every patch point recorded under it is rewritten
// to jump to its target and the blocks whose entries were patched are
// retired. Invalidating an assumption with no patch points is a no-op.
func (e *Engine) Invalidate(a Assumption) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.tracker.count(a) == 0 {
		return
	}
	e.stopWorld()
	n := e.revoke(a)
	e.startWorld()
	e.invalidated(a, n)
}

// revoke patches every point recorded under a and returns how many there
// were. The caller must have stopped the world.
func (e *Engine) revoke(a Assumption) int {
	pts := e.tracker.take(a)
	for _, p := range pts {
		e.mem.PatchJump(p.At, p.Target)
		if p.block != nil {
			e.retire(p.block)
		}
	}
	return len(pts)
}

func (e *Engine) invalidated(a Assumption, n int) {
	e.stats.invalidations.Add(1)
	log.Debugf("invalidated %s: %d patch points", a, n)
	e.emit(Event{Kind: EventInvalidate, Detail: a.String()})
}

// retire removes b from dispatch. Branches into b fall back to their
// stubs so the next execution compiles a replacement; b's own branches
// are frozen. The caller must have stopped the world.
func (e *Engine) retire(b *Block) {
	if b.invalidated {
		return
	}
	b.invalidated = true
	e.registry.remove(b)
	for _, t := range b.incoming {
		if t.branch.dead || t.block != b {
			continue
		}
		for _, site := range t.sites {
			e.mem.PatchImm(site, int32(t.stub))
		}
		t.block = nil
	}
	b.incoming = nil
	for _, br := range b.outgoing {
		br.dead = true
	}
	log.Debugf("retired block %d (%s)", b.serial, b.id)
}

// InvalidateAll retires every compiled block. Workers inside compiled code
// leave it at their next instruction boundary.
func (e *Engine) InvalidateAll() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stopWorld()
	n := 0
	for _, b := range e.registry.all {
		if b.invalidated {
			continue
		}
		e.mem.PatchJump(b.start, b.entryExit)
		e.retire(b)
		n++
	}
	// Boundary points send workers returning from calls into blocks that
	// are otherwise still valid to the interpreter.
	for _, p := range e.tracker.take(Assumption{Kind: NoTracing}) {
		e.mem.PatchJump(p.At, p.Target)
	}
	for a, pts := range e.tracker.points {
		// Entry points of retired blocks are moot now.
		live := pts[:0]
		for _, p := range pts {
			if p.block == nil {
				live = append(live, p)
			}
		}
		if len(live) == 0 {
			delete(e.tracker.points, a)
		} else {
			e.tracker.points[a] = live
		}
	}
	e.startWorld()

	e.stats.invalidations.Add(1)
	log.Infof("invalidated all compiled code: %d blocks", n)
	e.emit(Event{Kind: EventInvalidate, Detail: "all"})
}

// ---------------------------------------------------------------------------
// Runtime events
// ---------------------------------------------------------------------------

// MethodDefined implements vm.Observer. A definition on class can change
// lookups on every subclass.
func (e *Engine) MethodDefined(class *vm.Class, selector int, install func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var revoked []Assumption
	for _, c := range e.vm.Classes.Subclasses(class) {
		for _, kind := range []AssumptionKind{MethodLookup, BuiltinOp} {
			if a := (Assumption{Kind: kind, Class: c.ID, Selector: selector}); e.tracker.count(a) > 0 {
				revoked = append(revoked, a)
			}
		}
	}
	if len(revoked) == 0 {
		install()
		return
	}

	// No compiled code may see the new method while it still assumes the old.
	e.stopWorld()
	install()
	counts := make([]int, len(revoked))
	for i, a := range revoked {
		counts[i] = e.revoke(a)
	}
	e.startWorld()
	for i, a := range revoked {
		e.invalidated(a, counts[i])
	}
}

// ConstantChanged implements vm.Observer.
func (e *Engine) ConstantChanged(name int) {
	e.Invalidate(ConstantStable(name))
}

// TracingChanged implements vm.Observer.
func (e *Engine) TracingChanged(active bool) {
	if active {
		e.InvalidateAll()
	}
}

// WorkersChanged implements vm.Observer.
func (e *Engine) WorkersChanged(n int) {
	if n > 1 {
		e.Invalidate(Assumption{Kind: SingleWorker})
	}
}
