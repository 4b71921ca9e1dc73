// Package jit is a basic-block-versioning compiler for the vm package's
// bytecode. Blocks are compiled lazily, one version per entry Context,
// at the moment a worker first reaches them, so code generation can
// specialize on the live values it finds. Speculation is protected by
// guards that exit to the interpreter and by revocable assumptions whose
// violation patches the dependent code.
package jit

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/versa/jit/asm"
	"github.com/chazu/versa/vm"
)

var log = commonlog.GetLogger("versa.jit")

var (
	// ErrCodeBufferFull means a compile ran out of code space. The
	// position is left to the interpreter.
	ErrCodeBufferFull = errors.New("jit: code buffer full")
	// ErrVersionLimit means a position already has as many versions as
	// allowed and none of them accepts the requested context.
	ErrVersionLimit = errors.New("jit: version limit reached")
	// ErrCannotCompile means an earlier compile of the same position and
	// context failed. Failures are not retried.
	ErrCannotCompile = errors.New("jit: cannot compile")
	// ErrInvalidBlock means a block request names no instruction.
	ErrInvalidBlock = errors.New("jit: invalid block id")
	// ErrUnknownBlock means no block has the requested serial number.
	ErrUnknownBlock = errors.New("jit: unknown block")
)

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	// InlineSize and OutlinedSize are the code region sizes in words.
	InlineSize   int
	OutlinedSize int
	// MaxVersions caps the versions compiled per BlockID.
	MaxVersions int
	// VerifyContext checks every block's entry context against the live
	// worker when compiling at the executing instruction.
	VerifyContext bool
	// Stats makes side exits count themselves per opcode.
	Stats bool
	// Sink receives compile and invalidation events.
	Sink EventSink
	// OnEmbeddedRef is told about every object reference written into
	// code, with the address of the word that holds it.
	OnEmbeddedRef func(v vm.Value, at asm.CodePtr)
}

const defaultRegionSize = 1 << 16

// DefaultOptions returns the options New uses for zero fields.
func DefaultOptions() Options {
	return Options{
		InlineSize:   defaultRegionSize,
		OutlinedSize: defaultRegionSize,
		MaxVersions:  DefaultMaxVersions,
	}
}

func (o *Options) applyDefaults() {
	d := DefaultOptions()
	if o.InlineSize <= 0 {
		o.InlineSize = d.InlineSize
	}
	if o.OutlinedSize <= 0 {
		o.OutlinedSize = d.OutlinedSize
	}
	if o.MaxVersions <= 0 {
		o.MaxVersions = d.MaxVersions
	}
}

type failKey struct {
	id  BlockID
	ctx Context
}

// Engine compiles and runs code for one VM.
//
// Lock order is mu, then world. mu serializes compilation, linking and
// invalidation. Workers hold world for reading while running compiled
// code, so taking it for writing stops the world.
type Engine struct {
	vm   *vm.VM
	opts Options
	mem  *asm.Memory

	mu       sync.Mutex
	world    sync.RWMutex
	stopping atomic.Bool

	registry   *registry
	tracker    *tracker
	builtins   map[*vm.NativeMethod]builtinFn
	stubs      []*BranchTarget
	failed     map[failKey]struct{}
	nextSerial int

	refMu  sync.RWMutex
	refs   []any
	refIdx map[any]int32

	stats stats
}

// New creates an engine and attaches it to v.
func New(v *vm.VM, opts Options) *Engine {
	opts.applyDefaults()
	e := &Engine{
		vm:         v,
		opts:       opts,
		mem:        asm.NewMemory(opts.InlineSize, opts.OutlinedSize),
		registry:   newRegistry(),
		tracker:    newTracker(),
		failed:     make(map[failKey]struct{}),
		nextSerial: 1,
		refIdx:     make(map[any]int32),
	}
	e.stats.init()
	e.registerBuiltins()
	v.Attach(e)
	log.Infof("engine ready: inline %d words, outlined %d words, %d versions per block",
		opts.InlineSize, opts.OutlinedSize, opts.MaxVersions)
	return e
}

// Options returns the engine's effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// VM returns the VM the engine is attached to.
func (e *Engine) VM() *vm.VM {
	return e.vm
}

// ---------------------------------------------------------------------------
// vm.Accelerator
// ---------------------------------------------------------------------------

// Enter runs the active frame's method from its first instruction,
// compiling the entry block if needed.
func (e *Engine) Enter(interp *vm.Interpreter) vm.ExecStatus {
	f := interp.Frame()
	if f == nil || f.IP != 0 || e.vm.TracingActive() {
		return vm.ExecNone
	}
	b, err := e.entryBlock(f.Method, interp)
	if err != nil {
		return vm.ExecNone
	}
	e.stats.entries.Add(1)
	return e.execute(interp, b.start)
}

func (e *Engine) entryBlock(m *vm.CompiledMethod, interp *vm.Interpreter) (*Block, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.getOrCompile(BlockID{Method: m, Index: 0}, Context{}, interp)
}

// Resume continues compiled code at a return address.
func (e *Engine) Resume(interp *vm.Interpreter, addr uint32) vm.ExecStatus {
	return e.execute(interp, asm.CodePtr(addr))
}

// RequestBlock returns the entry of a version of id that accepts ctx,
// compiling one if needed. interp may be nil; code that needs live values
// then ends the block early.
func (e *Engine) RequestBlock(id BlockID, ctx Context, interp *vm.Interpreter) (asm.CodePtr, error) {
	if id.Method == nil || id.Index < 0 || id.Index > len(id.Method.Bytecode) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidBlock, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b, err := e.getOrCompile(id, ctx, interp)
	if err != nil {
		return 0, fmt.Errorf("request %s: %w", id, err)
	}
	return b.start, nil
}

// getOrCompile returns the closest live version of id for ctx or compiles
// one within the version cap. The caller must hold e.mu.
func (e *Engine) getOrCompile(id BlockID, ctx Context, interp *vm.Interpreter) (*Block, error) {
	if b := e.registry.find(id, &ctx); b != nil {
		return b, nil
	}
	if _, failed := e.failed[failKey{id, ctx}]; failed {
		return nil, ErrCannotCompile
	}

	limited, err := e.registry.limitVersions(id, ctx, e.opts.MaxVersions)
	if err != nil {
		e.stats.versionLimit.Add(1)
		log.Debugf("%s: %s [%s]", err, id, &ctx)
		e.emit(Event{Kind: EventVersionLimit, Method: id.Method.String(), Index: id.Index, Detail: ctx.String()})
		return nil, err
	}
	if limited != ctx {
		if b := e.registry.find(id, &limited); b != nil {
			return b, nil
		}
		if _, failed := e.failed[failKey{id, limited}]; failed {
			e.failed[failKey{id, ctx}] = struct{}{}
			return nil, ErrCannotCompile
		}
	}

	b, err := e.compile(id, limited, interp)
	if err != nil {
		e.failed[failKey{id, ctx}] = struct{}{}
		e.failed[failKey{id, limited}] = struct{}{}
		return nil, err
	}
	return b, nil
}

// stubHit resolves a branch target reached through its stub: the target
// is compiled or found and, unless the branch belongs to a retired block,
// its sites are patched to jump straight there. It reports false when the
// worker has to continue in the interpreter; the frame then describes the
// target position.
func (e *Engine) stubHit(c *cpu, id int) (asm.CodePtr, bool) {
	c.unlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	defer c.lock()

	e.stats.stubHits.Add(1)
	t := e.stubs[id]
	c.frame().IP = t.id.Index
	c.interp.SP = c.sp + int(t.ctx.SPOffset)

	if b := t.block; b != nil && !b.invalidated {
		return b.start, true
	}
	if e.vm.TracingActive() {
		return 0, false
	}
	b, err := e.getOrCompile(t.id, t.ctx, c.interp)
	if err != nil {
		return 0, false
	}
	if !t.branch.dead {
		e.link(t, b)
	}
	return b.start, true
}

// link points every site of t at b.
func (e *Engine) link(t *BranchTarget, b *Block) {
	for _, site := range t.sites {
		e.mem.PatchImm(site, int32(b.start))
	}
	t.block = b
	b.incoming = append(b.incoming, t)
}

// newStub writes the stub for t to the outlined region.
func (e *Engine) newStub(t *BranchTarget) error {
	id := len(e.stubs)
	a := asm.New()
	a.Stub(int32(id))
	p, err := a.Compile(e.mem.Outlined())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCodeBufferFull, err)
	}
	t.stub, t.stubID = p, id
	e.stubs = append(e.stubs, t)
	return nil
}

// addRef registers a Go value code refers to by index.
func (e *Engine) addRef(v any) int32 {
	e.refMu.Lock()
	defer e.refMu.Unlock()
	if i, ok := e.refIdx[v]; ok {
		return i
	}
	i := int32(len(e.refs))
	e.refs = append(e.refs, v)
	e.refIdx[v] = i
	return i
}

func (e *Engine) ref(i int32) any {
	e.refMu.RLock()
	defer e.refMu.RUnlock()
	return e.refs[i]
}

// ---------------------------------------------------------------------------
// Inspection
// ---------------------------------------------------------------------------

// Blocks lists every block compiled so far, retired ones included.
func (e *Engine) Blocks() []BlockInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]BlockInfo, len(e.registry.all))
	for i, b := range e.registry.all {
		out[i] = b.info()
	}
	return out
}

// VersionCount returns the number of live versions of id.
func (e *Engine) VersionCount(id BlockID) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registry.count(id)
}

// Disasm lists the code of the block with the given serial number.
func (e *Engine) Disasm(serial int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.registry.all {
		if b.serial == serial {
			header := fmt.Sprintf("; block %d %s [%s]\n", b.serial, b.id, &b.ctx)
			return header + asm.Disassemble(e.mem, b.start, b.end, b.comments), nil
		}
	}
	return "", fmt.Errorf("%w: %d", ErrUnknownBlock, serial)
}

// ForEachEmbeddedRef calls fn for every object reference embedded in the
// code of a live block.
func (e *Engine) ForEachEmbeddedRef(fn func(v vm.Value, at asm.CodePtr)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, b := range e.registry.all {
		if b.invalidated {
			continue
		}
		for _, r := range b.gcRefs {
			fn(r.value, r.at)
		}
	}
}
