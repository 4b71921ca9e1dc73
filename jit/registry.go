package jit

// DefaultMaxVersions is the default cap on versions per BlockID.
const DefaultMaxVersions = 4

// registry holds the live versions of every BlockID. It is guarded by the
// engine's compile lock.
type registry struct {
	versions map[BlockID][]*Block
	all      []*Block
}

func newRegistry() *registry {
	return &registry{versions: make(map[BlockID][]*Block)}
}

// find returns the live version of id whose entry context is closest to
// ctx, or nil if none is compatible.
func (r *registry) find(id BlockID, ctx *Context) *Block {
	var best *Block
	bestDiff := Incompatible
	for _, b := range r.versions[id] {
		d := ctx.Diff(&b.ctx)
		if d < bestDiff {
			best, bestDiff = b, d
		}
	}
	return best
}

// count returns the number of live versions of id.
func (r *registry) count(id BlockID) int {
	return len(r.versions[id])
}

// limitVersions decides which context a new version of id is compiled
// for. Below the cap the request is honored. The last free slot is
// reserved for the generic context, so the cap is never exceeded and a
// request with the same frame layout can always be served by some version.
// Chained contexts are refused once only the reserved slot remains.
//
// The generic context keeps the layout fields (stack size, SP offset,
// Deferred, ReturnLanding): code built for one layout cannot run in
// another. A full position asked for with a layout its generic version
// does not have gets ErrVersionLimit and the caller stays in the
// interpreter.
func (r *registry) limitVersions(id BlockID, ctx Context, max int) (Context, error) {
	n := r.count(id)
	if ctx.ChainDepth > 0 {
		if n+1 >= max {
			return ctx, ErrVersionLimit
		}
		return ctx, nil
	}
	switch {
	case n >= max:
		return ctx, ErrVersionLimit
	case n+1 >= max:
		return ctx.Generic(), nil
	}
	return ctx, nil
}

func (r *registry) add(b *Block) {
	r.versions[b.id] = append(r.versions[b.id], b)
	r.all = append(r.all, b)
}

// remove drops b from dispatch. The block stays in the inventory.
func (r *registry) remove(b *Block) {
	list := r.versions[b.id]
	for i, v := range list {
		if v == b {
			list = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.versions, b.id)
		return
	}
	r.versions[b.id] = list
}
