package host

import (
	"sync/atomic"
	"unsafe"
)

// Kind selects the allocation strategy of a pool.
type Kind int

const (
	// AllocSet keeps per size-class free lists and reuses freed chunks.
	AllocSet Kind = iota
	// Generation never reuses freed chunks; space comes back on reset.
	Generation
	// Slab hands out chunks of the single size given at creation.
	Slab
)

// mapped counts the bytes currently held in blocks by every runtime.
var mapped atomic.Int64

// MappedBytes returns the bytes all runtimes in the process currently hold
// in blocks.
func MappedBytes() int64 { return mapped.Load() }

func (k Kind) String() string {
	switch k {
	case AllocSet:
		return "AllocSet"
	case Generation:
		return "Generation"
	case Slab:
		return "Slab"
	default:
		return "Unknown"
	}
}

// PoolStats is the host's own accounting for one pool.
type PoolStats struct {
	LiveBytes  uint64 // requested bytes of live chunks
	LiveChunks uint64 // chunks allocated and not yet freed
	Allocs     uint64 // chunks ever allocated
	Frees      uint64 // chunks ever freed
	Resets     uint64 // times the pool was reset
	Blocks     int    // blocks currently held
	BlockBytes uint64 // bytes held in blocks
}

// ResetEvent is delivered to reset callbacks.
type ResetEvent struct {
	Pool    PoolID
	Deleted bool // the pool is being deleted, not only reset
}

type block struct {
	mem  []byte
	used int
}

type pool struct {
	id        PoolID
	name      string
	kind      Kind
	slabSize  uintptr
	parent    PoolID
	children  []PoolID
	blocks    []*block // blocks[0] is the keeper block, survives reset
	nextBlock int
	free      [numClasses][]unsafe.Pointer
	large     map[unsafe.Pointer]*block
	callbacks []func(ResetEvent)
	stats     PoolStats
}

func (p *pool) blockBytes() uint64 {
	var n uint64
	for _, b := range p.blocks {
		n += uint64(len(b.mem))
	}
	for _, b := range p.large {
		n += uint64(len(b.mem))
	}
	return n
}

func (rt *Runtime) newPool(parent PoolID, name string, kind Kind) PoolID {
	rt.nextID++
	p := &pool{
		id:        rt.nextID,
		name:      name,
		kind:      kind,
		parent:    parent,
		nextBlock: rt.initBlock,
		large:     make(map[unsafe.Pointer]*block),
	}
	rt.pools[p.id] = p
	if parent != InvalidPool {
		pp := rt.pools[parent]
		pp.children = append(pp.children, p.id)
	}
	return p.id
}

// CreatePool creates an empty pool under parent. Slab pools need a chunk
// size and are created with CreateSlabPool.
func (rt *Runtime) CreatePool(parent PoolID, name string, kind Kind) PoolID {
	rt.lookup(parent)
	if name == "" {
		rt.Ereport(Error, ErrcodeInvalidParameterValue, "memory context name must not be empty")
	}
	switch kind {
	case AllocSet, Generation:
	case Slab:
		rt.Ereport(Error, ErrcodeInvalidParameterValue, "slab context %s needs a chunk size", name)
	default:
		rt.Ereport(Error, ErrcodeInvalidParameterValue, "unknown memory context kind %d", int(kind))
	}
	return rt.newPool(parent, name, kind)
}

// CreateSlabPool creates a pool whose every chunk is exactly chunkSize
// bytes.
func (rt *Runtime) CreateSlabPool(parent PoolID, name string, chunkSize uintptr) PoolID {
	rt.lookup(parent)
	if name == "" {
		rt.Ereport(Error, ErrcodeInvalidParameterValue, "memory context name must not be empty")
	}
	if chunkSize == 0 || chunkSize > MaxSlabChunkSize {
		rt.Ereport(Error, ErrcodeInvalidParameterValue, "invalid slab chunk size %d", chunkSize)
	}
	id := rt.newPool(parent, name, Slab)
	rt.pools[id].slabSize = chunkSize
	return id
}

// SlabChunkSize returns the chunk size of a slab pool, or 0 for other kinds.
func (rt *Runtime) SlabChunkSize(id PoolID) uintptr {
	return rt.lookup(id).slabSize
}

// RegisterResetCallback arranges for fn to run the next time the pool is
// reset or deleted. Callbacks are one-shot and run children first.
func (rt *Runtime) RegisterResetCallback(id PoolID, fn func(ResetEvent)) {
	p := rt.lookup(id)
	p.callbacks = append(p.callbacks, fn)
}

// Reset frees every chunk of the pool and deletes all its children.
func (rt *Runtime) Reset(id PoolID) {
	p := rt.lookup(id)
	rt.resetPool(p, false)
}

// Delete resets the pool and removes it from the tree.
func (rt *Runtime) Delete(id PoolID) {
	p := rt.lookup(id)
	if p.parent == InvalidPool {
		rt.Ereport(Error, ErrcodeObjectNotInPrerequisite, "cannot delete %s", p.name)
	}
	rt.deletePool(p)
}

// SetParent moves a pool under a new parent, extending or shortening its
// lifetime.
func (rt *Runtime) SetParent(id, parent PoolID) {
	p := rt.lookup(id)
	np := rt.lookup(parent)
	if p.parent == InvalidPool {
		rt.Ereport(Error, ErrcodeObjectNotInPrerequisite, "cannot reparent %s", p.name)
	}
	for a := np; a != nil; a = rt.pools[a.parent] {
		if a.id == p.id {
			rt.Ereport(Error, ErrcodeInvalidParameterValue,
				"setting parent of %s to %s would create a cycle", p.name, np.name)
		}
	}
	if p.parent == parent {
		return
	}
	rt.detach(p)
	p.parent = parent
	np.children = append(np.children, p.id)
}

func (rt *Runtime) detach(p *pool) {
	old, ok := rt.pools[p.parent]
	if !ok {
		return
	}
	for i, c := range old.children {
		if c == p.id {
			old.children = append(old.children[:i], old.children[i+1:]...)
			break
		}
	}
}

func (rt *Runtime) resetPool(p *pool, deleting bool) {
	for len(p.children) > 0 {
		rt.deletePool(rt.pools[p.children[len(p.children)-1]])
	}

	cbs := p.callbacks
	p.callbacks = nil
	for i := len(cbs) - 1; i >= 0; i-- {
		cbs[i](ResetEvent{Pool: p.id, Deleted: deleting})
	}

	for ptr, b := range p.large {
		rt.releaseBlock(b)
		delete(p.large, ptr)
	}
	keep := 1
	if deleting {
		keep = 0
	}
	for i := len(p.blocks) - 1; i >= keep; i-- {
		rt.releaseBlock(p.blocks[i])
	}
	if len(p.blocks) > keep {
		p.blocks = p.blocks[:keep]
	}
	for _, b := range p.blocks {
		b.used = 0
	}
	for c := range p.free {
		p.free[c] = nil
	}
	p.nextBlock = rt.initBlock
	p.stats.LiveBytes = 0
	p.stats.LiveChunks = 0
	p.stats.Resets++
}

// Close deletes every pool, the root included, and unmaps all blocks.
// Reset callbacks fire as for any delete. The runtime must not be used
// afterwards; closing twice is a no-op.
func (rt *Runtime) Close() {
	top, ok := rt.pools[rt.wellKnown[TopMemoryContext]]
	if !ok {
		return
	}
	rt.deletePool(top)
	rt.current = InvalidPool
}

func (rt *Runtime) deletePool(p *pool) {
	rt.resetPool(p, true)
	rt.detach(p)
	delete(rt.pools, p.id)
}

func (rt *Runtime) releaseBlock(b *block) {
	if b.mem == nil {
		return
	}
	mapped.Add(-int64(len(b.mem)))
	if err := sysFree(b.mem); err != nil {
		rt.log.WithError(err).Warn("releasing block")
	}
	b.mem = nil
}
