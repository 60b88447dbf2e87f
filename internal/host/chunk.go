package host

import (
	"math/bits"
	"unsafe"
)

// Chunk layout constants.
const (
	// MaxAllocSize is the largest request the regular allocation path
	// accepts. Larger requests need the huge-allocation primitive.
	MaxAllocSize = 0x3fffffff

	// MaxAlignment is the largest alignment AllocAligned accepts.
	MaxAlignment = 1 << 20

	// MaxAlign is the alignment every regular chunk is guaranteed to have.
	MaxAlign = 1 << minChunkShift

	// ChunkHeaderSize is the header in front of every chunk. AllocAligned
	// needs size+align+ChunkHeaderSize to fit under MaxAllocSize.
	ChunkHeaderSize = chunkHeaderSize

	// MaxSlabChunkSize is the largest chunk size a slab pool accepts.
	MaxSlabChunkSize = chunkLimit

	chunkHeaderSize = unsafe.Sizeof(chunkHeader{})
	minChunkShift   = 3
	numClasses      = 11
	chunkLimit      = 1 << (minChunkShift + numClasses - 1) // 8 KiB
	classLarge      = 0xffff

	magicChunk   uint32 = 0xa110c8ed
	magicAligned uint32 = 0xa119ed00
	magicFreed   uint32 = 0xdeadbeef
)

// chunkHeader sits immediately before every pointer handed out by the
// host. For aligned chunks it is a redirect header: size is the caller's
// request and aux encodes log2(alignment)<<24 | offset to the raw chunk.
type chunkHeader struct {
	magic uint32
	pool  PoolID
	size  uint32
	aux   uint32
}

func headerOf(ptr unsafe.Pointer) *chunkHeader {
	return (*chunkHeader)(unsafe.Add(ptr, -int(chunkHeaderSize)))
}

func classFor(size uintptr) int {
	if size <= 1<<minChunkShift {
		return 0
	}
	return bits.Len64(uint64(size-1)) - minChunkShift
}

func classCapacity(c int) uintptr {
	return 1 << (minChunkShift + c)
}

// Alloc allocates size bytes in pool. Zero-size requests return a real
// minimum-size chunk that must be freed like any other.
func (rt *Runtime) Alloc(id PoolID, size uintptr) unsafe.Pointer {
	p := rt.lookup(id)
	rt.checkSize(size)
	return rt.allocChunk(p, size)
}

// AllocZero allocates size zeroed bytes in pool.
func (rt *Runtime) AllocZero(id PoolID, size uintptr) unsafe.Pointer {
	ptr := rt.Alloc(id, size)
	clear(unsafe.Slice((*byte)(ptr), size))
	return ptr
}

// SupportsAlignedAlloc reports whether this host version ships AllocAligned.
func (rt *Runtime) SupportsAlignedAlloc() bool {
	return alignedAllocConstraint.Check(rt.version)
}

// AllocAligned allocates size bytes aligned to align, a power of two.
// The result can be passed to Realloc and Free like any chunk.
func (rt *Runtime) AllocAligned(id PoolID, size, align uintptr) unsafe.Pointer {
	if !rt.SupportsAlignedAlloc() {
		rt.Ereport(Error, ErrcodeFeatureNotSupported,
			"aligned allocation is not supported by host version %s", rt.version)
	}
	p := rt.lookup(id)
	rt.checkSize(size)
	if p.kind == Slab {
		rt.Ereport(Error, ErrcodeFeatureNotSupported, "slab context %s does not support aligned allocation", p.name)
	}
	if align == 0 || align&(align-1) != 0 || align > MaxAlignment {
		rt.Ereport(Error, ErrcodeInvalidParameterValue, "invalid alignment %d", align)
	}
	if align <= MaxAlign {
		return rt.allocChunk(p, size)
	}

	total := size + align + chunkHeaderSize
	rt.checkSize(total)
	raw := rt.allocChunk(p, total)
	base := uintptr(raw) + chunkHeaderSize
	aligned := (base + align - 1) &^ (align - 1)
	offset := aligned - uintptr(raw)
	ptr := unsafe.Add(raw, int(offset))

	h := headerOf(ptr)
	h.magic = magicAligned
	h.pool = p.id
	h.size = uint32(size)
	h.aux = uint32(bits.TrailingZeros64(uint64(align)))<<24 | uint32(offset)

	// the raw chunk accounted for total bytes; report the caller's request
	p.stats.LiveBytes -= uint64(total - size)
	return ptr
}

// Realloc resizes the chunk at ptr inside the pool that owns it. Aligned
// chunks keep their alignment.
func (rt *Runtime) Realloc(ptr unsafe.Pointer, size uintptr) unsafe.Pointer {
	h := rt.checkedHeader(ptr, "repalloc")
	p := rt.lookup(h.pool)
	rt.checkSize(size)
	old := uintptr(h.size)

	if h.magic == magicAligned {
		align := uintptr(1) << (h.aux >> 24)
		np := rt.AllocAligned(p.id, size, align)
		copy(unsafe.Slice((*byte)(np), size), unsafe.Slice((*byte)(ptr), min(old, size)))
		rt.Free(ptr)
		return np
	}

	if p.kind == Slab {
		if size != p.slabSize {
			rt.Ereport(Error, ErrcodeFeatureNotSupported, "slab context %s does not support realloc", p.name)
		}
		return ptr
	}

	class := int(h.aux & 0xffff)
	if class != classLarge && size <= classCapacity(class) {
		h.size = uint32(size)
		p.stats.LiveBytes = p.stats.LiveBytes - uint64(old) + uint64(size)
		return ptr
	}

	np := rt.allocChunk(p, size)
	copy(unsafe.Slice((*byte)(np), size), unsafe.Slice((*byte)(ptr), min(old, size)))
	rt.Free(ptr)
	return np
}

// Free releases the chunk at ptr back to the pool that owns it. Freeing the
// same pointer twice is undefined.
func (rt *Runtime) Free(ptr unsafe.Pointer) {
	h := rt.checkedHeader(ptr, "pfree")
	p := rt.lookup(h.pool)

	if h.magic == magicAligned {
		offset := uintptr(h.aux & 0xffffff)
		raw := unsafe.Add(ptr, -int(offset))
		size := uint64(h.size)
		h.magic = magicFreed
		rh := headerOf(raw)
		// undo the adjustment made by AllocAligned before releasing the raw chunk
		p.stats.LiveBytes += uint64(rh.size) - size
		rt.freeChunk(p, raw)
		return
	}
	rt.freeChunk(p, ptr)
}

// ChunkPool returns the pool that owns the chunk at ptr.
func (rt *Runtime) ChunkPool(ptr unsafe.Pointer) PoolID {
	return rt.checkedHeader(ptr, "GetMemoryChunkContext").pool
}

// ChunkSize returns the requested size recorded for the chunk at ptr.
func (rt *Runtime) ChunkSize(ptr unsafe.Pointer) uintptr {
	return uintptr(rt.checkedHeader(ptr, "GetMemoryChunkSpace").size)
}

func (rt *Runtime) checkSize(size uintptr) {
	if size > MaxAllocSize {
		rt.Ereport(Error, ErrcodeProgramLimitExceeded, "invalid memory alloc request size %d", size)
	}
}

func (rt *Runtime) checkedHeader(ptr unsafe.Pointer, op string) *chunkHeader {
	if ptr == nil {
		rt.Ereport(Error, ErrcodeInternalError, "%s called with null pointer", op)
	}
	h := headerOf(ptr)
	if h.magic != magicChunk && h.magic != magicAligned {
		rt.Ereport(Error, ErrcodeInternalError, "%s called with invalid pointer %p", op, ptr)
	}
	return h
}

func (rt *Runtime) allocChunk(p *pool, size uintptr) unsafe.Pointer {
	if p.kind == Slab && size != p.slabSize {
		rt.Ereport(Error, ErrcodeInvalidParameterValue,
			"unexpected alloc chunk size %d in slab context %s (expected %d)", size, p.name, p.slabSize)
	}
	var ptr unsafe.Pointer
	class := classLarge
	if size > chunkLimit {
		b := rt.newBlock(int(chunkHeaderSize + size))
		ptr = unsafe.Pointer(&b.mem[chunkHeaderSize])
		p.large[ptr] = b
	} else {
		class = classFor(size)
		if n := len(p.free[class]); n > 0 && p.kind != Generation {
			ptr = p.free[class][n-1]
			p.free[class] = p.free[class][:n-1]
		} else {
			ptr = rt.carve(p, chunkHeaderSize+classCapacity(class))
		}
	}

	h := headerOf(ptr)
	h.magic = magicChunk
	h.pool = p.id
	h.size = uint32(size)
	h.aux = uint32(class)

	p.stats.LiveBytes += uint64(size)
	p.stats.LiveChunks++
	p.stats.Allocs++
	return ptr
}

func (rt *Runtime) freeChunk(p *pool, ptr unsafe.Pointer) {
	h := headerOf(ptr)
	class := int(h.aux & 0xffff)
	p.stats.LiveBytes -= uint64(h.size)
	p.stats.LiveChunks--
	p.stats.Frees++
	h.magic = magicFreed

	if class == classLarge {
		if b, ok := p.large[ptr]; ok {
			rt.releaseBlock(b)
			delete(p.large, ptr)
		}
		return
	}
	if p.kind != Generation {
		p.free[class] = append(p.free[class], ptr)
	}
}

// carve bump-allocates n bytes from the pool's newest block and returns the
// user pointer just past the header.
func (rt *Runtime) carve(p *pool, n uintptr) unsafe.Pointer {
	var b *block
	if len(p.blocks) > 0 {
		b = p.blocks[len(p.blocks)-1]
		if len(b.mem)-b.used < int(n) {
			b = nil
		}
	}
	if b == nil {
		size := p.nextBlock
		for size < int(n) {
			size *= 2
		}
		b = rt.newBlock(size)
		p.blocks = append(p.blocks, b)
		if p.nextBlock < rt.maxBlock {
			p.nextBlock = min(p.nextBlock*2, rt.maxBlock)
		}
	}
	start := unsafe.Pointer(&b.mem[b.used])
	b.used += int(n)
	return unsafe.Add(start, int(chunkHeaderSize))
}

func (rt *Runtime) newBlock(size int) *block {
	mem, err := sysAlloc(size)
	if err != nil {
		rt.Ereport(Error, ErrcodeOutOfMemory, "out of memory: failed on request of size %d: %v", size, err)
	}
	mapped.Add(int64(len(mem)))
	return &block{mem: mem}
}
