package mem

import (
	"fmt"
	"unsafe"

	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/memcx/internal/errors"
	"github.com/orizon-lang/memcx/internal/fault"
	"github.com/orizon-lang/memcx/internal/host"
	"github.com/orizon-lang/memcx/internal/metrics"
)

// AlignCeiling is the strictest alignment of any primitive type. Every
// host chunk is aligned to it.
const AlignCeiling = max(unsafe.Alignof(int64(0)), unsafe.Alignof(float64(0)))

// Allocator hands out tagged values from region memory, either in the
// host's current region or in an explicit one.
type Allocator struct {
	tree       *Tree
	rt         *host.Runtime
	bridge     *fault.Bridge
	strategies []Strategy
	maxPad     uintptr
	log        *logrus.Entry
	metrics    *metrics.Collector
}

// NewAllocator creates an allocator over tree's regions.
func NewAllocator(tree *Tree, opts Options) *Allocator {
	opts.defaults()
	return &Allocator{
		tree:       tree,
		rt:         tree.rt,
		bridge:     tree.bridge,
		strategies: opts.Strategies,
		maxPad:     opts.MaxPadAlignment,
		log:        opts.Logger.WithField("component", "allocator"),
		metrics:    opts.Metrics,
	}
}

// Allocate allocates size bytes in the host's current region.
func (a *Allocator) Allocate(size, align uintptr) (Value, error) {
	r, err := a.ambient()
	if err != nil {
		return Value{}, err
	}
	return a.allocate(r, size, align, false, "ambient")
}

// AllocateZeroed allocates size cleared bytes in the host's current region.
func (a *Allocator) AllocateZeroed(size, align uintptr) (Value, error) {
	r, err := a.ambient()
	if err != nil {
		return Value{}, err
	}
	return a.allocate(r, size, align, true, "ambient")
}

// AllocateIn allocates size bytes in r.
func (a *Allocator) AllocateIn(r Ref, size, align uintptr) (Value, error) {
	return a.allocate(r, size, align, false, "explicit")
}

// AllocateZeroedIn allocates size cleared bytes in r.
func (a *Allocator) AllocateZeroedIn(r Ref, size, align uintptr) (Value, error) {
	return a.allocate(r, size, align, true, "explicit")
}

func (a *Allocator) ambient() (Ref, error) {
	pool := a.rt.CurrentContext()
	r, ok := a.tree.RefOf(pool)
	if !ok {
		return Ref{}, errors.RegionInactive(a.rt.Name(pool), "current region no longer exists")
	}
	return r, nil
}

func (a *Allocator) allocate(r Ref, size, align uintptr, zero bool, path string) (Value, error) {
	v, strategy, err := a.place(r, size, align, zero)
	if err != nil {
		if se, ok := err.(*errors.StandardError); ok {
			a.metrics.AllocationFailure(se.Code)
		}
		return Value{}, err
	}
	a.metrics.Allocation(path, string(strategy), size)
	return v, nil
}

func (a *Allocator) place(r Ref, size, align uintptr, zero bool) (Value, Strategy, error) {
	n, err := a.tree.node(r)
	if err != nil {
		return Value{}, "", err
	}
	if size > host.MaxAllocSize {
		return Value{}, "", errors.InvalidSize(size, "allocation in "+n.name)
	}
	if align == 0 {
		align = AlignCeiling
	}
	if align&(align-1) != 0 {
		return Value{}, "", errors.AlignmentInvalid(align)
	}
	if align > AlignCeiling && !fitsAligned(size, align) {
		return Value{}, "", errors.InvalidSize(size, fmt.Sprintf("allocation in %s aligned to %d", n.name, align))
	}
	if n.kind == host.Slab {
		if align > AlignCeiling {
			return Value{}, "", errors.AlignmentUnsupported(align, AlignCeiling, "slab regions hand out fixed-size chunks")
		}
		if want := a.rt.SlabChunkSize(n.pool); size != want {
			return Value{}, "", errors.InvalidSize(size, fmt.Sprintf("slab region %s of %d-byte chunks", n.name, want))
		}
	}

	v := Value{tree: a.tree, tag: r, size: size, align: align}
	strategy := strategyDefault
	if align <= AlignCeiling {
		v.ptr = fault.Call(a.bridge, func() unsafe.Pointer {
			if zero {
				return a.rt.AllocZero(n.pool, size)
			}
			return a.rt.Alloc(n.pool, size)
		})
		v.base = v.ptr
	} else {
		strategy, err = a.overAligned(n, &v, zero)
		if err != nil {
			return Value{}, "", err
		}
	}

	if uintptr(v.ptr)%align != 0 {
		a.bridge.Guard(func() { a.rt.Free(v.base) })
		return Value{}, "", errors.AlignmentUnsupported(align, AlignCeiling,
			"strategy "+string(strategy)+" returned a misaligned pointer")
	}
	a.tree.markActive(n)
	return v, strategy, nil
}

// fitsAligned reports whether an over-aligned request of size bytes stays
// under the host ceiling once the alignment slack and chunk header are added.
func fitsAligned(size, align uintptr) bool {
	return align < host.MaxAllocSize-host.ChunkHeaderSize &&
		size <= host.MaxAllocSize-align-host.ChunkHeaderSize
}

// overAligned walks the strategy chain for alignments above AlignCeiling.
func (a *Allocator) overAligned(n *node, v *Value, zero bool) (Strategy, error) {
	size, align := v.size, v.align
	for _, s := range a.strategies {
		switch s {
		case StrategyNative:
			if !a.rt.SupportsAlignedAlloc() || align > host.MaxAlignment {
				continue
			}
			v.ptr = fault.Call(a.bridge, func() unsafe.Pointer {
				return a.rt.AllocAligned(n.pool, size, align)
			})
			if zero {
				clear(unsafe.Slice((*byte)(v.ptr), size))
			}
			v.base = v.ptr
			return s, nil
		case StrategyPad:
			if align > a.maxPad || size > host.MaxAllocSize-align {
				continue
			}
			v.base = fault.Call(a.bridge, func() unsafe.Pointer {
				if zero {
					return a.rt.AllocZero(n.pool, size+align-1)
				}
				return a.rt.Alloc(n.pool, size+align-1)
			})
			off := (align - uintptr(v.base)%align) % align
			v.ptr = unsafe.Add(v.base, off)
			v.padded = true
			return s, nil
		case StrategyReject:
			return s, errors.AlignmentUnsupported(align, AlignCeiling, "rejected by policy")
		default:
			a.log.WithField("strategy", s).Warn("ignoring unknown alignment strategy")
		}
	}
	return "", errors.AlignmentUnsupported(align, AlignCeiling, "no strategy could satisfy it")
}

// Reallocate resizes v inside the region that owns its chunk. v must not
// be used afterwards. Padded values cannot be reallocated.
func (a *Allocator) Reallocate(v Value, size uintptr) (Value, error) {
	if v.inline {
		return Value{}, errors.UnsupportedType("inline value", "cannot be reallocated")
	}
	if err := v.check(); err != nil {
		return Value{}, err
	}
	if v.Padded() {
		return Value{}, errors.AlignmentUnsupported(v.align, AlignCeiling, "padded values cannot be reallocated")
	}
	if size > host.MaxAllocSize || (v.align > AlignCeiling && !fitsAligned(size, v.align)) {
		return Value{}, errors.InvalidSize(size, "reallocation")
	}
	owner, err := a.OwnerOf(v)
	if err != nil {
		return Value{}, err
	}
	n, err := a.tree.node(owner)
	if err != nil {
		return Value{}, err
	}
	if n.kind == host.Slab && size != a.rt.SlabChunkSize(n.pool) {
		return Value{}, errors.InvalidSize(size, "reallocation in slab region "+n.name)
	}
	ptr := fault.Call(a.bridge, func() unsafe.Pointer { return a.rt.Realloc(v.ptr, size) })
	a.metrics.Realloc()
	return Value{tree: a.tree, tag: owner, ptr: ptr, base: ptr, size: size, align: v.align}, nil
}

// Free returns v's memory to its region early. Inline values are ignored.
// Freeing a value whose region was reset reports RegionInactive; the
// memory is already gone.
func (a *Allocator) Free(v Value) error {
	if v.inline {
		return nil
	}
	if err := v.check(); err != nil {
		return err
	}
	a.bridge.Guard(func() { a.rt.Free(v.base) })
	a.metrics.Free()
	return nil
}

// FreePointer frees a chunk allocated by the host outside this package.
func (a *Allocator) FreePointer(ptr unsafe.Pointer) {
	a.bridge.Guard(func() { a.rt.Free(ptr) })
	a.metrics.Free()
}

// OwnerOf resolves the region owning v's chunk from the chunk header.
func (a *Allocator) OwnerOf(v Value) (Ref, error) {
	if v.inline {
		return Ref{}, errors.UnsupportedType("inline value", "has no owning region")
	}
	if err := v.check(); err != nil {
		return Ref{}, err
	}
	pool := fault.Call(a.bridge, func() host.PoolID { return a.rt.ChunkPool(v.base) })
	r, ok := a.tree.RefOf(pool)
	if !ok {
		return Ref{}, errors.RegionInactive(v.tag.String(), "owning pool is gone")
	}
	return r, nil
}
