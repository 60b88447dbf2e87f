package mem

import (
	"github.com/orizon-lang/memcx/internal/errors"
)

// Handle is scope-bounded access to a region. It may be used only while
// the scope that produced it is open; the values it allocates are tagged
// with its region and stay valid until that region is reset or deleted.
type Handle struct {
	stack *Stack
	scope *scope
	data  Ref
}

// Region returns the region values allocated through h live in.
func (h *Handle) Region() Ref { return h.data }

// Valid reports whether h may still be used.
func (h *Handle) Valid() bool { return h.check() == nil }

func (h *Handle) check() error {
	if !h.scope.open {
		return errors.RegionInactive(h.data.String(), "borrowed by a scope that has ended")
	}
	return h.stack.tree.Validate(h.data)
}

// Allocate allocates size bytes in h's region. An align of zero means
// AlignCeiling.
func (h *Handle) Allocate(size, align uintptr) (Value, error) {
	if err := h.check(); err != nil {
		return Value{}, err
	}
	return h.stack.alloc.allocate(h.data, size, align, false, "handle")
}

// AllocateZeroed is Allocate with the memory cleared.
func (h *Handle) AllocateZeroed(size, align uintptr) (Value, error) {
	if err := h.check(); err != nil {
		return Value{}, err
	}
	return h.stack.alloc.allocate(h.data, size, align, true, "handle")
}

// MakeCurrent runs body with h's region as the host's current region.
func (h *Handle) MakeCurrent(body func(*Handle) error) error {
	if err := h.check(); err != nil {
		return err
	}
	return h.stack.WithCurrent(h.data, body)
}
