// Package mem implements region-based memory management on top of the
// host's pool tree.
//
// Regions are named by generation-checked references: a Ref records the
// generation of the region it was taken from, and every reset or delete
// bumps that generation, so a Ref (and every Value allocated through it)
// taken before the reset reports RegionInactive on its next use instead of
// reading freed memory.
//
// A Handle carries two lifetimes. Its scope bounds how long the handle
// itself may be used; its region bounds how long the values it allocates
// stay valid. The two differ when a handle to an outer region is borrowed
// inside an inner scope.
//
// Nothing in this package is safe for concurrent use; a Tree, its Stack and
// its Allocator belong to the single thread that drives the host.
package mem

import "fmt"

// RegionID is a slot in a tree's region arena.
type RegionID uint32

// Ref names one incarnation of a region. The zero Ref names nothing.
type Ref struct {
	Tree uint32
	ID   RegionID
	Gen  uint32
}

// IsZero reports whether r is the zero Ref.
func (r Ref) IsZero() bool { return r == Ref{} }

func (r Ref) String() string {
	if r.IsZero() {
		return "region(none)"
	}
	return fmt.Sprintf("region(%d:%d@%d)", r.Tree, r.ID, r.Gen)
}

// State is the lifecycle state of a region as seen through a Ref.
type State int

const (
	// StateActive regions have been allocated from since their last reset.
	StateActive State = iota
	// StateReset regions were reset and hold no allocations.
	StateReset
	// StateDeleted regions are gone; their slot may host another region.
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateReset:
		return "reset"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
