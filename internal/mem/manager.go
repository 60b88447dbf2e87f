package mem

import (
	"github.com/orizon-lang/memcx/internal/fault"
	"github.com/orizon-lang/memcx/internal/host"
)

// Manager bundles the region tree, the scope stack and the allocator of
// one host runtime.
type Manager struct {
	Tree      *Tree
	Stack     *Stack
	Allocator *Allocator
	Bridge    *fault.Bridge
}

// NewManager wires a tree, stack and allocator over the bridge's runtime.
func NewManager(b *fault.Bridge, opts Options) *Manager {
	tree := NewTree(b, opts)
	alloc := NewAllocator(tree, opts)
	return &Manager{
		Tree:      tree,
		Stack:     NewStack(tree, alloc, opts),
		Allocator: alloc,
		Bridge:    b,
	}
}

// WithRegion creates a child of parent, runs body with it current and
// deletes it afterwards, whatever way body exits.
func (m *Manager) WithRegion(parent Ref, name string, body func(*Handle) error) (err error) {
	r, err := m.Tree.Create(parent, name, host.AllocSet)
	if err != nil {
		return err
	}
	defer func() {
		if derr := m.Tree.Delete(r); derr != nil && err == nil {
			err = derr
		}
	}()
	return m.Stack.WithCurrent(r, body)
}
