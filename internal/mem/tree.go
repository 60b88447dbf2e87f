package mem

import (
	"fmt"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/memcx/internal/errors"
	"github.com/orizon-lang/memcx/internal/fault"
	"github.com/orizon-lang/memcx/internal/host"
	"github.com/orizon-lang/memcx/internal/metrics"
)

var treeSeq atomic.Uint32

type node struct {
	live     bool
	gen      uint32 // bumped on reset, delete and slot reuse
	born     uint32 // generation this incarnation started at
	state    State
	pool     host.PoolID
	name     string
	kind     host.Kind
	parent   RegionID
	children []RegionID
	borrows  int // open scopes borrowing this region
}

// Tree mirrors the host's pool tree as an arena of generation-checked
// region nodes. Host resets and deletes, whoever triggers them, are
// observed through reset callbacks.
type Tree struct {
	id      uint32
	rt      *host.Runtime
	bridge  *fault.Bridge
	nodes   []*node // index 0 is unused
	free    []RegionID
	byPool  map[host.PoolID]RegionID
	root    RegionID
	live    int
	strict  bool
	log     *logrus.Entry
	metrics *metrics.Collector
}

// NewTree creates a tree over the bridge's runtime and adopts every pool
// that already exists.
func NewTree(b *fault.Bridge, opts Options) *Tree {
	opts.defaults()
	t := &Tree{
		id:      treeSeq.Add(1),
		rt:      b.Runtime(),
		bridge:  b,
		nodes:   []*node{nil},
		byPool:  make(map[host.PoolID]RegionID),
		strict:  opts.StrictBorrows,
		log:     opts.Logger.WithField("component", "tree"),
		metrics: opts.Metrics,
	}
	t.root = t.adoptPool(t.rt.Top())
	var walk func(host.PoolID)
	walk = func(p host.PoolID) {
		for _, c := range t.rt.Children(p) {
			t.adoptPool(c)
			walk(c)
		}
	}
	walk(t.rt.Top())
	return t
}

// adoptPool returns the region for a live host pool, creating nodes for it
// and any unknown ancestors.
func (t *Tree) adoptPool(pool host.PoolID) RegionID {
	if id, ok := t.byPool[pool]; ok {
		return id
	}
	var parent RegionID
	if pp := t.rt.Parent(pool); pp != host.InvalidPool {
		parent = t.adoptPool(pp)
	}

	var id RegionID
	if n := len(t.free); n > 0 {
		id = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		id = RegionID(len(t.nodes))
		t.nodes = append(t.nodes, &node{})
	}
	n := t.nodes[id]
	n.gen++
	*n = node{
		live:   true,
		gen:    n.gen,
		born:   n.gen,
		state:  StateActive,
		pool:   pool,
		name:   t.rt.Name(pool),
		kind:   t.rt.KindOf(pool),
		parent: parent,
	}
	if parent != 0 {
		pn := t.nodes[parent]
		pn.children = append(pn.children, id)
	}
	t.byPool[pool] = id
	t.live++
	t.watch(id)
	return id
}

func (t *Tree) watch(id RegionID) {
	n := t.nodes[id]
	gen := n.gen
	t.rt.RegisterResetCallback(n.pool, func(ev host.ResetEvent) {
		t.observe(id, gen, ev)
	})
}

func (t *Tree) observe(id RegionID, gen uint32, ev host.ResetEvent) {
	n := t.nodes[id]
	if !n.live || n.gen != gen {
		return
	}
	if ev.Deleted {
		t.retire(id)
		return
	}
	n.gen++
	n.state = StateReset
	// children are deleted before the parent's callbacks run
	n.children = n.children[:0]
	t.watch(id)
}

func (t *Tree) retire(id RegionID) {
	n := t.nodes[id]
	for _, c := range n.children {
		if t.nodes[c].live {
			t.retire(c)
		}
	}
	if n.parent != 0 {
		t.unlink(n.parent, id)
	}
	delete(t.byPool, n.pool)
	n.gen++
	n.live = false
	n.state = StateDeleted
	n.children = nil
	n.borrows = 0
	t.free = append(t.free, id)
	t.live--
}

func (t *Tree) unlink(parent, id RegionID) {
	pn := t.nodes[parent]
	for i, c := range pn.children {
		if c == id {
			pn.children = append(pn.children[:i], pn.children[i+1:]...)
			return
		}
	}
}

func (t *Tree) refOf(id RegionID) Ref {
	return Ref{Tree: t.id, ID: id, Gen: t.nodes[id].gen}
}

// node returns the node r names, or RegionInactive when r is stale.
func (t *Tree) node(r Ref) (*node, error) {
	if r.Tree != t.id || r.ID == 0 || int(r.ID) >= len(t.nodes) {
		return nil, errors.RegionInactive(r.String(), "unknown to this tree")
	}
	n := t.nodes[r.ID]
	if !n.live || r.Gen < n.born {
		return nil, errors.RegionInactive(r.String(), StateDeleted.String())
	}
	if r.Gen != n.gen {
		return nil, errors.RegionInactive(n.name, "reset since this reference was taken")
	}
	return n, nil
}

// Validate returns RegionInactive unless r names the current incarnation
// of a live region.
func (t *Tree) Validate(r Ref) error {
	_, err := t.node(r)
	return err
}

// State reports the lifecycle state of the incarnation r names.
func (t *Tree) State(r Ref) State {
	if r.Tree != t.id || r.ID == 0 || int(r.ID) >= len(t.nodes) {
		return StateDeleted
	}
	n := t.nodes[r.ID]
	switch {
	case !n.live || r.Gen < n.born || r.Gen > n.gen:
		return StateDeleted
	case r.Gen < n.gen:
		return StateReset
	default:
		return n.state
	}
}

// Top returns the root region.
func (t *Tree) Top() Ref { return t.refOf(t.root) }

// RefOf returns the current reference of the region backed by pool,
// adopting pools created behind the tree's back.
func (t *Tree) RefOf(pool host.PoolID) (Ref, bool) {
	if !t.rt.Exists(pool) {
		return Ref{}, false
	}
	return t.refOf(t.adoptPool(pool)), true
}

// Refresh returns the current reference for the region r named, if the
// region still exists. It is how a caller picks the region up again after
// a reset.
func (t *Tree) Refresh(r Ref) (Ref, bool) {
	if t.State(r) == StateDeleted {
		return Ref{}, false
	}
	return t.refOf(r.ID), true
}

// Lookup returns the first live region named name in depth-first order.
func (t *Tree) Lookup(name string) (Ref, bool) {
	var found Ref
	t.Walk(func(r Ref, _ int) bool {
		if t.nodes[r.ID].name == name {
			found = r
			return false
		}
		return true
	})
	return found, !found.IsZero()
}

// Walk visits every live region depth first, parents before children. It
// stops when fn returns false.
func (t *Tree) Walk(fn func(r Ref, depth int) bool) {
	var visit func(RegionID, int) bool
	visit = func(id RegionID, depth int) bool {
		if !fn(t.refOf(id), depth) {
			return false
		}
		for _, c := range append([]RegionID(nil), t.nodes[id].children...) {
			if !visit(c, depth+1) {
				return false
			}
		}
		return true
	}
	visit(t.root, 0)
}

// Len returns the number of live regions.
func (t *Tree) Len() int { return t.live }

// Name returns the region name, "" if r is stale.
func (t *Tree) Name(r Ref) string {
	if n, err := t.node(r); err == nil {
		return n.name
	}
	return ""
}

// Kind returns the allocation strategy of the region's pool.
func (t *Tree) Kind(r Ref) (host.Kind, error) {
	n, err := t.node(r)
	if err != nil {
		return 0, err
	}
	return n.kind, nil
}

// Pool returns the host pool backing r.
func (t *Tree) Pool(r Ref) (host.PoolID, error) {
	n, err := t.node(r)
	if err != nil {
		return host.InvalidPool, err
	}
	return n.pool, nil
}

// Parent returns the parent of r; the root has the zero Ref as parent.
func (t *Tree) Parent(r Ref) (Ref, error) {
	n, err := t.node(r)
	if err != nil {
		return Ref{}, err
	}
	if n.parent == 0 {
		return Ref{}, nil
	}
	return t.refOf(n.parent), nil
}

// Children returns the current references of r's children.
func (t *Tree) Children(r Ref) ([]Ref, error) {
	n, err := t.node(r)
	if err != nil {
		return nil, err
	}
	out := make([]Ref, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, t.refOf(c))
	}
	return out, nil
}

// Stats returns the host accounting of r's pool.
func (t *Tree) Stats(r Ref) (host.PoolStats, error) {
	n, err := t.node(r)
	if err != nil {
		return host.PoolStats{}, err
	}
	return t.rt.Stats(n.pool), nil
}

// Create adds an empty region under parent. Slab regions are created with
// CreateSlab.
func (t *Tree) Create(parent Ref, name string, kind host.Kind) (Ref, error) {
	switch kind {
	case host.AllocSet, host.Generation:
	case host.Slab:
		return Ref{}, errors.InvalidArgument("create", "slab regions need a chunk size, use CreateSlab")
	default:
		return Ref{}, errors.InvalidArgument("create", fmt.Sprintf("unknown region kind %d", int(kind)))
	}
	return t.create(parent, name, kind, func(pool host.PoolID) host.PoolID {
		return t.rt.CreatePool(pool, name, kind)
	})
}

// CreateSlab adds a region under parent whose every allocation is exactly
// chunkSize bytes.
func (t *Tree) CreateSlab(parent Ref, name string, chunkSize uintptr) (Ref, error) {
	if chunkSize == 0 || chunkSize > host.MaxSlabChunkSize {
		return Ref{}, errors.InvalidSize(chunkSize, "slab chunk size")
	}
	return t.create(parent, name, host.Slab, func(pool host.PoolID) host.PoolID {
		return t.rt.CreateSlabPool(pool, name, chunkSize)
	})
}

func (t *Tree) create(parent Ref, name string, kind host.Kind, mk func(host.PoolID) host.PoolID) (Ref, error) {
	pn, err := t.node(parent)
	if err != nil {
		return Ref{}, err
	}
	if name == "" {
		return Ref{}, errors.InvalidArgument("create", "region name must not be empty")
	}
	pool := fault.Call(t.bridge, func() host.PoolID { return mk(pn.pool) })
	id := t.adoptPool(pool)
	t.log.WithFields(logrus.Fields{"region": name, "parent": pn.name, "kind": kind}).Debug("region created")
	t.metrics.RegionEvent("create", t.live)
	return t.refOf(id), nil
}

// Reset frees every allocation in r and deletes all of r's descendants,
// deepest first. It returns the reference r is known by afterwards; r
// itself and every Value allocated through it are stale from now on.
func (t *Tree) Reset(r Ref) (Ref, error) {
	n, err := t.node(r)
	if err != nil {
		return Ref{}, err
	}
	if err := t.checkBorrows(r.ID); err != nil {
		return Ref{}, err
	}
	t.bridge.Guard(func() { t.rt.Reset(n.pool) })
	t.log.WithField("region", n.name).Debug("region reset")
	t.metrics.RegionEvent("reset", t.live)
	return t.refOf(r.ID), nil
}

// Delete resets r and removes it from the tree.
func (t *Tree) Delete(r Ref) error {
	n, err := t.node(r)
	if err != nil {
		return err
	}
	if r.ID == t.root {
		return errors.InvalidHierarchy("delete", "the root region cannot be deleted")
	}
	if err := t.checkBorrows(r.ID); err != nil {
		return err
	}
	name := n.name
	t.bridge.Guard(func() { t.rt.Delete(n.pool) })
	t.log.WithField("region", name).Debug("region deleted")
	t.metrics.RegionEvent("delete", t.live)
	return nil
}

// Reparent moves r under newParent, tying its lifetime to the new parent.
func (t *Tree) Reparent(r, newParent Ref) error {
	if r.Tree != t.id || newParent.Tree != t.id {
		return errors.InvalidHierarchy("reparent", "regions belong to different trees")
	}
	n, err := t.node(r)
	if err != nil {
		return err
	}
	np, err := t.node(newParent)
	if err != nil {
		return err
	}
	switch {
	case r.ID == newParent.ID:
		return errors.InvalidHierarchy("reparent", "a region cannot be its own parent")
	case r.ID == t.root:
		return errors.InvalidHierarchy("reparent", "the root region cannot be moved")
	case t.isAncestor(r.ID, newParent.ID):
		return errors.InvalidHierarchy("reparent",
			"moving "+n.name+" under "+np.name+" would create a cycle")
	}
	if n.parent == newParent.ID {
		return nil
	}
	t.bridge.Guard(func() { t.rt.SetParent(n.pool, np.pool) })
	t.unlink(n.parent, r.ID)
	n.parent = newParent.ID
	np.children = append(np.children, r.ID)
	t.metrics.RegionEvent("reparent", t.live)
	return nil
}

// OnReset registers fn to run the next time r is reset or deleted. Like
// the host's callbacks it fires once; deleted is true when the region is
// going away.
func (t *Tree) OnReset(r Ref, fn func(r Ref, deleted bool)) error {
	n, err := t.node(r)
	if err != nil {
		return err
	}
	t.bridge.Guard(func() {
		t.rt.RegisterResetCallback(n.pool, func(ev host.ResetEvent) { fn(r, ev.Deleted) })
	})
	return nil
}

func (t *Tree) isAncestor(a, d RegionID) bool {
	for id := d; id != 0; id = t.nodes[id].parent {
		if id == a {
			return true
		}
	}
	return false
}

// markActive records that r has been allocated from.
func (t *Tree) markActive(n *node) {
	n.state = StateActive
}

func (t *Tree) acquire(r Ref) { t.nodes[r.ID].borrows++ }

// release drops a borrow taken with acquire, unless the region it named
// is gone and its slot belongs to another region now.
func (t *Tree) release(r Ref) {
	if n := t.nodes[r.ID]; n.live && r.Gen >= n.born && n.borrows > 0 {
		n.borrows--
	}
}

// borrowed counts open borrows on id and its descendants.
func (t *Tree) borrowed(id RegionID) int {
	n := t.nodes[id]
	total := n.borrows
	for _, c := range n.children {
		total += t.borrowed(c)
	}
	return total
}

func (t *Tree) checkBorrows(id RegionID) error {
	if !t.strict {
		return nil
	}
	if b := t.borrowed(id); b > 0 {
		return errors.RegionBorrowed(t.nodes[id].name, b)
	}
	return nil
}
