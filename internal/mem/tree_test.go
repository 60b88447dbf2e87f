package mem

import (
	stderrors "errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/memcx/internal/errors"
	"github.com/orizon-lang/memcx/internal/host"
)

func names(t *testing.T, tree *Tree) []string {
	t.Helper()
	var out []string
	tree.Walk(func(r Ref, depth int) bool {
		out = append(out, string(rune('0'+depth))+":"+tree.Name(r))
		return true
	})
	return out
}

// TestAdoptsHostTree tests that a new tree mirrors the host's standard pools
func TestAdoptsHostTree(t *testing.T) {
	e := newEnv(t, "")
	want := []string{
		"0:" + host.TopMemoryContext,
		"1:" + host.ErrorContext,
		"1:" + host.CacheMemoryContext,
		"1:" + host.MessageContext,
		"1:" + host.TopTransactionContext,
		"2:" + host.CurTransactionContext,
	}
	if diff := cmp.Diff(want, names(t, e.m.Tree)); diff != "" {
		t.Errorf("tree mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 6, e.m.Tree.Len())

	top := e.m.Tree.Top()
	parent, err := e.m.Tree.Parent(top)
	require.NoError(t, err)
	assert.True(t, parent.IsZero())
	assert.Equal(t, StateActive, e.m.Tree.State(top))
}

func TestCreateAndChildren(t *testing.T) {
	e := newEnv(t, "")
	top := e.m.Tree.Top()
	a := e.region(t, top, "a")
	b := e.region(t, a, "b")

	kids, err := e.m.Tree.Children(a)
	require.NoError(t, err)
	assert.Equal(t, []Ref{b}, kids)
	p, err := e.m.Tree.Parent(b)
	require.NoError(t, err)
	assert.Equal(t, a, p)

	pool, err := e.m.Tree.Pool(b)
	require.NoError(t, err)
	got, ok := e.m.Tree.RefOf(pool)
	require.True(t, ok)
	assert.Equal(t, b, got)

	_, err = e.m.Tree.Create(a, "", host.AllocSet)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidArgument))
	assert.False(t, stderrors.Is(err, errors.ErrInvalidHierarchy))

	_, err = e.m.Tree.Create(a, "slab", host.Slab)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidArgument))
	_, err = e.m.Tree.Create(a, "odd", host.Kind(42))
	assert.True(t, stderrors.Is(err, errors.ErrInvalidArgument))
}

// TestResetCascade tests that reset invalidates the region and every descendant
func TestResetCascade(t *testing.T) {
	e := newEnv(t, "")
	p := e.region(t, e.m.Tree.Top(), "P")
	c := e.region(t, p, "C")
	g := e.region(t, c, "G")

	v, err := e.m.Allocator.AllocateIn(c, 64, 0)
	require.NoError(t, err)
	w, err := e.m.Allocator.AllocateIn(p, 8, 0)
	require.NoError(t, err)
	require.True(t, v.Valid())

	var fired []string
	require.NoError(t, e.m.Tree.OnReset(c, func(_ Ref, deleted bool) {
		assert.True(t, deleted)
		fired = append(fired, "C")
	}))
	require.NoError(t, e.m.Tree.OnReset(p, func(_ Ref, deleted bool) {
		assert.False(t, deleted)
		fired = append(fired, "P")
	}))

	np, err := e.m.Tree.Reset(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "P"}, fired)

	_, err = v.Bytes()
	assert.True(t, stderrors.Is(err, errors.ErrRegionInactive))
	assert.False(t, w.Valid())

	assert.Equal(t, StateReset, e.m.Tree.State(p))
	assert.Equal(t, StateReset, e.m.Tree.State(np))
	assert.Equal(t, StateDeleted, e.m.Tree.State(c))
	assert.Equal(t, StateDeleted, e.m.Tree.State(g))
	assert.True(t, stderrors.Is(e.m.Tree.Validate(p), errors.ErrRegionInactive))
	require.NoError(t, e.m.Tree.Validate(np))

	kids, err := e.m.Tree.Children(np)
	require.NoError(t, err)
	assert.Empty(t, kids)

	// the region is usable again through its new reference
	_, err = e.m.Allocator.AllocateIn(np, 8, 0)
	require.NoError(t, err)
	assert.Equal(t, StateActive, e.m.Tree.State(np))

	refreshed, ok := e.m.Tree.Refresh(p)
	require.True(t, ok)
	assert.Equal(t, np, refreshed)
	_, ok = e.m.Tree.Refresh(c)
	assert.False(t, ok)
}

func TestResetLeafKeepsShape(t *testing.T) {
	e := newEnv(t, "")
	a := e.region(t, e.m.Tree.Top(), "a")
	leaf := e.region(t, a, "leaf")
	before := names(t, e.m.Tree)

	_, err := e.m.Tree.Reset(leaf)
	require.NoError(t, err)
	assert.Equal(t, before, names(t, e.m.Tree))
}

func TestDelete(t *testing.T) {
	e := newEnv(t, "")
	a := e.region(t, e.m.Tree.Top(), "a")
	b := e.region(t, a, "b")
	n := e.m.Tree.Len()

	require.NoError(t, e.m.Tree.Delete(a))
	assert.Equal(t, n-2, e.m.Tree.Len())
	assert.Equal(t, StateDeleted, e.m.Tree.State(a))
	assert.Equal(t, StateDeleted, e.m.Tree.State(b))
	_, ok := e.m.Tree.Lookup("a")
	assert.False(t, ok)

	err := e.m.Tree.Delete(a)
	assert.True(t, stderrors.Is(err, errors.ErrRegionInactive))

	err = e.m.Tree.Delete(e.m.Tree.Top())
	assert.True(t, stderrors.Is(err, errors.ErrInvalidHierarchy))
}

// TestSlotReuseKeepsOldRefsStale tests that a recycled arena slot does not revive old references
func TestSlotReuseKeepsOldRefsStale(t *testing.T) {
	e := newEnv(t, "")
	a := e.region(t, e.m.Tree.Top(), "a")
	require.NoError(t, e.m.Tree.Delete(a))
	b := e.region(t, e.m.Tree.Top(), "b")

	assert.Equal(t, a.ID, b.ID)
	assert.NotEqual(t, a.Gen, b.Gen)
	assert.Equal(t, StateDeleted, e.m.Tree.State(a))
	assert.True(t, stderrors.Is(e.m.Tree.Validate(a), errors.ErrRegionInactive))
	assert.Equal(t, "b", e.m.Tree.Name(b))
	assert.Equal(t, "", e.m.Tree.Name(a))
}

func TestReparent(t *testing.T) {
	e := newEnv(t, "")
	top := e.m.Tree.Top()
	a := e.region(t, top, "a")
	b := e.region(t, a, "b")
	c := e.region(t, top, "c")

	require.NoError(t, e.m.Tree.Reparent(b, c))
	p, err := e.m.Tree.Parent(b)
	require.NoError(t, err)
	assert.Equal(t, c, p)
	poolB, _ := e.m.Tree.Pool(b)
	poolC, _ := e.m.Tree.Pool(c)
	assert.Equal(t, poolC, e.rt.Parent(poolB))

	// b now dies with c, not a
	require.NoError(t, e.m.Tree.Delete(a))
	assert.NoError(t, e.m.Tree.Validate(b))
	require.NoError(t, e.m.Tree.Delete(c))
	assert.Equal(t, StateDeleted, e.m.Tree.State(b))
}

func TestReparentInvalidHierarchy(t *testing.T) {
	e := newEnv(t, "")
	top := e.m.Tree.Top()
	a := e.region(t, top, "a")
	b := e.region(t, a, "b")
	other := newEnv(t, "")

	cases := map[string][2]Ref{
		"cycle":       {a, b},
		"self":        {a, a},
		"root":        {top, a},
		"cross tree":  {a, other.m.Tree.Top()},
		"cross tree2": {other.m.Tree.Top(), a},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			err := e.m.Tree.Reparent(tc[0], tc[1])
			assert.True(t, stderrors.Is(err, errors.ErrInvalidHierarchy), "got %v", err)
		})
	}
	// the tree is unchanged
	p, err := e.m.Tree.Parent(b)
	require.NoError(t, err)
	assert.Equal(t, a, p)
}

func TestHostResetObserved(t *testing.T) {
	e := newEnv(t, "")
	txn := e.lookup(t, host.TopTransactionContext)
	cur := e.lookup(t, host.CurTransactionContext)
	v, err := e.m.Allocator.AllocateIn(cur, 16, 0)
	require.NoError(t, err)

	// the host ends the transaction on its own
	pool, _ := e.m.Tree.Pool(txn)
	e.rt.Reset(pool)

	assert.False(t, v.Valid())
	assert.Equal(t, StateReset, e.m.Tree.State(txn))
	assert.Equal(t, StateDeleted, e.m.Tree.State(cur))
}

func TestRefOfAdoptsForeignPools(t *testing.T) {
	e := newEnv(t, "")
	n := e.m.Tree.Len()
	pool := e.rt.CreatePool(e.rt.Top(), "created by host", host.Generation)

	r, ok := e.m.Tree.RefOf(pool)
	require.True(t, ok)
	assert.Equal(t, n+1, e.m.Tree.Len())
	kind, err := e.m.Tree.Kind(r)
	require.NoError(t, err)
	assert.Equal(t, host.Generation, kind)

	_, ok = e.m.Tree.RefOf(host.PoolID(4242))
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	e := newEnv(t, "")
	r := e.region(t, e.m.Tree.Top(), "stats")
	_, err := e.m.Allocator.AllocateIn(r, 100, 0)
	require.NoError(t, err)
	s, err := e.m.Tree.Stats(r)
	require.NoError(t, err)
	assert.EqualValues(t, 100, s.LiveBytes)
	assert.EqualValues(t, 1, s.LiveChunks)
}

func TestCreateSlab(t *testing.T) {
	e := newEnv(t, "")
	r, err := e.m.Tree.CreateSlab(e.m.Tree.Top(), "slab", 32)
	require.NoError(t, err)
	kind, err := e.m.Tree.Kind(r)
	require.NoError(t, err)
	assert.Equal(t, host.Slab, kind)

	v, err := e.m.Allocator.AllocateIn(r, 32, 0)
	require.NoError(t, err)
	_, err = e.m.Allocator.AllocateIn(r, 16, 0)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidSize), "got %v", err)
	_, err = e.m.Allocator.AllocateIn(r, 32, 64)
	assert.True(t, stderrors.Is(err, errors.ErrAlignmentUnsupported), "got %v", err)
	_, err = e.m.Allocator.Reallocate(v, 64)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidSize), "got %v", err)
	require.NoError(t, e.m.Allocator.Free(v))

	for _, size := range []uintptr{0, host.MaxSlabChunkSize + 1} {
		_, err = e.m.Tree.CreateSlab(e.m.Tree.Top(), "bad", size)
		assert.True(t, stderrors.Is(err, errors.ErrInvalidSize), "size %d", size)
	}
	_, err = e.m.Tree.CreateSlab(e.m.Tree.Top(), "", 32)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidArgument))
}
