package mem

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/memcx/internal/errors"
	"github.com/orizon-lang/memcx/internal/fault"
	"github.com/orizon-lang/memcx/internal/host"
)

func TestWithCurrentSwitchesAndRestores(t *testing.T) {
	e := newEnv(t, "")
	before := e.rt.CurrentContext()
	r := e.region(t, e.m.Tree.Top(), "work")
	pool, _ := e.m.Tree.Pool(r)

	err := e.m.Stack.WithCurrent(r, func(h *Handle) error {
		assert.Equal(t, pool, e.rt.CurrentContext())
		assert.Equal(t, r, e.m.Stack.Current())
		assert.Equal(t, 1, e.m.Stack.Depth())
		assert.Equal(t, r, h.Region())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, before, e.rt.CurrentContext())
	assert.Equal(t, 0, e.m.Stack.Depth())
}

func TestWithCurrentReturnsBodyError(t *testing.T) {
	e := newEnv(t, "")
	before := e.rt.CurrentContext()
	r := e.region(t, e.m.Tree.Top(), "work")
	boom := errors.ScopeViolation("early exit")

	err := e.m.Stack.WithCurrent(r, func(*Handle) error { return boom })
	assert.Same(t, boom, err)
	assert.Equal(t, before, e.rt.CurrentContext())
}

// TestNestedRestoreThroughFault tests that an intercepted fault in the innermost scope unwinds every scope
func TestNestedRestoreThroughFault(t *testing.T) {
	e := newEnv(t, "")
	before := e.rt.CurrentContext()
	a := e.region(t, e.m.Tree.Top(), "a")
	b := e.region(t, a, "b")
	c := e.region(t, b, "c")

	var depths []int
	r := recovered(func() {
		_ = e.m.Stack.WithCurrent(a, func(*Handle) error {
			return e.m.Stack.WithCurrent(b, func(*Handle) error {
				return e.m.Stack.WithCurrent(c, func(*Handle) error {
					depths = append(depths, e.m.Stack.Depth())
					e.m.Bridge.Guard(func() {
						e.rt.Ereport(host.Error, host.ErrcodeDivisionByZero, "division by zero")
					})
					return nil
				})
			})
		})
	})

	f, ok := r.(*fault.Fault)
	require.True(t, ok, "got %#v", r)
	assert.Equal(t, host.ErrcodeDivisionByZero, f.Code())
	assert.Equal(t, []int{3}, depths)
	assert.Equal(t, 0, e.m.Stack.Depth())
	assert.Equal(t, before, e.rt.CurrentContext())
}

// TestRawJumpIsInterceptedAtScopeExit tests that an unguarded host error is still converted and the stack restored
func TestRawJumpIsInterceptedAtScopeExit(t *testing.T) {
	e := newEnv(t, "")
	before := e.rt.CurrentContext()
	r := e.region(t, e.m.Tree.Top(), "work")

	rec := recovered(func() {
		_ = e.m.Stack.WithCurrent(r, func(*Handle) error {
			e.rt.Ereport(host.Error, host.ErrcodeOutOfMemory, "out of memory")
			return nil
		})
	})
	_, ok := rec.(*fault.Fault)
	assert.True(t, ok, "got %#v", rec)
	assert.Equal(t, before, e.rt.CurrentContext())
}

func TestWithCurrentStaleRegion(t *testing.T) {
	e := newEnv(t, "")
	r := e.region(t, e.m.Tree.Top(), "work")
	require.NoError(t, e.m.Tree.Delete(r))

	called := false
	err := e.m.Stack.WithCurrent(r, func(*Handle) error { called = true; return nil })
	assert.True(t, stderrors.Is(err, errors.ErrRegionInactive))
	assert.False(t, called)
}

func TestWithCurrentValue(t *testing.T) {
	e := newEnv(t, "")
	r := e.region(t, e.m.Tree.Top(), "work")
	v, err := WithCurrentValue(e.m.Stack, r, func(h *Handle) (Value, error) {
		return h.Allocate(32, 0)
	})
	require.NoError(t, err)
	assert.Equal(t, r, v.Tag())
	assert.True(t, v.Valid())
}

func TestHandleExpiresWithScope(t *testing.T) {
	e := newEnv(t, "")
	r := e.region(t, e.m.Tree.Top(), "work")
	var kept *Handle
	require.NoError(t, e.m.Stack.WithCurrent(r, func(h *Handle) error {
		kept = h
		assert.True(t, h.Valid())
		return nil
	}))

	assert.False(t, kept.Valid())
	_, err := kept.Allocate(8, 0)
	assert.True(t, stderrors.Is(err, errors.ErrRegionInactive))
	err = kept.MakeCurrent(func(*Handle) error { return nil })
	assert.True(t, stderrors.Is(err, errors.ErrRegionInactive))
}

// TestDivergentBorrow tests a value allocated in the outer region from inside an inner scope
func TestDivergentBorrow(t *testing.T) {
	e := newEnv(t, "")
	outer := e.region(t, e.m.Tree.Top(), "outer")
	inner := e.region(t, e.m.Tree.Top(), "inner")

	var out Value
	err := e.m.Stack.WithCurrent(outer, func(*Handle) error {
		return e.m.Stack.WithCurrent(inner, func(*Handle) error {
			h, err := e.m.Stack.Borrow(outer)
			if err != nil {
				return err
			}
			assert.Equal(t, inner, e.m.Stack.Current())
			out, err = h.Allocate(24, 0)
			return err
		})
	})
	require.NoError(t, err)

	assert.Equal(t, outer, out.Tag())
	owner, err := e.m.Allocator.OwnerOf(out)
	require.NoError(t, err)
	assert.Equal(t, outer, owner)

	// the inner region going away does not touch the value
	require.NoError(t, e.m.Tree.Delete(inner))
	b, err := out.Bytes()
	require.NoError(t, err)
	assert.Len(t, b, 24)
}

func TestBorrowOutsideScope(t *testing.T) {
	e := newEnv(t, "")
	_, err := e.m.Stack.Borrow(e.m.Tree.Top())
	assert.True(t, stderrors.Is(err, errors.ErrScopeViolation))
}

// TestStrictBorrowGuard tests that a borrowed subtree cannot be reset under an open scope
func TestStrictBorrowGuard(t *testing.T) {
	e := newEnv(t, "")
	p := e.region(t, e.m.Tree.Top(), "P")
	c := e.region(t, p, "C")

	require.NoError(t, e.m.Stack.WithCurrent(c, func(*Handle) error {
		_, err := e.m.Tree.Reset(p)
		assert.True(t, stderrors.Is(err, errors.ErrRegionBorrowed), "got %v", err)
		err = e.m.Tree.Delete(c)
		assert.True(t, stderrors.Is(err, errors.ErrRegionBorrowed), "got %v", err)
		return nil
	}))

	// released on scope exit
	_, err := e.m.Tree.Reset(p)
	require.NoError(t, err)
}

func TestLenientResetInvalidatesHandle(t *testing.T) {
	e := newEnv(t, "", func(o *Options) { o.StrictBorrows = false })
	before := e.rt.CurrentContext()
	p := e.region(t, e.m.Tree.Top(), "P")
	c := e.region(t, p, "C")

	require.NoError(t, e.m.Stack.WithCurrent(c, func(h *Handle) error {
		v, err := h.Allocate(8, 0)
		require.NoError(t, err)
		require.NoError(t, e.m.Tree.Delete(p))

		assert.False(t, h.Valid())
		assert.False(t, v.Valid())
		_, err = h.Allocate(8, 0)
		assert.True(t, stderrors.Is(err, errors.ErrRegionInactive))
		return nil
	}))
	assert.Equal(t, before, e.rt.CurrentContext())
}

func TestCurrentPoolDeletedInsideScope(t *testing.T) {
	e := newEnv(t, "", func(o *Options) { o.StrictBorrows = false })
	a := e.region(t, e.m.Tree.Top(), "a")
	b := e.region(t, e.m.Tree.Top(), "b")

	require.NoError(t, e.m.Stack.WithCurrent(a, func(*Handle) error {
		return e.m.Stack.WithCurrent(b, func(*Handle) error {
			return e.m.Tree.Delete(a)
		})
	}))
	// the inner scope could not go back to a, the outer scope restored the original pool
	msg, _ := e.rt.WellKnown(host.MessageContext)
	assert.Equal(t, msg, e.rt.CurrentContext())
}

func TestMakeCurrent(t *testing.T) {
	e := newEnv(t, "")
	outer := e.region(t, e.m.Tree.Top(), "outer")
	inner := e.region(t, e.m.Tree.Top(), "inner")
	outerPool, _ := e.m.Tree.Pool(outer)

	require.NoError(t, e.m.Stack.WithCurrent(outer, func(oh *Handle) error {
		return e.m.Stack.WithCurrent(inner, func(*Handle) error {
			return oh.MakeCurrent(func(*Handle) error {
				assert.Equal(t, outerPool, e.rt.CurrentContext())
				assert.Equal(t, 3, e.m.Stack.Depth())
				return nil
			})
		})
	}))
}

func TestWithRegion(t *testing.T) {
	e := newEnv(t, "")
	n := e.m.Tree.Len()
	var r Ref
	err := e.m.WithRegion(e.m.Tree.Top(), "scratch", func(h *Handle) error {
		r = h.Region()
		_, err := h.Allocate(128, 0)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, n, e.m.Tree.Len())
	assert.Equal(t, StateDeleted, e.m.Tree.State(r))
}
