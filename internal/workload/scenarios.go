package workload

import (
	"fmt"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	memerrors "github.com/orizon-lang/memcx/internal/errors"
	"github.com/orizon-lang/memcx/internal/fault"
	"github.com/orizon-lang/memcx/internal/host"
	"github.com/orizon-lang/memcx/internal/mem"
)

// Catalogue returns every scenario in run order.
func Catalogue() []Scenario {
	return []Scenario{
		{
			Name:        "nested-scopes",
			Description: "a host error in the innermost of three scopes restores every previous region",
			Run:         nestedScopes,
		},
		{
			Name:        "divergent-borrow",
			Description: "a value allocated in an outer region from an inner scope outlives the inner region",
			Run:         divergentBorrow,
		},
		{
			Name:        "reset-cascade",
			Description: "resetting a parent invalidates values held in its children",
			Run:         resetCascade,
		},
		{
			Name:        "fault-roundtrip",
			Description: "a host error crossing managed frames comes back out with the same report",
			Run:         faultRoundtrip,
		},
		{
			Name:        "over-aligned",
			Description: "alignments above the native ceiling are honoured or rejected, never misaligned",
			Run:         overAligned,
		},
		{
			Name:        "zero-size",
			Description: "zero byte allocations yield a valid empty value",
			Run:         zeroSize,
		},
		{
			Name:        "free-routing",
			Description: "frees go to the owning region regardless of the current one",
			Run:         freeRouting,
		},
		{
			Name:        "slab-chunks",
			Description: "a slab region reuses freed chunks and refuses any other size",
			Run:         slabChunks,
		},
	}
}

func nestedScopes(env *Env) (string, error) {
	m := env.Mem
	before := env.Runtime.CurrentContext()
	a, err := m.Tree.Create(m.Tree.Top(), "a", host.AllocSet)
	if err != nil {
		return "", err
	}
	b, err := m.Tree.Create(a, "b", host.AllocSet)
	if err != nil {
		return "", err
	}
	c, err := m.Tree.Create(b, "c", host.AllocSet)
	if err != nil {
		return "", err
	}

	depth := 0
	ferr := env.Bridge.Catch(func() {
		_ = m.Stack.WithCurrent(a, func(*mem.Handle) error {
			return m.Stack.WithCurrent(b, func(*mem.Handle) error {
				return m.Stack.WithCurrent(c, func(*mem.Handle) error {
					depth = m.Stack.Depth()
					env.Bridge.Guard(func() {
						env.Runtime.Ereport(host.Error, host.ErrcodeDivisionByZero, "division by zero")
					})
					return nil
				})
			})
		})
	})

	var f *fault.Fault
	if !errors.As(ferr, &f) {
		return "", errors.Errorf("expected a fault, got %v", ferr)
	}
	if err := check(f.Code() == host.ErrcodeDivisionByZero, "fault carries %s", f.Code()); err != nil {
		return "", err
	}
	if err := check(depth == 3, "innermost depth was %d", depth); err != nil {
		return "", err
	}
	if err := check(m.Stack.Depth() == 0, "%d scopes left open", m.Stack.Depth()); err != nil {
		return "", err
	}
	if err := check(env.Runtime.CurrentContext() == before, "current region is %s", env.Runtime.Name(env.Runtime.CurrentContext())); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s unwound %d scopes", f.Code(), depth), nil
}

func divergentBorrow(env *Env) (string, error) {
	m := env.Mem
	outer, err := m.Tree.Create(m.Tree.Top(), "outer", host.AllocSet)
	if err != nil {
		return "", err
	}
	inner, err := m.Tree.Create(m.Tree.Top(), "inner", host.AllocSet)
	if err != nil {
		return "", err
	}

	var v mem.Value
	err = m.Stack.WithCurrent(outer, func(*mem.Handle) error {
		return m.Stack.WithCurrent(inner, func(*mem.Handle) error {
			h, err := m.Stack.Borrow(outer)
			if err != nil {
				return err
			}
			v, err = h.Allocate(64, 0)
			return err
		})
	})
	if err != nil {
		return "", err
	}
	if err := m.Tree.Delete(inner); err != nil {
		return "", err
	}
	owner, err := m.Allocator.OwnerOf(v)
	if err != nil {
		return "", errors.Wrap(err, "value did not survive the inner region")
	}
	if err := check(owner == outer, "value owned by %s, want %s", owner, outer); err != nil {
		return "", err
	}
	return fmt.Sprintf("value in %s outlived inner", m.Tree.Name(owner)), nil
}

func resetCascade(env *Env) (string, error) {
	m := env.Mem
	p, err := m.Tree.Create(m.Tree.Top(), "P", host.AllocSet)
	if err != nil {
		return "", err
	}
	c, err := m.Tree.Create(p, "C", host.AllocSet)
	if err != nil {
		return "", err
	}
	v, err := m.Allocator.AllocateIn(c, 128, 0)
	if err != nil {
		return "", err
	}

	if _, err := m.Tree.Reset(p); err != nil {
		return "", err
	}
	_, err = v.Bytes()
	if err := check(errors.Is(err, memerrors.ErrRegionInactive), "stale value access returned %v", err); err != nil {
		return "", err
	}
	_, live := m.Tree.Lookup("C")
	if err := check(!live, "child C survived its parent's reset"); err != nil {
		return "", err
	}
	return "child value reported inactive", nil
}

func faultRoundtrip(env *Env) (string, error) {
	rt, b := env.Runtime, env.Bridge
	want := &host.ErrorReport{
		Level:    host.Error,
		Code:     host.ErrcodeRaiseException,
		Message:  "raised from the host",
		Detail:   "crossed one managed frame",
		Hint:     "none",
		Filename: "workload",
		Lineno:   1,
	}

	var got *host.ErrorReport
	rt.TryCatch(func() {
		b.Boundary(func() {
			b.Guard(func() { rt.Raise(want) })
		})
	}, func(rep *host.ErrorReport) { got = rep })

	if got == nil {
		return "", errors.New("no host error came back out")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		return "", errors.Errorf("report changed across the boundary (-want +got):\n%s", diff)
	}
	return fmt.Sprintf("%s survived the round trip", got.Code), nil
}

func overAligned(env *Env) (string, error) {
	m := env.Mem
	r, err := m.Tree.Create(m.Tree.Top(), "aligned", host.AllocSet)
	if err != nil {
		return "", err
	}
	var native, padded, rejected int
	for _, align := range []uintptr{16, 64, 256, 4096} {
		v, err := m.Allocator.AllocateIn(r, 40, align)
		if err != nil {
			if !errors.Is(err, memerrors.ErrAlignmentUnsupported) {
				return "", errors.Wrapf(err, "alignment %d", align)
			}
			rejected++
			continue
		}
		p, err := v.Pointer()
		if err != nil {
			return "", err
		}
		if err := check(uintptr(p)%align == 0, "pointer %p not aligned to %d", p, align); err != nil {
			return "", err
		}
		if v.Padded() {
			padded++
		} else {
			native++
		}
	}
	return fmt.Sprintf("native=%d padded=%d rejected=%d", native, padded, rejected), nil
}

func zeroSize(env *Env) (string, error) {
	m := env.Mem
	r, err := m.Tree.Create(m.Tree.Top(), "empty", host.AllocSet)
	if err != nil {
		return "", err
	}
	v, err := mem.WithCurrentValue(m.Stack, r, func(h *mem.Handle) (mem.Value, error) {
		return h.Allocate(0, 0)
	})
	if err != nil {
		return "", err
	}
	b, err := v.Bytes()
	if err != nil {
		return "", err
	}
	if err := check(len(b) == 0 && v.Valid(), "zero size value has %d bytes", len(b)); err != nil {
		return "", err
	}
	return "empty value in " + m.Tree.Name(v.Tag()), nil
}

func freeRouting(env *Env) (string, error) {
	m := env.Mem
	a, err := m.Tree.Create(m.Tree.Top(), "A", host.AllocSet)
	if err != nil {
		return "", err
	}
	b, err := m.Tree.Create(m.Tree.Top(), "B", host.AllocSet)
	if err != nil {
		return "", err
	}
	v, err := m.Allocator.AllocateIn(a, 100, 0)
	if err != nil {
		return "", err
	}

	if err := m.Stack.WithCurrent(b, func(*mem.Handle) error { return m.Allocator.Free(v) }); err != nil {
		return "", err
	}
	sa, err := m.Tree.Stats(a)
	if err != nil {
		return "", err
	}
	sb, err := m.Tree.Stats(b)
	if err != nil {
		return "", err
	}
	if err := check(sa.Frees == 1 && sa.LiveBytes == 0, "owner A saw %d frees, %d live bytes", sa.Frees, sa.LiveBytes); err != nil {
		return "", err
	}
	if err := check(sb.Frees == 0, "current region B saw %d frees", sb.Frees); err != nil {
		return "", err
	}
	return "free landed in A", nil
}

func slabChunks(env *Env) (string, error) {
	m := env.Mem
	r, err := m.Tree.CreateSlab(m.Tree.Top(), "slab", 48)
	if err != nil {
		return "", err
	}
	first, err := m.Allocator.AllocateIn(r, 48, 0)
	if err != nil {
		return "", err
	}
	p1, err := first.Pointer()
	if err != nil {
		return "", err
	}
	if err := m.Allocator.Free(first); err != nil {
		return "", err
	}
	second, err := m.Allocator.AllocateIn(r, 48, 0)
	if err != nil {
		return "", err
	}
	p2, err := second.Pointer()
	if err != nil {
		return "", err
	}
	if err := check(p1 == p2, "freed chunk %p not reused, got %p", p1, p2); err != nil {
		return "", err
	}
	_, err = m.Allocator.AllocateIn(r, 64, 0)
	if err := check(errors.Is(err, memerrors.ErrInvalidSize), "odd-sized request returned %v", err); err != nil {
		return "", err
	}
	return "48-byte chunk reused", nil
}
