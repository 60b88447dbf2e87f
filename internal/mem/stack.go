package mem

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/memcx/internal/errors"
	"github.com/orizon-lang/memcx/internal/fault"
	"github.com/orizon-lang/memcx/internal/host"
	"github.com/orizon-lang/memcx/internal/metrics"
)

type scope struct {
	token    uint64
	region   Ref
	prev     host.PoolID
	borrowed []Ref
	open     bool
}

// Stack drives the host's current pool. Every WithCurrent pushes a scope
// and the scope is popped, restoring the previous pool, however the body
// exits.
type Stack struct {
	tree    *Tree
	alloc   *Allocator
	rt      *host.Runtime
	bridge  *fault.Bridge
	scopes  []*scope
	tokens  uint64
	log     *logrus.Entry
	metrics *metrics.Collector
}

// NewStack creates the scope stack for tree. Handles it hands out allocate
// through alloc.
func NewStack(tree *Tree, alloc *Allocator, opts Options) *Stack {
	opts.defaults()
	return &Stack{
		tree:    tree,
		alloc:   alloc,
		rt:      tree.rt,
		bridge:  tree.bridge,
		log:     opts.Logger.WithField("component", "stack"),
		metrics: opts.Metrics,
	}
}

// WithCurrent makes r the host's current region while body runs. The
// previous region is restored when body returns, returns early with an
// error, or panics; faults and host errors keep propagating after the
// restore. The handle passed to body must not be used once body returns.
func (s *Stack) WithCurrent(r Ref, body func(h *Handle) error) error {
	sc, err := s.push(r)
	if err != nil {
		return err
	}
	defer func() {
		if rec := recover(); rec != nil {
			rec = s.bridge.Intercept(rec)
			s.pop(sc)
			panic(rec)
		}
		s.pop(sc)
	}()
	return body(&Handle{stack: s, scope: sc, data: r})
}

// WithCurrentValue is WithCurrent for bodies that produce a value.
func WithCurrentValue[T any](s *Stack, r Ref, body func(h *Handle) (T, error)) (T, error) {
	var out T
	err := s.WithCurrent(r, func(h *Handle) error {
		var err error
		out, err = body(h)
		return err
	})
	return out, err
}

// Current returns the host's current region.
func (s *Stack) Current() Ref {
	r, _ := s.tree.RefOf(s.rt.CurrentContext())
	return r
}

// Depth returns the number of open scopes.
func (s *Stack) Depth() int { return len(s.scopes) }

// Borrow returns a handle to r bound to the innermost open scope: the
// handle expires with that scope while the values it allocates live as
// long as r.
func (s *Stack) Borrow(r Ref) (*Handle, error) {
	if len(s.scopes) == 0 {
		return nil, errors.ScopeViolation("borrow of " + r.String() + " outside any scope")
	}
	if err := s.tree.Validate(r); err != nil {
		return nil, err
	}
	sc := s.scopes[len(s.scopes)-1]
	s.tree.acquire(r)
	sc.borrowed = append(sc.borrowed, r)
	return &Handle{stack: s, scope: sc, data: r}, nil
}

func (s *Stack) push(r Ref) (*scope, error) {
	n, err := s.tree.node(r)
	if err != nil {
		return nil, err
	}
	s.tokens++
	sc := &scope{
		token:    s.tokens,
		region:   r,
		borrowed: []Ref{r},
		open:     true,
	}
	s.tree.acquire(r)
	sc.prev = s.rt.SwitchTo(n.pool)
	s.scopes = append(s.scopes, sc)
	s.metrics.ScopeEntered(len(s.scopes))
	s.log.WithFields(logrus.Fields{"region": n.name, "depth": len(s.scopes)}).Debug("scope entered")
	return sc, nil
}

func (s *Stack) pop(sc *scope) {
	top := len(s.scopes) - 1
	if top < 0 || s.scopes[top] != sc {
		panic(errors.ScopeViolation(fmt.Sprintf("scope %d exited out of order", sc.token)))
	}
	s.scopes = s.scopes[:top]
	sc.open = false
	for _, r := range sc.borrowed {
		s.tree.release(r)
	}
	sc.borrowed = nil

	prev := sc.prev
	if !s.rt.Exists(prev) {
		s.log.WithField("pool", prev).Warn("previous current region is gone, falling back to the root")
		prev = s.rt.Top()
	}
	s.rt.SwitchTo(prev)
	s.metrics.ScopeExited(len(s.scopes))
}
