// Package host emulates the pool-allocating runtime memcx is embedded in.
//
// The runtime owns a tree of memory pools ("contexts"). Allocation goes to a
// pool, resetting a pool frees everything allocated in it and deletes its
// children, and errors are reported with a non-unwinding jump (a panic
// carrying *Jump) that the caller is expected to intercept at the call
// boundary. The runtime is bound to a single thread and is not safe for
// concurrent use.
package host

import (
	"sort"
	"unsafe"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
)

// PoolID identifies a memory pool. Zero is never a valid pool.
type PoolID uint32

// InvalidPool is the zero PoolID.
const InvalidPool PoolID = 0

// Names of the pools every runtime starts with.
const (
	TopMemoryContext      = "TopMemoryContext"
	ErrorContext          = "ErrorContext"
	CacheMemoryContext    = "CacheMemoryContext"
	MessageContext        = "MessageContext"
	TopTransactionContext = "TopTransactionContext"
	CurTransactionContext = "CurTransactionContext"
)

// Default block sizing, matching the host's default allocation set.
const (
	DefaultInitialBlockSize = 8 * 1024
	DefaultMaxBlockSize     = 8 * 1024 * 1024
	DefaultVersion          = "16.2.0"
)

// Options configures a Runtime.
type Options struct {
	Version          string         // host version, semver
	InitialBlockSize int            // first block of every pool
	MaxBlockSize     int            // blocks double up to this size
	Abort            func(string)   // process abort hook, defaults to logging at fatal level
	Logger           *logrus.Logger // defaults to the standard logger
}

// Runtime is one emulated host process.
type Runtime struct {
	version   *semver.Version
	pools     map[PoolID]*pool
	nextID    PoolID
	current   PoolID
	wellKnown map[string]PoolID
	initBlock int
	maxBlock  int
	abort     func(string)
	log       *logrus.Entry
}

// New creates a runtime with the standard pool tree and MessageContext as
// the current pool.
func New(opts Options) (*Runtime, error) {
	if opts.Version == "" {
		opts.Version = DefaultVersion
	}
	v, err := semver.NewVersion(opts.Version)
	if err != nil {
		return nil, err
	}
	if opts.InitialBlockSize <= 0 {
		opts.InitialBlockSize = DefaultInitialBlockSize
	}
	if opts.MaxBlockSize < opts.InitialBlockSize {
		opts.MaxBlockSize = DefaultMaxBlockSize
	}
	if opts.MaxBlockSize < opts.InitialBlockSize {
		opts.MaxBlockSize = opts.InitialBlockSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	rt := &Runtime{
		version:   v,
		pools:     make(map[PoolID]*pool),
		wellKnown: make(map[string]PoolID),
		initBlock: opts.InitialBlockSize,
		maxBlock:  opts.MaxBlockSize,
		log:       logger.WithField("component", "host"),
	}
	rt.abort = opts.Abort
	if rt.abort == nil {
		rt.abort = func(reason string) { rt.log.Fatal(reason) }
	}

	top := rt.newPool(InvalidPool, TopMemoryContext, AllocSet)
	rt.wellKnown[TopMemoryContext] = top
	for _, name := range []string{ErrorContext, CacheMemoryContext, MessageContext, TopTransactionContext} {
		rt.wellKnown[name] = rt.newPool(top, name, AllocSet)
	}
	rt.wellKnown[CurTransactionContext] = rt.newPool(rt.wellKnown[TopTransactionContext], CurTransactionContext, AllocSet)
	rt.current = rt.wellKnown[MessageContext]

	return rt, nil
}

// WellKnown returns the pool registered under one of the standard names.
func (rt *Runtime) WellKnown(name string) (PoolID, bool) {
	id, ok := rt.wellKnown[name]
	if !ok || !rt.Exists(id) {
		return InvalidPool, false
	}
	return id, true
}

// Top returns the root pool.
func (rt *Runtime) Top() PoolID { return rt.wellKnown[TopMemoryContext] }

// CurrentContext returns the pool used by parameterless allocations.
func (rt *Runtime) CurrentContext() PoolID { return rt.current }

// SwitchTo makes id the current pool and returns the previous one.
func (rt *Runtime) SwitchTo(id PoolID) PoolID {
	prev := rt.current
	rt.current = id
	return prev
}

// Palloc allocates size bytes in the current pool.
func (rt *Runtime) Palloc(size uintptr) unsafe.Pointer {
	return rt.Alloc(rt.current, size)
}

// Exists reports whether id names a live pool.
func (rt *Runtime) Exists(id PoolID) bool {
	_, ok := rt.pools[id]
	return ok
}

// Pools returns every live pool in id order.
func (rt *Runtime) Pools() []PoolID {
	ids := make([]PoolID, 0, len(rt.pools))
	for id := range rt.pools {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Name returns the pool name, or "" for a dead pool.
func (rt *Runtime) Name(id PoolID) string {
	if p, ok := rt.pools[id]; ok {
		return p.name
	}
	return ""
}

// Parent returns the parent pool, InvalidPool for the root or a dead pool.
func (rt *Runtime) Parent(id PoolID) PoolID {
	if p, ok := rt.pools[id]; ok {
		return p.parent
	}
	return InvalidPool
}

// Children returns a copy of the pool's child list.
func (rt *Runtime) Children(id PoolID) []PoolID {
	p, ok := rt.pools[id]
	if !ok {
		return nil
	}
	return append([]PoolID(nil), p.children...)
}

// KindOf returns the allocation strategy of the pool.
func (rt *Runtime) KindOf(id PoolID) Kind {
	if p, ok := rt.pools[id]; ok {
		return p.kind
	}
	return AllocSet
}

// Stats returns the accounting of one pool.
func (rt *Runtime) Stats(id PoolID) PoolStats {
	p, ok := rt.pools[id]
	if !ok {
		return PoolStats{}
	}
	s := p.stats
	s.Blocks = len(p.blocks) + len(p.large)
	s.BlockBytes = p.blockBytes()
	return s
}

// Abort terminates the host process through the configured hook.
func (rt *Runtime) Abort(reason string) {
	rt.abort(reason)
}

func (rt *Runtime) lookup(id PoolID) *pool {
	p, ok := rt.pools[id]
	if !ok {
		rt.Ereport(Error, ErrcodeInternalError, "invalid memory context %d", id)
	}
	return p
}
