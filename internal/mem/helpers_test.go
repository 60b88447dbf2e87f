package mem

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/memcx/internal/fault"
	"github.com/orizon-lang/memcx/internal/host"
	"github.com/orizon-lang/memcx/internal/metrics"
)

type env struct {
	rt *host.Runtime
	m  *Manager
}

func newEnv(t testing.TB, version string, mutate ...func(*Options)) *env {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	rt, err := host.New(host.Options{Version: version, Logger: logger, Abort: func(string) {}})
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.Logger = logger
	opts.Metrics = metrics.New("")
	for _, fn := range mutate {
		fn(&opts)
	}
	b := fault.New(rt, fault.WithLogger(logger), fault.WithMetrics(opts.Metrics))
	return &env{rt: rt, m: NewManager(b, opts)}
}

func (e *env) region(t testing.TB, parent Ref, name string) Ref {
	t.Helper()
	r, err := e.m.Tree.Create(parent, name, host.AllocSet)
	require.NoError(t, err)
	return r
}

func (e *env) lookup(t *testing.T, name string) Ref {
	t.Helper()
	r, ok := e.m.Tree.Lookup(name)
	require.True(t, ok, "region %s", name)
	return r
}

func recovered(fn func()) (r any) {
	defer func() { r = recover() }()
	fn()
	return nil
}
