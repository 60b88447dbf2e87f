package fault

import (
	stderrors "errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/memcx/internal/errors"
	"github.com/orizon-lang/memcx/internal/host"
	"github.com/orizon-lang/memcx/internal/metrics"
)

type fixture struct {
	rt      *host.Runtime
	bridge  *Bridge
	aborted []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	fx := &fixture{}
	rt, err := host.New(host.Options{
		Logger: logger,
		Abort:  func(reason string) { fx.aborted = append(fx.aborted, reason) },
	})
	require.NoError(t, err)
	fx.rt = rt
	fx.bridge = New(rt, WithLogger(logger), WithMetrics(metrics.New("")))
	return fx
}

func recovered(fn func()) (r any) {
	defer func() { r = recover() }()
	fn()
	return nil
}

func hostReport() *host.ErrorReport {
	return &host.ErrorReport{
		Level:    host.Error,
		Code:     host.ErrcodeDivisionByZero,
		Message:  "division by zero",
		Detail:   "dividend was 42",
		Hint:     "check the divisor",
		Context:  "SQL function div",
		Filename: "int.c",
		Lineno:   812,
		Funcname: "int4div",
	}
}

// TestGuardConvertsJump tests inbound conversion at the host call boundary
func TestGuardConvertsJump(t *testing.T) {
	fx := newFixture(t)
	r := recovered(func() {
		fx.bridge.Guard(func() { fx.rt.Raise(hostReport()) })
	})
	f, ok := r.(*Fault)
	require.True(t, ok, "got %#v", r)
	assert.Equal(t, host.ErrcodeDivisionByZero, f.Code())
	assert.Equal(t, host.Error, f.Level())
	assert.Equal(t, "division by zero", f.Message())
	assert.True(t, stderrors.Is(f, errors.ErrForeignFault))
	assert.False(t, stderrors.Is(f, errors.ErrRegionInactive))
}

func TestGuardPassesOtherPanics(t *testing.T) {
	fx := newFixture(t)
	r := recovered(func() {
		fx.bridge.Guard(func() { panic("plain") })
	})
	assert.Equal(t, "plain", r)
}

func TestCallReturnsValue(t *testing.T) {
	fx := newFixture(t)
	n := Call(fx.bridge, func() int { return 7 })
	assert.Equal(t, 7, n)
}

// TestRoundTripIsLossless tests that an uncaught fault re-enters the host unchanged
func TestRoundTripIsLossless(t *testing.T) {
	fx := newFixture(t)
	orig := hostReport()

	r := recovered(func() {
		fx.bridge.Boundary(func() {
			fx.bridge.Guard(func() { fx.rt.Raise(orig) })
		})
	})
	j, ok := r.(*host.Jump)
	require.True(t, ok, "got %#v", r)
	if diff := cmp.Diff(hostReport(), j.Report); diff != "" {
		t.Errorf("report changed across the round trip (-want +got):\n%s", diff)
	}
	assert.Empty(t, fx.aborted)
}

func TestReportIsACopy(t *testing.T) {
	fx := newFixture(t)
	f := recovered(func() {
		fx.bridge.Guard(func() { fx.rt.Raise(hostReport()) })
	}).(*Fault)

	rep := f.Report()
	rep.Message = "tampered"
	assert.Equal(t, "division by zero", f.Message())
	assert.True(t, f.intact())
}

func TestBoundaryConvertsGoPanic(t *testing.T) {
	fx := newFixture(t)
	r := recovered(func() {
		fx.bridge.Boundary(func() { panic("index out of range") })
	})
	j, ok := r.(*host.Jump)
	require.True(t, ok)
	assert.Equal(t, host.ErrcodeInternalError, j.Report.Code)
	assert.Equal(t, "index out of range", j.Report.Message)
}

func TestBoundaryErrRaisesReturnedError(t *testing.T) {
	fx := newFixture(t)
	r := recovered(func() {
		fx.bridge.BoundaryErr(func() error { return errors.ScopeViolation("no open scope") })
	})
	j, ok := r.(*host.Jump)
	require.True(t, ok)
	assert.Equal(t, host.ErrcodeInternalError, j.Report.Code)
	assert.Contains(t, j.Report.Message, "no open scope")
	assert.Equal(t, errors.CodeScopeViolation, j.Report.Detail)

	assert.NotPanics(t, func() { fx.bridge.BoundaryErr(func() error { return nil }) })
}

func TestBoundaryPassesRawJump(t *testing.T) {
	fx := newFixture(t)
	rep := hostReport()
	r := recovered(func() {
		fx.bridge.Boundary(func() { fx.rt.Raise(rep) })
	})
	j, ok := r.(*host.Jump)
	require.True(t, ok)
	assert.Same(t, rep, j.Report)
}

// TestConversionFailureAborts tests that an altered payload never re-enters the host
func TestConversionFailureAborts(t *testing.T) {
	fx := newFixture(t)
	r := recovered(func() {
		fx.bridge.Boundary(func() {
			f := recovered(func() {
				fx.bridge.Guard(func() { fx.rt.Raise(hostReport()) })
			}).(*Fault)
			f.rep.Message = "corrupted"
			panic(f)
		})
	})
	err, ok := r.(*errors.StandardError)
	require.True(t, ok, "got %#v", r)
	assert.True(t, stderrors.Is(err, errors.ErrFaultConversionFailure))
	require.Len(t, fx.aborted, 1)
	assert.Contains(t, fx.aborted[0], string(host.ErrcodeDivisionByZero))
}

func TestConversionFailureOnInvalidReport(t *testing.T) {
	fx := newFixture(t)
	r := recovered(func() {
		fx.bridge.Boundary(func() { Throw("bad", "not a sqlstate") })
	})
	_, ok := r.(*errors.StandardError)
	require.True(t, ok, "got %#v", r)
	assert.Len(t, fx.aborted, 1)
}

func TestDeliberateAlteration(t *testing.T) {
	fx := newFixture(t)
	r := recovered(func() {
		fx.bridge.Boundary(func() {
			f := recovered(func() {
				fx.bridge.Guard(func() { fx.rt.Raise(hostReport()) })
			}).(*Fault)
			panic(f.WithDetail("while computing totals"))
		})
	})
	j, ok := r.(*host.Jump)
	require.True(t, ok)
	assert.Equal(t, "while computing totals", j.Report.Detail)
	assert.Equal(t, "division by zero", j.Report.Message)
	assert.Empty(t, fx.aborted)
}

func TestCatch(t *testing.T) {
	fx := newFixture(t)
	err := fx.bridge.Catch(func() {
		Throw(host.ErrcodeRaiseException, "user error %d", 3)
	})
	require.Error(t, err)
	var f *Fault
	require.True(t, stderrors.As(err, &f))
	assert.Equal(t, "user error 3", f.Message())
	assert.Equal(t, "bridge_test.go", f.Report().Filename)

	// raw jumps are intercepted too
	err = fx.bridge.Catch(func() { fx.rt.Raise(hostReport()) })
	assert.True(t, stderrors.Is(err, errors.ErrForeignFault))

	assert.NoError(t, fx.bridge.Catch(func() {}))
	assert.Panics(t, func() { _ = fx.bridge.Catch(func() { panic("other") }) })
}
