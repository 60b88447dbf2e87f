package fault

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/orizon-lang/memcx/internal/errors"
	"github.com/orizon-lang/memcx/internal/host"
	"github.com/orizon-lang/memcx/internal/metrics"
)

// Bridge converts errors crossing the boundary between one host runtime
// and managed code.
type Bridge struct {
	rt      *host.Runtime
	log     *logrus.Entry
	metrics *metrics.Collector
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger, the standard logger by default.
func WithLogger(l *logrus.Logger) Option {
	return func(b *Bridge) { b.log = l.WithField("component", "fault") }
}

// WithMetrics records fault traffic on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(b *Bridge) { b.metrics = m }
}

// New creates a bridge for rt.
func New(rt *host.Runtime, opts ...Option) *Bridge {
	b := &Bridge{rt: rt, log: logrus.StandardLogger().WithField("component", "fault")}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Runtime returns the host runtime the bridge serves.
func (b *Bridge) Runtime() *host.Runtime { return b.rt }

// Guard runs a host call. A host error raised by fn leaves Guard as a
// panic carrying *Fault; any other panic passes through untouched.
func (b *Bridge) Guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			panic(b.inbound(r))
		}
	}()
	fn()
}

// Call is Guard for host calls that return a value.
func Call[T any](b *Bridge, fn func() T) T {
	var out T
	b.Guard(func() { out = fn() })
	return out
}

// Intercept converts a recovered raw host jump into a *Fault. It is meant
// for deferred cleanup that re-panics: a jump reaching it crossed managed
// frames without a Guard, which is logged. Other values are returned as is.
func (b *Bridge) Intercept(r any) any {
	if j, ok := r.(*host.Jump); ok {
		b.log.WithField("jump", j.String()).Warn("host error crossed managed frames without a guard")
		return b.inbound(j)
	}
	return r
}

func (b *Bridge) inbound(r any) any {
	j, ok := r.(*host.Jump)
	if !ok {
		return r
	}
	rep := j.Report
	if rep == nil {
		rep = &host.ErrorReport{Level: host.Error, Code: host.ErrcodeInternalError, Message: "host raised an error without a report"}
	}
	b.metrics.Fault("inbound", string(rep.Code))
	return newFault(rep)
}

// Boundary runs a managed entry point called by the host. A *Fault escaping
// fn is raised again as the host's native error with its original report.
// Any other Go panic is raised as an internal error; a raw host jump is
// passed through. If a fault can no longer be represented faithfully the
// host is aborted.
func (b *Bridge) Boundary(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.outbound(r)
		}
	}()
	fn()
}

// BoundaryErr is Boundary for entry points that report failure by
// returning an error. A non-nil error is raised as a host error.
func (b *Bridge) BoundaryErr(fn func() error) {
	b.Boundary(func() {
		if err := fn(); err != nil {
			panic(err)
		}
	})
}

func (b *Bridge) outbound(r any) {
	switch v := r.(type) {
	case *host.Jump:
		panic(v)
	case *Fault:
		if !v.intact() {
			b.conversionFailure(v.rep.Code, "payload changed after interception")
		}
		rep := v.Report()
		if err := b.rt.Validate(rep); err != nil {
			b.conversionFailure(rep.Code, err.Error())
		}
		b.metrics.Fault("outbound", string(rep.Code))
		b.rt.Raise(rep)
	case *errors.StandardError:
		if v.Code == errors.CodeFaultConversionFailure {
			panic(v)
		}
		b.raiseInternal(v.Error(), v.Code)
	case error:
		b.raiseInternal(v.Error(), "")
	default:
		b.raiseInternal(fmt.Sprint(v), "")
	}
}

func (b *Bridge) raiseInternal(msg, detail string) {
	rep := &host.ErrorReport{
		Level:   host.Error,
		Code:    host.ErrcodeInternalError,
		Message: msg,
		Detail:  detail,
	}
	b.metrics.Fault("outbound", string(rep.Code))
	b.log.WithField("message", msg).Debug("raising managed panic as host error")
	b.rt.Raise(rep)
}

func (b *Bridge) conversionFailure(code host.SQLState, reason string) {
	err := errors.FaultConversionFailure(string(code), reason)
	b.metrics.ConversionFailure()
	b.log.WithError(err).Error("aborting host")
	b.rt.Abort(err.Error())
	panic(err)
}

// Catch runs fn and returns the fault it raised, if any. Host jumps are
// intercepted; other panics propagate.
func (b *Bridge) Catch(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if f, ok := b.Intercept(r).(*Fault); ok {
				err = f
				return
			}
			panic(r)
		}
	}()
	fn()
	return nil
}

// Throw raises a new fault from managed code, located at the caller.
func Throw(code host.SQLState, format string, args ...interface{}) {
	rep := &host.ErrorReport{
		Level:   host.Error,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
	if pc, file, line, ok := runtime.Caller(1); ok {
		rep.Filename = filepath.Base(file)
		rep.Lineno = line
		if fn := runtime.FuncForPC(pc); fn != nil {
			rep.Funcname = fn.Name()
		}
	}
	panic(newFault(rep))
}
