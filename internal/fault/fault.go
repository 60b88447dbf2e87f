// Package fault converts between the host's non-unwinding error signal and
// structured Go panics.
//
// A host error escaping a host call is a *host.Jump. Letting it travel
// through managed frames would skip their deferred cleanup bookkeeping, so
// Guard turns it into a *Fault immediately, right where the host call
// returns. A *Fault unwinds normally through managed code and is turned
// back into the host's own signal by Boundary, carrying the original report
// unchanged.
package fault

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/orizon-lang/memcx/internal/errors"
	"github.com/orizon-lang/memcx/internal/host"
)

// Fault is a host error in flight through managed code.
type Fault struct {
	rep    host.ErrorReport
	digest uint64
}

func newFault(rep *host.ErrorReport) *Fault {
	f := &Fault{rep: *rep}
	f.digest = digest(&f.rep)
	return f
}

// Report returns a copy of the carried report.
func (f *Fault) Report() *host.ErrorReport {
	rep := f.rep
	return &rep
}

func (f *Fault) Code() host.SQLState    { return f.rep.Code }
func (f *Fault) Level() host.ErrorLevel { return f.rep.Level }
func (f *Fault) Message() string        { return f.rep.Message }

func (f *Fault) Error() string {
	if f.rep.Detail != "" {
		return fmt.Sprintf("%s %s: %s (%s)", f.rep.Level, f.rep.Code, f.rep.Message, f.rep.Detail)
	}
	return fmt.Sprintf("%s %s: %s", f.rep.Level, f.rep.Code, f.rep.Message)
}

// Is matches errors.ErrForeignFault and any other *Fault with the same sqlstate.
func (f *Fault) Is(target error) bool {
	switch t := target.(type) {
	case *errors.StandardError:
		return t.Code == errors.CodeForeignFault
	case *Fault:
		return t.rep.Code == f.rep.Code
	}
	return false
}

// WithMessage returns a new fault carrying the same report with msg as its
// primary message.
func (f *Fault) WithMessage(msg string) *Fault {
	rep := f.rep
	rep.Message = msg
	return newFault(&rep)
}

// WithDetail returns a new fault carrying the same report with detail attached.
func (f *Fault) WithDetail(detail string) *Fault {
	rep := f.rep
	rep.Detail = detail
	return newFault(&rep)
}

func (f *Fault) intact() bool {
	return digest(&f.rep) == f.digest
}

func digest(rep *host.ErrorReport) uint64 {
	d := xxhash.New()
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(rep.Level))
	_, _ = d.Write(n[:])
	binary.LittleEndian.PutUint64(n[:], uint64(int64(rep.Lineno)))
	_, _ = d.Write(n[:])
	for _, s := range []string{string(rep.Code), rep.Message, rep.Detail, rep.Hint, rep.Context, rep.Filename, rep.Funcname} {
		binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
		_, _ = d.Write(n[:])
		_, _ = d.WriteString(s)
	}
	return d.Sum64()
}
