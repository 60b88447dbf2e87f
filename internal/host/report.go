package host

import (
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrorLevel is the severity of a host error report.
type ErrorLevel int

const (
	Debug ErrorLevel = iota
	Log
	Info
	Notice
	Warning
	Error
	Fatal
	Panic
)

func (l ErrorLevel) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Log:
		return "LOG"
	case Info:
		return "INFO"
	case Notice:
		return "NOTICE"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	case Panic:
		return "PANIC"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// SQLState is the five character condition code attached to every report.
type SQLState string

const (
	ErrcodeSuccessfulCompletion    SQLState = "00000"
	ErrcodeFeatureNotSupported     SQLState = "0A000"
	ErrcodeDivisionByZero          SQLState = "22012"
	ErrcodeInvalidParameterValue   SQLState = "22023"
	ErrcodeOutOfMemory             SQLState = "53200"
	ErrcodeProgramLimitExceeded    SQLState = "54000"
	ErrcodeObjectNotInPrerequisite SQLState = "55000"
	ErrcodeRaiseException          SQLState = "P0001"
	ErrcodeInternalError           SQLState = "XX000"
)

var sqlStatePattern = regexp.MustCompile(`^[0-9A-Z]{5}$`)

// ErrorReport is the payload of a host error.
type ErrorReport struct {
	Level    ErrorLevel
	Code     SQLState
	Message  string
	Detail   string
	Hint     string
	Context  string
	Filename string
	Lineno   int
	Funcname string
}

func (r *ErrorReport) String() string {
	return fmt.Sprintf("%s %s: %s", r.Level, r.Code, r.Message)
}

// Jump is the host's native abrupt error signal. It is raised with panic and
// must be intercepted right where the host call returns.
type Jump struct {
	Report *ErrorReport
}

func (j *Jump) String() string {
	if j.Report == nil {
		return "host jump <nil report>"
	}
	return "host jump: " + j.Report.String()
}

// Raise emits rep as a native error. Reports below ERROR are logged and
// control returns to the caller.
func (rt *Runtime) Raise(rep *ErrorReport) {
	if rep.Level < Error {
		rt.log.WithFields(logrus.Fields{
			"level":    rep.Level.String(),
			"sqlstate": string(rep.Code),
		}).Warn(rep.Message)
		return
	}
	panic(&Jump{Report: rep})
}

// Ereport builds a report located at the caller and raises it.
func (rt *Runtime) Ereport(level ErrorLevel, code SQLState, format string, args ...interface{}) {
	rep := &ErrorReport{
		Level:   level,
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
	rt.Raise(rep)
}

// TryCatch runs body and hands any native error it raises to catch. Only
// host jumps are intercepted.
func (rt *Runtime) TryCatch(body func(), catch func(*ErrorReport)) {
	if rep := rt.try(body); rep != nil {
		catch(rep)
	}
}

func (rt *Runtime) try(body func()) (rep *ErrorReport) {
	defer func() {
		if r := recover(); r != nil {
			j, ok := r.(*Jump)
			if !ok {
				panic(r)
			}
			rep = j.Report
		}
	}()
	body()
	return nil
}

// Validate checks that rep can be raised as a native error.
func (rt *Runtime) Validate(rep *ErrorReport) error {
	if rep == nil {
		return errors.New("nil error report")
	}
	if rep.Level < Error || rep.Level > Panic {
		return errors.Errorf("level %s cannot be raised", rep.Level)
	}
	if !sqlStatePattern.MatchString(string(rep.Code)) {
		return errors.Errorf("malformed sqlstate %q", rep.Code)
	}
	if rep.Message == "" {
		return errors.New("empty error message")
	}
	return nil
}
