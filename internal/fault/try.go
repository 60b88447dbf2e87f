package fault

import "github.com/orizon-lang/memcx/internal/host"

// Try collects handlers for the faults a body may raise.
//
//	b.Try(body).
//		CatchWhen(host.ErrcodeDivisionByZero, func(f *Fault) { ... }).
//		CatchOthers(func(f *Fault) { ... }).
//		Finally(cleanup).
//		Execute()
//
// A fault with no matching handler is raised again unchanged.
type Try struct {
	b        *Bridge
	body     func()
	when     []codeHandler
	others   func(*Fault)
	panics   func(any)
	finally  []func()
	executed bool
}

type codeHandler struct {
	code host.SQLState
	fn   func(*Fault)
}

// Try starts a builder around body.
func (b *Bridge) Try(body func()) *Try {
	return &Try{b: b, body: body}
}

// CatchWhen handles faults with the given sqlstate. The first matching
// handler wins.
func (t *Try) CatchWhen(code host.SQLState, fn func(*Fault)) *Try {
	t.when = append(t.when, codeHandler{code: code, fn: fn})
	return t
}

// CatchOthers handles every fault no CatchWhen matched.
func (t *Try) CatchOthers(fn func(*Fault)) *Try {
	t.others = fn
	return t
}

// CatchPanic handles Go panics that are not faults.
func (t *Try) CatchPanic(fn func(any)) *Try {
	t.panics = fn
	return t
}

// Finally registers cleanup that runs after the body and any handler,
// including when a fault is raised again.
func (t *Try) Finally(fn func()) *Try {
	t.finally = append(t.finally, fn)
	return t
}

// Execute runs the body. A builder runs once.
func (t *Try) Execute() {
	if t.executed {
		panic("fault: Try executed twice")
	}
	t.executed = true
	defer func() {
		for i := len(t.finally) - 1; i >= 0; i-- {
			t.finally[i]()
		}
	}()

	f, p := t.run()
	switch {
	case f != nil:
		for _, h := range t.when {
			if h.code == f.Code() {
				h.fn(f)
				return
			}
		}
		if t.others != nil {
			t.others(f)
			return
		}
		panic(f)
	case p != nil:
		if t.panics != nil {
			t.panics(p)
			return
		}
		panic(p)
	}
}

func (t *Try) run() (f *Fault, p any) {
	defer func() {
		if r := recover(); r != nil {
			r = t.b.Intercept(r)
			if ff, ok := r.(*Fault); ok {
				f = ff
				return
			}
			p = r
		}
	}()
	t.body()
	return nil, nil
}
