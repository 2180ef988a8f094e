package hostv8

import (
	"unsafe"
)

type tryCatchState struct {
	caught         bool
	terminated     bool
	exception      *thrown
	verbose        bool
	captureMessage bool
}

func (st *tryCatchState) record(t *thrown) {
	st.caught = true
	st.terminated = t.terminated
	st.exception = t
}

func (st *tryCatchState) clear() {
	st.caught, st.terminated, st.exception = false, false, nil
}

// TryCatch captures exceptions raised while it is the innermost catcher.
// Without one, a throwing operation simply yields no value.
type TryCatch[C ContextState] struct {
	*HandleScope[C]
}

// ReserveTryCatch allocates a try-catch scope under s.
func (s *HandleScope[C]) ReserveTryCatch() *TryCatch[C] {
	return &TryCatch[C]{&HandleScope[C]{data: reserve(kindTryCatch, s.data.isolate, s.data)}}
}

// NewTryCatch opens a try-catch scope under s.
func (s *HandleScope[C]) NewTryCatch() *TryCatch[C] {
	tc := s.ReserveTryCatch()
	tc.Init()
	return tc
}

func (tc *TryCatch[C]) state() *tryCatchState {
	if tc.data.tc == nil {
		panic("hostv8: try-catch scope used before Init")
	}
	return tc.data.tc
}

// HasCaught reports whether an exception, or a termination, was caught.
func (tc *TryCatch[C]) HasCaught() bool { return tc.state().caught }

// CanContinue is false once a termination was caught; script cannot run
// again until the termination is cancelled.
func (tc *TryCatch[C]) CanContinue() bool { return !tc.state().terminated }

// HasTerminated reports whether the caught exception is a termination.
func (tc *TryCatch[C]) HasTerminated() bool { return tc.state().terminated }

// Exception returns the caught value. A termination has none.
func (tc *TryCatch[C]) Exception() (Local[Value], bool) {
	d := tc.data.enterOp()
	st := tc.state()
	if !st.caught || st.exception.value == nil {
		return Local[Value]{}, false
	}
	return castLocal[Value](d, func(*scopeData) unsafe.Pointer {
		return unsafe.Pointer(st.exception.value)
	})
}

// Message returns where the caught exception was thrown.
func (tc *TryCatch[C]) Message() (Local[Message], bool) {
	d := tc.data.enterOp()
	st := tc.state()
	if !st.caught || !st.captureMessage || st.exception.message == nil {
		return Local[Message]{}, false
	}
	return castLocal[Message](d, func(*scopeData) unsafe.Pointer {
		return unsafe.Pointer(st.exception.message)
	})
}

// StackTrace returns the stack recorded with the caught exception.
func (tc *TryCatch[C]) StackTrace() (Local[Value], bool) {
	d := tc.data.enterOp()
	st := tc.state()
	if !st.caught || st.exception.stack == "" {
		return Local[Value]{}, false
	}
	str, ok := NewString(scopeRef{d}, st.exception.stack)
	return AsValue(str), ok
}

// Reset forgets the caught exception.
func (tc *TryCatch[C]) Reset() { tc.state().clear() }

// ReThrow raises the caught exception again, past this try-catch, and
// returns it.
func (tc *TryCatch[C]) ReThrow() (Local[Value], bool) {
	d := tc.data.enterOp()
	st := tc.state()
	if !st.caught {
		return Local[Value]{}, false
	}
	t := st.exception
	st.clear()
	out, ok := castLocal[Value](d, func(*scopeData) unsafe.Pointer { return unsafe.Pointer(t.value) })
	if d.parent != nil {
		d.parent.raise(t)
	} else if !t.terminated {
		d.notify(t)
	}
	return out, ok
}

// SetVerbose makes caught exceptions reach the message listeners too.
func (tc *TryCatch[C]) SetVerbose(v bool) { tc.state().verbose = v }

func (tc *TryCatch[C]) IsVerbose() bool { return tc.state().verbose }

// SetCaptureMessage controls whether Message is available for caught
// exceptions.
func (tc *TryCatch[C]) SetCaptureMessage(v bool) { tc.state().captureMessage = v }
