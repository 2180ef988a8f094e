package hostv8

import (
	"unsafe"

	"github.com/cryguy/hostv8/internal/v8engine"
)

type PromiseState int

const (
	PromisePending PromiseState = iota
	PromiseFulfilled
	PromiseRejected
)

func (st PromiseState) String() string {
	switch st {
	case PromiseFulfilled:
		return "fulfilled"
	case PromiseRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// NewPromiseResolver creates a pending promise and the resolver that
// settles it.
func NewPromiseResolver(s ContextScope) (Local[PromiseResolver], bool) {
	d := s.scope().enterOp()
	r, err := v8engine.NewPromiseResolver(d.mustContext())
	if err != nil {
		d.raiseError(err)
		return Local[PromiseResolver]{}, false
	}
	return castLocal[PromiseResolver](d, func(*scopeData) unsafe.Pointer { return unsafe.Pointer(r) })
}

// GetPromise returns the promise the resolver settles.
func (r *PromiseResolver) GetPromise(s Scope) Local[Promise] {
	d := s.scope().enterOp()
	return mustLocal[Promise](d, unsafe.Pointer(v8engine.ResolverPromise(r.raw())))
}

// Resolve fulfills the promise with v, or adopts v's state if it is a
// thenable.
func (r *PromiseResolver) Resolve(s ContextScope, v Local[Value]) bool {
	s.scope().enterOp()
	return r.raw().Resolve(v.Deref().raw())
}

// Reject rejects the promise with v.
func (r *PromiseResolver) Reject(s ContextScope, v Local[Value]) bool {
	s.scope().enterOp()
	return r.raw().Reject(v.Deref().raw())
}

func (p *Promise) State() PromiseState {
	switch v8engine.PromiseStateOf(p.raw()) {
	case v8engine.PromiseFulfilled:
		return PromiseFulfilled
	case v8engine.PromiseRejected:
		return PromiseRejected
	default:
		return PromisePending
	}
}

// Result returns the fulfillment value or rejection reason. The promise
// must be settled.
func (p *Promise) Result(s Scope) Local[Value] {
	d := s.scope().enterOp()
	if p.State() == PromisePending {
		panic("hostv8: result of a pending promise")
	}
	return mustLocal[Value](d, unsafe.Pointer(v8engine.PromiseResult(p.raw())))
}

// Then chains host callbacks. onRejected may be nil.
func (p *Promise) Then(s ContextScope, onFulfilled, onRejected FunctionCallback) (Local[Promise], bool) {
	d := s.scope().enterOp()
	var rejected v8engine.FunctionCallback
	if onRejected != nil {
		rejected = d.isolate.trampoline(onRejected)
	}
	v, err := v8engine.PromiseThen(p.raw(), d.isolate.trampoline(onFulfilled), rejected)
	return valueLocal[Promise](d, v, err)
}
