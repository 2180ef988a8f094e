package hostv8

import (
	"unsafe"

	"github.com/cryguy/hostv8/internal/v8engine"
)

// ContextOptions configures NewContext.
type ContextOptions struct {
	// GlobalTemplate shapes the global object. The zero Local uses a plain
	// global.
	GlobalTemplate Local[ObjectTemplate]
}

// NewContext creates a context. It lives until the isolate is disposed.
func NewContext(s Scope, opts ContextOptions) Local[Context] {
	d := s.scope().enterOp()
	var global *v8engine.ObjectTemplate
	if opts.GlobalTemplate.ptr != nil {
		global = opts.GlobalTemplate.Deref().raw()
	}
	ctx := v8engine.NewContext(d.engine(), global)
	d.isolate.contexts = append(d.isolate.contexts, ctx)
	return mustLocal[Context](d, unsafe.Pointer(ctx))
}

// Global returns the context's global object.
func (c *Context) Global(s Scope) Local[Object] {
	d := s.scope().enterOp()
	return mustLocal[Object](d, unsafe.Pointer(v8engine.ContextGlobal(c.raw())))
}

// PerformMicrotaskCheckpoint runs queued promise jobs of the current
// context.
func PerformMicrotaskCheckpoint(s ContextScope) {
	d := s.scope().enterOp()
	d.runJS(func() (*v8engine.Value, error) {
		v8engine.PerformMicrotaskCheckpoint(d.mustContext())
		return nil, nil
	})
}

// JSONParse parses text as JSON in the current context.
func JSONParse(s ContextScope, text Local[String]) (Local[Value], bool) {
	d := s.scope().enterOp()
	v, err := v8engine.JSONParse(d.mustContext(), text.Deref().String())
	return valueLocal[Value](d, v, err)
}

// JSONStringify serializes v. It may run toJSON methods.
func JSONStringify(s ContextScope, v Local[Value]) (Local[String], bool) {
	d := s.scope().enterOp()
	out, ok := d.runJS(func() (*v8engine.Value, error) {
		str, err := v8engine.JSONStringify(d.mustContext(), v.Deref().raw())
		if err != nil {
			return nil, err
		}
		return v8engine.NewString(d.engine(), str)
	})
	if !ok {
		return Local[String]{}, false
	}
	return castLocal[String](d, func(*scopeData) unsafe.Pointer { return unsafe.Pointer(out) })
}

func newError(s ContextScope, kind string, message Local[String]) Local[Value] {
	d := s.scope().enterOp()
	v, err := v8engine.NewError(d.mustContext(), kind, message.Deref().raw())
	if err != nil {
		panic("hostv8: constructing " + kind + ": " + err.Error())
	}
	return mustLocal[Value](d, unsafe.Pointer(v))
}

// Error constructors. They use the built-ins captured when the context was
// created, so scripts replacing the globals do not affect them.

func NewError(s ContextScope, message Local[String]) Local[Value] {
	return newError(s, "Error", message)
}

func NewRangeError(s ContextScope, message Local[String]) Local[Value] {
	return newError(s, "RangeError", message)
}

func NewReferenceError(s ContextScope, message Local[String]) Local[Value] {
	return newError(s, "ReferenceError", message)
}

func NewSyntaxError(s ContextScope, message Local[String]) Local[Value] {
	return newError(s, "SyntaxError", message)
}

func NewTypeError(s ContextScope, message Local[String]) Local[Value] {
	return newError(s, "TypeError", message)
}
