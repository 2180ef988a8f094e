package hostv8

import (
	"unsafe"

	"github.com/cryguy/hostv8/internal/v8engine"
)

// FunctionCallback is a host function callable from script. It runs under
// its own CallbackScope; set the result through rv.
type FunctionCallback func(s *CallbackScope, args FunctionCallbackArguments, rv *ReturnValue)

// FunctionCallbackArguments are the arguments of a call, rooted in the
// callback scope.
type FunctionCallbackArguments struct {
	args      []Local[Value]
	this      Local[Object]
	undefined Local[Value]
}

// Length is the number of arguments passed.
func (a FunctionCallbackArguments) Length() int { return len(a.args) }

// Get returns argument i, or undefined when fewer were passed.
func (a FunctionCallbackArguments) Get(i int) Local[Value] {
	if i < 0 || i >= len(a.args) {
		return a.undefined
	}
	return a.args[i]
}

// This returns the receiver.
func (a FunctionCallbackArguments) This() Local[Object] { return a.this }

// ReturnValue is the result slot of a callback. Undefined unless set.
type ReturnValue struct {
	value *v8engine.Value
}

func (rv *ReturnValue) Set(v Local[Value]) { rv.value = v.Deref().raw() }

func (rv *ReturnValue) SetUndefined() { rv.value = nil }

// Get returns the value set so far.
func (rv *ReturnValue) Get() (Local[Value], bool) {
	return FromRaw[Value](unsafe.Pointer(rv.value))
}

// trampoline adapts a host callback to the engine calling convention.
func (iso *Isolate) trampoline(cb FunctionCallback) v8engine.FunctionCallback {
	return func(info *v8engine.FunctionCallbackInfo) *v8engine.Value {
		cs := iso.enterCallback(info.Context())
		d := cs.data
		raw := info.Args()
		args := FunctionCallbackArguments{
			args:      make([]Local[Value], len(raw)),
			undefined: mustLocal[Value](d, unsafe.Pointer(v8engine.Undefined(iso.eng))),
		}
		for i, v := range raw {
			args.args[i] = mustLocal[Value](d, unsafe.Pointer(v))
		}
		if this := info.This(); this != nil {
			args.this = mustLocal[Object](d, unsafe.Pointer(this.Value))
		}
		rv := &ReturnValue{}
		cb(cs, args, rv)
		return cs.exit(rv.value)
	}
}

// NewFunctionTemplate creates a template for functions calling cb.
func NewFunctionTemplate(s Scope, cb FunctionCallback) Local[FunctionTemplate] {
	d := s.scope().enterOp()
	t := v8engine.NewFunctionTemplate(d.engine(), d.isolate.trampoline(cb))
	return mustLocal[FunctionTemplate](d, unsafe.Pointer(t))
}

// GetFunction instantiates the template in the current context.
func (t *FunctionTemplate) GetFunction(s ContextScope) (Local[Function], bool) {
	d := s.scope().enterOp()
	v := v8engine.TemplateFunction(t.raw(), d.mustContext())
	return castLocal[Function](d, func(*scopeData) unsafe.Pointer { return unsafe.Pointer(v) })
}

// NewFunction creates a function calling cb.
func NewFunction(s ContextScope, cb FunctionCallback) (Local[Function], bool) {
	t := NewFunctionTemplate(s, cb)
	return t.Deref().GetFunction(s)
}

func rawValues(args []Local[Value]) []*v8engine.Value {
	out := make([]*v8engine.Value, len(args))
	for i, a := range args {
		out[i] = a.Deref().raw()
	}
	return out
}

// Call invokes the function with receiver recv.
func (f *Function) Call(s ContextScope, recv Local[Value], args []Local[Value]) (Local[Value], bool) {
	d := s.scope().enterOp()
	v, ok := d.runJS(func() (*v8engine.Value, error) {
		return v8engine.CallFunction(d.mustContext(), f.raw(), recv.Deref().raw(), rawValues(args))
	})
	if !ok {
		return Local[Value]{}, false
	}
	return castLocal[Value](d, func(*scopeData) unsafe.Pointer { return unsafe.Pointer(v) })
}

// NewInstance calls the function as a constructor.
func (f *Function) NewInstance(s ContextScope, args []Local[Value]) (Local[Object], bool) {
	d := s.scope().enterOp()
	v, ok := d.runJS(func() (*v8engine.Value, error) {
		return v8engine.Construct(d.mustContext(), f.raw(), rawValues(args))
	})
	if !ok {
		return Local[Object]{}, false
	}
	return castLocal[Object](d, func(*scopeData) unsafe.Pointer { return unsafe.Pointer(v) })
}

// NewObjectTemplate creates a template for objects, usually a context's
// global object.
func NewObjectTemplate(s Scope) Local[ObjectTemplate] {
	d := s.scope().enterOp()
	return mustLocal[ObjectTemplate](d, unsafe.Pointer(v8engine.NewObjectTemplate(d.engine())))
}

func (t *ObjectTemplate) set(s Scope, name string, value any, readOnly bool) {
	s.scope().enterOp()
	if err := v8engine.TemplateSet(t.raw(), name, value, readOnly); err != nil {
		panic("hostv8: setting template property " + name + ": " + err.Error())
	}
}

// Set installs a primitive value. Objects cannot be shared across contexts
// and are rejected by the engine.
func (t *ObjectTemplate) Set(s Scope, name string, value Local[Primitive]) {
	t.set(s, name, value.Deref().raw(), false)
}

// SetReadOnly installs a primitive value that scripts cannot overwrite.
func (t *ObjectTemplate) SetReadOnly(s Scope, name string, value Local[Primitive]) {
	t.set(s, name, value.Deref().raw(), true)
}

// SetFunctionTemplate installs a function created from tmpl in each
// instance.
func (t *ObjectTemplate) SetFunctionTemplate(s Scope, name string, tmpl Local[FunctionTemplate]) {
	t.set(s, name, tmpl.Deref().raw(), false)
}

// SetObjectTemplate installs a nested object created from tmpl.
func (t *ObjectTemplate) SetObjectTemplate(s Scope, name string, tmpl Local[ObjectTemplate]) {
	t.set(s, name, tmpl.Deref().raw(), false)
}

// NewInstance creates an object from the template in the current context.
func (t *ObjectTemplate) NewInstance(s ContextScope) (Local[Object], bool) {
	d := s.scope().enterOp()
	v, err := v8engine.TemplateInstance(t.raw(), d.mustContext())
	return valueLocal[Object](d, v, err)
}
