package hostv8

import (
	"unsafe"

	"github.com/cryguy/hostv8/internal/v8engine"
)

// The types below name engine objects. None of them is ever constructed,
// stored or copied by host code: a *T is always the address of an object the
// engine handed out, reached through Local.Deref or Global.Open. They carry no
// fields; embedding encodes the engine's type hierarchy, so an *Array has
// every method of *Object, *Value and *Data.
//
// Every type embedding Value is backed by an engine value, so the pointer
// conversions in raw() are only valid along that branch.

// Data is the root of the hierarchy.
type Data struct{}

// Value is any value a script can observe.
type Value struct{ Data }

// Primitive is undefined, null, a boolean, number, string or BigInt.
type Primitive struct{ Value }

// Name is a property key.
type Name struct{ Primitive }

type String struct{ Name }

type Number struct{ Primitive }

// Integer is a number with an exact 32-bit integer representation.
type Integer struct{ Number }

type Int32 struct{ Integer }

type Uint32 struct{ Integer }

type Boolean struct{ Primitive }

type BigInt struct{ Primitive }

type Object struct{ Value }

type Array struct{ Object }

type Function struct{ Object }

type Promise struct{ Object }

type SharedArrayBuffer struct{ Object }

// Context is a global object and the built-ins that belong to it.
type Context struct{ Data }

// UnboundScript is compiled code not yet tied to a context.
type UnboundScript struct{ Data }

// Script is compiled code bound to the context it will run in.
type Script struct{ Data }

// Message describes where an exception was thrown.
type Message struct{ Data }

type Template struct{ Data }

type ObjectTemplate struct{ Template }

type FunctionTemplate struct{ Template }

// PromiseResolver settles the promise it was created with.
type PromiseResolver struct{ Data }

func (Data) isData()                     {}
func (Value) isValue()                   {}
func (Primitive) isPrimitive()           {}
func (Name) isName()                     {}
func (Number) isNumber()                 {}
func (Integer) isInteger()               {}
func (Object) isObject()                 {}
func (Template) isTemplate()             {}
func (String) isString()                 {}
func (Function) isFunction()             {}
func (Array) isArray()                   {}
func (Promise) isPromise()               {}
func (Boolean) isBoolean()               {}
func (BigInt) isBigInt()                 {}
func (SharedArrayBuffer) isSharedBuf()   {}
func (Int32) isInt32()                   {}
func (Uint32) isUint32()                 {}
func (Context) isContext()               {}
func (UnboundScript) isUnboundScript()   {}
func (Script) isScript()                 {}
func (Message) isMessage()               {}
func (ObjectTemplate) isObjectTemplate() {}
func (PromiseResolver) isResolver()      {}

// Kind constraints used by the upcast helpers. A type satisfies a constraint
// exactly when it embeds the corresponding engine type.
type (
	DataKind      interface{ isData() }
	ValueKind     interface{ isValue() }
	PrimitiveKind interface{ isPrimitive() }
	NameKind      interface{ isName() }
	NumberKind    interface{ isNumber() }
	IntegerKind   interface{ isInteger() }
	ObjectKind    interface{ isObject() }
	TemplateKind  interface{ isTemplate() }
)

// Castable types can be checked against a value's dynamic type.
type Castable interface {
	ValueKind
	matches(v *v8engine.Value) bool
}

func (Value) matches(*v8engine.Value) bool               { return true }
func (Primitive) matches(v *v8engine.Value) bool         { return !v.IsObject() }
func (Name) matches(v *v8engine.Value) bool              { return v.IsName() }
func (String) matches(v *v8engine.Value) bool            { return v.IsString() }
func (Number) matches(v *v8engine.Value) bool            { return v.IsNumber() }
func (Integer) matches(v *v8engine.Value) bool           { return v.IsInt32() || v.IsUint32() }
func (Int32) matches(v *v8engine.Value) bool             { return v.IsInt32() }
func (Uint32) matches(v *v8engine.Value) bool            { return v.IsUint32() }
func (Boolean) matches(v *v8engine.Value) bool           { return v.IsBoolean() }
func (BigInt) matches(v *v8engine.Value) bool            { return v.IsBigInt() }
func (Object) matches(v *v8engine.Value) bool            { return v.IsObject() }
func (Array) matches(v *v8engine.Value) bool             { return v.IsArray() }
func (Function) matches(v *v8engine.Value) bool          { return v.IsFunction() }
func (Promise) matches(v *v8engine.Value) bool           { return v.IsPromise() }
func (SharedArrayBuffer) matches(v *v8engine.Value) bool { return v.IsSharedArrayBuffer() }

func (v *Value) raw() *v8engine.Value { return (*v8engine.Value)(unsafe.Pointer(v)) }

func (c *Context) raw() *v8engine.Context { return (*v8engine.Context)(unsafe.Pointer(c)) }

func (s *UnboundScript) raw() *v8engine.UnboundScript {
	return (*v8engine.UnboundScript)(unsafe.Pointer(s))
}

func (s *Script) raw() *boundScript { return (*boundScript)(unsafe.Pointer(s)) }

func (m *Message) raw() *messageRecord { return (*messageRecord)(unsafe.Pointer(m)) }

func (t *ObjectTemplate) raw() *v8engine.ObjectTemplate {
	return (*v8engine.ObjectTemplate)(unsafe.Pointer(t))
}

func (t *FunctionTemplate) raw() *v8engine.FunctionTemplate {
	return (*v8engine.FunctionTemplate)(unsafe.Pointer(t))
}

func (r *PromiseResolver) raw() *v8engine.PromiseResolver {
	return (*v8engine.PromiseResolver)(unsafe.Pointer(r))
}
