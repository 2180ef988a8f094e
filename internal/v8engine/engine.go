// Package v8engine is the outbound boundary to the V8 engine. It is the only
// package that talks to the cgo bindings directly; everything above it sees
// engine objects as opaque pointers handed back by the functions here.
//
// The package also holds the engine-side halves of the host trampolines: the
// C++-layout headers the engine keeps pointers to, their vtables, and the
// engine components (task queues, inspector agent, value serializer) that
// call through them.
package v8engine

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"

	v8 "github.com/tommie/v8go"
)

type (
	Isolate              = v8.Isolate
	Context              = v8.Context
	Value                = v8.Value
	Object               = v8.Object
	Function             = v8.Function
	Promise              = v8.Promise
	PromiseResolver      = v8.PromiseResolver
	UnboundScript        = v8.UnboundScript
	ObjectTemplate       = v8.ObjectTemplate
	FunctionTemplate     = v8.FunctionTemplate
	FunctionCallbackInfo = v8.FunctionCallbackInfo
	FunctionCallback     = v8.FunctionCallback
	JSError              = v8.JSError
	HeapStatistics       = v8.HeapStatistics
)

// PromiseState mirrors the engine's promise states.
type PromiseState int

const (
	PromisePending PromiseState = iota
	PromiseFulfilled
	PromiseRejected
)

// terminationPrefix is how the engine reports a forced termination through
// its error record.
const terminationPrefix = "ExecutionTerminated:"

// Version returns the linked engine version.
func Version() string { return v8.Version() }

// SetFlags passes command line style flags to the engine.
func SetFlags(flags ...string) { v8.SetFlags(flags...) }

// NewIsolate creates an engine isolate. Zero limits use engine defaults.
func NewIsolate(initialHeap, maxHeap uint64) *Isolate {
	if maxHeap == 0 {
		return v8.NewIsolate()
	}
	return v8.NewIsolate(v8.WithResourceConstraints(initialHeap, maxHeap))
}

// DisposeIsolate frees the isolate. Contexts must already be closed.
func DisposeIsolate(iso *Isolate) {
	iso.Dispose()
}

// TerminateExecution may be called from any goroutine.
func TerminateExecution(iso *Isolate) { iso.TerminateExecution() }

func IsExecutionTerminating(iso *Isolate) bool { return iso.IsExecutionTerminating() }

func GetHeapStatistics(iso *Isolate) HeapStatistics { return iso.GetHeapStatistics() }

// ThrowException schedules value to be thrown when control returns to script.
func ThrowException(iso *Isolate, value *Value) *Value {
	return iso.ThrowException(value)
}

// intrinsics are captured from a fresh context before any user code runs so
// later global overrides cannot redirect them.
type intrinsics struct {
	errors       map[string]*Function
	ownKeys      *Function
	arrayFrom    *Function
	hasOwnObject *Function

	// The guards run an operation inside a JS try block and return
	// [true, result] or [false, thrown] so the thrown value survives.
	guardCall      *Function
	guardConstruct *Function
	guardStringify *Function
}

var contextIntrinsics sync.Map // *Context -> *intrinsics

const intrinsicsSource = `[Error, RangeError, ReferenceError, SyntaxError, TypeError,
	Object.getOwnPropertyNames, Array.from,
	function (v) { return v !== null && Object.getPrototypeOf(v) === Object.prototype; },
	...((apply, construct, stringify) => [
		function (f, recv, args) { try { return [true, apply(f, recv, args)]; } catch (e) { return [false, e]; } },
		function (f, args) { try { return [true, construct(f, args)]; } catch (e) { return [false, e]; } },
		function (v) { try { return [true, '' + stringify(v)]; } catch (e) { return [false, e]; } },
	])(Reflect.apply, Reflect.construct, JSON.stringify)]`

var errorNames = []string{"Error", "RangeError", "ReferenceError", "SyntaxError", "TypeError"}

// NewContext creates a context, optionally from a global object template.
func NewContext(iso *Isolate, global *ObjectTemplate) *Context {
	var ctx *Context
	if global != nil {
		ctx = v8.NewContext(iso, global)
	} else {
		ctx = v8.NewContext(iso)
	}
	in, err := captureIntrinsics(ctx)
	if err != nil {
		ctx.Close()
		panic(fmt.Sprintf("hostv8: capturing context intrinsics: %v", err))
	}
	contextIntrinsics.Store(ctx, in)
	return ctx
}

func captureIntrinsics(ctx *Context) (*intrinsics, error) {
	list, err := ctx.RunScript(intrinsicsSource, "<intrinsics>")
	if err != nil {
		return nil, err
	}
	obj, err := list.AsObject()
	if err != nil {
		return nil, err
	}
	fn := func(i uint32) (*Function, error) {
		v, err := obj.GetIdx(i)
		if err != nil {
			return nil, err
		}
		return v.AsFunction()
	}
	in := &intrinsics{errors: make(map[string]*Function, len(errorNames))}
	for i, name := range errorNames {
		f, err := fn(uint32(i))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		in.errors[name] = f
	}
	if in.ownKeys, err = fn(5); err != nil {
		return nil, err
	}
	if in.arrayFrom, err = fn(6); err != nil {
		return nil, err
	}
	if in.hasOwnObject, err = fn(7); err != nil {
		return nil, err
	}
	if in.guardCall, err = fn(8); err != nil {
		return nil, err
	}
	if in.guardConstruct, err = fn(9); err != nil {
		return nil, err
	}
	if in.guardStringify, err = fn(10); err != nil {
		return nil, err
	}
	return in, nil
}

func intrinsicsOf(ctx *Context) *intrinsics {
	in, ok := contextIntrinsics.Load(ctx)
	if !ok {
		panic("hostv8: context was not created through the engine boundary")
	}
	return in.(*intrinsics)
}

// CloseContext releases the context and every value rooted in it.
func CloseContext(ctx *Context) {
	contextIntrinsics.Delete(ctx)
	ctx.Close()
}

func ContextGlobal(ctx *Context) *Value { return ctx.Global().Value }

func PerformMicrotaskCheckpoint(ctx *Context) { ctx.PerformMicrotaskCheckpoint() }

// Compile compiles source into a context independent script. When cache is
// non-empty the engine tries to consume it; rejected reports whether it was
// refused.
func Compile(iso *Isolate, source, origin string, cache []byte) (script *UnboundScript, rejected bool, err error) {
	opts := v8.CompileOptions{}
	var cached *v8.CompilerCachedData
	if len(cache) > 0 {
		cached = &v8.CompilerCachedData{Bytes: cache}
		opts.CachedData = cached
	}
	script, err = iso.CompileUnboundScript(source, origin, opts)
	if err != nil {
		return nil, false, err
	}
	if cached != nil {
		rejected = cached.Rejected
	}
	return script, rejected, nil
}

func RunScript(script *UnboundScript, ctx *Context) (*Value, error) {
	return script.Run(ctx)
}

// CreateCodeCache serializes the compiled code of script.
func CreateCodeCache(script *UnboundScript) []byte {
	cache := script.CreateCodeCache()
	if cache == nil {
		return nil
	}
	return cache.Bytes
}

func NewString(iso *Isolate, s string) (*Value, error) { return v8.NewValue(iso, s) }

func NewNumber(iso *Isolate, f float64) (*Value, error) { return v8.NewValue(iso, f) }

func NewInt32(iso *Isolate, i int32) (*Value, error) { return v8.NewValue(iso, i) }

func NewUint32(iso *Isolate, u uint32) (*Value, error) { return v8.NewValue(iso, u) }

func NewBigInt(iso *Isolate, b *big.Int) (*Value, error) { return v8.NewValue(iso, b) }

func NewBigIntFromInt64(iso *Isolate, i int64) (*Value, error) {
	return v8.NewValue(iso, big.NewInt(i))
}

func NewBoolean(iso *Isolate, b bool) (*Value, error) { return v8.NewValue(iso, b) }

func Undefined(iso *Isolate) *Value { return v8.Undefined(iso) }

func Null(iso *Isolate) *Value { return v8.Null(iso) }

// NewObject creates an ordinary object with Object.prototype.
func NewObject(ctx *Context) (*Value, error) { return v8.JSONParse(ctx, "{}") }

// NewArray creates an array with the given length.
func NewArray(ctx *Context, length int) (*Value, error) {
	arr, err := v8.JSONParse(ctx, "[]")
	if err != nil {
		return nil, err
	}
	if length > 0 {
		obj, err := arr.AsObject()
		if err != nil {
			return nil, err
		}
		if err := obj.Set("length", uint32(length)); err != nil {
			return nil, err
		}
	}
	return arr, nil
}

// NewError constructs one of the intrinsic error types.
func NewError(ctx *Context, kind string, message *Value) (*Value, error) {
	ctor, ok := intrinsicsOf(ctx).errors[kind]
	if !ok {
		return nil, fmt.Errorf("unknown error constructor %q", kind)
	}
	obj, err := ctor.NewInstance(message)
	if err != nil {
		return nil, err
	}
	return obj.Value, nil
}

// OwnPropertyNames returns an array of the object's own string keys.
func OwnPropertyNames(ctx *Context, obj *Value) (*Value, error) {
	return intrinsicsOf(ctx).ownKeys.Call(Undefined(ctx.Isolate()), obj)
}

// IsPlainObject reports whether v's prototype is Object.prototype.
func IsPlainObject(ctx *Context, v *Value) bool {
	r, err := intrinsicsOf(ctx).hasOwnObject.Call(Undefined(ctx.Isolate()), v)
	return err == nil && r.Boolean()
}

// ArrayLength reads the length property of an array-like object.
func ArrayLength(v *Value) uint32 {
	obj, err := v.AsObject()
	if err != nil {
		return 0
	}
	l, err := obj.Get("length")
	if err != nil {
		return 0
	}
	return l.Uint32()
}

func JSONParse(ctx *Context, s string) (*Value, error) { return v8.JSONParse(ctx, s) }

// JSONStringify serializes v. A value thrown by a toJSON method comes back as
// a *ThrownValue.
func JSONStringify(ctx *Context, v *Value) (string, error) {
	out, err := guarded(ctx, intrinsicsOf(ctx).guardStringify, v)
	if err != nil {
		return "", err
	}
	return out.String(), nil
}

// Valuers adapts values to the engine's variadic argument form.
func Valuers(values []*Value) []v8.Valuer {
	out := make([]v8.Valuer, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// CallFunction invokes fn with receiver recv in ctx. A value thrown by fn
// comes back as a *ThrownValue.
func CallFunction(ctx *Context, fn *Value, recv *Value, args []*Value) (*Value, error) {
	if !fn.IsFunction() {
		return nil, errors.New("value is not a function")
	}
	list, err := argumentList(ctx, args)
	if err != nil {
		return nil, err
	}
	return guarded(ctx, intrinsicsOf(ctx).guardCall, fn, recv, list)
}

// Construct invokes fn as a constructor in ctx.
func Construct(ctx *Context, fn *Value, args []*Value) (*Value, error) {
	if !fn.IsFunction() {
		return nil, errors.New("value is not a function")
	}
	list, err := argumentList(ctx, args)
	if err != nil {
		return nil, err
	}
	return guarded(ctx, intrinsicsOf(ctx).guardConstruct, fn, list)
}

func argumentList(ctx *Context, args []*Value) (*Value, error) {
	arr, err := NewArray(ctx, 0)
	if err != nil {
		return nil, err
	}
	obj, err := arr.AsObject()
	if err != nil {
		return nil, err
	}
	for i, a := range args {
		if err := obj.SetIdx(uint32(i), a); err != nil {
			return nil, err
		}
	}
	return arr, nil
}

// ThrownValue is an exception caught inside the engine with its value kept.
type ThrownValue struct {
	Value    *Value
	Message  string // string conversion of Value
	Stack    string // the stack property of an Error, if any
	Location string // "resource:line:column" of the innermost frame, if known
}

func (t *ThrownValue) Error() string { return t.Message }

// AsThrownValue extracts a kept exception value from err.
func AsThrownValue(err error) (*ThrownValue, bool) {
	var tv *ThrownValue
	if errors.As(err, &tv) {
		return tv, true
	}
	return nil, false
}

// guarded calls guard with args and unpacks its [ok, value] result.
// Terminations are not catchable in script and stay engine errors.
func guarded(ctx *Context, guard *Function, args ...*Value) (*Value, error) {
	res, err := guard.Call(Undefined(ctx.Isolate()), Valuers(args)...)
	if err != nil {
		return nil, err
	}
	pair, err := res.AsObject()
	if err != nil {
		return nil, err
	}
	ok, err := pair.GetIdx(0)
	if err != nil {
		return nil, err
	}
	v, err := pair.GetIdx(1)
	if err != nil {
		return nil, err
	}
	if ok.Boolean() {
		return v, nil
	}
	return nil, newThrownValue(v)
}

func newThrownValue(v *Value) *ThrownValue {
	tv := &ThrownValue{Value: v, Message: v.String()}
	if v.IsSymbol() {
		tv.Message = v.DetailString()
	}
	if v.IsNativeError() {
		if obj, err := v.AsObject(); err == nil {
			if st, err := obj.Get("stack"); err == nil && st.IsString() {
				tv.Stack = st.String()
				tv.Location = locationFromStack(tv.Stack)
			}
		}
	}
	return tv
}

// locationFromStack returns the position of the first frame of an Error
// stack, with the column made 0-based.
func locationFromStack(stack string) string {
	for _, line := range strings.Split(stack, "\n") {
		frame, ok := strings.CutPrefix(strings.TrimSpace(line), "at ")
		if !ok {
			continue
		}
		if i := strings.LastIndexByte(frame, '('); i >= 0 && strings.HasSuffix(frame, ")") {
			frame = frame[i+1 : len(frame)-1]
		}
		loc := ParseLocation(frame)
		if loc.Line == 0 || loc.Column < 1 {
			return ""
		}
		return loc.Resource + ":" + strconv.Itoa(loc.Line) + ":" + strconv.Itoa(loc.Column-1)
	}
	return ""
}

func NewFunctionTemplate(iso *Isolate, cb FunctionCallback) *FunctionTemplate {
	return v8.NewFunctionTemplate(iso, cb)
}

func TemplateFunction(tmpl *FunctionTemplate, ctx *Context) *Value {
	return tmpl.GetFunction(ctx).Value
}

func NewObjectTemplate(iso *Isolate) *ObjectTemplate { return v8.NewObjectTemplate(iso) }

// TemplateSet installs a value or nested template on an object template.
func TemplateSet(tmpl *ObjectTemplate, name string, value any, readOnly bool) error {
	if readOnly {
		return tmpl.Set(name, value, v8.ReadOnly)
	}
	return tmpl.Set(name, value)
}

func TemplateInstance(tmpl *ObjectTemplate, ctx *Context) (*Value, error) {
	obj, err := tmpl.NewInstance(ctx)
	if err != nil {
		return nil, err
	}
	return obj.Value, nil
}

// NewPromiseResolver creates a pending promise and its resolver.
func NewPromiseResolver(ctx *Context) (*PromiseResolver, error) {
	return v8.NewPromiseResolver(ctx)
}

func ResolverPromise(r *PromiseResolver) *Value { return r.GetPromise().Value }

// PromiseStateOf reports the state of the promise v.
func PromiseStateOf(v *Value) PromiseState {
	p, err := v.AsPromise()
	if err != nil {
		return PromisePending
	}
	switch p.State() {
	case v8.Fulfilled:
		return PromiseFulfilled
	case v8.Rejected:
		return PromiseRejected
	default:
		return PromisePending
	}
}

func PromiseResult(v *Value) *Value {
	p, err := v.AsPromise()
	if err != nil {
		return nil
	}
	return p.Result()
}

// PromiseThen chains callbacks onto v. onRejected may be nil.
func PromiseThen(v *Value, onFulfilled, onRejected FunctionCallback) (*Value, error) {
	p, err := v.AsPromise()
	if err != nil {
		return nil, err
	}
	var next *v8.Promise
	if onRejected != nil {
		next = p.Then(onFulfilled, onRejected)
	} else {
		next = p.Then(onFulfilled)
	}
	return next.Value, nil
}

// SharedArrayBufferContents exposes the backing store of a SharedArrayBuffer.
func SharedArrayBufferContents(v *Value) ([]byte, func(), error) {
	return v.SharedArrayBufferGetContents()
}

// AsJSError extracts the engine error record from err.
func AsJSError(err error) (*JSError, bool) {
	var jsErr *JSError
	if errors.As(err, &jsErr) {
		return jsErr, true
	}
	return nil, false
}

// IsTermination reports whether err records a forced termination.
func IsTermination(err error) bool {
	if jsErr, ok := AsJSError(err); ok {
		return strings.HasPrefix(jsErr.Message, terminationPrefix)
	}
	return false
}

// Location is a parsed "resource:line:column" error location.
type Location struct {
	Resource string
	Line     int // 1-based, 0 if unknown
	Column   int // 0-based, -1 if unknown
}

// ParseLocation splits an error record location. Resource names may contain
// colons, so the numbers are taken from the right.
func ParseLocation(loc string) Location {
	out := Location{Resource: loc, Column: -1}
	if loc == "" {
		return out
	}
	parts := strings.Split(loc, ":")
	if len(parts) >= 3 {
		line, errL := strconv.Atoi(parts[len(parts)-2])
		col, errC := strconv.Atoi(parts[len(parts)-1])
		if errL == nil && errC == nil {
			out.Resource = strings.Join(parts[:len(parts)-2], ":")
			out.Line = line
			out.Column = max(col, 0)
			return out
		}
	}
	if len(parts) >= 2 {
		if line, err := strconv.Atoi(parts[len(parts)-1]); err == nil {
			out.Resource = strings.Join(parts[:len(parts)-1], ":")
			out.Line = line
		}
	}
	return out
}
