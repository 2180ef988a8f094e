package hostv8

import (
	"fmt"
	"strings"
	"unsafe"

	"go.uber.org/zap"

	"github.com/cryguy/hostv8/internal/v8engine"
)

// ContextState is the phantom parameter of HandleScope: NoContext until a
// context scope has been entered, WithContext afterwards.
type ContextState interface{ contextState() }

type (
	NoContext   struct{}
	WithContext struct{}
)

func (NoContext) contextState()   {}
func (WithContext) contextState() {}

// Scope is any open scope. Operations that mint Locals take a Scope and root
// the new Locals in it.
type Scope interface {
	scope() *scopeData
}

// ContextScope is a scope with a current context.
type ContextScope interface {
	Scope
	hasContext(WithContext)
}

type scopeKind uint8

const (
	kindHandle scopeKind = iota
	kindContext
	kindEscapable
	kindTryCatch
	kindDisallow
	kindAllow
	kindCallback
)

func (k scopeKind) String() string {
	switch k {
	case kindHandle:
		return "handle"
	case kindContext:
		return "context"
	case kindEscapable:
		return "escapable handle"
	case kindTryCatch:
		return "try-catch"
	case kindDisallow:
		return "disallow-javascript-execution"
	case kindAllow:
		return "allow-javascript-execution"
	case kindCallback:
		return "callback"
	default:
		return fmt.Sprintf("scopeKind(%d)", uint8(k))
	}
}

type scopeStatus uint8

const (
	statusUninitialized scopeStatus = iota
	statusInitializing
	statusEntered
	statusExited
)

// scopeData is the host record behind every scope. Its address is its
// identity: the isolate links open scopes through parent pointers and
// compares top against it, so a scopeData never moves once reserved.
type scopeData struct {
	kind    scopeKind
	status  scopeStatus
	isolate *Isolate
	parent  *scopeData
	root    bool // parent is whatever scope is innermost at Init

	// context is explicit for context and callback scopes and resolved
	// lazily for the rest.
	context *v8engine.Context
	handles int

	escaped   bool
	onFailure OnFailure
	tc        *tryCatchState
	pending   *thrown // callback: exception to throw when the callback returns
}

// scopeRef exposes a bare scopeData as a Scope.
type scopeRef struct{ d *scopeData }

func (r scopeRef) scope() *scopeData { return r.d }

func reserve(kind scopeKind, iso *Isolate, parent *scopeData) *scopeData {
	return &scopeData{kind: kind, isolate: iso, parent: parent}
}

func (d *scopeData) init() {
	switch d.status {
	case statusUninitialized:
	case statusInitializing:
		panic(fmt.Sprintf("hostv8: %s scope initialized re-entrantly", d.kind))
	default:
		panic(fmt.Sprintf("hostv8: %s scope initialized twice", d.kind))
	}
	d.status = statusInitializing

	iso := d.isolate
	iso.checkUsable()
	if d.root {
		d.parent = iso.top
	} else {
		if d.parent == nil || d.parent.status != statusEntered {
			panic(fmt.Sprintf("hostv8: %s scope opened from a closed scope", d.kind))
		}
		if d.parent != iso.top {
			panic(fmt.Sprintf("hostv8: %s scope opened from a scope that is not innermost", d.kind))
		}
	}

	switch d.kind {
	case kindContext, kindCallback:
		iso.entered = append(iso.entered, d.context)
	case kindTryCatch:
		d.tc = &tryCatchState{captureMessage: true}
	}
	if d.parent == nil {
		iso.annex.drainResets()
	}
	iso.top = d
	d.status = statusEntered
}

func (d *scopeData) close() {
	if d.status != statusEntered {
		panic(fmt.Sprintf("hostv8: closing a %s scope that is not open", d.kind))
	}
	iso := d.isolate
	if iso.top != d {
		panic(fmt.Sprintf("hostv8: %s scope closed out of order", d.kind))
	}
	switch d.kind {
	case kindContext, kindCallback:
		n := len(iso.entered)
		if n == 0 || iso.entered[n-1] != d.context {
			panic("hostv8: context exited out of order")
		}
		iso.entered[n-1] = nil
		iso.entered = iso.entered[:n-1]
	}
	iso.top = d.parent
	d.status = statusExited
}

// enterOp checks that d may be used for an operation right now and returns
// it.
func (d *scopeData) enterOp() *scopeData {
	if d.status != statusEntered {
		panic(fmt.Sprintf("hostv8: use of a %s scope that is not open", d.kind))
	}
	if d.isolate.top != d {
		panic(fmt.Sprintf("hostv8: use of a %s scope that is not the innermost open scope", d.kind))
	}
	return d
}

func (d *scopeData) engine() *v8engine.Isolate { return d.isolate.eng }

// currentContext resolves the entered context the first time it is needed.
func (d *scopeData) currentContext() *v8engine.Context {
	if d.context == nil {
		d.context = d.isolate.currentContext()
	}
	return d.context
}

func (d *scopeData) mustContext() *v8engine.Context {
	ctx := d.currentContext()
	if ctx == nil {
		panic("hostv8: operation needs an entered context")
	}
	return ctx
}

// castLocal is the one place Locals are minted from engine results.
func castLocal[T any](d *scopeData, fn func(*scopeData) unsafe.Pointer) (Local[T], bool) {
	l, ok := FromRaw[T](fn(d))
	if ok {
		d.handles++
	}
	return l, ok
}

// valueLocal adopts the result of an engine call that may throw.
func valueLocal[T any](d *scopeData, v *v8engine.Value, err error) (Local[T], bool) {
	if err != nil {
		d.raiseError(err)
		return Local[T]{}, false
	}
	return castLocal[T](d, func(*scopeData) unsafe.Pointer { return unsafe.Pointer(v) })
}

// mustLocal adopts an engine result that cannot be empty.
func mustLocal[T any](d *scopeData, ptr unsafe.Pointer) Local[T] {
	l, ok := castLocal[T](d, func(*scopeData) unsafe.Pointer { return ptr })
	if !ok {
		panic("hostv8: engine returned an empty handle")
	}
	return l
}

// runJS runs fn if script execution is currently allowed, routing a thrown
// exception to the innermost catcher.
func (d *scopeData) runJS(fn func() (*v8engine.Value, error)) (*v8engine.Value, bool) {
	if !d.executionAllowed() {
		return nil, false
	}
	v, err := fn()
	if err != nil {
		d.raiseError(err)
		return nil, false
	}
	return v, true
}

func (d *scopeData) executionAllowed() bool {
	if d.isolate.annex.terminating.Load() {
		d.raise(&thrown{terminated: true})
		return false
	}
	for n := d; n != nil; n = n.parent {
		switch n.kind {
		case kindAllow:
			return true
		case kindDisallow:
			switch n.onFailure {
			case ThrowOnFailure:
				d.raise(d.hostThrown("Error", "Invalid access to JavaScript execution"))
			case DumpOnFailure:
				Logger().Warn("javascript execution attempted while disallowed")
			default:
				panic("hostv8: javascript execution attempted while disallowed")
			}
			return false
		}
	}
	return true
}

// thrown is an exception on its way to a catcher.
type thrown struct {
	value      *v8engine.Value
	message    *messageRecord
	stack      string
	terminated bool
}

var errorKinds = []string{"RangeError", "ReferenceError", "SyntaxError", "TypeError", "Error"}

func (d *scopeData) raiseError(err error) {
	iso := d.isolate
	if v8engine.IsTermination(err) {
		iso.annex.terminating.Store(true)
		d.raise(&thrown{terminated: true})
		return
	}
	t := &thrown{}
	if tv, ok := v8engine.AsThrownValue(err); ok {
		t.value = tv.Value
		t.message = newMessageRecord(iso, tv.Message, tv.Location, tv.Stack)
		t.stack = tv.Stack
	} else if jsErr, ok := v8engine.AsJSError(err); ok {
		// The record only keeps the string form. A stack means an Error
		// object was thrown; anything else stays the string.
		if jsErr.StackTrace != "" {
			t.value = d.exceptionValue(jsErr.Message)
		} else {
			t.value = d.stringValue(jsErr.Message)
		}
		t.message = newMessageRecord(iso, jsErr.Message, jsErr.Location, jsErr.StackTrace)
		t.stack = jsErr.StackTrace
	} else {
		t.value = d.exceptionValue("Error: " + err.Error())
		t.message = newMessageRecord(iso, "Error: "+err.Error(), "", "")
	}
	d.raise(t)
}

// exceptionValue rebuilds a thrown Error from its string form. Messages in
// the "Kind: text" form of a built-in error become that error again.
func (d *scopeData) exceptionValue(msg string) *v8engine.Value {
	if ctx := d.currentContext(); ctx != nil {
		for _, kind := range errorKinds {
			rest, ok := strings.CutPrefix(msg, kind+": ")
			if !ok {
				continue
			}
			text, err := v8engine.NewString(d.engine(), rest)
			if err != nil {
				break
			}
			if v, err := v8engine.NewError(ctx, kind, text); err == nil {
				return v
			}
			break
		}
	}
	return d.stringValue(msg)
}

func (d *scopeData) stringValue(msg string) *v8engine.Value {
	v, err := v8engine.NewString(d.engine(), msg)
	if err != nil {
		return nil
	}
	return v
}

func (d *scopeData) hostThrown(kind, msg string) *thrown {
	return &thrown{
		value:   d.exceptionValue(kind + ": " + msg),
		message: newMessageRecord(d.isolate, kind+": "+msg, "", ""),
	}
}

// raise hands t to the innermost try-catch, stopping at a callback boundary
// where it becomes the callback's pending exception.
func (d *scopeData) raise(t *thrown) {
	for n := d; n != nil; n = n.parent {
		switch n.kind {
		case kindTryCatch:
			if n.status != statusEntered {
				continue
			}
			n.tc.record(t)
			if n.tc.verbose && !t.terminated {
				d.notify(t)
			}
			return
		case kindCallback:
			if !t.terminated {
				n.pending = t
			}
			return
		}
	}
	if !t.terminated {
		d.notify(t)
	}
}

// notify tells the message listeners about t.
func (d *scopeData) notify(t *thrown) {
	iso := d.isolate
	if len(iso.listeners) == 0 {
		if t.message != nil {
			Logger().Debug("uncaught exception", zap.String("message", t.message.text))
		}
		return
	}
	msg := mustLocal[Message](d, unsafe.Pointer(t.message.orEmpty()))
	exc, ok := FromRaw[Value](unsafe.Pointer(t.value))
	if !ok {
		exc = mustLocal[Value](d, unsafe.Pointer(v8engine.Undefined(d.engine())))
	}
	for _, fn := range iso.listeners {
		fn(scopeRef{d}, msg, exc)
	}
}

// HandleScope roots every Local created through it until it closes.
type HandleScope[C ContextState] struct {
	data *scopeData
}

func (s *HandleScope[C]) scope() *scopeData { return s.data }
func (s *HandleScope[C]) hasContext(C)      {}

// Init enters a reserved scope. It must be called exactly once.
func (s *HandleScope[C]) Init() { s.data.init() }

// Close exits the scope. Scopes close in the reverse order they were
// opened; anything else panics.
func (s *HandleScope[C]) Close() { s.data.close() }

// IsOpen reports whether the scope has been entered and not yet closed.
func (s *HandleScope[C]) IsOpen() bool { return s.data.status == statusEntered }

// Isolate returns the isolate the scope belongs to.
func (s *HandleScope[C]) Isolate() *Isolate { return s.data.isolate }

// NumHandles reports how many Locals were created in this scope.
func (s *HandleScope[C]) NumHandles() int { return s.data.handles }

// CurrentContext returns the context scripts run in under this scope.
func (s *HandleScope[C]) CurrentContext() (Local[Context], bool) {
	d := s.data.enterOp()
	return castLocal[Context](d, func(b *scopeData) unsafe.Pointer {
		return unsafe.Pointer(b.currentContext())
	})
}

// ReserveHandleScope allocates a handle scope that opens on top of whatever
// scope is innermost when Init runs.
func (iso *Isolate) ReserveHandleScope() *HandleScope[NoContext] {
	d := reserve(kindHandle, iso, nil)
	d.root = true
	return &HandleScope[NoContext]{data: d}
}

// NewHandleScope opens a handle scope directly on the isolate.
func (iso *Isolate) NewHandleScope() *HandleScope[NoContext] {
	s := iso.ReserveHandleScope()
	s.Init()
	return s
}

// ReserveHandleScope allocates a child handle scope of s.
func (s *HandleScope[C]) ReserveHandleScope() *HandleScope[C] {
	return &HandleScope[C]{data: reserve(kindHandle, s.data.isolate, s.data)}
}

// NewHandleScope opens a child handle scope of s.
func (s *HandleScope[C]) NewHandleScope() *HandleScope[C] {
	c := s.ReserveHandleScope()
	c.Init()
	return c
}

// ReserveContextScope allocates a scope that enters ctx on Init. The parent
// may already have a context; ctx replaces it until the scope closes.
func ReserveContextScope(parent Scope, ctx Local[Context]) *HandleScope[WithContext] {
	p := parent.scope()
	d := reserve(kindContext, p.isolate, p)
	d.context = ctx.Deref().raw()
	return &HandleScope[WithContext]{data: d}
}

// NewContextScope enters ctx until the returned scope closes.
func NewContextScope(parent Scope, ctx Local[Context]) *HandleScope[WithContext] {
	s := ReserveContextScope(parent, ctx)
	s.Init()
	return s
}

// Enter initializes s, runs fn and closes s.
func Enter[S interface {
	Init()
	Close()
}](s S, fn func(S)) {
	s.Init()
	fn(s)
	s.Close()
}

// EscapableHandleScope can promote exactly one Local to its parent scope.
type EscapableHandleScope[C ContextState] struct {
	*HandleScope[C]
}

func (s *HandleScope[C]) NewEscapableHandleScope() *EscapableHandleScope[C] {
	e := &EscapableHandleScope[C]{&HandleScope[C]{data: reserve(kindEscapable, s.data.isolate, s.data)}}
	e.Init()
	return e
}

// Escape returns a copy of l rooted in the parent of s. It panics when
// called twice on the same scope.
func Escape[T any, C ContextState](s *EscapableHandleScope[C], l Local[T]) Local[T] {
	d := s.data.enterOp()
	if d.escaped {
		panic("hostv8: escape called twice on the same scope")
	}
	d.escaped = true
	out, ok := castLocal[T](d.parent, func(*scopeData) unsafe.Pointer { return l.ptr })
	if !ok {
		panic("hostv8: escaping an empty Local")
	}
	return out
}

// OnFailure selects what happens when script runs under a
// DisallowJavascriptExecutionScope.
type OnFailure int

const (
	// CrashOnFailure panics.
	CrashOnFailure OnFailure = iota
	// ThrowOnFailure raises an Error in the innermost try-catch.
	ThrowOnFailure
	// DumpOnFailure logs a warning; the operation yields no value.
	DumpOnFailure
)

type DisallowJavascriptExecutionScope[C ContextState] struct {
	*HandleScope[C]
}

func (s *HandleScope[C]) NewDisallowJavascriptExecutionScope(onFailure OnFailure) *DisallowJavascriptExecutionScope[C] {
	d := reserve(kindDisallow, s.data.isolate, s.data)
	d.onFailure = onFailure
	out := &DisallowJavascriptExecutionScope[C]{&HandleScope[C]{data: d}}
	out.Init()
	return out
}

// AllowJavascriptExecutionScope lifts an enclosing disallow scope.
type AllowJavascriptExecutionScope[C ContextState] struct {
	*HandleScope[C]
}

func (s *HandleScope[C]) NewAllowJavascriptExecutionScope() *AllowJavascriptExecutionScope[C] {
	out := &AllowJavascriptExecutionScope[C]{&HandleScope[C]{data: reserve(kindAllow, s.data.isolate, s.data)}}
	out.Init()
	return out
}

// CallbackScope is open for the duration of a host function called from
// script. An exception raised under it and not caught by a nested
// TryCatch is thrown back into script when the callback returns.
type CallbackScope struct {
	*HandleScope[WithContext]
}

func (iso *Isolate) enterCallback(ctx *v8engine.Context) *CallbackScope {
	d := reserve(kindCallback, iso, nil)
	d.root = true
	d.context = ctx
	s := &CallbackScope{&HandleScope[WithContext]{data: d}}
	s.Init()
	return s
}

// exit closes the callback scope and produces the engine return value.
func (s *CallbackScope) exit(result *v8engine.Value) *v8engine.Value {
	d := s.data
	if d.isolate.top != d {
		panic("hostv8: callback returned with scopes still open")
	}
	d.close()
	if t := d.pending; t != nil {
		d.pending = nil
		exc := t.value
		if exc == nil {
			exc = v8engine.Undefined(d.engine())
		}
		return v8engine.ThrowException(d.engine(), exc)
	}
	return result
}

// ThrowException schedules v as the current exception and returns it.
func ThrowException(s Scope, v Local[Value]) Local[Value] {
	d := s.scope().enterOp()
	raw := v.Deref().raw()
	d.raise(&thrown{
		value:   raw,
		message: newMessageRecord(d.isolate, raw.String(), "", ""),
	})
	return v
}
