package hostv8

import (
	"unsafe"

	"github.com/cryguy/hostv8/internal/v8engine"
)

// ScriptOrigin names the resource a script came from. Messages and stack
// traces refer to it.
type ScriptOrigin struct {
	ResourceName string
}

// boundScript is the engine record behind a Script.
type boundScript struct {
	unbound *v8engine.UnboundScript
	ctx     *v8engine.Context
}

// Source is script text plus optional code cache to consume.
type Source struct {
	Code       string
	Origin     ScriptOrigin
	CachedData []byte

	rejected bool
}

// CachedDataRejected reports whether the engine refused CachedData during
// the last compile.
func (src *Source) CachedDataRejected() bool { return src.rejected }

// CompileUnboundScript compiles src without tying it to a context. A syntax
// error is raised as an exception.
func CompileUnboundScript(s Scope, src *Source) (Local[UnboundScript], bool) {
	d := s.scope().enterOp()
	u, rejected, err := v8engine.Compile(d.engine(), src.Code, src.Origin.ResourceName, src.CachedData)
	if err != nil {
		d.raiseError(err)
		return Local[UnboundScript]{}, false
	}
	src.rejected = rejected
	d.isolate.registerSource(src.Origin.ResourceName, src.Code)
	return castLocal[UnboundScript](d, func(*scopeData) unsafe.Pointer { return unsafe.Pointer(u) })
}

// Compile compiles source for the current context.
func Compile(s ContextScope, source Local[String], origin *ScriptOrigin) (Local[Script], bool) {
	var o ScriptOrigin
	if origin != nil {
		o = *origin
	}
	u, ok := CompileUnboundScript(s, &Source{Code: source.Deref().String(), Origin: o})
	if !ok {
		return Local[Script]{}, false
	}
	return u.Deref().BindToCurrentContext(s), true
}

// BindToCurrentContext returns a script that runs in the current context.
func (u *UnboundScript) BindToCurrentContext(s ContextScope) Local[Script] {
	d := s.scope().enterOp()
	b := &boundScript{unbound: u.raw(), ctx: d.mustContext()}
	return mustLocal[Script](d, unsafe.Pointer(b))
}

// CreateCodeCache serializes the compiled code for a later compile.
func (u *UnboundScript) CreateCodeCache() []byte {
	return v8engine.CreateCodeCache(u.raw())
}

// Run executes the script in the context it was bound to.
func (sc *Script) Run(s ContextScope) (Local[Value], bool) {
	d := s.scope().enterOp()
	b := sc.raw()
	v, ok := d.runJS(func() (*v8engine.Value, error) {
		return v8engine.RunScript(b.unbound, b.ctx)
	})
	if !ok {
		return Local[Value]{}, false
	}
	return castLocal[Value](d, func(*scopeData) unsafe.Pointer { return unsafe.Pointer(v) })
}

// GetUnboundScript returns the context independent form of the script.
func (sc *Script) GetUnboundScript(s Scope) Local[UnboundScript] {
	d := s.scope().enterOp()
	return mustLocal[UnboundScript](d, unsafe.Pointer(sc.raw().unbound))
}
