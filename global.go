package hostv8

import (
	"runtime"
	"unsafe"
	"weak"
)

type hostKind uint8

const (
	hostScope    hostKind = iota // a Local: rooted in some scope, isolate unknown
	hostIsolate                  // a live isolate the caller may use
	hostUnlocked                 // a shared isolate the caller holds no Locker for
	hostDisposed
)

// handleHost says which isolate a handle lives in, as far as it can be told.
type handleHost struct {
	kind  hostKind
	annex *isolateAnnex
}

// match reports whether two handles may be used together. A handle whose
// isolate is unlocked or disposed must not be touched at all, so those
// panic. A scope host cannot name its isolate; against a known isolate it
// matches unless fallback names a different one.
func (h handleHost) match(other handleHost, fallback *isolateAnnex) bool {
	for _, x := range [2]handleHost{h, other} {
		switch x.kind {
		case hostUnlocked:
			panic("hostv8: handle used while its isolate is not locked by this goroutine")
		case hostDisposed:
			panic("hostv8: handle used after its isolate was disposed")
		}
	}
	switch {
	case h.kind == hostIsolate && other.kind == hostIsolate:
		return h.annex == other.annex
	case h.kind == hostScope && other.kind == hostScope:
		return true
	}
	known := h.annex
	if h.kind == hostScope {
		known = other.annex
	}
	if fallback != nil {
		return fallback == known
	}
	return true
}

// Global is a reference to an engine object that outlives every scope. It
// belongs to one isolate and must be closed, or reset by the garbage
// collector, to release the object.
type Global[T any] struct {
	annex   weak.Pointer[isolateAnnex]
	cell    *persistentCell
	cleanup runtime.Cleanup
}

type cellRef struct {
	cell  *persistentCell
	annex weak.Pointer[isolateAnnex]
}

// An unreachable Global may be collected on any goroutine, so its reset is
// always deferred to the isolate's owner.
func releaseCell(ref cellRef) {
	if a := ref.annex.Value(); a != nil {
		a.deferReset(ref.cell)
	}
}

// NewGlobal creates a Global for the object behind l.
func NewGlobal[T any](iso *Isolate, l Local[T]) *Global[T] {
	iso.checkUsable()
	if l.ptr == nil {
		panic("hostv8: global from an empty Local")
	}
	if !l.host().match(iso.host(), nil) {
		panic("hostv8: handle belongs to a different isolate")
	}
	return newGlobal[T](iso.annex, l.ptr)
}

func newGlobal[T any](a *isolateAnnex, ptr unsafe.Pointer) *Global[T] {
	g := &Global[T]{
		annex: weak.Make(a),
		cell:  a.newCell(ptr),
	}
	g.cleanup = runtime.AddCleanup(g, releaseCell, cellRef{cell: g.cell, annex: g.annex})
	return g
}

func (g *Global[T]) host() handleHost {
	if g.cell == nil {
		panic("hostv8: use of a closed Global")
	}
	a := g.annex.Value()
	if a == nil {
		return handleHost{kind: hostDisposed}
	}
	return a.host()
}

// Open returns the object. It panics if iso is not the Global's isolate,
// or if that isolate is disposed or not locked.
func (g *Global[T]) Open(iso *Isolate) *T {
	if !g.host().match(iso.host(), nil) {
		panic("hostv8: global opened with a different isolate")
	}
	return (*T)(g.cell.ptr)
}

// Get is an older name for Open.
//
// Deprecated: use Open.
func (g *Global[T]) Get(iso *Isolate) *T { return g.Open(iso) }

// Local roots the object in s.
func (g *Global[T]) Local(s Scope) Local[T] {
	d := s.scope().enterOp()
	if !g.host().match(d.isolate.host(), nil) {
		panic("hostv8: global used with a different isolate")
	}
	l, _ := castLocal[T](d, func(*scopeData) unsafe.Pointer { return g.cell.ptr })
	return l
}

// Clone creates an independent Global for the same object.
func (g *Global[T]) Clone() *Global[T] {
	h := g.host()
	h.match(h, nil)
	return newGlobal[T](h.annex, g.cell.ptr)
}

// Equal reports whether both Globals name the same value under the SameValue
// algorithm.
func (g *Global[T]) Equal(iso *Isolate, other *Global[T]) bool {
	a, b := g.Open(iso), other.Open(iso)
	var zero T
	if _, isValue := any(zero).(ValueKind); isValue {
		return (*Value)(unsafe.Pointer(a)).raw().SameValue((*Value)(unsafe.Pointer(b)).raw())
	}
	return a == b
}

// IsClosed reports whether Close has been called.
func (g *Global[T]) IsClosed() bool { return g.cell == nil }

// Close releases the object. Once the isolate is disposed this does nothing;
// while a shared isolate is unlocked the release waits for the next Locker.
// Closing twice is a no-op.
func (g *Global[T]) Close() {
	if g.cell == nil {
		return
	}
	g.cleanup.Stop()
	cell := g.cell
	g.cell = nil
	a := g.annex.Value()
	if a == nil {
		return
	}
	switch a.host().kind {
	case hostDisposed:
	case hostUnlocked:
		a.deferReset(cell)
	default:
		a.reset(cell)
	}
}
