package hostv8

import (
	"reflect"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"

	"github.com/cryguy/hostv8/internal/lifecycle"
	"github.com/cryguy/hostv8/internal/v8engine"
)

// CreateParams configures a new isolate.
type CreateParams struct {
	// InitialHeapSize and MaxHeapSize bound the JS heap, in bytes. A zero
	// MaxHeapSize keeps the engine defaults.
	InitialHeapSize uint64
	MaxHeapSize     uint64
}

// MessageListener is told about exceptions nobody caught, and about those
// caught by a verbose TryCatch.
type MessageListener func(s Scope, message Local[Message], exception Local[Value])

// Isolate is one engine heap with its own execution state. It is not safe
// for concurrent use; see SharedIsolate for handing an isolate between
// goroutines.
type Isolate struct {
	eng    *v8engine.Isolate
	annex  *isolateAnnex
	handle *IsolateHandle
	runner *v8engine.TaskRunner

	top      *scopeData          // innermost open scope
	entered  []*v8engine.Context // contexts entered by context scopes
	contexts []*v8engine.Context // every context created on this isolate

	sources   map[string]string
	listeners []MessageListener
	slots     map[reflect.Type]any
}

// isolateAnnex outlives the isolate. Globals and isolate handles reach the
// isolate through it, and it records disposal.
type isolateAnnex struct {
	lock   sync.Mutex   // held by the current Locker of a shared isolate
	owner  atomic.Int64 // goroutine holding the Locker, 0 when free
	shared bool

	terminating atomic.Bool

	mu            sync.Mutex
	isolate       *Isolate // nil once disposed
	cells         map[*persistentCell]struct{}
	pendingResets []*persistentCell
	resets        int
}

// persistentCell is a strong reference owned by the isolate on behalf of a
// Global.
type persistentCell struct {
	ptr unsafe.Pointer
}

var liveIsolates atomic.Int64

// NewIsolate creates an isolate. The engine must be initialized.
func NewIsolate(params CreateParams) *Isolate {
	return newIsolate(params, false)
}

func newIsolate(params CreateParams, shared bool) *Isolate {
	engineState.Require("NewIsolate", lifecycle.Initialized)

	iso := &Isolate{
		eng:     v8engine.NewIsolate(params.InitialHeapSize, params.MaxHeapSize),
		runner:  v8engine.NewTaskRunner(),
		sources: make(map[string]string),
		slots:   make(map[reflect.Type]any),
	}
	iso.annex = &isolateAnnex{
		shared:  shared,
		isolate: iso,
		cells:   make(map[*persistentCell]struct{}),
	}
	iso.handle = &IsolateHandle{annex: iso.annex, runner: iso.runner}
	liveIsolates.Add(1)
	Logger().Debug("isolate created",
		zap.Bool("shared", shared),
		zap.Uint64("max_heap", params.MaxHeapSize))
	return iso
}

// Dispose frees the isolate. Every scope must be closed. Globals created on
// the isolate become inert: closing them is a no-op and opening them panics.
func (iso *Isolate) Dispose() {
	if iso.annex.shared && !iso.annex.heldByCaller() {
		panic("hostv8: disposing a shared isolate without holding its Locker")
	}
	iso.dispose()
}

func (iso *Isolate) dispose() {
	a := iso.annex
	a.mu.Lock()
	if a.isolate == nil {
		a.mu.Unlock()
		panic("hostv8: isolate disposed twice")
	}
	if iso.top != nil {
		a.mu.Unlock()
		panic("hostv8: disposing an isolate with open scopes")
	}
	a.isolate = nil
	cells := len(a.cells)
	a.cells = nil
	a.pendingResets = nil
	a.mu.Unlock()

	iso.runner.Close()
	for _, ctx := range iso.contexts {
		v8engine.CloseContext(ctx)
	}
	iso.contexts = nil
	v8engine.DisposeIsolate(iso.eng)
	liveIsolates.Add(-1)
	Logger().Debug("isolate disposed", zap.Int("live_globals", cells))
}

// IsDisposed reports whether Dispose has run.
func (iso *Isolate) IsDisposed() bool {
	iso.annex.mu.Lock()
	defer iso.annex.mu.Unlock()
	return iso.annex.isolate == nil
}

// Handle returns the isolate's thread-safe handle.
func (iso *Isolate) Handle() *IsolateHandle { return iso.handle }

// checkUsable panics unless the calling code may touch the isolate.
func (iso *Isolate) checkUsable() {
	a := iso.annex
	a.mu.Lock()
	disposed := a.isolate == nil
	a.mu.Unlock()
	if disposed {
		panic("hostv8: use of a disposed isolate")
	}
	if a.shared && !a.heldByCaller() {
		panic("hostv8: shared isolate used without holding its Locker")
	}
}

func (iso *Isolate) host() handleHost { return iso.annex.host() }

// AddMessageListener registers fn for uncaught and verbosely caught
// exceptions.
func (iso *Isolate) AddMessageListener(fn MessageListener) {
	iso.listeners = append(iso.listeners, fn)
}

// TerminateExecution stops any running script. Script stays refused until
// CancelTerminateExecution.
func (iso *Isolate) TerminateExecution() bool { return iso.handle.TerminateExecution() }

func (iso *Isolate) CancelTerminateExecution() bool { return iso.handle.CancelTerminateExecution() }

func (iso *Isolate) IsExecutionTerminating() bool { return iso.handle.IsExecutionTerminating() }

// HeapStatistics mirrors the engine heap statistics.
type HeapStatistics struct {
	TotalHeapSize            uint64
	TotalHeapSizeExecutable  uint64
	TotalPhysicalSize        uint64
	TotalAvailableSize       uint64
	UsedHeapSize             uint64
	HeapSizeLimit            uint64
	MallocedMemory           uint64
	ExternalMemory           uint64
	PeakMallocedMemory       uint64
	NumberOfNativeContexts   uint64
	NumberOfDetachedContexts uint64
}

// HeapStatistics samples the heap.
func (iso *Isolate) HeapStatistics() HeapStatistics {
	iso.checkUsable()
	st := v8engine.GetHeapStatistics(iso.eng)
	return HeapStatistics{
		TotalHeapSize:            st.TotalHeapSize,
		TotalHeapSizeExecutable:  st.TotalHeapSizeExecutable,
		TotalPhysicalSize:        st.TotalPhysicalSize,
		TotalAvailableSize:       st.TotalAvailableSize,
		UsedHeapSize:             st.UsedHeapSize,
		HeapSizeLimit:            st.HeapSizeLimit,
		MallocedMemory:           st.MallocedMemory,
		ExternalMemory:           st.ExternalMemory,
		PeakMallocedMemory:       st.PeakMallocedMemory,
		NumberOfNativeContexts:   st.NumberOfNativeContexts,
		NumberOfDetachedContexts: st.NumberOfDetachedContexts,
	}
}

// SetSlot stores v as the isolate's value of type T, replacing any previous
// one. It reports whether a value was replaced.
func SetSlot[T any](iso *Isolate, v T) bool {
	key := reflect.TypeFor[T]()
	_, had := iso.slots[key]
	iso.slots[key] = v
	return had
}

// GetSlot returns the isolate's value of type T.
func GetSlot[T any](iso *Isolate) (T, bool) {
	v, ok := iso.slots[reflect.TypeFor[T]()]
	if !ok {
		var zero T
		return zero, false
	}
	return v.(T), true
}

// RemoveSlot deletes and returns the isolate's value of type T.
func RemoveSlot[T any](iso *Isolate) (T, bool) {
	v, ok := GetSlot[T](iso)
	if ok {
		delete(iso.slots, reflect.TypeFor[T]())
	}
	return v, ok
}

// currentContext is the innermost context entered through a context scope.
func (iso *Isolate) currentContext() *v8engine.Context {
	if n := len(iso.entered); n > 0 {
		return iso.entered[n-1]
	}
	return nil
}

// registerSource keeps compiled source text so messages can quote lines.
func (iso *Isolate) registerSource(name, source string) {
	if name != "" {
		iso.sources[name] = source
	}
}

func (a *isolateAnnex) host() handleHost {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.isolate == nil:
		return handleHost{kind: hostDisposed}
	case a.shared && !a.heldByCaller():
		return handleHost{kind: hostUnlocked, annex: a}
	default:
		return handleHost{kind: hostIsolate, annex: a}
	}
}

func (a *isolateAnnex) newCell(ptr unsafe.Pointer) *persistentCell {
	c := &persistentCell{ptr: ptr}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isolate == nil {
		panic("hostv8: use of a disposed isolate")
	}
	a.cells[c] = struct{}{}
	return c
}

func (a *isolateAnnex) resetLocked(c *persistentCell) {
	if _, ok := a.cells[c]; !ok {
		return
	}
	delete(a.cells, c)
	c.ptr = nil
	a.resets++
}

func (a *isolateAnnex) reset(c *persistentCell) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resetLocked(c)
}

// deferReset queues a reset for the next time the isolate is entered. It is
// a no-op once the isolate is disposed.
func (a *isolateAnnex) deferReset(c *persistentCell) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isolate == nil {
		return
	}
	a.pendingResets = append(a.pendingResets, c)
}

// drainResets performs every deferred reset. The caller holds the isolate.
func (a *isolateAnnex) drainResets() {
	a.mu.Lock()
	pending := a.pendingResets
	a.pendingResets = nil
	for _, c := range pending {
		a.resetLocked(c)
	}
	a.mu.Unlock()
	if len(pending) > 0 {
		Logger().Debug("deferred global resets drained", zap.Int("count", len(pending)))
	}
}

// IsolateHandle is the part of an isolate usable from any goroutine, even
// after the isolate is disposed.
type IsolateHandle struct {
	annex  *isolateAnnex
	runner *v8engine.TaskRunner
}

// TerminateExecution forcibly stops script on the isolate. It returns false
// if the isolate is already disposed.
func (h *IsolateHandle) TerminateExecution() bool {
	h.annex.mu.Lock()
	defer h.annex.mu.Unlock()
	if h.annex.isolate == nil {
		return false
	}
	h.annex.terminating.Store(true)
	v8engine.TerminateExecution(h.annex.isolate.eng)
	return true
}

// CancelTerminateExecution allows script to run again after a termination.
func (h *IsolateHandle) CancelTerminateExecution() bool {
	h.annex.mu.Lock()
	defer h.annex.mu.Unlock()
	if h.annex.isolate == nil {
		return false
	}
	h.annex.terminating.Store(false)
	return true
}

// IsExecutionTerminating reports a pending or observed termination that has
// not been cancelled.
func (h *IsolateHandle) IsExecutionTerminating() bool {
	h.annex.mu.Lock()
	defer h.annex.mu.Unlock()
	if h.annex.isolate == nil {
		return false
	}
	return h.annex.terminating.Load()
}

// IsDisposed reports whether the isolate is gone.
func (h *IsolateHandle) IsDisposed() bool {
	h.annex.mu.Lock()
	defer h.annex.mu.Unlock()
	return h.annex.isolate == nil
}
