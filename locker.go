package hostv8

import (
	"runtime"

	"github.com/petermattis/goid"
)

// SharedIsolate is an isolate handed between goroutines. Only the holder of
// its Locker may use it.
type SharedIsolate struct {
	iso *Isolate
}

// NewSharedIsolate creates an isolate that starts out unlocked.
func NewSharedIsolate(params CreateParams) *SharedIsolate {
	return &SharedIsolate{iso: newIsolate(params, true)}
}

// Lock blocks until the isolate is free, then enters it for the calling
// goroutine, which stays on its OS thread until Unlock. Releases of Globals
// deferred while it was unlocked are performed first.
func (s *SharedIsolate) Lock() *Locker {
	a := s.iso.annex
	a.lock.Lock()
	runtime.LockOSThread()
	a.owner.Store(goid.Get())
	a.drainResets()
	return &Locker{iso: s.iso}
}

// IsLocked reports whether some goroutine holds the Locker. It never blocks.
func (s *SharedIsolate) IsLocked() bool { return s.iso.annex.owner.Load() != 0 }

// Handle returns the thread-safe handle of the isolate.
func (s *SharedIsolate) Handle() *IsolateHandle { return s.iso.handle }

// Dispose takes the lock and frees the isolate.
func (s *SharedIsolate) Dispose() {
	l := s.Lock()
	defer l.iso.annex.release()
	l.released = true
	s.iso.dispose()
}

// Locker is exclusive access to a SharedIsolate.
type Locker struct {
	iso      *Isolate
	released bool
}

// Isolate returns the locked isolate. It must not be used after Unlock.
func (l *Locker) Isolate() *Isolate {
	if l.released {
		panic("hostv8: isolate requested from a released Locker")
	}
	return l.iso
}

// Unlock exits the isolate and releases it, in that order. All scopes must
// be closed.
func (l *Locker) Unlock() {
	if l.released {
		panic("hostv8: Locker released twice")
	}
	if !l.iso.annex.heldByCaller() {
		panic("hostv8: Locker released by a goroutine that does not hold it")
	}
	if l.iso.top != nil {
		panic("hostv8: Locker released with scopes still open")
	}
	l.released = true
	l.iso.annex.release()
}

// heldByCaller reports whether the calling goroutine holds the Locker.
func (a *isolateAnnex) heldByCaller() bool { return a.owner.Load() == goid.Get() }

func (a *isolateAnnex) release() {
	a.owner.Store(0)
	a.lock.Unlock()
	runtime.UnlockOSThread()
}
