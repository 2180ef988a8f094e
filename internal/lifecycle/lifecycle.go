// Package lifecycle tracks the process-wide engine bring-up sequence.
//
// The engine is a singleton with a strict ordering: a platform must be
// installed before the engine initializes, and the engine must be disposed
// before the platform shuts down. Every transition asserts its exact
// predecessor and panics otherwise.
package lifecycle

import (
	"fmt"
	"sync"
)

// State is a step of the engine bring-up sequence.
type State int

const (
	Uninitialized State = iota
	PlatformInitialized
	Initialized
	Disposed
	PlatformShutdown
)

var stateNames = [...]string{
	Uninitialized:       "Uninitialized",
	PlatformInitialized: "PlatformInitialized",
	Initialized:         "Initialized",
	Disposed:            "Disposed",
	PlatformShutdown:    "PlatformShutdown",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Machine guards the bring-up state. The zero value is Uninitialized.
type Machine struct {
	mu    sync.Mutex
	state State
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Advance moves from `from` to `to`, running fn while the lock is held.
// It panics when the current state is not `from`.
func (m *Machine) Advance(op string, from, to State, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		panic(fmt.Sprintf("hostv8: %s called in state %s, want %s", op, m.state, from))
	}
	if fn != nil {
		fn()
	}
	m.state = to
}

// Require panics unless the current state is one of allowed.
func (m *Machine) Require(op string, allowed ...State) {
	m.Do(op, nil, allowed...)
}

// Do runs fn while the lock is held, so no transition can happen during
// it. It panics unless the current state is one of allowed.
func (m *Machine) Do(op string, fn func(), allowed ...State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range allowed {
		if m.state == s {
			if fn != nil {
				fn()
			}
			return
		}
	}
	panic(fmt.Sprintf("hostv8: %s called in state %s, want one of %v", op, m.state, allowed))
}
