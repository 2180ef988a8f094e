package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type transition struct {
	op       string
	from, to State
}

var sequence = []transition{
	{"InitializePlatform", Uninitialized, PlatformInitialized},
	{"Initialize", PlatformInitialized, Initialized},
	{"Dispose", Initialized, Disposed},
	{"DisposePlatform", Disposed, PlatformShutdown},
}

func TestFullSequence(t *testing.T) {
	var m Machine
	for _, tr := range sequence {
		m.Advance(tr.op, tr.from, tr.to, nil)
		assert.Equal(t, tr.to, m.State())
	}
}

func TestInitializeBeforePlatformPanics(t *testing.T) {
	var m Machine
	require.PanicsWithValue(t,
		"hostv8: Initialize called in state Uninitialized, want PlatformInitialized",
		func() { m.Advance("Initialize", PlatformInitialized, Initialized, nil) })
	assert.Equal(t, Uninitialized, m.State())
}

func TestDisposePlatformBeforeDisposePanics(t *testing.T) {
	var m Machine
	m.Advance("InitializePlatform", Uninitialized, PlatformInitialized, nil)
	m.Advance("Initialize", PlatformInitialized, Initialized, nil)
	require.Panics(t, func() { m.Advance("DisposePlatform", Disposed, PlatformShutdown, nil) })
	assert.Equal(t, Initialized, m.State())
}

func TestAdvanceRunsHookUnderLock(t *testing.T) {
	var m Machine
	ran := false
	m.Advance("InitializePlatform", Uninitialized, PlatformInitialized, func() { ran = true })
	assert.True(t, ran)

	ran = false
	assert.Panics(t, func() {
		m.Advance("InitializePlatform", Uninitialized, PlatformInitialized, func() { ran = true })
	})
	assert.False(t, ran, "hook must not run on a rejected transition")
}

func TestRequire(t *testing.T) {
	var m Machine
	m.Require("SetFlags", Uninitialized, PlatformInitialized)
	m.Advance("InitializePlatform", Uninitialized, PlatformInitialized, nil)
	m.Advance("Initialize", PlatformInitialized, Initialized, nil)
	assert.Panics(t, func() { m.Require("SetFlags", Uninitialized, PlatformInitialized) })
}

// Each transition succeeds only from its single documented predecessor.
func TestTransitionsOnlyFromPredecessor(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		var m Machine
		steps := rapid.SliceOfN(rapid.IntRange(0, len(sequence)-1), 1, 12).Draw(t, "steps")
		for _, i := range steps {
			tr := sequence[i]
			before := m.State()
			panicked := func() (p bool) {
				defer func() { p = recover() != nil }()
				m.Advance(tr.op, tr.from, tr.to, nil)
				return false
			}()
			if before == tr.from {
				if panicked || m.State() != tr.to {
					t.Fatalf("%s from %s: panicked=%v state=%s", tr.op, before, panicked, m.State())
				}
			} else if !panicked || m.State() != before {
				t.Fatalf("%s from %s: expected panic and unchanged state, got panicked=%v state=%s",
					tr.op, before, panicked, m.State())
			}
		}
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Disposed", Disposed.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestDoRunsOnlyInAllowedState(t *testing.T) {
	var m Machine
	ran := false
	assert.PanicsWithValue(t,
		"hostv8: Post called in state Uninitialized, want one of [PlatformInitialized Initialized]",
		func() { m.Do("Post", func() { ran = true }, PlatformInitialized, Initialized) })
	assert.False(t, ran)

	m.Advance("InitializePlatform", Uninitialized, PlatformInitialized, nil)
	m.Do("Post", func() { ran = true }, PlatformInitialized, Initialized)
	assert.True(t, ran)
}

// A transition requested while Do runs waits until its callback returns.
func TestDoHoldsOffTransitions(t *testing.T) {
	var m Machine
	m.Advance("InitializePlatform", Uninitialized, PlatformInitialized, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	seen := make(chan State, 1)
	go m.Do("Post", func() {
		close(entered)
		<-release
		seen <- m.state
	}, PlatformInitialized)

	<-entered
	advanced := make(chan struct{})
	go func() {
		m.Advance("Initialize", PlatformInitialized, Initialized, nil)
		close(advanced)
	}()
	select {
	case <-advanced:
		t.Fatal("transition ran while Do held the machine")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-advanced
	require.Equal(t, PlatformInitialized, <-seen)
	assert.Equal(t, Initialized, m.State())
}
