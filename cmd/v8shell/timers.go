package main

import (
	"math"
	"time"

	"github.com/cryguy/hostv8"
)

// timer is one pending setTimeout callback. It runs as a delayed platform
// task on the isolate's task runner.
type timer struct {
	hostv8.TaskBase
	t       *timers
	id      int32
	fn      *hostv8.Global[hostv8.Function]
	args    []*hostv8.Global[hostv8.Value]
	cleared bool
}

type timers struct {
	sh      *Shell
	nextID  int32
	pending map[int32]*timer
}

func newTimers(sh *Shell) *timers {
	return &timers{sh: sh, pending: make(map[int32]*timer)}
}

func (t *timers) live() int { return len(t.pending) }

func (tm *timer) release() {
	tm.cleared = true
	tm.fn.Close()
	for _, a := range tm.args {
		a.Close()
	}
	delete(tm.t.pending, tm.id)
}

func (t *timers) clearAll() {
	for _, tm := range t.pending {
		tm.release()
	}
}

func (t *timers) setTimeout(cs *hostv8.CallbackScope, args hostv8.FunctionCallbackArguments, rv *hostv8.ReturnValue) {
	fn, ok := hostv8.TryCast[hostv8.Function](args.Get(0))
	if !ok {
		throwError(cs, "setTimeout: callback must be a function")
		return
	}
	delay := 0.0
	if args.Length() > 1 {
		delay = args.Get(1).Deref().NumberValue(cs)
		if math.IsNaN(delay) || delay < 0 {
			delay = 0
		}
	}
	iso := cs.Isolate()
	t.nextID++
	tm := &timer{
		TaskBase: hostv8.NewTaskBase[timer](),
		t:        t,
		id:       t.nextID,
		fn:       hostv8.NewGlobal(iso, fn),
	}
	for i := 2; i < args.Length(); i++ {
		tm.args = append(tm.args, hostv8.NewGlobal(iso, args.Get(i)))
	}
	t.pending[tm.id] = tm
	iso.Handle().PostDelayedTask(tm, time.Duration(delay*float64(time.Millisecond)))
	rv.Set(hostv8.AsValue(hostv8.NewInt32(cs, tm.id)))
}

func (t *timers) clearTimeout(cs *hostv8.CallbackScope, args hostv8.FunctionCallbackArguments, rv *hostv8.ReturnValue) {
	id := args.Get(0).Deref().Int32Value(cs)
	if tm, ok := t.pending[id]; ok {
		tm.release()
	}
}

// Run calls the callback in the shell context. A cleared timer does
// nothing.
func (tm *timer) Run() {
	if tm.cleared {
		return
	}
	sh := tm.t.sh
	hs := sh.iso.NewHandleScope()
	defer hs.Close()
	cs := hostv8.NewContextScope(hs, sh.context.Local(hs))
	defer cs.Close()
	tc := cs.NewTryCatch()
	defer tc.Close()

	fn := tm.fn.Local(tc)
	args := make([]hostv8.Local[hostv8.Value], len(tm.args))
	for i, a := range tm.args {
		args[i] = a.Local(tc)
	}
	tm.release()

	recv := hostv8.AsValue(hostv8.Undefined(tc))
	if _, ok := fn.Deref().Call(tc, recv, args); ok {
		hostv8.PerformMicrotaskCheckpoint(tc)
	}
	if tc.HasCaught() && !tc.HasTerminated() {
		reportException(sh, tc)
	}
}
