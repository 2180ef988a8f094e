package hostv8

import (
	"fmt"
	"runtime"
	"strings"
	"time"
	"unsafe"

	"go.uber.org/zap"

	"github.com/cryguy/hostv8/internal/lifecycle"
	"github.com/cryguy/hostv8/internal/trampoline"
	"github.com/cryguy/hostv8/internal/v8engine"
)

var (
	engineState lifecycle.Machine
	platform    *Platform
	startTime   = time.Now()
)

// PlatformOptions configures the process-wide platform.
type PlatformOptions struct {
	// ThreadPoolSize is the number of background workers. Zero picks one
	// per CPU, capped at 4.
	ThreadPoolSize int
	// IdleTaskSupport enables PostIdleTask and RunIdleTasks.
	IdleTaskSupport bool
}

// Platform runs background and foreground tasks for every isolate.
type Platform struct {
	opts    PlatformOptions
	workers *v8engine.WorkerPool
}

// NewDefaultPlatform creates a platform. It does nothing until passed to
// InitializePlatform.
func NewDefaultPlatform(opts PlatformOptions) *Platform {
	if opts.ThreadPoolSize <= 0 {
		opts.ThreadPoolSize = min(runtime.NumCPU(), 4)
	}
	return &Platform{opts: opts}
}

// InitializePlatform installs p as the process platform. It must be the
// first call into the engine.
func InitializePlatform(p *Platform) {
	engineState.Advance("InitializePlatform", lifecycle.Uninitialized, lifecycle.PlatformInitialized, func() {
		p.workers = v8engine.NewWorkerPool(p.opts.ThreadPoolSize, func(rec any) {
			Logger().Error("worker task panicked", zap.Any("panic", rec))
			panic(rec)
		})
		platform = p
	})
}

// Initialize brings up the engine. The platform must be initialized.
func Initialize() {
	engineState.Advance("Initialize", lifecycle.PlatformInitialized, lifecycle.Initialized, nil)
}

// Dispose shuts the engine down. Every isolate must already be disposed.
func Dispose() {
	engineState.Advance("Dispose", lifecycle.Initialized, lifecycle.Disposed, func() {
		if n := liveIsolates.Load(); n != 0 {
			panic(fmt.Sprintf("hostv8: Dispose called with %d live isolates", n))
		}
	})
}

// DisposePlatform stops the platform's workers and waits for queued worker
// tasks. It is the last call into the engine.
func DisposePlatform() {
	var workers *v8engine.WorkerPool
	engineState.Advance("DisposePlatform", lifecycle.Disposed, lifecycle.PlatformShutdown, func() {
		workers = platform.workers
		workers.Stop()
	})
	workers.Wait()
}

// SetFlagsFromString passes space separated engine flags, such as
// "--max-old-space-size=64 --expose-gc". Flags only take effect before
// Initialize.
func SetFlagsFromString(flags string) {
	SetFlagsFromCommandLine(strings.Fields(flags))
}

// SetFlagsFromCommandLine passes engine flags one per element.
func SetFlagsFromCommandLine(args []string) {
	engineState.Require("SetFlagsFromString", lifecycle.Uninitialized, lifecycle.PlatformInitialized)
	if len(args) > 0 {
		v8engine.SetFlags(args...)
	}
}

// Version returns the engine version.
func Version() string { return v8engine.Version() }

// MonotonicallyIncreasingTime is the platform clock in seconds, as used for
// idle task deadlines.
func MonotonicallyIncreasingTime() float64 {
	return time.Since(startTime).Seconds()
}

// Task is work run by the platform. Implementations embed a TaskBase built
// by NewTaskBase.
type Task interface {
	Run()
	taskBase() *TaskBase
}

// TaskBase is embedded in a Task implementation. The engine queues the
// address of its header and finds the implementation again from it.
type TaskBase struct {
	header v8engine.TaskHeader
	layout trampoline.Layout
}

func (b *TaskBase) taskBase() *TaskBase { return b }

// NewTaskBase builds the base for embedder type E, which must embed exactly
// one TaskBase and whose pointer implements Task.
func NewTaskBase[E any]() TaskBase {
	b := TaskBase{layout: trampoline.Probe[Task, TaskBase, E]()}
	v8engine.ConstructTask(&b.header)
	return b
}

// IdleTask runs when the embedder reports spare time.
type IdleTask interface {
	Run(deadlineSeconds float64)
	idleTaskBase() *IdleTaskBase
}

type IdleTaskBase struct {
	header v8engine.IdleTaskHeader
	layout trampoline.Layout
}

func (b *IdleTaskBase) idleTaskBase() *IdleTaskBase { return b }

// NewIdleTaskBase builds the base for embedder type E.
func NewIdleTaskBase[E any]() IdleTaskBase {
	b := IdleTaskBase{layout: trampoline.Probe[IdleTask, IdleTaskBase, E]()}
	v8engine.ConstructIdleTask(&b.header)
	return b
}

const (
	taskHeaderOffset     = unsafe.Offsetof(TaskBase{}.header)
	idleTaskHeaderOffset = unsafe.Offsetof(IdleTaskBase{}.header)
)

func init() {
	v8engine.RegisterTaskVTables(
		v8engine.TaskVTable{Run: runTaskHeader},
		v8engine.IdleTaskVTable{Run: runIdleTaskHeader},
	)
}

func runTaskHeader(h *v8engine.TaskHeader) {
	base := (*TaskBase)(trampoline.BaseOf(unsafe.Pointer(h), taskHeaderOffset))
	trampoline.Dispatch[Task](base.layout, unsafe.Pointer(base)).Run()
}

func runIdleTaskHeader(h *v8engine.IdleTaskHeader, deadline float64) {
	base := (*IdleTaskBase)(trampoline.BaseOf(unsafe.Pointer(h), idleTaskHeaderOffset))
	trampoline.Dispatch[IdleTask](base.layout, unsafe.Pointer(base)).Run(deadline)
}

func checkTask(t Task) *v8engine.TaskHeader {
	b := t.taskBase()
	if b.layout.IsZero() {
		panic("hostv8: task posted without a base from NewTaskBase")
	}
	return &b.header
}

// PostTask queues t on the isolate's foreground runner.
func (h *IsolateHandle) PostTask(t Task) {
	h.runner.Post(checkTask(t))
}

// PostDelayedTask queues t to run after delay.
func (h *IsolateHandle) PostDelayedTask(t Task, delay time.Duration) {
	h.runner.PostDelayed(checkTask(t), delay)
}

// PostIdleTask queues t for RunIdleTasks.
func (h *IsolateHandle) PostIdleTask(t IdleTask) {
	if platform == nil || !platform.opts.IdleTaskSupport {
		panic("hostv8: idle tasks are not enabled on the platform")
	}
	b := t.idleTaskBase()
	if b.layout.IsZero() {
		panic("hostv8: idle task posted without a base from NewIdleTaskBase")
	}
	h.runner.PostIdle(&b.header)
}

// PendingTasks reports queued foreground, delayed and idle tasks.
func (h *IsolateHandle) PendingTasks() (ready, delayed, idle int) {
	return h.runner.Pending()
}

// CallOnWorkerThread runs t on a background worker.
func (p *Platform) CallOnWorkerThread(t Task) {
	h := checkTask(t)
	engineState.Do("CallOnWorkerThread", func() { p.workers.Post(h) },
		lifecycle.PlatformInitialized, lifecycle.Initialized)
}

// PumpMessageLoop runs one foreground task of iso, if any. With wait set it
// blocks until a task is runnable. It reports whether a task ran.
func PumpMessageLoop(iso *Isolate, wait bool) bool {
	iso.checkUsable()
	h := iso.runner.Pop(wait)
	if h == nil {
		return false
	}
	h.Run()
	return true
}

// RunIdleTasks runs idle tasks of iso until idleSeconds have passed or none
// are left.
func RunIdleTasks(iso *Isolate, idleSeconds float64) {
	iso.checkUsable()
	deadline := MonotonicallyIncreasingTime() + idleSeconds
	for MonotonicallyIncreasingTime() < deadline {
		h := iso.runner.PopIdle()
		if h == nil {
			return
		}
		h.Run(deadline)
	}
}
