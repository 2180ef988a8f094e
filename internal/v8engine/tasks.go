package v8engine

import (
	"sync"
	"time"
)

// TaskHeader is the layout twin of the engine's task object header. The
// engine queues pointers to it and calls through its vtable; the host decides
// what sits around it.
type TaskHeader struct {
	vtable *TaskVTable
}

// TaskVTable holds the entry points for task headers.
type TaskVTable struct {
	Run func(h *TaskHeader)
}

// IdleTaskHeader is the header of a task run when the embedder reports idle
// time.
type IdleTaskHeader struct {
	vtable *IdleTaskVTable
}

type IdleTaskVTable struct {
	Run func(h *IdleTaskHeader, deadlineSeconds float64)
}

var (
	taskVTable     *TaskVTable
	idleTaskVTable *IdleTaskVTable
)

// RegisterTaskVTables installs the host entry points task headers dispatch
// to. It must run before any header is constructed.
func RegisterTaskVTables(task TaskVTable, idle IdleTaskVTable) {
	taskVTable = &task
	idleTaskVTable = &idle
}

// ConstructTask stamps h with the engine task vtable.
func ConstructTask(h *TaskHeader) {
	if taskVTable == nil {
		panic("hostv8: task entry points are not registered")
	}
	h.vtable = taskVTable
}

// ConstructIdleTask stamps h with the engine idle task vtable.
func ConstructIdleTask(h *IdleTaskHeader) {
	if idleTaskVTable == nil {
		panic("hostv8: idle task entry points are not registered")
	}
	h.vtable = idleTaskVTable
}

func (h *TaskHeader) Run() {
	if h.vtable == nil {
		panic("hostv8: running a task whose base was never constructed")
	}
	h.vtable.Run(h)
}

func (h *IdleTaskHeader) Run(deadlineSeconds float64) {
	if h.vtable == nil {
		panic("hostv8: running an idle task whose base was never constructed")
	}
	h.vtable.Run(h, deadlineSeconds)
}

type delayedTask struct {
	due  time.Time
	task *TaskHeader
}

// TaskRunner is the foreground task queue of one isolate. Posting is safe
// from any goroutine; popping belongs to the goroutine that owns the isolate.
type TaskRunner struct {
	mu      sync.Mutex
	tasks   []*TaskHeader
	delayed []delayedTask
	idle    []*IdleTaskHeader
	wake    chan struct{}
	closed  bool
	now     func() time.Time
}

// NewTaskRunner creates an empty task queue.
func NewTaskRunner() *TaskRunner {
	return &TaskRunner{
		wake: make(chan struct{}, 1),
		now:  time.Now,
	}
}

func (r *TaskRunner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Post queues a task to run on the next pump.
func (r *TaskRunner) Post(h *TaskHeader) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.tasks = append(r.tasks, h)
	r.mu.Unlock()
	r.signal()
}

// PostDelayed queues a task to run once delay has elapsed.
func (r *TaskRunner) PostDelayed(h *TaskHeader, delay time.Duration) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.delayed = append(r.delayed, delayedTask{due: r.now().Add(delay), task: h})
	r.mu.Unlock()
	r.signal()
}

// PostIdle queues an idle task.
func (r *TaskRunner) PostIdle(h *IdleTaskHeader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.idle = append(r.idle, h)
	}
}

// promoteLocked moves due delayed tasks onto the ready queue in deadline
// order and returns the earliest remaining deadline.
func (r *TaskRunner) promoteLocked() (next time.Time, ok bool) {
	now := r.now()
	kept := r.delayed[:0]
	var due []delayedTask
	for _, d := range r.delayed {
		if !d.due.After(now) {
			due = append(due, d)
			continue
		}
		kept = append(kept, d)
		if !ok || d.due.Before(next) {
			next, ok = d.due, true
		}
	}
	r.delayed = kept
	for i := 1; i < len(due); i++ {
		for j := i; j > 0 && due[j].due.Before(due[j-1].due); j-- {
			due[j], due[j-1] = due[j-1], due[j]
		}
	}
	for _, d := range due {
		r.tasks = append(r.tasks, d.task)
	}
	return next, ok
}

// Pop returns the next runnable task. With wait set it blocks until a task
// becomes runnable or the runner is closed.
func (r *TaskRunner) Pop(wait bool) *TaskHeader {
	for {
		r.mu.Lock()
		next, hasDelayed := r.promoteLocked()
		if len(r.tasks) > 0 {
			h := r.tasks[0]
			r.tasks[0] = nil
			r.tasks = r.tasks[1:]
			r.mu.Unlock()
			return h
		}
		closed := r.closed
		r.mu.Unlock()
		if !wait || closed {
			return nil
		}

		if hasDelayed {
			timer := time.NewTimer(time.Until(next))
			select {
			case <-r.wake:
			case <-timer.C:
			}
			timer.Stop()
		} else {
			<-r.wake
		}
	}
}

// PopIdle returns the next idle task, or nil.
func (r *TaskRunner) PopIdle() *IdleTaskHeader {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.idle) == 0 {
		return nil
	}
	h := r.idle[0]
	r.idle[0] = nil
	r.idle = r.idle[1:]
	return h
}

// Pending reports queued foreground, delayed and idle tasks.
func (r *TaskRunner) Pending() (ready, delayed, idle int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks), len(r.delayed), len(r.idle)
}

// Close drops every queued task and wakes a blocked Pop.
func (r *TaskRunner) Close() {
	r.mu.Lock()
	r.closed = true
	r.tasks, r.delayed, r.idle = nil, nil, nil
	r.mu.Unlock()
	r.signal()
}

// WorkerPool runs tasks on a fixed set of background goroutines. Its queue
// is unbounded so posting never blocks.
type WorkerPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*TaskHeader
	stopped bool
	wg      sync.WaitGroup
	onPanic func(any)
}

// NewWorkerPool starts size workers. size < 1 is treated as 1.
func NewWorkerPool(size int, onPanic func(any)) *WorkerPool {
	if size < 1 {
		size = 1
	}
	p := &WorkerPool{onPanic: onPanic}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

func (p *WorkerPool) work() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		h := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()
		runGuarded(h, p.onPanic)
	}
}

func runGuarded(h *TaskHeader, onPanic func(any)) {
	defer func() {
		if rec := recover(); rec != nil {
			if onPanic == nil {
				panic(rec)
			}
			onPanic(rec)
		}
	}()
	h.Run()
}

// Post queues a task. It panics once the pool is stopped.
func (p *WorkerPool) Post(h *TaskHeader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		panic("hostv8: task posted to a stopped worker pool")
	}
	p.queue = append(p.queue, h)
	p.cond.Signal()
}

// Stop refuses new tasks. Queued tasks still run.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cond.Broadcast()
}

// Wait blocks until the workers of a stopped pool have drained the queue.
func (p *WorkerPool) Wait() { p.wg.Wait() }

// Close stops the pool and waits for queued tasks to finish.
func (p *WorkerPool) Close() {
	p.Stop()
	p.Wait()
}
