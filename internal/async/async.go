// Package async implements the single-threaded cooperative task executor
// described in spec.md §4.6. Tasks are state machines polled to
// completion; a task that cannot make progress returns Pending and parks
// its waker on a wait queue (internal/ksync) or, for timers, on the
// executor's own sleep list. The executor itself runs inside one
// preemptive kernel thread (internal/sched) and never spawns a Go
// goroutine per task — concurrency between tasks comes entirely from
// interleaved polling, matching "no parallelism between tasks" (spec.md
// §5).
package async

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelos/kestrel/internal/ksync"
)

// Poll is a task's progress result for one Poll call.
type Poll int

const (
	Pending Poll = iota
	Ready
)

// Task is a cooperative state machine. Poll is called by the executor's
// run loop; it must not block. A Ready result carries no payload here —
// callers that need a result value wrap Task in their own future type
// and stash the value for retrieval after Ready (mirrors how the
// network/server tasks in spec.md §4.6 report completion via side
// effects, not return values).
type Task interface {
	Poll(waker ksync.Waker) Poll
}

// TaskID identifies a spawned task for cancellation.
type TaskID uint64

type entry struct {
	id       TaskID
	task     Task
	exec     *Executor
	mu       sync.Mutex
	enqueued bool
	canceled bool
	elem     *list.Element // this entry's element in exec.runQueue, if enqueued
}

// Wake implements ksync.Waker: it re-enqueues the owning task onto the
// executor's run queue unless it's already queued or has been canceled.
// Calling Wake from any thread (an IRQ-safe spinlock's critical section,
// another task, a completion callback) is the whole point of the waker
// abstraction, so this takes the executor's own lock rather than relying
// on single-threaded access.
func (e *entry) Wake() {
	e.exec.enqueue(e)
}

// Executor is the cooperative runtime. One Executor is hosted per
// dedicated kernel thread (spec.md: "The executor is hosted in a
// dedicated kernel thread").
type Executor struct {
	mu       sync.Mutex
	runQueue list.List // of *entry
	tasks    map[TaskID]*entry
	nextID   TaskID

	sleepMu  sync.Mutex
	sleepers []*sleepWaiter
}

type sleepWaiter struct {
	deadline time.Time
	waker    ksync.Waker
	fired    bool
}

// NewExecutor creates an empty executor.
func NewExecutor() *Executor {
	return &Executor{tasks: make(map[TaskID]*entry)}
}

// Spawn schedules t to run on its first RunOnce call, structured so that
// dropping the returned TaskID (never calling Cancel) lets the task run
// to completion on its own — cancellation is opt-in, matching
// "Cancellation is by dropping the task (structured concurrency)"
// (spec.md §4.6).
func (ex *Executor) Spawn(t Task) TaskID {
	ex.mu.Lock()
	id := ex.nextID
	ex.nextID++
	e := &entry{id: id, task: t, exec: ex}
	ex.tasks[id] = e
	ex.mu.Unlock()

	ex.enqueue(e)
	return id
}

// Cancel drops a task. Its next Wake (if any is already in flight) is a
// no-op; if it's already queued, RunOnce skips it silently.
func (ex *Executor) Cancel(id TaskID) {
	ex.mu.Lock()
	e, ok := ex.tasks[id]
	if ok {
		delete(ex.tasks, id)
	}
	ex.mu.Unlock()
	if ok {
		e.mu.Lock()
		e.canceled = true
		e.mu.Unlock()
	}
}

func (ex *Executor) enqueue(e *entry) {
	e.mu.Lock()
	if e.canceled || e.enqueued {
		e.mu.Unlock()
		return
	}
	e.enqueued = true
	e.mu.Unlock()

	ex.mu.Lock()
	e.elem = ex.runQueue.PushBack(e)
	ex.mu.Unlock()
}

// RunOnce drains every task currently in the run queue, polling each
// once. Tasks that return Pending are not re-queued here; they rely on
// their waker (captured during the Poll call they returned Pending from)
// to call Wake later. It returns the number of tasks that completed
// (Ready) in this pass, so callers polling in a fixed order (spec.md
// §4.6: "network device runners → server accept loops → executor →
// yield") can decide whether to keep looping before yielding.
func (ex *Executor) RunOnce() int {
	ex.mu.Lock()
	batch := make([]*entry, 0, ex.runQueue.Len())
	for el := ex.runQueue.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		batch = append(batch, e)
		ex.runQueue.Remove(el)
		el = next
	}
	ex.mu.Unlock()

	completed := 0
	for _, e := range batch {
		e.mu.Lock()
		e.enqueued = false
		canceled := e.canceled
		e.mu.Unlock()
		if canceled {
			continue
		}

		if e.task.Poll(e) == Ready {
			ex.mu.Lock()
			delete(ex.tasks, e.id)
			ex.mu.Unlock()
			completed++
		}
	}
	return completed
}

// Pending reports whether any task is queued to run or parked awaiting a
// waker.
func (ex *Executor) Pending() int {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return len(ex.tasks)
}

// ParkOn registers waker on wq and returns the cancel function, so a
// Task's Poll method can do:
//
//	cancel := async.ParkOn(wq, waker)
//	return async.Pending
//
// and have wq.WakeOne/WakeAll later resume it via the executor.
func ParkOn(wq *ksync.WaitQueue, waker ksync.Waker) (cancel func()) {
	return wq.RegisterWaker(waker)
}

// SleepUntil parks waker on the executor's internal timer list until
// `deadline`, backing `sleep(duration)` futures (spec.md §4.6: "A timer
// source feeds the executor so that sleep(duration) futures work").
func (ex *Executor) SleepUntil(waker ksync.Waker, deadline time.Time) {
	ex.sleepMu.Lock()
	ex.sleepers = append(ex.sleepers, &sleepWaiter{deadline: deadline, waker: waker})
	ex.sleepMu.Unlock()
}

// Tick wakes every sleeper whose deadline has passed. It is driven by
// the same timer IRQ that advances internal/sched's tick counter, not by
// a free-running goroutine, so it never allocates on the steady-state
// empty path beyond the one slice compaction below.
func (ex *Executor) Tick(now time.Time) {
	ex.sleepMu.Lock()
	remaining := ex.sleepers[:0]
	var fired []ksync.Waker
	for _, sw := range ex.sleepers {
		if !sw.fired && !sw.deadline.After(now) {
			sw.fired = true
			fired = append(fired, sw.waker)
			continue
		}
		remaining = append(remaining, sw)
	}
	ex.sleepers = remaining
	ex.sleepMu.Unlock()

	for _, w := range fired {
		w.Wake()
	}
}

// SleepFuture is a one-shot Task that completes once `deadline` passes,
// either by the wall clock or by an Executor.Tick at or after it.
type SleepFuture struct {
	deadline time.Time
	armed    bool
	fired    atomic.Bool
	exec     *Executor
}

// sleepWaker marks its SleepFuture fired before waking the task, so the
// next Poll completes on the tick's time rather than re-reading the clock.
type sleepWaker struct {
	f     *SleepFuture
	inner ksync.Waker
}

func (w sleepWaker) Wake() {
	w.f.fired.Store(true)
	w.inner.Wake()
}

// NewSleepFuture returns a Task suitable for Executor.Spawn that becomes
// Ready at or after deadline.
func NewSleepFuture(exec *Executor, deadline time.Time) *SleepFuture {
	return &SleepFuture{deadline: deadline, exec: exec}
}

// Poll implements Task.
func (f *SleepFuture) Poll(waker ksync.Waker) Poll {
	if f.fired.Load() || !time.Now().Before(f.deadline) {
		return Ready
	}
	if !f.armed {
		f.armed = true
		f.exec.SleepUntil(sleepWaker{f: f, inner: waker}, f.deadline)
	}
	return Pending
}
