// Package sched implements the fixed-capacity thread pool (spec.md
// §4.5): slot accounting, per-thread scheduling state, sleep deadlines
// and the tick counter. Each thread body runs on its own goroutine and
// the Go runtime decides which one runs; this package keeps no run queue
// and does no round-robin selection of Ready threads itself. A
// single-threaded cooperative async executor (package async) runs inside
// one of this pool's kernel threads.
package sched

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/kestrelos/kestrel/internal/ksync"
)

// PoolCapacity is N in spec.md's "fixed thread pool of capacity N (32 in
// the current system)".
const PoolCapacity = 32

// TID identifies a thread slot.
type TID int

// State is a thread's scheduling state.
type State int

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateSleeping
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateSleeping:
		return "sleeping"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Class distinguishes cooperative (the async-executor host thread, which
// yields only at yield_now/suspension points) from preemptive (ordinary
// kernel and user threads, which the tick may preempt at any safe point
// outside an IRQ).
type Class int

const (
	ClassPreemptive Class = iota
	ClassCooperative
)

// Entry is a thread's code body. It receives a context that is canceled
// when the thread is asked to terminate (e.g. by exit_group targeting its
// process) and must return the thread's exit code.
type Entry func(ctx context.Context) int

// Thread is one slot in the pool.
type Thread struct {
	ID        TID
	Name      string
	Kind      Class
	ProcessID int // 0 for kernel threads ("None" owning process in spec.md §3)
	IsUser    bool

	mu       sync.Mutex
	state    State
	deadline time.Time
	exitCode int

	cancel context.CancelFunc
	done   chan struct{}
}

func (t *Thread) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// State returns the thread's current scheduling state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// ExitCode returns the code passed to Exit, valid once State() ==
// StateTerminated.
func (t *Thread) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// Deadline returns the wake time set by the most recent SleepUntil call,
// and whether one is in effect. A StateSleeping thread with no pending
// SleepUntil (e.g. blocked on a wait queue instead) returns ok=false.
func (t *Thread) Deadline() (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deadline, !t.deadline.IsZero()
}

// SleepUntil marks the thread Sleeping with a wake deadline, for
// nanosleep/clock_nanosleep. The scheduler tick observes this deadline
// via ReadyExpiredSleepers and moves the thread back to Ready.
func (t *Thread) SleepUntil(wake time.Time) {
	t.mu.Lock()
	t.state = StateSleeping
	t.deadline = wake
	t.mu.Unlock()
}

// Pool is the fixed-capacity thread table plus the tick-driven scheduler
// trigger. Every slot access happens with IRQs disabled, matching
// spec.md §5 ("Scheduler pool: preemptive threads only; all accesses
// with IRQs disabled").
type Pool struct {
	lock ksync.SpinLock
	sem  *semaphore.Weighted // bounds live slots to PoolCapacity

	threads map[TID]*Thread
	nextID  TID

	tickCount uint64
	tickMu    sync.Mutex
}

// NewPool creates an empty pool with PoolCapacity slots.
func NewPool() *Pool {
	return &Pool{
		sem:     semaphore.NewWeighted(PoolCapacity),
		threads: make(map[TID]*Thread),
		nextID:  1,
	}
}

// ErrPoolFull is returned by spawn functions when all PoolCapacity slots
// are in use ("the N+1th returns EAGAIN", spec.md §8).
var ErrPoolFull = fmt.Errorf("sched: thread pool is full")

// SpawnKernel creates a new preemptive-or-cooperative kernel thread (no
// owning process) and starts running `entry` immediately.
func (p *Pool) SpawnKernel(name string, kind Class, entry Entry) (*Thread, error) {
	return p.spawn(name, kind, 0, false, entry)
}

// SpawnUser creates a new preemptive user thread owned by `pid`.
func (p *Pool) SpawnUser(pid int, name string, entry Entry) (*Thread, error) {
	return p.spawn(name, ClassPreemptive, pid, true, entry)
}

func (p *Pool) spawn(name string, kind Class, pid int, isUser bool, entry Entry) (*Thread, error) {
	if !p.sem.TryAcquire(1) {
		return nil, ErrPoolFull
	}

	s := p.lock.Lock()
	id := p.nextID
	p.nextID++
	ctx, cancel := context.WithCancel(context.Background())
	th := &Thread{
		ID:        id,
		Name:      name,
		Kind:      kind,
		ProcessID: pid,
		IsUser:    isUser,
		state:     StateReady,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	p.threads[id] = th
	p.lock.Unlock(s)

	go func() {
		th.setState(StateRunning)
		code := entry(ctx)
		p.Exit(th, code)
	}()

	return th, nil
}

// Exit marks a thread Terminated and reaps its slot, releasing the
// semaphore unit it held. Safe to call once per thread.
func (p *Pool) Exit(th *Thread, code int) {
	th.mu.Lock()
	if th.state == StateTerminated {
		th.mu.Unlock()
		return
	}
	th.state = StateTerminated
	th.exitCode = code
	th.mu.Unlock()
	close(th.done)

	s := p.lock.Lock()
	delete(p.threads, th.ID)
	p.lock.Unlock(s)
	p.sem.Release(1)
}

// Cancel requests termination of th (used by tgkill/exit_group against
// other threads in the same process).
func (p *Pool) Cancel(th *Thread) {
	th.cancel()
}

// Wait blocks until th reaches StateTerminated or ctx is done.
func (p *Pool) Wait(ctx context.Context, th *Thread) error {
	select {
	case <-th.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// YieldNow voluntarily returns control to the Go scheduler, standing in
// for a cooperative thread's explicit yield point.
func YieldNow() {
	runtime.Gosched()
}

// Tick advances the monotonic tick counter and is the only place that
// mutates it (spec.md §4.11). Call it from the timer IRQ handler; it
// must not block or allocate.
func (p *Pool) Tick() uint64 {
	p.tickMu.Lock()
	p.tickCount++
	n := p.tickCount
	p.tickMu.Unlock()
	return n
}

// TickCount reports the current tick count.
func (p *Pool) TickCount() uint64 {
	p.tickMu.Lock()
	defer p.tickMu.Unlock()
	return p.tickCount
}

// ReadyExpiredSleepers scans for threads sleeping past `now` and moves
// them back to Ready, clearing their deadline. It returns the threads it
// woke to the caller (normally the timer tick loop). Must not allocate on
// the common empty-result
// path in a freestanding build; the append here is acceptable only
// because this is a hosted simulation.
func (p *Pool) ReadyExpiredSleepers(now time.Time) []*Thread {
	s := p.lock.Lock()
	snapshot := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		snapshot = append(snapshot, t)
	}
	p.lock.Unlock(s)

	var woken []*Thread
	for _, t := range snapshot {
		t.mu.Lock()
		if t.state == StateSleeping && !t.deadline.IsZero() && !t.deadline.After(now) {
			t.state = StateReady
			t.deadline = time.Time{}
			woken = append(woken, t)
		}
		t.mu.Unlock()
	}
	return woken
}

// Threads returns a snapshot of every live thread, for /proc and
// diagnostics. The slice is a copy; mutating it does not affect the pool.
func (p *Pool) Threads() []*Thread {
	s := p.lock.Lock()
	defer p.lock.Unlock(s)
	out := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		out = append(out, t)
	}
	return out
}

// Lookup returns the thread for id, if live.
func (p *Pool) Lookup(id TID) (*Thread, bool) {
	s := p.lock.Lock()
	defer p.lock.Unlock(s)
	t, ok := p.threads[id]
	return t, ok
}

// Len reports the number of live thread slots, for tests.
func (p *Pool) Len() int {
	s := p.lock.Lock()
	defer p.lock.Unlock(s)
	return len(p.threads)
}
