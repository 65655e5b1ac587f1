package ksync

import (
	"container/list"
	"context"
	"errors"
	"time"
)

// ErrInterrupted is returned by Wait when the waiter is woken by a cause
// other than a matching WakeOne/WakeAll — signal delivery or deadline
// expiry. Callers translate it to EINTR or EAGAIN at the syscall
// boundary.
var ErrInterrupted = errors.New("ksync: wait interrupted")

// ErrDeadlineExceeded mirrors context.DeadlineExceeded but is returned
// directly by Wait so callers do not need to import context to check it.
var ErrDeadlineExceeded = errors.New("ksync: deadline exceeded")

// Token is an opaque wait-queue identity. Every kernel object that can
// block (a pipe buffer, a futex address, a socket, a timer) owns a Token
// and a WaitQueue keyed by it.
type Token uint64

// waiter is either a parked thread (a channel close wakes it) or a
// registered async Waker. Exactly one of the two is non-nil.
type waiter struct {
	done  chan struct{}
	waker Waker
}

// Waker is the minimal interface package async tasks register on a
// WaitQueue: a single idempotent notification with no payload.
type Waker interface {
	Wake()
}

// WaitQueue is a FIFO list of parked threads and/or async wakers sharing
// one Token. Threads on the same queue observe FIFO wake order (spec.md
// §5); there is no ordering promise across different queues.
type WaitQueue struct {
	lock  SpinLock
	token Token
	q     list.List // of *waiter
}

// NewWaitQueue creates an empty queue for the given token.
func NewWaitQueue(token Token) *WaitQueue {
	return &WaitQueue{token: token}
}

// Wait parks the calling thread until WakeOne/WakeAll targets it, the
// supplied context is canceled (interpreted as signal delivery), or the
// deadline (if non-zero) elapses. It never holds the queue's SpinLock
// across the actual suspension.
func (wq *WaitQueue) Wait(ctx context.Context, deadline time.Time) error {
	done := make(chan struct{})
	w := &waiter{done: done}

	s := wq.lock.Lock()
	elem := wq.q.PushBack(w)
	wq.lock.Unlock(s)

	var timer *time.Timer
	var timerC <-chan time.Time
	if !deadline.IsZero() {
		timer = time.NewTimer(time.Until(deadline))
		timerC = timer.C
		defer timer.Stop()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		wq.remove(elem)
		return ErrInterrupted
	case <-timerC:
		wq.remove(elem)
		return ErrDeadlineExceeded
	}
}

func (wq *WaitQueue) remove(e *list.Element) {
	s := wq.lock.Lock()
	// The element may already have been popped by a concurrent wake; list
	// removal of an element not in the list is a bug in container/list's
	// caller contract, so guard with a linear membership check. Queue
	// depth is small (bounded by the thread pool size), so this is O(N)
	// in the worst case and never in the IRQ path.
	for f := wq.q.Front(); f != nil; f = f.Next() {
		if f == e {
			wq.q.Remove(e)
			break
		}
	}
	wq.lock.Unlock(s)
}

// WakeOne resumes the longest-waiting parked thread or waker, if any. It
// drops the queue lock before invoking the waker, per spec.md §4.4 ("the
// wake path must drop the queue lock before invoking the waker").
func (wq *WaitQueue) WakeOne() bool {
	s := wq.lock.Lock()
	front := wq.q.Front()
	var w *waiter
	if front != nil {
		w = front.Value.(*waiter)
		wq.q.Remove(front)
	}
	wq.lock.Unlock(s)

	if w == nil {
		return false
	}
	wake(w)
	return true
}

// WakeAll resumes every currently parked thread and waker on the queue.
func (wq *WaitQueue) WakeAll() int {
	s := wq.lock.Lock()
	var woken []*waiter
	for e := wq.q.Front(); e != nil; e = e.Next() {
		woken = append(woken, e.Value.(*waiter))
	}
	wq.q.Init()
	wq.lock.Unlock(s)

	for _, w := range woken {
		wake(w)
	}
	return len(woken)
}

func wake(w *waiter) {
	if w.waker != nil {
		w.waker.Wake()
		return
	}
	close(w.done)
}

// RegisterWaker parks an async task's Waker on the queue without
// blocking the calling goroutine; the task's Poll method has already
// returned Pending by the time this is called. Returns a cancel func
// that removes the registration if the task is dropped before it wakes
// (structured-concurrency cancellation, spec.md §4.6).
func (wq *WaitQueue) RegisterWaker(w Waker) (cancel func()) {
	entry := &waiter{waker: w}
	s := wq.lock.Lock()
	elem := wq.q.PushBack(entry)
	wq.lock.Unlock(s)
	return func() { wq.remove(elem) }
}

// Len reports the number of parked waiters, for tests and diagnostics.
func (wq *WaitQueue) Len() int {
	s := wq.lock.Lock()
	defer wq.lock.Unlock(s)
	return wq.q.Len()
}
