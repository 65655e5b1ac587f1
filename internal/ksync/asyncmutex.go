package ksync

import "context"

// AsyncMutex may be held across a cooperative suspension point, unlike
// SpinLock. It is implemented as a futex-style FIFO queue of wakers and
// is only used by the async side (internal/async tasks, internal/vfs's
// long-running filesystem writes) — preemptive threads use SpinLock or
// block directly on a WaitQueue instead.
type AsyncMutex struct {
	waiters WaitQueue
	held    SpinLock
	state   bool // true while owned; guarded by `held`
}

// NewAsyncMutex returns an unlocked AsyncMutex.
func NewAsyncMutex() *AsyncMutex {
	return &AsyncMutex{waiters: WaitQueue{}}
}

// Lock blocks the calling goroutine (thread or async-executor worker)
// until the mutex is acquired or ctx is canceled.
func (m *AsyncMutex) Lock(ctx context.Context) error {
	for {
		s := m.held.Lock()
		if !m.state {
			m.state = true
			m.held.Unlock(s)
			return nil
		}
		m.held.Unlock(s)

		if err := m.waiters.Wait(ctx, zeroDeadline); err != nil {
			return err
		}
	}
}

// TryLock attempts to acquire without blocking.
func (m *AsyncMutex) TryLock() bool {
	s := m.held.Lock()
	defer m.held.Unlock(s)
	if m.state {
		return false
	}
	m.state = true
	return true
}

// Unlock releases the mutex and wakes the next waiter, if any.
func (m *AsyncMutex) Unlock() {
	s := m.held.Lock()
	m.state = false
	m.held.Unlock(s)
	m.waiters.WakeOne()
}
