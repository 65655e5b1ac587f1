// Package ksync implements the kernel's concurrency primitives: an
// IRQ-safe spinlock, an async mutex usable across cooperative suspension
// points, and a wait-queue/waker registry. See the lock hierarchy in
// [AssertOrder] for the acquisition order every caller must honor.
package ksync

import (
	"sync"
	"sync/atomic"
)

// IRQState captures whether interrupts were enabled at the point a
// SpinLock was acquired, so Unlock can restore it exactly.
type IRQState struct {
	wasEnabled bool
}

// irqEnabled models the processor's interrupt mask. A real kernel reads
// and writes DAIF; this package centralizes that so every other package
// disables/enables IRQs through SpinLock rather than touching the mask
// directly.
var irqEnabled atomic.Bool

func init() {
	irqEnabled.Store(true)
}

// IRQsEnabled reports whether interrupts are currently unmasked.
func IRQsEnabled() bool {
	return irqEnabled.Load()
}

// DisableIRQs masks interrupts and returns the prior state.
func DisableIRQs() IRQState {
	prev := irqEnabled.Swap(false)
	return IRQState{wasEnabled: prev}
}

// RestoreIRQs unmasks interrupts iff they were enabled before the
// matching DisableIRQs call.
func RestoreIRQs(s IRQState) {
	if s.wasEnabled {
		irqEnabled.Store(true)
	}
}

// SpinLock is a test-and-set lock that disables interrupts for the
// duration of the critical section. Every leaf-level kernel data
// structure (the PMM, the scheduler pool, filesystem node tables) is
// guarded by one of these. Holding a SpinLock across a suspension point
// is forbidden — see package async and internal/sched, neither of which
// call back into code that might park while a SpinLock is held.
type SpinLock struct {
	state atomic.Bool // true == held
}

// Lock disables IRQs, then spins until the lock is acquired.
func (l *SpinLock) Lock() IRQState {
	s := DisableIRQs()
	for !l.state.CompareAndSwap(false, true) {
		// Busy-wait. A real kernel would issue a WFE/SEV pair here; on a
		// single logical CPU the only way this loop terminates is via
		// interrupt-driven preemption, which cannot happen while IRQs are
		// masked, so a SpinLock must never be acquired recursively or
		// held across a reschedule point.
	}
	return s
}

// Unlock releases the lock and restores the IRQ state captured by the
// paired Lock call.
func (l *SpinLock) Unlock(s IRQState) {
	l.state.Store(false)
	RestoreIRQs(s)
}

// TryLock attempts to acquire the lock without spinning. On success it
// returns the IRQ state to pass to Unlock and true.
func (l *SpinLock) TryLock() (IRQState, bool) {
	s := DisableIRQs()
	if l.state.CompareAndSwap(false, true) {
		return s, true
	}
	RestoreIRQs(s)
	return IRQState{}, false
}

// WithLock runs fn with the spinlock held and IRQs disabled. fn must not
// suspend (block on a wait queue, await an async task, or call anything
// that allocates from the heap while further nested inside another
// SpinLock above kheap in the hierarchy).
func (l *SpinLock) WithLock(fn func()) {
	s := l.Lock()
	defer l.Unlock(s)
	fn()
}

// lockRank orders the documented lock hierarchy (spec.md §5): mount table
// (0) -> per-filesystem state (1) -> block device (2) -> heap (3,
// always IRQs disabled). The scheduler-pool lock is orthogonal and is
// exempt — it is the only lock taken from the scheduler-trigger IRQ path.
type lockRank int

const (
	RankMountTable lockRank = iota
	RankFilesystem
	RankBlockDevice
	RankHeap
	rankCount
)

// hierarchyState is per-goroutine-simulated-as-thread lock-rank tracking
// used by AssertOrder in tests and debug builds to catch hierarchy
// violations before they become real deadlocks.
type hierarchyState struct {
	mu      sync.Mutex
	held    map[lockRank]int
}

var globalHierarchy = &hierarchyState{held: make(map[lockRank]int)}

// AssertOrder panics if acquiring a lock of rank `want` would violate the
// documented hierarchy given the ranks currently held by the calling
// context. It is a debug aid, compiled into test builds; it does not run
// in the hot path of a release kernel.
func AssertOrder(want lockRank) {
	globalHierarchy.mu.Lock()
	defer globalHierarchy.mu.Unlock()
	for r := want + 1; r < rankCount; r++ {
		if globalHierarchy.held[r] > 0 {
			panic("ksync: lock hierarchy violation: attempted to acquire a lower-ranked lock while holding a higher-ranked one")
		}
	}
	globalHierarchy.held[want]++
}

// ReleaseOrder records release of a lock acquired through AssertOrder.
func ReleaseOrder(rank lockRank) {
	globalHierarchy.mu.Lock()
	defer globalHierarchy.mu.Unlock()
	if globalHierarchy.held[rank] > 0 {
		globalHierarchy.held[rank]--
	}
}
