package ksync

import (
	"context"
	"testing"
	"time"
)

func TestWaitQueueFIFOWakeOrder(t *testing.T) {
	wq := NewWaitQueue(1)

	order := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		go func() {
			if err := wq.Wait(context.Background(), zeroDeadline); err != nil {
				t.Errorf("unexpected wait error: %v", err)
				return
			}
			order <- i
		}()

		// Wait for waiter i to park before starting the next one, so the
		// queue order is 0, 1, 2. Poll rather than sleep a fixed amount.
		deadline := time.Now().Add(time.Second)
		for wq.Len() < i+1 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}

	if got := wq.Len(); got != 3 {
		t.Fatalf("expected 3 parked waiters, got %d", got)
	}

	for i := 0; i < 3; i++ {
		if !wq.WakeOne() {
			t.Fatalf("WakeOne %d: no waiter woken", i)
		}
		if got := <-order; got != i {
			t.Fatalf("wake order mismatch: expected %d, got %d", i, got)
		}
	}
}

func TestWaitQueueInterrupted(t *testing.T) {
	wq := NewWaitQueue(2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := wq.Wait(ctx, zeroDeadline); err != ErrInterrupted {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if got := wq.Len(); got != 0 {
		t.Fatalf("canceled waiter should be removed, queue len = %d", got)
	}
}

func TestWaitQueueDeadline(t *testing.T) {
	wq := NewWaitQueue(3)
	err := wq.Wait(context.Background(), time.Now().Add(10*time.Millisecond))
	if err != ErrDeadlineExceeded {
		t.Fatalf("expected ErrDeadlineExceeded, got %v", err)
	}
}

func TestSpinLockMutualExclusion(t *testing.T) {
	var l SpinLock
	counter := 0
	done := make(chan struct{})

	const n = 100
	for i := 0; i < n; i++ {
		go func() {
			l.WithLock(func() { counter++ })
			done <- struct{}{}
		}()
	}
	for i := 0; i < n; i++ {
		<-done
	}
	if counter != n {
		t.Fatalf("expected counter == %d, got %d", n, counter)
	}
}

func TestAsyncMutexExclusion(t *testing.T) {
	m := NewAsyncMutex()
	if !m.TryLock() {
		t.Fatal("expected initial TryLock to succeed")
	}
	if m.TryLock() {
		t.Fatal("expected second TryLock to fail while held")
	}
	m.Unlock()
	if !m.TryLock() {
		t.Fatal("expected TryLock to succeed after Unlock")
	}
}

func TestAssertOrderHierarchyViolation(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on hierarchy violation")
		}
	}()
	AssertOrder(RankHeap)
	defer ReleaseOrder(RankHeap)
	AssertOrder(RankMountTable) // lower rank while holding a higher one: violation
}
