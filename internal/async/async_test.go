package async

import (
	"testing"
	"time"

	"github.com/kestrelos/kestrel/internal/ksync"
)

// countingTask completes after N polls.
type countingTask struct {
	remaining int
	polls     int
}

func (c *countingTask) Poll(waker ksync.Waker) Poll {
	c.polls++
	if c.remaining == 0 {
		return Ready
	}
	c.remaining--
	waker.Wake() // immediately re-runnable, simulating a busy task
	return Pending
}

func TestRunOnceDrivesTaskToCompletion(t *testing.T) {
	ex := NewExecutor()
	task := &countingTask{remaining: 3}
	ex.Spawn(task)

	completed := 0
	for i := 0; i < 10 && completed == 0; i++ {
		completed += ex.RunOnce()
	}

	if completed != 1 {
		t.Fatalf("expected exactly one task to complete, got %d", completed)
	}
	if task.polls != 4 {
		t.Fatalf("expected 4 polls (3 pending + 1 ready), got %d", task.polls)
	}
	if ex.Pending() != 0 {
		t.Fatalf("expected no pending tasks after completion, got %d", ex.Pending())
	}
}

// waitQueueTask blocks on a WaitQueue until woken externally.
type waitQueueTask struct {
	wq      *ksync.WaitQueue
	parked  bool
	woken   bool
}

func (w *waitQueueTask) Poll(waker ksync.Waker) Poll {
	if w.woken {
		return Ready
	}
	if !w.parked {
		w.parked = true
		ParkOn(w.wq, waker)
	}
	return Pending
}

func TestWakeOneResumesParkedTask(t *testing.T) {
	ex := NewExecutor()
	wq := ksync.NewWaitQueue(1)
	task := &waitQueueTask{wq: wq}
	ex.Spawn(task)

	if n := ex.RunOnce(); n != 0 {
		t.Fatalf("expected task to stay pending, got %d completions", n)
	}
	if ex.Pending() != 1 {
		t.Fatalf("expected 1 pending task, got %d", ex.Pending())
	}

	task.woken = true
	if !wq.WakeOne() {
		t.Fatal("expected WakeOne to find the parked waker")
	}

	if n := ex.RunOnce(); n != 1 {
		t.Fatalf("expected the woken task to complete, got %d", n)
	}
}

func TestCancelDropsQueuedTask(t *testing.T) {
	ex := NewExecutor()
	task := &countingTask{remaining: 5}
	id := ex.Spawn(task)
	ex.Cancel(id)

	if n := ex.RunOnce(); n != 0 {
		t.Fatalf("expected a canceled task not to run, got %d completions", n)
	}
	if task.polls != 0 {
		t.Fatalf("expected a canceled task never to be polled, got %d polls", task.polls)
	}
}

func TestSleepFutureCompletesAfterTick(t *testing.T) {
	ex := NewExecutor()
	base := time.Now()
	fut := NewSleepFuture(ex, base.Add(10*time.Millisecond))
	ex.Spawn(fut)

	if n := ex.RunOnce(); n != 0 {
		t.Fatalf("expected the sleep future to stay pending before its deadline, got %d", n)
	}

	ex.Tick(base) // before deadline: no-op
	if n := ex.RunOnce(); n != 0 {
		t.Fatalf("expected no completion before deadline tick, got %d", n)
	}

	ex.Tick(base.Add(20 * time.Millisecond))
	if n := ex.RunOnce(); n != 1 {
		t.Fatalf("expected the sleep future to complete after its deadline tick, got %d", n)
	}
}

func TestPendingReportsLiveTaskCount(t *testing.T) {
	ex := NewExecutor()
	ex.Spawn(&countingTask{remaining: 1})
	ex.Spawn(&countingTask{remaining: 1})
	if ex.Pending() != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", ex.Pending())
	}
}
