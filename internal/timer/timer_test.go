package timer

import (
	"math"
	"testing"
	"time"
)

func TestSaturatingMillisClampsOnOverflow(t *testing.T) {
	got := SaturatingMillis(math.MaxUint64)
	if got != MaxSaturatingDuration {
		t.Fatalf("expected saturation to MaxSaturatingDuration, got %v", got)
	}
}

func TestSaturatingMillisNormalCase(t *testing.T) {
	got := SaturatingMillis(1500)
	if got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %v", got)
	}
}

func TestSaturatingMicrosAndNanos(t *testing.T) {
	if got := SaturatingMicros(1000); got != time.Millisecond {
		t.Fatalf("expected 1ms, got %v", got)
	}
	if got := SaturatingNanos(1000); got != time.Microsecond {
		t.Fatalf("expected 1us, got %v", got)
	}
	if got := SaturatingNanos(math.MaxUint64); got != MaxSaturatingDuration {
		t.Fatalf("expected saturation, got %v", got)
	}
}

func TestNewWithoutRTC(t *testing.T) {
	tk := New(nil)
	if tk.Now().IsZero() {
		t.Fatal("expected a non-zero current time even without an RTC")
	}
}

type fakeSched struct{ n uint64 }

func (f *fakeSched) Tick() uint64 { f.n++; return f.n }

type fakeExec struct{ lastTick time.Time }

func (f *fakeExec) Tick(now time.Time) { f.lastTick = now }

func TestHandleTickDrivesSchedAndExecutor(t *testing.T) {
	tk := New(nil)
	sched := &fakeSched{}
	exec := &fakeExec{}
	n := tk.HandleTick(sched, exec)
	if n != 1 {
		t.Fatalf("expected tick count 1, got %d", n)
	}
	if exec.lastTick.IsZero() {
		t.Fatal("expected executor Tick to be called with a non-zero time")
	}
}
