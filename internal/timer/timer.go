// Package timer implements spec.md §4.11's timekeeping: a single
// generic-timer channel driving a 10 ms periodic tick, combined with the
// PL031 RTC's wall-clock seconds to produce a microsecond Unix
// timestamp. It also owns the saturating millisecond/microsecond/
// nanosecond duration conversions spec.md §4.10/§8 requires of every
// syscall that accepts a user-supplied duration, so nanosleep(MAX)
// cannot overflow regardless of which handler calls in.
package timer

import (
	"math"
	"time"

	"github.com/kestrelos/kestrel/internal/devices/rtc"
)

// TickInterval is the generic timer's periodic tick, spec.md §4.5/§4.11:
// "A 10 ms timer tick raises a software-generated scheduler event".
const TickInterval = 10 * time.Millisecond

// Ticker owns the wall-clock base the RTC seeds once at boot. The
// monotonic tick count lives in the SchedTicker that HandleTick advances
// (internal/sched.Pool), and only the tick handler mutates it (spec.md
// §4.11); wall-clock readers go through Now/UnixMicro.
type Ticker struct {
	bootMonotonic time.Time     // process-relative monotonic origin
	wallOffset    time.Duration // wall_time - monotonic_time at boot, from the RTC
}

// New creates a Ticker, seeding the wall-clock offset from r's current
// seconds-since-epoch reading (or leaving it zero if r is nil, the
// configuration tests use when no RTC is wired).
func New(r *rtc.RTC) *Ticker {
	t := &Ticker{bootMonotonic: time.Now()}
	if r != nil {
		t.wallOffset = time.Unix(int64(r.Seconds()), 0).Sub(t.bootMonotonic)
	}
	return t
}

// Now returns the current wall-clock time, combining the RTC-derived
// offset recorded at boot with monotonic elapsed time since then —
// "their combination yields a microsecond Unix timestamp" (spec.md
// §4.11). Resolution is whatever the host clock provides; truncating to
// microsecond precision happens at the clock_gettime/gettimeofday
// syscall boundary, not here.
func (t *Ticker) Now() time.Time {
	return t.bootMonotonic.Add(t.wallOffset).Add(time.Since(t.bootMonotonic))
}

// UnixMicro returns Now() as a microsecond Unix timestamp.
func (t *Ticker) UnixMicro() int64 {
	return t.Now().UnixMicro()
}

// MaxSaturatingDuration is the largest time.Duration representable
// without overflow; SaturatingDuration clamps to this rather than
// wrapping when a unit conversion would exceed it.
const MaxSaturatingDuration = time.Duration(math.MaxInt64)

// SaturatingMillis converts a millisecond count to a time.Duration,
// saturating at MaxSaturatingDuration instead of overflowing — spec.md
// §4.10: "Arithmetic on user-supplied durations must saturate on
// conversion... to avoid the u64::MAX * 1000 overflow class" — and
// spec.md §8's literal test case, nanosleep(u64::MAX-as-milliseconds).
func SaturatingMillis(ms uint64) time.Duration {
	return saturatingMul(ms, uint64(time.Millisecond))
}

// SaturatingMicros converts a microsecond count the same way.
func SaturatingMicros(us uint64) time.Duration {
	return saturatingMul(us, uint64(time.Microsecond))
}

// SaturatingNanos converts a nanosecond count the same way (the
// identity conversion, still saturating on the uint64->int64 boundary
// since time.Duration is signed).
func SaturatingNanos(ns uint64) time.Duration {
	return saturatingMul(ns, 1)
}

// SaturatingSeconds converts a second count to a time.Duration the same
// way, for the tv_sec half of a user-supplied timespec.
func SaturatingSeconds(sec uint64) time.Duration {
	return saturatingMul(sec, uint64(time.Second))
}

// SaturatingAdd sums two durations already produced by a Saturating*
// conversion above, clamping at MaxSaturatingDuration instead of
// overflowing — a timespec's tv_sec and tv_nsec each saturate on their
// own unit conversion, but adding two already-large durations can still
// overflow int64 if done with plain +.
func SaturatingAdd(a, b time.Duration) time.Duration {
	if a > MaxSaturatingDuration-b {
		return MaxSaturatingDuration
	}
	return a + b
}

func saturatingMul(count, unit uint64) time.Duration {
	if count == 0 {
		return 0
	}
	if unit != 0 && count > uint64(math.MaxInt64)/unit {
		return MaxSaturatingDuration
	}
	return time.Duration(count * unit)
}

// SchedTicker is the subset of internal/sched.Pool the tick handler
// drives: advancing the monotonic counter.
type SchedTicker interface {
	Tick() uint64
}

// ExecutorTicker is the subset of internal/async.Executor the tick
// handler drives, so sleep(duration) futures progress on every tick
// (spec.md §4.6).
type ExecutorTicker interface {
	Tick(now time.Time)
}

// HandleTick is the timer IRQ handler's body: advance the monotonic
// counter and drive the async executor's own timer list. Waking expired
// sleepers is internal/sched.Pool's own ReadyExpiredSleepers(t.Now()),
// called by internal/boot's tick loop alongside this, since its return
// value (the woken threads) needs re-enqueuing that only the scheduler
// itself can do. This performs no allocation of its own.
func (t *Ticker) HandleTick(sched SchedTicker, exec ExecutorTicker) uint64 {
	n := sched.Tick()
	if exec != nil {
		exec.Tick(t.Now())
	}
	return n
}
