package syscall

import (
	"encoding/binary"
	"errors"

	"github.com/kestrelos/kestrel/internal/ksync"
	"github.com/kestrelos/kestrel/internal/proc"
	"github.com/kestrelos/kestrel/internal/timer"
)

func writeTimespec(sec int64, nsec int64) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(sec))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(nsec))
	return buf
}

// sysNanosleep blocks the calling thread for the requested duration,
// saturating both halves of the timespec conversion and their sum per
// spec.md §4.10/§8's nanosleep(u64::MAX) test case rather than
// overflowing. It parks on a private wait queue nobody ever wakes, so
// only the deadline or a delivered signal ends the sleep.
func (m *Machine) sysNanosleep(p *proc.Process, a [6]uint64) (uint64, error) {
	raw, err := m.mem.CopyIn(p.AddressSpace, a[0], 16)
	if err != nil {
		return result(0, err)
	}
	sec := binary.LittleEndian.Uint64(raw[0:8])
	nsec := binary.LittleEndian.Uint64(raw[8:16])
	d := timer.SaturatingAdd(timer.SaturatingSeconds(sec), timer.SaturatingNanos(nsec))

	deadline := m.ticker.Now().Add(d)
	wq := m.futexes.queueFor(futexKey{pid: p.PID, va: sleepFutexVA})
	ctx, done := m.waitCtx(p)
	defer done()
	err = wq.Wait(ctx, deadline)
	if errors.Is(err, ksync.ErrDeadlineExceeded) {
		return result(0, nil)
	}
	return result(0, err)
}

// sleepFutexVA is not a real user address; nanosleep reuses the futex
// wait-queue machinery purely for its deadline/cancellation plumbing, so
// every sleeping thread gets its own private queue keyed by PID alone.
const sleepFutexVA = ^uint64(0)

const (
	clockRealtime  = 0
	clockMonotonic = 1
)

func (m *Machine) sysClockGettime(p *proc.Process, a [6]uint64) (uint64, error) {
	clockID := int(a[0])
	now := m.ticker.Now()
	var sec, nsec int64
	switch clockID {
	case clockRealtime:
		sec, nsec = now.Unix(), int64(now.Nanosecond())
	case clockMonotonic:
		mono := now.Sub(m.bootTime)
		sec, nsec = int64(mono/1_000_000_000), int64(mono%1_000_000_000)
	default:
		return result(0, errInval)
	}
	if err := m.mem.CopyOut(p.AddressSpace, a[1], writeTimespec(sec, nsec)); err != nil {
		return result(0, err)
	}
	return result(0, nil)
}

func (m *Machine) sysGettimeofday(p *proc.Process, a [6]uint64) (uint64, error) {
	if a[0] == 0 {
		return result(0, nil)
	}
	now := m.ticker.Now()
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(now.Unix()))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(now.Nanosecond()/1000))
	if err := m.mem.CopyOut(p.AddressSpace, a[0], buf); err != nil {
		return result(0, err)
	}
	return result(0, nil)
}
