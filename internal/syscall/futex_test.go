package syscall

import (
	"encoding/binary"
	"testing"
	"time"
)

func TestFutexWaitWakesOnMatchingValue(t *testing.T) {
	m, p := newTestMachine(t)

	word := make([]byte, 4)
	binary.LittleEndian.PutUint32(word, 0)
	mustWriteUser(t, m, p, scratchVA, word)

	done := make(chan struct{})
	go func() {
		m.sysFutex(p, [6]uint64{scratchVA, futexWait, 0, 0, 0, 0})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("futex_wait returned before a wake")
	case <-time.After(20 * time.Millisecond):
	}

	n, err := m.sysFutex(p, [6]uint64{scratchVA, futexWake, 1, 0, 0, 0})
	if err != nil {
		t.Fatalf("futex_wake: %v", err)
	}
	if n != 1 {
		t.Fatalf("futex_wake woke %d waiters, want 1", n)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("futex_wait never woke")
	}
}

func TestFutexWaitRejectsStaleValue(t *testing.T) {
	m, p := newTestMachine(t)
	word := make([]byte, 4)
	binary.LittleEndian.PutUint32(word, 7)
	mustWriteUser(t, m, p, scratchVA, word)

	if _, err := m.sysFutex(p, [6]uint64{scratchVA, futexWait, 0, 0, 0, 0}); err == nil {
		t.Fatal("expected futex_wait against a stale expected value to fail immediately")
	}
}

func TestEventfd2InstallsFD(t *testing.T) {
	m, p := newTestMachine(t)
	fd, err := m.sysEventfd2(p, [6]uint64{5, 0})
	if err != nil {
		t.Fatalf("eventfd2: %v", err)
	}
	if int64(fd) < 0 {
		t.Fatalf("eventfd2 returned an error code %d", fd)
	}
}
