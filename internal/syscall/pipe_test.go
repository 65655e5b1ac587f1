package syscall

import (
	"testing"
	"time"
)

// TestPipeRendezvous exercises the blocking pipe scenario spec.md §8.3
// describes: a reader parked on an empty pipe wakes once the writer
// sends, and observes EOF (n=0) once every writer end is closed.
func TestPipeRendezvous(t *testing.T) {
	m, p := newTestMachine(t)

	var fdsBuf [8]byte
	mustWriteUser(t, m, p, scratchVA, fdsBuf[:])
	if _, err := m.sysPipe2(p, [6]uint64{scratchVA, 0}); err != nil {
		t.Fatalf("pipe2: %v", err)
	}
	raw := mustReadUser(t, m, p, scratchVA, 8)
	rfd := int32(leUint64(raw[0:8]) & 0xffffffff)
	wfd := int32(leUint64(raw[0:8]) >> 32)

	done := make(chan struct{})
	var n uint64
	go func() {
		n, _ = m.sysRead(p, [6]uint64{uint64(rfd), scratchVA + 4096 - 64, 32})
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("read returned before any data was written")
	case <-time.After(20 * time.Millisecond):
	}

	payload := []byte("hello pipe")
	mustWriteUser(t, m, p, scratchVA+512, payload)
	if _, err := m.sysWrite(p, [6]uint64{uint64(wfd), scratchVA + 512, uint64(len(payload))}); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("read never woke after write")
	}
	if n != uint64(len(payload)) {
		t.Fatalf("read returned %d bytes, want %d", n, len(payload))
	}

	if _, err := m.sysClose(p, [6]uint64{uint64(wfd)}); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	eofN, err := m.sysRead(p, [6]uint64{uint64(rfd), scratchVA + 2048, 16})
	if err != nil {
		t.Fatalf("read after close: %v", err)
	}
	if eofN != 0 {
		t.Fatalf("expected EOF (n=0) after writer closed, got n=%d", eofN)
	}
}
