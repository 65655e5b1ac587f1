package syscall

import (
	"testing"
	"time"

	"github.com/kestrelos/kestrel/internal/proc"
)

func TestCloneExitWait4Reaps(t *testing.T) {
	m, p := newTestMachine(t)

	childPID, err := m.sysClone(p, [6]uint64{0})
	if err != nil {
		t.Fatalf("clone: %v", err)
	}
	child, ok := m.procs.Lookup(proc.PID(childPID))
	if !ok {
		t.Fatalf("forked child pid %d not found in table", childPID)
	}

	done := make(chan struct{})
	var status, waitedPID uint64
	go func() {
		waitedPID, _ = m.sysWait4(p, [6]uint64{0, scratchVA + 3000, 0, 0})
		raw := mustReadUser(t, m, p, scratchVA+3000, 4)
		status = uint64(raw[1]) // exit code byte, see le32 layout in sysWait4
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("wait4 returned before the child exited")
	case <-time.After(20 * time.Millisecond):
	}

	if _, err := m.sysExit(child, [6]uint64{42}); err != nil {
		t.Fatalf("exit: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait4 never woke after the child exited")
	}
	if waitedPID != childPID {
		t.Fatalf("wait4 returned pid %d, want %d", waitedPID, childPID)
	}
	if status != 42 {
		t.Fatalf("wait4 exit status byte = %d, want 42", status)
	}
}

func TestCloneRejectsCloneVM(t *testing.T) {
	m, p := newTestMachine(t)
	if _, err := m.sysClone(p, [6]uint64{cloneVM}); err == nil {
		t.Fatal("expected CLONE_VM to be rejected")
	}
}
