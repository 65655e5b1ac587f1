package syscall

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestUnameReportsAarch64(t *testing.T) {
	m, p := newTestMachine(t)
	if _, err := m.sysUname(p, [6]uint64{scratchVA}); err != nil {
		t.Fatalf("uname: %v", err)
	}
	machine := mustReadUser(t, m, p, scratchVA+65*4, 65)
	got := string(machine[:7])
	if got != "aarch64" {
		t.Fatalf("uname machine field = %q, want aarch64", got)
	}
}

func TestGetrandomFillsBuffer(t *testing.T) {
	m, p := newTestMachine(t)
	zeros := make([]byte, 32)
	mustWriteUser(t, m, p, scratchVA, zeros)

	n, err := m.sysGetrandom(p, [6]uint64{scratchVA, 32, 0})
	if err != nil {
		t.Fatalf("getrandom: %v", err)
	}
	if n != 32 {
		t.Fatalf("getrandom returned %d, want 32", n)
	}
	got := mustReadUser(t, m, p, scratchVA, 32)
	allZero := true
	for _, b := range got {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		t.Fatal("getrandom left the buffer all zero")
	}
}

func TestIoctlTiocgwinsz(t *testing.T) {
	m, p := newTestMachine(t)

	mustWriteUser(t, m, p, scratchVA, []byte("/tty\x00"))
	fd, err := m.sysOpenat(p, [6]uint64{uint64(unix.AT_FDCWD), scratchVA, uint64(oCreat), 0o644})
	if err != nil {
		t.Fatalf("openat: %v", err)
	}

	if _, err := m.sysIoctl(p, [6]uint64{fd, tiocgwinsz, scratchVA + 512}); err != nil {
		t.Fatalf("ioctl TIOCGWINSZ: %v", err)
	}
	ws := mustReadUser(t, m, p, scratchVA+512, 4)
	rows := uint16(ws[0]) | uint16(ws[1])<<8
	cols := uint16(ws[2]) | uint16(ws[3])<<8
	if rows != 24 || cols != 80 {
		t.Fatalf("winsize = %dx%d, want 24x80", rows, cols)
	}
}
