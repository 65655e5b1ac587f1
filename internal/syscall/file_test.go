package syscall

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestOpenatWriteReadRoundTrip(t *testing.T) {
	m, p := newTestMachine(t)

	pathStr := "/greeting.txt\x00"
	mustWriteUser(t, m, p, scratchVA, []byte(pathStr))

	fd, err := m.sysOpenat(p, [6]uint64{
		uint64(unix.AT_FDCWD), scratchVA, uint64(oCreat), 0o644,
	})
	if err != nil {
		t.Fatalf("openat: %v", err)
	}

	payload := []byte("hello kestrel")
	mustWriteUser(t, m, p, scratchVA+64, payload)
	n, err := m.sysWrite(p, [6]uint64{fd, scratchVA + 64, uint64(len(payload))})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != uint64(len(payload)) {
		t.Fatalf("write returned %d, want %d", n, len(payload))
	}

	if _, err := m.sysLseek(p, [6]uint64{fd, 0, uint64(unix.SEEK_SET)}); err != nil {
		t.Fatalf("lseek: %v", err)
	}

	rn, err := m.sysRead(p, [6]uint64{fd, scratchVA + 256, uint64(len(payload))})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rn != uint64(len(payload)) {
		t.Fatalf("read returned %d, want %d", rn, len(payload))
	}
	got := mustReadUser(t, m, p, scratchVA+256, len(payload))
	if string(got) != string(payload) {
		t.Fatalf("read back %q, want %q", got, payload)
	}

	if _, err := m.sysClose(p, [6]uint64{fd}); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := m.sysRead(p, [6]uint64{fd, scratchVA, 1}); err == nil {
		t.Fatal("expected read on closed fd to fail")
	}
}

func TestOpenatExclCollision(t *testing.T) {
	m, p := newTestMachine(t)
	mustWriteUser(t, m, p, scratchVA, []byte("/dup.txt\x00"))

	if _, err := m.sysOpenat(p, [6]uint64{uint64(unix.AT_FDCWD), scratchVA, uint64(oCreat), 0o644}); err != nil {
		t.Fatalf("first openat: %v", err)
	}
	ret, err := m.sysOpenat(p, [6]uint64{uint64(unix.AT_FDCWD), scratchVA, uint64(oCreat | oExcl), 0o644})
	if err == nil {
		t.Fatal("expected O_CREAT|O_EXCL against an existing file to fail")
	}
	if int64(ret) >= 0 {
		t.Fatalf("expected negative errno return, got %d", ret)
	}
}

func TestMkdiratAndChdir(t *testing.T) {
	m, p := newTestMachine(t)
	mustWriteUser(t, m, p, scratchVA, []byte("/sub\x00"))

	if _, err := m.sysMkdirat(p, [6]uint64{uint64(unix.AT_FDCWD), scratchVA, 0o755}); err != nil {
		t.Fatalf("mkdirat: %v", err)
	}
	if _, err := m.sysChdir(p, [6]uint64{scratchVA}); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	if p.CWD() != "/sub" {
		t.Fatalf("cwd = %q, want /sub", p.CWD())
	}
}
