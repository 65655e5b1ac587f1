package syscall

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestBrkGrowsAndRejectsPastMmapBase(t *testing.T) {
	m, p := newTestMachine(t)

	cur, err := m.sysBrk(p, [6]uint64{0})
	if err != nil {
		t.Fatalf("brk query: %v", err)
	}
	if cur != 0x10000 {
		t.Fatalf("initial brk = %#x, want %#x", cur, 0x10000)
	}

	grown, err := m.sysBrk(p, [6]uint64{0x11000})
	if err != nil {
		t.Fatalf("brk grow: %v", err)
	}
	if grown != 0x11000 {
		t.Fatalf("grown brk = %#x, want %#x", grown, 0x11000)
	}

	unchanged, err := m.sysBrk(p, [6]uint64{0x30000000})
	if err == nil {
		t.Fatal("expected brk past mmap_base to fail")
	}
	if unchanged != grown {
		t.Fatalf("brk(2) should return the unchanged break on failure, got %#x want %#x", unchanged, grown)
	}
}

func TestMmapAnonThenMunmap(t *testing.T) {
	m, p := newTestMachine(t)

	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_ANON | unix.MAP_PRIVATE
	va, err := m.sysMmap(p, [6]uint64{0, 4096, uint64(prot), uint64(flags), 0, 0})
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	if va == 0 {
		t.Fatal("mmap returned null address")
	}

	payload := []byte("mapped page")
	mustWriteUser(t, m, p, va, payload)
	got := mustReadUser(t, m, p, va, len(payload))
	if string(got) != string(payload) {
		t.Fatalf("read back %q, want %q", got, payload)
	}

	if _, err := m.sysMunmap(p, [6]uint64{va, 4096}); err != nil {
		t.Fatalf("munmap: %v", err)
	}
	if _, err := m.mem.CopyIn(p.AddressSpace, va, 4); err == nil {
		t.Fatal("expected reading unmapped page to fail")
	}
}

func TestMprotectChangesPermissions(t *testing.T) {
	m, p := newTestMachine(t)

	prot := unix.PROT_READ | unix.PROT_WRITE
	flags := unix.MAP_ANON | unix.MAP_PRIVATE
	va, err := m.sysMmap(p, [6]uint64{0, 4096, uint64(prot), uint64(flags), 0, 0})
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}

	if _, err := m.sysMprotect(p, [6]uint64{va, 4096, uint64(unix.PROT_READ)}); err != nil {
		t.Fatalf("mprotect: %v", err)
	}
	if err := m.mem.CopyOut(p.AddressSpace, va, []byte("x")); err == nil {
		t.Fatal("expected write to a read-only mapping to fail")
	}
}
