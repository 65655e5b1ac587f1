package pmm

import "testing"

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	// 1 MiB of RAM starting at a plausible guest physical base, with the
	// first 64 KiB reserved to emulate a kernel image carve-out.
	ram := Region{Base: 0x40000000, Size: 1 << 20}
	reserved := []Region{{Base: 0x40000000, Size: 64 * 1024}}
	m, err := New(ram, reserved)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestInvariantFreePlusAllocatedPlusReservedEqualsTotal(t *testing.T) {
	m := newTestManager(t)
	s := m.Stats()
	if s.Free+s.Allocated+s.Reserved != s.Total {
		t.Fatalf("invariant violated: free=%d allocated=%d reserved=%d total=%d",
			s.Free, s.Allocated, s.Reserved, s.Total)
	}

	var allocs []PhysAddr
	for i := 0; i < 10; i++ {
		a, err := m.AllocFrame()
		if err != nil {
			t.Fatalf("AllocFrame: %v", err)
		}
		allocs = append(allocs, a)
	}

	s = m.Stats()
	if s.Free+s.Allocated+s.Reserved != s.Total {
		t.Fatalf("invariant violated after alloc: free=%d allocated=%d reserved=%d total=%d",
			s.Free, s.Allocated, s.Reserved, s.Total)
	}
	if s.Allocated != 10 {
		t.Fatalf("expected 10 allocated frames, got %d", s.Allocated)
	}

	for _, a := range allocs {
		if err := m.FreeFrame(a); err != nil {
			t.Fatalf("FreeFrame(%#x): %v", a, err)
		}
	}

	s = m.Stats()
	if s.Allocated != 0 {
		t.Fatalf("expected 0 allocated frames after free, got %d", s.Allocated)
	}
	if s.Free+s.Allocated+s.Reserved != s.Total {
		t.Fatalf("invariant violated after free: free=%d allocated=%d reserved=%d total=%d",
			s.Free, s.Allocated, s.Reserved, s.Total)
	}
}

func TestNoFrameAppearsTwiceOnFreeList(t *testing.T) {
	m := newTestManager(t)
	seen := make(map[uint64]bool)
	for o := range m.freeLists {
		for _, f := range m.freeLists[o] {
			for i := uint64(0); i < uint64(1)<<uint(o); i++ {
				if seen[f+i] {
					t.Fatalf("frame index %d appears in more than one free-list entry", f+i)
				}
				seen[f+i] = true
			}
		}
	}
}

func TestAllocFramesContiguous(t *testing.T) {
	m := newTestManager(t)
	addr, err := m.AllocFrames(8)
	if err != nil {
		t.Fatalf("AllocFrames(8): %v", err)
	}
	if uint64(addr)%FrameSize != 0 {
		t.Fatalf("allocation not frame-aligned: %#x", addr)
	}
	if err := m.FreeFrames(addr, 8); err != nil {
		t.Fatalf("FreeFrames: %v", err)
	}
}

func TestOutOfMemoryReturnsNoPartialAllocation(t *testing.T) {
	m := newTestManager(t)
	s := m.Stats()

	_, err := m.AllocFrames(s.Free + 1)
	if err != ErrOutOfMemory {
		t.Fatalf("expected ErrOutOfMemory, got %v", err)
	}

	after := m.Stats()
	if after != s {
		t.Fatalf("OOM allocation attempt mutated frame accounting: before=%+v after=%+v", s, after)
	}
}

func TestFreeingUnallocatedFrameFails(t *testing.T) {
	m := newTestManager(t)
	addr, err := m.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	if err := m.FreeFrame(addr); err != nil {
		t.Fatalf("FreeFrame: %v", err)
	}
	if err := m.FreeFrame(addr); err == nil {
		t.Fatalf("expected error freeing an already-free frame")
	}
}

func TestReservedRegionOutsideRAMRejected(t *testing.T) {
	ram := Region{Base: 0x40000000, Size: 4096}
	reserved := []Region{{Base: 0x50000000, Size: 4096}}
	if _, err := New(ram, reserved); err == nil {
		t.Fatal("expected error for reserved region outside RAM")
	}
}
