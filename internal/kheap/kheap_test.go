package kheap

import (
	"testing"

	"github.com/kestrelos/kestrel/internal/pmm"
)

func newTestHeap(t *testing.T) *Heap {
	t.Helper()
	mgr, err := pmm.New(pmm.Region{Base: 0x40000000, Size: 1 << 20}, nil)
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	h, err := New(mgr, 16) // 64 KiB heap
	if err != nil {
		t.Fatalf("kheap.New: %v", err)
	}
	return h
}

func TestAllocFreeRoundTrip(t *testing.T) {
	h := newTestHeap(t)

	p, err := h.Alloc(128, 16)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if uint64(p)%16 != 0 {
		t.Fatalf("allocation %#x does not satisfy 16-byte alignment", p)
	}

	buf, err := h.Bytes(p, 128)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	for i := range buf {
		buf[i] = byte(i)
	}

	buf2, err := h.Bytes(p, 128)
	if err != nil {
		t.Fatalf("Bytes (reread): %v", err)
	}
	for i := range buf2 {
		if buf2[i] != byte(i) {
			t.Fatalf("byte %d: expected %d, got %d", i, byte(i), buf2[i])
		}
	}

	if err := h.Free(p); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if err := h.Free(p); err == nil {
		t.Fatal("expected error freeing an already-freed pointer")
	}
}

func TestAllocExhaustionAndRecovery(t *testing.T) {
	h := newTestHeap(t)

	var ptrs []Ptr
	for {
		p, err := h.Alloc(4096, 8)
		if err != nil {
			break
		}
		ptrs = append(ptrs, p)
	}
	if len(ptrs) == 0 {
		t.Fatal("expected at least one successful allocation before exhaustion")
	}

	if _, err := h.Alloc(h.Size(), 8); err == nil {
		t.Fatal("expected allocation larger than remaining free space to fail")
	}

	for _, p := range ptrs {
		if err := h.Free(p); err != nil {
			t.Fatalf("Free(%#x): %v", p, err)
		}
	}

	// After freeing everything, a single allocation spanning the whole
	// heap should succeed again, proving adjacent free chunks merged.
	if _, err := h.Alloc(h.Size(), 8); err != nil {
		t.Fatalf("expected full-heap allocation to succeed after merge, got: %v", err)
	}
}

func TestAllocRejectsNonPowerOfTwoAlignment(t *testing.T) {
	h := newTestHeap(t)
	if _, err := h.Alloc(16, 3); err == nil {
		t.Fatal("expected error for non-power-of-two alignment")
	}
}
