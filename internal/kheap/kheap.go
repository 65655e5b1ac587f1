// Package kheap implements the kernel's general-purpose allocator. It is
// backed by a contiguous region of frames carved out of internal/pmm at
// boot (by convention, half of RAM) and is the deepest lock in the
// documented hierarchy (spec.md §5): every mutation happens with
// interrupts disabled, and kheap itself never calls into anything that
// could hold a lock above it.
//
// Go's own allocator backs the simulated heap bytes in this
// implementation (there is no raw memory to manage outside the host Go
// runtime in this exercise), but the allocation API, free-list
// bookkeeping, and locking discipline mirror a freestanding allocator:
// callers get back an opaque Ptr, not a Go pointer, and every access
// goes through Bytes so a future freestanding port only has to replace
// the backing store.
package kheap

import (
	"fmt"
	"sort"

	"github.com/kestrelos/kestrel/internal/ksync"
	"github.com/kestrelos/kestrel/internal/pmm"
)

// Ptr is an opaque handle into the heap's backing region. The zero value
// is never a valid allocation.
type Ptr uint64

// chunk describes one free extent of the backing region, in bytes.
type chunk struct {
	offset uint64
	size   uint64
}

// Heap is a first-fit allocator over a single contiguous region, keeping
// one address-ordered free list. Alloc/Free must be safe to call with IRQs already disabled
// (e.g. from within another spinlock's critical section) and disable
// IRQs themselves for the duration of any mutation.
type Heap struct {
	lock ksync.SpinLock

	base  uint64
	size  uint64
	store []byte

	free  []chunk // sorted by offset, merged eagerly
	inUse map[uint64]uint64 // offset -> size, for allocated blocks
}

// New carves `frames` 4 KiB pages from mgr and returns a Heap managing
// that region.
func New(mgr *pmm.Manager, frames uint64) (*Heap, error) {
	if frames == 0 {
		return nil, fmt.Errorf("kheap: cannot create a zero-size heap")
	}
	base, err := mgr.AllocFrames(frames)
	if err != nil {
		return nil, fmt.Errorf("kheap: reserving backing frames: %w", err)
	}
	size := frames * pmm.FrameSize
	h := &Heap{
		base:  uint64(base),
		size:  size,
		store: make([]byte, size),
		inUse: make(map[uint64]uint64),
	}
	h.free = []chunk{{offset: 0, size: size}}
	return h, nil
}

// Alloc reserves at least `size` bytes aligned to `align` (which must be
// a power of two) and returns a Ptr to the start of the block.
func (h *Heap) Alloc(size, align uint64) (Ptr, error) {
	if size == 0 {
		return 0, fmt.Errorf("kheap: cannot allocate zero bytes")
	}
	if align == 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return 0, fmt.Errorf("kheap: alignment %d is not a power of two", align)
	}

	s := h.lock.Lock()
	defer h.lock.Unlock(s)

	for i, c := range h.free {
		alignedStart := alignUp(c.offset, align)
		pad := alignedStart - c.offset
		need := pad + size
		if need > c.size {
			continue
		}

		// Carve [alignedStart, alignedStart+size) out of this chunk,
		// leaving any padding before it and any remainder after it as
		// separate free chunks.
		remainderOffset := alignedStart + size
		remainderSize := c.size - need

		newFree := h.free[:i:i]
		if pad > 0 {
			newFree = append(newFree, chunk{offset: c.offset, size: pad})
		}
		if remainderSize > 0 {
			newFree = append(newFree, chunk{offset: remainderOffset, size: remainderSize})
		}
		h.free = append(newFree, h.free[i+1:]...)
		sort.Slice(h.free, func(a, b int) bool { return h.free[a].offset < h.free[b].offset })

		h.inUse[alignedStart] = size
		return Ptr(h.base + alignedStart), nil
	}
	return 0, fmt.Errorf("kheap: no free block of size %d (align %d)", size, align)
}

// Free releases a block previously returned by Alloc, merging it with
// adjacent free chunks.
func (h *Heap) Free(p Ptr) error {
	s := h.lock.Lock()
	defer h.lock.Unlock(s)

	offset := uint64(p) - h.base
	size, ok := h.inUse[offset]
	if !ok {
		return fmt.Errorf("kheap: %#x is not a live allocation", p)
	}
	delete(h.inUse, offset)

	h.free = append(h.free, chunk{offset: offset, size: size})
	sort.Slice(h.free, func(a, b int) bool { return h.free[a].offset < h.free[b].offset })
	h.free = mergeAdjacent(h.free)
	return nil
}

// Bytes returns a slice view of a live allocation's backing bytes. The
// returned slice aliases the heap's internal store and must not be
// retained past the matching Free call.
func (h *Heap) Bytes(p Ptr, size uint64) ([]byte, error) {
	s := h.lock.Lock()
	defer h.lock.Unlock(s)

	offset := uint64(p) - h.base
	allocSize, ok := h.inUse[offset]
	if !ok {
		return nil, fmt.Errorf("kheap: %#x is not a live allocation", p)
	}
	if size > allocSize {
		return nil, fmt.Errorf("kheap: requested %d bytes exceeds allocation size %d", size, allocSize)
	}
	return h.store[offset : offset+size], nil
}

// Size returns the total byte size of the heap region.
func (h *Heap) Size() uint64 { return h.size }

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func mergeAdjacent(cs []chunk) []chunk {
	if len(cs) < 2 {
		return cs
	}
	out := cs[:1]
	for _, c := range cs[1:] {
		last := &out[len(out)-1]
		if last.offset+last.size == c.offset {
			last.size += c.size
		} else {
			out = append(out, c)
		}
	}
	return out
}
