// Package ram is the backing byte store for physical memory. Like
// internal/kheap, it stands in for raw memory the host Go runtime
// doesn't actually expose: internal/pmm decides which frames are free,
// allocated, or reserved, and RAM supplies the bytes living at each
// physical address internal/pmm hands out. Every access goes through
// Bytes, mirroring kheap's Ptr-indirection discipline, so a future
// freestanding port only needs to replace this one file.
package ram

import (
	"fmt"

	"github.com/kestrelos/kestrel/internal/pmm"
)

// RAM is a single contiguous physical address range, byte-addressable.
type RAM struct {
	base  pmm.PhysAddr
	store []byte
}

// New allocates `size` bytes of simulated physical memory starting at
// `base`, matching the RAM region internal/pmm.New is given for the
// same boot.
func New(base pmm.PhysAddr, size uint64) *RAM {
	return &RAM{base: base, store: make([]byte, size)}
}

// Bytes returns a slice over [addr, addr+length) for direct read/write.
// The slice aliases the backing store; callers must not retain it past
// the copy they're doing.
func (r *RAM) Bytes(addr pmm.PhysAddr, length uint64) ([]byte, error) {
	if addr < r.base {
		return nil, fmt.Errorf("ram: address %#x below base %#x", addr, r.base)
	}
	off := uint64(addr - r.base)
	if off+length > uint64(len(r.store)) {
		return nil, fmt.Errorf("ram: range [%#x, %#x) out of bounds", addr, uint64(addr)+length)
	}
	return r.store[off : off+length], nil
}

// Base and Size expose the region bounds for diagnostics.
func (r *RAM) Base() pmm.PhysAddr { return r.base }
func (r *RAM) Size() uint64       { return uint64(len(r.store)) }
