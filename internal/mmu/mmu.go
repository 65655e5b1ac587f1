// Package mmu builds and mutates AArch64 page tables: a 3-level (L1→L2→L3,
// matching spec.md's data model) 4 KiB-granule tree per process, plus the
// kernel's own boot identity map of device MMIO. It implements Map, Unmap,
// UpdateFlags, FromProt, and SwitchTo (spec.md §4.3).
//
// This is a hosted simulation of the real AArch64 translation tables: each
// table level is modeled as a 512-entry array (matching the real hardware
// fan-out for a 4 KiB granule) and frames backing those tables are drawn
// from internal/pmm exactly as a freestanding implementation would: a
// physical address is the table's only identity, and Manager keeps the
// physical-address-to-in-memory-table mapping that a real MMU would
// resolve by simply dereferencing the physical address directly.
package mmu

import (
	"fmt"
	"sync"

	"github.com/kestrelos/kestrel/internal/pmm"
)

// VAddr is a 64-bit virtual address.
type VAddr uint64

const (
	entriesPerTable = 512
	pageSize        = 4096

	// Bit widths for a 3-level, 4 KiB-granule AArch64 table covering a
	// 39-bit VA space (512 GiB) — ample for kestrel's user region
	// [0x1000, 0x4000_0000) and the device MMIO window below it.
	l1Shift     = 30
	l2Shift     = 21
	l3Shift     = 12
	indexMask   = entriesPerTable - 1
	offsetMask  = pageSize - 1
)

func l1Index(va VAddr) int { return int((uint64(va) >> l1Shift) & indexMask) }
func l2Index(va VAddr) int { return int((uint64(va) >> l2Shift) & indexMask) }
func l3Index(va VAddr) int { return int((uint64(va) >> l3Shift) & indexMask) }

// Prot mirrors the AArch64-side permission bits this kernel actually
// tracks. Reserved/unknown Linux PROT_* bits are rejected by FromProt.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
	ProtUser   // mapping is accessible from EL0
	ProtDevice // nGnRE device memory, used only for the boot identity map
)

// Linux PROT_* bit values (asm-generic/mman-common.h), reproduced here so
// FromProt doesn't need to import a full mman header translation layer
// for three constants.
const (
	linuxProtRead  = 0x1
	linuxProtWrite = 0x2
	linuxProtExec  = 0x4
)

// FromProt translates Linux mmap/mprotect PROT_* bits into the AArch64
// permission set this package understands. The caller is responsible for
// setting ProtUser separately (kernel-only mappings never pass it).
func FromProt(linuxProt int) Prot {
	var p Prot
	if linuxProt&linuxProtRead != 0 {
		p |= ProtRead
	}
	if linuxProt&linuxProtWrite != 0 {
		p |= ProtWrite
	}
	if linuxProt&linuxProtExec != 0 {
		p |= ProtExec
	}
	return p
}

// entry is one descriptor slot. present distinguishes a populated entry
// from a zero-valued empty one (valid=0 in a real PTE).
type entry struct {
	present bool
	isTable bool     // true: points at the next-level table; false: leaf mapping
	phys    pmm.PhysAddr
	prot    Prot
	ownsFrame bool // true if Unmap should free `phys` back to the PMM
}

type table struct {
	entries [entriesPerTable]entry
	phys    pmm.PhysAddr // this table's own physical address
}

// AddressSpace is one process's (or the kernel boot identity map's) page
// table root plus the bookkeeping needed to free intermediate tables on
// teardown.
type AddressSpace struct {
	mu   sync.Mutex
	root *table
}

// Manager owns the PMM frames backing every AddressSpace's tables and
// tracks which one is "current" (as TTBR0_EL1 would), since this hosted
// simulation has no real system register to read back.
type Manager struct {
	mgr     *pmm.Manager
	mu      sync.Mutex
	current *AddressSpace

	// tables indexes every allocated table by its own physical address,
	// standing in for "read the table by dereferencing its physical
	// address" on real hardware.
	tables map[pmm.PhysAddr]*table
}

// New creates a Manager drawing page-table frames from mgr.
func New(mgr *pmm.Manager) *Manager {
	return &Manager{mgr: mgr, tables: make(map[pmm.PhysAddr]*table)}
}

// NewAddressSpace allocates a fresh, empty page-table root.
func (m *Manager) NewAddressSpace() (*AddressSpace, error) {
	t, err := m.allocTable()
	if err != nil {
		return nil, err
	}
	return &AddressSpace{root: t}, nil
}

func (m *Manager) allocTable() (*table, error) {
	phys, err := m.mgr.AllocFrame()
	if err != nil {
		return nil, fmt.Errorf("mmu: allocating page table frame: %w", err)
	}
	m.mu.Lock()
	t := &table{phys: phys}
	m.tables[phys] = t
	m.mu.Unlock()
	return t, nil
}

func (m *Manager) tableAt(phys pmm.PhysAddr) *table {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables[phys]
}

// Map installs a mapping of `size` bytes (rounded up to a page) from va
// to pa with the given permissions, allocating any intermediate L1/L2
// tables not already present. ownsFrame controls whether Unmap later
// frees the underlying physical frames (false for file-backed/device
// mappings the caller owns independently).
func (m *Manager) Map(as *AddressSpace, va VAddr, pa pmm.PhysAddr, prot Prot, size uint64, ownsFrame bool) error {
	if uint64(va)%pageSize != 0 || uint64(pa)%pageSize != 0 {
		return fmt.Errorf("mmu: map: va %#x / pa %#x must be page-aligned", va, pa)
	}
	pages := (size + pageSize - 1) / pageSize

	as.mu.Lock()
	defer as.mu.Unlock()

	for i := uint64(0); i < pages; i++ {
		curVA := va + VAddr(i*pageSize)
		curPA := pa + pmm.PhysAddr(i*pageSize)
		if err := m.mapPage(as, curVA, curPA, prot, ownsFrame); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) mapPage(as *AddressSpace, va VAddr, pa pmm.PhysAddr, prot Prot, ownsFrame bool) error {
	l2, err := m.descend(as.root, l1Index(va), true)
	if err != nil {
		return err
	}
	l3, err := m.descend(l2, l2Index(va), true)
	if err != nil {
		return err
	}
	idx := l3Index(va)
	if l3.entries[idx].present {
		return fmt.Errorf("mmu: va %#x is already mapped", va)
	}
	l3.entries[idx] = entry{present: true, phys: pa, prot: prot, ownsFrame: ownsFrame}
	return nil
}

// descend walks to (or creates, if alloc is true) the next-level table
// referenced by `parent`'s entry at `idx`.
func (m *Manager) descend(parent *table, idx int, alloc bool) (*table, error) {
	e := &parent.entries[idx]
	if e.present {
		if !e.isTable {
			return nil, fmt.Errorf("mmu: index %d is a leaf mapping, not a table", idx)
		}
		t := m.tableAt(e.phys)
		if t == nil {
			return nil, fmt.Errorf("mmu: internal error: table at %#x not tracked", e.phys)
		}
		return t, nil
	}
	if !alloc {
		return nil, fmt.Errorf("mmu: no table present at index %d", idx)
	}
	t, err := m.allocTable()
	if err != nil {
		return nil, err
	}
	*e = entry{present: true, isTable: true, phys: t.phys, ownsFrame: true}
	return t, nil
}

// Unmap removes mappings covering [va, va+size), invalidating the TLB
// for each page removed and freeing the underlying frame when the
// mapping owns it (spec.md §4.3).
func (m *Manager) Unmap(as *AddressSpace, va VAddr, size uint64) error {
	pages := (size + pageSize - 1) / pageSize

	as.mu.Lock()
	defer as.mu.Unlock()

	for i := uint64(0); i < pages; i++ {
		curVA := va + VAddr(i*pageSize)
		if err := m.unmapPage(as, curVA); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) unmapPage(as *AddressSpace, va VAddr) error {
	l2, err := m.descend(as.root, l1Index(va), false)
	if err != nil {
		// Unmapping an already-absent range is a no-op, matching
		// munmap's POSIX semantics.
		return nil
	}
	l3, err := m.descend(l2, l2Index(va), false)
	if err != nil {
		return nil
	}
	idx := l3Index(va)
	e := l3.entries[idx]
	if !e.present {
		return nil
	}
	if e.ownsFrame {
		if err := m.mgr.FreeFrame(e.phys); err != nil {
			return fmt.Errorf("mmu: freeing frame for va %#x: %w", va, err)
		}
	}
	l3.entries[idx] = entry{}
	invalidateTLB(va)
	return nil
}

// UpdateFlags walks existing mappings over [va, va+len) and changes their
// permission bits in place, used by mprotect. It is an error to call
// UpdateFlags over a range containing an unmapped page.
func (m *Manager) UpdateFlags(as *AddressSpace, va VAddr, length uint64, newProt Prot) error {
	pages := (length + pageSize - 1) / pageSize

	as.mu.Lock()
	defer as.mu.Unlock()

	for i := uint64(0); i < pages; i++ {
		curVA := va + VAddr(i*pageSize)
		l2, err := m.descend(as.root, l1Index(curVA), false)
		if err != nil {
			return fmt.Errorf("mmu: update_flags: %#x is not mapped", curVA)
		}
		l3, err := m.descend(l2, l2Index(curVA), false)
		if err != nil {
			return fmt.Errorf("mmu: update_flags: %#x is not mapped", curVA)
		}
		idx := l3Index(curVA)
		if !l3.entries[idx].present {
			return fmt.Errorf("mmu: update_flags: %#x is not mapped", curVA)
		}
		l3.entries[idx].prot = newProt
		invalidateTLB(curVA)
	}
	return nil
}

// Translate resolves va to its current mapping, for user-pointer
// validation and the ELF loader's post-load checks.
func (m *Manager) Translate(as *AddressSpace, va VAddr) (pa pmm.PhysAddr, prot Prot, ok bool) {
	as.mu.Lock()
	defer as.mu.Unlock()

	l2, err := m.descend(as.root, l1Index(va), false)
	if err != nil {
		return 0, 0, false
	}
	l3, err := m.descend(l2, l2Index(va), false)
	if err != nil {
		return 0, 0, false
	}
	e := l3.entries[l3Index(va)]
	if !e.present {
		return 0, 0, false
	}
	return e.phys, e.prot, true
}

// SwitchTo writes the simulated TTBR0_EL1 and issues an ASID-safe TLB
// invalidation sequence. Per the Open Question resolution in DESIGN.md,
// kestrel always invalidates per-VA rather than choosing ASID-wide
// invalidation only on some paths.
func (m *Manager) SwitchTo(as *AddressSpace) {
	m.mu.Lock()
	m.current = as
	m.mu.Unlock()
	// DSB ISH; ISB on real hardware. Nothing to do in the simulation
	// beyond recording the active address space.
}

// Current returns the address space most recently installed by
// SwitchTo, or nil before the first switch.
func (m *Manager) Current() *AddressSpace {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// invalidateTLB stands in for `TLBI VAE1, <va>; DSB ISH; ISB`. The
// simulation has no TLB to invalidate, but every unmap/protect path
// calls this so the sequencing is correct if ported to real hardware.
func invalidateTLB(va VAddr) {
	_ = va
}

// FrameCopier supplies the raw bytes backing a physical frame, so Fork
// can duplicate page contents without internal/mmu depending on
// internal/ram directly. internal/syscall passes its *ram.RAM in.
type FrameCopier interface {
	Bytes(addr pmm.PhysAddr, length uint64) ([]byte, error)
}

// Fork builds a new AddressSpace holding an eager, byte-for-byte copy of
// every mapping in src (spec.md §4.7: "Copies the parent's address
// space (copy-on-write if implemented, else eager copy)" — kestrel picks
// eager copy since leaf entries here carry no reference count to make
// copy-on-write's shared-frame bookkeeping safe). Mappings that don't
// own their frame (device/file-backed) are copied by reference instead,
// since nothing should free a shared frame twice.
func (m *Manager) Fork(src *AddressSpace, copier FrameCopier) (*AddressSpace, error) {
	dst, err := m.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	src.mu.Lock()
	defer src.mu.Unlock()

	for l1i := 0; l1i < entriesPerTable; l1i++ {
		l1e := src.root.entries[l1i]
		if !l1e.present || !l1e.isTable {
			continue
		}
		l2t := m.tableAt(l1e.phys)
		for l2i := 0; l2i < entriesPerTable; l2i++ {
			l2e := l2t.entries[l2i]
			if !l2e.present || !l2e.isTable {
				continue
			}
			l3t := m.tableAt(l2e.phys)
			for l3i := 0; l3i < entriesPerTable; l3i++ {
				l3e := l3t.entries[l3i]
				if !l3e.present {
					continue
				}
				va := VAddr(uint64(l1i)<<l1Shift | uint64(l2i)<<l2Shift | uint64(l3i)<<l3Shift)
				if !l3e.ownsFrame {
					if err := m.mapShared(dst, va, l3e); err != nil {
						return nil, err
					}
					continue
				}
				newPhys, err := m.mgr.AllocFrame()
				if err != nil {
					return nil, fmt.Errorf("mmu: fork: %w", err)
				}
				srcBytes, err := copier.Bytes(l3e.phys, pageSize)
				if err != nil {
					return nil, fmt.Errorf("mmu: fork: reading source page: %w", err)
				}
				dstBytes, err := copier.Bytes(newPhys, pageSize)
				if err != nil {
					return nil, fmt.Errorf("mmu: fork: reading dest page: %w", err)
				}
				copy(dstBytes, srcBytes)
				if err := m.Map(dst, va, newPhys, l3e.prot, pageSize, true); err != nil {
					return nil, fmt.Errorf("mmu: fork: remapping %#x: %w", va, err)
				}
			}
		}
	}
	return dst, nil
}

func (m *Manager) mapShared(dst *AddressSpace, va VAddr, e entry) error {
	return m.Map(dst, va, e.phys, e.prot, pageSize, false)
}
