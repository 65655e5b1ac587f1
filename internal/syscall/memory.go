package syscall

import (
	"golang.org/x/sys/unix"

	"github.com/kestrelos/kestrel/internal/mmu"
	"github.com/kestrelos/kestrel/internal/proc"
)

func (m *Machine) sysBrk(p *proc.Process, a [6]uint64) (uint64, error) {
	newBrk, err := p.Brk(a[0])
	if err != nil {
		// brk(2) never returns an error to userspace; X0 carries the
		// unchanged break on failure (spec.md §4.7 note in mmap.go), and
		// the error only reaches Dispatch's log.
		return newBrk, err
	}
	return newBrk, nil
}

func (m *Machine) sysMmap(p *proc.Process, a [6]uint64) (uint64, error) {
	addr := a[0]
	length := a[1]
	linuxProt := int(a[2])
	flags := int(a[3])

	fixed := proc.MmapFixed(flags&unix.MAP_FIXED != 0)
	region, displaced, err := p.Mem.Reserve(length, addr, fixed, linuxProt)
	if err != nil {
		return result(0, err)
	}

	for _, d := range displaced {
		_ = m.mmuMgr.Unmap(p.AddressSpace, mmu.VAddr(d.Start), d.Len)
	}

	pages := (region.Len + pageSize - 1) / pageSize
	phys, err := m.pmmMgr.AllocFrames(pages)
	if err != nil {
		p.Mem.Release(region.Start, region.Len)
		return result(0, err)
	}
	prot := mmu.FromProt(linuxProt) | mmu.ProtUser
	if err := m.mmuMgr.Map(p.AddressSpace, mmu.VAddr(region.Start), phys, prot, region.Len, true); err != nil {
		return result(0, err)
	}
	return result(region.Start, nil)
}

func (m *Machine) sysMprotect(p *proc.Process, a [6]uint64) (uint64, error) {
	addr, length, linuxProt := a[0], a[1], int(a[2])
	if err := p.Mem.UpdateProt(addr, length, linuxProt); err != nil {
		return result(0, err)
	}
	prot := mmu.FromProt(linuxProt) | mmu.ProtUser
	if err := m.mmuMgr.UpdateFlags(p.AddressSpace, mmu.VAddr(addr), length, prot); err != nil {
		return result(0, err)
	}
	return result(0, nil)
}

func (m *Machine) sysMunmap(p *proc.Process, a [6]uint64) (uint64, error) {
	addr, length := a[0], a[1]
	freed := p.Mem.Release(addr, length)
	for _, r := range freed {
		if err := m.mmuMgr.Unmap(p.AddressSpace, mmu.VAddr(r.Start), r.Len); err != nil {
			return result(0, err)
		}
	}
	return result(0, nil)
}

// sysMadvise is best-effort per spec.md §4.10: every advice value is
// accepted and ignored, since this kernel has no page reclaim or
// readahead heuristics to tune.
func (m *Machine) sysMadvise(p *proc.Process, a [6]uint64) (uint64, error) {
	return result(0, nil)
}
