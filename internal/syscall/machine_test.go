package syscall

import (
	"testing"

	"github.com/kestrelos/kestrel/internal/mmu"
	"github.com/kestrelos/kestrel/internal/pmm"
	"github.com/kestrelos/kestrel/internal/proc"
	"github.com/kestrelos/kestrel/internal/ram"
	"github.com/kestrelos/kestrel/internal/sched"
	"github.com/kestrelos/kestrel/internal/timer"
	"github.com/kestrelos/kestrel/internal/vfs"
	"github.com/kestrelos/kestrel/internal/vfs/memfs"
)

// scratchVA is a page this harness maps read/write in every test
// process, standing in for a user-mode buffer syscall handlers copy
// to/from.
const scratchVA = 0x2000

func newTestMachine(t *testing.T) (*Machine, *proc.Process) {
	t.Helper()

	pmmMgr, err := pmm.New(pmm.Region{Base: 0, Size: 64 * 1024 * 1024}, nil)
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	r := ram.New(0, 64*1024*1024)
	mmuMgr := mmu.New(pmmMgr)

	mt := vfs.NewMountTable()
	if err := mt.Mount("/", memfs.New(1)); err != nil {
		t.Fatalf("mount: %v", err)
	}
	resolver := vfs.NewResolver(mt)

	procs := proc.NewTable()
	pool := sched.NewPool()
	ticker := timer.New(nil)

	m := NewMachine(nil, procs, mmuMgr, pmmMgr, r, resolver, pool, ticker, nil)

	p := procs.Spawn("/", "/", 0)
	as, err := mmuMgr.NewAddressSpace()
	if err != nil {
		t.Fatalf("new address space: %v", err)
	}
	p.AddressSpace = as
	p.InitMemory(0x10000, 0x20000000)

	phys, err := pmmMgr.AllocFrame()
	if err != nil {
		t.Fatalf("alloc scratch frame: %v", err)
	}
	if err := mmuMgr.Map(as, mmu.VAddr(scratchVA), phys, mmu.ProtRead|mmu.ProtWrite|mmu.ProtUser, 4096, true); err != nil {
		t.Fatalf("map scratch page: %v", err)
	}

	return m, p
}

func mustWriteUser(t *testing.T, m *Machine, p *proc.Process, va uint64, data []byte) {
	t.Helper()
	if err := m.mem.CopyOut(p.AddressSpace, va, data); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
}

func mustReadUser(t *testing.T, m *Machine, p *proc.Process, va uint64, n int) []byte {
	t.Helper()
	data, err := m.mem.CopyIn(p.AddressSpace, va, uint64(n))
	if err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	return data
}
