package syscall

import (
	"github.com/kestrelos/kestrel/internal/mmu"
	"github.com/kestrelos/kestrel/internal/pmm"
	"github.com/kestrelos/kestrel/internal/ram"
)

// userLow and userHigh bound every valid user pointer (spec.md §4.10:
// "validated to lie in [0x1000, 0x4000_0000)").
const (
	userLow  = 0x1000
	userHigh = 0x4000_0000
	pageSize = 4096
)

// Memory bridges a process's virtual address space to the physical
// bytes backing it, the way a real SVC handler's copy_from_user/
// copy_to_user helpers "temporarily ensure the user page is mapped"
// (spec.md §4.10) before touching it.
type Memory struct {
	mmuMgr *mmu.Manager
	ram    *ram.RAM
}

// NewMemory wires a Memory accessor to the kernel's single MMU manager
// and physical RAM backing store.
func NewMemory(mmuMgr *mmu.Manager, r *ram.RAM) *Memory {
	return &Memory{mmuMgr: mmuMgr, ram: r}
}

func inUserRange(va, length uint64) bool {
	if length == 0 {
		return va >= userLow && va < userHigh
	}
	end := va + length
	return va >= userLow && end > va && end <= userHigh
}

// translateRange walks [va, va+length) page by page, returning the
// physical byte slices backing each page in order. A gap or permission
// violation returns ErrFault.
func (m *Memory) translateRange(as *mmu.AddressSpace, va, length uint64, needWrite bool) ([][]byte, error) {
	if !inUserRange(va, length) {
		return nil, ErrFault
	}
	var out [][]byte
	start := va &^ (pageSize - 1)
	end := va + length
	for p := start; p < end; p += pageSize {
		pa, prot, ok := m.mmuMgr.Translate(as, mmu.VAddr(p))
		if !ok || prot&mmu.ProtRead == 0 || (needWrite && prot&mmu.ProtWrite == 0) {
			return nil, ErrFault
		}
		lo := p
		hi := p + pageSize
		if lo < va {
			lo = va
		}
		if hi > end {
			hi = end
		}
		pageBytes, err := m.ram.Bytes(pa+pmm.PhysAddr(lo-p), uint64(hi-lo))
		if err != nil {
			return nil, ErrFault
		}
		out = append(out, pageBytes)
	}
	return out, nil
}

// CopyIn reads `length` bytes starting at user VA va into a fresh Go
// slice.
func (m *Memory) CopyIn(as *mmu.AddressSpace, va, length uint64) ([]byte, error) {
	chunks, err := m.translateRange(as, va, length, false)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, length)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out, nil
}

// CopyOut writes data to user VA va.
func (m *Memory) CopyOut(as *mmu.AddressSpace, va uint64, data []byte) error {
	chunks, err := m.translateRange(as, va, uint64(len(data)), true)
	if err != nil {
		return err
	}
	off := 0
	for _, c := range chunks {
		off += copy(c, data[off:])
	}
	return nil
}

// CopyInString reads a NUL-terminated string starting at va, bounded by
// maxLen; an unterminated run past maxLen is ErrFault (spec.md §4.10:
// "NUL-terminated within a bounded length").
func (m *Memory) CopyInString(as *mmu.AddressSpace, va uint64, maxLen int) (string, error) {
	buf := make([]byte, 0, 64)
	for i := 0; i < maxLen; i++ {
		b, err := m.CopyIn(as, va+uint64(i), 1)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", ErrFault
}
