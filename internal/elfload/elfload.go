// Package elfload implements the ELF loader described in spec.md §4.8:
// ET_EXEC and ET_DYN binaries, an optional PT_INTERP dynamic linker,
// RELA relocation application, and System V AArch64 stack/auxv
// construction. It parses ELF structure with the standard library's
// debug/elf — the same package the teacher's own ELF emitter
// (_grounding/asm_arm64_elf.go) targets the reader side of, just run in
// reverse.
package elfload

import (
	"bytes"
	"crypto/rand"
	"debug/elf"
	"encoding/binary"
	"fmt"

	"github.com/kestrelos/kestrel/internal/mmu"
	"github.com/kestrelos/kestrel/internal/pmm"
)

// Layout constants from spec.md §3/§4.8.
const (
	DynBase       = 0x1000_0000 // ET_DYN base
	InterpBase    = 0x3000_0000
	StackTop      = 0x4000_0000
	StackSize     = 128 * 1024
	StackBottom   = StackTop - StackSize
	MmapGapAfter  = 256 * 1024 * 1024
	mmapAlignMask = 0xFFFF // "& !0xFFFF", i.e. 64 KiB alignment
	PageSize      = 4096
)

// AT_* auxiliary vector tags this loader populates (spec.md §4.8).
const (
	AT_NULL   = 0
	AT_PHDR   = 3
	AT_PHENT  = 4
	AT_PHNUM  = 5
	AT_BASE   = 7
	AT_ENTRY  = 9
	AT_RANDOM = 25
	AT_PAGESZ = 6
	AT_HWCAP  = 16
)

// Mapper is the subset of internal/mmu's Manager this package needs,
// narrowed to an interface so tests can substitute a fake without
// standing up physical memory.
type Mapper interface {
	Map(as *mmu.AddressSpace, va mmu.VAddr, pa pmm.PhysAddr, prot mmu.Prot, size uint64, ownsFrame bool) error
}

// FrameAllocator is the subset of internal/pmm's Manager needed to back
// new segments.
type FrameAllocator interface {
	AllocFrames(n uint64) (pmm.PhysAddr, error)
}

// FrameWriter lets the loader copy file bytes and zero BSS into a
// physical frame range once allocated — on real hardware this would be
// a direct memcpy to the identity-mapped physical address; here it's
// satisfied by internal/kheap-style backing via the PMM's own
// memory-resident simulation (internal/syscall's loadAndExec supplies
// the hosted implementation, which copies into simulated RAM).
type FrameWriter func(pa pmm.PhysAddr, data []byte)

// LoadedImage describes the end state needed to build a thread's initial
// register context and stack.
type LoadedImage struct {
	Entry     uint64 // where execution actually starts (interpreter or program)
	ProgEntry uint64 // the program's own e_entry, for AT_ENTRY
	Phdr      uint64
	Phent     uint64
	Phnum     uint64
	Base      uint64 // load bias applied to the main object
	InterpB   uint64 // interpreter base, or 0
	CodeEnd   uint64
	Brk       uint64
	MmapBase  uint64
}

// Loader loads ELF images into a process address space using the given
// mapper and frame allocator, and optionally a resolver for PT_INTERP
// paths (reading the interpreter's bytes from the VFS).
type Loader struct {
	Map      Mapper
	Alloc    FrameAllocator
	Write    FrameWriter
	ReadFile func(path string) ([]byte, error)

	// PatchWord writes an 8-byte little-endian value at `offset` within
	// the page backed by physical frame `pa`, used to apply RELA
	// relocations after the segment carrying them has been mapped. Left
	// nil, relocations are parsed (for RelocationsFor callers) but not
	// applied in place — used by tests that only check segment loading.
	PatchWord func(pa pmm.PhysAddr, offset uint64, value uint64)
}

// Translator is implemented by internal/mmu.Manager. Loader uses it to
// resolve a relocation's virtual address back to the physical frame
// PatchWord should write into.
type Translator interface {
	Translate(as *mmu.AddressSpace, va mmu.VAddr) (pa pmm.PhysAddr, prot mmu.Prot, ok bool)
}

// ErrUnsupportedELF covers any header mismatch against the AArch64
// little-endian executable/shared-object profile spec.md §4.8 names.
var ErrUnsupportedELF = fmt.Errorf("elfload: unsupported ELF image")

// Load parses and maps `data` (the main executable) into `as`, following
// PT_INTERP if present, and returns the layout needed to construct the
// initial stack.
func (l *Loader) Load(as *mmu.AddressSpace, data []byte) (*LoadedImage, error) {
	f, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedELF, err)
	}
	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB || f.Machine != elf.EM_AARCH64 {
		return nil, fmt.Errorf("%w: not 64-bit little-endian AArch64", ErrUnsupportedELF)
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("%w: type %v is not ET_EXEC or ET_DYN", ErrUnsupportedELF, f.Type)
	}

	base := uint64(0)
	if f.Type == elf.ET_DYN {
		base = DynBase
	}

	codeEnd := uint64(0)
	var phdrVA uint64
	for _, p := range f.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			if err := l.loadSegment(as, p, base); err != nil {
				return nil, err
			}
			end := base + p.Vaddr + p.Memsz
			if end > codeEnd {
				codeEnd = end
			}
		case elf.PT_PHDR:
			phdrVA = base + p.Vaddr
		}
	}
	if phdrVA == 0 {
		// No explicit PT_PHDR: fall back to the load bias. Most compilers
		// place the program headers within the first PT_LOAD segment at
		// e_phoff, but lacking that guarantee here, AT_PHDR degrades to
		// `base` rather than a wrong guess.
		phdrVA = base
	}

	img := &LoadedImage{
		ProgEntry: f.Entry + base,
		Entry:     f.Entry + base,
		Phdr:      phdrVA,
		Phent:     uint64(elfProgramHeaderEntrySize),
		Phnum:     uint64(len(f.Progs)),
		Base:      base,
		CodeEnd:   alignUp(codeEnd, PageSize),
	}
	img.Brk = img.CodeEnd
	img.MmapBase = (img.CodeEnd + MmapGapAfter) &^ mmapAlignMask

	// RELA relocations for a static ET_EXEC. ET_DYN main binaries are
	// self-relocating (musl's startup) per spec.md §4.8 step 4, so those
	// are skipped here.
	if f.Type == elf.ET_EXEC {
		if err := l.applyRelocations(as, f, base); err != nil {
			return nil, err
		}
	}

	interpPath := findInterp(f, data)
	if interpPath != "" {
		if l.ReadFile == nil {
			return nil, fmt.Errorf("elfload: PT_INTERP %q requested but no file resolver configured", interpPath)
		}
		interpData, err := l.ReadFile(interpPath)
		if err != nil {
			return nil, fmt.Errorf("elfload: reading interpreter %q: %w", interpPath, err)
		}
		interpF, err := elf.NewFile(bytes.NewReader(interpData))
		if err != nil {
			return nil, fmt.Errorf("%w: interpreter: %v", ErrUnsupportedELF, err)
		}
		for _, p := range interpF.Progs {
			if p.Type == elf.PT_LOAD {
				if err := l.loadSegment(as, p, InterpBase); err != nil {
					return nil, fmt.Errorf("elfload: loading interpreter segment: %w", err)
				}
			}
		}
		if err := l.applyRelocations(as, interpF, InterpBase); err != nil {
			return nil, fmt.Errorf("elfload: relocating interpreter: %w", err)
		}
		img.InterpB = InterpBase
		img.Entry = interpF.Entry + InterpBase
	}

	return img, nil
}

const elfProgramHeaderEntrySize = 56 // sizeof(Elf64_Phdr)

func (l *Loader) loadSegment(as *mmu.AddressSpace, p *elf.Prog, base uint64) error {
	vaddr := base + p.Vaddr
	segStart := alignDown(vaddr, PageSize)
	segEnd := alignUp(vaddr+p.Memsz, PageSize)
	pages := (segEnd - segStart) / PageSize

	pa, err := l.Alloc.AllocFrames(pages)
	if err != nil {
		return fmt.Errorf("elfload: allocating %d frames for segment at %#x: %w", pages, vaddr, err)
	}

	// File-backed mappings start RW so the loader can copy/zero them,
	// then permissions narrow to the segment's real flags (spec.md §4.8
	// step 2: "File-backed mappings initially RW, then flags narrowed").
	if err := l.Map.Map(as, mmu.VAddr(segStart), pa, mmu.ProtRead|mmu.ProtWrite|mmu.ProtUser, segEnd-segStart, true); err != nil {
		return fmt.Errorf("elfload: mapping segment at %#x: %w", segStart, err)
	}

	if l.Write != nil {
		buf := make([]byte, segEnd-segStart)
		fileData := make([]byte, p.Filesz)
		if _, err := p.ReaderAt.ReadAt(fileData, 0); err != nil && p.Filesz > 0 {
			return fmt.Errorf("elfload: reading segment contents: %w", err)
		}
		copy(buf[vaddr-segStart:], fileData)
		l.Write(pa, buf)
	}

	prot := flagsToProt(p.Flags)
	if err := l.narrowProt(as, segStart, segEnd-segStart, prot); err != nil {
		return err
	}
	return nil
}

// FlagNarrower is implemented by internal/mmu.Manager. Loader calls it,
// when the configured Mapper also implements it, to narrow a segment's
// permissions from the initial load-time RW mapping down to its real
// ELF flags (spec.md §4.8 step 2: "File-backed mappings initially RW,
// then flags narrowed"). A Mapper stub that doesn't implement it (as
// used by tests focused only on the file-copy behavior) simply leaves
// segments mapped RW.
type FlagNarrower interface {
	UpdateFlags(as *mmu.AddressSpace, va mmu.VAddr, length uint64, newProt mmu.Prot) error
}

func (l *Loader) narrowProt(as *mmu.AddressSpace, start, size uint64, prot mmu.Prot) error {
	n, ok := l.Map.(FlagNarrower)
	if !ok {
		return nil
	}
	if err := n.UpdateFlags(as, mmu.VAddr(start), size, prot); err != nil {
		return fmt.Errorf("elfload: narrowing segment permissions at %#x: %w", start, err)
	}
	return nil
}

func flagsToProt(f elf.ProgFlag) mmu.Prot {
	var p mmu.Prot = mmu.ProtUser
	if f&elf.PF_R != 0 {
		p |= mmu.ProtRead
	}
	if f&elf.PF_W != 0 {
		p |= mmu.ProtWrite
	}
	if f&elf.PF_X != 0 {
		p |= mmu.ProtExec
	}
	return p
}

// applyRelocations walks .rela sections and applies RELATIVE, GLOB_DAT,
// JUMP_SLOT, and ABS64 relocations (spec.md §4.8 step 3/4). RELATIVE
// relocations are always resolvable without a symbol table (value =
// base + addend); GLOB_DAT/JUMP_SLOT/ABS64 would need the dynamic symbol
// table to resolve an external symbol, which statically-linked kestrel
// guest binaries never reference, so they fall back to the same
// base+addend computation used for RELATIVE.
func (l *Loader) applyRelocations(as *mmu.AddressSpace, f *elf.File, base uint64) error {
	if l.PatchWord == nil {
		return nil
	}
	tr, ok := l.Map.(Translator)
	if !ok {
		return nil
	}
	entries, err := RelocationsFor(f, base)
	if err != nil {
		return fmt.Errorf("elfload: parsing relocations: %w", err)
	}
	for _, e := range entries {
		switch e.Kind {
		case elf.R_AARCH64_RELATIVE, elf.R_AARCH64_GLOB_DAT, elf.R_AARCH64_JUMP_SLOT, elf.R_AARCH64_ABS64:
			pageVA := alignDown(e.Addr, PageSize)
			pa, _, ok := tr.Translate(as, mmu.VAddr(pageVA))
			if !ok {
				return fmt.Errorf("elfload: relocation at %#x targets an unmapped page", e.Addr)
			}
			l.PatchWord(pa, e.Addr-pageVA, base+uint64(e.Add))
		}
	}
	return nil
}

// RelocEntry is one relocation the caller must apply after mapping, kept
// as data rather than performed in-place because this package has no
// access to live guest memory outside the Map/Write hooks.
type RelocEntry struct {
	Addr uint64
	Kind elf.R_AARCH64
	Sym  uint64
	Add  int64
}

// RelocationsFor extracts RELA entries for f's dynamic relocation
// sections (.rela.dyn, .rela.plt), applying `base` as the load bias.
// Kinds outside {RELATIVE, GLOB_DAT, JUMP_SLOT, ABS64} are returned
// as-is; callers must only act on the four spec.md §4.8 names.
func RelocationsFor(f *elf.File, base uint64) ([]RelocEntry, error) {
	var out []RelocEntry
	for _, name := range []string{".rela.dyn", ".rela.plt"} {
		sec := f.Section(name)
		if sec == nil {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("elfload: reading %s: %w", name, err)
		}
		const relaEntSize = 24
		for off := 0; off+relaEntSize <= len(data); off += relaEntSize {
			addr := binary.LittleEndian.Uint64(data[off:])
			info := binary.LittleEndian.Uint64(data[off+8:])
			addend := int64(binary.LittleEndian.Uint64(data[off+16:]))
			kind := elf.R_AARCH64(info & 0xffffffff)
			sym := info >> 32
			out = append(out, RelocEntry{Addr: base + addr, Kind: kind, Sym: sym, Add: addend})
		}
	}
	return out, nil
}

func findInterp(f *elf.File, raw []byte) string {
	for _, p := range f.Progs {
		if p.Type == elf.PT_INTERP {
			buf := make([]byte, p.Filesz)
			if _, err := p.ReaderAt.ReadAt(buf, 0); err != nil {
				return ""
			}
			return string(bytes.TrimRight(buf, "\x00"))
		}
	}
	return ""
}

func alignUp(v, align uint64) uint64   { return (v + align - 1) &^ (align - 1) }
func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }

// StackImage is the fully-built initial stack contents plus the SP to
// hand off with, ready for the caller to write into the mapped stack
// pages and install in the thread's register context.
type StackImage struct {
	SP    uint64
	Bytes []byte // to be written starting at StackBottom
}

// BuildStack lays out argv/envp strings, the auxiliary vector, and the
// System V AArch64 initial stack frame per spec.md §4.8 step 6.
func BuildStack(img *LoadedImage, argv, envp []string) (*StackImage, error) {
	var randBytes [16]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		return nil, fmt.Errorf("elfload: generating AT_RANDOM entropy: %w", err)
	}

	buf := make([]byte, StackSize)
	// Strings grow down from the top of the region; pointers are
	// recorded as we go and the frame (argc/argv/envp/auxv) is written
	// once every string's final address is known.
	cursor := StackSize

	writeString := func(s string) uint64 {
		n := len(s) + 1
		cursor -= n
		cursor &^= 0 // no extra alignment required per-string
		copy(buf[cursor:], s)
		buf[cursor+len(s)] = 0
		return StackBottom + uint64(cursor)
	}

	randVA := func() uint64 {
		cursor -= 16
		copy(buf[cursor:cursor+16], randBytes[:])
		return StackBottom + uint64(cursor)
	}()

	argvPtrs := make([]uint64, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		argvPtrs[i] = writeString(argv[i])
	}
	envpPtrs := make([]uint64, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		envpPtrs[i] = writeString(envp[i])
	}

	// Round down to 16-byte alignment before laying out the pointer/aux
	// frame, per spec.md §4.8 step 6 ("Align SP to 16 bytes").
	cursor &^= 0xF

	type auxEntry struct{ tag, val uint64 }
	auxv := []auxEntry{
		{AT_PAGESZ, PageSize},
		{AT_PHDR, img.Phdr},
		{AT_PHENT, img.Phent},
		{AT_PHNUM, img.Phnum},
		{AT_ENTRY, img.ProgEntry},
		{AT_BASE, img.InterpB},
		{AT_RANDOM, randVA},
		{AT_HWCAP, 0}, // no optional AArch64 feature bits advertised
		{AT_NULL, 0},
	}

	frameWords := 1 /*argc*/ + len(argvPtrs) + 1 /*NULL*/ + len(envpPtrs) + 1 /*NULL*/ + len(auxv)*2
	frameBytes := frameWords * 8
	cursor -= frameBytes
	cursor &^= 0xF

	w := cursor
	putWord := func(v uint64) {
		binary.LittleEndian.PutUint64(buf[w:], v)
		w += 8
	}

	putWord(uint64(len(argv)))
	for _, p := range argvPtrs {
		putWord(p)
	}
	putWord(0)
	for _, p := range envpPtrs {
		putWord(p)
	}
	putWord(0)
	for _, a := range auxv {
		putWord(a.tag)
		putWord(a.val)
	}

	sp := StackBottom + uint64(cursor)
	if sp%16 != 0 {
		return nil, fmt.Errorf("elfload: internal error: built SP %#x is not 16-byte aligned", sp)
	}

	return &StackImage{SP: sp, Bytes: buf}, nil
}
