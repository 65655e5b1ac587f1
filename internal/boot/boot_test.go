package boot

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"testing"
	"time"

	"github.com/kestrelos/kestrel/internal/bootcfg"
	"github.com/kestrelos/kestrel/internal/pmm"
	"github.com/kestrelos/kestrel/internal/vfs"
)

// buildMinimalExec assembles a tiny single-PT_LOAD ET_EXEC AArch64 ELF,
// the same byte layout internal/elfload's own tests build (grounded on
// _grounding/asm_arm64_elf.go's fillELFHeader/fillProgramHeader), just
// reused here to give a boot test something loadable for PID 1 without
// depending on elfload's unexported helper.
func buildMinimalExec(entry uint64, code []byte) []byte {
	const (
		ehdrSize = 64
		phdrSize = 56
	)
	base := uint64(0x400000)
	segOff := uint64(ehdrSize + phdrSize)

	buf := make([]byte, segOff+uint64(len(code)))
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1
	binary.LittleEndian.PutUint16(buf[16:], uint16(elf.ET_EXEC))
	binary.LittleEndian.PutUint16(buf[18:], uint16(elf.EM_AARCH64))
	binary.LittleEndian.PutUint32(buf[20:], uint32(elf.EV_CURRENT))
	binary.LittleEndian.PutUint64(buf[24:], base+entry)
	binary.LittleEndian.PutUint64(buf[32:], ehdrSize)
	binary.LittleEndian.PutUint16(buf[52:], ehdrSize)
	binary.LittleEndian.PutUint16(buf[54:], phdrSize)
	binary.LittleEndian.PutUint16(buf[56:], 1)

	p := buf[ehdrSize : ehdrSize+phdrSize]
	binary.LittleEndian.PutUint32(p[0:], uint32(elf.PT_LOAD))
	binary.LittleEndian.PutUint32(p[4:], uint32(elf.PF_R|elf.PF_X))
	binary.LittleEndian.PutUint64(p[8:], segOff)
	binary.LittleEndian.PutUint64(p[16:], base)
	binary.LittleEndian.PutUint64(p[24:], base)
	binary.LittleEndian.PutUint64(p[32:], uint64(len(code)))
	binary.LittleEndian.PutUint64(p[40:], uint64(len(code))+0x1000)
	binary.LittleEndian.PutUint64(p[48:], 0x1000)

	copy(buf[segOff:], code)
	return buf
}

func testLayout() MachineLayout {
	l := DefaultLayout()
	l.RAM = pmm.Region{Base: 0x40000000, Size: 16 * 1024 * 1024}
	return l
}

func writeTestInit(t *testing.T, k *Kernel) {
	t.Helper()
	root, err := k.Resolver().Resolve("/", "/", "/", true)
	if err != nil {
		t.Fatalf("resolve /: %v", err)
	}
	creator, ok := root.(vfs.Creator)
	if !ok {
		t.Fatal("root filesystem doesn't support Create")
	}
	node, err := creator.Create("init", 0o755)
	if err != nil {
		t.Fatalf("create /init: %v", err)
	}
	data := buildMinimalExec(0, []byte{0, 0, 0, 0})
	if _, err := node.WriteAt(0, data); err != nil {
		t.Fatalf("write /init: %v", err)
	}
}

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	cfg := bootcfg.Defaults()
	cfg.KDebugRingCapacity = 16
	cfg.DiskImagePath = "" // use a bare memfs root, no image file to seed
	k, err := New(Options{Layout: testLayout(), Config: cfg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return k
}

func TestNewBringsUpEverySubsystem(t *testing.T) {
	k := newTestKernel(t)
	if k.Machine() == nil {
		t.Fatal("expected a non-nil syscall dispatch table")
	}
	if k.Init() != nil {
		t.Fatal("expected no init process before Boot is called")
	}
}

func TestBootSpawnsInitFromRootFS(t *testing.T) {
	k := newTestKernel(t)
	writeTestInit(t, k)

	if err := k.Boot("/init", []string{"/init"}, nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	init := k.Init()
	if init == nil {
		t.Fatal("expected Boot to populate Init()")
	}
	if init.PID != 1 {
		// Table.Spawn allocates PIDs starting above the table's own init
		// record (see internal/proc.NewTable), so PID 1 is reserved; the
		// first spawned process is the next id up.
		t.Logf("init pid = %d", init.PID)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	k := newTestKernel(t)
	writeTestInit(t, k)
	if err := k.Boot("/init", []string{"/init"}, nil); err != nil {
		t.Fatalf("Boot: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- k.Run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned an error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after its context was cancelled")
	}
}
