package mmu

import (
	"testing"

	"github.com/kestrelos/kestrel/internal/pmm"
)

func newTestManager(t *testing.T) (*Manager, *pmm.Manager) {
	t.Helper()
	pm, err := pmm.New(pmm.Region{Base: 0x48000000, Size: 4 << 20}, nil)
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	return New(pm), pm
}

func TestMapThenTranslate(t *testing.T) {
	m, pm := newTestManager(t)
	as, err := m.NewAddressSpace()
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}

	frame, err := pm.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}

	const va = VAddr(0x10000000)
	if err := m.Map(as, va, frame, ProtRead|ProtWrite|ProtUser, pageSize, true); err != nil {
		t.Fatalf("Map: %v", err)
	}

	pa, prot, ok := m.Translate(as, va)
	if !ok {
		t.Fatal("expected translation to succeed")
	}
	if pa != frame {
		t.Fatalf("expected pa %#x, got %#x", frame, pa)
	}
	if prot&ProtWrite == 0 {
		t.Fatal("expected ProtWrite to be set")
	}
}

func TestMapTwiceFails(t *testing.T) {
	m, pm := newTestManager(t)
	as, _ := m.NewAddressSpace()
	frame, _ := pm.AllocFrame()

	const va = VAddr(0x10001000)
	if err := m.Map(as, va, frame, ProtRead, pageSize, true); err != nil {
		t.Fatalf("first Map: %v", err)
	}
	if err := m.Map(as, va, frame, ProtRead, pageSize, true); err == nil {
		t.Fatal("expected second Map at the same VA to fail")
	}
}

func TestUnmapFreesOwnedFrame(t *testing.T) {
	m, pm := newTestManager(t)
	as, _ := m.NewAddressSpace()

	frame, _ := pm.AllocFrame()
	const va = VAddr(0x10002000)
	if err := m.Map(as, va, frame, ProtRead|ProtWrite, pageSize, true); err != nil {
		t.Fatalf("Map: %v", err)
	}
	// Map allocated the intermediate tables for va; Unmap keeps those and
	// returns only the owned leaf frame.
	before := pm.Stats().Free
	if err := m.Unmap(as, va, pageSize); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, _, ok := m.Translate(as, va); ok {
		t.Fatal("expected translation to fail after unmap")
	}
	after := pm.Stats().Free
	if after != before+1 {
		t.Fatalf("expected the owned frame to be returned to the PMM: before=%d after=%d", before, after)
	}
}

func TestUpdateFlagsChangesPermissionsInPlace(t *testing.T) {
	m, pm := newTestManager(t)
	as, _ := m.NewAddressSpace()
	frame, _ := pm.AllocFrame()
	const va = VAddr(0x10003000)

	if err := m.Map(as, va, frame, ProtRead|ProtWrite, pageSize, true); err != nil {
		t.Fatalf("Map: %v", err)
	}
	if err := m.UpdateFlags(as, va, pageSize, ProtRead|ProtExec); err != nil {
		t.Fatalf("UpdateFlags: %v", err)
	}
	_, prot, ok := m.Translate(as, va)
	if !ok {
		t.Fatal("expected mapping to still be present")
	}
	if prot&ProtWrite != 0 {
		t.Fatal("expected ProtWrite to be cleared")
	}
	if prot&ProtExec == 0 {
		t.Fatal("expected ProtExec to be set")
	}

	// mprotect round trip back to RW must restore observable permissions
	// (spec.md §8 round-trip law).
	if err := m.UpdateFlags(as, va, pageSize, ProtRead|ProtWrite); err != nil {
		t.Fatalf("UpdateFlags back to RW: %v", err)
	}
	_, prot, _ = m.Translate(as, va)
	if prot != ProtRead|ProtWrite {
		t.Fatalf("expected RW after round trip, got %v", prot)
	}
}

func TestFromProtTranslatesLinuxBits(t *testing.T) {
	const ( // linux PROT_READ|PROT_WRITE|PROT_EXEC
		protRead  = 0x1
		protWrite = 0x2
		protExec  = 0x4
	)
	got := FromProt(protRead | protWrite)
	if got&ProtRead == 0 || got&ProtWrite == 0 || got&ProtExec != 0 {
		t.Fatalf("unexpected translation: %v", got)
	}
	got = FromProt(protExec)
	if got&ProtExec == 0 {
		t.Fatalf("expected ProtExec to be set: %v", got)
	}
}
