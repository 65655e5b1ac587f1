package rtc

import (
	"testing"

	"github.com/kestrelos/kestrel/internal/devices"
)

func TestSecondsReadsDataRegister(t *testing.T) {
	regs := devices.NewFakeRegisterFile()
	regs.WriteReg32(regDR, 1700000000)
	r := New(regs)

	if got := r.Seconds(); got != 1700000000 {
		t.Fatalf("expected 1700000000, got %d", got)
	}
}

func TestSetSecondsWritesLoadRegister(t *testing.T) {
	regs := devices.NewFakeRegisterFile()
	r := New(regs)

	r.SetSeconds(42)
	if got := regs.ReadReg32(regLR); got != 42 {
		t.Fatalf("expected LR=42, got %d", got)
	}
}

func TestInitEnablesCounter(t *testing.T) {
	regs := devices.NewFakeRegisterFile()
	r := New(regs)
	r.Init()

	if regs.ReadReg32(regCR)&crEN == 0 {
		t.Fatal("expected CR_EN set after Init")
	}
}
