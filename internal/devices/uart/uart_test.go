package uart

import (
	"testing"

	"github.com/kestrelos/kestrel/internal/devices"
)

func TestWriteByteWritesToDataRegister(t *testing.T) {
	regs := devices.NewFakeRegisterFile()
	u := New(regs)

	u.WriteByte('A')
	if got := regs.ReadReg32(regDR); got != 'A' {
		t.Fatalf("expected DR to hold 'A', got %d", got)
	}
}

func TestWriteStringWritesEveryByte(t *testing.T) {
	regs := devices.NewFakeRegisterFile()
	u := New(regs)

	u.WriteString("hi")
	if got := regs.ReadReg32(regDR); got != 'i' {
		t.Fatalf("expected DR to hold last byte 'i', got %d", got)
	}
}

func TestReadByteReportsEmptyFIFO(t *testing.T) {
	regs := devices.NewFakeRegisterFile()
	regs.WriteReg32(regFR, flagRxEmpty)
	u := New(regs)

	if _, ok := u.ReadByte(); ok {
		t.Fatal("expected ok=false when RXFE is set")
	}
}

func TestReadByteReturnsPendingByte(t *testing.T) {
	regs := devices.NewFakeRegisterFile()
	regs.WriteReg32(regDR, 'z')
	u := New(regs)

	b, ok := u.ReadByte()
	if !ok || b != 'z' {
		t.Fatalf("expected ('z', true), got (%q, %v)", b, ok)
	}
}

func TestInitEnablesUARTAndInterrupt(t *testing.T) {
	regs := devices.NewFakeRegisterFile()
	u := New(regs)
	u.Init()

	if regs.ReadReg32(regCR)&crUARTEN == 0 {
		t.Fatal("expected UARTEN set after Init")
	}
	if regs.ReadReg32(regIMSC)&(1<<4) == 0 {
		t.Fatal("expected RX interrupt unmasked after Init")
	}
}

func TestAckInterruptClearsStatus(t *testing.T) {
	regs := devices.NewFakeRegisterFile()
	u := New(regs)
	u.AckInterrupt()

	if regs.ReadReg32(regICR) != 0x7FF {
		t.Fatalf("expected ICR fully cleared, got %#x", regs.ReadReg32(regICR))
	}
}
