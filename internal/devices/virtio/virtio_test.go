package virtio

import (
	"testing"

	"github.com/kestrelos/kestrel/internal/devices"
)

func TestDeviceIDReadsRegister(t *testing.T) {
	regs := devices.NewFakeRegisterFile()
	regs.WriteReg32(regDeviceID, DeviceIDBlock)
	tr := New(regs)

	if got := tr.DeviceID(); got != DeviceIDBlock {
		t.Fatalf("expected DeviceIDBlock, got %d", got)
	}
}

func TestNegotiateEndsWithDriverOK(t *testing.T) {
	regs := devices.NewFakeRegisterFile()
	tr := New(regs)
	tr.Negotiate()

	want := uint32(StatusAcknowledge | StatusDriver | StatusFeaturesOK | StatusDriverOK)
	if got := regs.ReadReg32(regStatus); got != want {
		t.Fatalf("expected status %#x, got %#x", want, got)
	}
}

func TestSetupQueueWritesRingAddresses(t *testing.T) {
	regs := devices.NewFakeRegisterFile()
	tr := New(regs)
	tr.SetupQueue(0, 0x1000, 0x2000, 0x3000)

	if regs.ReadReg32(regQueueSel) != 0 {
		t.Fatal("expected queue 0 selected")
	}
	if regs.ReadReg32(regQueueDescLow) != 0x1000 {
		t.Fatal("expected desc table address written")
	}
	if regs.ReadReg32(regQueueReady) != 1 {
		t.Fatal("expected queue marked ready")
	}
}

func TestNotifyWritesQueueIndex(t *testing.T) {
	regs := devices.NewFakeRegisterFile()
	tr := New(regs)
	tr.Notify(3)

	if got := regs.ReadReg32(regQueueNotify); got != 3 {
		t.Fatalf("expected notify register to hold 3, got %d", got)
	}
}
