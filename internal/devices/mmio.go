// Package devices holds the register-level shapes of the memory-mapped
// peripherals this kernel drives directly: the GIC interrupt controller,
// the PL011 UART, the PL031 RTC, and the VirtIO transport's device-facing
// contracts. Per spec.md's non-goals, full device *emulation* is out of
// scope — these are the guest-side drivers a real kernel would run
// against those devices' register layouts, kept to the interface shapes
// the rest of the kernel calls through, grounded on the teacher's own
// hypervisor-side emulations of the same hardware (which define the
// authoritative register offsets this driver side reads and writes).
package devices

import "fmt"

// RegisterFile is the raw MMIO access a device driver needs: 32-bit
// register read/write at a byte offset from the device's base address.
// Production kestrel backs this with a direct volatile memory access
// over the identity-mapped device MMIO window (spec.md §4.2: "Device
// MMIO... mapped only in the boot page tables"); tests back it with an
// in-memory register file.
type RegisterFile interface {
	ReadReg32(offset uint64) uint32
	WriteReg32(offset uint64, val uint32)
}

// FakeRegisterFile is an in-memory RegisterFile for unit tests, the
// MMIO-side analogue of diskfs's MemBlockDevice.
type FakeRegisterFile struct {
	regs map[uint64]uint32
}

// NewFakeRegisterFile returns an empty register file; unset offsets read
// as zero, matching a freshly reset device.
func NewFakeRegisterFile() *FakeRegisterFile {
	return &FakeRegisterFile{regs: make(map[uint64]uint32)}
}

func (f *FakeRegisterFile) ReadReg32(offset uint64) uint32 {
	return f.regs[offset]
}

func (f *FakeRegisterFile) WriteReg32(offset uint64, val uint32) {
	f.regs[offset] = val
}

// ErrUnsupportedAccessWidth is returned by drivers that only expose
// word-aligned 32-bit register access to a caller requesting otherwise.
var ErrUnsupportedAccessWidth = fmt.Errorf("devices: only 32-bit register access is supported")
