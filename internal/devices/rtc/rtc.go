// Package rtc drives the guest side of a PL031 real-time clock: reading
// the wall-clock seconds counter the host's hypervisor emulates. Register
// offsets are grounded on the teacher's own PL031 emulation in
// internal/devices/pl031/pl031.go, read from the opposite side of the
// same MMIO window this driver addresses.
package rtc

import "github.com/kestrelos/kestrel/internal/devices"

const (
	regDR   = 0x00
	regMR   = 0x04
	regLR   = 0x08
	regCR   = 0x0c
	regIMSC = 0x10
	regRIS  = 0x14
	regICR  = 0x1c

	crEN = 1 << 0

	// DefaultBase is the PL031's MMIO base on the ARM `virt` machine.
	DefaultBase = 0x09010000
)

// RTC is a PL031 driver exposing the wall-clock seconds counter used to
// seed the microsecond Unix timestamp internal/timer maintains.
type RTC struct {
	regs devices.RegisterFile
}

// New wraps a RegisterFile already mapped at the RTC's MMIO base.
func New(regs devices.RegisterFile) *RTC {
	return &RTC{regs: regs}
}

// Init enables the counter.
func (r *RTC) Init() {
	r.regs.WriteReg32(regCR, crEN)
}

// Seconds returns the RTC's current wall-clock seconds-since-epoch
// value, the DR register's free-running counter.
func (r *RTC) Seconds() uint32 {
	return r.regs.ReadReg32(regDR)
}

// SetSeconds loads the counter with an absolute seconds-since-epoch
// value by writing the load register.
func (r *RTC) SetSeconds(sec uint32) {
	r.regs.WriteReg32(regLR, sec)
}
