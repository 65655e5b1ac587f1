// Package uart drives the guest side of a PL011 UART, the kernel's
// console and boot-time log sink before the SSH server (out of scope
// per spec.md) takes over interactive sessions. Register offsets and
// the TX-empty/RX-empty flag bits are grounded directly on
// _grounding/pl011_device.go's pl011Reg* constants, read from the
// opposite side of the same wire.
package uart

import "github.com/kestrelos/kestrel/internal/devices"

const (
	regDR   = 0x00
	regFR   = 0x18
	regIBRD = 0x24
	regFBRD = 0x28
	regLCRH = 0x2c
	regCR   = 0x30
	regIMSC = 0x38
	regICR  = 0x44

	flagTxFull  = 1 << 5
	flagRxEmpty = 1 << 4

	crUARTEN = 1 << 0
	crTXE    = 1 << 8
	crRXE    = 1 << 9

	// DefaultBase is the PL011 UART's MMIO base on the ARM `virt` machine.
	DefaultBase = 0x09000000
)

// UART is a PL011 driver: byte-oriented transmit/receive plus the RX
// interrupt this kernel uses to wake a blocked read.
type UART struct {
	regs devices.RegisterFile
}

// New wraps a RegisterFile already mapped at the UART's MMIO base.
func New(regs devices.RegisterFile) *UART {
	return &UART{regs: regs}
}

// Init enables the UART for both transmit and receive.
func (u *UART) Init() {
	u.regs.WriteReg32(regLCRH, 0x70) // 8 bits, FIFO enabled
	u.regs.WriteReg32(regCR, crUARTEN|crTXE|crRXE)
	u.regs.WriteReg32(regIMSC, 1<<4) // unmask RX interrupt
}

// WriteByte blocks (by busy-polling TXFF) until the transmit FIFO has
// room, then writes one byte. A real kernel build replaces the busy
// loop with a wait-queue park on the TX-ready interrupt; that refinement
// is left for the IRQ-driven console path irq.Dispatch already supports.
func (u *UART) WriteByte(b byte) {
	for u.regs.ReadReg32(regFR)&flagTxFull != 0 {
	}
	u.regs.WriteReg32(regDR, uint32(b))
}

// WriteString writes every byte of s in order.
func (u *UART) WriteString(s string) {
	for i := 0; i < len(s); i++ {
		u.WriteByte(s[i])
	}
}

// ReadByte returns the next received byte and ok=true, or ok=false if
// the receive FIFO is currently empty.
func (u *UART) ReadByte() (b byte, ok bool) {
	if u.regs.ReadReg32(regFR)&flagRxEmpty != 0 {
		return 0, false
	}
	return byte(u.regs.ReadReg32(regDR)), true
}

// AckInterrupt clears every pending interrupt status bit, called by the
// UART's registered IRQ handler after draining the RX FIFO.
func (u *UART) AckInterrupt() {
	u.regs.WriteReg32(regICR, 0x7FF)
}
