// Package gic drives the guest-facing side of an ARM GICv2: reading the
// CPU interface's acknowledge register to learn which interrupt fired,
// and writing its end-of-interrupt register once the handler completes.
// Distributor/CPU-interface base addresses and sizes are grounded on
// _grounding/kvm_arm64_vgic.go's arm64VGICDistributorBase/
// arm64VGICv2CpuInterfaceBase constants (the hypervisor side that
// presents this same layout to the guest); the register offsets within
// the CPU interface are the standard GICv2 layout the teacher's vgic
// setup targets.
package gic

import "github.com/kestrelos/kestrel/internal/devices"

// Default MMIO geometry for the ARM `virt` machine's GICv2, matching
// _grounding/kvm_arm64_vgic.go's distributor/CPU-interface constants.
const (
	DistributorBase    = 0x08000000
	DistributorSize    = 0x00010000
	CPUInterfaceBase   = 0x08010000
	CPUInterfaceSize   = 0x00002000
)

// GICv2 distributor register offsets (from DistributorBase).
const (
	gicdCtlr        = 0x000
	gicdIsenablerN  = 0x100 // + 4*(irq/32)
)

// GICv2 CPU interface register offsets (from CPUInterfaceBase).
const (
	giccCtlr = 0x00
	giccPMR  = 0x04
	giccIAR  = 0x0C // interrupt acknowledge register
	giccEOIR = 0x10 // end of interrupt register
)

// SpuriousIRQ is the GICv2 sentinel ID returned by IAR when no interrupt
// is pending.
const SpuriousIRQ = 1023

// GIC is the kernel-side driver for one GICv2 instance: a distributor
// register window and a CPU interface register window.
type GIC struct {
	dist devices.RegisterFile
	cpu  devices.RegisterFile
}

// New wraps the distributor and CPU interface register windows. Boot
// code maps both windows into the boot page tables (spec.md §4.2) and
// hands the resulting RegisterFile views here.
func New(dist, cpu devices.RegisterFile) *GIC {
	return &GIC{dist: dist, cpu: cpu}
}

// Init enables the distributor and CPU interface and unmasks every
// priority, the minimum setup a guest kernel performs before interrupts
// can be taken at all.
func (g *GIC) Init() {
	g.dist.WriteReg32(gicdCtlr, 1)
	g.cpu.WriteReg32(giccPMR, 0xFF)
	g.cpu.WriteReg32(giccCtlr, 1)
}

// Enable unmasks delivery of IRQ `irq` at the distributor.
func (g *GIC) Enable(irq uint32) {
	reg := gicdIsenablerN + 4*(irq/32)
	bit := uint32(1) << (irq % 32)
	g.dist.WriteReg32(uint64(reg), g.dist.ReadReg32(uint64(reg))|bit)
}

// Ack reads the acknowledge register and returns the interrupt ID that
// fired, or ok=false if the read was spurious (spec.md §4.8: "the GIC
// acknowledges the interrupt ID" is step one of IRQ dispatch).
func (g *GIC) Ack() (irq uint32, ok bool) {
	v := g.cpu.ReadReg32(giccIAR)
	if v == SpuriousIRQ {
		return 0, false
	}
	return v, true
}

// EOI signals completion of handling irq, letting the GIC deliver the
// next pending interrupt of equal or lower priority.
func (g *GIC) EOI(irq uint32) {
	g.cpu.WriteReg32(giccEOIR, irq)
}
