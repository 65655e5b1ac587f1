// Package boot wires every kernel subsystem together into a running
// Kernel and drives its hybrid main loop. There is no real device tree
// anywhere in this exercise — the teacher only ever builds FDT blobs to
// hand to a guest (internal/fdt does not exist in this repo; the
// teacher's own DTB construction lives purely on the host side of a
// hypervisor boundary this kernel doesn't have) — so device discovery
// here is MachineLayout: a fixed description of the one board this
// kernel targets, the ARM `virt` machine spec.md §2 names, rather than a
// byte-stream parser for a table nothing in the retrieval pack ever
// reads from the guest side.
package boot

import (
	"github.com/kestrelos/kestrel/internal/devices/gic"
	"github.com/kestrelos/kestrel/internal/devices/rtc"
	"github.com/kestrelos/kestrel/internal/devices/uart"
	"github.com/kestrelos/kestrel/internal/pmm"
)

// MachineLayout describes the fixed hardware this kernel boots on: one
// RAM region and the MMIO base addresses of its interrupt controller,
// console, and real-time clock. Values are the ARM `virt` machine's
// standard layout (the same one the teacher's own VGIC/GICv2 constants
// target from the hypervisor side).
type MachineLayout struct {
	RAM pmm.Region

	GICDistributorBase  uint64
	GICCPUInterfaceBase uint64
	UARTBase            uint64
	RTCBase             uint64
}

// DefaultLayout is the single board this kernel supports: 128 MiB of RAM
// starting at 0x4000_0000 (spec.md §3's physical frame model), with the
// GICv2, PL011, and PL031
// at their standard `virt` machine offsets.
func DefaultLayout() MachineLayout {
	return MachineLayout{
		RAM: pmm.Region{Base: 0x40000000, Size: 128 * 1024 * 1024},

		GICDistributorBase:  gic.DistributorBase,
		GICCPUInterfaceBase: gic.CPUInterfaceBase,
		UARTBase:            uart.DefaultBase,
		RTCBase:             rtc.DefaultBase,
	}
}
