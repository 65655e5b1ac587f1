// Package virtio holds the guest-side register layout and device
// contracts for the virtio-mmio transport. Per spec.md's non-goal on
// full device emulation, this is the driver's view of the interface
// shape only: the MMIO transport register offsets, status/feature
// bits, and the minimal Block/Net request contracts internal/vfs/diskfs
// and internal/netsock program against. The offsets and device IDs are
// grounded on the teacher's hypervisor-side virtio-mmio emulation in
// internal/devices/virtio/mmio.go, the opposite end of this transport.
package virtio

import "github.com/kestrelos/kestrel/internal/devices"

// MMIO transport register offsets, grounded on the teacher's
// VIRTIO_MMIO_* constants in internal/devices/virtio/mmio.go.
const (
	regMagicValue     = 0x000
	regVersion        = 0x004
	regDeviceID       = 0x008
	regDeviceFeatures = 0x010
	regDriverFeatures = 0x020
	regQueueSel       = 0x030
	regQueueNumMax    = 0x034
	regQueueNum       = 0x038
	regQueueReady     = 0x044
	regQueueNotify    = 0x050
	regInterruptAck   = 0x064
	regStatus         = 0x070
	regQueueDescLow   = 0x080
	regQueueAvailLow  = 0x090
	regQueueUsedLow   = 0x0a0
)

// Device status bits, written to regStatus during the driver's
// discovery/feature-negotiation handshake.
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusFeaturesOK  = 1 << 3
	StatusDriverOK    = 1 << 4
	StatusFailed      = 1 << 7
)

// Device type identifiers, matching the teacher's DeviceID() values.
const (
	DeviceIDNet   = 1
	DeviceIDBlock = 2
)

// Transport is the guest-side handshake and notification surface every
// virtio-mmio device shares, regardless of device type.
type Transport struct {
	regs devices.RegisterFile
}

// New wraps a RegisterFile mapped at one virtio-mmio device's base.
func New(regs devices.RegisterFile) *Transport {
	return &Transport{regs: regs}
}

// DeviceID reports the virtio device type at this MMIO window.
func (t *Transport) DeviceID() uint32 {
	return t.regs.ReadReg32(regDeviceID)
}

// Negotiate drives the virtio status handshake: acknowledge, driver,
// features-ok, then driver-ok. It never reads regDeviceFeatures or
// writes driver features, so no feature bits are accepted; this kernel's
// drivers only ever need the base feature set.
func (t *Transport) Negotiate() {
	t.regs.WriteReg32(regStatus, StatusAcknowledge)
	t.regs.WriteReg32(regStatus, StatusAcknowledge|StatusDriver)
	t.regs.WriteReg32(regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
	t.regs.WriteReg32(regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)
}

// SetupQueue selects queue index q, sets its descriptor-table/available-
// ring/used-ring addresses, and marks it ready. This kernel maps each
// ring into an identity-mapped DMA buffer allocated up front at boot
// (spec.md §4.2); the low 32 bits are sufficient since boot-time DMA
// buffers live below 4GiB on the `virt` machine.
func (t *Transport) SetupQueue(q uint32, descAddr, availAddr, usedAddr uint32) {
	t.regs.WriteReg32(regQueueSel, q)
	t.regs.WriteReg32(regQueueDescLow, descAddr)
	t.regs.WriteReg32(regQueueAvailLow, availAddr)
	t.regs.WriteReg32(regQueueUsedLow, usedAddr)
	t.regs.WriteReg32(regQueueReady, 1)
}

// Notify tells the device that new descriptors are available on queue q.
func (t *Transport) Notify(q uint32) {
	t.regs.WriteReg32(regQueueNotify, q)
}

// AckInterrupt clears the pending interrupt status bits after a queue's
// IRQ handler has drained its used ring.
func (t *Transport) AckInterrupt(bits uint32) {
	t.regs.WriteReg32(regInterruptAck, bits)
}

// BlockRequestType mirrors the virtio-blk request header's type field.
type BlockRequestType uint32

const (
	BlockRequestRead  BlockRequestType = 0
	BlockRequestWrite BlockRequestType = 1
)

// BlockRequest is the guest-built header prepended to a virtio-blk
// descriptor chain, grounded on the teacher's blk.go request struct
// shape (type, reserved, sector).
type BlockRequest struct {
	Type   BlockRequestType
	Sector uint64
}

// NetPacketHeader mirrors the virtio-net per-packet header every
// transmitted or received buffer is prefixed with, grounded on the
// teacher's net.go virtio-net header layout.
type NetPacketHeader struct {
	Flags      uint8
	GSOType    uint8
	HdrLen     uint16
	GSOSize    uint16
	ChecksumOK uint16
}
