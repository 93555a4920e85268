// Package virtio implements the virtio 1.x transport core: the PCI-attached
// MMIO register model, MSI-X interrupt delivery, the per-device worker
// thread, and the device-implementation contract concrete virtio devices
// are written against. The virtqueue descriptor-ring decoder, guest memory
// mapping, PCI config-space container, and hypervisor kick-fd registration
// are external collaborators, consumed through the hv, pci, and ring
// packages.
package virtio

import (
	"github.com/tinyrange/virtio-core/hv"
	"github.com/tinyrange/virtio-core/ring"
)

// NoVector is the MSI-X "unassigned" sentinel for both the config vector
// and per-queue vectors.
const NoVector uint16 = 0xFFFF

// DeviceClass identifies a virtio device kind. It determines the PCI
// device id and class/subclass the transport advertises.
type DeviceClass uint16

const (
	DeviceClassReserved DeviceClass = iota
	DeviceClassNet
	DeviceClassBlock
	DeviceClassConsole
	DeviceClassEntropy
	DeviceClassBalloon
	DeviceClassFilesystem
	DeviceClassSocket
)

// virtioPCIDeviceIDBase is added to a DeviceClass to form the PCI device id,
// per the virtio-pci transport specification.
const virtioPCIDeviceIDBase = 0x1040

// PCIDeviceID returns the PCI device id for this class (0x1040 + class).
func (c DeviceClass) PCIDeviceID() uint16 {
	return virtioPCIDeviceIDBase + uint16(c)
}

// pciClassCode is the 24-bit class/subclass/prog-if code the PCI header's
// class field carries for this device class. Values are taken from the
// virtio-pci specification's device class table; classes without a
// standard PCI analogue (entropy, balloon, socket) use the generic class
// 0xFF.
var pciClassCode = map[DeviceClass]uint32{
	DeviceClassNet:        0x020000,
	DeviceClassBlock:      0x010000,
	DeviceClassConsole:    0x078000,
	DeviceClassEntropy:    0xFF0000,
	DeviceClassBalloon:    0xFF0000,
	DeviceClassFilesystem: 0x018000,
	DeviceClassSocket:     0xFF0000,
}

// PCIClassCode returns the 24-bit class code for this device class,
// defaulting to the generic "other" class if unrecognized.
func (c DeviceClass) PCIClassCode() uint32 {
	if code, ok := pciClassCode[c]; ok {
		return code
	}
	return 0xFF0000
}

// Feature bits. The transport-common bits occupy virtio's reserved range,
// bits [24, 38); device-private bits occupy bits [0, 24).
const (
	FeatureVersion1       uint64 = 1 << 32
	FeatureAccessPlatform uint64 = 1 << 33
	FeaturePackedRing     uint64 = 1 << 34
	FeatureRingEventIdx   uint64 = 1 << 29
	FeatureRingIndirectDesc uint64 = 1 << 28
)

// transportFeatureMask is cleared from the negotiated feature set before it
// reaches the device's activate(); these bits are the transport's own
// concern, not the device's.
const transportFeatureMask = FeatureAccessPlatform

// DeviceStatus bits, virtio 1.x common configuration status register.
const (
	StatusAcknowledge      uint8 = 1 << 0
	StatusDriver           uint8 = 1 << 1
	StatusDriverOK         uint8 = 1 << 2
	StatusFeaturesOK       uint8 = 1 << 3
	StatusDeviceNeedsReset uint8 = 1 << 6
	StatusFailed           uint8 = 1 << 7
)

// QueueRegs is the read-only, shared snapshot of per-queue configuration a
// device consults at activation and during steady-state operation. It
// wraps the live atomic QueueConfig table; readers always see the current
// guest-programmed values.
type QueueRegs struct {
	configs []*QueueConfig
}

// NumQueues returns the number of queues configured at device construction.
func (q *QueueRegs) NumQueues() int { return len(q.configs) }

// Queue returns the atomic configuration for queue i.
func (q *QueueRegs) Queue(i int) *QueueConfig {
	if i < 0 || i >= len(q.configs) {
		return nil
	}
	return q.configs[i]
}

// ActiveQueues is the live split-ring set installed by the worker on
// activation, indexed by queue number.
type ActiveQueues struct {
	Rings []*ring.Queue
}

// Queue returns the ring for queue i, or nil if out of range or not yet
// activated.
func (a *ActiveQueues) Queue(i int) *ring.Queue {
	if a == nil || i < 0 || i >= len(a.Rings) {
		return nil
	}
	return a.Rings[i]
}

// Device is the capability set every concrete virtio device implements.
// The worker holds exactly one Device for the lifetime of the transport
// and calls into it only from its own OS thread.
type Device interface {
	// NumQueues returns the fixed queue count this device exposes.
	NumQueues() uint16

	// DeviceID returns this device's class, constant for the device's
	// lifetime.
	DeviceID() DeviceClass

	// Config returns the device-specific configuration region exposed
	// past the notify area in BAR0. A nil return means no device config.
	Config() DeviceConfig

	// Feature returns the device-private feature bits this device
	// advertises, combined with any transport bits it also supports.
	Feature() uint64

	// Activate is invoked once per Start event. feature is the
	// negotiated set with ACCESS_PLATFORM already cleared. Activate may
	// register device-private fds with registry and must return an
	// error if activation cannot proceed (e.g. unsupported negotiation).
	Activate(registry FdRegistry, feature uint64, memory hv.RamBus, irqSender IrqSender, queues *QueueRegs) error

	// Reset deregisters every fd registered in Activate and releases
	// all resources acquired since. It must not fail.
	Reset(registry FdRegistry)

	// HandleQueue is invoked when queue index has been kicked.
	HandleQueue(index uint16, queues *ActiveQueues, irqSender IrqSender, registry FdRegistry) error

	// HandleEvent is invoked for a device-registered fd event.
	HandleEvent(token DeviceToken, queues *ActiveQueues, irqSender IrqSender, registry FdRegistry) error

	// SharedMemRegions returns the optional shared-memory regions
	// exposed over BAR2. Empty if the device has none.
	SharedMemRegions() []SharedMemRegion

	// OffloadIoeventfd reports whether the device arranged for the
	// hypervisor to signal fd directly for queue q_index, in which case
	// the transport must not also register fd with its own reactor.
	OffloadIoeventfd(qIndex uint16, fd hv.IoeventFd) bool
}

// DeviceConfig is a read/write accessor over a device-specific MMIO config
// region. Offsets are relative to the start of that region.
type DeviceConfig interface {
	Len() uint32
	ReadAt(offset uint32, data []byte)
	WriteAt(offset uint32, data []byte)
}

// SharedMemRegion describes one BAR2 shared-memory window a device exposes.
type SharedMemRegion struct {
	ID     uint8
	Base   uint64
	Length uint64
}

// DeviceToken identifies a device-registered fd event delivered through
// HandleEvent. It is opaque to the transport; devices choose their own
// encoding when they register a fd with FdRegistry.
type DeviceToken uint32

// FdRegistry lets a device register and deregister fds with the worker's
// reactor during Activate/Reset.
type FdRegistry interface {
	// Register adds fd to the reactor's poll set, tagged with token.
	// Events on fd are delivered to Device.HandleEvent(token, ...).
	Register(fd int, token DeviceToken) error
	// Deregister removes fd from the poll set.
	Deregister(fd int) error
}
