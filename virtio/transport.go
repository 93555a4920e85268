package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/tinyrange/virtio-core/hv"
	"github.com/tinyrange/virtio-core/pci"
)

const (
	virtioVendorID = 0x1af4
	pciRevisionID  = 1

	bar0Size = 0x4000 // 16 KiB: MSI-X table, PBA, common cfg, ISR, notify, device cfg

	pciCapMSIX   = 0x11
	pciCapVendor = 0x09

	virtioCfgTypeCommon       = 1
	virtioCfgTypeNotify       = 2
	virtioCfgTypeISR          = 3
	virtioCfgTypeDevice       = 4
	virtioCfgTypeSharedMemory = 5

	notifyOffMultiplier = 4 // per-queue doorbells, one 4-byte slot per queue

	configSpaceSize = 256
	capAreaStart    = 0x40
)

// Transport is the PCI-attached virtio device: it owns the shared
// register state, the MSI-X table, the worker thread, and the PCI
// configuration space (header plus capability list) the host's PCI host
// bridge multiplexes config accesses through.
type Transport struct {
	device Device

	shared  *SharedRegister
	queues  []*QueueConfig
	queueRegs *QueueRegs
	vectors *MsixVectorMap
	table   *msixTable
	sender  *msixSender

	registers *Registers
	wakeChan  *wakeChannel
	wakePrim  WakePrimitive
	worker    *worker

	kickFds []hv.IoeventFd

	config     [configSpaceSize]byte
	bar0Base   uint64
	bar2Base   uint64
	sharedMem  []SharedMemRegion

	log *slog.Logger
}

// NewTransport constructs a virtio-pci transport around device and starts
// its worker thread waiting for Start. Kick fd allocation, reactor
// construction, and wake-primitive construction are configuration errors:
// a failure here means the device is never created.
func NewTransport(device Device, memory hv.RamBus, msiSink hv.MsiSender, kickRegistry hv.IoeventFdRegistry, log *slog.Logger) (*Transport, error) {
	if log == nil {
		log = slog.Default()
	}
	numQueues := device.NumQueues()

	queues := make([]*QueueConfig, numQueues)
	for i := range queues {
		queues[i] = newQueueConfig()
	}
	queueRegs := &QueueRegs{configs: queues}

	kickFds := make([]hv.IoeventFd, numQueues)
	for i := range kickFds {
		fd, err := kickRegistry.Create()
		if err != nil {
			return nil, fmt.Errorf("virtio: allocate kick fd for queue %d: %w", i, err)
		}
		kickFds[i] = fd
	}

	deviceFeature := device.Feature() | FeatureVersion1
	shared := newSharedRegister(deviceFeature)
	vectors := newMsixVectorMap(numQueues)
	table := newMsixTable(int(numQueues) + 1)
	sender := newMsixSender(vectors, table, msiSink, log)

	prim, err := newWakePrimitive()
	if err != nil {
		return nil, fmt.Errorf("virtio: construct wake primitive: %w", err)
	}
	wake := newWakeChannel()

	registers := newRegisters(shared, queues, vectors, table, device.Config(), wake, prim, sender, log)

	w := newWorker(device, memory, queueRegs, sender, wake, prim, kickFds, log)
	go w.run()

	t := &Transport{
		device:    device,
		shared:    shared,
		queues:    queues,
		queueRegs: queueRegs,
		vectors:   vectors,
		table:     table,
		sender:    sender,
		registers: registers,
		wakeChan:  wake,
		wakePrim:  prim,
		worker:    w,
		kickFds:   kickFds,
		sharedMem: device.SharedMemRegions(),
		log:       log,
	}
	t.buildConfigSpace()
	return t, nil
}

// AttachBus registers the transport with a PCI host bridge and allocates
// its BAR0 (and BAR2, if the device exposes shared memory) windows. The
// host assigns the base addresses directly rather than waiting for the
// guest to program them; OnBARReprogram only re-records a base if the
// guest later rewrites it.
func (t *Transport) AttachBus(bridge *pci.HostBridge, dev, fn uint8) error {
	handle, err := bridge.RegisterEndpoint(dev, fn, t)
	if err != nil {
		return fmt.Errorf("virtio: register PCI endpoint: %w", err)
	}
	base, err := handle.AllocateMemoryBAR(0, bar0Size, bar0Size)
	if err != nil {
		return fmt.Errorf("virtio: allocate BAR0: %w", err)
	}
	t.bar0Base = base

	if len(t.sharedMem) > 0 {
		size := t.sharedMemSize()
		base, err := handle.AllocateMemoryBAR(2, size, size)
		if err != nil {
			return fmt.Errorf("virtio: allocate BAR2: %w", err)
		}
		t.bar2Base = base
	}
	return nil
}

// Shutdown requests the worker terminate and blocks until it does, then
// releases the wake primitive and kick fds. Errors from closing host
// resources are logged, not propagated (spec error kind 5).
func (t *Transport) Shutdown() {
	t.worker.requestShutdown()
	t.worker.join()
	if err := t.wakePrim.Close(); err != nil {
		t.log.Error("virtio: close wake primitive", "error", err)
	}
	for i, fd := range t.kickFds {
		if fd == nil {
			continue
		}
		if err := fd.Close(); err != nil {
			t.log.Error("virtio: close kick fd", "queue", i, "error", err)
		}
	}
}

// MMIORegions reports BAR0 (and BAR2, if the device exposes shared
// memory) relative to their assigned bases.
func (t *Transport) MMIORegions() []hv.MMIORegion {
	regions := []hv.MMIORegion{{Address: t.bar0Base, Size: bar0Size}}
	if len(t.sharedMem) > 0 {
		regions = append(regions, hv.MMIORegion{Address: t.bar2Base, Size: t.sharedMemSize()})
	}
	return regions
}

func (t *Transport) sharedMemSize() uint64 {
	var total uint64
	for _, r := range t.sharedMem {
		if end := r.Base + r.Length; end > total {
			total = end
		}
	}
	return total
}

// ReadMMIO dispatches a guest physical address to BAR0's register model.
func (t *Transport) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if addr >= t.bar0Base && addr < t.bar0Base+bar0Size {
		return t.registers.ReadMMIO(ctx, addr-t.bar0Base, data)
	}
	for i := range data {
		data[i] = 0
	}
	return nil
}

// WriteMMIO dispatches a guest physical address to BAR0's register model.
func (t *Transport) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if addr >= t.bar0Base && addr < t.bar0Base+bar0Size {
		return t.registers.WriteMMIO(ctx, addr-t.bar0Base, data)
	}
	return nil
}

// Init satisfies hv.Device; the transport has no VM-dependent setup beyond
// construction.
func (t *Transport) Init(vm hv.VirtualMachine) error { return nil }

// ConfigSpace satisfies pci.Endpoint.
func (t *Transport) ConfigSpace() pci.ConfigSpace { return (*configSpace)(t) }

// OnBARReprogram records the guest-assigned base address for a BAR.
func (t *Transport) OnBARReprogram(index int, value uint32) error {
	switch index {
	case 0:
		t.bar0Base = (t.bar0Base &^ 0xffff_ffff) | uint64(value&^0xf)
	case 1:
		t.bar0Base = (t.bar0Base & 0xffff_ffff) | (uint64(value) << 32)
	case 2:
		if len(t.sharedMem) > 0 {
			t.bar2Base = (t.bar2Base &^ 0xffff_ffff) | uint64(value&^0xf)
		}
	case 3:
		if len(t.sharedMem) > 0 {
			t.bar2Base = (t.bar2Base & 0xffff_ffff) | (uint64(value) << 32)
		}
	}
	return nil
}

// configSpace adapts Transport to pci.ConfigSpace without exposing the
// read/write methods on Transport's own method set.
type configSpace Transport

func (c *configSpace) ReadConfig(offset uint16, size uint8) (uint32, error) {
	t := (*Transport)(c)
	if int(offset)+int(size) > len(t.config) {
		return 0xffff_ffff, nil
	}
	switch size {
	case 1:
		return uint32(t.config[offset]), nil
	case 2:
		return uint32(binary.LittleEndian.Uint16(t.config[offset:])), nil
	case 4:
		return binary.LittleEndian.Uint32(t.config[offset:]), nil
	default:
		return 0, fmt.Errorf("virtio: unsupported config access size %d", size)
	}
}

func (c *configSpace) WriteConfig(offset uint16, size uint8, value uint32) error {
	t := (*Transport)(c)
	if int(offset)+int(size) > len(t.config) {
		return nil
	}
	switch size {
	case 1:
		t.config[offset] = uint8(value)
	case 2:
		binary.LittleEndian.PutUint16(t.config[offset:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(t.config[offset:], value)
	default:
		return fmt.Errorf("virtio: unsupported config access size %d", size)
	}
	return nil
}

// buildConfigSpace fills the PCI header and capability list: a standard
// MSI-X capability plus vendor-specific virtio capabilities for the
// Common, Notify, ISR, and Device configuration regions, and optionally
// SharedMemory regions.
func (t *Transport) buildConfigSpace() {
	class := t.device.DeviceID()
	binary.LittleEndian.PutUint16(t.config[0x00:], virtioVendorID)
	binary.LittleEndian.PutUint16(t.config[0x02:], class.PCIDeviceID())
	t.config[0x08] = pciRevisionID
	classCode := class.PCIClassCode()
	t.config[0x09] = uint8(classCode)
	t.config[0x0a] = uint8(classCode >> 8)
	t.config[0x0b] = uint8(classCode >> 16)
	t.config[0x0e] = 0x00 // header type 0
	binary.LittleEndian.PutUint16(t.config[0x2c:], virtioVendorID) // subsystem vendor
	binary.LittleEndian.PutUint16(t.config[0x2e:], class.PCIDeviceID())

	t.config[0x34] = capAreaStart // capabilities pointer
	t.config[0x06] = 0x10         // status: capabilities list present
	t.config[0x07] = 0x00

	var capOffsets []uint8
	cursor := uint8(capAreaStart)
	capOffsets = append(capOffsets, cursor)
	cursor = t.writeMSIXCap(cursor)
	capOffsets = append(capOffsets, cursor)
	cursor = t.writeVirtioCap(cursor, virtioCfgTypeCommon, 0, OffsetCommonConfig, commonConfigLen, 0)
	capOffsets = append(capOffsets, cursor)
	cursor = t.writeVirtioCap(cursor, virtioCfgTypeISR, 0, OffsetISRStatus, 4, 0)
	capOffsets = append(capOffsets, cursor)
	cursor = t.writeVirtioCap(cursor, virtioCfgTypeNotify, 0, offsetNotifyBase, uint32(len(t.queues))*4, notifyOffMultiplier)
	capOffsets = append(capOffsets, cursor)
	cursor = t.writeVirtioCap(cursor, virtioCfgTypeDevice, 0, t.registers.deviceOffset, t.deviceConfigLen(), 0)
	for _, region := range t.sharedMem {
		capOffsets = append(capOffsets, cursor)
		cursor = t.writeVirtioCap(cursor, virtioCfgTypeSharedMemory, 2, region.Base, uint32(region.Length), uint32(region.ID))
	}
	// The last capability in the chain terminates with next=0; every
	// earlier entry's next already points at the one written after it.
	last := capOffsets[len(capOffsets)-1]
	t.config[last+1] = 0
}

func (t *Transport) deviceConfigLen() uint32 {
	cfg := t.device.Config()
	if cfg == nil {
		return 0
	}
	return cfg.Len()
}

// writeMSIXCap emits the standard PCI MSI-X capability: message control,
// table BIR/offset (BAR0, offset 0), PBA BIR/offset (BAR0, 0x2000).
func (t *Transport) writeMSIXCap(at uint8) uint8 {
	const capLen = 12
	t.linkCap(at, pciCapMSIX, capLen)
	tableSize := uint16(len(t.table.entries)-1) & 0x7ff // Message Control Table Size is N-1
	binary.LittleEndian.PutUint16(t.config[at+2:], tableSize)
	binary.LittleEndian.PutUint32(t.config[at+4:], OffsetMsixTable) // BIR=0 in low 3 bits
	binary.LittleEndian.PutUint32(t.config[at+8:], OffsetMsixPBA)
	return at + capLen
}

// writeVirtioCap emits one vendor-specific virtio_pci_cap structure
// (16 bytes, plus a trailing notify_off_multiplier for Notify caps).
func (t *Transport) writeVirtioCap(at uint8, cfgType uint8, bar uint8, offset uint64, length uint32, extra uint32) uint8 {
	capLen := uint8(16)
	if cfgType == virtioCfgTypeNotify {
		capLen = 20
	}
	if cfgType == virtioCfgTypeSharedMemory {
		capLen = 16 // offset/length truncated to 32 bits here; full 64-bit variant not modeled
	}
	t.linkCap(at, pciCapVendor, capLen)
	t.config[at+2] = capLen
	t.config[at+3] = cfgType
	t.config[at+4] = bar
	binary.LittleEndian.PutUint32(t.config[at+8:], uint32(offset))
	binary.LittleEndian.PutUint32(t.config[at+12:], length)
	if cfgType == virtioCfgTypeNotify {
		binary.LittleEndian.PutUint32(t.config[at+16:], extra)
	}
	return at + capLen
}

// linkCap writes a capability header's id and its next pointer, assuming
// contiguous placement; buildConfigSpace patches the final entry's next
// back to 0 once the whole chain is known.
func (t *Transport) linkCap(at uint8, id uint8, length uint8) {
	t.config[at] = id
	t.config[at+1] = at + length
}
