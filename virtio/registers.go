package virtio

import (
	"encoding/binary"
	"log/slog"

	"github.com/tinyrange/virtio-core/hv"
)

// BAR0 offsets, per the guest register layout.
const (
	OffsetMsixTable     = 0x0000
	OffsetMsixPBA        = 0x2000
	OffsetCommonConfig  = 0x3000
	commonConfigLen     = 0x38
	OffsetISRStatus     = OffsetCommonConfig + commonConfigLen // 0x3038
	offsetNotifyBase    = OffsetISRStatus + 4                  // 0x303C
)

// Common configuration field offsets, relative to OffsetCommonConfig.
const (
	fieldDeviceFeatureSelect = 0x00
	fieldDeviceFeature       = 0x04
	fieldDriverFeatureSelect = 0x08
	fieldDriverFeature       = 0x0C
	fieldConfigMsixVector    = 0x10
	fieldNumQueues           = 0x12
	fieldDeviceStatus        = 0x14
	fieldConfigGeneration    = 0x15
	fieldQueueSelect         = 0x16
	fieldQueueSize           = 0x18
	fieldQueueMsixVector     = 0x1A
	fieldQueueEnable         = 0x1C
	fieldQueueNotifyOff      = 0x1E
	fieldQueueDescLo         = 0x20
	fieldQueueDescHi         = 0x24
	fieldQueueDriverLo       = 0x28
	fieldQueueDriverHi       = 0x2C
	fieldQueueDeviceLo       = 0x30
	fieldQueueDeviceHi       = 0x34
)

// isNotifyOffset reports whether offset lands inside the notify doorbell
// area for a transport with numQueues queues.
func isNotifyOffset(offset uint64, numQueues int) bool {
	_, ok := offsetForNotify(offset, numQueues)
	return ok
}

// offsetForNotify returns the queue index for a notify-area offset, or
// false if offset does not land in the notify area at all.
func offsetForNotify(offset uint64, numQueues int) (uint16, bool) {
	if offset < offsetNotifyBase {
		return 0, false
	}
	rel := offset - offsetNotifyBase
	if rel%4 != 0 {
		return 0, false
	}
	idx := rel / 4
	if idx >= uint64(numQueues) {
		return 0, false
	}
	return uint16(idx), true
}

// Registers is the BAR0 MMIO register model: MSI-X table/PBA, the virtio
// common configuration, ISR status, and the per-queue notify area. It
// translates guest accesses into updates of the shared device state and
// posts WakeEvents to the worker; it never blocks and never fails the
// MMIO fabric.
type Registers struct {
	shared  *SharedRegister
	queues  []*QueueConfig
	vectors *MsixVectorMap
	table   *msixTable

	deviceConfig DeviceConfig
	deviceOffset uint64

	wake  *wakeChannel
	prim  WakePrimitive
	sender IrqSender

	isrStatus uint32

	log *slog.Logger
}

func newRegisters(shared *SharedRegister, queues []*QueueConfig, vectors *MsixVectorMap, table *msixTable, deviceConfig DeviceConfig, wake *wakeChannel, prim WakePrimitive, sender IrqSender, log *slog.Logger) *Registers {
	if log == nil {
		log = slog.Default()
	}
	return &Registers{
		shared:       shared,
		queues:       queues,
		vectors:      vectors,
		table:        table,
		deviceConfig: deviceConfig,
		deviceOffset: offsetNotifyBase + uint64(len(queues))*4,
		wake:         wake,
		prim:         prim,
		sender:       sender,
		log:          log,
	}
}

// MMIORegions reports the single 16 KiB BAR0 window.
func (r *Registers) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: 0, Size: 0x4000}}
}

// ReadMMIO implements hv.MemoryMappedIODevice. addr is relative to BAR0.
func (r *Registers) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	switch {
	case addr >= OffsetMsixTable && addr < OffsetMsixTable+0x2000:
		r.readMsixTable(addr-OffsetMsixTable, data)
	case addr >= OffsetMsixPBA && addr < OffsetCommonConfig:
		for i := range data {
			data[i] = 0
		}
	case addr >= OffsetCommonConfig && addr < OffsetISRStatus:
		r.readCommon(addr-OffsetCommonConfig, data)
	case addr == OffsetISRStatus:
		if len(data) == 4 {
			binary.LittleEndian.PutUint32(data, r.isrStatus)
			r.isrStatus = 0
		} else {
			for i := range data {
				data[i] = 0
			}
		}
	case isNotifyOffset(addr, len(r.queues)):
		for i := range data {
			data[i] = 0
		}
	case addr >= r.deviceOffset:
		if r.deviceConfig != nil {
			r.deviceConfig.ReadAt(uint32(addr-r.deviceOffset), data)
		}
	default:
		r.log.Info("virtio: read from unknown offset", "offset", addr)
		for i := range data {
			data[i] = 0
		}
	}
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice. addr is relative to BAR0.
func (r *Registers) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	switch {
	case addr >= OffsetMsixTable && addr < OffsetMsixTable+0x2000:
		r.writeMsixTable(addr-OffsetMsixTable, data)
	case addr >= OffsetMsixPBA && addr < OffsetCommonConfig:
		// PBA is read-only to the guest.
	case addr >= OffsetCommonConfig && addr < OffsetISRStatus:
		r.writeCommon(addr-OffsetCommonConfig, data)
	case addr == OffsetISRStatus:
		// ISR status is read-to-clear; writes are ignored.
	default:
		if idx, ok := offsetForNotify(addr, len(r.queues)); ok {
			r.postNotify(idx)
		} else if addr >= r.deviceOffset {
			if r.deviceConfig != nil {
				r.deviceConfig.WriteAt(uint32(addr-r.deviceOffset), data)
			}
		} else {
			r.log.Info("virtio: write to unknown offset", "offset", addr)
		}
	}
	return nil
}

func (r *Registers) readCommon(offset uint64, data []byte) {
	switch offset {
	case fieldDeviceFeatureSelect:
		put32(data, r.shared.deviceFeatureSel.Load())
	case fieldDeviceFeature:
		sel := r.shared.deviceFeatureSel.Load()
		put32(data, featureHalf(r.shared.deviceFeature, sel))
	case fieldDriverFeatureSelect:
		put32(data, r.shared.driverFeatureSel.Load())
	case fieldDriverFeature:
		sel := r.shared.driverFeatureSel.Load()
		put32(data, featureHalf(r.shared.driverFeature.Load(), sel))
	case fieldConfigMsixVector:
		put16(data, r.vectors.ConfigVector())
	case fieldNumQueues:
		put16(data, uint16(len(r.queues)))
	case fieldDeviceStatus:
		if len(data) >= 1 {
			data[0] = uint8(r.shared.status.Load())
		}
	case fieldConfigGeneration:
		if len(data) >= 1 {
			data[0] = 0
		}
	case fieldQueueSelect:
		put16(data, r.shared.QueueSelect())
	case fieldQueueSize:
		if q := r.selectedQueue(); q != nil {
			put16(data, q.Size())
		} else {
			put16(data, 0)
		}
	case fieldQueueMsixVector:
		if i, ok := r.selectedIndex(); ok {
			put16(data, r.vectors.QueueVector(i))
		} else {
			put16(data, NoVector)
		}
	case fieldQueueEnable:
		if q := r.selectedQueue(); q != nil && q.Enabled() {
			put16(data, 1)
		} else {
			put16(data, 0)
		}
	case fieldQueueNotifyOff:
		put16(data, r.shared.QueueSelect())
	case fieldQueueDescLo:
		put32(data, low32(r.queueField(func(q *QueueConfig) uint64 { return q.DescAddr() })))
	case fieldQueueDescHi:
		put32(data, high32(r.queueField(func(q *QueueConfig) uint64 { return q.DescAddr() })))
	case fieldQueueDriverLo:
		// Fixed per the source's documented bug: this must return the
		// low 32 bits, not the high 32 bits.
		put32(data, low32(r.queueField(func(q *QueueConfig) uint64 { return q.DriverAddr() })))
	case fieldQueueDriverHi:
		put32(data, high32(r.queueField(func(q *QueueConfig) uint64 { return q.DriverAddr() })))
	case fieldQueueDeviceLo:
		put32(data, low32(r.queueField(func(q *QueueConfig) uint64 { return q.DeviceAddr() })))
	case fieldQueueDeviceHi:
		put32(data, high32(r.queueField(func(q *QueueConfig) uint64 { return q.DeviceAddr() })))
	default:
		r.log.Info("virtio: read from unknown common-config offset", "offset", offset)
		for i := range data {
			data[i] = 0
		}
	}
}

func (r *Registers) writeCommon(offset uint64, data []byte) {
	switch offset {
	case fieldDeviceFeatureSelect:
		r.shared.deviceFeatureSel.Store(get32(data) & 0xff)
	case fieldDeviceFeature:
		// device_feature is immutable; writes are ignored.
	case fieldDriverFeatureSelect:
		r.shared.driverFeatureSel.Store(get32(data) & 0xff)
	case fieldDriverFeature:
		sel := r.shared.driverFeatureSel.Load()
		r.writeFeatureHalf(get32(data), sel)
	case fieldConfigMsixVector:
		r.vectors.SetConfigVector(get16(data))
	case fieldNumQueues:
		// num_queues is fixed at construction; writes are ignored.
	case fieldDeviceStatus:
		if len(data) >= 1 {
			r.writeStatus(data[0])
		}
	case fieldConfigGeneration:
		// read-only
	case fieldQueueSelect:
		sel := get16(data)
		if int(sel) >= len(r.queues) {
			r.log.Warn("virtio: queue_select out of range", "select", sel, "num_queues", len(r.queues))
		}
		r.shared.queueSel.Store(uint32(sel))
	case fieldQueueSize:
		if q := r.selectedQueue(); q != nil {
			q.SetSize(get16(data))
		}
	case fieldQueueMsixVector:
		if i, ok := r.selectedIndex(); ok {
			r.vectors.SetQueueVector(i, get16(data))
		}
	case fieldQueueEnable:
		if q := r.selectedQueue(); q != nil {
			q.SetEnabled(get16(data) != 0)
		}
	case fieldQueueNotifyOff:
		// read-only
	case fieldQueueDescLo:
		r.writeQueueAddrLo(func(q *QueueConfig) uint64 { return q.DescAddr() }, func(q *QueueConfig, v uint64) { q.SetDescAddr(v) }, get32(data))
	case fieldQueueDescHi:
		r.writeQueueAddrHi(func(q *QueueConfig) uint64 { return q.DescAddr() }, func(q *QueueConfig, v uint64) { q.SetDescAddr(v) }, get32(data))
	case fieldQueueDriverLo:
		r.writeQueueAddrLo(func(q *QueueConfig) uint64 { return q.DriverAddr() }, func(q *QueueConfig, v uint64) { q.SetDriverAddr(v) }, get32(data))
	case fieldQueueDriverHi:
		r.writeQueueAddrHi(func(q *QueueConfig) uint64 { return q.DriverAddr() }, func(q *QueueConfig, v uint64) { q.SetDriverAddr(v) }, get32(data))
	case fieldQueueDeviceLo:
		r.writeQueueAddrLo(func(q *QueueConfig) uint64 { return q.DeviceAddr() }, func(q *QueueConfig, v uint64) { q.SetDeviceAddr(v) }, get32(data))
	case fieldQueueDeviceHi:
		r.writeQueueAddrHi(func(q *QueueConfig) uint64 { return q.DeviceAddr() }, func(q *QueueConfig, v uint64) { q.SetDeviceAddr(v) }, get32(data))
	default:
		r.log.Info("virtio: write to unknown common-config offset", "offset", offset)
	}
}

func (r *Registers) writeFeatureHalf(v uint32, sel uint32) {
	cur := r.shared.driverFeature.Load()
	if sel == 0 {
		r.shared.driverFeature.Store((cur &^ 0xffff_ffff) | uint64(v))
	} else if sel == 1 {
		r.shared.driverFeature.Store((cur & 0xffff_ffff) | (uint64(v) << 32))
	}
}

func (r *Registers) writeQueueAddrLo(get func(*QueueConfig) uint64, set func(*QueueConfig, uint64), v uint32) {
	q := r.selectedQueue()
	if q == nil {
		return
	}
	set(q, (get(q)&^0xffff_ffff)|uint64(v))
}

func (r *Registers) writeQueueAddrHi(get func(*QueueConfig) uint64, set func(*QueueConfig, uint64), v uint32) {
	q := r.selectedQueue()
	if q == nil {
		return
	}
	set(q, (get(q)&0xffff_ffff)|(uint64(v)<<32))
}

func (r *Registers) writeStatus(v uint8) {
	old := uint8(r.shared.status.Swap(uint32(v)))
	wasDriverOK := old&StatusDriverOK != 0
	isDriverOK := v&StatusDriverOK != 0

	if wasDriverOK && !isDriverOK {
		r.doReset()
		r.postEvent(WakeEvent{Kind: WakeReset})
		return
	}
	if !wasDriverOK && isDriverOK {
		r.postEvent(WakeEvent{
			Kind:      WakeStart,
			Feature:   r.shared.driverFeature.Load(),
			IrqSender: r.sender,
		})
	}
}

// doReset clears all MSI-X vectors and resets every queue to its power-on
// defaults (size, enable, and the three ring addresses), per invariant 2;
// this must complete before the Reset event is observed by the worker.
func (r *Registers) doReset() {
	r.vectors.resetAll()
	for _, q := range r.queues {
		q.reset()
	}
}

func (r *Registers) postNotify(index uint16) {
	r.postEvent(WakeEvent{Kind: WakeNotify, QueueIndex: index})
}

func (r *Registers) postEvent(ev WakeEvent) {
	r.wake.send(ev)
	if r.prim != nil {
		if err := r.prim.Signal(); err != nil {
			r.log.Error("virtio: signal wake primitive", "error", err)
		}
	}
}

func (r *Registers) selectedIndex() (int, bool) {
	i := int(r.shared.QueueSelect())
	if i < 0 || i >= len(r.queues) {
		return 0, false
	}
	return i, true
}

func (r *Registers) selectedQueue() *QueueConfig {
	i, ok := r.selectedIndex()
	if !ok {
		return nil
	}
	return r.queues[i]
}

func (r *Registers) queueField(get func(*QueueConfig) uint64) uint64 {
	q := r.selectedQueue()
	if q == nil {
		return 0
	}
	return get(q)
}

func (r *Registers) readMsixTable(offset uint64, data []byte) {
	index := int(offset / 16)
	fieldOff := offset % 16
	entry, ok := r.table.entry(index)
	if !ok {
		for i := range data {
			data[i] = 0
		}
		return
	}
	switch fieldOff {
	case 0:
		put32(data, entry.addrLo)
	case 4:
		put32(data, entry.addrHi)
	case 8:
		put32(data, entry.data)
	case 12:
		var ctrl uint32
		if entry.masked {
			ctrl = 1
		}
		put32(data, ctrl)
	}
}

func (r *Registers) writeMsixTable(offset uint64, data []byte) {
	index := int(offset / 16)
	fieldOff := offset % 16
	switch fieldOff {
	case 0:
		r.table.setAddrLo(index, get32(data))
	case 4:
		r.table.setAddrHi(index, get32(data))
	case 8:
		r.table.setData(index, get32(data))
	case 12:
		r.table.setControl(index, get32(data)&1 != 0)
	}
}

func featureHalf(v uint64, sel uint32) uint32 {
	if sel == 0 {
		return low32(v)
	}
	if sel == 1 {
		return high32(v)
	}
	return 0
}

func low32(v uint64) uint32  { return uint32(v) }
func high32(v uint64) uint32 { return uint32(v >> 32) }

func put16(data []byte, v uint16) {
	if len(data) >= 2 {
		binary.LittleEndian.PutUint16(data, v)
	} else if len(data) == 1 {
		data[0] = uint8(v)
	}
}

func put32(data []byte, v uint32) {
	if len(data) >= 4 {
		binary.LittleEndian.PutUint32(data, v)
	} else if len(data) == 2 {
		binary.LittleEndian.PutUint16(data, uint16(v))
	} else if len(data) == 1 {
		data[0] = uint8(v)
	}
}

func get16(data []byte) uint16 {
	if len(data) >= 2 {
		return binary.LittleEndian.Uint16(data)
	}
	if len(data) == 1 {
		return uint16(data[0])
	}
	return 0
}

func get32(data []byte) uint32 {
	if len(data) >= 4 {
		return binary.LittleEndian.Uint32(data)
	}
	if len(data) == 2 {
		return uint32(binary.LittleEndian.Uint16(data))
	}
	if len(data) == 1 {
		return uint32(data[0])
	}
	return 0
}
