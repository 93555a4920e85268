package virtio

import "sync/atomic"

// maxQueueSize is the default and maximum queue size the transport hands
// out; devices may negotiate smaller via queue_size writes.
const maxQueueSize uint16 = 256

// QueueConfig is the guest-visible configuration for one queue. Every
// field is an atomic scalar so the vCPU-path MMIO writer and the worker
// thread can both touch it without a lock.
type QueueConfig struct {
	size     atomic.Uint32 // stored as uint32, valid range is uint16
	enabled  atomic.Bool
	descAddr atomic.Uint64
	drvAddr  atomic.Uint64
	devAddr  atomic.Uint64
}

func newQueueConfig() *QueueConfig {
	q := &QueueConfig{}
	q.size.Store(uint32(maxQueueSize))
	return q
}

func (q *QueueConfig) Size() uint16        { return uint16(q.size.Load()) }
func (q *QueueConfig) SetSize(v uint16)    { q.size.Store(uint32(v)) }
func (q *QueueConfig) Enabled() bool       { return q.enabled.Load() }
func (q *QueueConfig) SetEnabled(v bool)   { q.enabled.Store(v) }
func (q *QueueConfig) DescAddr() uint64    { return q.descAddr.Load() }
func (q *QueueConfig) SetDescAddr(v uint64) { q.descAddr.Store(v) }
func (q *QueueConfig) DriverAddr() uint64  { return q.drvAddr.Load() }
func (q *QueueConfig) SetDriverAddr(v uint64) { q.drvAddr.Store(v) }
func (q *QueueConfig) DeviceAddr() uint64  { return q.devAddr.Load() }
func (q *QueueConfig) SetDeviceAddr(v uint64) { q.devAddr.Store(v) }

// reset clears a queue back to its power-on defaults.
func (q *QueueConfig) reset() {
	q.size.Store(uint32(maxQueueSize))
	q.enabled.Store(false)
	q.descAddr.Store(0)
	q.drvAddr.Store(0)
	q.devAddr.Store(0)
}

// SharedRegister is the common-configuration scalar state: feature
// selection, status, and the current queue selector. deviceFeature is
// immutable after construction; everything else is atomic.
type SharedRegister struct {
	deviceFeature uint64 // immutable

	driverFeature    atomic.Uint64
	deviceFeatureSel atomic.Uint32 // low 8 bits significant
	driverFeatureSel atomic.Uint32 // low 8 bits significant
	queueSel         atomic.Uint32 // low 16 bits significant
	status           atomic.Uint32 // low 8 bits significant
}

func newSharedRegister(deviceFeature uint64) *SharedRegister {
	return &SharedRegister{deviceFeature: deviceFeature}
}

func (r *SharedRegister) DeviceFeature() uint64 { return r.deviceFeature }
func (r *SharedRegister) DriverFeature() uint64 { return r.driverFeature.Load() }
func (r *SharedRegister) Status() uint8         { return uint8(r.status.Load()) }
func (r *SharedRegister) QueueSelect() uint16    { return uint16(r.queueSel.Load()) }

// MsixVectorMap is the atomic config+per-queue MSI-X vector table. All
// entries start at NoVector.
type MsixVectorMap struct {
	config atomic.Uint32 // stored as uint32, valid range uint16
	queues []atomic.Uint32
}

func newMsixVectorMap(numQueues uint16) *MsixVectorMap {
	m := &MsixVectorMap{queues: make([]atomic.Uint32, numQueues)}
	m.config.Store(uint32(NoVector))
	for i := range m.queues {
		m.queues[i].Store(uint32(NoVector))
	}
	return m
}

func (m *MsixVectorMap) ConfigVector() uint16 { return uint16(m.config.Load()) }
func (m *MsixVectorMap) SetConfigVector(v uint16) { m.config.Store(uint32(v)) }

func (m *MsixVectorMap) QueueVector(i int) uint16 {
	if i < 0 || i >= len(m.queues) {
		return NoVector
	}
	return uint16(m.queues[i].Load())
}

func (m *MsixVectorMap) SetQueueVector(i int, v uint16) {
	if i < 0 || i >= len(m.queues) {
		return
	}
	m.queues[i].Store(uint32(v))
}

// resetAll clears every vector back to NoVector. Invariant 2: this must
// happen before the Reset event is observed by the worker.
func (m *MsixVectorMap) resetAll() {
	m.config.Store(uint32(NoVector))
	for i := range m.queues {
		m.queues[i].Store(uint32(NoVector))
	}
}
