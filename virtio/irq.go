package virtio

import (
	"log/slog"
	"sync"

	"github.com/tinyrange/virtio-core/hv"
)

// IrqSender is the capability device logic uses to raise interrupts. The
// PCI transport supplies an MSI-X-backed implementation; devices never
// construct one themselves.
type IrqSender interface {
	ConfigIrq()
	QueueIrq(index uint16)
}

// msixTableEntry is one MSI-X table slot: address, data, and the masked
// bit from the vector-control dword. Guarded by msixTable's RWMutex rather
// than its own lock, since entries are read and written as a unit.
type msixTableEntry struct {
	addrLo  uint32
	addrHi  uint32
	data    uint32
	masked  bool
}

// msixTable is the MSI-X vector table shared between the PCI capability's
// MMIO write path (exclusive writer) and the interrupt sender (concurrent
// readers), per the reader-writer discipline in the concurrency model:
// per-entry writes take the exclusive lock, reads take the shared lock.
type msixTable struct {
	mu      sync.RWMutex
	entries []msixTableEntry
}

func newMsixTable(size int) *msixTable {
	return &msixTable{entries: make([]msixTableEntry, size)}
}

func (t *msixTable) entry(i int) (msixTableEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if i < 0 || i >= len(t.entries) {
		return msixTableEntry{}, false
	}
	return t.entries[i], true
}

func (t *msixTable) setAddrLo(i int, v uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= 0 && i < len(t.entries) {
		t.entries[i].addrLo = v
	}
}

func (t *msixTable) setAddrHi(i int, v uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= 0 && i < len(t.entries) {
		t.entries[i].addrHi = v
	}
}

func (t *msixTable) setData(i int, v uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= 0 && i < len(t.entries) {
		t.entries[i].data = v
	}
}

func (t *msixTable) setControl(i int, masked bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= 0 && i < len(t.entries) {
		t.entries[i].masked = masked
	}
}

// msixSender is the MSI-X-backed IrqSender: it resolves a logical
// config/queue vector through the vector map, then the vector through the
// table, and submits the resulting address/data pair via hv.MsiSender.
type msixSender struct {
	vectors *MsixVectorMap
	table   *msixTable
	sink    hv.MsiSender
	log     *slog.Logger
}

func newMsixSender(vectors *MsixVectorMap, table *msixTable, sink hv.MsiSender, log *slog.Logger) *msixSender {
	if log == nil {
		log = slog.Default()
	}
	return &msixSender{vectors: vectors, table: table, sink: sink, log: log}
}

func (s *msixSender) ConfigIrq() {
	v := s.vectors.ConfigVector()
	if v == NoVector {
		return
	}
	s.deliver(int(v))
}

func (s *msixSender) QueueIrq(index uint16) {
	v := s.vectors.QueueVector(int(index))
	if v == NoVector {
		return
	}
	s.deliver(int(v))
}

func (s *msixSender) deliver(vector int) {
	entry, ok := s.table.entry(vector)
	if !ok {
		s.log.Warn("virtio: msix vector out of range", "vector", vector)
		return
	}
	if entry.masked {
		return
	}
	addr := (uint64(entry.addrHi) << 32) | uint64(entry.addrLo)
	if err := s.sink.Send(addr, entry.data); err != nil {
		s.log.Error("virtio: msi delivery failed", "vector", vector, "addr", addr, "error", err)
	}
}
