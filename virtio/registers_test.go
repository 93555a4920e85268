package virtio

import (
	"encoding/binary"
	"testing"
)

// testWakePrimitive counts Signal calls without touching any real
// fd, for register-model tests that don't need a running worker.
type testWakePrimitive struct {
	signals int
}

func (p *testWakePrimitive) Fd() int      { return -1 }
func (p *testWakePrimitive) Signal() error { p.signals++; return nil }
func (p *testWakePrimitive) Drain() error  { return nil }
func (p *testWakePrimitive) Close() error  { return nil }

func newTestRegisters(t *testing.T, numQueues int) (*Registers, *wakeChannel, []*QueueConfig, *MsixVectorMap) {
	t.Helper()
	queues := make([]*QueueConfig, numQueues)
	for i := range queues {
		queues[i] = newQueueConfig()
	}
	vectors := newMsixVectorMap(uint16(numQueues))
	table := newMsixTable(numQueues + 1)
	shared := newSharedRegister(0x0000_0001_0000_0005)
	wake := newWakeChannel()
	prim := &testWakePrimitive{}
	r := newRegisters(shared, queues, vectors, table, nil, wake, prim, nil, nil)
	return r, wake, queues, vectors
}

func readU32(r *Registers, offset uint64) uint32 {
	var buf [4]byte
	r.readCommon(offset, buf[:])
	return binary.LittleEndian.Uint32(buf[:])
}

func writeU32(r *Registers, offset uint64, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	r.writeCommon(offset, buf[:])
}

func readU16(r *Registers, offset uint64) uint16 {
	var buf [2]byte
	r.readCommon(offset, buf[:])
	return binary.LittleEndian.Uint16(buf[:])
}

func writeU16(r *Registers, offset uint64, v uint16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	r.writeCommon(offset, buf[:])
}

func writeStatusByte(r *Registers, v uint8) {
	r.writeCommon(fieldDeviceStatus, []byte{v})
}

func TestFeatureSelectorRoundTrip(t *testing.T) {
	r, _, _, _ := newTestRegisters(t, 1)

	writeU32(r, fieldDriverFeatureSelect, 0)
	writeU32(r, fieldDriverFeature, 0xdead_beef)
	writeU32(r, fieldDriverFeatureSelect, 1)
	writeU32(r, fieldDriverFeature, 0x1234_5678)

	writeU32(r, fieldDriverFeatureSelect, 0)
	if got := readU32(r, fieldDriverFeature); got != 0xdead_beef {
		t.Fatalf("low half = %#x, want 0xdeadbeef", got)
	}
	writeU32(r, fieldDriverFeatureSelect, 1)
	if got := readU32(r, fieldDriverFeature); got != 0x1234_5678 {
		t.Fatalf("high half = %#x, want 0x12345678", got)
	}
	if got := r.shared.DriverFeature(); got != 0x1234_5678_dead_beef {
		t.Fatalf("full driver_feature = %#x, want 0x12345678deadbeef", got)
	}
}

func TestDeviceFeatureSelectorReadsConstructedValue(t *testing.T) {
	r, _, _, _ := newTestRegisters(t, 1) // device_feature = 0x0000000100000005

	writeU32(r, fieldDeviceFeatureSelect, 0)
	if got := readU32(r, fieldDeviceFeature); got != 0x0000_0005 {
		t.Fatalf("selector 0 = %#x, want 0x5", got)
	}
	writeU32(r, fieldDeviceFeatureSelect, 1)
	if got := readU32(r, fieldDeviceFeature); got != 0x0000_0001 {
		t.Fatalf("selector 1 = %#x, want 0x1", got)
	}
}

func TestQueueSelectedAddressRoundTrip(t *testing.T) {
	r, _, _, _ := newTestRegisters(t, 4)

	for i := uint16(0); i < 4; i++ {
		writeU16(r, fieldQueueSelect, i)
		writeU32(r, fieldQueueDescLo, 0x1000+uint32(i))
	}
	for i := uint16(0); i < 4; i++ {
		writeU16(r, fieldQueueSelect, i)
		if got := readU32(r, fieldQueueDescLo); got != 0x1000+uint32(i) {
			t.Fatalf("queue %d desc_lo = %#x, want %#x", i, got, 0x1000+uint32(i))
		}
	}
}

func TestQueueDriverLoReturnsLowBits(t *testing.T) {
	// Regression test for the documented source bug: queue_driver_lo
	// must return the low 32 bits of the driver address, not the high
	// 32 bits.
	r, _, _, _ := newTestRegisters(t, 1)
	writeU16(r, fieldQueueSelect, 0)
	writeU32(r, fieldQueueDriverLo, 0x1111_1111)
	writeU32(r, fieldQueueDriverHi, 0x2222_2222)

	if got := readU32(r, fieldQueueDriverLo); got != 0x1111_1111 {
		t.Fatalf("queue_driver_lo = %#x, want 0x11111111", got)
	}
	if got := readU32(r, fieldQueueDriverHi); got != 0x2222_2222 {
		t.Fatalf("queue_driver_hi = %#x, want 0x22222222", got)
	}
}

func TestDriverOKRisingEdgePostsStart(t *testing.T) {
	r, wake, _, _ := newTestRegisters(t, 2)

	writeU32(r, fieldDriverFeatureSelect, 0)
	writeU32(r, fieldDriverFeature, 0x5)

	writeStatusByte(r, StatusAcknowledge)
	writeStatusByte(r, StatusAcknowledge|StatusDriver)
	writeStatusByte(r, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
	writeStatusByte(r, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)

	events := wake.drain()
	var starts []WakeEvent
	for _, ev := range events {
		if ev.Kind == WakeStart {
			starts = append(starts, ev)
		}
	}
	if len(starts) != 1 {
		t.Fatalf("expected exactly 1 Start event, got %d", len(starts))
	}
	if starts[0].Feature != 0x5 {
		t.Fatalf("Start.Feature = %#x, want 0x5", starts[0].Feature)
	}
}

func TestDriverOKFallingEdgeResetsVectorsAndQueues(t *testing.T) {
	r, wake, queues, vectors := newTestRegisters(t, 2)

	vectors.SetConfigVector(7)
	vectors.SetQueueVector(0, 3)
	vectors.SetQueueVector(1, 9)
	queues[0].SetEnabled(true)
	queues[1].SetEnabled(true)

	writeStatusByte(r, StatusDriverOK)
	wake.drain() // clear the implicit rising-edge Start from 0->DriverOK

	writeStatusByte(r, 0)

	if vectors.ConfigVector() != NoVector {
		t.Fatalf("config vector = %d, want NoVector", vectors.ConfigVector())
	}
	if vectors.QueueVector(0) != NoVector || vectors.QueueVector(1) != NoVector {
		t.Fatalf("queue vectors not reset to NoVector")
	}
	if queues[0].Enabled() || queues[1].Enabled() {
		t.Fatal("queue enabled flags not cleared on reset")
	}

	events := wake.drain()
	if len(events) != 1 || events[0].Kind != WakeReset {
		t.Fatalf("expected exactly 1 Reset event, got %+v", events)
	}
}

func TestUnknownOffsetWriteDoesNotAlterState(t *testing.T) {
	r, wake, queues, vectors := newTestRegisters(t, 1)

	before := snapshotState(r, queues, vectors)
	r.writeCommon(0x40, []byte{1, 2, 3, 4}) // past the end of the 0x38-byte block
	after := snapshotState(r, queues, vectors)

	if before != after {
		t.Fatalf("state changed after unknown-offset write: before=%+v after=%+v", before, after)
	}
	if len(wake.drain()) != 0 {
		t.Fatal("unknown-offset write posted a wake event")
	}
}

type stateSnapshot struct {
	status        uint8
	queueEnabled  bool
	configVector  uint16
}

func snapshotState(r *Registers, queues []*QueueConfig, vectors *MsixVectorMap) stateSnapshot {
	return stateSnapshot{
		status:       r.shared.Status(),
		queueEnabled: queues[0].Enabled(),
		configVector: vectors.ConfigVector(),
	}
}

func TestOutOfRangeQueueSelectReadsZero(t *testing.T) {
	r, _, _, _ := newTestRegisters(t, 2)
	writeU16(r, fieldQueueSelect, 99)

	if got := readU16(r, fieldQueueSize); got != 0 {
		t.Fatalf("queue_size for out-of-range select = %d, want 0", got)
	}
	if got := readU16(r, fieldQueueMsixVector); got != NoVector {
		t.Fatalf("queue_msix_vector for out-of-range select = %d, want NoVector", got)
	}
}

func TestQueueNotifyOffReflectsQueueSelect(t *testing.T) {
	r, _, _, _ := newTestRegisters(t, 4)
	writeU16(r, fieldQueueSelect, 2)
	if got := readU16(r, fieldQueueNotifyOff); got != 2 {
		t.Fatalf("queue_notify_off = %d, want 2", got)
	}
}
