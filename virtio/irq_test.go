package virtio

import "testing"

func TestMsixDeliveryUnmaskedVector(t *testing.T) {
	vectors := newMsixVectorMap(2)
	table := newMsixTable(4)
	msi := &mockMsiSender{}
	sender := newMsixSender(vectors, table, msi, nil)

	table.setAddrLo(3, 0x1000)
	table.setAddrHi(3, 0)
	table.setData(3, 0x42)
	vectors.SetQueueVector(1, 3)

	sender.QueueIrq(1)

	if msi.count() != 1 {
		t.Fatalf("expected 1 MSI submission, got %d", msi.count())
	}
	addr, data := msi.last()
	if addr != 0x1000 || data != 0x42 {
		t.Fatalf("got (addr=%#x, data=%#x), want (0x1000, 0x42)", addr, data)
	}
}

func TestMsixDeliveryMaskedVectorDropped(t *testing.T) {
	vectors := newMsixVectorMap(2)
	table := newMsixTable(4)
	msi := &mockMsiSender{}
	sender := newMsixSender(vectors, table, msi, nil)

	table.setAddrLo(3, 0x1000)
	table.setData(3, 0x42)
	table.setControl(3, true)
	vectors.SetQueueVector(1, 3)

	sender.QueueIrq(1)

	if msi.count() != 0 {
		t.Fatalf("expected no MSI submission for masked vector, got %d", msi.count())
	}
}

func TestMsixNoVectorDropsSilently(t *testing.T) {
	vectors := newMsixVectorMap(2)
	table := newMsixTable(3)
	msi := &mockMsiSender{}
	sender := newMsixSender(vectors, table, msi, nil)

	sender.QueueIrq(0)
	sender.ConfigIrq()

	if msi.count() != 0 {
		t.Fatalf("expected no MSI submission when vector is NoVector, got %d", msi.count())
	}
}

func TestMsixConfigIrqUsesConfigVector(t *testing.T) {
	vectors := newMsixVectorMap(1)
	table := newMsixTable(2)
	msi := &mockMsiSender{}
	sender := newMsixSender(vectors, table, msi, nil)

	table.setAddrLo(0, 0x2000)
	table.setData(0, 0x7)
	vectors.SetConfigVector(0)

	sender.ConfigIrq()

	if msi.count() != 1 {
		t.Fatalf("expected 1 MSI submission, got %d", msi.count())
	}
	addr, data := msi.last()
	if addr != 0x2000 || data != 0x7 {
		t.Fatalf("got (addr=%#x, data=%#x), want (0x2000, 0x7)", addr, data)
	}
}
