package virtio

import (
	"testing"
	"time"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func newTestTransport(t *testing.T, device *mockDevice) (*Transport, *mockKickRegistry, *mockMsiSender) {
	t.Helper()
	mem := newMockRamBus()
	msi := &mockMsiSender{}
	kicks := &mockKickRegistry{}
	tr, err := NewTransport(device, mem, msi, kicks, nil)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}
	t.Cleanup(tr.Shutdown)
	return tr, kicks, msi
}

func bringUp(t *testing.T, tr *Transport, driverFeatureLow uint32) {
	t.Helper()
	writeU32(tr.registers, fieldDriverFeatureSelect, 0)
	writeU32(tr.registers, fieldDriverFeature, driverFeatureLow)
	writeStatusByte(tr.registers, StatusAcknowledge)
	writeStatusByte(tr.registers, StatusAcknowledge|StatusDriver)
	writeStatusByte(tr.registers, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
	// Enable queue 0 so activate() builds a ring for it.
	writeU16(tr.registers, fieldQueueSelect, 0)
	writeU16(tr.registers, fieldQueueEnable, 1)
	writeStatusByte(tr.registers, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)
}

func TestBringUpActivatesDevice(t *testing.T) {
	device := &mockDevice{numQueues: 2, class: DeviceClassBlock}
	tr, _, _ := newTestTransport(t, device)

	bringUp(t, tr, 0x5)

	waitFor(t, time.Second, func() bool { return device.activateCount() == 1 })
	if got := device.activateCalls[0]; got != 0x5 {
		t.Fatalf("activate feature = %#x, want 0x5", got)
	}
}

func TestKickDispatchesHandleQueue(t *testing.T) {
	device := &mockDevice{numQueues: 2, class: DeviceClassBlock}
	tr, kicks, _ := newTestTransport(t, device)

	bringUp(t, tr, 0)
	waitFor(t, time.Second, func() bool { return device.activateCount() == 1 })

	if err := kicks.fds[0].kick(); err != nil {
		t.Fatalf("kick: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(device.handleQueueCalls()) == 1 })
	if got := device.handleQueueCalls(); len(got) != 1 || got[0] != 0 {
		t.Fatalf("handle_queue calls = %v, want [0]", got)
	}
}

func TestResetCycleCallsDeviceReset(t *testing.T) {
	device := &mockDevice{numQueues: 1, class: DeviceClassBlock}
	tr, _, _ := newTestTransport(t, device)

	bringUp(t, tr, 0)
	waitFor(t, time.Second, func() bool { return device.activateCount() == 1 })

	writeStatusByte(tr.registers, 0)
	waitFor(t, time.Second, func() bool { return device.resetCount() == 1 })

	// The worker should now be back in WaitStart and accept a second
	// Start cycle.
	bringUp(t, tr, 0)
	waitFor(t, time.Second, func() bool { return device.activateCount() == 2 })
}

func TestPackedRingActivationFails(t *testing.T) {
	device := &mockDevice{numQueues: 1, class: DeviceClassBlock}
	tr, _, _ := newTestTransport(t, device)

	writeStatusByte(tr.registers, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
	writeU32(tr.registers, fieldDriverFeatureSelect, 1)
	writeU32(tr.registers, fieldDriverFeature, uint32(FeaturePackedRing>>32))
	writeStatusByte(tr.registers, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)

	// Give the worker a moment to attempt (and reject) activation; it
	// must not have called Activate on the device.
	time.Sleep(50 * time.Millisecond)
	if device.activateCount() != 0 {
		t.Fatalf("activate was called despite packed-ring negotiation, count=%d", device.activateCount())
	}
}

func TestShutdownTerminatesWorker(t *testing.T) {
	device := &mockDevice{numQueues: 1, class: DeviceClassBlock}
	mem := newMockRamBus()
	msi := &mockMsiSender{}
	kicks := &mockKickRegistry{}
	tr, err := NewTransport(device, mem, msi, kicks, nil)
	if err != nil {
		t.Fatalf("NewTransport: %v", err)
	}

	done := make(chan struct{})
	go func() {
		tr.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not return in time")
	}
}
