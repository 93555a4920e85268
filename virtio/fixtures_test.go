package virtio

import (
	"sync"

	"github.com/tinyrange/virtio-core/hv"
	"golang.org/x/sys/unix"
)

// mockRamBus is a byte-addressable, map-backed guest memory stand-in used
// across the package's tests.
type mockRamBus struct {
	mu   sync.Mutex
	data map[uint64]byte
}

func newMockRamBus() *mockRamBus {
	return &mockRamBus{data: make(map[uint64]byte)}
}

func (m *mockRamBus) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := uint64(off)
	for i := range p {
		p[i] = m.data[addr+uint64(i)]
	}
	return len(p), nil
}

func (m *mockRamBus) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := uint64(off)
	for i, b := range p {
		m.data[addr+uint64(i)] = b
	}
	return len(p), nil
}

// mockMsiSender records every MSI submitted to it.
type mockMsiSender struct {
	mu  sync.Mutex
	got []struct {
		addr uint64
		data uint32
	}
}

func (s *mockMsiSender) Send(addr uint64, data uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, struct {
		addr uint64
		data uint32
	}{addr, data})
	return nil
}

func (s *mockMsiSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func (s *mockMsiSender) last() (uint64, uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.got) == 0 {
		return 0, 0
	}
	l := s.got[len(s.got)-1]
	return l.addr, l.data
}

// pipeIoeventFd is a real non-blocking self-pipe backing a mock kick fd, so
// tests can exercise the reactor against an actual pollable descriptor with
// the same drain semantics as the production eventfd/self-pipe wake
// primitives in wake_linux.go and wake_other.go.
type pipeIoeventFd struct {
	r int
	w int
}

func newPipeIoeventFd() (*pipeIoeventFd, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	return &pipeIoeventFd{r: fds[0], w: fds[1]}, nil
}

func (p *pipeIoeventFd) Fd() int { return p.r }

func (p *pipeIoeventFd) kick() error {
	for {
		_, err := unix.Write(p.w, []byte{1})
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// drain reads until EAGAIN, matching the drain loop the worker runs after a
// queue-kick token; tests call it directly when they need the fd quiesced
// without going through a worker.
func (p *pipeIoeventFd) drain() {
	var buf [64]byte
	for {
		_, err := unix.Read(p.r, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return
		}
	}
}

func (p *pipeIoeventFd) Close() error {
	werr := unix.Close(p.w)
	rerr := unix.Close(p.r)
	if werr != nil {
		return werr
	}
	return rerr
}

// mockKickRegistry hands out pipe-backed kick fds and remembers them so
// tests can fire a kick after the fact.
type mockKickRegistry struct {
	mu   sync.Mutex
	fds  []*pipeIoeventFd
}

func (r *mockKickRegistry) Create() (hv.IoeventFd, error) {
	fd, err := newPipeIoeventFd()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.fds = append(r.fds, fd)
	r.mu.Unlock()
	return fd, nil
}

// mockDevice is a hand-written Device fixture, grounded in the teacher's
// queue_test.go mockVirtioDevice pattern: the contract methods record
// their calls so tests assert call counts and arguments directly.
type mockDevice struct {
	mu sync.Mutex

	numQueues uint16
	class     DeviceClass
	config    DeviceConfig
	feature   uint64

	activateCalls  []uint64 // negotiated feature per call
	activateErr    error
	resetCalls     int
	handleQueue    []uint16
	handleQueueErr error
	handleEvent    []DeviceToken
	sharedMem      []SharedMemRegion
	offloadAll     bool
}

func (d *mockDevice) NumQueues() uint16      { return d.numQueues }
func (d *mockDevice) DeviceID() DeviceClass  { return d.class }
func (d *mockDevice) Config() DeviceConfig   { return d.config }
func (d *mockDevice) Feature() uint64        { return d.feature }

func (d *mockDevice) Activate(registry FdRegistry, feature uint64, memory hv.RamBus, irqSender IrqSender, queues *QueueRegs) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.activateCalls = append(d.activateCalls, feature)
	return d.activateErr
}

func (d *mockDevice) Reset(registry FdRegistry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetCalls++
}

func (d *mockDevice) HandleQueue(index uint16, queues *ActiveQueues, irqSender IrqSender, registry FdRegistry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handleQueue = append(d.handleQueue, index)
	return d.handleQueueErr
}

func (d *mockDevice) HandleEvent(token DeviceToken, queues *ActiveQueues, irqSender IrqSender, registry FdRegistry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handleEvent = append(d.handleEvent, token)
	return nil
}

func (d *mockDevice) SharedMemRegions() []SharedMemRegion { return d.sharedMem }

func (d *mockDevice) OffloadIoeventfd(qIndex uint16, fd hv.IoeventFd) bool {
	return d.offloadAll
}

func (d *mockDevice) activateCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.activateCalls)
}

func (d *mockDevice) resetCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resetCalls
}

func (d *mockDevice) handleQueueCalls() []uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint16, len(d.handleQueue))
	copy(out, d.handleQueue)
	return out
}
