package virtio

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/tinyrange/virtio-core/hv"
	"github.com/tinyrange/virtio-core/ring"
	"golang.org/x/sys/unix"
)

// workerState is the worker thread's lifecycle phase.
type workerState int

const (
	stateWaitStart workerState = iota
	stateRunning
	stateResetting
	stateTerminated
)

// fdRegistry adapts the reactor's register/deregister calls to the
// FdRegistry interface devices call during Activate/Reset.
type fdRegistry struct {
	w *worker
}

func (f fdRegistry) Register(fd int, token DeviceToken) error {
	return f.w.reactor.register(fd, token)
}

func (f fdRegistry) Deregister(fd int) error {
	return f.w.reactor.deregister(fd)
}

// worker is the per-device OS thread: it owns the device implementation,
// the reactor, the wake-channel receiver, and the active queue set for the
// lifetime of the device.
type worker struct {
	device  Device
	reactor *reactor
	wake    *wakeChannel
	prim    WakePrimitive

	memory hv.RamBus
	queues *QueueRegs
	sender IrqSender

	kickFds    []hv.IoeventFd
	kickOwned  []bool // true if fd i is registered with reactor (not offloaded)

	active *ActiveQueues

	state workerState
	log   *slog.Logger

	done chan struct{}
	once sync.Once
}

func newWorker(device Device, memory hv.RamBus, queues *QueueRegs, sender IrqSender, wake *wakeChannel, prim WakePrimitive, kickFds []hv.IoeventFd, log *slog.Logger) *worker {
	if log == nil {
		log = slog.Default()
	}
	r := newReactor()
	r.addWake(prim.Fd())
	return &worker{
		device:    device,
		reactor:   r,
		wake:      wake,
		prim:      prim,
		memory:    memory,
		queues:    queues,
		sender:    sender,
		kickFds:   kickFds,
		kickOwned: make([]bool, len(kickFds)),
		state:     stateWaitStart,
		log:       log,
		done:      make(chan struct{}),
	}
}

// run is the worker's thread body. It locks the calling goroutine to its
// OS thread for the worker's lifetime, matching the teacher's vCPU loop
// convention of dedicating one OS thread per device/vCPU.
func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	for w.state != stateTerminated {
		switch w.state {
		case stateWaitStart:
			w.waitStart()
		case stateRunning:
			w.runLoop()
		case stateResetting:
			w.resetting()
		}
	}
}

// waitStart blocks until a control event arrives and advances the state
// machine: Start begins Running, Reset is logged and ignored, Shutdown
// terminates, and a Notify before activation is logged and dropped.
func (w *worker) waitStart() {
	for {
		tokens, err := w.reactor.wait()
		if err != nil {
			w.log.Error("virtio: reactor wait failed while waiting for start", "error", err)
			w.state = stateTerminated
			return
		}
		if !containsWake(tokens) {
			continue
		}
		if err := w.prim.Drain(); err != nil {
			w.log.Error("virtio: drain wake primitive", "error", err)
		}
		for _, ev := range w.wake.drain() {
			switch ev.Kind {
			case WakeStart:
				if err := w.activate(ev); err != nil {
					w.log.Error("virtio: activation failed", "error", err)
					continue
				}
				w.state = stateRunning
				return
			case WakeReset:
				w.log.Info("virtio: reset observed while already waiting for start")
			case WakeShutdown:
				w.state = stateTerminated
				return
			case WakeNotify:
				w.log.Info("virtio: notify observed before activation, dropping", "queue", ev.QueueIndex)
			}
		}
	}
}

func containsWake(tokens []token) bool {
	for _, t := range tokens {
		if t == tokenWakeDrain {
			return true
		}
	}
	return false
}

// drainKick reads queue i's kick fd until EAGAIN. The fd is level-triggered
// under unix.Poll, so a single unread kick (an eventfd counter or a self-pipe
// byte) would otherwise leave it readable forever and peg the reactor loop.
// A single read already resets an eventfd's counter to zero; the loop exists
// for self-pipe fallbacks where multiple coalesced kicks queue one byte each.
func (w *worker) drainKick(idx uint16) {
	if int(idx) >= len(w.kickFds) {
		return
	}
	fd := w.kickFds[idx]
	if fd == nil {
		return
	}
	var buf [8]byte
	for {
		_, err := unix.Read(fd.Fd(), buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return
		}
	}
}

// activate negotiates the feature set, rejects packed-ring activation,
// builds the split-ring queue set, registers non-offloaded kick fds with
// the reactor, and calls the device's Activate hook.
func (w *worker) activate(ev WakeEvent) error {
	feature := ev.Feature &^ transportFeatureMask
	if feature&FeaturePackedRing != 0 {
		return errUnsupportedPackedRing
	}

	rings := make([]*ring.Queue, w.queues.NumQueues())
	for i := 0; i < w.queues.NumQueues(); i++ {
		cfg := w.queues.Queue(i)
		if !cfg.Enabled() {
			continue
		}
		q, err := ring.NewQueue(ring.Split, w.memory, cfg.Size())
		if err != nil {
			return fmt.Errorf("virtio: build queue %d: %w", i, err)
		}
		q.SetAddresses(cfg.DescAddr(), cfg.DriverAddr(), cfg.DeviceAddr())
		rings[i] = q
	}
	w.active = &ActiveQueues{Rings: rings}

	if err := w.device.Activate(fdRegistry{w}, feature, w.memory, w.sender, w.queues); err != nil {
		w.active = nil
		return fmt.Errorf("virtio: device activate: %w", err)
	}

	for i, fd := range w.kickFds {
		if fd == nil {
			continue
		}
		if w.device.OffloadIoeventfd(uint16(i), fd) {
			continue
		}
		w.reactor.addQueueKick(fd.Fd(), uint16(i))
		w.kickOwned[i] = true
	}
	return nil
}

// runLoop services events while Running: wake-channel drains dispatch
// Notify to handle_queue and propagate Reset/Shutdown; queue-kick tokens
// dispatch directly; other tokens dispatch to handle_event.
func (w *worker) runLoop() {
	for w.state == stateRunning {
		tokens, err := w.reactor.wait()
		if err != nil {
			w.log.Error("virtio: reactor wait failed", "error", err)
			w.state = stateTerminated
			return
		}
		for _, t := range tokens {
			if t == tokenWakeDrain {
				if err := w.prim.Drain(); err != nil {
					w.log.Error("virtio: drain wake primitive", "error", err)
				}
				if w.drainWakeEvents() {
					return
				}
				continue
			}
			if idx, ok := t.queueIndex(); ok {
				w.drainKick(idx)
				if err := w.device.HandleQueue(idx, w.active, w.sender, fdRegistry{w}); err != nil {
					w.log.Error("virtio: handle_queue failed", "queue", idx, "error", err)
				}
				continue
			}
			if err := w.device.HandleEvent(DeviceToken(t), w.active, w.sender, fdRegistry{w}); err != nil {
				w.log.Error("virtio: handle_event failed", "token", uint32(t), "error", err)
			}
		}
	}
}

// drainWakeEvents processes every queued control event and reports
// whether a state transition out of Running occurred.
func (w *worker) drainWakeEvents() bool {
	for _, ev := range w.wake.drain() {
		switch ev.Kind {
		case WakeNotify:
			if err := w.device.HandleQueue(ev.QueueIndex, w.active, w.sender, fdRegistry{w}); err != nil {
				w.log.Error("virtio: handle_queue failed", "queue", ev.QueueIndex, "error", err)
			}
		case WakeStart:
			w.log.Info("virtio: start observed while already running, ignoring")
		case WakeReset:
			w.state = stateResetting
			return true
		case WakeShutdown:
			w.state = stateTerminated
			return true
		}
	}
	return false
}

// resetting calls the device's reset hook, releases the active queue set
// and kick registrations, and returns to WaitStart.
func (w *worker) resetting() {
	w.device.Reset(fdRegistry{w})
	for i, owned := range w.kickOwned {
		if owned {
			w.reactor.removeQueueKick(uint16(i))
			w.kickOwned[i] = false
		}
	}
	w.active = nil
	w.state = stateWaitStart
}

// requestShutdown posts Shutdown and wakes the worker; it is safe to call
// more than once.
func (w *worker) requestShutdown() {
	w.once.Do(func() {
		w.wake.send(WakeEvent{Kind: WakeShutdown})
		if err := w.prim.Signal(); err != nil {
			w.log.Error("virtio: signal wake primitive during shutdown", "error", err)
		}
	})
}

// join blocks until the worker thread has returned.
func (w *worker) join() {
	<-w.done
}
