package virtio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// token encodes what a poll slot represents. The top bit distinguishes
// virtio control sources (wake-channel drain, queue kicks) from arbitrary
// device-registered fds; within the control space, tokenWakeDrain is a
// sentinel distinguishing the wake-channel drain from a queue kick.
type token uint32

const (
	tokenControlBit = uint32(1) << 31
	tokenWakeDrain  = token(tokenControlBit | 0x7fff_fffe)
)

func queueToken(index uint16) token {
	return token(tokenControlBit | uint32(index))
}

func deviceToken(t DeviceToken) token {
	return token(t) &^ token(tokenControlBit)
}

func (t token) isControl() bool { return uint32(t)&tokenControlBit != 0 }

func (t token) queueIndex() (uint16, bool) {
	if !t.isControl() || t == tokenWakeDrain {
		return 0, false
	}
	return uint16(uint32(t) &^ tokenControlBit), true
}

// errReactorClosed is returned by reactor operations attempted after Close.
var errReactorClosed = fmt.Errorf("virtio: reactor closed")

// source is one fd registered with the reactor, along with the token it
// reports on readability.
type source struct {
	fd    int
	token token
}

// reactor is the worker's poll-based event multiplexer: it watches the
// wake primitive, one kick fd per non-offloaded queue, and any
// device-registered fds, blocking with no timeout until one becomes
// readable.
type reactor struct {
	sources []source
	closed  bool
}

func newReactor() *reactor {
	return &reactor{}
}

func (r *reactor) addWake(fd int) {
	r.sources = append(r.sources, source{fd: fd, token: tokenWakeDrain})
}

func (r *reactor) addQueueKick(fd int, index uint16) {
	r.sources = append(r.sources, source{fd: fd, token: queueToken(index)})
}

// register adds a device fd under the given DeviceToken. Returns an error
// if the fd is already registered.
func (r *reactor) register(fd int, t DeviceToken) error {
	for _, s := range r.sources {
		if s.fd == fd {
			return fmt.Errorf("virtio: fd %d already registered", fd)
		}
	}
	r.sources = append(r.sources, source{fd: fd, token: deviceToken(t)})
	return nil
}

// deregister removes fd from the poll set. It is not an error to
// deregister an fd that was never registered (Reset may race idempotent
// teardown).
func (r *reactor) deregister(fd int) error {
	for i, s := range r.sources {
		if s.fd == fd {
			r.sources = append(r.sources[:i], r.sources[i+1:]...)
			return nil
		}
	}
	return nil
}

// removeQueueKick removes the kick source for a queue; the worker calls it
// during reset for every kick fd it registered at activation.
func (r *reactor) removeQueueKick(index uint16) {
	want := queueToken(index)
	for i, s := range r.sources {
		if s.token == want {
			r.sources = append(r.sources[:i], r.sources[i+1:]...)
			return
		}
	}
}

// wait blocks until at least one source is readable, then returns the
// tokens for every readable source. It retries on EINTR.
func (r *reactor) wait() ([]token, error) {
	if r.closed {
		return nil, errReactorClosed
	}
	pollFds := make([]unix.PollFd, len(r.sources))
	for i, s := range r.sources {
		pollFds[i] = unix.PollFd{Fd: int32(s.fd), Events: unix.POLLIN}
	}

	for {
		n, err := unix.Poll(pollFds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("virtio: reactor poll: %w", err)
		}
		if n == 0 {
			continue
		}
		var ready []token
		for i, pfd := range pollFds {
			if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				ready = append(ready, r.sources[i].token)
			}
		}
		if len(ready) == 0 {
			continue
		}
		return ready, nil
	}
}

func (r *reactor) close() {
	r.closed = true
	r.sources = nil
}
