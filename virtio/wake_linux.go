//go:build linux

package virtio

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// eventfdWake is the Linux wake primitive: a non-blocking eventfd in
// counter mode. Signal adds 1, Drain resets the counter to 0.
type eventfdWake struct {
	fd int
}

func newWakePrimitive() (WakePrimitive, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("virtio: create eventfd: %w", err)
	}
	return &eventfdWake{fd: fd}, nil
}

func (w *eventfdWake) Fd() int { return w.fd }

func (w *eventfdWake) Signal() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(w.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("virtio: signal eventfd: %w", err)
	}
	return nil
}

func (w *eventfdWake) Drain() error {
	var buf [8]byte
	for {
		_, err := unix.Read(w.fd, buf[:])
		if err == nil {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return fmt.Errorf("virtio: drain eventfd: %w", err)
	}
}

func (w *eventfdWake) Close() error {
	return unix.Close(w.fd)
}
