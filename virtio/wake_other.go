//go:build !linux

package virtio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// pipeWake is the portable wake primitive for platforms without eventfd: a
// self-pipe, both ends non-blocking, where Signal writes one byte and
// Drain empties the buffer.
type pipeWake struct {
	r int
	w int
}

func newWakePrimitive() (WakePrimitive, error) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		return nil, fmt.Errorf("virtio: create wake pipe: %w", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		return nil, fmt.Errorf("virtio: set wake pipe non-blocking: %w", err)
	}
	if err := unix.SetNonblock(fds[1], true); err != nil {
		return nil, fmt.Errorf("virtio: set wake pipe non-blocking: %w", err)
	}
	return &pipeWake{r: fds[0], w: fds[1]}, nil
}

func (p *pipeWake) Fd() int { return p.r }

func (p *pipeWake) Signal() error {
	_, err := unix.Write(p.w, []byte{1})
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("virtio: signal wake pipe: %w", err)
	}
	return nil
}

func (p *pipeWake) Drain() error {
	buf := make([]byte, 64)
	for {
		_, err := unix.Read(p.r, buf)
		if err == nil {
			continue
		}
		if err == unix.EAGAIN {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		return fmt.Errorf("virtio: drain wake pipe: %w", err)
	}
}

func (p *pipeWake) Close() error {
	werr := unix.Close(p.w)
	rerr := unix.Close(p.r)
	if werr != nil {
		return werr
	}
	return rerr
}
