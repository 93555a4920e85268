// Package hv defines the host-side collaborator contracts consumed by the
// virtio transport: guest memory access, MSI delivery, ioeventfd allocation,
// and the MMIO device hookup used by the PCI bus model. The concrete
// implementations (a KVM/HVF vCPU loop, a hypervisor ioeventfd registry) are
// out of scope for this module; it defines only the interfaces the
// transport is written against.
package hv

import (
	"errors"
	"io"
)

// ErrShortTransfer is returned by RamBus implementations when a guest
// memory access cannot be completed in full (address past the end of
// mapped memory, unmapped hole, etc).
var ErrShortTransfer = errors.New("hv: short guest memory transfer")

// RamBus is the guest physical memory view used by virtqueue and device
// config accesses. Offsets are guest physical addresses.
type RamBus interface {
	io.ReaderAt
	io.WriterAt
}

// MsiSender submits a message-signaled interrupt to the host. addr and data
// are the raw MSI/MSI-X address and data values as programmed by the guest.
type MsiSender interface {
	Send(addr uint64, data uint32) error
}

// IoeventFd is a kick file descriptor: the guest's notify write is
// delivered to the host as a readable event on this descriptor.
type IoeventFd interface {
	// Fd returns the underlying pollable file descriptor.
	Fd() int
	// Close releases the descriptor.
	Close() error
}

// IoeventFdRegistry allocates kick file descriptors. It takes no guest
// address: binding a notify address to a descriptor is not part of this
// interface.
type IoeventFdRegistry interface {
	Create() (IoeventFd, error)
}

// MMIORegion describes one MMIO window a device occupies.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// ExitContext carries per-exit bookkeeping from the vCPU loop into a
// device's MMIO handler. The transport does not interpret it; it is
// threaded through because the teacher's MMIO devices take one.
type ExitContext interface {
	Note(key string, value any)
}

// Device is the minimal lifecycle hook every bus-attached device supports.
type Device interface {
	Init(vm VirtualMachine) error
}

// MemoryMappedIODevice is implemented by devices that occupy guest-physical
// MMIO windows, such as a virtio PCI BAR.
type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion
	ReadMMIO(ctx ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx ExitContext, addr uint64, data []byte) error
}

// VirtualMachine is the subset of the host VM the transport needs: guest
// memory access only. Concrete
// hypervisor backends implement a much larger interface; only the slice
// the transport touches is declared here.
type VirtualMachine interface {
	RamBus
}
