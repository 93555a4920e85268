// Package ring implements the virtqueue descriptor-ring decoder: split-ring
// descriptor chain walking, available-ring consumption, and used-ring
// production. This is the external "virtqueue descriptor-ring decoder"
// collaborator named out of scope by the virtio transport spec; it is
// implemented here only so the core can be exercised against a real ring.
//
// Adapted from the teacher's internal/devices/virtio/queue.go.
package ring

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/virtio-core/hv"
)

// Kind distinguishes ring layouts. Only Split is implemented; Packed is
// reserved so callers can reject activation early rather than discovering
// the gap mid-descriptor-walk.
type Kind int

const (
	Split Kind = iota
	Packed
)

// ErrPackedUnsupported is returned by NewQueue when asked to build a Packed
// ring; packed virtqueue execution is a non-goal of this module.
var ErrPackedUnsupported = errors.New("ring: packed virtqueue layout not implemented")

const (
	descFlagNext     = 1 << 0
	descFlagWrite    = 1 << 1
	descFlagIndirect = 1 << 2

	descSize = 16 // addr(8) + len(4) + flags(2) + next(2)

	maxChainLength = 4096 // guards against a malicious or corrupt circular chain
)

// Descriptor is one split-ring descriptor-table entry.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (d Descriptor) hasNext() bool     { return d.Flags&descFlagNext != 0 }
func (d Descriptor) isWrite() bool     { return d.Flags&descFlagWrite != 0 }
func (d Descriptor) isIndirect() bool  { return d.Flags&descFlagIndirect != 0 }

// Chain is a walked descriptor chain: one entry per buffer, in order.
type Chain struct {
	HeadIndex uint16
	Buffers   []Buffer
}

// Buffer is one guest memory span referenced by a descriptor.
type Buffer struct {
	Addr    uint64
	Len     uint32
	IsWrite bool
}

// Queue is a split-ring virtqueue: descriptor table, available ring, and
// used ring, all addressed in guest physical memory.
type Queue struct {
	kind Kind

	mem hv.RamBus

	size uint16

	descTableAddr uint64
	availAddr     uint64
	usedAddr      uint64

	lastAvailIdx uint16
	usedIdx      uint16
}

// NewQueue constructs a queue bound to guest memory mem. size must be a
// power of two, matching the negotiated queue size.
func NewQueue(kind Kind, mem hv.RamBus, size uint16) (*Queue, error) {
	if kind == Packed {
		return nil, ErrPackedUnsupported
	}
	if size == 0 || size&(size-1) != 0 {
		return nil, fmt.Errorf("ring: queue size %d is not a power of two", size)
	}
	if mem == nil {
		return nil, fmt.Errorf("ring: guest memory is nil")
	}
	return &Queue{kind: kind, mem: mem, size: size}, nil
}

// SetAddresses installs the descriptor table, available ring, and used
// ring base addresses, as programmed by the driver before DRIVER_OK.
func (q *Queue) SetAddresses(descTable, avail, used uint64) {
	q.descTableAddr = descTable
	q.availAddr = avail
	q.usedAddr = used
}

// Reset clears ring indices. Addresses must be reprogrammed by the driver
// after a reset; callers should not reuse a queue across a device reset
// without calling SetAddresses again.
func (q *Queue) Reset() {
	q.lastAvailIdx = 0
	q.usedIdx = 0
	q.descTableAddr = 0
	q.availAddr = 0
	q.usedAddr = 0
}

// AvailableIndex returns the driver's published available-ring index.
func (q *Queue) AvailableIndex() (uint16, error) {
	var buf [2]byte
	if err := q.readGuest(q.availAddr+2, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// HasAvailableChain reports whether the driver has published at least one
// descriptor chain the device hasn't yet consumed.
func (q *Queue) HasAvailableChain() (bool, error) {
	avail, err := q.AvailableIndex()
	if err != nil {
		return false, err
	}
	return avail != q.lastAvailIdx, nil
}

// NextChain walks and returns the next unconsumed descriptor chain from the
// available ring, advancing the device's consumption index. Returns
// (nil, nil) if nothing is available.
func (q *Queue) NextChain() (*Chain, error) {
	have, err := q.HasAvailableChain()
	if err != nil {
		return nil, err
	}
	if !have {
		return nil, nil
	}

	ringSlot := q.lastAvailIdx % q.size
	var headBuf [2]byte
	entryAddr := q.availAddr + 4 + uint64(ringSlot)*2
	if err := q.readGuest(entryAddr, headBuf[:]); err != nil {
		return nil, err
	}
	head := binary.LittleEndian.Uint16(headBuf[:])

	chain, err := q.readDescriptorChain(head)
	if err != nil {
		return nil, err
	}
	q.lastAvailIdx++
	return chain, nil
}

func (q *Queue) readDescriptorChain(head uint16) (*Chain, error) {
	chain := &Chain{HeadIndex: head}
	seen := make(map[uint16]bool, 8)

	index := head
	for {
		if index >= q.size {
			return nil, fmt.Errorf("ring: descriptor index %d out of range [0,%d)", index, q.size)
		}
		if seen[index] {
			return nil, fmt.Errorf("ring: circular descriptor chain at index %d", index)
		}
		if len(chain.Buffers) >= maxChainLength {
			return nil, fmt.Errorf("ring: descriptor chain exceeds %d entries", maxChainLength)
		}
		seen[index] = true

		desc, err := q.readDescriptor(index)
		if err != nil {
			return nil, err
		}
		if desc.isIndirect() {
			return nil, fmt.Errorf("ring: indirect descriptors not supported")
		}

		chain.Buffers = append(chain.Buffers, Buffer{
			Addr:    desc.Addr,
			Len:     desc.Len,
			IsWrite: desc.isWrite(),
		})

		if !desc.hasNext() {
			break
		}
		index = desc.Next
	}
	return chain, nil
}

func (q *Queue) readDescriptor(index uint16) (Descriptor, error) {
	var buf [descSize]byte
	addr := q.descTableAddr + uint64(index)*descSize
	if err := q.readGuest(addr, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:  binary.LittleEndian.Uint64(buf[0:8]),
		Len:   binary.LittleEndian.Uint32(buf[8:12]),
		Flags: binary.LittleEndian.Uint16(buf[12:14]),
		Next:  binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// PutUsed publishes a completed chain to the used ring and advances the
// used index. writtenLen is the total number of bytes written by the device into
// the chain's writable buffers.
func (q *Queue) PutUsed(headIndex uint16, writtenLen uint32) error {
	slot := q.usedIdx % q.size
	entryAddr := q.usedAddr + 4 + uint64(slot)*8

	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(headIndex))
	binary.LittleEndian.PutUint32(buf[4:8], writtenLen)
	if err := q.writeGuest(entryAddr, buf[:]); err != nil {
		return err
	}

	q.usedIdx++
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], q.usedIdx)
	return q.writeGuest(q.usedAddr+2, idxBuf[:])
}

// ReadGuest copies len(dst) bytes from guest physical address addr.
func (q *Queue) ReadGuest(addr uint64, dst []byte) error {
	return q.readGuest(addr, dst)
}

// WriteGuest copies src into guest physical memory starting at addr.
func (q *Queue) WriteGuest(addr uint64, src []byte) error {
	return q.writeGuest(addr, src)
}

func (q *Queue) readGuest(addr uint64, dst []byte) error {
	n, err := q.mem.ReadAt(dst, int64(addr))
	if err != nil {
		return fmt.Errorf("ring: read guest memory at %#x: %w", addr, err)
	}
	if n != len(dst) {
		return fmt.Errorf("%w: at %#x", hv.ErrShortTransfer, addr)
	}
	return nil
}

func (q *Queue) writeGuest(addr uint64, src []byte) error {
	n, err := q.mem.WriteAt(src, int64(addr))
	if err != nil {
		return fmt.Errorf("ring: write guest memory at %#x: %w", addr, err)
	}
	if n != len(src) {
		return fmt.Errorf("%w: at %#x", hv.ErrShortTransfer, addr)
	}
	return nil
}
