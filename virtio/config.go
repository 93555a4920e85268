package virtio

// ByteConfig is a plain byte-slice-backed DeviceConfig: reads are copied
// out of the slice, out-of-range bytes read as zero; writes are no-ops
// unless Writable is set, matching the read-only device-config convention
// most virtio devices follow (config is written by the device, not the
// driver).
type ByteConfig struct {
	Bytes    []byte
	Writable bool
}

func (c *ByteConfig) Len() uint32 { return uint32(len(c.Bytes)) }

func (c *ByteConfig) ReadAt(offset uint32, data []byte) {
	for i := range data {
		src := offset + uint32(i)
		if src < uint32(len(c.Bytes)) {
			data[i] = c.Bytes[src]
		} else {
			data[i] = 0
		}
	}
}

func (c *ByteConfig) WriteAt(offset uint32, data []byte) {
	if !c.Writable {
		return
	}
	for i, b := range data {
		dst := offset + uint32(i)
		if dst < uint32(len(c.Bytes)) {
			c.Bytes[dst] = b
		}
	}
}
