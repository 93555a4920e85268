package virtio

import "errors"

// errUnsupportedPackedRing is returned by activate when the negotiated
// feature set selects the packed virtqueue layout, which this transport
// does not execute.
var errUnsupportedPackedRing = errors.New("virtio: packed virtqueue ring is not supported")

// ErrUnsupportedPackedRing is the exported form, so callers inspecting an
// activation failure can distinguish it from other errors.
var ErrUnsupportedPackedRing = errUnsupportedPackedRing
