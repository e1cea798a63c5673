package virtqueue

import "math/bits"

// pageSize is the VirtIO 1.x legacy-interface page size used to align the
// device-facing area of a queue. It is a wire constant fixed by the VirtIO
// spec, not the host's runtime page size, so it is never queried from the
// OS (contrast hal.MmapHAL, which does query the real host page size for
// its own mapping granularity).
const pageSize = 4096

// ringLayout describes the byte layout of a queue's three shared regions,
// computed from the queue size alone.
//
// Ref: VirtIO 1.x, 2.6.2 Legacy Interfaces: A Note on Virtqueue Layout.
type ringLayout struct {
	descSize    uint32
	availSize   uint32
	usedSize    uint32
	availOffset uint32
	usedOffset  uint32
	totalSize   uint32
}

func alignUpToPage(v uint32) uint32 {
	return (v + pageSize - 1) &^ (pageSize - 1)
}

func isPowerOfTwo(v uint16) bool {
	return v != 0 && bits.OnesCount16(v) == 1
}

// computeLayout returns the ring layout for a power-of-two queue size. The
// caller is responsible for validating size before calling this.
func computeLayout(size uint16) ringLayout {
	q := uint32(size)

	descSize := 16 * q
	// flags, idx, q ring entries, used_event.
	availSize := 2 * (3 + q)
	// flags, idx, q x {id, len}, avail_event.
	usedSize := 6 + 8*q

	availOffset := descSize
	usedOffset := alignUpToPage(descSize + availSize)
	totalSize := usedOffset + alignUpToPage(usedSize)

	return ringLayout{
		descSize:    descSize,
		availSize:   availSize,
		usedSize:    usedSize,
		availOffset: availOffset,
		usedOffset:  usedOffset,
		totalSize:   totalSize,
	}
}
