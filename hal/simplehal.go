package hal

import "fmt"

// SimpleHAL is a pure-Go Hal backed by a single in-process Region. It
// shares buffers by copying them into the region rather than mapping the
// caller's own memory, which is always safe and requires no platform
// support, making it the default choice for tests and for hosts with no
// real DMA concept.
type SimpleHAL struct {
	region *Region
}

// NewSimpleHAL creates a SimpleHAL whose backing arena is size bytes,
// addressed starting at base. base need not be zero; using a non-zero
// base exercises the same address arithmetic a real physical mapping
// would.
func NewSimpleHAL(base uint64, size int) *SimpleHAL {
	return &SimpleHAL{region: NewRegion(base, size)}
}

// Region exposes the backing allocator, letting a test harness resolve
// any address the Hal has handed out, including ring and buffer
// addresses alike, since both are carved from the same arena.
func (h *SimpleHAL) Region() *Region {
	return h.region
}

func (h *SimpleHAL) DMAAlloc(pages int) (*DMAGuard, error) {
	if pages <= 0 {
		return nil, fmt.Errorf("hal: invalid page count %d", pages)
	}
	size := pages * PageSize

	addr, err := h.region.Alloc(size, PageSize)
	if err != nil {
		return nil, err
	}

	mem := h.region.Bytes(addr, size)
	for i := range mem {
		mem[i] = 0
	}

	return newDMAGuard(h.release, addr, mem), nil
}

func (h *SimpleHAL) release(addr uint64) {
	// Best effort: a queue tears down its own DMA region once, and a
	// double Close is already guarded by DMAGuard itself.
	_ = h.region.Free(addr)
}

func (h *SimpleHAL) Share(buf []byte, dir BufferDirection) (uint64, error) {
	addr, err := h.region.Alloc(len(buf), 1)
	if err != nil {
		return 0, err
	}
	if dir == DriverToDevice {
		copy(h.region.Bytes(addr, len(buf)), buf)
	}
	return addr, nil
}

func (h *SimpleHAL) Unshare(paddr uint64, buf []byte, dir BufferDirection) {
	if dir == DeviceToDriver {
		copy(buf, h.region.Bytes(paddr, len(buf)))
	}
	_ = h.region.Free(paddr)
}

// Resolve implements PhysMemory by delegating to the backing region.
func (h *SimpleHAL) Resolve(paddr uint64, length int) []byte {
	return h.region.Resolve(paddr, length)
}
