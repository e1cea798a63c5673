//go:build linux

package hal

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapHAL is a Hal backed by an anonymous, locked mmap region: real pages
// with a real kernel-assigned address, used to exercise the same code
// paths as SimpleHAL against memory that cannot be swapped out from under
// a concurrent device emulation goroutine. It shares buffers by copying
// into the mapping, the same bounce-buffer strategy SimpleHAL uses, since
// this core has no real second address space to map the caller's buffer
// into.
type MmapHAL struct {
	mem    []byte
	region *Region
}

// NewMmapHAL mmaps size bytes (rounded up to the host page size) and
// mlocks them, returning a Hal addressed by the mapping's own host
// address.
func NewMmapHAL(size int) (*MmapHAL, error) {
	pageSize := unix.Getpagesize()
	size = alignUp(size, pageSize)

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hal: mmap failed: %w", err)
	}

	if err := unix.Mlock(mem); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("hal: mlock failed: %w", err)
	}

	base := uint64(uintptr(unsafe.Pointer(&mem[0])))

	return &MmapHAL{mem: mem, region: newRegionOver(base, mem)}, nil
}

// Close unmaps the backing memory. It is not safe to use the HAL, or any
// DMAGuard or shared buffer it produced, afterwards.
func (h *MmapHAL) Close() error {
	if err := unix.Munlock(h.mem); err != nil {
		return fmt.Errorf("hal: munlock failed: %w", err)
	}
	if err := unix.Munmap(h.mem); err != nil {
		return fmt.Errorf("hal: munmap failed: %w", err)
	}
	return nil
}

func (h *MmapHAL) DMAAlloc(pages int) (*DMAGuard, error) {
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

	return newDMAGuard(func(a uint64) { _ = h.region.Free(a) }, addr, mem), nil
}

func (h *MmapHAL) Share(buf []byte, dir BufferDirection) (uint64, error) {
	addr, err := h.region.Alloc(len(buf), 1)
	if err != nil {
		return 0, err
	}
	if dir == DriverToDevice {
		copy(h.region.Bytes(addr, len(buf)), buf)
	}
	return addr, nil
}

func (h *MmapHAL) Unshare(paddr uint64, buf []byte, dir BufferDirection) {
	if dir == DeviceToDriver {
		copy(buf, h.region.Bytes(paddr, len(buf)))
	}
	_ = h.region.Free(paddr)
}

// Resolve implements PhysMemory.
func (h *MmapHAL) Resolve(paddr uint64, length int) []byte {
	return h.region.Resolve(paddr, length)
}
