// Package hal provides the hardware-abstraction-layer collaborator a
// VirtQueue consumes for DMA allocation and buffer sharing: the interface
// itself, a portable first-fit allocator to back it, and two concrete
// implementations (a pure-Go one for any GOOS, and an mmap/mlock-backed one
// built only on Linux).
package hal

// BufferDirection describes which party writes a shared buffer.
type BufferDirection int

const (
	// DriverToDevice buffers are filled by the driver and read by the
	// device (VirtIO's device-readable direction).
	DriverToDevice BufferDirection = iota
	// DeviceToDriver buffers are filled by the device and read by the
	// driver (VirtIO's device-writable direction).
	DeviceToDriver
)

func (d BufferDirection) String() string {
	if d == DeviceToDriver {
		return "device-to-driver"
	}
	return "driver-to-device"
}

// PageSize is the allocation granularity DMAAlloc rounds requests up to.
// Implementations backed by real host pages (hal.MmapHAL) may additionally
// round up to the host's own page size, which is never smaller than this.
const PageSize = 4096

// Hal is the collaborator a VirtQueue uses for everything that touches
// physical memory: allocating the contiguous region backing its three
// rings, and sharing/unsharing the caller-supplied buffers offered through
// Add/PopUsed.
type Hal interface {
	// DMAAlloc allocates a contiguous, zeroed DMA region of the given
	// number of PageSize pages and returns a guard over it. The guard's
	// Close releases the region; callers are expected to Close it when
	// the owning VirtQueue is torn down.
	DMAAlloc(pages int) (*DMAGuard, error)

	// Share makes buf addressable by the device, returning the physical
	// address the device should use. The implementation may copy buf
	// into a bounce buffer rather than share it directly; the address
	// returned is valid until the matching Unshare.
	Share(buf []byte, dir BufferDirection) (paddr uint64, err error)

	// Unshare reverses a prior Share of the same buffer. For
	// DeviceToDriver transfers this may copy the bounce buffer's
	// contents back into buf.
	Unshare(paddr uint64, buf []byte, dir BufferDirection)
}

// PhysMemory is implemented by Hal back-ends whose physical address space
// can be read back directly, keyed by the same addresses DMAAlloc and
// Share hand out. It is the channel a device-side test harness (package
// fakedevice) uses to turn a descriptor's physical address into bytes --
// the same role a VMM plays resolving guest-physical addresses against
// host RAM. Production Hal implementations backed by real, incoherent DMA
// hardware need not implement it.
type PhysMemory interface {
	// Resolve returns the length bytes at paddr as a slice aliasing the
	// backing storage: writes through it are visible to later Resolve
	// calls at overlapping addresses.
	Resolve(paddr uint64, length int) []byte
}

// DMAGuard is the scoped handle returned by DMAAlloc, analogous to a
// drop-releases RAII guard: its allocation is released when the guard is
// Closed. Go has no destructors, so the release is an explicit Close
// rather than an implicit drop.
type DMAGuard struct {
	release func(addr uint64)
	addr    uint64
	mem     []byte
	closed  bool
}

func newDMAGuard(release func(addr uint64), addr uint64, mem []byte) *DMAGuard {
	return &DMAGuard{release: release, addr: addr, mem: mem}
}

// Paddr returns the physical base address of the allocation.
func (g *DMAGuard) Paddr() uint64 {
	return g.addr
}

// Bytes returns the allocation's backing memory.
func (g *DMAGuard) Bytes() []byte {
	return g.mem
}

// Close releases the allocation. It is idempotent.
func (g *DMAGuard) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	g.release(g.addr)
	return nil
}

func alignUp(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}
