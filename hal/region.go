package hal

import (
	"container/list"
	"fmt"
)

// block is one entry of a Region's free list: a run of free bytes starting
// at addr, len bytes long.
type block struct {
	addr uint64
	len  int
}

// Region is a first-fit allocator over a fixed byte arena, the allocator a
// Hal implementation uses to turn DMAAlloc/Share requests into addresses
// and back. It tracks free space as an address-ordered list of blocks and
// grants the first block a request fits in, splitting off the remainder.
//
// This is a direct, renamed port of the free-list allocator real guest
// drivers use to sub-allocate a reserved DMA window, repurposed here to run
// over a plain []byte arena standing in for physical memory.
type Region struct {
	base  uint64
	size  int
	mem   []byte
	free  *list.List // of *block, address-ordered
	inUse map[uint64]int
}

// NewRegion creates a Region spanning size bytes of freshly allocated
// memory, addressed starting at base.
func NewRegion(base uint64, size int) *Region {
	return newRegionOver(base, make([]byte, size))
}

// newRegionOver wraps an existing slice of externally allocated memory
// (mmap'd pages, for instance) as a Region, addressed starting at base.
func newRegionOver(base uint64, mem []byte) *Region {
	r := &Region{
		base:  base,
		size:  len(mem),
		mem:   mem,
		free:  list.New(),
		inUse: make(map[uint64]int),
	}
	r.free.PushBack(&block{addr: base, len: len(mem)})
	return r
}

// Alloc reserves size bytes aligned to align (which must be a power of
// two) and returns their address. It returns an error if no free block is
// large enough once alignment padding is accounted for.
func (r *Region) Alloc(size int, align int) (uint64, error) {
	if size <= 0 {
		return 0, fmt.Errorf("hal: invalid allocation size %d", size)
	}
	if align <= 0 {
		align = 1
	}

	for e := r.free.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		start := uint64(alignUp(int(b.addr), align))
		pad := int(start - b.addr)

		if b.len < pad+size {
			continue
		}

		remainder := b.len - pad - size

		if pad > 0 {
			r.free.InsertBefore(&block{addr: b.addr, len: pad}, e)
		}
		if remainder > 0 {
			r.free.InsertBefore(&block{addr: start + uint64(size), len: remainder}, e)
		}
		r.free.Remove(e)

		r.inUse[start] = size
		return start, nil
	}

	return 0, fmt.Errorf("hal: region exhausted allocating %d bytes", size)
}

// Free releases a block previously returned by Alloc, coalescing it with
// any adjacent free blocks.
func (r *Region) Free(addr uint64) error {
	size, ok := r.inUse[addr]
	if !ok {
		return fmt.Errorf("hal: address %#x is not an outstanding allocation", addr)
	}
	delete(r.inUse, addr)

	nb := &block{addr: addr, len: size}

	for e := r.free.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)
		if b.addr > nb.addr {
			r.free.InsertBefore(nb, e)
			r.coalesce()
			return nil
		}
	}
	r.free.PushBack(nb)
	r.coalesce()
	return nil
}

// coalesce merges adjacent free blocks after an insertion.
func (r *Region) coalesce() {
	for e := r.free.Front(); e != nil; {
		next := e.Next()
		if next == nil {
			break
		}
		b, n := e.Value.(*block), next.Value.(*block)
		if b.addr+uint64(b.len) == n.addr {
			b.len += n.len
			r.free.Remove(next)
			continue
		}
		e = next
	}
}

// Bytes returns the slice backing addr for length bytes. It panics if the
// range falls outside the region, mirroring an out-of-bounds physical
// access.
func (r *Region) Bytes(addr uint64, length int) []byte {
	off := int(addr - r.base)
	if off < 0 || off+length > r.size {
		panic(fmt.Sprintf("hal: address range [%#x, %#x) outside region [%#x, %#x)", addr, addr+uint64(length), r.base, r.base+uint64(r.size)))
	}
	return r.mem[off : off+length]
}

// Resolve implements PhysMemory.
func (r *Region) Resolve(paddr uint64, length int) []byte {
	return r.Bytes(paddr, length)
}

// Base returns the region's starting address.
func (r *Region) Base() uint64 {
	return r.base
}
