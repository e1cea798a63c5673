package virtqueue

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// availRing is a view over the driver-writes/device-reads available ring:
// flags(2) idx(2) ring[size](2 each) used_event(2), all little-endian.
//
// flags and used_event are unused by this core and always left zero, which
// lets idx be updated with a single atomic 32-bit store/load covering both
// header words at once -- the little-endian encoding of uint32(idx)<<16
// places idx in the high half exactly where the plain struct layout would,
// so a plain encoding/binary read of the idx field sees the same bytes an
// atomic reader or writer does.
type availRing struct {
	mem  []byte
	base uint32
	size uint16
}

func (r *availRing) headerWord() *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[r.base]))
}

// loadIdx issues the sequential-consistency read fence required before the
// driver inspects a value the device may concurrently update, then returns
// it. It is only meaningful for usedRing in practice (see CanPop); avail's
// idx is driver-owned, but the accessor is symmetric for clarity.
func (r *availRing) loadIdx() uint16 {
	return uint16(atomic.LoadUint32(r.headerWord()) >> 16)
}

// storeIdx publishes idx with the sequential-consistency release fence
// required after the descriptor table and ring slot have been written, and
// before the caller may notify the device (VirtQueue.Add does both).
func (r *availRing) storeIdx(idx uint16) {
	atomic.StoreUint32(r.headerWord(), uint32(idx)<<16)
}

func (r *availRing) slotOffset(i uint16) uint32 {
	return r.base + 4 + uint32(i)*2
}

func (r *availRing) slot(i uint16) uint16 {
	return binary.LittleEndian.Uint16(r.mem[r.slotOffset(i):])
}

func (r *availRing) setSlot(i uint16, head uint16) {
	binary.LittleEndian.PutUint16(r.mem[r.slotOffset(i):], head)
}

// usedElem is one entry of the used ring: the chain head and the total
// bytes the device wrote into that chain's output buffers.
type usedElem struct {
	id  uint32
	len uint32
}

// usedRing is a view over the device-writes/driver-reads used ring:
// flags(2) idx(2) ring[size]{id(4) len(4)} avail_event(2).
type usedRing struct {
	mem  []byte
	base uint32
	size uint16
}

func (r *usedRing) headerWord() *uint32 {
	return (*uint32)(unsafe.Pointer(&r.mem[r.base]))
}

func (r *usedRing) loadIdx() uint16 {
	return uint16(atomic.LoadUint32(r.headerWord()) >> 16)
}

func (r *usedRing) storeIdx(idx uint16) {
	atomic.StoreUint32(r.headerWord(), uint32(idx)<<16)
}

func (r *usedRing) slotOffset(i uint16) uint32 {
	return r.base + 4 + uint32(i)*8
}

func (r *usedRing) slot(i uint16) usedElem {
	off := r.slotOffset(i)
	return usedElem{
		id:  binary.LittleEndian.Uint32(r.mem[off:]),
		len: binary.LittleEndian.Uint32(r.mem[off+4:]),
	}
}

func (r *usedRing) setSlot(i uint16, e usedElem) {
	off := r.slotOffset(i)
	binary.LittleEndian.PutUint32(r.mem[off:], e.id)
	binary.LittleEndian.PutUint32(r.mem[off+4:], e.len)
}
