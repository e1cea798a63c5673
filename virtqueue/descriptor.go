package virtqueue

import "encoding/binary"

// Descriptor flags, VirtIO 1.x 2.6.5.
const (
	descFlagNext     = 1 // chain continues at next
	descFlagWrite    = 2 // device-writable (output to driver)
	descFlagIndirect = 4 // unused by this core
)

const descriptorSize = 16

// Descriptors live at offset 0 of the queue's DMA region, q.mem[:descSize],
// one 16-byte record per index: addr(8) len(4) flags(2) next(2), all
// little-endian, the exact layout the device reads. Accessors operate in
// place on q.mem rather than through a Go struct so that writes are
// immediately visible to the device with no marshal step, decoding fields
// straight out of the byte slice with encoding/binary since a descriptor is
// mutated far more often than it is fully read.
func (q *VirtQueue) descOffset(i uint16) int {
	return int(i) * descriptorSize
}

func (q *VirtQueue) descAddr(i uint16) uint64 {
	return binary.LittleEndian.Uint64(q.mem[q.descOffset(i):])
}

func (q *VirtQueue) setDescAddr(i uint16, v uint64) {
	binary.LittleEndian.PutUint64(q.mem[q.descOffset(i):], v)
}

func (q *VirtQueue) descLen(i uint16) uint32 {
	return binary.LittleEndian.Uint32(q.mem[q.descOffset(i)+8:])
}

func (q *VirtQueue) setDescLen(i uint16, v uint32) {
	binary.LittleEndian.PutUint32(q.mem[q.descOffset(i)+8:], v)
}

func (q *VirtQueue) descFlags(i uint16) uint16 {
	return binary.LittleEndian.Uint16(q.mem[q.descOffset(i)+12:])
}

func (q *VirtQueue) setDescFlags(i uint16, v uint16) {
	binary.LittleEndian.PutUint16(q.mem[q.descOffset(i)+12:], v)
}

func (q *VirtQueue) clearDescFlag(i uint16, flag uint16) {
	q.setDescFlags(i, q.descFlags(i)&^flag)
}

func (q *VirtQueue) descNext(i uint16) uint16 {
	return binary.LittleEndian.Uint16(q.mem[q.descOffset(i)+14:])
}

func (q *VirtQueue) setDescNext(i uint16, v uint16) {
	binary.LittleEndian.PutUint16(q.mem[q.descOffset(i)+14:], v)
}
