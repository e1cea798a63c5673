// Package fakedevice is an in-process stand-in for a VirtIO device: it
// watches a virtqueue's available ring, hands each newly published
// descriptor chain to a caller-supplied handler, and posts the result on
// the used ring, all without a real transport or hypervisor underneath.
// It exists purely to let package virtqueue's tests exercise the full
// submit/notify/pop round trip against something that behaves like a
// device, including the fences a real device would also rely on.
package fakedevice

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync/atomic"
	"unsafe"

	"github.com/f-secure-foundry/virtqueue/hal"
	"github.com/f-secure-foundry/virtqueue/transport"
)

const (
	descFlagNext  = 1
	descFlagWrite = 2

	descriptorSize = 16
)

// Handler processes one descriptor chain. readable holds the chain's
// driver-to-device buffers in order; writable holds its device-to-driver
// buffers, ready to be filled in place. Handler returns the total number
// of bytes it wrote across writable.
type Handler func(readable [][]byte, writable [][]byte) (uint32, error)

// Device watches one queue's available ring and answers it, the same role
// a real VirtIO device plays from the other side of the shared rings.
type Device struct {
	mem         hal.PhysMemory
	physBase    uint64
	availOffset uint32
	usedOffset  uint32
	size        uint16

	lastAvailIdx uint16

	transport *transport.MMIO
	queueIdx  uint16
}

// New returns a Device for the queue described by region, physBase,
// availOffset, usedOffset and size -- the values VirtQueue.SharedRegion
// returns for the queue being emulated. t and idx are used only to report
// QueueUsed back through the transport for tests that assert on it; t may
// be nil.
func New(region hal.PhysMemory, physBase uint64, availOffset, usedOffset uint32, size uint16, t *transport.MMIO, idx uint16) *Device {
	return &Device{
		mem:         region,
		physBase:    physBase,
		availOffset: availOffset,
		usedOffset:  usedOffset,
		size:        size,
		transport:   t,
		queueIdx:    idx,
	}
}

func (d *Device) resolve(paddr uint64, length int) []byte {
	return d.mem.Resolve(paddr, length)
}

func (d *Device) loadAvailIdx() uint16 {
	w := d.resolve(d.physBase+uint64(d.availOffset), 4)
	return uint16(atomic.LoadUint32((*uint32)(unsafe.Pointer(&w[0]))) >> 16)
}

func (d *Device) availSlot(i uint16) uint16 {
	off := d.physBase + uint64(d.availOffset) + 4 + uint64(i)*2
	return binary.LittleEndian.Uint16(d.resolve(off, 2))
}

func (d *Device) loadUsedIdx() uint16 {
	w := d.resolve(d.physBase+uint64(d.usedOffset), 4)
	return uint16(atomic.LoadUint32((*uint32)(unsafe.Pointer(&w[0]))) >> 16)
}

func (d *Device) storeUsedIdx(idx uint16) {
	w := d.resolve(d.physBase+uint64(d.usedOffset), 4)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&w[0])), uint32(idx)<<16)
}

func (d *Device) setUsedSlot(i uint16, id, length uint32) {
	off := d.physBase + uint64(d.usedOffset) + 4 + uint64(i)*8
	b := d.resolve(off, 8)
	binary.LittleEndian.PutUint32(b, id)
	binary.LittleEndian.PutUint32(b[4:], length)
}

func (d *Device) descAddr(i uint16) uint64 {
	return binary.LittleEndian.Uint64(d.resolve(d.physBase+uint64(i)*descriptorSize, 8))
}

func (d *Device) descLen(i uint16) uint32 {
	return binary.LittleEndian.Uint32(d.resolve(d.physBase+uint64(i)*descriptorSize+8, 4))
}

func (d *Device) descFlags(i uint16) uint16 {
	return binary.LittleEndian.Uint16(d.resolve(d.physBase+uint64(i)*descriptorSize+12, 2))
}

func (d *Device) descNext(i uint16) uint16 {
	return binary.LittleEndian.Uint16(d.resolve(d.physBase+uint64(i)*descriptorSize+14, 2))
}

// Poll processes every descriptor chain published on the available ring
// since the last call (or since the Device was created), invoking handler
// for each, and returns how many chains it processed. Callers that want a
// continuously running device should call Poll in a loop, typically from
// its own goroutine.
func (d *Device) Poll(handler Handler) (int, error) {
	// Acquire fence: the chain's descriptors and ring slot are only
	// guaranteed visible once this load observes the driver's index
	// update.
	target := d.loadAvailIdx()

	n := 0
	for d.lastAvailIdx != target {
		head := d.availSlot(d.lastAvailIdx % d.size)

		var readable, writable [][]byte

		idx := head
		for {
			addr := d.descAddr(idx)
			length := d.descLen(idx)
			flags := d.descFlags(idx)

			buf := d.resolve(addr, int(length))
			if flags&descFlagWrite != 0 {
				writable = append(writable, buf)
			} else {
				readable = append(readable, buf)
			}

			if flags&descFlagNext == 0 {
				break
			}
			idx = d.descNext(idx)
		}

		written, err := handler(readable, writable)
		if err != nil {
			log.Printf("fakedevice: handler for chain %d failed: %v", head, err)
			return n, fmt.Errorf("fakedevice: handler for chain %d: %w", head, err)
		}

		usedIdx := d.loadUsedIdx()
		d.setUsedSlot(usedIdx%d.size, uint32(head), written)
		// Release fence: the used slot above must be visible before
		// the driver observes the advanced index.
		d.storeUsedIdx(usedIdx + 1)

		if d.transport != nil {
			d.transport.SetQueueUsed(d.queueIdx, usedIdx+1)
		}

		d.lastAvailIdx++
		n++
	}

	return n, nil
}
