// Package virtqueue implements the driver-side engine of a VirtIO 1.x
// split virtqueue: the descriptor table, available ring and used ring
// sharing a single DMA region with a device, the free-list that recycles
// descriptor chains, and the memory-ordering fences that make the ring
// protocol safe to run concurrently with a device that is reading and
// writing the same memory from another thread (or, in tests, another
// goroutine).
//
// Transport and buffer-sharing concerns are factored out behind the
// transport.Transport and hal.Hal interfaces so this package contains
// exactly the ring and descriptor bookkeeping VirtIO 1.x, 2.6 Split
// Virtqueues, specifies.
package virtqueue

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/f-secure-foundry/virtqueue/hal"
	"github.com/f-secure-foundry/virtqueue/transport"
)

const invalidDesc = 0xffff

// VirtQueue is one driver-side split virtqueue: a descriptor table, an
// available ring and a used ring, all packed into a single DMA allocation,
// plus the free-list and index bookkeeping needed to submit descriptor
// chains and reclaim them once the device is done.
//
// A VirtQueue is not safe for concurrent use by multiple goroutines on the
// driver side; VirtIO itself only guarantees safety between one driver
// thread and one device thread per queue.
type VirtQueue struct {
	hal       hal.Hal
	transport transport.Transport
	guard     *hal.DMAGuard

	mem      []byte
	physBase uint64

	queueIdx  uint16
	queueSize uint16

	availOffset uint32
	usedOffset  uint32

	avail availRing
	used  usedRing

	numFree     uint16
	freeHead    uint16
	availIdx    uint16
	lastUsedIdx uint16

	shared map[uint16][]sharedBuffer
}

// sharedBuffer records one Share'd buffer belonging to an in-flight
// descriptor chain, so PopUsed can Unshare it and copy device-written
// bytes back without the caller having to remember what it passed to Add.
type sharedBuffer struct {
	buf   []byte
	paddr uint64
	dir   hal.BufferDirection
}

// New allocates and binds a fresh queue of the given size at queue index
// idx, validating size against the device's advertised maximum and the
// split-virtqueue requirement that size be a power of two.
func New(h hal.Hal, t transport.Transport, idx uint16, size uint16) (*VirtQueue, error) {
	if h == nil || t == nil {
		return nil, ErrInvalidParam
	}
	if size == 0 || !isPowerOfTwo(size) {
		return nil, fmt.Errorf("%w: queue size %d is not a power of two", ErrInvalidParam, size)
	}
	if max := t.MaxQueueSize(); max == 0 {
		return nil, fmt.Errorf("%w: queue %d is not available on this device", ErrInvalidParam, idx)
	} else if uint32(size) > max {
		return nil, fmt.Errorf("%w: queue size %d exceeds device maximum %d", ErrInvalidParam, size, max)
	}

	layout := computeLayout(size)

	guard, err := h.DMAAlloc(int(alignUpToPage(layout.totalSize)) / pageSize)
	if err != nil {
		return nil, fmt.Errorf("virtqueue: allocating queue memory: %w", err)
	}

	q := &VirtQueue{
		hal:         h,
		transport:   t,
		guard:       guard,
		mem:         guard.Bytes(),
		physBase:    guard.Paddr(),
		queueIdx:    idx,
		queueSize:   size,
		availOffset: layout.availOffset,
		usedOffset:  layout.usedOffset,
		avail:       availRing{mem: guard.Bytes(), base: layout.availOffset, size: size},
		used:        usedRing{mem: guard.Bytes(), base: layout.usedOffset, size: size},
		numFree:     size,
		shared:      make(map[uint16][]sharedBuffer),
	}

	for i := uint16(0); i < size; i++ {
		next := i + 1
		if next == size {
			next = invalidDesc
		}
		q.setDescNext(i, next)
	}
	q.freeHead = 0

	descAddr := q.physBase
	availAddr := q.physBase + uint64(layout.availOffset)
	usedAddr := q.physBase + uint64(layout.usedOffset)

	if err := t.QueueSet(idx, size, descAddr, availAddr, usedAddr); err != nil {
		guard.Close()
		if errors.Is(err, transport.ErrAlreadyBound) {
			return nil, fmt.Errorf("%w: queue %d: %v", ErrAlreadyUsed, idx, err)
		}
		return nil, fmt.Errorf("virtqueue: binding queue %d: %w", idx, err)
	}

	return q, nil
}

// Size returns the queue's descriptor-table size.
func (q *VirtQueue) Size() uint16 {
	return q.queueSize
}

// AvailableDesc returns how many descriptors are currently unused and
// available for a new chain.
func (q *VirtQueue) AvailableDesc() uint16 {
	return q.numFree
}

// SharedRegion exposes the queue's backing DMA memory as a PhysMemory,
// together with the physical base address and ring offsets, so a
// device-side test harness can locate and interpret the rings without
// reaching into VirtQueue internals. It returns false if the underlying
// Hal does not support address resolution.
func (q *VirtQueue) SharedRegion() (mem hal.PhysMemory, physBase uint64, availOffset, usedOffset uint32, size uint16, ok bool) {
	pm, ok := q.hal.(hal.PhysMemory)
	return pm, q.physBase, q.availOffset, q.usedOffset, q.queueSize, ok
}

// Add allocates a descriptor chain for inputs (driver-to-device buffers)
// followed by outputs (device-to-driver buffers), shares each buffer with
// the device, publishes the chain on the available ring, and returns the
// chain's head descriptor index as an opaque token for the later PopUsed.
//
// Add does not notify the device; callers that want submit-and-wait
// semantics should use AddNotifyWaitPop, or call Notify themselves after
// batching multiple Add calls.
func (q *VirtQueue) Add(inputs, outputs [][]byte) (uint16, error) {
	n := len(inputs) + len(outputs)
	if n == 0 {
		return 0, fmt.Errorf("%w: chain has no buffers", ErrInvalidParam)
	}
	if uint16(n) > q.numFree {
		return 0, ErrQueueFull
	}

	head := q.freeHead
	cur := head
	bufs := make([]sharedBuffer, 0, n)

	it := newBufferIterator(inputs, outputs)
	for i := 0; it.next(); i++ {
		buf, dir := it.buffer(), it.direction()
		if buf == nil {
			panic(fmt.Sprintf("virtqueue: nil buffer %d passed to Add", i))
		}

		paddr, err := q.hal.Share(buf, dir)
		if err != nil {
			q.rollbackShare(bufs)
			return 0, fmt.Errorf("virtqueue: sharing buffer %d: %w", i, err)
		}
		bufs = append(bufs, sharedBuffer{buf: buf, paddr: paddr, dir: dir})

		next := q.descNext(cur)

		q.setDescAddr(cur, paddr)
		q.setDescLen(cur, uint32(len(buf)))

		flags := uint16(0)
		if dir == hal.DeviceToDriver {
			flags |= descFlagWrite
		}
		if i < n-1 {
			flags |= descFlagNext
		}
		q.setDescFlags(cur, flags)

		if i < n-1 {
			cur = next
		} else {
			q.freeHead = next
		}
	}

	q.numFree -= uint16(n)
	q.shared[head] = bufs

	q.avail.setSlot(q.availIdx%q.queueSize, head)
	q.availIdx++

	// Release fence: the descriptor chain and the ring slot above must
	// be visible to the device before the new avail.idx is, since the
	// device is allowed to start processing as soon as it observes the
	// updated index.
	q.avail.storeIdx(q.availIdx)

	return head, nil
}

func (q *VirtQueue) rollbackShare(bufs []sharedBuffer) {
	for _, b := range bufs {
		q.hal.Unshare(b.paddr, b.buf, hal.DriverToDevice)
	}
}

// Notify rings the device's doorbell for this queue. It is normally called
// once after one or more Add calls have been batched.
func (q *VirtQueue) Notify() error {
	return q.transport.Notify(q.queueIdx)
}

// CanPop reports whether the device has completed at least one descriptor
// chain not yet claimed by PopUsed. It issues the acquire fence required
// before the caller inspects anything the device may have written.
func (q *VirtQueue) CanPop() bool {
	return q.used.loadIdx() != q.lastUsedIdx
}

// PeekUsed returns the chain token (the value Add returned) of the next
// completed chain without reclaiming its descriptors, or false if none is
// ready. It is useful when a caller wants to identify a completion before
// deciding whether to consume it.
func (q *VirtQueue) PeekUsed() (token uint16, ok bool) {
	if !q.CanPop() {
		return 0, false
	}
	e := q.used.slot(q.lastUsedIdx % q.queueSize)
	return uint16(e.id), true
}

// PopUsed reclaims the next completed descriptor chain: it copies any
// device-written bytes back into the caller's output buffers, unshares
// every buffer in the chain, returns the chain's descriptors to the free
// list, and returns the number of bytes the device reported writing.
//
// wantToken must equal the token Add returned for the chain at the head of
// the used ring. The device may complete chains in a different order than
// they were submitted, so a caller with several chains outstanding should
// PeekUsed first and pop the token it reports.
func (q *VirtQueue) PopUsed(wantToken uint16) (length uint32, err error) {
	if !q.CanPop() {
		return 0, ErrNotReady
	}

	e := q.used.slot(q.lastUsedIdx % q.queueSize)
	head := uint16(e.id)

	if head != wantToken {
		return 0, fmt.Errorf("%w: popped chain %d, wanted %d", ErrWrongToken, head, wantToken)
	}

	bufs, ok := q.shared[head]
	if !ok {
		return 0, fmt.Errorf("virtqueue: chain %d has no recorded buffers", head)
	}
	delete(q.shared, head)

	for _, b := range bufs {
		q.hal.Unshare(b.paddr, b.buf, b.dir)
	}

	q.recycle(head, uint16(len(bufs)))
	q.lastUsedIdx++

	return e.len, nil
}

// recycle appends the chain starting at head back onto the free list. It
// validates the chain's length against count, the number of buffers Add
// shared for this chain, and panics on a mismatch: that can only mean the
// descriptor table was corrupted, either by a misbehaving device or by a
// bug in this package, and continuing to hand out descriptors from a free
// list of unknown shape is unsafe.
//
// Each descriptor's addr and len are zeroed as it is walked, so a stale
// physical address cannot be followed by accident if a bug elsewhere ever
// reads a free descriptor before it is reused.
func (q *VirtQueue) recycle(head uint16, count uint16) {
	cur := head
	for i := uint16(1); i < count; i++ {
		if q.descFlags(cur)&descFlagNext == 0 {
			panic(fmt.Sprintf("virtqueue: chain %d terminated after %d descriptors, expected %d", head, i, count))
		}
		next := q.descNext(cur)
		q.setDescAddr(cur, 0)
		q.setDescLen(cur, 0)
		cur = next
	}
	if q.descFlags(cur)&descFlagNext != 0 {
		panic(fmt.Sprintf("virtqueue: chain %d continues past %d descriptors", head, count))
	}
	q.setDescAddr(cur, 0)
	q.setDescLen(cur, 0)

	q.setDescNext(cur, q.freeHead)
	q.freeHead = head
	q.numFree += count
}

// AddNotifyWaitPop is a convenience wrapper combining Add, Notify, a busy
// wait for CanPop, and PopUsed into a single synchronous call. It is meant
// for simple request/response usage and polls CanPop in a tight loop, so
// callers on a real device should prefer driving Add/Notify/CanPop/PopUsed
// from their own interrupt or event loop instead.
//
// It is the caller's responsibility not to interleave this with other
// Add/PopUsed calls on the same queue; AddNotifyWaitPop assumes the chain
// it just submitted is the next one to complete.
func (q *VirtQueue) AddNotifyWaitPop(inputs, outputs [][]byte) (uint32, error) {
	token, err := q.Add(inputs, outputs)
	if err != nil {
		return 0, err
	}
	if err := q.Notify(); err != nil {
		return 0, err
	}
	for !q.CanPop() {
		runtime.Gosched()
	}
	return q.PopUsed(token)
}

// Close releases the queue's DMA allocation. It does not notify the
// device; callers are expected to have already quiesced the queue on the
// device side (for instance by resetting the device or disabling the
// queue through the transport) before calling Close.
func (q *VirtQueue) Close() error {
	if len(q.shared) != 0 {
		return errors.New("virtqueue: close called with chains still outstanding")
	}
	return q.guard.Close()
}
