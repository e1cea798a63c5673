// Package transport abstracts the device-register side of a VirtIO 1.x
// queue: the handful of operations a virtqueue core needs to bind itself
// to queue index N and ring the device's doorbell, independent of whether
// the registers are reached over MMIO, PCI capability structures, or
// (package fakedevice) an in-process stand-in.
package transport

import "errors"

// ErrAlreadyBound is returned by QueueSet when idx has already been bound
// by an earlier call, letting a caller distinguish "this index is already
// configured" from any other QueueSet failure.
var ErrAlreadyBound = errors.New("transport: queue already bound")

// Transport is implemented by a concrete VirtIO device binding (MMIO, PCI)
// and consumed by a virtqueue core during construction and on every
// notify.
type Transport interface {
	// MaxQueueSize returns the maximum queue size the device supports,
	// per the device's QueueNumMax register. It takes no queue index:
	// virtqueue.New calls it before QueueSet and applies the same
	// maximum to whichever index it binds.
	MaxQueueSize() uint32

	// QueueSet binds physical queue idx, of the given size, to the
	// three ring addresses, and enables it. Address layout and
	// validation are the caller's (virtqueue core's) responsibility;
	// QueueSet only has to program the device. It returns an error
	// wrapping ErrAlreadyBound if idx has already been bound.
	QueueSet(idx uint16, size uint16, descAddr, availAddr, usedAddr uint64) error

	// QueueUsed returns the device's view of how many descriptor chains
	// it has completed and returned on queue idx's used ring. Drivers
	// normally get this from the ring itself (ring.usedRing.loadIdx);
	// it is exposed here because some transports additionally expose
	// it as a register for diagnostics.
	QueueUsed(idx uint16) uint16

	// Notify rings the device's doorbell for queue idx, telling it new
	// descriptor chains are available.
	Notify(idx uint16) error
}
