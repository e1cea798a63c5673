package transport

import (
	"fmt"
	"log"
	"sync"
)

// MMIO is a minimal VirtIO 1.x MMIO transport recording queue bindings and
// notifications in memory rather than programming real device registers,
// standing in for the register-access layer spec.md places out of scope.
// It is enough to drive package fakedevice end to end and to assert a
// virtqueue core notifies at the right times.
type MMIO struct {
	mu sync.Mutex

	maxQueueSize uint32

	queues    map[uint16]queueBinding
	notifies  map[uint16]int
	usedCount map[uint16]uint16
}

type queueBinding struct {
	size                          uint16
	descAddr, availAddr, usedAddr uint64
}

// NewMMIO returns an MMIO transport whose QueueNumMax is maxQueueSize.
func NewMMIO(maxQueueSize uint32) *MMIO {
	return &MMIO{
		maxQueueSize: maxQueueSize,
		queues:       make(map[uint16]queueBinding),
		notifies:     make(map[uint16]int),
		usedCount:    make(map[uint16]uint16),
	}
}

func (m *MMIO) MaxQueueSize() uint32 {
	return m.maxQueueSize
}

func (m *MMIO) QueueSet(idx uint16, size uint16, descAddr, availAddr, usedAddr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if uint32(size) > m.maxQueueSize {
		log.Printf("transport: rejecting queue %d: size %d exceeds maximum %d", idx, size, m.maxQueueSize)
		return fmt.Errorf("transport: queue size %d exceeds maximum %d", size, m.maxQueueSize)
	}
	if _, exists := m.queues[idx]; exists {
		log.Printf("transport: rejecting queue %d: already bound", idx)
		return fmt.Errorf("%w: queue %d", ErrAlreadyBound, idx)
	}

	m.queues[idx] = queueBinding{size: size, descAddr: descAddr, availAddr: availAddr, usedAddr: usedAddr}
	return nil
}

func (m *MMIO) QueueUsed(idx uint16) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usedCount[idx]
}

// SetQueueUsed lets a test harness (package fakedevice) report how many
// chains it has completed, mirroring the device side of the QueueNotify /
// used-ring protocol.
func (m *MMIO) SetQueueUsed(idx uint16, n uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usedCount[idx] = n
}

func (m *MMIO) Notify(idx uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.queues[idx]; !exists {
		log.Printf("transport: notify on unbound queue %d", idx)
		return fmt.Errorf("transport: notify on unbound queue %d", idx)
	}
	m.notifies[idx]++
	return nil
}

// Notifications returns how many times Notify has been called for idx,
// letting tests assert a virtqueue core rang the doorbell exactly when
// expected.
func (m *MMIO) Notifications(idx uint16) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notifies[idx]
}

// Binding returns the addresses QueueSet recorded for idx.
func (m *MMIO) Binding(idx uint16) (descAddr, availAddr, usedAddr uint64, size uint16, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.queues[idx]
	return b.descAddr, b.availAddr, b.usedAddr, b.size, ok
}
