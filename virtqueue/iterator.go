package virtqueue

import "github.com/f-secure-foundry/virtqueue/hal"

// bufferIterator walks inputs, then outputs, pairing each buffer with its
// BufferDirection. Chaining the two slices into a single iterator lets Add
// and the chain recycler share one definition of "the buffers, in order".
type bufferIterator struct {
	inputs, outputs [][]byte
	i               int
	cur             []byte
	dir             hal.BufferDirection
}

func newBufferIterator(inputs, outputs [][]byte) *bufferIterator {
	return &bufferIterator{inputs: inputs, outputs: outputs, i: -1}
}

// next advances to the next buffer, returning false once both slices are
// exhausted.
func (it *bufferIterator) next() bool {
	it.i++

	if it.i < len(it.inputs) {
		it.cur = it.inputs[it.i]
		it.dir = hal.DriverToDevice
		return true
	}

	j := it.i - len(it.inputs)
	if j < len(it.outputs) {
		it.cur = it.outputs[j]
		it.dir = hal.DeviceToDriver
		return true
	}

	return false
}

func (it *bufferIterator) buffer() []byte {
	return it.cur
}

func (it *bufferIterator) direction() hal.BufferDirection {
	return it.dir
}
