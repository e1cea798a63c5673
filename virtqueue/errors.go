package virtqueue

import "errors"

// Sentinel errors returned by VirtQueue methods. Callers compare against
// these with errors.Is rather than inspecting wrapped text.
var (
	// ErrAlreadyUsed is returned by New when the transport reports the
	// requested queue index is already configured.
	ErrAlreadyUsed = errors.New("virtqueue: queue index already configured")

	// ErrInvalidParam is returned for a queue size that isn't a power of
	// two or exceeds the transport's declared maximum, and for Add calls
	// offering no buffers at all.
	ErrInvalidParam = errors.New("virtqueue: invalid parameter")

	// ErrQueueFull is returned by Add when too few descriptors are free
	// for the requested chain.
	ErrQueueFull = errors.New("virtqueue: queue full")

	// ErrNotReady is returned by PopUsed when the used ring shows no new
	// completion.
	ErrNotReady = errors.New("virtqueue: not ready")

	// ErrWrongToken is returned by PopUsed when the next completion on
	// the used ring refers to a different descriptor chain than the one
	// the caller presented.
	ErrWrongToken = errors.New("virtqueue: wrong token")
)
