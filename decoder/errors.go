package decoder

import "errors"

// Error taxonomy, grounded on the thiserror enums in stateful.rs/queue.rs
// (GetBufferError, StartDecoderError, CreateQueueError, RequestBuffersError,
// ProcessEventsError, TryGetBufferError) and translated into Go's sentinel
// + wrapped-error idiom, matching v4l2/errors.go's style.
var (
	// ErrDeviceOpen indicates the device node could not be opened.
	ErrDeviceOpen = errors.New("decoder: cannot open device")

	// ErrQueueAlreadyBorrowed indicates a queue type is already held by
	// another Queue instance on this device handle (spec.md §3, invariant 4).
	ErrQueueAlreadyBorrowed = errors.New("decoder: queue type already borrowed")

	// ErrQueueUnsupported indicates the dummy reqbufs(count=0) capability
	// probe failed, meaning the driver does not support this queue type.
	ErrQueueUnsupported = errors.New("decoder: queue type not supported by device")

	// ErrNotAStatefulDecoder indicates the §4.1 validation failed: either
	// OUTPUT advertises no compressed format, CAPTURE advertises no
	// uncompressed format, or OUTPUT advertises SUPPORTS_REQUESTS.
	ErrNotAStatefulDecoder = errors.New("decoder: device is not a stateful decoder")

	// ErrRequestBuffers indicates VIDIOC_REQBUFS or a subsequent per-buffer
	// VIDIOC_QUERYBUF failed during allocation.
	ErrRequestBuffers = errors.New("decoder: request buffers failed")

	// ErrStreamOn / ErrStreamOff indicate the driver refused to start or
	// stop streaming on a queue.
	ErrStreamOn  = errors.New("decoder: stream on failed")
	ErrStreamOff = errors.New("decoder: stream off failed")

	// ErrSubscribeEvent indicates VIDIOC_SUBSCRIBE_EVENT failed.
	ErrSubscribeEvent = errors.New("decoder: subscribe event failed")

	// ErrNotReady is not a failure: it signals that a non-blocking dequeue
	// had nothing ready (EAGAIN). It is control flow, per spec.md §7, and
	// drains a dequeue loop rather than aborting an operation.
	ErrNotReady = errors.New("decoder: not ready")

	// ErrEOS indicates the driver returned EPIPE on dqbuf: the queue has
	// nothing left to dequeue and will not produce anything further.
	// Propagated verbatim, like ErrNotReady, rather than wrapped.
	ErrEOS = errors.New("decoder: end of stream")

	// ErrInvalidIndex / ErrAlreadyUsed are returned by TryGetBuffer.
	ErrInvalidIndex = errors.New("decoder: invalid buffer index")
	ErrAlreadyUsed  = errors.New("decoder: buffer already in use")

	// ErrNoFreeBuffer is returned by TryGetFreeBuffer when every buffer is
	// owned by PreQueue, Queued, or Dequeued.
	ErrNoFreeBuffer = errors.New("decoder: no free buffer")

	// ErrDecoderCmd indicates VIDIOC_DECODER_CMD failed.
	ErrDecoderCmd = errors.New("decoder: decoder command failed")

	// ErrWrongPhase indicates a public Decoder method was called in a
	// typestate phase that does not permit it (spec.md §4.1, §9 "runtime
	// enforcement" of the phase tag).
	ErrWrongPhase = errors.New("decoder: operation not valid in current phase")

	// ErrQueueNotAllocated / ErrQueueStreaming / ErrQueueNotStreaming guard
	// Queue's Init/BuffersAllocated/Streaming sub-states (spec.md §4.2).
	ErrQueueNotAllocated = errors.New("decoder: queue has no allocated buffers")
	ErrQueueStreaming    = errors.New("decoder: queue is streaming")
	ErrQueueNotStreaming = errors.New("decoder: queue is not streaming")
)

// CorruptedBufferError wraps a successfully-dequeued CAPTURE or OUTPUT
// buffer that the driver flagged as corrupted (v4l2.BufFlagError). Per
// spec.md §7/§9 (Open Question 4) this is non-fatal: dequeue "succeeds
// structurally" and the buffer is still handed back to the caller, flagged,
// for inspection or discard.
type CorruptedBufferError struct {
	Buffer *DQBuffer
}

func (e *CorruptedBufferError) Error() string {
	return "decoder: corrupted buffer reported by driver"
}

// GetFreeBufferError reports why a free OUTPUT buffer could not be
// acquired; it always wraps ErrNoFreeBuffer or a dequeue/poll failure.
type GetFreeBufferError struct {
	Err error
}

func (e *GetFreeBufferError) Error() string {
	return "decoder: get free buffer: " + e.Err.Error()
}

func (e *GetFreeBufferError) Unwrap() error { return e.Err }
