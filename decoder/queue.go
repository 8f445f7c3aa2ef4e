package decoder

import (
	"errors"
	"fmt"
	"sync"

	sys "golang.org/x/sys/unix"

	"github.com/vladimirvivien/v4l2m2m/v4l2"
)

// Package-level indirections over the v4l2 ioctl layer, reassignable in
// tests. This mirrors go4vl's device/device_test.go pattern (package vars
// v4l2OpenDevice, v4l2GetCapability, ... swapped for mockFn vars in an
// init()), generalized here to the mplane reqbufs/querybuf/qbuf/dqbuf/
// streamon/streamoff calls a Queue issues, so queue.go and worker.go are
// unit-testable without a real V4L2 device node.
var (
	reqbufsFn   = v4l2.ReqbufsMPlane
	querybufFn  = v4l2.QuerybufMPlane
	qbufFn      = v4l2.QbufMPlane
	dqbufFn     = v4l2.DqbufMPlane
	streamOnFn  = v4l2.StreamOnType
	streamOffFn = v4l2.StreamOffType
	getFormatFn = v4l2.GetMPlanePixFormat
	mmapFn      = v4l2.MapMemoryBuffer
	munmapFn    = v4l2.UnmapMemoryBuffer
)

// queuePhase is the small state machine from spec.md §4.2: Init or
// BuffersAllocated (streaming is an orthogonal flag within
// BuffersAllocated, not a separate phase, since stream_on/off never change
// the buffer table itself).
type queuePhase int

const (
	queueInit queuePhase = iota
	queueBuffersAllocated
)

// Queue is spec.md §4.2's queue abstraction: a single OUTPUT-mplane or
// CAPTURE-mplane queue, obtained once from a Device's borrow registry and
// released on Close. Grounded directly on
// original_source/src/device/queue.rs's QueueBase/Queue<D,S>.
//
// Per spec.md §5, num_queued_buffers is mutated by exactly one thread (the
// client thread for OUTPUT, the worker thread for CAPTURE), so it is a
// plain field, not an atomic; buffers themselves are protected individually
// by each BufferInfo's own mutex.
type Queue struct {
	dev     *Device
	bufType v4l2.MPlaneBufType
	memory  v4l2.StreamType

	capabilities uint32 // from the dummy reqbufs(count=0) probe, at construction

	phase      queuePhase
	streaming  bool
	buffers    []*BufferInfo
	numQueued  uint32
	torn       bool
	closedOnce sync.Once
}

// NewQueue obtains bufType from dev's borrow registry and probes its
// capabilities with a dummy zero-count reqbufs, per spec.md §3 ("capability
// bits, read once at creation via a dummy allocation request").
func NewQueue(dev *Device, bufType v4l2.MPlaneBufType, memory v4l2.StreamType) (*Queue, error) {
	if err := dev.borrow(bufType); err != nil {
		return nil, err
	}

	probe, err := reqbufsFn(dev.Fd(), bufType, memory, 0)
	if err != nil {
		dev.release(bufType)
		return nil, fmt.Errorf("%w: %w", ErrQueueUnsupported, err)
	}

	return &Queue{
		dev:          dev,
		bufType:      bufType,
		memory:       memory,
		capabilities: probe.Capabilities,
		phase:        queueInit,
	}, nil
}

// BufType returns the mplane buffer type this queue drives.
func (q *Queue) BufType() v4l2.MPlaneBufType { return q.bufType }

// Capabilities returns the buffer-capability bits read at construction
// (e.g. v4l2.CapBufSupportsRequests — used by §4.1's stateful-decoder
// validation).
func (q *Queue) Capabilities() uint32 { return q.capabilities }

// IsStreaming reports whether stream_on has been called without a matching
// stream_off.
func (q *Queue) IsStreaming() bool { return q.streaming }

// NumQueuedBuffers returns the count of buffers currently in the Queued
// state (invariant 1: this must always equal count(state == Queued)).
func (q *Queue) NumQueuedBuffers() uint32 { return q.numQueued }

// NumBuffers returns the total allocated buffer count (0 in Init).
func (q *Queue) NumBuffers() uint32 { return uint32(len(q.buffers)) }

// GetFormat re-reads the queue's current format from the driver (valid in
// any state, per spec.md §4.2: "read capabilities, read type, get/set/try
// format ... available in every state").
func (q *Queue) GetFormat() (v4l2.MPlanePixFormat, error) {
	return getFormatFn(q.dev.Fd(), q.bufType)
}

// FormatBuilder returns a builder seeded with the driver's current format,
// valid only while the queue is in Init.
func (q *Queue) FormatBuilder() (*FormatBuilder, error) {
	if q.phase != queueInit {
		return nil, fmt.Errorf("%w: format builder valid only in Init", ErrWrongPhase)
	}
	seed, err := q.GetFormat()
	if err != nil {
		return nil, fmt.Errorf("format builder seed: %w", err)
	}
	return newFormatBuilder(q, seed), nil
}

// AllocateBuffers transitions Init -> BuffersAllocated, requesting count
// buffers of the queue's memory backend. The driver may adjust count; the
// returned value is the actual allocated count (spec.md §4.2). For each
// allocated slot, its static features are queried and a Free BufferInfo
// record is installed.
func (q *Queue) AllocateBuffers(count uint32) (uint32, error) {
	if q.phase != queueInit {
		return 0, fmt.Errorf("%w: allocate valid only in Init", ErrWrongPhase)
	}

	req, err := reqbufsFn(q.dev.Fd(), q.bufType, q.memory, count)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRequestBuffers, err)
	}

	format, err := q.GetFormat()
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrRequestBuffers, err)
	}
	numPlanes := format.NumPlanes
	if numPlanes == 0 {
		numPlanes = 1
	}

	buffers := make([]*BufferInfo, req.Count)
	for i := uint32(0); i < req.Count; i++ {
		raw, err := querybufFn(q.dev.Fd(), q.bufType, q.memory, i, numPlanes)
		if err != nil {
			return 0, fmt.Errorf("%w: querybuf index %d: %w", ErrRequestBuffers, i, err)
		}
		info := newBufferInfo(i, numPlanes)
		if q.memory == v4l2.StreamTypeMMAP {
			mapped, err := mmapPlanes(q.dev.Fd(), raw.Planes)
			if err != nil {
				munmapPlanes(buffers[:i])
				return 0, fmt.Errorf("%w: mmap index %d: %w", ErrRequestBuffers, i, err)
			}
			info.mapped = mapped
		}
		buffers[i] = info
	}

	q.buffers = buffers
	q.numQueued = 0
	q.phase = queueBuffersAllocated
	return req.Count, nil
}

// FreeBuffers transitions BuffersAllocated -> Init by requesting zero
// buffers; the queue must not be streaming (spec.md §4.2). Every
// BufferInfo is marked torn so any fuse still referencing one becomes a
// no-op (invariant 5).
func (q *Queue) FreeBuffers() error {
	if q.phase != queueBuffersAllocated {
		return nil
	}
	if q.streaming {
		return ErrQueueStreaming
	}

	munmapPlanes(q.buffers)

	if _, err := reqbufsFn(q.dev.Fd(), q.bufType, q.memory, 0); err != nil {
		return fmt.Errorf("%w: %w", ErrRequestBuffers, err)
	}

	for _, b := range q.buffers {
		b.mu.Lock()
		b.torn = true
		b.mu.Unlock()
	}
	q.buffers = nil
	q.numQueued = 0
	q.phase = queueInit
	return nil
}

// StreamOn starts streaming. Idempotent at the contract level (spec.md
// §4.2); calling it twice is harmless.
func (q *Queue) StreamOn() error {
	if q.phase != queueBuffersAllocated {
		return fmt.Errorf("%w: stream on requires BuffersAllocated", ErrQueueNotAllocated)
	}
	if q.streaming {
		return nil
	}
	if err := streamOnFn(q.dev.Fd(), q.bufType); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamOn, err)
	}
	q.streaming = true
	return nil
}

// StreamOff stops streaming and walks every BufferInfo: any buffer still
// Queued(handles) moves to Free and is appended to the canceled list
// (spec.md §4.2). Buffers in Dequeued or PreQueue are left alone — they
// remain client-owned.
func (q *Queue) StreamOff() ([]CanceledBuffer, error) {
	if !q.streaming {
		return nil, nil
	}
	if err := streamOffFn(q.dev.Fd(), q.bufType); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStreamOff, err)
	}
	q.streaming = false

	var canceled []CanceledBuffer
	for _, b := range q.buffers {
		b.mu.Lock()
		if b.state == stateQueued {
			canceled = append(canceled, CanceledBuffer{Index: b.Index, Handles: b.handles})
			b.state = stateFree
			b.handles = nil
			q.numQueued--
		}
		b.mu.Unlock()
	}
	return canceled, nil
}

// TryGetBuffer acquires buffer index for filling/submission, moving it
// Free -> PreQueue. Errors: ErrInvalidIndex, ErrAlreadyUsed.
func (q *Queue) TryGetBuffer(index uint32) (*QBuffer, error) {
	if index >= uint32(len(q.buffers)) {
		return nil, ErrInvalidIndex
	}
	info := q.buffers[index]
	info.mu.Lock()
	if info.state != stateFree {
		info.mu.Unlock()
		return nil, ErrAlreadyUsed
	}
	info.state = statePreQueue
	info.mu.Unlock()

	return &QBuffer{queue: q, info: info, fuse: armFuse(info)}, nil
}

// TryGetFreeBuffer scans for the lowest-index Free buffer and acquires it
// (spec.md §4.2: "tie-break: lowest-index first ... for deterministic
// testing").
func (q *Queue) TryGetFreeBuffer() (*QBuffer, error) {
	for i := range q.buffers {
		info := q.buffers[i]
		info.mu.Lock()
		free := info.state == stateFree
		info.mu.Unlock()
		if free {
			return q.TryGetBuffer(uint32(i))
		}
	}
	return nil, ErrNoFreeBuffer
}

// Dequeue retrieves the next completed buffer (spec.md §4.2): moves its
// state Queued(handles) -> Dequeued, decrements numQueued, and arms a fuse
// on the returned DQBuffer so dropping it returns the state to Free.
//
// ErrNotReady (EAGAIN, a non-blocking dqbuf with nothing ready) and ErrEOS
// (EPIPE, the queue is drained and will yield nothing further) propagate
// verbatim as control-flow signals, not as an operation failure.
// A driver-reported corrupted-buffer condition still returns a structurally
// valid DQBuffer, wrapped in *CorruptedBufferError so the caller may
// inspect and discard it (spec.md §4.2, §7).
func (q *Queue) Dequeue() (*DQBuffer, error) {
	numPlanes := uint32(1)
	if len(q.buffers) > 0 {
		numPlanes = q.buffers[0].NumPlanes
	}

	raw, err := dqbufFn(q.dev.Fd(), q.bufType, q.memory, numPlanes)
	if err != nil {
		if errors.Is(err, sys.EAGAIN) {
			return nil, ErrNotReady
		}
		if errors.Is(err, sys.EPIPE) {
			return nil, ErrEOS
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	if raw.Index >= uint32(len(q.buffers)) {
		return nil, fmt.Errorf("dequeue: index %d out of range", raw.Index)
	}
	info := q.buffers[raw.Index]

	handles := make([]PlaneHandle, len(raw.Planes))
	for i, p := range raw.Planes {
		h := PlaneHandle{
			Memory:    q.memory,
			BytesUsed: p.BytesUsed,
			Length:    p.Length,
			Index:     p.MemOffset,
		}
		if q.memory == v4l2.StreamTypeMMAP && i < len(info.mapped) {
			h.Data = info.mapped[i][:p.BytesUsed]
		}
		handles[i] = h
	}

	info.mu.Lock()
	info.state = stateDequeued
	info.handles = handles
	info.mu.Unlock()
	q.numQueued--

	dq := &DQBuffer{
		queue:     q,
		info:      info,
		fuse:      armFuse(info),
		Index:     raw.Index,
		Flags:     raw.Flags,
		Sequence:  raw.Sequence,
		Handles:   handles,
		Corrupted: raw.Flags&v4l2.BufFlagError != 0,
	}

	if dq.Corrupted {
		return dq, &CorruptedBufferError{Buffer: dq}
	}
	return dq, nil
}

// qbuf is the Submit-path ioctl call, unexported since it is only meant to
// be driven through a QBuffer.
func (q *Queue) qbuf(index uint32, planes []v4l2.MPlane) error {
	if _, err := qbufFn(q.dev.Fd(), q.bufType, q.memory, index, planes); err != nil {
		return fmt.Errorf("qbuf: %w", err)
	}
	return nil
}

func (q *Queue) incQueued() { q.numQueued++ }

// Close releases this queue's borrow on its device handle. It does not
// free buffers or stop streaming; callers should do that first if needed.
func (q *Queue) Close() {
	q.closedOnce.Do(func() {
		munmapPlanes(q.buffers)
		q.dev.release(q.bufType)
	})
}

// mmapPlanes maps each of raw's planes into this process's address space,
// grounded on streaming.go's MapMemoryBuffer (the teacher's single-planar
// mmap helper), applied here per mplane since CAPTURE frames can carry more
// than one hardware plane.
func mmapPlanes(fd uintptr, raw []v4l2.MPlane) ([][]byte, error) {
	mapped := make([][]byte, len(raw))
	for i, p := range raw {
		data, err := mmapFn(fd, int64(p.MemOffset), int(p.Length))
		if err != nil {
			for _, m := range mapped[:i] {
				munmapFn(m)
			}
			return nil, err
		}
		mapped[i] = data
	}
	return mapped, nil
}

func munmapPlanes(buffers []*BufferInfo) {
	for _, b := range buffers {
		if b == nil {
			continue
		}
		for _, m := range b.mapped {
			if m != nil {
				munmapFn(m)
			}
		}
		b.mapped = nil
	}
}
