package decoder

import (
	"sync"

	"github.com/vladimirvivien/v4l2m2m/v4l2"
)

// bufferState is the tagged variant from spec.md §3: Free, PreQueue,
// Queued(handles), Dequeued. Grounded on original_source/src/device/queue.rs's
// BufferState<M> enum.
type bufferState int

const (
	stateFree bufferState = iota
	statePreQueue
	stateQueued
	stateDequeued
)

func (s bufferState) String() string {
	switch s {
	case stateFree:
		return "Free"
	case statePreQueue:
		return "PreQueue"
	case stateQueued:
		return "Queued"
	case stateDequeued:
		return "Dequeued"
	default:
		return "Unknown"
	}
}

// PlaneHandle is one plane's memory descriptor. Its concrete contents
// depend on the memory backend: for StreamTypeUserPtr, Data holds the
// client-supplied bytes the driver reads from; for StreamTypeMMAP, the
// queue mmaps each plane once at AllocateBuffers time (queue.go's mmapPlanes)
// and Data is a sub-slice of that mapping, bounded to BytesUsed, handed back
// on every Dequeue.
type PlaneHandle struct {
	Memory    v4l2.StreamType
	Data      []byte
	Index     uint32 // StreamTypeMMAP: plane slot index
	Length    uint32 // StreamTypeMMAP: mapped plane length
	BytesUsed uint32 // populated by the driver on dequeue
}

// BufferInfo is the per-buffer record from spec.md §3: static
// kernel-reported features plus a mutex-guarded mutable state. The mutex is
// the "reference-counted, interior-mutable state cell" spec.md §9 refers
// to: an outstanding DQBuffer holds a pointer to this same *BufferInfo,
// so it can outlive the queue's own bookkeeping of it.
type BufferInfo struct {
	Index     uint32
	NumPlanes uint32

	mu      sync.Mutex
	state   bufferState
	handles []PlaneHandle
	torn    bool // set by Queue teardown; makes a pending fuse release a no-op

	mapped [][]byte // StreamTypeMMAP only: one mmap'd region per plane
}

func newBufferInfo(index uint32, numPlanes uint32) *BufferInfo {
	return &BufferInfo{Index: index, NumPlanes: numPlanes, state: stateFree}
}

// CanceledBuffer is returned by Queue.StreamOff for every buffer that was
// Queued(handles) at the moment streaming stopped (spec.md §4.2).
type CanceledBuffer struct {
	Index   uint32
	Handles []PlaneHandle
}

// QBuffer is a handle to a buffer reserved in PreQueue for the client to
// fill and submit (spec.md §4.3). It is bound to exactly one buffer index
// and must be consumed exactly once, by either Submit or Cancel. Go has no
// destructors: a QBuffer that is dropped without either call leaves its
// buffer in PreQueue.
type QBuffer struct {
	queue *Queue
	info  *BufferInfo
	fuse  *bufferStateFuse
	used  bool
}

// Index returns the buffer-table index this handle is bound to.
func (b *QBuffer) Index() uint32 { return b.info.Index }

// Submit fills the buffer with handles and hands it to the driver,
// transitioning PreQueue -> Queued(handles) and incrementing the queue's
// queued-buffer counter. A failed qbuf ioctl leaves the buffer Free (via
// the fuse) and returns the error; the handles are not stored and stay
// with the caller untouched.
func (b *QBuffer) Submit(handles []PlaneHandle) error {
	if b.used {
		return ErrAlreadyUsed
	}
	b.used = true

	planeData := make([]v4l2.MPlane, len(handles))
	for i, h := range handles {
		switch h.Memory {
		case v4l2.StreamTypeUserPtr:
			planeData[i] = v4l2.MPlane{
				BytesUsed: uint32(len(h.Data)),
				Length:    uint32(len(h.Data)),
				UserPtr:   dataPtr(h.Data),
			}
		default:
			planeData[i] = v4l2.MPlane{
				Length:    h.Length,
				MemOffset: h.Index,
			}
		}
	}

	if err := b.queue.qbuf(b.info.Index, planeData); err != nil {
		b.fuse.release() // returns state to Free
		return err
	}

	b.info.mu.Lock()
	b.info.state = stateQueued
	b.info.handles = handles
	b.info.mu.Unlock()
	b.fuse.disarm() // ownership now belongs to the kernel, not this handle
	b.queue.incQueued()
	return nil
}

// Cancel releases the buffer back to Free without submitting it, via the
// fuse. It is a no-op after Submit or a previous Cancel.
func (b *QBuffer) Cancel() {
	if b.used {
		return
	}
	b.used = true
	b.fuse.release()
}

// DQBuffer is a handle to a buffer the driver has finished with, returned
// by Queue.Dequeue (spec.md §4.2). Dropping it (calling Release) returns
// the buffer to Free via its fuse; a worker-side drop callback can be
// attached to trigger a poller wake so the buffer is promptly re-enqueued.
type DQBuffer struct {
	queue     *Queue
	info      *BufferInfo
	fuse      *bufferStateFuse
	Index     uint32
	Flags     uint32
	Sequence  uint32
	Handles   []PlaneHandle
	Corrupted bool

	onRelease func()
	released  bool
}

// BytesUsed returns the first plane's bytesused, the field spec.md §4.4
// and §8 use to detect an "empty" CAPTURE buffer.
func (b *DQBuffer) BytesUsed() uint32 {
	if len(b.Handles) == 0 {
		return 0
	}
	return b.Handles[0].BytesUsed
}

// OnRelease registers a callback invoked exactly once, at Release, after
// the buffer's state has returned to Free. Used by the worker to wake its
// poller so a freed CAPTURE buffer is promptly re-enqueued (spec.md §9
// "cross-thread waker on DQBuffer drop").
func (b *DQBuffer) OnRelease(fn func()) { b.onRelease = fn }

// Release returns the underlying buffer to Free. Safe to call more than
// once; only the first call has an effect. A client that wants to keep
// feeding an OUTPUT buffer for a fresh submission should call Release once
// done inspecting it.
func (b *DQBuffer) Release() {
	if b.released {
		return
	}
	b.released = true
	b.fuse.release()
	if b.onRelease != nil {
		b.onRelease()
	}
}

func dataPtr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(ptrOf(b))
}
