package decoder

import (
	"errors"
	"testing"

	sys "golang.org/x/sys/unix"

	"github.com/vladimirvivien/v4l2m2m/v4l2"
)

func withQueueFns(t *testing.T, fn func()) {
	t.Helper()
	restoreReqbufs, restoreQuerybuf, restoreQbuf, restoreDqbuf := reqbufsFn, querybufFn, qbufFn, dqbufFn
	restoreOn, restoreOff, restoreFmt := streamOnFn, streamOffFn, getFormatFn
	restoreMmap, restoreMunmap := mmapFn, munmapFn
	defer func() {
		reqbufsFn, querybufFn, qbufFn, dqbufFn = restoreReqbufs, restoreQuerybuf, restoreQbuf, restoreDqbuf
		streamOnFn, streamOffFn, getFormatFn = restoreOn, restoreOff, restoreFmt
		mmapFn, munmapFn = restoreMmap, restoreMunmap
	}()
	fn()
}

func newTestQueue(bufType v4l2.MPlaneBufType, memory v4l2.StreamType) *Queue {
	return &Queue{
		dev:     &Device{fd: 99, borrowed: map[v4l2.MPlaneBufType]bool{}},
		bufType: bufType,
		memory:  memory,
		phase:   queueInit,
	}
}

func TestQueue_AllocateBuffersUserPtr(t *testing.T) {
	withQueueFns(t, func() {
		reqbufsFn = func(fd uintptr, bufType v4l2.MPlaneBufType, memory v4l2.StreamType, count uint32) (v4l2.MPlaneRequestBuffers, error) {
			return v4l2.MPlaneRequestBuffers{Count: count}, nil
		}
		querybufFn = func(fd uintptr, bufType v4l2.MPlaneBufType, memory v4l2.StreamType, index uint32, numPlanes uint32) (v4l2.MPlaneBuffer, error) {
			return v4l2.MPlaneBuffer{Index: index, Planes: make([]v4l2.MPlane, numPlanes)}, nil
		}
		getFormatFn = func(fd uintptr, bufType v4l2.MPlaneBufType) (v4l2.MPlanePixFormat, error) {
			return v4l2.MPlanePixFormat{NumPlanes: 1}, nil
		}

		q := newTestQueue(v4l2.BufTypeVideoOutputMPlane, v4l2.StreamTypeUserPtr)
		count, err := q.AllocateBuffers(4)
		if err != nil {
			t.Fatalf("AllocateBuffers: %v", err)
		}
		if count != 4 {
			t.Fatalf("count = %d, want 4", count)
		}
		if q.phase != queueBuffersAllocated {
			t.Fatalf("phase = %v, want BuffersAllocated", q.phase)
		}
		if q.NumBuffers() != 4 {
			t.Fatalf("NumBuffers = %d, want 4", q.NumBuffers())
		}
	})
}

func TestQueue_AllocateBuffersMMAPMapsEachPlane(t *testing.T) {
	withQueueFns(t, func() {
		reqbufsFn = func(fd uintptr, bufType v4l2.MPlaneBufType, memory v4l2.StreamType, count uint32) (v4l2.MPlaneRequestBuffers, error) {
			return v4l2.MPlaneRequestBuffers{Count: count}, nil
		}
		querybufFn = func(fd uintptr, bufType v4l2.MPlaneBufType, memory v4l2.StreamType, index uint32, numPlanes uint32) (v4l2.MPlaneBuffer, error) {
			return v4l2.MPlaneBuffer{Index: index, Planes: []v4l2.MPlane{{MemOffset: index * 4096, Length: 2048}}}, nil
		}
		getFormatFn = func(fd uintptr, bufType v4l2.MPlaneBufType) (v4l2.MPlanePixFormat, error) {
			return v4l2.MPlanePixFormat{NumPlanes: 1}, nil
		}
		var mappedOffsets []int64
		mmapFn = func(fd uintptr, offset int64, length int) ([]byte, error) {
			mappedOffsets = append(mappedOffsets, offset)
			return make([]byte, length), nil
		}
		var unmapped int
		munmapFn = func(b []byte) error {
			unmapped++
			return nil
		}

		q := newTestQueue(v4l2.BufTypeVideoCaptureMPlane, v4l2.StreamTypeMMAP)
		if _, err := q.AllocateBuffers(2); err != nil {
			t.Fatalf("AllocateBuffers: %v", err)
		}
		if len(mappedOffsets) != 2 {
			t.Fatalf("mapped %d planes, want 2", len(mappedOffsets))
		}
		if len(q.buffers[0].mapped) != 1 || len(q.buffers[0].mapped[0]) != 2048 {
			t.Fatalf("buffer 0 mapped planes = %v", q.buffers[0].mapped)
		}

		if err := q.FreeBuffers(); err != nil {
			t.Fatalf("FreeBuffers: %v", err)
		}
		if unmapped != 2 {
			t.Fatalf("unmapped %d planes, want 2", unmapped)
		}
	})
}

func TestQueue_TryGetFreeBufferPicksLowestIndex(t *testing.T) {
	q := newTestQueue(v4l2.BufTypeVideoOutputMPlane, v4l2.StreamTypeUserPtr)
	q.buffers = []*BufferInfo{newBufferInfo(0, 1), newBufferInfo(1, 1), newBufferInfo(2, 1)}
	q.buffers[0].state = stateQueued
	q.buffers[1].state = stateFree
	q.buffers[2].state = stateFree

	qb, err := q.TryGetFreeBuffer()
	if err != nil {
		t.Fatalf("TryGetFreeBuffer: %v", err)
	}
	if qb.Index() != 1 {
		t.Fatalf("index = %d, want 1 (lowest free)", qb.Index())
	}
}

func TestQueue_TryGetFreeBufferNoneFree(t *testing.T) {
	q := newTestQueue(v4l2.BufTypeVideoOutputMPlane, v4l2.StreamTypeUserPtr)
	q.buffers = []*BufferInfo{newBufferInfo(0, 1)}
	q.buffers[0].state = stateQueued

	if _, err := q.TryGetFreeBuffer(); !errors.Is(err, ErrNoFreeBuffer) {
		t.Fatalf("err = %v, want ErrNoFreeBuffer", err)
	}
}

func TestQueue_StreamOffCancelsQueuedBuffers(t *testing.T) {
	withQueueFns(t, func() {
		streamOffFn = func(fd uintptr, bufType v4l2.MPlaneBufType) error { return nil }

		q := newTestQueue(v4l2.BufTypeVideoOutputMPlane, v4l2.StreamTypeUserPtr)
		q.streaming = true
		q.buffers = []*BufferInfo{newBufferInfo(0, 1), newBufferInfo(1, 1)}
		q.buffers[0].state = stateQueued
		q.buffers[0].handles = []PlaneHandle{{Memory: v4l2.StreamTypeUserPtr}}
		q.buffers[1].state = stateFree
		q.numQueued = 1

		canceled, err := q.StreamOff()
		if err != nil {
			t.Fatalf("StreamOff: %v", err)
		}
		if len(canceled) != 1 || canceled[0].Index != 0 {
			t.Fatalf("canceled = %v, want [{Index:0}]", canceled)
		}
		if q.buffers[0].state != stateFree {
			t.Fatalf("buffer 0 state = %v, want Free", q.buffers[0].state)
		}
		if q.numQueued != 0 {
			t.Fatalf("numQueued = %d, want 0", q.numQueued)
		}
	})
}

func TestQueue_DequeueTranslatesEAGAINToErrNotReady(t *testing.T) {
	withQueueFns(t, func() {
		dqbufFn = func(fd uintptr, bufType v4l2.MPlaneBufType, memory v4l2.StreamType, numPlanes uint32) (v4l2.MPlaneBuffer, error) {
			return v4l2.MPlaneBuffer{}, sys.EAGAIN
		}

		q := newTestQueue(v4l2.BufTypeVideoCaptureMPlane, v4l2.StreamTypeMMAP)
		q.buffers = []*BufferInfo{newBufferInfo(0, 1)}

		_, err := q.Dequeue()
		if !errors.Is(err, ErrNotReady) {
			t.Fatalf("err = %v, want ErrNotReady", err)
		}
	})
}

func TestQueue_DequeueReportsCorruptedBufferNonFatally(t *testing.T) {
	withQueueFns(t, func() {
		dqbufFn = func(fd uintptr, bufType v4l2.MPlaneBufType, memory v4l2.StreamType, numPlanes uint32) (v4l2.MPlaneBuffer, error) {
			return v4l2.MPlaneBuffer{
				Index:  0,
				Flags:  v4l2.BufFlagError,
				Planes: []v4l2.MPlane{{BytesUsed: 100}},
			}, nil
		}

		q := newTestQueue(v4l2.BufTypeVideoCaptureMPlane, v4l2.StreamTypeMMAP)
		q.buffers = []*BufferInfo{newBufferInfo(0, 1)}
		q.buffers[0].state = stateQueued
		q.numQueued = 1

		dq, err := q.Dequeue()
		var corrupted *CorruptedBufferError
		if !errors.As(err, &corrupted) {
			t.Fatalf("err = %v, want *CorruptedBufferError", err)
		}
		if dq == nil || !dq.Corrupted {
			t.Fatalf("dq = %+v, want structurally valid + Corrupted", dq)
		}
		if dq.BytesUsed() != 100 {
			t.Fatalf("BytesUsed = %d, want 100", dq.BytesUsed())
		}
	})
}
