package decoder

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/vladimirvivien/v4l2m2m/v4l2"
)

// fakePoller drives worker.run deterministically in tests, standing in for
// v4l2.Poller (the worker only depends on the poller interface).
type fakePoller struct {
	mu          sync.Mutex
	waitResults []struct {
		deviceReady bool
		wokeByWaker bool
		err         error
	}
	captureEnabled bool
	woken          int
}

func (p *fakePoller) Wait(deviceFd uintptr) (bool, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.waitResults) == 0 {
		return false, false, errors.New("fakePoller: exhausted")
	}
	r := p.waitResults[0]
	p.waitResults = p.waitResults[1:]
	return r.deviceReady, r.wokeByWaker, r.err
}
func (p *fakePoller) EnableCaptureReady(uintptr) error  { p.captureEnabled = true; return nil }
func (p *fakePoller) DisableCaptureReady(uintptr) error { p.captureEnabled = false; return nil }
func (p *fakePoller) Wake()                             { p.woken++ }
func (p *fakePoller) Close() error                       { return nil }

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestWorker_CaptureBufferCountUsesDriverMinimumPlusHeadroom(t *testing.T) {
	withQueueFns(t, func() {
		reqbufsFn = func(fd uintptr, bufType v4l2.MPlaneBufType, memory v4l2.StreamType, count uint32) (v4l2.MPlaneRequestBuffers, error) {
			if count == 0 {
				return v4l2.MPlaneRequestBuffers{}, nil
			}
			return v4l2.MPlaneRequestBuffers{Count: 6}, nil
		}

		w := &worker{capture: newTestQueue(v4l2.BufTypeVideoCaptureMPlane, v4l2.StreamTypeMMAP), captureHeadroom: 2}
		count, err := w.captureBufferCount()
		if err != nil {
			t.Fatalf("captureBufferCount: %v", err)
		}
		if count != 8 {
			t.Fatalf("count = %d, want 8 (6 driver-reported + 2 headroom)", count)
		}
	})
}

func TestWorker_CaptureBufferCountFloorsAtMinimum(t *testing.T) {
	withQueueFns(t, func() {
		reqbufsFn = func(fd uintptr, bufType v4l2.MPlaneBufType, memory v4l2.StreamType, count uint32) (v4l2.MPlaneRequestBuffers, error) {
			if count == 0 {
				return v4l2.MPlaneRequestBuffers{}, nil
			}
			return v4l2.MPlaneRequestBuffers{Count: 1}, nil
		}

		w := &worker{capture: newTestQueue(v4l2.BufTypeVideoCaptureMPlane, v4l2.StreamTypeMMAP), captureHeadroom: 0}
		count, err := w.captureBufferCount()
		if err != nil {
			t.Fatalf("captureBufferCount: %v", err)
		}
		if count != minCaptureBuffers {
			t.Fatalf("count = %d, want floor %d", count, minCaptureBuffers)
		}
	})
}

func TestWorker_EnqueueCaptureBuffersSubmitsAllFree(t *testing.T) {
	withQueueFns(t, func() {
		qbufFn = func(fd uintptr, bufType v4l2.MPlaneBufType, memory v4l2.StreamType, index uint32, planes []v4l2.MPlane) (v4l2.MPlaneBuffer, error) {
			return v4l2.MPlaneBuffer{Index: index}, nil
		}

		q := newTestQueue(v4l2.BufTypeVideoCaptureMPlane, v4l2.StreamTypeMMAP)
		q.buffers = []*BufferInfo{newBufferInfo(0, 1), newBufferInfo(1, 1)}

		w := &worker{capture: q, logger: testLogger()}
		w.enqueueCaptureBuffers()

		if q.numQueued != 2 {
			t.Fatalf("numQueued = %d, want 2", q.numQueued)
		}
		for _, b := range q.buffers {
			if b.state != stateQueued {
				t.Fatalf("buffer %d state = %v, want Queued", b.Index, b.state)
			}
		}
	})
}

func TestWorker_ProcessCaptureBufferDeliversNonEmptyFrame(t *testing.T) {
	withQueueFns(t, func() {
		dqbufFn = func(fd uintptr, bufType v4l2.MPlaneBufType, memory v4l2.StreamType, numPlanes uint32) (v4l2.MPlaneBuffer, error) {
			return v4l2.MPlaneBuffer{Index: 0, Planes: []v4l2.MPlane{{BytesUsed: 10}}}, nil
		}

		q := newTestQueue(v4l2.BufTypeVideoCaptureMPlane, v4l2.StreamTypeMMAP)
		q.buffers = []*BufferInfo{newBufferInfo(0, 1)}
		q.buffers[0].state = stateQueued
		q.numQueued = 1

		var delivered *DQBuffer
		w := &worker{capture: q, logger: testLogger(), poller: &fakePoller{}, outputReadyCb: func(dq *DQBuffer) { delivered = dq }}

		if last := w.processCaptureBuffer(); last {
			t.Fatal("last = true, want false")
		}
		if delivered == nil {
			t.Fatal("outputReadyCb was not invoked")
		}
	})
}

func TestWorker_ProcessCaptureBufferReleasesEmptyFrameWithoutCallback(t *testing.T) {
	withQueueFns(t, func() {
		dqbufFn = func(fd uintptr, bufType v4l2.MPlaneBufType, memory v4l2.StreamType, numPlanes uint32) (v4l2.MPlaneBuffer, error) {
			return v4l2.MPlaneBuffer{Index: 0, Planes: []v4l2.MPlane{{BytesUsed: 0}}}, nil
		}

		q := newTestQueue(v4l2.BufTypeVideoCaptureMPlane, v4l2.StreamTypeMMAP)
		q.buffers = []*BufferInfo{newBufferInfo(0, 1)}
		q.buffers[0].state = stateQueued
		q.numQueued = 1

		called := false
		w := &worker{capture: q, logger: testLogger(), poller: &fakePoller{}, outputReadyCb: func(dq *DQBuffer) { called = true }}

		w.processCaptureBuffer()

		if called {
			t.Fatal("outputReadyCb invoked for an empty buffer")
		}
		if q.buffers[0].state != stateFree {
			t.Fatalf("state = %v, want Free (auto-released)", q.buffers[0].state)
		}
	})
}

func TestWorker_ProcessCaptureBufferReportsLast(t *testing.T) {
	withQueueFns(t, func() {
		dqbufFn = func(fd uintptr, bufType v4l2.MPlaneBufType, memory v4l2.StreamType, numPlanes uint32) (v4l2.MPlaneBuffer, error) {
			return v4l2.MPlaneBuffer{Index: 0, Flags: v4l2.BufFlagLast, Planes: []v4l2.MPlane{{BytesUsed: 0}}}, nil
		}

		q := newTestQueue(v4l2.BufTypeVideoCaptureMPlane, v4l2.StreamTypeMMAP)
		q.buffers = []*BufferInfo{newBufferInfo(0, 1)}
		q.buffers[0].state = stateQueued
		q.numQueued = 1

		w := &worker{capture: q, logger: testLogger(), poller: &fakePoller{}}

		if last := w.processCaptureBuffer(); !last {
			t.Fatal("last = false, want true (BufFlagLast set)")
		}
	})
}

func TestWorker_ProcessCaptureBufferDeliversCorruptedNonFatally(t *testing.T) {
	withQueueFns(t, func() {
		dqbufFn = func(fd uintptr, bufType v4l2.MPlaneBufType, memory v4l2.StreamType, numPlanes uint32) (v4l2.MPlaneBuffer, error) {
			return v4l2.MPlaneBuffer{Index: 0, Flags: v4l2.BufFlagError, Planes: []v4l2.MPlane{{BytesUsed: 5}}}, nil
		}

		q := newTestQueue(v4l2.BufTypeVideoCaptureMPlane, v4l2.StreamTypeMMAP)
		q.buffers = []*BufferInfo{newBufferInfo(0, 1)}
		q.buffers[0].state = stateQueued
		q.numQueued = 1

		var delivered *DQBuffer
		w := &worker{capture: q, logger: testLogger(), poller: &fakePoller{}, outputReadyCb: func(dq *DQBuffer) { delivered = dq }}

		w.processCaptureBuffer()

		if delivered == nil || !delivered.Corrupted {
			t.Fatal("expected corrupted buffer to still be delivered")
		}
	})
}

func TestWorker_StopIsIdempotentAndWakesPoller(t *testing.T) {
	p := &fakePoller{}
	w := &worker{poller: p, done: make(chan struct{})}

	w.stop()
	w.stop()

	select {
	case <-w.done:
	default:
		t.Fatal("done channel was not closed")
	}
	if p.woken != 2 {
		t.Fatalf("poller woken %d times, want 2", p.woken)
	}
}

func TestWorker_RunExitsOnShutdownToken(t *testing.T) {
	p := &fakePoller{waitResults: []struct {
		deviceReady bool
		wokeByWaker bool
		err         error
	}{{false, false, nil}}}

	q := newTestQueue(v4l2.BufTypeVideoCaptureMPlane, v4l2.StreamTypeMMAP)
	w := &worker{dev: &Device{fd: 1}, capture: q, poller: p, logger: testLogger(), done: make(chan struct{})}
	close(w.done)

	done := make(chan struct{})
	go func() {
		w.run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not exit after shutdown token was closed")
	}
}

func TestWorker_DrainEventsReturnsFalseWhenNoneReady(t *testing.T) {
	withQueueFns(t, func() {
		restore := dequeueEventFn
		defer func() { dequeueEventFn = restore }()
		dequeueEventFn = func(fd uintptr) (*v4l2.Event, error) {
			return nil, sys.EAGAIN
		}

		w := &worker{dev: &Device{fd: 1}, logger: testLogger()}
		if w.drainEvents() {
			t.Fatal("drainEvents = true, want false when EAGAIN immediately")
		}
	})
}
