package decoder

import (
	"errors"
	"fmt"
	"log"

	sys "golang.org/x/sys/unix"

	"github.com/vladimirvivien/v4l2m2m/v4l2"
)

// defaultCaptureHeadroom is the additional CAPTURE buffer count requested
// on top of the driver-reported minimum (spec.md §9 Open Question 1:
// "Source hard-codes 4; the implementer should instead query the
// driver-reported minimum and add a small headroom"). The queue's dummy
// reqbufs(count=0) capability probe does not itself report a minimum on
// all drivers, so the worker requests a real allocation and uses the
// driver-adjusted Count as the minimum, then adds this headroom on top,
// floored at 4 to match the source's historical default.
const defaultCaptureHeadroom = 2
const minCaptureBuffers = 4

// Package-level indirections over event subscription and the decoder
// command, reassignable in tests (same rationale as queue.go's ioctl
// vars).
var (
	subscribeEventFn   = v4l2.SubscribeEvent
	unsubscribeEventFn = v4l2.UnsubscribeEvent
	dequeueEventFn     = v4l2.DequeueEvent
	sendDecoderCmdFn   = v4l2.SendDecoderCmd
)

// poller is the subset of *v4l2.Poller the worker depends on, extracted as
// an interface so tests can drive the worker loop with a fake (go4vl's
// mocking pattern extended to a stateful dependency, not just a function
// var, since the poller carries its own fd and waker state).
type poller interface {
	Wait(deviceFd uintptr) (deviceReady bool, wokeByWaker bool, err error)
	EnableCaptureReady(deviceFd uintptr) error
	DisableCaptureReady(deviceFd uintptr) error
	Wake()
	Close() error
}

// captureSubState is the worker's CAPTURE-side sub-state machine (spec.md
// §4.4): AwaitingResolution before any source-change has been observed,
// Decoding once CAPTURE buffers are allocated and streaming.
type captureSubState int

const (
	awaitingResolution captureSubState = iota
	decodingCapture
)

// worker is the dedicated goroutine spawned at Start (spec.md §4.4),
// grounded directly on original_source/src/decoder/stateful.rs's
// DecoderThread: it owns the CAPTURE queue and one poller for the device
// fd, and multiplexes event/capture-ready/waker signals.
type worker struct {
	dev     *Device
	capture *Queue
	poller  poller
	logger  *log.Logger

	captureHeadroom uint32
	state           captureSubState

	setCaptureFormatCb func(*FormatBuilder) error
	outputReadyCb      func(*DQBuffer)

	done chan struct{}
}

func newWorker(dev *Device, capture *Queue, p poller, logger *log.Logger,
	setCaptureFormatCb func(*FormatBuilder) error, outputReadyCb func(*DQBuffer)) *worker {
	return &worker{
		dev:                dev,
		capture:            capture,
		poller:             p,
		logger:             logger,
		captureHeadroom:    defaultCaptureHeadroom,
		state:              awaitingResolution,
		setCaptureFormatCb: setCaptureFormatCb,
		outputReadyCb:      outputReadyCb,
		done:               make(chan struct{}),
	}
}

// stop closes the shutdown token and wakes the poller, covering spec.md §9
// Open Question 3: termination when stop() is called before CAPTURE ever
// reached Decoding (no LAST buffer is possible in that case).
func (w *worker) stop() {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.poller.Wake()
}

// run is the poll loop body (spec.md §4.4). It returns when the shutdown
// token fires or a LAST-flagged CAPTURE buffer has been delivered.
func (w *worker) run() {
	for {
		if w.state == decodingCapture {
			if w.capture.NumQueuedBuffers() == 0 {
				if err := w.poller.DisableCaptureReady(w.dev.Fd()); err != nil {
					w.logger.Printf("decoder worker: disable capture-ready: %v", err)
				}
			} else {
				if err := w.poller.EnableCaptureReady(w.dev.Fd()); err != nil {
					w.logger.Printf("decoder worker: enable capture-ready: %v", err)
				}
			}
		}

		deviceReady, wokeByWaker, err := w.poller.Wait(w.dev.Fd())
		if err != nil {
			w.logger.Printf("decoder worker: poll error: %v", err)
			return
		}

		select {
		case <-w.done:
			return
		default:
		}

		if wokeByWaker {
			w.enqueueCaptureBuffers()
		}

		if !deviceReady {
			continue
		}

		if w.drainEvents() {
			// at least one event was dequeued, possibly a
			// resolution change that reshaped the buffer table;
			// re-evaluate from the top of the loop before touching
			// CAPTURE dequeue.
			continue
		}

		if w.state != decodingCapture {
			continue
		}

		if w.processCaptureBuffer() {
			return // LAST observed; worker exits (spec.md §4.4 step 3)
		}
	}
}

// drainEvents dequeues every pending device event (until NotReady),
// running the resolution-update transition for any source-change whose
// mask contains Resolution (spec.md §4.4 step 4). Returns true if any
// event was observed at all (the caller reconsiders CAPTURE dequeue
// readiness after an event, since the two share the same fd-readiness
// signal).
func (w *worker) drainEvents() bool {
	saw := false
	for {
		ev, err := dequeueEventFn(w.dev.Fd())
		if err != nil {
			if errors.Is(err, sys.EAGAIN) {
				return saw
			}
			w.logger.Printf("decoder worker: dqevent: %v", err)
			return saw
		}
		saw = true
		if ev.GetType() != v4l2.EventSourceChange {
			continue
		}
		data := ev.GetSrcChangeData()
		if data.Changes&v4l2.EventSrcChResolution != 0 {
			if err := w.updateCaptureResolution(); err != nil {
				w.logger.Printf("decoder worker: update capture resolution: %v", err)
				return saw
			}
		}
	}
}

// updateCaptureResolution implements spec.md §4.4's source-change
// handling, grounded on stateful.rs's update_capture_resolution:
//
//  1. if already Decoding(CAPTURE): stream off, free buffers, back to Init
//     (the full drain handshake noted as an open item in spec.md §9 is not
//     implemented beyond what StreamOff itself already does: canceling
//     in-flight Queued buffers back to Free).
//  2. invoke setCaptureFormatCb with a builder pre-seeded from the driver.
//  3. request captureBufferCount() buffers.
//  4. reconfigure the poller: enable CaptureReady (done by the run loop on
//     the next iteration, once state is decodingCapture and numQueued>0).
//  5. stream CAPTURE on.
//  6. enqueue every currently Free CAPTURE buffer.
func (w *worker) updateCaptureResolution() error {
	if w.state == decodingCapture {
		if _, err := w.capture.StreamOff(); err != nil {
			return fmt.Errorf("stream off for resolution change: %w", err)
		}
		if err := w.capture.FreeBuffers(); err != nil {
			return fmt.Errorf("free buffers for resolution change: %w", err)
		}
		w.state = awaitingResolution
	}

	builder, err := w.capture.FormatBuilder()
	if err != nil {
		return fmt.Errorf("capture format builder: %w", err)
	}
	if w.setCaptureFormatCb != nil {
		if err := w.setCaptureFormatCb(builder); err != nil {
			return fmt.Errorf("set capture format callback: %w", err)
		}
	}
	if _, err := builder.Apply(); err != nil {
		return fmt.Errorf("apply capture format: %w", err)
	}

	count, err := w.captureBufferCount()
	if err != nil {
		return fmt.Errorf("probe capture buffer count: %w", err)
	}
	if _, err := w.capture.AllocateBuffers(count); err != nil {
		return fmt.Errorf("allocate capture buffers: %w", err)
	}

	if err := w.capture.StreamOn(); err != nil {
		return fmt.Errorf("stream on capture: %w", err)
	}
	w.state = decodingCapture

	w.enqueueCaptureBuffers()
	return nil
}

// captureBufferCount resolves spec.md §9 Open Question 1: allocate a probe
// count of minCaptureBuffers first, then request driverReported+headroom,
// using the driver's own adjusted count as the floor.
func (w *worker) captureBufferCount() (uint32, error) {
	probe, err := reqbufsFn(w.dev.Fd(), w.capture.bufType, w.capture.memory, minCaptureBuffers)
	if err != nil {
		return 0, err
	}
	if _, err := reqbufsFn(w.dev.Fd(), w.capture.bufType, w.capture.memory, 0); err != nil {
		return 0, err
	}
	count := probe.Count + w.captureHeadroom
	if count < minCaptureBuffers {
		count = minCaptureBuffers
	}
	return count, nil
}

// enqueueCaptureBuffers repeatedly acquires a free CAPTURE buffer and
// submits it with default (MMAP placeholder) handles, until none remain
// free (spec.md §4.4 step 5, "Waker" handling).
func (w *worker) enqueueCaptureBuffers() {
	for {
		qb, err := w.capture.TryGetFreeBuffer()
		if err != nil {
			return // ErrNoFreeBuffer: nothing more to do
		}
		handles := make([]PlaneHandle, qb.info.NumPlanes)
		for i := range handles {
			handles[i] = PlaneHandle{Memory: w.capture.memory}
		}
		if err := qb.Submit(handles); err != nil {
			w.logger.Printf("decoder worker: submit capture buffer: %v", err)
			return
		}
	}
}

// processCaptureBuffer dequeues exactly one CAPTURE buffer, delivers it to
// outputReadyCb unless empty, and reports whether the worker should exit
// (the buffer carried the LAST flag). Corrupted buffers are delivered
// non-fatally with their flag preserved (spec.md §4.4 step 3, §7, §9 Open
// Question 4).
func (w *worker) processCaptureBuffer() bool {
	dq, err := w.capture.Dequeue()
	var corrupted *CorruptedBufferError
	switch {
	case errors.As(err, &corrupted):
		dq = corrupted.Buffer
	case errors.Is(err, ErrNotReady):
		return false
	case err != nil:
		w.logger.Printf("decoder worker: dequeue capture buffer: %v", err)
		return false
	}

	dq.OnRelease(func() { w.poller.Wake() })

	last := dq.Flags&v4l2.BufFlagLast != 0
	empty := dq.BytesUsed() == 0

	if !empty && w.outputReadyCb != nil {
		w.outputReadyCb(dq)
	} else {
		dq.Release()
	}

	return last
}
