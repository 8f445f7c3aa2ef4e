package decoder

import (
	"fmt"
	"log"

	"github.com/vladimirvivien/v4l2m2m/v4l2"
)

// phase is the Decoder typestate from spec.md §4.1. Go has no cheap
// phantom-typed variant (§9 "typestate vs runtime guards"), so the five
// phases are a sealed int tag asserted at the top of every public method
// rather than five distinct Go types.
type phase int

const (
	phaseAwaitingOutputFormat phase = iota
	phaseAwaitingOutputBuffers
	phaseOutputBuffersAllocated
	phaseDecoding
	phaseStopped
)

// Decoder is the public, single-threaded session object from spec.md §4.1,
// grounded on original_source/src/decoder/stateful.rs's Decoder<S> phase
// structs, each carrying exactly the resources valid in that phase.
type Decoder struct {
	phase  phase
	device *Device
	output *Queue
	worker *worker

	logger          *log.Logger
	outputBufCount  uint32
	inputDoneCb     func([]PlaneHandle)
	captureHeadroom uint32
	closed          bool
}

// Open opens path, acquires the OUTPUT-mplane and CAPTURE-mplane queues,
// and validates that the device is a stateful decoder (spec.md §4.1).
// On success the returned Decoder is in AwaitingOutputFormat.
func Open(path string, opts ...Option) (*Decoder, error) {
	dev, err := OpenDevice(path)
	if err != nil {
		return nil, err
	}

	output, err := NewQueue(dev, v4l2.BufTypeVideoOutputMPlane, v4l2.StreamTypeUserPtr)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("open output queue: %w", err)
	}

	capture, err := NewQueue(dev, v4l2.BufTypeVideoCaptureMPlane, v4l2.StreamTypeMMAP)
	if err != nil {
		output.Close()
		dev.Close()
		return nil, fmt.Errorf("open capture queue: %w", err)
	}

	d := &Decoder{
		phase:           phaseAwaitingOutputFormat,
		device:          dev,
		output:          output,
		logger:          log.Default(),
		captureHeadroom: defaultCaptureHeadroom,
	}
	for _, opt := range opts {
		opt(d)
	}

	if err := validateStatefulDecoder(dev, output); err != nil {
		output.Close()
		capture.Close()
		dev.Close()
		return nil, err
	}

	// capture is parked in the not-yet-started worker until Start; stash it
	// via a zero-value worker so Close before Start still releases it
	// cleanly.
	d.worker = &worker{dev: dev, capture: capture}
	return d, nil
}

// validateStatefulDecoder implements spec.md §4.1's "Stateful-decoder
// validation": the OUTPUT queue must advertise at least one compressed
// pixel format, the CAPTURE side (queried directly via dev, since it is not
// yet attached to the Decoder at this point) must advertise at least one
// uncompressed pixel format, and OUTPUT must not advertise
// CapBufSupportsRequests.
func validateStatefulDecoder(dev *Device, output *Queue) error {
	if output.Capabilities()&v4l2.CapBufSupportsRequests != 0 {
		return fmt.Errorf("%w: output queue supports request API (stateless decoder)", ErrNotAStatefulDecoder)
	}

	outDescs, err := v4l2.GetFormatDescriptionsForType(dev.Fd(), v4l2.BufTypeVideoOutputMPlane)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotAStatefulDecoder, err)
	}
	if !anyCompressed(outDescs) {
		return fmt.Errorf("%w: output queue advertises no compressed format", ErrNotAStatefulDecoder)
	}

	capDescs, err := v4l2.GetFormatDescriptionsForType(dev.Fd(), v4l2.BufTypeVideoCaptureMPlane)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotAStatefulDecoder, err)
	}
	if !anyUncompressed(capDescs) {
		return fmt.Errorf("%w: capture queue advertises no uncompressed format", ErrNotAStatefulDecoder)
	}
	return nil
}

func anyCompressed(descs []v4l2.FormatDescription) bool {
	for _, d := range descs {
		if d.Flags&v4l2.FmtDescFlagCompressed != 0 {
			return true
		}
	}
	return false
}

func anyUncompressed(descs []v4l2.FormatDescription) bool {
	for _, d := range descs {
		if d.Flags&v4l2.FmtDescFlagCompressed == 0 {
			return true
		}
	}
	return false
}

// SetOutputFormat transitions AwaitingOutputFormat -> AwaitingOutputBuffers.
// fn is invoked with a FormatBuilder seeded from the driver's current
// OUTPUT format.
func (d *Decoder) SetOutputFormat(fn func(*FormatBuilder) error) error {
	if d.phase != phaseAwaitingOutputFormat {
		return fmt.Errorf("%w: set_output_format valid only in AwaitingOutputFormat", ErrWrongPhase)
	}
	builder, err := d.output.FormatBuilder()
	if err != nil {
		return err
	}
	if err := fn(builder); err != nil {
		return err
	}
	if _, err := builder.Apply(); err != nil {
		return err
	}
	d.phase = phaseAwaitingOutputBuffers
	return nil
}

// AllocateOutputBuffers transitions AwaitingOutputBuffers ->
// OutputBuffersAllocated, requesting n userptr buffers on OUTPUT.
func (d *Decoder) AllocateOutputBuffers(n uint32) error {
	if d.phase != phaseAwaitingOutputBuffers {
		return fmt.Errorf("%w: allocate_output_buffers valid only in AwaitingOutputBuffers", ErrWrongPhase)
	}
	count, err := d.output.AllocateBuffers(n)
	if err != nil {
		return err
	}
	d.outputBufCount = count
	d.phase = phaseOutputBuffersAllocated
	return nil
}

// Start transitions OutputBuffersAllocated -> Decoding: subscribes to the
// source-change event, spawns the worker goroutine, and streams OUTPUT on
// (spec.md §4.1).
func (d *Decoder) Start(inputDoneCb func([]PlaneHandle), outputReadyCb func(*DQBuffer), setCaptureFormatCb func(*FormatBuilder) error) error {
	if d.phase != phaseOutputBuffersAllocated {
		return fmt.Errorf("%w: start valid only in OutputBuffersAllocated", ErrWrongPhase)
	}

	sub := v4l2.NewEventSubscription(v4l2.EventSourceChange)
	if err := subscribeEventFn(d.device.Fd(), sub); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeEvent, err)
	}

	p, err := v4l2.NewPoller(d.device.Fd())
	if err != nil {
		return fmt.Errorf("start worker poller: %w", err)
	}

	d.inputDoneCb = inputDoneCb
	d.worker = newWorker(d.device, d.worker.capture, p, d.logger, setCaptureFormatCb, outputReadyCb)
	d.worker.captureHeadroom = d.captureHeadroom

	if err := d.output.StreamOn(); err != nil {
		p.Close()
		return err
	}

	go d.worker.run()
	d.phase = phaseDecoding
	return nil
}

// NumOutputBuffers returns the driver-accepted OUTPUT buffer count.
func (d *Decoder) NumOutputBuffers() uint32 { return d.outputBufCount }

// GetOutputFormat re-reads the OUTPUT format from the driver.
func (d *Decoder) GetOutputFormat() (v4l2.MPlanePixFormat, error) {
	return d.output.GetFormat()
}

// GetBuffer returns a fillable OUTPUT buffer, blocking if every buffer is
// currently queued. On wakeup, every dequeueable completed OUTPUT buffer is
// drained first (invoking inputDoneCb on each) before a free buffer is
// returned (spec.md §4.1).
func (d *Decoder) GetBuffer() (*QBuffer, error) {
	if d.phase != phaseDecoding {
		return nil, fmt.Errorf("%w: get_buffer valid only in Decoding", ErrWrongPhase)
	}

	for {
		d.drainOutputCompletions()
		qb, err := d.output.TryGetFreeBuffer()
		if err == nil {
			return qb, nil
		}
		if err := d.waitOutputReady(); err != nil {
			return nil, &GetFreeBufferError{Err: err}
		}
	}
}

// TryGetFreeBuffer is the non-blocking variant of GetBuffer: it
// opportunistically drains ready OUTPUT completions, then attempts to
// acquire a Free buffer without blocking.
func (d *Decoder) TryGetFreeBuffer() (*QBuffer, error) {
	if d.phase != phaseDecoding {
		return nil, fmt.Errorf("%w: try_get_free_buffer valid only in Decoding", ErrWrongPhase)
	}
	d.drainOutputCompletions()
	qb, err := d.output.TryGetFreeBuffer()
	if err != nil {
		return nil, &GetFreeBufferError{Err: ErrNoFreeBuffer}
	}
	return qb, nil
}

func (d *Decoder) drainOutputCompletions() {
	for {
		dq, err := d.output.Dequeue()
		if dq == nil && err != nil {
			return
		}
		if d.inputDoneCb != nil {
			d.inputDoneCb(dq.Handles)
		}
		dq.Release()
	}
}

// waitOutputReady blocks until the device fd reports OUTPUT dequeue
// readiness. OUTPUT readiness (POLLOUT) is opt-in per Poller, so this
// short-lived Poller enables it itself rather than relying on any baseline;
// the decoder worker's own Poller never enables it, since the worker never
// dequeues OUTPUT buffers.
func (d *Decoder) waitOutputReady() error {
	p, err := v4l2.NewPoller(d.device.Fd())
	if err != nil {
		return err
	}
	defer p.Close()
	if err := p.EnableOutputReady(d.device.Fd()); err != nil {
		return err
	}
	_, _, err = p.Wait(d.device.Fd())
	return err
}

// Stop sends the decoder-stop command (causing the driver to drain and
// mark the final CAPTURE buffer LAST), joins the worker, and streams
// CAPTURE off (spec.md §4.1). Consumes the Decoder: no further operations
// are valid afterward.
func (d *Decoder) Stop() error {
	if d.phase != phaseDecoding {
		return fmt.Errorf("%w: stop valid only in Decoding", ErrWrongPhase)
	}

	if err := sendDecoderCmdFn(d.device.Fd(), v4l2.DecoderCmd{Cmd: v4l2.DecoderCmdStop}); err != nil {
		d.logger.Printf("decoder: stop command failed, terminating worker anyway: %v", err)
	}

	d.worker.stop()
	<-d.worker.done

	if _, err := d.worker.capture.StreamOff(); err != nil {
		d.phase = phaseStopped
		return err
	}
	if _, err := d.output.StreamOff(); err != nil {
		d.phase = phaseStopped
		return err
	}

	d.phase = phaseStopped
	return nil
}

// Close releases resources held by a Decoder that was never Started, or
// finalizes one already Stopped. Safe to call more than once.
func (d *Decoder) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	if d.worker != nil && d.worker.capture != nil {
		d.worker.capture.Close()
	}
	d.output.Close()
	return d.device.Close()
}
