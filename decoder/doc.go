// Package decoder implements a client for the Video4Linux2 (V4L2) M2M
// stateful video decoder interface: compressed bitstream units go in on an
// OUTPUT queue, the driver decodes them in hardware/firmware, and raw
// frames come out on a CAPTURE queue whose resolution is discovered from a
// source-change event rather than configured up front.
//
// # Overview
//
// A Decoder is a single-threaded, typestate-guarded session:
//
//	dec, err := decoder.Open("/dev/video0")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dec.Close()
//
//	if err := dec.SetOutputFormat(func(b *decoder.FormatBuilder) error {
//	    b.SetPixelFormat(v4l2.PixelFmtH264)
//	    b.SetSize(1920, 1080)
//	    return nil
//	}); err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := dec.AllocateOutputBuffers(4); err != nil {
//	    log.Fatal(err)
//	}
//
//	err = dec.Start(
//	    func(handles []decoder.PlaneHandle) { /* input_done_cb */ },
//	    func(frame *decoder.DQBuffer) { /* output_ready_cb */ },
//	    func(b *decoder.FormatBuilder) error { return nil }, // set_capture_format_cb
//	)
//
// Once Decoding, the client thread fills and submits OUTPUT buffers via
// GetBuffer/TryGetFreeBuffer while a dedicated worker goroutine owns the
// CAPTURE side, delivering frames through output_ready_cb until the driver
// marks the final CAPTURE buffer done with the LAST flag (see Stop).
//
// # Thread Safety
//
// A Decoder's public methods are intended to be called from a single
// "client" goroutine; the worker goroutine spawned by Start owns the
// CAPTURE queue exclusively. The two sides communicate only through
// per-buffer state mutexes and a poller waker, per the concurrency model
// described in each file's doc comments.
package decoder
