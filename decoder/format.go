package decoder

import (
	"fmt"

	"github.com/vladimirvivien/v4l2m2m/v4l2"
)

// FormatBuilder mutably borrows a Queue in Init state to build and apply a
// pixel format (spec.md §4.1, §4.2: "the format builder holds a mutable
// borrow on the queue so its lifetime cannot overlap with concurrent use").
// Go has no borrow checker, so the "mutable borrow" is enforced the way
// spec.md §9 recommends elsewhere: a runtime phase check, here against the
// queue's own Init/BuffersAllocated state rather than a session phase.
//
// It is pre-seeded with the driver's currently proposed format (via
// GetFormat) so a set_capture_format_cb on a source-change event can accept
// the proposal unchanged by returning without edits; the caller
// (SetOutputFormat, or the worker on a source-change) calls Apply once the
// callback returns, matching spec.md §4.4 step 2.
type FormatBuilder struct {
	queue  *Queue
	format v4l2.MPlanePixFormat
}

func newFormatBuilder(q *Queue, seed v4l2.MPlanePixFormat) *FormatBuilder {
	return &FormatBuilder{queue: q, format: seed}
}

// SetPixelFormat sets the FourCC pixel format (e.g. v4l2.PixelFmtH264 for
// OUTPUT, an uncompressed FourCC such as NV12 for CAPTURE).
func (b *FormatBuilder) SetPixelFormat(fourcc v4l2.FourCCType) *FormatBuilder {
	b.format.PixelFormat = fourcc
	return b
}

// SetSize sets the frame width/height.
func (b *FormatBuilder) SetSize(width, height uint32) *FormatBuilder {
	b.format.Width = width
	b.format.Height = height
	return b
}

// SetPlaneCount sets the number of planes this format carries (1 for
// semi-planar/packed formats handled as a single plane, 2+ for formats such
// as planar YUV). Optional: the driver's seed format already carries a
// plane count, which Apply uses unless this overrides it. OUTPUT bitstream
// formats carry exactly one plane.
func (b *FormatBuilder) SetPlaneCount(n int) *FormatBuilder {
	planes := make([]v4l2.PlanePixFormat, n)
	copy(planes, b.format.Planes)
	b.format.Planes = planes
	b.format.NumPlanes = uint32(n)
	return b
}

// Format returns the builder's current proposed format, reflecting either
// the driver's seed or any edits made so far.
func (b *FormatBuilder) Format() v4l2.MPlanePixFormat { return b.format }

// Apply validates the format with TRY_FMT then commits it with S_FMT,
// returning the format as the driver actually accepted it (which may round
// values up, e.g. to macroblock-aligned width/height).
func (b *FormatBuilder) Apply() (v4l2.MPlanePixFormat, error) {
	if b.queue.phase != queueInit {
		return v4l2.MPlanePixFormat{}, fmt.Errorf("%w: set_format valid only in Init", ErrWrongPhase)
	}
	if _, err := v4l2.TryMPlanePixFormat(b.queue.dev.Fd(), b.queue.bufType, b.format); err != nil {
		return v4l2.MPlanePixFormat{}, fmt.Errorf("try format: %w", err)
	}
	applied, err := v4l2.SetMPlanePixFormat(b.queue.dev.Fd(), b.queue.bufType, b.format)
	if err != nil {
		return v4l2.MPlanePixFormat{}, fmt.Errorf("set format: %w", err)
	}
	b.format = applied
	return applied, nil
}
