package v4l2

// #include <linux/videodev2.h>
import "C"

import (
	"fmt"
	"unsafe"
)

// VIDIOC_DECODER_CMD / VIDIOC_TRY_DECODER_CMD let a client drive a stateful
// decoder's own lifecycle (start/stop/pause/resume) independently of the
// OUTPUT/CAPTURE stream on/off calls. go4vl never needed this (it has no
// decoder client); authored fresh in the same send(fd, C.VIDIOC_*, ...)
// style as streaming.go's StreamOn/StreamOff.

// DecoderCmdType identifies which decoder command is being issued.
type DecoderCmdType = uint32

const (
	DecoderCmdStart  DecoderCmdType = C.V4L2_DEC_CMD_START
	DecoderCmdStop   DecoderCmdType = C.V4L2_DEC_CMD_STOP
	DecoderCmdPause  DecoderCmdType = C.V4L2_DEC_CMD_PAUSE
	DecoderCmdResume DecoderCmdType = C.V4L2_DEC_CMD_RESUME
)

// DecoderCmdStopFlagToBlack, when set on a Stop command, asks the driver to
// render black video instead of the last frame once stopped.
const DecoderCmdStopFlagToBlack uint32 = C.V4L2_DEC_CMD_STOP_TO_BLACK

// DecoderCmd mirrors v4l2_decoder_cmd's common fields (the per-command flags
// union is not modeled; Stop with flags=0 is the only variant this client
// issues, per spec.md §4.1's stop semantics).
type DecoderCmd struct {
	Cmd   DecoderCmdType
	Flags uint32
}

// SendDecoderCmd issues VIDIOC_DECODER_CMD, instructing the driver to begin
// draining: the driver finishes decoding all OUTPUT buffers already queued,
// then marks the final CAPTURE buffer with BufFlagLast (spec.md §4.1 "Stop
// semantics").
func SendDecoderCmd(fd uintptr, cmd DecoderCmd) error {
	var c C.struct_v4l2_decoder_cmd
	c.cmd = C.uint(cmd.Cmd)
	c.flags = C.uint(cmd.Flags)

	if err := send(fd, C.VIDIOC_DECODER_CMD, uintptr(unsafe.Pointer(&c))); err != nil {
		return fmt.Errorf("decoder cmd: %w", err)
	}
	return nil
}

// TryDecoderCmd validates a decoder command without executing it
// (VIDIOC_TRY_DECODER_CMD); returns ErrorUnsupported if the driver does not
// implement the stateful decoder command interface at all, which a caller
// can use as part of §4.1's stateful-decoder validation.
func TryDecoderCmd(fd uintptr, cmd DecoderCmd) error {
	var c C.struct_v4l2_decoder_cmd
	c.cmd = C.uint(cmd.Cmd)
	c.flags = C.uint(cmd.Flags)

	if err := send(fd, C.VIDIOC_TRY_DECODER_CMD, uintptr(unsafe.Pointer(&c))); err != nil {
		return fmt.Errorf("try decoder cmd: %w", err)
	}
	return nil
}
