package v4l2

// #include <linux/videodev2.h>
import "C"

import (
	"errors"
	"fmt"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// Multi-planar (mplane) buffer and format API.
//
// go4vl's streaming.go targets the single-planar V4L2_BUF_TYPE_VIDEO_CAPTURE
// type only. A stateful M2M decoder drives its OUTPUT (compressed bitstream)
// and CAPTURE (decoded frames) queues through the *_MPLANE buffer types,
// where each v4l2_buffer carries an array of v4l2_plane entries rather than
// a single embedded union. This file generalizes streaming.go's shape
// (RequestBuffers/Buffer/QueueBuffer/DequeueBuffer/StreamOn/StreamOff) to
// that plane-array layout and to an explicit BufType parameter, since a
// decoder session must drive two queue types on the same fd concurrently.

// MPlaneBufType identifies which mplane queue an ioctl targets.
type MPlaneBufType = uint32

const (
	BufTypeVideoCaptureMPlane MPlaneBufType = C.V4L2_BUF_TYPE_VIDEO_CAPTURE_MPLANE
	BufTypeVideoOutputMPlane  MPlaneBufType = C.V4L2_BUF_TYPE_VIDEO_OUTPUT_MPLANE
)

// Buffer flags surfaced on dequeue (v4l2_buffer.flags).
const (
	BufFlagMapped   uint32 = C.V4L2_BUF_FLAG_MAPPED
	BufFlagQueued   uint32 = C.V4L2_BUF_FLAG_QUEUED
	BufFlagDone     uint32 = C.V4L2_BUF_FLAG_DONE
	BufFlagError    uint32 = C.V4L2_BUF_FLAG_ERROR
	BufFlagLast     uint32 = C.V4L2_BUF_FLAG_LAST
	BufFlagKeyFrame uint32 = C.V4L2_BUF_FLAG_KEYFRAME
)

// Buffer capability bits reported in v4l2_requestbuffers.capabilities
// (since Linux 4.20). CapBufSupportsRequests is the bit a stateless
// (request-API) decoder advertises; a stateful decoder must not.
const (
	CapBufSupportsMMap     uint32 = C.V4L2_BUF_CAP_SUPPORTS_MMAP
	CapBufSupportsUserPtr  uint32 = C.V4L2_BUF_CAP_SUPPORTS_USERPTR
	CapBufSupportsDMABuf   uint32 = C.V4L2_BUF_CAP_SUPPORTS_DMABUF
	CapBufSupportsRequests uint32 = C.V4L2_BUF_CAP_SUPPORTS_REQUESTS
)

// BufType (v4l2_buf_type) identifies a single-planar queue. Still needed
// where an ioctl's buffer type is independent of the mplane/single-plane
// split, such as format enumeration.
// https://elixir.bootlin.com/linux/latest/source/include/uapi/linux/videodev2.h#L141
type BufType = uint32

const (
	BufTypeVideoCapture BufType = C.V4L2_BUF_TYPE_VIDEO_CAPTURE
	BufTypeVideoOutput  BufType = C.V4L2_BUF_TYPE_VIDEO_OUTPUT
	BufTypeOverlay      BufType = C.V4L2_BUF_TYPE_VIDEO_OVERLAY
)

// StreamType (v4l2_memory) identifies a buffer's memory backend: driver
// mmap'd pages, client user-pointer buffers, overlay, or DMA buffer fd.
// https://elixir.bootlin.com/linux/latest/source/include/uapi/linux/videodev2.h#L188
type StreamType = uint32

const (
	StreamTypeMMAP    StreamType = C.V4L2_MEMORY_MMAP
	StreamTypeUserPtr StreamType = C.V4L2_MEMORY_USERPTR
	StreamTypeOverlay StreamType = C.V4L2_MEMORY_OVERLAY
	StreamTypeDMABuf  StreamType = C.V4L2_MEMORY_DMABUF
)

// MPlanePixFormat mirrors v4l2_pix_format_mplane: the per-queue format
// descriptor used by mplane g_fmt/s_fmt/try_fmt, carrying one PlanePixFormat
// entry per plane (up to VIDEO_MAX_PLANES).
type MPlanePixFormat struct {
	Width        uint32
	Height       uint32
	PixelFormat  FourCCType
	Field        FieldType
	Colorspace   ColorspaceType
	Planes       []PlanePixFormat
	NumPlanes    uint32
	Flags        uint32
	YcbcrEnc     YCbCrEncodingType
	Quantization QuantizationType
	XferFunc     XferFunctionType
}

// PlanePixFormat mirrors v4l2_plane_pix_format: per-plane stride/size.
type PlanePixFormat struct {
	SizeImage    uint32
	BytesPerLine uint32
}

func (f MPlanePixFormat) String() string {
	return fmt.Sprintf("%s [%dx%d]; planes=%d; colorspace=%s",
		PixelFormats[f.PixelFormat], f.Width, f.Height, f.NumPlanes, Colorspaces[f.Colorspace])
}

const maxPlanes = 8 // VIDEO_MAX_PLANES

// GetMPlanePixFormat reads the current format for an mplane queue (VIDIOC_G_FMT).
func GetMPlanePixFormat(fd uintptr, bufType MPlaneBufType) (MPlanePixFormat, error) {
	var v4l2Format C.struct_v4l2_format
	v4l2Format._type = C.uint(bufType)

	if err := send(fd, C.VIDIOC_G_FMT, uintptr(unsafe.Pointer(&v4l2Format))); err != nil {
		return MPlanePixFormat{}, fmt.Errorf("get mplane format: %w", err)
	}
	pix := (*C.struct_v4l2_pix_format_mplane)(unsafe.Pointer(&v4l2Format.fmt[0]))
	return makeMPlanePixFormat(pix), nil
}

// SetMPlanePixFormat applies a format to an mplane queue (VIDIOC_S_FMT).
// Only valid while the queue is in Init (no buffers allocated yet).
func SetMPlanePixFormat(fd uintptr, bufType MPlaneBufType, format MPlanePixFormat) (MPlanePixFormat, error) {
	var v4l2Format C.struct_v4l2_format
	v4l2Format._type = C.uint(bufType)
	pix := (*C.struct_v4l2_pix_format_mplane)(unsafe.Pointer(&v4l2Format.fmt[0]))
	fillMPlanePixFormat(pix, format)

	if err := send(fd, C.VIDIOC_S_FMT, uintptr(unsafe.Pointer(&v4l2Format))); err != nil {
		return MPlanePixFormat{}, fmt.Errorf("set mplane format: %w", err)
	}
	return makeMPlanePixFormat(pix), nil
}

// TryMPlanePixFormat validates a format without applying it (VIDIOC_TRY_FMT).
func TryMPlanePixFormat(fd uintptr, bufType MPlaneBufType, format MPlanePixFormat) (MPlanePixFormat, error) {
	var v4l2Format C.struct_v4l2_format
	v4l2Format._type = C.uint(bufType)
	pix := (*C.struct_v4l2_pix_format_mplane)(unsafe.Pointer(&v4l2Format.fmt[0]))
	fillMPlanePixFormat(pix, format)

	if err := send(fd, C.VIDIOC_TRY_FMT, uintptr(unsafe.Pointer(&v4l2Format))); err != nil {
		return MPlanePixFormat{}, fmt.Errorf("try mplane format: %w", err)
	}
	return makeMPlanePixFormat(pix), nil
}

func makeMPlanePixFormat(pix *C.struct_v4l2_pix_format_mplane) MPlanePixFormat {
	numPlanes := uint32(pix.num_planes)
	planes := make([]PlanePixFormat, 0, numPlanes)
	for i := uint32(0); i < numPlanes && i < maxPlanes; i++ {
		p := pix.plane_fmt[i]
		planes = append(planes, PlanePixFormat{
			SizeImage:    uint32(p.sizeimage),
			BytesPerLine: uint32(p.bytesperline),
		})
	}
	return MPlanePixFormat{
		Width:        uint32(pix.width),
		Height:       uint32(pix.height),
		PixelFormat:  FourCCType(pix.pixelformat),
		Field:        FieldType(pix.field),
		Colorspace:   ColorspaceType(pix.colorspace),
		Planes:       planes,
		NumPlanes:    numPlanes,
		Flags:        uint32(pix.flags),
		YcbcrEnc:     YCbCrEncodingType(pix.ycbcr_enc),
		Quantization: QuantizationType(pix.quantization),
		XferFunc:     XferFunctionType(pix.xfer_func),
	}
}

func fillMPlanePixFormat(pix *C.struct_v4l2_pix_format_mplane, f MPlanePixFormat) {
	pix.width = C.uint(f.Width)
	pix.height = C.uint(f.Height)
	pix.pixelformat = C.uint(f.PixelFormat)
	pix.field = C.uint(f.Field)
	pix.colorspace = C.uint(f.Colorspace)
	pix.flags = C.uchar(f.Flags)
	pix.ycbcr_enc = C.uchar(f.YcbcrEnc)
	pix.quantization = C.uchar(f.Quantization)
	pix.xfer_func = C.uchar(f.XferFunc)
	pix.num_planes = C.uchar(len(f.Planes))
	for i, p := range f.Planes {
		if i >= maxPlanes {
			break
		}
		pix.plane_fmt[i].sizeimage = C.uint(p.SizeImage)
		pix.plane_fmt[i].bytesperline = C.uint(p.BytesPerLine)
	}
}

// MPlaneRequestBuffers mirrors v4l2_requestbuffers, reporting the
// driver-adjusted buffer count and the buffer capability bits (§4.1
// stateful-decoder validation reads CapBufSupportsRequests from here).
type MPlaneRequestBuffers struct {
	Count        uint32
	Type         MPlaneBufType
	Memory       StreamType
	Capabilities uint32
}

// ReqbufsMPlane requests (or, with count 0, releases) buffers on an mplane
// queue. The driver may adjust Count; the caller must use the returned
// value as the authoritative buffer count (spec.md §4.2).
func ReqbufsMPlane(fd uintptr, bufType MPlaneBufType, memory StreamType, count uint32) (MPlaneRequestBuffers, error) {
	var req C.struct_v4l2_requestbuffers
	req.count = C.uint(count)
	req._type = C.uint(bufType)
	req.memory = C.uint(memory)

	if err := send(fd, C.VIDIOC_REQBUFS, uintptr(unsafe.Pointer(&req))); err != nil {
		return MPlaneRequestBuffers{}, fmt.Errorf("reqbufs mplane: %w", err)
	}
	return MPlaneRequestBuffers{
		Count:        uint32(req.count),
		Type:         bufType,
		Memory:       memory,
		Capabilities: uint32(req.capabilities),
	}, nil
}

// MPlaneBuffer mirrors a dequeued/queried v4l2_buffer in its mplane shape:
// Planes carries one entry per hardware plane instead of a single union.
type MPlaneBuffer struct {
	Index     uint32
	Type      MPlaneBufType
	Flags     uint32
	Field     uint32
	Sequence  uint32
	Memory    StreamType
	Planes    []MPlane
	Timestamp int64
}

// MPlane mirrors v4l2_plane: one hardware plane's transfer size and memory
// descriptor (userptr address, or MMAP offset/fd depending on memory type).
type MPlane struct {
	BytesUsed  uint32
	Length     uint32
	DataOffset uint32
	MemOffset  uint32 // valid when Memory == StreamTypeMMAP
	UserPtr    uintptr
	FD         int32
}

// QuerybufMPlane queries the kernel-assigned layout of buffer index on an
// mplane queue (VIDIOC_QUERYBUF), used to mmap CAPTURE planes.
func QuerybufMPlane(fd uintptr, bufType MPlaneBufType, memory StreamType, index uint32, numPlanes uint32) (MPlaneBuffer, error) {
	planes := make([]C.struct_v4l2_plane, numPlanes)
	var v4l2Buf C.struct_v4l2_buffer
	v4l2Buf._type = C.uint(bufType)
	v4l2Buf.memory = C.uint(memory)
	v4l2Buf.index = C.uint(index)
	v4l2Buf.length = C.uint(numPlanes)
	setBufPlanesPtr(&v4l2Buf, planes)

	if err := send(fd, C.VIDIOC_QUERYBUF, uintptr(unsafe.Pointer(&v4l2Buf))); err != nil {
		return MPlaneBuffer{}, fmt.Errorf("querybuf mplane: %w", err)
	}
	return makeMPlaneBuffer(v4l2Buf, planes), nil
}

// QbufMPlane submits buffer index with the given per-plane handles to the
// driver (VIDIOC_QBUF). For StreamTypeUserPtr, UserPtr/Length must be set
// per plane; for StreamTypeMMAP, only BytesUsed is meaningful on OUTPUT
// (CAPTURE ignores BytesUsed on qbuf).
func QbufMPlane(fd uintptr, bufType MPlaneBufType, memory StreamType, index uint32, planeData []MPlane) (MPlaneBuffer, error) {
	planes := make([]C.struct_v4l2_plane, len(planeData))
	for i, p := range planeData {
		planes[i].bytesused = C.uint(p.BytesUsed)
		planes[i].length = C.uint(p.Length)
		planes[i].data_offset = C.uint(p.DataOffset)
		switch memory {
		case StreamTypeUserPtr:
			*(*C.ulong)(unsafe.Pointer(&planes[i].m[0])) = C.ulong(p.UserPtr)
		case StreamTypeDMABuf:
			*(*C.int)(unsafe.Pointer(&planes[i].m[0])) = C.int(p.FD)
		default:
			*(*C.uint)(unsafe.Pointer(&planes[i].m[0])) = C.uint(p.MemOffset)
		}
	}

	var v4l2Buf C.struct_v4l2_buffer
	v4l2Buf._type = C.uint(bufType)
	v4l2Buf.memory = C.uint(memory)
	v4l2Buf.index = C.uint(index)
	v4l2Buf.length = C.uint(len(planes))
	setBufPlanesPtr(&v4l2Buf, planes)

	if err := send(fd, C.VIDIOC_QBUF, uintptr(unsafe.Pointer(&v4l2Buf))); err != nil {
		return MPlaneBuffer{}, fmt.Errorf("qbuf mplane: %w", err)
	}
	return makeMPlaneBuffer(v4l2Buf, planes), nil
}

// DqbufMPlane dequeues the next completed buffer for bufType
// (VIDIOC_DQBUF). When nothing is ready yet it returns the raw EAGAIN
// errno, wrapped (send maps no sentinel onto EAGAIN); callers match it with
// errors.Is and translate it into the decoder's NotReady control-flow
// signal rather than an operation failure (spec.md §7).
func DqbufMPlane(fd uintptr, bufType MPlaneBufType, memory StreamType, numPlanes uint32) (MPlaneBuffer, error) {
	planes := make([]C.struct_v4l2_plane, numPlanes)
	var v4l2Buf C.struct_v4l2_buffer
	v4l2Buf._type = C.uint(bufType)
	v4l2Buf.memory = C.uint(memory)
	v4l2Buf.length = C.uint(numPlanes)
	setBufPlanesPtr(&v4l2Buf, planes)

	if err := send(fd, C.VIDIOC_DQBUF, uintptr(unsafe.Pointer(&v4l2Buf))); err != nil {
		return MPlaneBuffer{}, fmt.Errorf("dqbuf mplane: %w", err)
	}
	return makeMPlaneBuffer(v4l2Buf, planes), nil
}

func makeMPlaneBuffer(v4l2Buf C.struct_v4l2_buffer, cPlanes []C.struct_v4l2_plane) MPlaneBuffer {
	planes := make([]MPlane, len(cPlanes))
	memory := StreamType(v4l2Buf.memory)
	for i, p := range cPlanes {
		mp := MPlane{
			BytesUsed:  uint32(p.bytesused),
			Length:     uint32(p.length),
			DataOffset: uint32(p.data_offset),
		}
		switch memory {
		case StreamTypeUserPtr:
			mp.UserPtr = uintptr(*(*C.ulong)(unsafe.Pointer(&p.m[0])))
		case StreamTypeDMABuf:
			mp.FD = int32(*(*C.int)(unsafe.Pointer(&p.m[0])))
		default:
			mp.MemOffset = uint32(*(*C.uint)(unsafe.Pointer(&p.m[0])))
		}
		planes[i] = mp
	}
	return MPlaneBuffer{
		Index:    uint32(v4l2Buf.index),
		Type:     uint32(v4l2Buf._type),
		Flags:    uint32(v4l2Buf.flags),
		Field:    uint32(v4l2Buf.field),
		Sequence: uint32(v4l2Buf.sequence),
		Memory:   memory,
		Planes:   planes,
		Timestamp: int64(v4l2Buf.timestamp.tv_sec)*int64(1e9) +
			int64(v4l2Buf.timestamp.tv_usec)*1000,
	}
}

// setBufPlanesPtr stashes a pointer to the C plane array in v4l2_buffer's
// anonymous union (m.planes). Mirrors the union-overlay technique used by
// streaming.go's makeBuffer for the single-planar m union.
func setBufPlanesPtr(buf *C.struct_v4l2_buffer, planes []C.struct_v4l2_plane) {
	if len(planes) == 0 {
		return
	}
	*(*uintptr)(unsafe.Pointer(&buf.m[0])) = uintptr(unsafe.Pointer(&planes[0]))
}

// GetFormatDescriptionsForType generalizes format_desc.go's
// GetAllFormatDescriptions (which hard-codes BufTypeVideoCapture) to an
// explicit buffer type, needed so §4.1's stateful-decoder validation can
// enumerate OUTPUT and CAPTURE formats independently on the same fd.
func GetFormatDescriptionsForType(fd uintptr, bufType MPlaneBufType) ([]FormatDescription, error) {
	var result []FormatDescription
	index := uint32(0)
	for {
		var fmtDesc C.struct_v4l2_fmtdesc
		fmtDesc.index = C.uint(index)
		fmtDesc._type = C.uint(bufType)

		if err := send(fd, C.VIDIOC_ENUM_FMT, uintptr(unsafe.Pointer(&fmtDesc))); err != nil {
			if errors.Is(err, ErrorBadArgument) && len(result) > 0 {
				break
			}
			return result, fmt.Errorf("format desc: type %d: %w", bufType, err)
		}
		result = append(result, makeFormatDescription(fmtDesc))
		index++
	}
	return result, nil
}

// StreamOnType / StreamOffType generalize streaming.go's StreamOn/StreamOff
// (which hard-code BufTypeVideoCapture) to an explicit buffer type, needed
// because a decoder session drives OUTPUT and CAPTURE independently.
func StreamOnType(fd uintptr, bufType MPlaneBufType) error {
	t := bufType
	if err := send(fd, C.VIDIOC_STREAMON, uintptr(unsafe.Pointer(&t))); err != nil {
		return fmt.Errorf("stream on: %w", err)
	}
	return nil
}

func StreamOffType(fd uintptr, bufType MPlaneBufType) error {
	t := bufType
	if err := send(fd, C.VIDIOC_STREAMOFF, uintptr(unsafe.Pointer(&t))); err != nil {
		return fmt.Errorf("stream off: %w", err)
	}
	return nil
}

// MapMemoryBuffer creates a local buffer mapped to the address space of the
// device specified by fd, for the plane at the given offset/length reported
// by QuerybufMPlane.
func MapMemoryBuffer(fd uintptr, offset int64, len int) ([]byte, error) {
	data, err := sys.Mmap(int(fd), offset, len, sys.PROT_READ|sys.PROT_WRITE, sys.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map memory buffer: %w", err)
	}
	return data, nil
}

// UnmapMemoryBuffer removes the buffer that was previously mapped.
func UnmapMemoryBuffer(buf []byte) error {
	if err := sys.Munmap(buf); err != nil {
		return fmt.Errorf("unmap memory buffer: %w", err)
	}
	return nil
}
