package decoder

import "unsafe"

// ptrOf returns the address of b's backing array, for handing a userptr
// plane's address to the kernel via qbuf. Callers must keep b alive (and
// unmoved) until the kernel has dequeued the buffer; cgo/syscall rules
// forbid Go from moving pinned-in-flight buffers during a blocking ioctl,
// which holds here since the ioctl completes synchronously before Submit
// returns.
func ptrOf(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}
