package decoder

import (
	"fmt"
	"sync"

	sys "golang.org/x/sys/unix"

	"github.com/vladimirvivien/v4l2m2m/v4l2"
)

// Device is a shared handle (not reference-counted) to an opened V4L2 device
// node, opened in non-blocking dqbuf mode (spec.md §3). It tracks which
// mplane queue types are currently borrowed by a Queue so that OUTPUT and
// CAPTURE can each be obtained at most once at a time (invariant 4).
//
// Grounded on v4l2/syscalls.go's OpenDevice/CloseDevice (open/close
// plumbing is unchanged from the teacher; the borrow registry is new,
// modeled after original_source/src/device/queue.rs's Arc<Device> +
// per-queue-type ownership comments).
type Device struct {
	path string
	fd   uintptr

	mu       sync.Mutex
	borrowed map[v4l2.MPlaneBufType]bool
}

// openDevice is a package-level var, reassignable in tests, mirroring
// go4vl's device/device_test.go "variable function" mocking pattern
// (v4l2OpenDevice, v4l2GetCapability, etc.) so the decoder core is testable
// without a real device node.
var openDevice = v4l2.OpenDevice
var closeDeviceFn = v4l2.CloseDevice

// OpenDevice opens the device node at path in non-blocking mode, suitable
// for a decoder session's poll-driven I/O.
func OpenDevice(path string) (*Device, error) {
	fd, err := openDevice(path, sys.O_RDWR|sys.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceOpen, path, err)
	}
	return &Device{
		path:     path,
		fd:       fd,
		borrowed: make(map[v4l2.MPlaneBufType]bool),
	}, nil
}

// Path returns the device node path this handle was opened from.
func (d *Device) Path() string { return d.path }

// Fd returns the underlying file descriptor.
func (d *Device) Fd() uintptr { return d.fd }

// Close closes the underlying device file descriptor. The caller must have
// already released (freed buffers on) any Queue borrowed from this handle.
func (d *Device) Close() error {
	return closeDeviceFn(d.fd)
}

// borrow claims bufType for the caller's exclusive use, failing if it is
// already held by another Queue (spec.md §3, invariant 4).
func (d *Device) borrow(bufType v4l2.MPlaneBufType) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.borrowed[bufType] {
		return ErrQueueAlreadyBorrowed
	}
	d.borrowed[bufType] = true
	return nil
}

// release frees bufType back to the registry, called on queue teardown.
func (d *Device) release(bufType v4l2.MPlaneBufType) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.borrowed, bufType)
}
