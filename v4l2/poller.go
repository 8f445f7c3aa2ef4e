package v4l2

import (
	"fmt"

	sys "golang.org/x/sys/unix"
)

// Poller multiplexes the decoder worker's four asynchronous signal sources
// (spec.md §4.4, §6): driver events (V4L2Event, reported via POLLPRI),
// OUTPUT-buffer readiness (POLLOUT), CAPTURE-buffer readiness (POLLIN), and
// client-triggered wakeups (Waker, a separate eventfd). go4vl's wait
// primitives (streaming.go's WaitForDeviceRead, syscalls.go's WaitForRead)
// each wrap a single-fd sys.Select call on POLLIN alone and cannot
// distinguish event kinds or add a second fd; an epoll instance plus an
// eventfd-backed waker generalizes the same wait-for-readable idea to the
// decoder's multi-source loop.
type Poller struct {
	epfd         int
	wakerFd      int
	deviceEvents uint32
}

// PollEventKind names one of the signal sources a Poller reports.
type PollEventKind int

const (
	PollDeviceEvent PollEventKind = iota
	PollCaptureReady
	PollOutputReady
	PollWaker
)

// basePollEvents are always registered on the device fd once a Poller
// exists: POLLPRI for driver events (source-change notifications must never
// be missed, even before any CAPTURE buffer has been allocated). POLLIN and
// POLLOUT are opt-in via Enable/DisableCaptureReady and Enable/DisableOutputReady
// so a Poller only ever watches readiness signals its owner actually drains;
// the decoder worker never dequeues OUTPUT, so its Poller must never carry
// EPOLLOUT or a completed-but-undrained OUTPUT buffer keeps epoll_wait
// returning ready every iteration with nothing for the worker to do about it.
const basePollEvents = sys.EPOLLPRI

// NewPoller creates a Poller watching deviceFd for driver events
// immediately, with CAPTURE readiness (EPOLLIN) and OUTPUT readiness
// (EPOLLOUT) both initially disabled until their respective Enable calls,
// plus its own waker fd.
func NewPoller(deviceFd uintptr) (*Poller, error) {
	epfd, err := sys.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("poller: epoll_create1: %w", err)
	}

	wakerFd, err := sys.Eventfd(0, sys.EFD_NONBLOCK|sys.EFD_CLOEXEC)
	if err != nil {
		sys.Close(epfd)
		return nil, fmt.Errorf("poller: eventfd: %w", err)
	}

	p := &Poller{epfd: epfd, wakerFd: wakerFd, deviceEvents: basePollEvents}

	if err := sys.EpollCtl(epfd, sys.EPOLL_CTL_ADD, int(deviceFd), &sys.EpollEvent{
		Events: p.deviceEvents,
		Fd:     int32(deviceFd),
	}); err != nil {
		p.Close()
		return nil, fmt.Errorf("poller: epoll_ctl add device: %w", err)
	}

	if err := sys.EpollCtl(epfd, sys.EPOLL_CTL_ADD, wakerFd, &sys.EpollEvent{
		Events: sys.EPOLLIN,
		Fd:     int32(wakerFd),
	}); err != nil {
		p.Close()
		return nil, fmt.Errorf("poller: epoll_ctl add waker: %w", err)
	}

	return p, nil
}

// EnableCaptureReady / DisableCaptureReady toggle EPOLLIN interest on the
// device fd, layered on top of the always-on basePollEvents. Disabling it
// is required by spec.md §8 ("CAPTURE poll with zero queued buffers must
// disable CaptureReady, otherwise would busy-loop on EPOLLERR").
func (p *Poller) EnableCaptureReady(deviceFd uintptr) error {
	return p.setDeviceEvents(deviceFd, p.deviceEvents|sys.EPOLLIN)
}

func (p *Poller) DisableCaptureReady(deviceFd uintptr) error {
	return p.setDeviceEvents(deviceFd, p.deviceEvents&^uint32(sys.EPOLLIN))
}

// EnableOutputReady / DisableOutputReady toggle EPOLLOUT interest on the
// device fd. Only the client's short-lived GetBuffer poller (session.go's
// waitOutputReady) calls EnableOutputReady; the worker's long-lived poller
// never does, since the worker never dequeues OUTPUT buffers itself.
func (p *Poller) EnableOutputReady(deviceFd uintptr) error {
	return p.setDeviceEvents(deviceFd, p.deviceEvents|sys.EPOLLOUT)
}

func (p *Poller) DisableOutputReady(deviceFd uintptr) error {
	return p.setDeviceEvents(deviceFd, p.deviceEvents&^uint32(sys.EPOLLOUT))
}

func (p *Poller) setDeviceEvents(deviceFd uintptr, events uint32) error {
	if err := sys.EpollCtl(p.epfd, sys.EPOLL_CTL_MOD, int(deviceFd), &sys.EpollEvent{
		Events: events,
		Fd:     int32(deviceFd),
	}); err != nil {
		return fmt.Errorf("poller: epoll_ctl mod: %w", err)
	}
	p.deviceEvents = events
	return nil
}

// Wait blocks (untimed, per spec.md §5 "poll calls are untimed") until at
// least one of the device fd or the waker fd is readable, then returns
// which woke it. The caller disambiguates device-fd readiness into
// DeviceEvent vs CaptureReady/OutputReady by issuing dqevent first, then
// attempting the relevant dqbuf (each treats EAGAIN as nothing ready, so a
// spurious wake caused by an unrelated event bit is harmless).
func (p *Poller) Wait(deviceFd uintptr) (deviceReady bool, wokeByWaker bool, err error) {
	var events [2]sys.EpollEvent
	for {
		n, err := sys.EpollWait(p.epfd, events[:], -1)
		if err != nil {
			if err == sys.EINTR {
				continue
			}
			return false, false, fmt.Errorf("poller: epoll_wait: %w", err)
		}
		for i := 0; i < n; i++ {
			switch int(events[i].Fd) {
			case int(deviceFd):
				deviceReady = true
			case p.wakerFd:
				wokeByWaker = true
				p.drainWaker()
			}
		}
		return deviceReady, wokeByWaker, nil
	}
}

// Wake is safe to call from any thread, including a DQBuffer drop callback
// on the client thread (spec.md §9 "cross-thread waker on DQBuffer drop").
// Failures are swallowed by design: per §9, a missed wake is recovered by
// the next buffer drop or, for a timed caller, the next poll timeout.
func (p *Poller) Wake() {
	var b [8]byte
	putUint64(b[:], 1)
	_, _ = sys.Write(p.wakerFd, b[:])
}

func (p *Poller) drainWaker() {
	var b [8]byte
	for {
		n, err := sys.Read(p.wakerFd, b[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Close releases the epoll instance and the waker eventfd.
func (p *Poller) Close() error {
	var firstErr error
	if p.wakerFd != 0 {
		if err := sys.Close(p.wakerFd); err != nil {
			firstErr = err
		}
	}
	if p.epfd != 0 {
		if err := sys.Close(p.epfd); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
