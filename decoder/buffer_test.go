package decoder

import (
	"errors"
	"testing"

	"github.com/vladimirvivien/v4l2m2m/v4l2"
)

func TestQBuffer_SubmitTransitionsToQueued(t *testing.T) {
	restore := qbufFn
	defer func() { qbufFn = restore }()
	qbufFn = func(fd uintptr, bufType v4l2.MPlaneBufType, memory v4l2.StreamType, index uint32, planes []v4l2.MPlane) (v4l2.MPlaneBuffer, error) {
		return v4l2.MPlaneBuffer{Index: index}, nil
	}

	q := &Queue{bufType: v4l2.BufTypeVideoOutputMPlane, memory: v4l2.StreamTypeUserPtr}
	info := newBufferInfo(0, 1)
	info.state = statePreQueue
	qb := &QBuffer{queue: q, info: info, fuse: armFuse(info)}

	data := []byte("payload")
	if err := qb.Submit([]PlaneHandle{{Memory: v4l2.StreamTypeUserPtr, Data: data}}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if info.state != stateQueued {
		t.Fatalf("state = %v, want Queued", info.state)
	}
	if q.numQueued != 1 {
		t.Fatalf("numQueued = %d, want 1", q.numQueued)
	}
}

func TestQBuffer_SubmitFailureReturnsBufferToFree(t *testing.T) {
	restore := qbufFn
	defer func() { qbufFn = restore }()
	wantErr := errors.New("qbuf refused")
	qbufFn = func(fd uintptr, bufType v4l2.MPlaneBufType, memory v4l2.StreamType, index uint32, planes []v4l2.MPlane) (v4l2.MPlaneBuffer, error) {
		return v4l2.MPlaneBuffer{}, wantErr
	}

	q := &Queue{bufType: v4l2.BufTypeVideoOutputMPlane, memory: v4l2.StreamTypeUserPtr}
	info := newBufferInfo(0, 1)
	info.state = statePreQueue
	qb := &QBuffer{queue: q, info: info, fuse: armFuse(info)}

	if err := qb.Submit([]PlaneHandle{{Memory: v4l2.StreamTypeUserPtr, Data: []byte("x")}}); err == nil {
		t.Fatal("expected error")
	}
	if info.state != stateFree {
		t.Fatalf("state = %v, want Free after failed submit", info.state)
	}
}

func TestQBuffer_SubmitTwiceFails(t *testing.T) {
	restore := qbufFn
	defer func() { qbufFn = restore }()
	qbufFn = func(fd uintptr, bufType v4l2.MPlaneBufType, memory v4l2.StreamType, index uint32, planes []v4l2.MPlane) (v4l2.MPlaneBuffer, error) {
		return v4l2.MPlaneBuffer{}, nil
	}

	q := &Queue{bufType: v4l2.BufTypeVideoOutputMPlane, memory: v4l2.StreamTypeUserPtr}
	info := newBufferInfo(0, 1)
	info.state = statePreQueue
	qb := &QBuffer{queue: q, info: info, fuse: armFuse(info)}

	if err := qb.Submit(nil); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if err := qb.Submit(nil); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("second submit err = %v, want ErrAlreadyUsed", err)
	}
}

func TestQBuffer_CancelReturnsBufferToFree(t *testing.T) {
	info := newBufferInfo(0, 1)
	info.state = statePreQueue
	qb := &QBuffer{queue: &Queue{}, info: info, fuse: armFuse(info)}

	qb.Cancel()

	if info.state != stateFree {
		t.Fatalf("state = %v, want Free", info.state)
	}
}

func TestDQBuffer_ReleaseInvokesOnReleaseOnce(t *testing.T) {
	info := newBufferInfo(0, 1)
	info.state = stateDequeued
	dq := &DQBuffer{info: info, fuse: armFuse(info)}

	calls := 0
	dq.OnRelease(func() { calls++ })
	dq.Release()
	dq.Release()

	if calls != 1 {
		t.Fatalf("onRelease called %d times, want 1", calls)
	}
	if info.state != stateFree {
		t.Fatalf("state = %v, want Free", info.state)
	}
}

func TestDQBuffer_BytesUsedOfFirstPlane(t *testing.T) {
	dq := &DQBuffer{Handles: []PlaneHandle{{BytesUsed: 42}, {BytesUsed: 7}}}
	if got := dq.BytesUsed(); got != 42 {
		t.Fatalf("BytesUsed = %d, want 42", got)
	}

	empty := &DQBuffer{}
	if got := empty.BytesUsed(); got != 0 {
		t.Fatalf("BytesUsed (no planes) = %d, want 0", got)
	}
}
