package decoder

import "testing"

func TestFuse_ReleaseRestoresTargetState(t *testing.T) {
	info := newBufferInfo(0, 1)
	info.state = stateDequeued

	f := armFuse(info)
	f.release()

	if info.state != stateFree {
		t.Fatalf("state = %v, want Free", info.state)
	}
}

func TestFuse_DisarmMakesReleaseNoOp(t *testing.T) {
	info := newBufferInfo(0, 1)
	info.state = stateDequeued

	f := armFuse(info)
	f.disarm()
	f.release()

	if info.state != stateDequeued {
		t.Fatalf("state = %v, want unchanged Dequeued", info.state)
	}
}

func TestFuse_ReleaseIsIdempotent(t *testing.T) {
	info := newBufferInfo(0, 1)
	info.state = stateDequeued

	f := armFuse(info)
	f.release()
	info.state = statePreQueue // simulate a new owner taking the slot
	f.release()                // must not clobber the new owner's state

	if info.state != statePreQueue {
		t.Fatalf("second release mutated state to %v", info.state)
	}
}

func TestFuse_TornQueueMakesReleaseNoOp(t *testing.T) {
	info := newBufferInfo(0, 1)
	info.state = stateDequeued
	info.torn = true

	f := armFuse(info)
	f.release()

	if info.state != stateDequeued {
		t.Fatalf("state = %v, want unchanged (torn queue)", info.state)
	}
}
