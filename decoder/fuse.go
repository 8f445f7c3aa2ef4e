package decoder

// bufferStateFuse is a drop-guard for a BufferInfo's state, grounded on
// original_source/src/device/queue.rs's BufferStateFuse (Weak<Mutex<...>> +
// disarm/trigger + Drop). spec.md §9 calls for a *weak* reference so that
// tearing down a queue while a DQBuffer is in flight does not keep the
// queue's buffer table alive, and so that the fuse's own release is a
// guaranteed no-op once the state has gone away.
//
// Go has no Weak<T> and no destructors, so the translation is direct
// rather than literal:
//
//   - There is no dangling-pointer hazard to avoid in the first place: Go's
//     GC keeps *BufferInfo alive exactly as long as something references
//     it (the DQBuffer/QBuffer holding the fuse, in this case), the same
//     lifetime a strong Arc reference would give it in Rust. Holding a
//     plain *BufferInfo therefore cannot "mask a teardown bug" by keeping
//     memory alive past its owner's lifetime the way the source's comment
//     warns about — Go already reclaims it once unreachable.
//   - The actual invariant spec.md §9 needs — "a fuse armed against a
//     now-dropped state is a no-op on drop" (invariant 5) — is instead
//     modeled with an explicit torn flag on BufferInfo, set under its own
//     mutex when the owning Queue frees its buffers. release() checks torn
//     before mutating state, so a fuse outliving queue teardown degrades to
//     exactly the same no-op the Rust Weak::upgrade() => None path gives.
//   - "Drop guards without destructors" (§9): since Go has no RAII, every
//     call site that acquires a non-Free state must explicitly call
//     release() (directly or via defer) on every exit path. QBuffer.Submit/
//     Cancel and DQBuffer.Release are those call sites.
type bufferStateFuse struct {
	info   *BufferInfo
	armed  bool
	target bufferState // state to restore the owner to, normally stateFree
}

// armFuse constructs a fuse pointing at info, in the armed state.
func armFuse(info *BufferInfo) *bufferStateFuse {
	return &bufferStateFuse{info: info, armed: true, target: stateFree}
}

// disarm makes a future release a no-op. Called once ownership has moved
// to a new owner (e.g. PreQueue -> Queued) so that owner's own fuse, not
// this one, is now responsible for eventual release.
func (f *bufferStateFuse) disarm() {
	f.armed = false
}

// release performs the fuse's cleanup action exactly once: if still armed,
// and the buffer's queue has not been torn down, move the buffer's state to
// target (normally Free) and clear its handles. A disarmed fuse, or one
// whose target BufferInfo belongs to a torn-down queue, does nothing —
// matching invariant 5 (no panic, no UB).
func (f *bufferStateFuse) release() {
	if !f.armed {
		return
	}
	f.armed = false

	f.info.mu.Lock()
	defer f.info.mu.Unlock()
	if f.info.torn {
		return
	}
	f.info.state = f.target
	f.info.handles = nil
}
