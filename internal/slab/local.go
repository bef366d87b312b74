package slab

import "sync"

// localBuf is a goroutine-owned front-end cache of up to cap objects. It
// is never touched by any goroutine other than the one that owns its
// LocalHandle.
type localBuf struct {
	mu   sync.Mutex
	objs []PageBuffer
	cap  int
}

// LocalHandle is a per-goroutine front-end onto an Allocator's shared
// freelist. Spec's open teardown question ("per-thread buffers ... owned
// by the thread; teardown is a known open question") is resolved here by
// making the handle an explicit, closeable value: the goroutine that
// creates a LocalHandle owns it and must call Close when it is done (e.g.
// in a defer right after acquiring it), which drains any buffered objects
// back to the shared freelist. A LocalHandle is the Go analogue of the
// design notes' "destructor tied to thread termination".
type LocalHandle struct {
	a   *Allocator
	buf *localBuf
}

// NewLocalHandle creates a front-end cache bound to the allocator. If the
// allocator's configured LocalBufSize is 0, every operation on the handle
// routes straight through to the shared freelist (no buffering).
func (a *Allocator) NewLocalHandle() *LocalHandle {
	h := &LocalHandle{a: a}
	if a.localBufCap > 0 {
		h.buf = &localBuf{cap: a.localBufCap}
		a.locals.Store(h, h.buf)
	}
	return h
}

// AllocOne returns a single object, refilling the front-end from the
// shared freelist in one batch when empty.
func (h *LocalHandle) AllocOne() (PageBuffer, bool) {
	if h.buf == nil {
		got := h.a.Alloc(1)
		if len(got) == 0 {
			return nil, false
		}
		return got[0], true
	}

	h.buf.mu.Lock()
	if len(h.buf.objs) == 0 {
		h.buf.mu.Unlock()
		refill := h.a.Alloc(h.buf.cap)
		if len(refill) == 0 {
			return nil, false
		}
		h.buf.mu.Lock()
		h.buf.objs = append(h.buf.objs, refill...)
	}
	obj := h.buf.objs[len(h.buf.objs)-1]
	h.buf.objs = h.buf.objs[:len(h.buf.objs)-1]
	h.buf.mu.Unlock()
	return obj, true
}

// FreeOne returns a single object, draining the front-end to the shared
// freelist in one batch when full.
func (h *LocalHandle) FreeOne(obj PageBuffer) {
	if h.buf == nil {
		h.a.Free([]PageBuffer{obj})
		return
	}

	h.buf.mu.Lock()
	if len(h.buf.objs) >= h.buf.cap {
		drain := make([]PageBuffer, len(h.buf.objs))
		copy(drain, h.buf.objs)
		h.buf.objs = h.buf.objs[:0]
		h.buf.mu.Unlock()
		h.a.Free(drain)
		h.buf.mu.Lock()
	}
	h.buf.objs = append(h.buf.objs, obj)
	h.buf.mu.Unlock()
}

// Close drains any objects buffered in the front-end back to the shared
// freelist and detaches the handle from the allocator. It must be called
// by the owning goroutine before it exits; failing to call it leaks the
// buffered objects for the life of the allocator, exactly the window the
// design notes flag as open in the original source.
func (h *LocalHandle) Close() {
	if h.buf == nil {
		return
	}
	h.buf.mu.Lock()
	drain := make([]PageBuffer, len(h.buf.objs))
	copy(drain, h.buf.objs)
	h.buf.objs = nil
	h.buf.mu.Unlock()

	h.a.Free(drain)
	h.a.locals.Delete(h)
}
