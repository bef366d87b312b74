// Package pagecache implements the narrow page-cache collaborator the
// disk I/O service consumes: an LRU-governed table of fixed-size pages
// keyed by file offset, each carrying the dirty/io-pending/
// prepare-writeback flags and flush-score aging the service's write-back
// state machine depends on. The replacement policy here (LRU with pin
// counts) generalizes the teacher's pager.PageBufferPool/PageFrame shape;
// the dirty-bit/flush-score bookkeeping it adds is new to this domain.
package pagecache

import (
	"sync"
	"sync/atomic"
)

// Page is a thread-safe cache page descriptor. Its own mutex guards only
// the short critical section around the dirty/io-pending/
// prepare-writeback flags; the cache's own lock guards the LRU linkage
// and the offset-keyed index.
type Page struct {
	offset int64
	buf    []byte

	refcount atomic.Int32

	mu               sync.Mutex
	dirty            bool
	ioPending        bool
	prepareWriteback bool

	flushScore atomic.Int64

	// LRU linkage, owned by the Cache that holds this page.
	prev, next *Page
}

// Offset returns the page's file offset, its identity within the cache.
func (p *Page) Offset() int64 { return p.offset }

// Buf returns the page's backing buffer.
func (p *Page) Buf() []byte { return p.buf }

// Lock acquires the page's short-hold lock around its flag fields.
func (p *Page) Lock() { p.mu.Lock() }

// Unlock releases the page's short-hold lock.
func (p *Page) Unlock() { p.mu.Unlock() }

// IsDirty reports the dirty flag, locking internally. For use outside a
// Lock()/Unlock() critical section already held by the caller.
func (p *Page) IsDirty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

// SetDirty sets or clears the dirty flag.
func (p *Page) SetDirty(v bool) {
	p.mu.Lock()
	p.dirty = v
	p.mu.Unlock()
}

// IsIOPending reports whether I/O has been submitted for this page and
// not yet completed, locking internally. A page with IsIOPending true
// must never have concurrent I/O submitted against it.
func (p *Page) IsIOPending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ioPending
}

// SetIOPending sets or clears the io-pending flag, locking internally.
func (p *Page) SetIOPending(v bool) {
	p.mu.Lock()
	p.ioPending = v
	p.mu.Unlock()
}

// IsPrepareWriteback reports whether a write-back for this page has been
// enqueued but not yet dispatched, discarded, or cleared by eviction.
func (p *Page) IsPrepareWriteback() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prepareWriteback
}

// SetPrepareWriteback marks a page as having a queued write-back.
func (p *Page) SetPrepareWriteback(v bool) {
	p.mu.Lock()
	p.prepareWriteback = v
	p.mu.Unlock()
}

// ClearPrepareWriteback clears the prepare-writeback flag, locking
// internally. It is cleared on dispatch, on discard, and on eviction.
func (p *Page) ClearPrepareWriteback() {
	p.mu.Lock()
	p.prepareWriteback = false
	p.mu.Unlock()
}

// The Locked-suffixed methods below assume the caller already holds the
// page's lock via Lock()/Unlock(), for the disk service's multi-field
// write-back critical section (clear prepare-writeback, check io-pending/
// dirty/flush-score, set io-pending, all under one acquisition).

// IsDirtyLocked reports the dirty flag. Caller must hold the lock.
func (p *Page) IsDirtyLocked() bool { return p.dirty }

// IsIOPendingLocked reports the io-pending flag. Caller must hold the lock.
func (p *Page) IsIOPendingLocked() bool { return p.ioPending }

// SetIOPendingLocked sets the io-pending flag. Caller must hold the lock.
func (p *Page) SetIOPendingLocked(v bool) { p.ioPending = v }

// ClearPrepareWritebackLocked clears prepare-writeback. Caller must hold
// the lock.
func (p *Page) ClearPrepareWritebackLocked() { p.prepareWriteback = false }

// FlushScore returns the current aging measure used to discard
// write-backs that have sat queued too long.
func (p *Page) FlushScore() int64 { return p.flushScore.Load() }

// BumpFlushScore adds delta to the flush score. Nothing in this module
// calls it; the cache itself never ages a page's score.
func (p *Page) BumpFlushScore(delta int64) { p.flushScore.Add(delta) }

// ResetFlushScore zeroes the flush score. Cache.NotifyCompletion calls it
// when a write-back completes cleanly.
func (p *Page) ResetFlushScore() { p.flushScore.Store(0) }

// Ref adds a reference, pinning the page against eviction.
func (p *Page) Ref() { p.refcount.Add(1) }

// Unref drops a reference. A page may be evicted only once its reference
// count reaches zero.
func (p *Page) Unref() { p.refcount.Add(-1) }

// RefCount returns the current reference count.
func (p *Page) RefCount() int32 { return p.refcount.Load() }
