package pagecache

import (
	"fmt"
	"sync"
	"time"

	"github.com/SimonWaldherr/tinysql-iocore/internal/diskio"
	"github.com/SimonWaldherr/tinysql-iocore/internal/slab"
)

// Config configures a Cache.
type Config struct {
	// MaxPages bounds resident page count before the cache starts
	// evicting on Insert. Zero means unbounded (only MemoryManager-driven
	// shrinkage reclaims pages).
	MaxPages int
}

// Cache is an LRU-governed, offset-keyed table of pages, backed by a
// slab.MemoryManager for page buffer acquisition and participating in
// that manager's cross-cache shrinkage as a slab.ShrinkableCache. It
// implements diskio.PageCache for a disk I/O service, and
// diskio.Endpoint to receive completion notifications for the write-backs
// it solicits.
type Cache struct {
	cfg Config
	mm  *slab.MemoryManager

	// lowPrio is the queue FlushDirtyPages enqueues write-back requests
	// onto — the relevant disk I/O service's low-priority queue.
	lowPrio *diskio.Queue

	mu         sync.RWMutex
	pages      map[int64]*Page
	head, tail *Page // LRU: head = most recent, tail = least recent
	resident   int64
}

// New creates a page cache wired to a memory manager and the low-priority
// queue of the disk service it flushes write-backs to.
func New(cfg Config, mm *slab.MemoryManager, lowPrio *diskio.Queue) *Cache {
	return &Cache{
		cfg:     cfg,
		mm:      mm,
		lowPrio: lowPrio,
		pages:   make(map[int64]*Page),
	}
}

// Size returns the current resident page count.
func (c *Cache) Size() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.resident
}

// CacheSize implements slab.ShrinkableCache.
func (c *Cache) CacheSize() int64 { return c.Size() }

// Search returns the page currently resident at offset, adding a
// reference. It is the only way a caller obtains a pinned page.
func (c *Cache) Search(offset int64) (diskio.Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pages[offset]
	if !ok {
		return nil, false
	}
	p.Ref()
	c.moveToFrontLocked(p)
	return p, true
}

// Insert loads a new page at offset, obtaining a fresh buffer from the
// memory manager (which may trigger cross-cache shrinkage of a peer
// cache). The returned page is pinned with one reference, owned by the
// caller. Insert evicts LRU pages first if cfg.MaxPages is exceeded.
func (c *Cache) Insert(offset int64) (*Page, error) {
	c.mu.Lock()
	if existing, ok := c.pages[offset]; ok {
		existing.Ref()
		c.moveToFrontLocked(existing)
		c.mu.Unlock()
		return existing, nil
	}
	if c.cfg.MaxPages > 0 && c.resident >= int64(c.cfg.MaxPages) {
		c.evictOneLocked()
	}
	c.mu.Unlock()

	bufs, ok := c.mm.GetFreePages(1, c)
	if !ok {
		return nil, fmt.Errorf("pagecache: no free pages available for offset %d", offset)
	}

	p := &Page{offset: offset, buf: bufs[0]}
	p.Ref()

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.pages[offset]; ok {
		// Lost a race with a concurrent Insert for the same offset.
		c.mm.FreePages(bufs)
		existing.Ref()
		c.moveToFrontLocked(existing)
		return existing, nil
	}
	c.pages[offset] = p
	c.pushFrontLocked(p)
	c.resident++
	return p, nil
}

// FlushDirtyPages enqueues up to budget write-back requests for dirty
// pages (that do not already have a write-back queued) satisfying filter.
// It returns the number of requests actually enqueued; a full
// low-priority queue stops solicitation early.
func (c *Cache) FlushDirtyPages(filter diskio.DirtyPageFilter, budget int) int {
	if budget <= 0 {
		return 0
	}

	candidates := c.collectFlushCandidates(budget * 4)
	if len(candidates) == 0 {
		return 0
	}
	selected := filter(candidates)
	if len(selected) > budget {
		selected = selected[:budget]
	}

	enqueued := 0
	for _, offset := range selected {
		c.mu.RLock()
		p, ok := c.pages[offset]
		c.mu.RUnlock()
		if !ok {
			continue
		}

		p.Lock()
		if p.prepareWriteback || !p.dirty || p.ioPending {
			p.Unlock()
			continue
		}
		p.prepareWriteback = true
		p.Unlock()

		// No reference is held on p's behalf here: the request's private
		// pointer targets the cache while queued, not the page, so the
		// page remains evictable until the service actually dispatches
		// it (diskio.Service.processLowPrioMsg pins it via Search at
		// that point). OriginalPage below is purely an identity marker
		// for detecting that race.
		req := &diskio.Request{
			Offset:       offset,
			Buffer:       p.Buf(),
			Priority:     diskio.PriorityLow,
			Owner:        c,
			OriginalPage: p,
			Timestamp:    time.Now(),
			Origin:       c,
		}

		if !c.lowPrio.TryEnqueue(&diskio.Message{Reqs: []*diskio.Request{req}}) {
			p.ClearPrepareWriteback()
			break
		}
		enqueued++
	}
	return enqueued
}

// collectFlushCandidates returns up to limit offsets of pages that are
// dirty and not already queued for write-back, newest-accessed first.
func (c *Cache) collectFlushCandidates(limit int) []int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]int64, 0, limit)
	for p := c.head; p != nil && len(out) < limit; p = p.next {
		p.mu.Lock()
		ok := p.dirty && !p.prepareWriteback && !p.ioPending
		p.mu.Unlock()
		if ok {
			out = append(out, p.offset)
		}
	}
	return out
}

// NotifyCompletion implements diskio.Endpoint for the write-backs this
// cache solicited: on a clean completion it clears dirty and io-pending,
// resets the flush score, and unpins the reference processLowPrioMsg
// transferred into req.Owner on dispatch. A discarded request holds no
// reference to unpin here: FlushDirtyPages never pins OriginalPage (see
// the comment at its Request construction), and whichever discard path
// in processLowPrioMsg produced this request already released any
// reference it had picked up along the way.
func (c *Cache) NotifyCompletion(reqs []*diskio.Request) {
	for _, r := range reqs {
		if r.Discarded {
			continue
		}
		page, ok := r.OriginalPage.(*Page)
		if !ok || page == nil {
			continue
		}
		page.Lock()
		page.dirty = false
		page.ioPending = false
		page.mu.Unlock()
		page.ResetFlushScore()
		page.Unref()
	}
}

// Shrink implements diskio.PageCache: it releases up to n unpinned,
// least-recently-used page buffers into out.
func (c *Cache) Shrink(n int, out [][]byte) int {
	return c.shrink(n, out)
}

// ShrinkCache implements slab.ShrinkableCache with the slab.PageBuffer
// alias of the same underlying []byte type.
func (c *Cache) ShrinkCache(n int, out []slab.PageBuffer) int {
	return c.shrink(n, out)
}

func (c *Cache) shrink(n int, out [][]byte) int {
	if n > len(out) {
		n = len(out)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	got := 0
	for got < n {
		p := c.evictOneLocked()
		if p == nil {
			break
		}
		out[got] = p.buf
		got++
	}
	return got
}

// evictOneLocked removes and returns the least-recently-used unpinned
// page. Caller must hold c.mu. A page may be evicted only when its
// reference count is zero.
func (c *Cache) evictOneLocked() *Page {
	for p := c.tail; p != nil; p = p.prev {
		if p.RefCount() != 0 {
			continue
		}
		p.ClearPrepareWriteback()
		c.unlinkLocked(p)
		delete(c.pages, p.offset)
		c.resident--
		return p
	}
	return nil
}

func (c *Cache) pushFrontLocked(p *Page) {
	p.prev = nil
	p.next = c.head
	if c.head != nil {
		c.head.prev = p
	}
	c.head = p
	if c.tail == nil {
		c.tail = p
	}
}

func (c *Cache) unlinkLocked(p *Page) {
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		c.head = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		c.tail = p.prev
	}
	p.prev, p.next = nil, nil
}

func (c *Cache) moveToFrontLocked(p *Page) {
	if c.head == p {
		return
	}
	c.unlinkLocked(p)
	c.pushFrontLocked(p)
}
