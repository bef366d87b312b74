package slab

import (
	"sync"

	"github.com/SimonWaldherr/tinysql-iocore/internal/iometrics"
)

// ShrinkableCache is the narrow view of a page cache the memory manager
// needs for cross-cache reclamation: its current size and a way to ask it
// to give pages back. Page caches register themselves with a
// MemoryManager at startup.
type ShrinkableCache interface {
	// CacheSize returns the cache's current resident page count.
	CacheSize() int64
	// ShrinkCache releases up to n page buffers into out, returning the
	// number actually released.
	ShrinkCache(n int, out []PageBuffer) int
}

// MemoryManager arbitrates free-page allocation across a fleet of caches
// sharing one slab allocator. When the slab cannot satisfy an allocation,
// the manager picks the largest registered cache and asks it to shrink
// rather than failing outright, unless that cache is the requester itself.
type MemoryManager struct {
	slab         *Allocator
	shrinkNPages int
	metrics      *iometrics.Context

	mu       sync.Mutex
	registry []ShrinkableCache
}

// NewMemoryManager creates a manager over the given slab allocator.
// shrinkNPages is the minimum number of pages solicited from a victim
// cache per reclamation (spec's SHRINK_NPAGES).
func NewMemoryManager(slab *Allocator, shrinkNPages int) *MemoryManager {
	return &MemoryManager{slab: slab, shrinkNPages: shrinkNPages}
}

// SetMetrics attaches a counters block that GetFreePages updates with
// cross-cache shrink and allocation-failure events. Optional: a manager
// with no metrics attached simply skips the bookkeeping.
func (m *MemoryManager) SetMetrics(metrics *iometrics.Context) {
	m.metrics = metrics
}

// Register adds a cache to the reclamation pool.
func (m *MemoryManager) Register(c ShrinkableCache) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registry = append(m.registry, c)
}

// Unregister removes a cache from the reclamation pool.
func (m *MemoryManager) Unregister(c ShrinkableCache) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.registry {
		if r == c {
			m.registry = append(m.registry[:i], m.registry[i+1:]...)
			return
		}
	}
}

// GetFreePages attempts to satisfy an n-page allocation. It first tries
// the slab directly; on failure it shrinks the largest registered cache
// and retries once. If the largest cache is requester, nothing is shrunk
// and the call fails. requester may be nil if the caller is not itself a
// registered cache.
func (m *MemoryManager) GetFreePages(n int, requester ShrinkableCache) ([]PageBuffer, bool) {
	if pages := m.slab.Alloc(n); pages != nil {
		return pages, true
	}

	victim := m.pickVictim(requester)
	if victim == nil {
		m.incAllocFailure()
		return nil, false
	}

	k := m.shrinkNPages
	if n > k {
		k = n
	}

	shrunk := make([]PageBuffer, k)
	got := victim.ShrinkCache(k, shrunk)
	if got == 0 {
		m.incAllocFailure()
		return nil, false
	}
	m.slab.Free(shrunk[:got])
	if m.metrics != nil {
		m.metrics.ShrinkEvents.Add(1)
	}

	// When the victim gave back at least n pages, the slab's
	// all-or-nothing guarantee means this retry succeeds, barring a
	// concurrent allocator draining the freshly returned pages first. If
	// the victim gave back fewer than n, or in that race, the retry can
	// fail; we report failure rather than looping, matching the spec's
	// single-retry policy.
	if pages := m.slab.Alloc(n); pages != nil {
		return pages, true
	}
	m.incAllocFailure()
	return nil, false
}

func (m *MemoryManager) incAllocFailure() {
	if m.metrics != nil {
		m.metrics.AllocFailures.Add(1)
	}
}

// FreePages returns pages to the slab.
func (m *MemoryManager) FreePages(pages []PageBuffer) {
	m.slab.Free(pages)
}

// pickVictim selects the single largest registered cache. If that cache
// is the requester itself, selection fails: shrinking the requester to
// satisfy its own allocation would gain nothing and risks livelock, so
// self-shrink is always refused rather than falling back to the next
// largest peer.
func (m *MemoryManager) pickVictim(requester ShrinkableCache) ShrinkableCache {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best ShrinkableCache
	var bestSize int64 = -1
	for _, c := range m.registry {
		if sz := c.CacheSize(); sz > bestSize {
			best = c
			bestSize = sz
		}
	}
	if best == nil || best == requester {
		return nil
	}
	return best
}
