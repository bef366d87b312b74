// Package slab implements a per-name, NUMA-pinned, fixed-object-size
// freelist allocator with optional per-goroutine front-end caches. It
// grows in fixed-size chunks up to a configured ceiling and never shrinks;
// reclamation from over-large peer caches is handled by MemoryManager.
package slab

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/SimonWaldherr/tinysql-iocore/internal/numa"
)

// PageBuffer is a fixed-size aligned memory region. It is owned exclusively
// by the Allocator while free; ownership transfers to whatever the caller
// hands it to once Alloc returns it.
type PageBuffer = []byte

// chunk is one increaseSize-byte NUMA-local region the allocator carved
// into linked objects. Allocator never frees a chunk until Close.
type chunk struct {
	base []byte
}

// Allocator is a fixed-object-size freelist grown in chunks from NUMA-local
// memory. The freelist is guarded by a CAS spin lock, never a blocking
// mutex, so the (possibly slow) chunk allocation call always happens
// outside the lock.
//
// The freelist itself is kept as an ordinary Go slice of object slices
// rather than an intrusive pointer chain threaded through the buffers:
// encoding a live pointer inside the bytes of a []byte the garbage
// collector also scans is unsound in Go, unlike in the C original this
// core is modeled on.
type Allocator struct {
	name        string
	objSize     int
	increaseBy  int64
	ceiling     int64 // 0 = unbounded
	node        int
	pinned      bool
	localBufCap int

	currSize atomic.Int64 // bytes reserved (allocated or pending reservation)

	lockState atomic.Int32   // CAS spin lock: 0 = free, 1 = held
	free      []PageBuffer   // LIFO freelist, guarded by lockState

	mu     sync.Mutex // guards chunks only (teardown bookkeeping, rare)
	chunks []chunk

	locals sync.Map // map[*LocalHandle]*localBuf
}

// Config configures a new Allocator.
type Config struct {
	Name         string
	ObjSize      int
	IncreaseSize int64 // chunk growth size in bytes
	Ceiling      int64 // 0 = unbounded
	Node         int
	Pinned       bool
	LocalBufSize int
}

// New creates an Allocator. ObjSize must be positive and IncreaseSize must
// be large enough to carve at least one object.
func New(cfg Config) (*Allocator, error) {
	if cfg.ObjSize <= 0 {
		return nil, fmt.Errorf("slab %q: object size must be positive, got %d", cfg.Name, cfg.ObjSize)
	}
	if cfg.IncreaseSize < int64(cfg.ObjSize) {
		return nil, fmt.Errorf("slab %q: increase size %d smaller than object size %d",
			cfg.Name, cfg.IncreaseSize, cfg.ObjSize)
	}
	return &Allocator{
		name:        cfg.Name,
		objSize:     cfg.ObjSize,
		increaseBy:  cfg.IncreaseSize,
		ceiling:     cfg.Ceiling,
		node:        cfg.Node,
		pinned:      cfg.Pinned,
		localBufCap: cfg.LocalBufSize,
	}, nil
}

// Name returns the allocator's configured name, used for diagnostics.
func (a *Allocator) Name() string { return a.name }

// ObjSize returns the fixed object size in bytes.
func (a *Allocator) ObjSize() int { return a.objSize }

// CurrSize returns the current reserved byte total (allocated objects plus
// any chunk reservation in flight).
func (a *Allocator) CurrSize() int64 { return a.currSize.Load() }

func (a *Allocator) lock() {
	for !a.lockState.CompareAndSwap(0, 1) {
		// short, bounded spin: critical sections under this lock never
		// make a blocking call, so a blocking mutex is unnecessary here.
	}
}

func (a *Allocator) unlock() {
	a.lockState.Store(0)
}

// popFreelist pops up to n objects already on the freelist, without
// growing. Returns the objects popped, which may be fewer than n.
func (a *Allocator) popFreelist(n int) []PageBuffer {
	a.lock()
	defer a.unlock()

	avail := len(a.free)
	if avail > n {
		avail = n
	}
	if avail == 0 {
		return nil
	}
	out := make([]PageBuffer, avail)
	copy(out, a.free[len(a.free)-avail:])
	a.free = a.free[:len(a.free)-avail]
	return out
}

// Alloc returns n fresh objects. It is all-or-nothing: on
// failure any objects already popped are returned to the freelist and
// Alloc returns nil.
func (a *Allocator) Alloc(n int) []PageBuffer {
	if n <= 0 {
		return nil
	}

	got := a.popFreelist(n)
	for len(got) < n {
		need := n - len(got)
		if !a.growBy(need) {
			// Roll back: return everything popped so far.
			a.Free(got)
			return nil
		}
		more := a.popFreelist(need)
		if len(more) == 0 {
			// Growth succeeded but another goroutine raced us to the
			// freshly carved objects; retry the whole loop.
			continue
		}
		got = append(got, more...)
	}
	return got
}

// growBy reserves ceiling quota for one chunk, performs the NUMA-local
// allocation outside the lock, carves the chunk into objects, and splices
// it back into the freelist. Returns false if the ceiling would be
// exceeded.
func (a *Allocator) growBy(need int) bool {
	objsPerChunk := int(a.increaseBy) / a.objSize
	if objsPerChunk < need {
		// Grow enough at once to satisfy a request larger than one
		// chunk's worth of objects.
		objsPerChunk = need
	}
	chunkBytes := int64(objsPerChunk) * int64(a.objSize)

	a.lock()
	projected := a.currSize.Load() + chunkBytes
	if a.ceiling > 0 && projected > a.ceiling {
		a.unlock()
		return false
	}
	a.currSize.Add(chunkBytes)
	a.unlock()

	buf, err := numa.AllocOn(a.node, int(chunkBytes))
	if err != nil {
		a.currSize.Add(-chunkBytes)
		return false
	}

	objs := carve(buf, a.objSize)

	a.mu.Lock()
	a.chunks = append(a.chunks, chunk{base: buf})
	a.mu.Unlock()

	a.lock()
	a.free = append(a.free, objs...)
	a.unlock()
	return true
}

// carve splits buf into objSize-sized objects.
func carve(buf []byte, objSize int) []PageBuffer {
	n := len(buf) / objSize
	objs := make([]PageBuffer, n)
	for i := 0; i < n; i++ {
		objs[i] = buf[i*objSize : (i+1)*objSize]
	}
	return objs
}

// Free returns objects to the shared freelist.
func (a *Allocator) Free(objs []PageBuffer) {
	if len(objs) == 0 {
		return
	}
	a.lock()
	a.free = append(a.free, objs...)
	a.unlock()
}

// Close releases slab bookkeeping. Chunks are never returned to the OS
// before Close; the slab only grows during normal operation.
func (a *Allocator) Close() {
	a.mu.Lock()
	a.chunks = nil
	a.mu.Unlock()
}
