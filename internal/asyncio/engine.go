// Package asyncio provides a concrete AsyncEngine the disk I/O service can
// drive: a fixed-depth, in-memory simulation of kernel asynchronous I/O
// submission and completion. The real kernel io_uring/libaio submission
// path is explicitly out of scope for the core (spec's non-goals); this
// engine exists so the service is runnable and testable end-to-end.
package asyncio

import (
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/SimonWaldherr/tinysql-iocore/internal/diskio"
)

// Config configures an Engine.
type Config struct {
	// Partition names the backing file/partition, purely for diagnostics.
	Partition string
	// Depth is the per-file async-I/O submission depth ceiling.
	Depth int
	// Node is the NUMA node this engine's completions are reported on.
	Node int
	// Latency is the simulated per-request completion delay range. A
	// request completes after a random duration in [Latency/2, Latency].
	Latency time.Duration
}

// Engine is an in-memory AsyncEngine: Access "submits" requests by
// scheduling a goroutine-timer completion after a simulated latency,
// Wait4Complete blocks until enough of those completions have landed, and
// NumAvailableIOSlots reflects the fixed Depth ceiling minus requests
// still in flight.
type Engine struct {
	cfg Config

	mu      sync.Mutex
	pending int
	done    chan struct{} // closed on every completion while someone waits; the next waiter makes a fresh one
	waiters int

	completedSinceWait int
}

// New creates an in-memory async engine. Depth must be positive.
func New(cfg Config) (*Engine, error) {
	if cfg.Depth <= 0 {
		return nil, fmt.Errorf("asyncio: depth must be positive, got %d", cfg.Depth)
	}
	if cfg.Latency <= 0 {
		cfg.Latency = 2 * time.Millisecond
	}
	return &Engine{cfg: cfg}, nil
}

// Init prepares the engine. The in-memory engine has nothing to open.
func (e *Engine) Init() error { return nil }

// Access submits reqs for completion. It never blocks; callers are
// expected to have already checked NumAvailableIOSlots.
func (e *Engine) Access(reqs []*diskio.Request) error {
	if len(reqs) == 0 {
		return nil
	}

	e.mu.Lock()
	e.pending += len(reqs)
	e.mu.Unlock()

	for _, r := range reqs {
		go e.complete(r)
	}
	return nil
}

func (e *Engine) complete(r *diskio.Request) {
	lat := e.cfg.Latency/2 + time.Duration(rand.Int63n(int64(e.cfg.Latency/2)+1))
	time.Sleep(lat)

	if r.Origin != nil {
		r.Origin.NotifyCompletion([]*diskio.Request{r})
	}

	e.mu.Lock()
	e.pending--
	e.completedSinceWait++
	if e.waiters > 0 && e.done != nil {
		close(e.done)
		e.done = nil
	}
	e.mu.Unlock()
}

// Wait4Complete blocks until at least min completions have landed since
// the last call to Wait4Complete returned, or until there are no pending
// I/Os left to wait for.
func (e *Engine) Wait4Complete(min int) error {
	if min <= 0 {
		return nil
	}
	for {
		e.mu.Lock()
		if e.completedSinceWait >= min || e.pending == 0 {
			e.completedSinceWait = 0
			e.mu.Unlock()
			return nil
		}
		if e.done == nil {
			e.done = make(chan struct{})
		}
		ch := e.done
		e.waiters++
		e.mu.Unlock()

		<-ch

		e.mu.Lock()
		e.waiters--
		e.mu.Unlock()
	}
}

// NumAvailableIOSlots returns the depth ceiling minus requests in flight.
func (e *Engine) NumAvailableIOSlots() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	avail := e.cfg.Depth - e.pending
	if avail < 0 {
		return 0
	}
	return avail
}

// NumPendingIOs returns the number of requests currently in flight.
func (e *Engine) NumPendingIOs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

// FlushRequests is a marker call telling the engine to push any buffered
// submissions to the kernel. The in-memory engine submits immediately in
// Access, so this is a no-op kept for interface parity.
func (e *Engine) FlushRequests() error { return nil }
