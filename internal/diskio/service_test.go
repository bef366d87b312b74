package diskio

import (
	"errors"
	"sync"
	"testing"

	"github.com/SimonWaldherr/tinysql-iocore/internal/iometrics"
)

// fakeEngine is a deterministic, manually-driven AsyncEngine: Access
// records submissions and increments a pending counter; nothing completes
// until the test calls complete explicitly.
type fakeEngine struct {
	mu       sync.Mutex
	depth    int
	pending  int
	accessed []*Request
	failNext bool
}

func (e *fakeEngine) Init() error { return nil }

func (e *fakeEngine) Access(reqs []*Request) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failNext {
		e.failNext = false
		return errors.New("fakeEngine: injected submission failure")
	}
	e.pending += len(reqs)
	e.accessed = append(e.accessed, reqs...)
	return nil
}

func (e *fakeEngine) complete(reqs ...*Request) {
	e.mu.Lock()
	e.pending -= len(reqs)
	e.mu.Unlock()
	for _, r := range reqs {
		if r.Origin != nil {
			r.Origin.NotifyCompletion([]*Request{r})
		}
	}
}

func (e *fakeEngine) Wait4Complete(min int) error { return nil }

func (e *fakeEngine) NumAvailableIOSlots() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	avail := e.depth - e.pending
	if avail < 0 {
		return 0
	}
	return avail
}

func (e *fakeEngine) NumPendingIOs() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pending
}

func (e *fakeEngine) FlushRequests() error { return nil }

// fakePage is a minimal Page for unit-testing processLowPrioMsg without a
// real pagecache.Cache.
type fakePage struct {
	mu               sync.Mutex
	offset           int64
	dirty            bool
	ioPending        bool
	prepareWriteback bool
	flushScore       int64
	refs             int32
}

func (p *fakePage) Offset() int64                     { return p.offset }
func (p *fakePage) Lock()                             { p.mu.Lock() }
func (p *fakePage) Unlock()                            { p.mu.Unlock() }
func (p *fakePage) IsDirtyLocked() bool               { return p.dirty }
func (p *fakePage) IsIOPendingLocked() bool           { return p.ioPending }
func (p *fakePage) SetIOPendingLocked(v bool)          { p.ioPending = v }
func (p *fakePage) ClearPrepareWritebackLocked()      { p.prepareWriteback = false }
func (p *fakePage) ClearPrepareWriteback() {
	p.mu.Lock()
	p.prepareWriteback = false
	p.mu.Unlock()
}
func (p *fakePage) FlushScore() int64 { return p.flushScore }
func (p *fakePage) Unref()            { p.refs-- }

// fakeCache resolves Search by offset against a fixed map, letting tests
// simulate eviction/re-caching by swapping the map entry.
type fakeCache struct {
	mu    sync.Mutex
	pages map[int64]*fakePage
}

func (c *fakeCache) Search(offset int64) (Page, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pages[offset]
	if !ok {
		return nil, false
	}
	p.refs++
	return p, true
}
func (c *fakeCache) FlushDirtyPages(filter DirtyPageFilter, budget int) int { return 0 }
func (c *fakeCache) Shrink(n int, out [][]byte) int                        { return 0 }
func (c *fakeCache) Size() int64                                           { return int64(len(c.pages)) }

// fakeEndpoint records completions delivered to it.
type fakeEndpoint struct {
	mu        sync.Mutex
	completed []*Request
}

func (e *fakeEndpoint) NotifyCompletion(reqs []*Request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = append(e.completed, reqs...)
}

func testConfig(name string) Config {
	return Config{
		Name:                  name,
		AIODepth:              32,
		HighPrioSlots:         7,
		NumDirtyPagesToFetch:  288,
		DiscardFlushThreshold: 64,
		MsgBatchSize:          8,
	}
}

// TestService_HealthyFlush matches scenario 1: all requests for dirty,
// unpinned, non-stale pages are dispatched, ending with io-pending=true
// and prepare-writeback=false.
func TestService_HealthyFlush(t *testing.T) {
	cache := &fakeCache{pages: map[int64]*fakePage{}}
	hi := NewQueue("hi", 0, 16)
	lo := NewQueue("lo", 0, 16)
	engine := &fakeEngine{depth: 32}

	svc, err := NewService(testConfig("d0"), hi, lo, engine, cache, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	endpoint := &fakeEndpoint{}
	pages := make([]*fakePage, 10)
	for i := range pages {
		p := &fakePage{offset: int64(i), dirty: true, prepareWriteback: true}
		cache.pages[p.offset] = p
		pages[i] = p
		req := &Request{Offset: p.offset, Priority: PriorityLow, Owner: cache, OriginalPage: p, Origin: endpoint}
		if !lo.TryEnqueue(&Message{Reqs: []*Request{req}}) {
			t.Fatal("setup: failed to enqueue low-priority request")
		}
	}

	for i := 0; i < 10; i++ {
		var buf [1]*Message
		if got := lo.NonBlockingFetch(buf[:], 1); got != 1 {
			t.Fatalf("expected a queued message at iteration %d", i)
		}
		if rem := svc.processLowPrioMsg(buf[0]); rem != nil {
			t.Fatalf("expected message fully consumed at iteration %d", i)
		}
	}

	if len(engine.accessed) != 10 {
		t.Fatalf("expected 10 requests submitted, got %d", len(engine.accessed))
	}
	for _, p := range pages {
		if !p.ioPending {
			t.Fatalf("page %d: expected io-pending=true after dispatch", p.offset)
		}
		if p.prepareWriteback {
			t.Fatalf("page %d: expected prepare-writeback=false after dispatch", p.offset)
		}
	}
	if len(endpoint.completed) != 0 {
		t.Fatalf("expected no discard notifications, got %d", len(endpoint.completed))
	}
}

// TestService_EvictedFlush matches scenario 2: the page at OriginalPage's
// offset has been replaced by a different page object. The request must
// be discarded, the original page's prepare-writeback cleared, and the
// endpoint notified with discarded=true.
func TestService_EvictedFlush(t *testing.T) {
	cache := &fakeCache{pages: map[int64]*fakePage{}}
	hi := NewQueue("hi", 0, 16)
	lo := NewQueue("lo", 0, 16)
	engine := &fakeEngine{depth: 32}
	svc, err := NewService(testConfig("d0"), hi, lo, engine, cache, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	original := &fakePage{offset: 5, dirty: true, prepareWriteback: true}
	replacement := &fakePage{offset: 5, dirty: true}
	cache.pages[5] = replacement // offset now resolves to a different page

	endpoint := &fakeEndpoint{}
	req := &Request{Offset: 5, Priority: PriorityLow, Owner: cache, OriginalPage: original, Origin: endpoint}

	rem := svc.processLowPrioMsg(&Message{Reqs: []*Request{req}})
	if rem != nil {
		t.Fatal("expected message fully consumed")
	}
	if len(engine.accessed) != 0 {
		t.Fatalf("expected no submission for an evicted page, got %d", len(engine.accessed))
	}
	if original.prepareWriteback {
		t.Fatal("expected original page's prepare-writeback cleared")
	}
	if len(endpoint.completed) != 1 || !endpoint.completed[0].Discarded {
		t.Fatal("expected one discarded completion delivered to the origin endpoint")
	}
}

// TestService_AgedFlush matches scenario 3: a queued write-back whose
// flush score exceeds DiscardFlushThreshold is discarded without
// submission.
func TestService_AgedFlush(t *testing.T) {
	cache := &fakeCache{pages: map[int64]*fakePage{}}
	hi := NewQueue("hi", 0, 16)
	lo := NewQueue("lo", 0, 16)
	engine := &fakeEngine{depth: 32}
	cfg := testConfig("d0")
	svc, err := NewService(cfg, hi, lo, engine, cache, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	p := &fakePage{offset: 9, dirty: true, prepareWriteback: true, flushScore: cfg.DiscardFlushThreshold + 1}
	cache.pages[9] = p

	endpoint := &fakeEndpoint{}
	req := &Request{Offset: 9, Priority: PriorityLow, Owner: cache, OriginalPage: p, Origin: endpoint}

	svc.processLowPrioMsg(&Message{Reqs: []*Request{req}})

	if len(engine.accessed) != 0 {
		t.Fatal("expected no submission for an aged write-back")
	}
	if p.prepareWriteback {
		t.Fatal("expected prepare-writeback cleared even on discard")
	}
	if len(endpoint.completed) != 1 || !endpoint.completed[0].Discarded {
		t.Fatal("expected a discarded completion")
	}
}

// TestService_PriorityPreemption matches scenario 4: partway through a
// 20-request low-priority batch, the high-priority queue receives a
// message. At most one more low-priority request may be submitted before
// processing stops.
func TestService_PriorityPreemption(t *testing.T) {
	cache := &fakeCache{pages: map[int64]*fakePage{}}
	hi := NewQueue("hi", 0, 16)
	lo := NewQueue("lo", 0, 16)
	engine := &fakeEngine{depth: 32}
	svc, err := NewService(testConfig("d0"), hi, lo, engine, cache, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	endpoint := &fakeEndpoint{}
	reqs := make([]*Request, 20)
	for i := range reqs {
		p := &fakePage{offset: int64(i), dirty: true, prepareWriteback: true}
		cache.pages[p.offset] = p
		reqs[i] = &Request{Offset: p.offset, Priority: PriorityLow, Owner: cache, OriginalPage: p, Origin: endpoint}
	}
	msg := &Message{Reqs: append([]*Request{}, reqs...)}

	// Inject the high-priority arrival after the 3rd request by racing a
	// goroutine is unnecessary here: canSubmitLowPrio is rechecked before
	// every request, so pre-seeding hi before the 4th check reproduces the
	// scenario deterministically by interposing via a custom cache Search
	// hook would overcomplicate the fake. Instead, drain 3 requests first
	// via a smaller message, then enqueue to hi and resume with the rest.
	head := &Message{Reqs: msg.Reqs[:3]}
	tail := &Message{Reqs: msg.Reqs[3:]}

	if rem := svc.processLowPrioMsg(head); rem != nil {
		t.Fatal("expected the 3-request head fully consumed")
	}
	if len(engine.accessed) != 3 {
		t.Fatalf("expected 3 requests submitted before preemption, got %d", len(engine.accessed))
	}

	if !hi.TryEnqueue(&Message{Reqs: []*Request{{Offset: 999, Priority: PriorityHigh}}}) {
		t.Fatal("setup: failed to enqueue high-priority message")
	}

	rem := svc.processLowPrioMsg(tail)
	if rem == nil {
		t.Fatal("expected processing to stop with requests remaining once hi became non-empty")
	}
	if len(engine.accessed) != 3 {
		t.Fatalf("expected no further submissions once the high-priority queue is non-empty, got %d", len(engine.accessed)-3)
	}
}

// TestService_MetricsRequestsCompleted verifies a clean completion
// delivered by the engine increments RequestsCompleted exactly once, and
// that a discarded completion (which never reaches the engine) does not.
func TestService_MetricsRequestsCompleted(t *testing.T) {
	cache := &fakeCache{pages: map[int64]*fakePage{}}
	hi := NewQueue("hi", 0, 16)
	lo := NewQueue("lo", 0, 16)
	engine := &fakeEngine{depth: 32}
	metrics := iometrics.NewContext("d0")
	svc, err := NewService(testConfig("d0"), hi, lo, engine, cache, nil, metrics)
	if err != nil {
		t.Fatal(err)
	}

	endpoint := &fakeEndpoint{}
	p := &fakePage{offset: 1, dirty: true, prepareWriteback: true}
	cache.pages[1] = p
	req := &Request{Offset: 1, Priority: PriorityLow, Owner: cache, OriginalPage: p, Origin: endpoint}

	if rem := svc.processLowPrioMsg(&Message{Reqs: []*Request{req}}); rem != nil {
		t.Fatal("expected message fully consumed")
	}
	if len(engine.accessed) != 1 {
		t.Fatalf("expected 1 request submitted, got %d", len(engine.accessed))
	}

	// The engine, not the service, owns delivering the completion; drive
	// it the way asyncio.Engine would once its simulated latency elapses.
	engine.complete(engine.accessed[0])

	if len(endpoint.completed) != 1 || endpoint.completed[0].Discarded {
		t.Fatal("expected one clean completion delivered to the origin endpoint")
	}
	if got := metrics.RequestsCompleted.Load(); got != 1 {
		t.Fatalf("expected 1 completed request counted, got %d", got)
	}

	// A second, aged request never reaches the engine and must not count
	// as completed even though it still notifies the origin endpoint.
	aged := &fakePage{offset: 2, dirty: true, prepareWriteback: true, flushScore: testConfig("d0").DiscardFlushThreshold + 1}
	cache.pages[2] = aged
	agedReq := &Request{Offset: 2, Priority: PriorityLow, Owner: cache, OriginalPage: aged, Origin: endpoint}
	svc.processLowPrioMsg(&Message{Reqs: []*Request{agedReq}})

	if got := metrics.RequestsCompleted.Load(); got != 1 {
		t.Fatalf("expected discarded request not counted as completed, got %d", got)
	}
}

// TestService_SubmissionFailureDoesNotLeakIOPending verifies a failed
// engine.Access routes the page through the discard path instead of
// leaving io-pending set with nothing in flight.
func TestService_SubmissionFailureDoesNotLeakIOPending(t *testing.T) {
	cache := &fakeCache{pages: map[int64]*fakePage{}}
	hi := NewQueue("hi", 0, 16)
	lo := NewQueue("lo", 0, 16)
	engine := &fakeEngine{depth: 32, failNext: true}
	svc, err := NewService(testConfig("d0"), hi, lo, engine, cache, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	p := &fakePage{offset: 1, dirty: true, prepareWriteback: true}
	cache.pages[1] = p
	endpoint := &fakeEndpoint{}
	req := &Request{Offset: 1, Priority: PriorityLow, Owner: cache, OriginalPage: p, Origin: endpoint}

	svc.processLowPrioMsg(&Message{Reqs: []*Request{req}})

	if p.ioPending {
		t.Fatal("expected io-pending not to leak after a failed submission")
	}
	if len(endpoint.completed) != 1 || !endpoint.completed[0].Discarded {
		t.Fatal("expected the failed submission delivered as a discarded completion")
	}
}
