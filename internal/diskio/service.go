package diskio

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/SimonWaldherr/tinysql-iocore/internal/iometrics"
)

// Config configures a Service.
type Config struct {
	Name string
	Node int

	// AIODepth is the async engine's submission depth ceiling
	// (AIO_DEPTH_PER_FILE).
	AIODepth int
	// HighPrioSlots is the number of slots permanently reserved for
	// high-priority traffic (AIO_HIGH_PRIO_SLOTS).
	HighPrioSlots int

	// NumDirtyPagesToFetch is the flush budget solicited from the cache
	// per idle round.
	NumDirtyPagesToFetch int
	// DiscardFlushThreshold is the flush-score age past which a queued
	// write-back is discarded instead of submitted.
	DiscardFlushThreshold int64

	// MsgBatchSize bounds how many messages one fetch call drains at once.
	MsgBatchSize int
}

func (c Config) validate() error {
	if c.AIODepth <= c.HighPrioSlots {
		return fmt.Errorf("diskio %q: aio depth %d must exceed high-prio slots %d", c.Name, c.AIODepth, c.HighPrioSlots)
	}
	if c.MsgBatchSize <= 0 {
		return fmt.Errorf("diskio %q: msg batch size must be positive, got %d", c.Name, c.MsgBatchSize)
	}
	return nil
}

// Service is the per-disk I/O worker: a single consumer of a high- and a
// low-priority queue that keeps an async-I/O engine busy without starving
// either class, falling back to soliciting dirty-page flushes from its
// cache when otherwise idle.
type Service struct {
	id     uuid.UUID
	cfg    Config
	hiPrio *Queue
	loPrio *Queue
	engine AsyncEngine

	// cache and filter are optional: a service with no cache attached
	// never solicits flushes, matching the "back-pointer to the page
	// cache (optional)" state element.
	cache  PageCache
	filter DirtyPageFilter

	metrics *iometrics.Context

	running      atomic.Bool
	flushCounter atomic.Int32

	// pendingLowMsg holds a partially-consumed low-priority message: the
	// main loop may stop mid-batch when the high-priority queue becomes
	// non-empty, and resumes this same message on the next idle round
	// instead of fetching a new one.
	pendingLowMsg *Message
}

// NewService builds a Service. cache and filter may both be nil for a
// disk that never hosts cache-initiated write-backs.
func NewService(cfg Config, hiPrio, loPrio *Queue, engine AsyncEngine, cache PageCache, filter DirtyPageFilter, metrics *iometrics.Context) (*Service, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Service{
		id:      uuid.New(),
		cfg:     cfg,
		hiPrio:  hiPrio,
		loPrio:  loPrio,
		engine:  engine,
		cache:   cache,
		filter:  filter,
		metrics: metrics,
	}, nil
}

// ID returns the service's stable identity, used to correlate log lines
// and metrics across restarts of the same logical disk service.
func (s *Service) ID() uuid.UUID { return s.id }

// RequestFlush increments flush_counter; the next time the main loop
// observes it above zero, it tells the async engine to flush pending
// submissions to the kernel. Called by request producers that want a
// forced submission rather than waiting for the engine's own batching.
func (s *Service) RequestFlush() { s.flushCounter.Add(1) }

// metricsEndpoint decorates a request's real origin so completions the
// async engine delivers get counted before being forwarded, without the
// origin itself needing to know about metrics.
type metricsEndpoint struct {
	inner   Endpoint
	metrics *iometrics.Context
}

func (e *metricsEndpoint) NotifyCompletion(reqs []*Request) {
	var completed int64
	for _, r := range reqs {
		if !r.Discarded {
			completed++
		}
	}
	if completed > 0 {
		e.metrics.RequestsCompleted.Add(completed)
	}
	if e.inner != nil {
		e.inner.NotifyCompletion(reqs)
	}
}

// originWrapper returns a function that decorates an Endpoint with
// completion counting, memoized so requests sharing one real origin keep
// sharing one wrapper — preserving deliverDiscarded's per-origin batching
// on the rare path where a submission fails right after wrapping.
func (s *Service) originWrapper() func(Endpoint) Endpoint {
	if s.metrics == nil {
		return func(origin Endpoint) Endpoint { return origin }
	}
	seen := make(map[Endpoint]Endpoint)
	return func(origin Endpoint) Endpoint {
		if origin == nil {
			return nil
		}
		w, ok := seen[origin]
		if !ok {
			w = &metricsEndpoint{inner: origin, metrics: s.metrics}
			seen[origin] = w
		}
		return w
	}
}

// canSubmitLowPrio implements the slot reservation policy: low-priority
// work may proceed only while more than HighPrioSlots slots are free and
// the high-priority queue is currently empty.
func (s *Service) canSubmitLowPrio() bool {
	return s.engine.NumAvailableIOSlots() > s.cfg.HighPrioSlots && s.hiPrio.IsEmpty()
}

// Run executes the main loop until ctx is cancelled or Close is called.
// Close takes effect at the next top-of-loop check; while Run is waiting
// in the blocking high-priority fetch, only ctx cancellation or an
// arriving message wakes it. It returns nil on a clean, requested
// shutdown.
func (s *Service) Run(ctx context.Context) error {
	if err := s.engine.Init(); err != nil {
		return fmt.Errorf("diskio %q: engine init: %w", s.cfg.Name, err)
	}
	s.running.Store(true)

	buf := make([]*Message, s.cfg.MsgBatchSize)
	for s.running.Load() {
		n := s.hiPrio.NonBlockingFetch(buf, len(buf))
		if n == 0 {
			n = s.idleLoop(ctx, buf)
		}
		if n == 0 {
			got, err := s.hiPrio.Fetch(ctx, buf, len(buf), true)
			if err != nil {
				return nil // interrupted: caller is tearing the service down
			}
			n = got
		}

		if s.flushCounter.Load() > 0 {
			s.flushCounter.Add(-1)
			_ = s.engine.FlushRequests()
		}

		if n == 0 {
			continue // blocking fetch was interrupted with nothing delivered
		}
		for i := 0; i < n; i++ {
			s.submitHighPrio(buf[i])
			buf[i] = nil
		}
	}
	return nil
}

// idleLoop runs while the high-priority queue is empty, trying in order:
// resume/advance low-priority processing, wait for a pending completion,
// or solicit a dirty-page flush from the attached cache. It returns the
// number of high-priority messages available after each inner step,
// retried via a non-blocking fetch; zero means every option was
// exhausted with nothing to show for it.
func (s *Service) idleLoop(ctx context.Context, buf []*Message) int {
	for {
		switch {
		case (s.pendingLowMsg != nil || !s.loPrio.IsEmpty()) && s.canSubmitLowPrio():
			if s.pendingLowMsg == nil {
				var one [1]*Message
				if got := s.loPrio.NonBlockingFetch(one[:], 1); got == 1 {
					s.pendingLowMsg = one[0]
				}
			}
			if s.pendingLowMsg != nil {
				s.pendingLowMsg = s.processLowPrioMsg(s.pendingLowMsg)
			}

		case s.engine.NumPendingIOs() > 0:
			_ = s.engine.Wait4Complete(1)

		case s.cache != nil:
			got := s.cache.FlushDirtyPages(s.filter, s.cfg.NumDirtyPagesToFetch)
			if got == 0 {
				return 0
			}
			if s.metrics != nil {
				s.metrics.SolicitedFlushes.Add(int64(got))
			}

		default:
			return 0
		}

		if n := s.hiPrio.NonBlockingFetch(buf, len(buf)); n > 0 {
			return n
		}
		if ctx.Err() != nil {
			return 0
		}
	}
}

// processLowPrioMsg consumes msg one request at a time, stopping when the
// message empties, the slot reservation condition no longer holds, or the
// high-priority queue becomes non-empty (rechecked each iteration). It
// returns the remainder of msg if stopped early, or nil once fully
// consumed.
func (s *Service) processLowPrioMsg(msg *Message) *Message {
	var ignored []*Request
	wrap := s.originWrapper()

	for len(msg.Reqs) > 0 {
		if !s.canSubmitLowPrio() {
			break
		}

		req := msg.Reqs[0]
		msg.Reqs = msg.Reqs[1:]

		cache := req.Owner.(PageCache)
		page, ok := cache.Search(req.Offset)
		if !ok || page != req.OriginalPage {
			// The original page has been evicted (and possibly its slot
			// reused for a different offset).
			if req.OriginalPage != nil {
				req.OriginalPage.ClearPrepareWriteback()
			}
			if ok {
				page.Unref()
			}
			req.Discarded = true
			ignored = append(ignored, req)
			continue
		}

		page.Lock()
		page.ClearPrepareWritebackLocked()
		if page.IsIOPendingLocked() || !page.IsDirtyLocked() || page.FlushScore() > s.cfg.DiscardFlushThreshold {
			page.Unlock()
			page.Unref()
			req.Discarded = true
			ignored = append(ignored, req)
			continue
		}
		page.SetIOPendingLocked(true)
		page.Unlock()

		// The request now owns the page's reference.
		req.Owner = page
		req.Origin = wrap(req.Origin)

		if err := s.engine.Access([]*Request{req}); err != nil {
			// Submission failed: route through the same completion path
			// rather than leaving io-pending set with nothing in flight.
			page.Lock()
			page.SetIOPendingLocked(false)
			page.Unlock()
			page.Unref()
			req.Discarded = true
			ignored = append(ignored, req)
			continue
		}
		if s.metrics != nil {
			s.metrics.RequestsSubmittedLow.Add(1)
		}
	}

	if len(ignored) > 0 {
		s.deliverDiscarded(ignored)
	}
	if len(msg.Reqs) == 0 {
		return nil
	}
	return msg
}

// submitHighPrio submits every request in msg to the async engine. A
// submission failure is routed to the discard-completion path rather than
// silently dropped.
func (s *Service) submitHighPrio(msg *Message) {
	wrap := s.originWrapper()
	for _, r := range msg.Reqs {
		r.Origin = wrap(r.Origin)
	}
	if err := s.engine.Access(msg.Reqs); err != nil {
		for _, r := range msg.Reqs {
			r.Discarded = true
		}
		s.deliverDiscarded(msg.Reqs)
		return
	}
	if s.metrics != nil {
		s.metrics.RequestsSubmittedHigh.Add(int64(len(msg.Reqs)))
	}
}

// deliverDiscarded notifies each ignored request's origin endpoint with
// discarded=true, grouping by origin so an endpoint backing many requests
// gets a single batched notification.
func (s *Service) deliverDiscarded(reqs []*Request) {
	byOrigin := make(map[Endpoint][]*Request, 4)
	for _, r := range reqs {
		if r.Origin == nil {
			continue
		}
		byOrigin[r.Origin] = append(byOrigin[r.Origin], r)
	}
	for origin, rs := range byOrigin {
		origin.NotifyCompletion(rs)
	}
	if s.metrics != nil {
		s.metrics.RequestsDiscarded.Add(int64(len(reqs)))
	}
}

// Close stops the main loop and drains any I/Os still in flight before
// returning, so a caller can safely release the engine and cache
// afterward.
func (s *Service) Close() error {
	s.running.Store(false)
	for {
		pending := s.engine.NumPendingIOs()
		if pending == 0 {
			return nil
		}
		if err := s.engine.Wait4Complete(pending); err != nil {
			return err
		}
	}
}
