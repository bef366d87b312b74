package diskio

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Queue is a bounded multi-producer/single-consumer message queue, tagged
// with a NUMA node and a name. It is built on a buffered channel: the
// channel's own capacity provides the back-pressure the spec calls for at
// the producer, and a receive selected against ctx.Done() gives the
// blocking fetch its interruptibility.
type Queue struct {
	id   uuid.UUID
	name string
	node int
	ch   chan *Message

	entries atomic.Int64
}

// NewQueue creates a bounded queue of the given message capacity.
func NewQueue(name string, node int, capacity int) *Queue {
	return &Queue{
		id:   uuid.New(),
		name: name,
		node: node,
		ch:   make(chan *Message, capacity),
	}
}

// ID returns the queue's stable identity, used to correlate log lines and
// metrics across restarts of the same logical queue.
func (q *Queue) ID() uuid.UUID { return q.id }

// Name returns the queue's diagnostic name.
func (q *Queue) Name() string { return q.name }

// Node returns the NUMA node this queue is tagged with.
func (q *Queue) Node() int { return q.node }

// Enqueue pushes one message. It blocks if the queue is at capacity,
// which is the back-pressure the spec pushes onto producers rather than
// failing the submission implicitly. It returns ctx.Err() if ctx is
// cancelled while waiting for room.
func (q *Queue) Enqueue(ctx context.Context, msg *Message) error {
	select {
	case q.ch <- msg:
		q.entries.Add(1)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("enqueue to %q: %w", q.name, ctx.Err())
	}
}

// TryEnqueue pushes one message without blocking, returning false if the
// queue is full.
func (q *Queue) TryEnqueue(msg *Message) bool {
	select {
	case q.ch <- msg:
		q.entries.Add(1)
		return true
	default:
		return false
	}
}

// NonBlockingFetch fills buf[0..k) with up to n queued messages without
// waiting, returning k.
func (q *Queue) NonBlockingFetch(buf []*Message, n int) int {
	if n > len(buf) {
		n = len(buf)
	}
	k := 0
	for k < n {
		select {
		case m := <-q.ch:
			buf[k] = m
			k++
			q.entries.Add(-1)
		default:
			return k
		}
	}
	return k
}

// Fetch fills buf[0..k) with up to n messages. When blocking is true and
// the queue is currently empty, it waits for at least one message or for
// ctx to be cancelled, in which case it returns (0, ctx.Err()).
func (q *Queue) Fetch(ctx context.Context, buf []*Message, n int, blocking bool) (int, error) {
	if n > len(buf) {
		n = len(buf)
	}
	if n == 0 {
		return 0, nil
	}

	k := 0
	if !blocking {
		return q.NonBlockingFetch(buf, n), nil
	}

	select {
	case m := <-q.ch:
		buf[k] = m
		k++
		q.entries.Add(-1)
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	// Opportunistically top up with whatever else is already queued,
	// without blocking further.
	k += q.NonBlockingFetch(buf[k:], n-k)
	return k, nil
}

// IsEmpty reports whether the queue currently holds no messages. It is a
// snapshot; producers may enqueue concurrently.
func (q *Queue) IsEmpty() bool {
	return q.entries.Load() <= 0
}

// NumEntries returns the current queued message count (a snapshot).
func (q *Queue) NumEntries() int {
	n := q.entries.Load()
	if n < 0 {
		return 0
	}
	return int(n)
}
