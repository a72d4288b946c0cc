package hub

import (
	"time"

	"github.com/poly4/fpl-analsyer-sub000/internal/protocol"
)

// replayQueue buffers envelopes addressed to an offline client until it
// reconnects. Bounded FIFO: when full, the oldest envelope is dropped, so a
// long outage degrades to "most recent N messages" rather than unbounded
// memory growth.
type replayQueue struct {
	items    []*protocol.Envelope
	maxSize  int
	touched  time.Time
	dropped  int64
	enqueued int64
}

func newReplayQueue(maxSize int) *replayQueue {
	return &replayQueue{
		items:   make([]*protocol.Envelope, 0, maxSize),
		maxSize: maxSize,
		touched: time.Now(),
	}
}

// push appends an envelope, evicting the oldest when at capacity.
func (q *replayQueue) push(env *protocol.Envelope, now time.Time) {
	if len(q.items) >= q.maxSize {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, env)
	q.enqueued++
	q.touched = now
}

// drain returns the queued envelopes in FIFO order and empties the queue.
func (q *replayQueue) drain() []*protocol.Envelope {
	items := q.items
	q.items = nil
	return items
}

func (q *replayQueue) len() int {
	return len(q.items)
}

// expired reports whether the queue has been idle past the retention window.
func (q *replayQueue) expired(now time.Time, window time.Duration) bool {
	return now.Sub(q.touched) > window
}
