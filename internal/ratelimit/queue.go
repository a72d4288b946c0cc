package ratelimit

import "sync"

// Priority classifies upstream requests into one of four strict-priority
// lanes. Critical is reserved for latency-sensitive live-match fetches, which
// are rare and short-lived, so starving lower lanes under a Critical flood is
// an accepted trade-off.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow

	numLanes = 4
)

// String returns the lane name used in logs and metrics labels.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

func (p Priority) valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// priorityQueue holds four FIFO lanes drained strictly
// highest-priority-first. Get blocks on a condition variable signalled by any
// put, so an idle queue wakes for the first arrival on any lane rather than
// spinning on the Critical lane.
type priorityQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	lanes  [numLanes][]*request
	closed bool
}

func newPriorityQueue() *priorityQueue {
	q := &priorityQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// put appends a request to its lane. Returns false after close.
func (q *priorityQueue) put(r *request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.lanes[r.priority] = append(q.lanes[r.priority], r)
	q.cond.Signal()
	return true
}

// get pops the oldest request from the highest non-empty lane, blocking until
// one is available. Returns nil once the queue is closed and drained.
func (q *priorityQueue) get() *request {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for lane := 0; lane < numLanes; lane++ {
			if len(q.lanes[lane]) > 0 {
				r := q.lanes[lane][0]
				q.lanes[lane] = q.lanes[lane][1:]
				return r
			}
		}
		if q.closed {
			return nil
		}
		q.cond.Wait()
	}
}

// close wakes all blocked getters. Queued requests remain retrievable.
func (q *priorityQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// size returns the total queued count across lanes.
func (q *priorityQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for lane := 0; lane < numLanes; lane++ {
		n += len(q.lanes[lane])
	}
	return n
}

// sizesByLane returns per-lane depths keyed by lane name.
func (q *priorityQueue) sizesByLane() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, numLanes)
	for lane := 0; lane < numLanes; lane++ {
		out[Priority(lane).String()] = len(q.lanes[lane])
	}
	return out
}
