package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Caller executes a single upstream request. The production implementation
// wraps the FPL REST API; tests substitute a fake.
type Caller interface {
	Call(ctx context.Context, method, endpoint string, args map[string]string) (json.RawMessage, error)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, method, endpoint string, args map[string]string) (json.RawMessage, error)

func (f CallerFunc) Call(ctx context.Context, method, endpoint string, args map[string]string) (json.RawMessage, error) {
	return f(ctx, method, endpoint, args)
}

// Config holds the upstream limiter knobs. Zero values are filled in by
// applyDefaults; the FPL API tolerates roughly one request per second
// sustained before throttling, hence the conservative defaults.
type Config struct {
	Burst             float64       // bucket capacity (max burst)
	RefillPerSecond   float64       // sustained admission rate
	MaxRetries        int           // throttle retries before terminal failure
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

func (c *Config) applyDefaults() {
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.RefillPerSecond <= 0 {
		c.RefillPerSecond = 1
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffMultiplier <= 1 {
		c.BackoffMultiplier = 2
	}
}

// request travels through the priority queue. The same object is re-enqueued
// on retryable failure with its retry counter incremented; the result slot is
// fulfilled exactly once.
type request struct {
	method     string
	endpoint   string
	args       map[string]string
	priority   Priority
	retries    int
	enqueuedAt time.Time

	once   sync.Once
	done   chan struct{}
	result json.RawMessage
	err    error
}

func (r *request) fulfill(result json.RawMessage, err error) {
	r.once.Do(func() {
		r.result = result
		r.err = err
		close(r.done)
	})
}

// Client is the priority-queued, token-bucket admission layer in front of the
// upstream FPL API. A single consumer goroutine drains the queue strictly
// highest-priority-first, acquires the bucket before each dispatch, and
// requeues throttled requests with exponential backoff off the consumer
// goroutine so one backed-off request never stalls other lanes.
type Client struct {
	cfg    Config
	caller Caller
	bucket *TokenBucket
	queue  *priorityQueue
	logger zerolog.Logger

	wg        sync.WaitGroup
	stopOnce  sync.Once
	startTime time.Time

	// metrics (atomics; avg wait tracked as total nanos / count)
	total                int64
	succeeded            int64
	throttled            int64
	failed               int64
	waitNanos            int64
	waited               int64
	consecutiveThrottles int64
}

// NewClient builds a rate-limited client around the given caller.
func NewClient(cfg Config, caller Caller, logger zerolog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:       cfg,
		caller:    caller,
		bucket:    NewTokenBucket(cfg.Burst, cfg.RefillPerSecond),
		queue:     newPriorityQueue(),
		logger:    logger.With().Str("component", "upstream_limiter").Logger(),
		startTime: time.Now(),
	}
}

// Start launches the dispatch loop.
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.dispatchLoop(ctx)
	c.logger.Info().
		Float64("burst", c.cfg.Burst).
		Float64("refill_per_sec", c.cfg.RefillPerSecond).
		Int("max_retries", c.cfg.MaxRetries).
		Msg("Upstream rate limiter started")
}

// Stop closes the queue and waits for the dispatch loop to finish. Requests
// already queued are still executed; only new submissions are rejected.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.queue.close()
	})
	c.wg.Wait()
}

// Request submits an upstream call with the priority derived from the
// endpoint classification table and blocks until it completes or ctx is
// cancelled.
func (c *Client) Request(ctx context.Context, method, endpoint string, args map[string]string) (json.RawMessage, error) {
	return c.RequestWithPriority(ctx, method, endpoint, ClassifyEndpoint(endpoint), args)
}

// RequestWithPriority submits an upstream call on an explicit lane.
// An unknown priority value is a caller-input error and fails immediately.
func (c *Client) RequestWithPriority(ctx context.Context, method, endpoint string, priority Priority, args map[string]string) (json.RawMessage, error) {
	if !priority.valid() {
		return nil, fmt.Errorf("invalid priority %d for %s", priority, endpoint)
	}

	r := &request{
		method:     method,
		endpoint:   endpoint,
		args:       args,
		priority:   priority,
		enqueuedAt: time.Now(),
		done:       make(chan struct{}),
	}

	if !c.queue.put(r) {
		return nil, fmt.Errorf("rate limiter stopped, rejecting %s", endpoint)
	}
	atomic.AddInt64(&c.total, 1)
	upstreamQueueDepth.WithLabelValues(priority.String()).Inc()

	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		r := c.queue.get()
		if r == nil {
			return
		}
		upstreamQueueDepth.WithLabelValues(r.priority.String()).Dec()

		if ctx.Err() != nil {
			r.fulfill(nil, ctx.Err())
			continue
		}

		// Acquire in a loop: another caller may drain the bucket while
		// this one sleeps out its wait.
		for {
			wait := c.bucket.Acquire(1)
			upstreamTokens.Set(c.bucket.Available())
			if wait == 0 {
				break
			}
			atomic.AddInt64(&c.waitNanos, int64(wait))
			atomic.AddInt64(&c.waited, 1)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				r.fulfill(nil, ctx.Err())
				return
			}
		}

		c.execute(ctx, r)
	}
}

func (c *Client) execute(ctx context.Context, r *request) {
	result, err := c.caller.Call(ctx, r.method, r.endpoint, r.args)
	switch {
	case err == nil:
		atomic.StoreInt64(&c.consecutiveThrottles, 0)
		atomic.AddInt64(&c.succeeded, 1)
		upstreamRequests.WithLabelValues("success").Inc()
		r.fulfill(result, nil)

	case IsThrottle(err):
		atomic.AddInt64(&c.consecutiveThrottles, 1)
		atomic.AddInt64(&c.throttled, 1)
		upstreamRequests.WithLabelValues("throttled").Inc()
		r.retries++
		if r.retries >= c.cfg.MaxRetries {
			atomic.AddInt64(&c.failed, 1)
			upstreamRequests.WithLabelValues("exhausted").Inc()
			c.logger.Warn().
				Str("endpoint", r.endpoint).
				Int("retries", r.retries).
				Msg("Upstream retries exhausted")
			r.fulfill(nil, &ExhaustedError{Endpoint: r.endpoint, Retries: r.retries, Last: err})
			return
		}
		backoff := c.backoff(r.retries)
		c.logger.Debug().
			Str("endpoint", r.endpoint).
			Int("retry", r.retries).
			Dur("backoff", backoff).
			Msg("Upstream throttled, requeueing")
		// Requeue after the backoff elapses instead of sleeping here, so
		// the shared consumer keeps draining other lanes.
		time.AfterFunc(backoff, func() {
			if !c.queue.put(r) {
				r.fulfill(nil, fmt.Errorf("rate limiter stopped during backoff: %s", r.endpoint))
				return
			}
			upstreamQueueDepth.WithLabelValues(r.priority.String()).Inc()
		})

	default:
		// Non-throttle upstream errors are terminal immediately.
		atomic.AddInt64(&c.failed, 1)
		upstreamRequests.WithLabelValues("failed").Inc()
		r.fulfill(nil, err)
	}
}

func (c *Client) backoff(retries int) time.Duration {
	d := time.Duration(float64(c.cfg.InitialBackoff) * math.Pow(c.cfg.BackoffMultiplier, float64(retries)))
	if d > c.cfg.MaxBackoff {
		d = c.cfg.MaxBackoff
	}
	return d
}

// Metrics is a point-in-time snapshot of limiter state.
type Metrics struct {
	Total                int64          `json:"total"`
	Succeeded            int64          `json:"succeeded"`
	Throttled            int64          `json:"throttled"`
	Failed               int64          `json:"failed"`
	AverageWait          time.Duration  `json:"average_wait_ns"`
	QueueDepths          map[string]int `json:"queue_depths"`
	AvailableTokens      float64        `json:"available_tokens"`
	RequestsPerMinute    float64        `json:"requests_per_minute"`
	ConsecutiveThrottles int64          `json:"consecutive_throttles"`
}

// Metrics returns current limiter statistics.
func (c *Client) Metrics() Metrics {
	var avg time.Duration
	if n := atomic.LoadInt64(&c.waited); n > 0 {
		avg = time.Duration(atomic.LoadInt64(&c.waitNanos) / n)
	}
	minutes := time.Since(c.startTime).Minutes()
	rpm := 0.0
	if minutes > 0 {
		rpm = float64(atomic.LoadInt64(&c.total)) / minutes
	}
	return Metrics{
		Total:                atomic.LoadInt64(&c.total),
		Succeeded:            atomic.LoadInt64(&c.succeeded),
		Throttled:            atomic.LoadInt64(&c.throttled),
		Failed:               atomic.LoadInt64(&c.failed),
		AverageWait:          avg,
		QueueDepths:          c.queue.sizesByLane(),
		AvailableTokens:      c.bucket.Available(),
		RequestsPerMinute:    rpm,
		ConsecutiveThrottles: atomic.LoadInt64(&c.consecutiveThrottles),
	}
}
