package hub

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a connection.
//
//	Connecting → Connected ⇄ Reconnecting → Disconnected → purged
//
// Failed is terminal and only reachable from Connecting on handshake error.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Transport is the bidirectional channel to one remote peer. The production
// implementation wraps a gobwas WebSocket; tests substitute fakes.
type Transport interface {
	// Write sends one frame. Errors mean the connection is dead.
	Write(data []byte) error
	// Close terminates the transport with a close code and reason.
	Close(code int, reason string) error
	// RemoteAddr returns the peer address for logging and state queries.
	RemoteAddr() string
	// UserAgent returns the peer's user agent, if known.
	UserAgent() string
}

// Close codes sent to peers.
const (
	CloseCapacityExceeded = 1013 // try again later
	CloseNormal           = 1000
	CloseGoingAway        = 1001
)

// Connection is the server-side record of one live peer.
//
// Locking: meta guards the mutable liveness/counter fields; writeMu
// serializes transport writes so messages to the same peer preserve
// submission order while broadcast fan-out stays parallel across peers.
type Connection struct {
	ID             string
	ReconnectToken string

	transport Transport
	state     atomic.Int32

	CreatedAt  time.Time
	RemoteAddr string
	UserAgent  string

	meta          sync.Mutex
	lastHeartbeat time.Time
	lastPingSent  time.Time
	latency       time.Duration
	reconnects    int

	// Fixed-window outbound budget (e.g. 100 messages/minute)
	msgCount    int
	windowReset time.Time

	// Subscribed room ids; back-reference only, the room index owns the
	// authoritative membership. Guarded by the manager mutex.
	rooms map[string]struct{}

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	writeMu          sync.Mutex
}

func newConnection(id, token string, t Transport) *Connection {
	now := time.Now()
	c := &Connection{
		ID:             id,
		ReconnectToken: token,
		transport:      t,
		CreatedAt:      now,
		RemoteAddr:     t.RemoteAddr(),
		UserAgent:      t.UserAgent(),
		lastHeartbeat:  now,
		rooms:          make(map[string]struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// write sends a frame over the transport with per-connection serialization.
func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.transport.Write(data)
}

// touchHeartbeat records inbound activity.
func (c *Connection) touchHeartbeat(now time.Time) {
	c.meta.Lock()
	c.lastHeartbeat = now
	c.meta.Unlock()
}

// sinceHeartbeat returns how long the connection has been silent.
func (c *Connection) sinceHeartbeat(now time.Time) time.Duration {
	c.meta.Lock()
	defer c.meta.Unlock()
	return now.Sub(c.lastHeartbeat)
}

// markPingSent records the ping timestamp used for latency measurement.
func (c *Connection) markPingSent(now time.Time) {
	c.meta.Lock()
	c.lastPingSent = now
	c.meta.Unlock()
}

// recordPong computes round-trip latency from the last ping sent. A reply
// arriving past the timeout is stale and keeps the previous reading.
func (c *Connection) recordPong(now time.Time, timeout time.Duration) time.Duration {
	c.meta.Lock()
	defer c.meta.Unlock()
	if c.lastPingSent.IsZero() {
		return c.latency
	}
	rtt := now.Sub(c.lastPingSent)
	if timeout > 0 && rtt > timeout {
		return c.latency
	}
	c.latency = rtt
	return c.latency
}

// Latency returns the last measured round-trip time.
func (c *Connection) Latency() time.Duration {
	c.meta.Lock()
	defer c.meta.Unlock()
	return c.latency
}

// Reconnects returns how many times this session has been resumed.
func (c *Connection) Reconnects() int {
	c.meta.Lock()
	defer c.meta.Unlock()
	return c.reconnects
}

func (c *Connection) setReconnects(n int) {
	c.meta.Lock()
	c.reconnects = n
	c.meta.Unlock()
}

// allowSend checks the fixed-window outbound budget. A send past the budget
// returns false with the time remaining in the window; the rejected send does
// not count against the budget.
func (c *Connection) allowSend(budget int, window time.Duration, now time.Time) (bool, time.Duration) {
	c.meta.Lock()
	defer c.meta.Unlock()

	if now.After(c.windowReset) {
		c.msgCount = 0
		c.windowReset = now.Add(window)
	}
	if c.msgCount >= budget {
		return false, c.windowReset.Sub(now)
	}
	c.msgCount++
	return true, 0
}

// lastHeartbeatAt returns the time of last inbound activity.
func (c *Connection) lastHeartbeatAt() time.Time {
	c.meta.Lock()
	defer c.meta.Unlock()
	return c.lastHeartbeat
}
