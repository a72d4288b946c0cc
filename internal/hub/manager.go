package hub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/poly4/fpl-analsyer-sub000/internal/protocol"
)

// Config holds the connection manager knobs. Zero values get sane defaults.
type Config struct {
	MaxConnections    int
	HeartbeatInterval time.Duration
	PingInterval      time.Duration
	PingTimeout       time.Duration
	ReconnectWindow   time.Duration

	// Per-connection outbound budget (fixed window)
	MessageBudget int
	MessageWindow time.Duration

	// Replay buffering for offline clients
	ReplayQueueSize int

	// Broadcast fan-out pool
	FanoutWorkers   int
	FanoutQueueSize int

	CleanupInterval time.Duration
	SamplerInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 1000
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.ReconnectWindow <= 0 {
		c.ReconnectWindow = 5 * time.Minute
	}
	if c.MessageBudget <= 0 {
		c.MessageBudget = 100
	}
	if c.MessageWindow <= 0 {
		c.MessageWindow = time.Minute
	}
	if c.ReplayQueueSize <= 0 {
		c.ReplayQueueSize = 100
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 8
	}
	if c.FanoutQueueSize <= 0 {
		c.FanoutQueueSize = c.FanoutWorkers * 100
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = time.Minute
	}
	if c.SamplerInterval <= 0 {
		c.SamplerInterval = 15 * time.Second
	}
}

// Manager is the top-level connection and room façade: connect/disconnect/
// resume, subscribe/unsubscribe, direct send and parallel room broadcast,
// heartbeat and ping supervision, per-connection rate limiting, and offline
// replay queues.
//
// The single mutex guards the registry, the room index, reconnect records and
// replay queues together, so membership mutation and broadcast snapshots are
// atomic with respect to each other. Everything transport-facing happens
// outside the lock.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu             sync.RWMutex
	registry       *registry
	rooms          *roomIndex
	recordsByToken map[string]*reconnectRecord
	tokenByClient  map[string]string
	replay         map[string]*replayQueue

	obsMu     sync.RWMutex
	observers []Observer

	pool   *workerPool
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time

	totalConnections atomic.Int64
	peakConnections  atomic.Int64
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64

	heartbeatAlive atomic.Bool
	pingAlive      atomic.Bool
	cleanupAlive   atomic.Bool
	samplerAlive   atomic.Bool
}

// NewManager builds a manager; call Start before accepting connections.
func NewManager(cfg Config, logger zerolog.Logger) *Manager {
	cfg.applyDefaults()
	l := logger.With().Str("component", "hub").Logger()
	return &Manager{
		cfg:            cfg,
		logger:         l,
		registry:       newRegistry(),
		rooms:          newRoomIndex(),
		recordsByToken: make(map[string]*reconnectRecord),
		tokenByClient:  make(map[string]string),
		replay:         make(map[string]*replayQueue),
		pool:           newWorkerPool(cfg.FanoutWorkers, cfg.FanoutQueueSize, l),
		startTime:      time.Now(),
	}
}

// Start launches the fan-out pool and the four background supervisors.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.pool.start()

	m.wg.Add(4)
	go m.heartbeatLoop(ctx)
	go m.pingLoop(ctx)
	go m.cleanupLoop(ctx)
	go m.samplerLoop(ctx)

	m.logger.Info().
		Int("max_connections", m.cfg.MaxConnections).
		Dur("heartbeat_interval", m.cfg.HeartbeatInterval).
		Dur("ping_interval", m.cfg.PingInterval).
		Dur("reconnect_window", m.cfg.ReconnectWindow).
		Msg("Connection manager started")
}

// Stop cancels the supervisors and waits for them; no background task
// outlives the manager.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	m.pool.stop()
	m.logger.Info().Msg("Connection manager stopped")
}

// Connect admits a new transport. Returns the assigned client id and whether
// the connection was accepted. At capacity the transport is closed with a
// capacity signal and nothing is registered.
//
// A valid, unexpired reconnection token resumes the prior session: room
// memberships are restored and the ack goes out as a reconnect envelope. An
// invalid or expired token silently falls through to a fresh session.
func (m *Manager) Connect(t Transport, clientID, reconnectToken string) (string, bool) {
	now := time.Now()

	m.mu.Lock()
	if m.registry.count() >= m.cfg.MaxConnections {
		m.mu.Unlock()
		connectionsRejected.Inc()
		m.logger.Warn().
			Int("max_connections", m.cfg.MaxConnections).
			Str("remote_addr", t.RemoteAddr()).
			Msg("Connection rejected at capacity")
		_ = t.Close(CloseCapacityExceeded, "server at capacity")
		return "", false
	}

	var rec *reconnectRecord
	if reconnectToken != "" {
		if r, ok := m.recordsByToken[reconnectToken]; ok && !r.expired(now, m.cfg.ReconnectWindow) {
			rec = r
		}
	}
	resumed := rec != nil

	if resumed {
		clientID = rec.clientID
		delete(m.recordsByToken, rec.token)
		delete(m.tokenByClient, rec.clientID)
	}
	if clientID == "" {
		clientID = newClientID()
	}

	// One live socket per client id: a second connect for the same id
	// supersedes the first.
	var superseded *Connection
	if old, ok := m.registry.get(clientID); ok {
		m.detachLocked(old, false, now)
		superseded = old
	}

	conn := newConnection(clientID, newToken(), t)
	var restored []string
	if resumed {
		conn.setReconnects(rec.reconnects + 1)
		for _, room := range rec.rooms {
			m.rooms.add(room, clientID)
			conn.rooms[room] = struct{}{}
		}
		restored = append(restored, rec.rooms...)
	}
	m.registry.add(conn)

	total := m.totalConnections.Add(1)
	active := int64(m.registry.count())
	if active > m.peakConnections.Load() {
		m.peakConnections.Store(active)
	}
	connectionsTotal.Inc()
	connectionsActive.Set(float64(active))
	if resumed {
		reconnectsTotal.Inc()
	}
	m.mu.Unlock()

	if superseded != nil {
		_ = superseded.transport.Close(CloseNormal, "superseded by new connection")
		m.notifyDisconnect(superseded)
	}

	ackType := protocol.TypeConnectionAck
	if resumed {
		ackType = protocol.TypeReconnect
	}
	ack, err := protocol.NewEnvelope(ackType, protocol.ConnectionAck{
		ClientID:          clientID,
		ReconnectToken:    conn.ReconnectToken,
		ServerTime:        now.UTC().Format(time.RFC3339),
		HeartbeatInterval: m.cfg.HeartbeatInterval.Seconds(),
		PingInterval:      m.cfg.PingInterval.Seconds(),
		Resumed:           resumed,
		RestoredRooms:     restored,
	})
	if err == nil {
		ack.ClientID = clientID
		var data []byte
		if data, err = ack.Marshal(); err == nil {
			err = conn.write(data)
		}
	}
	if err != nil {
		// Handshake failed: the transport never saw the ack.
		conn.setState(StateFailed)
		m.mu.Lock()
		if resumed {
			// The peer never received the fresh token, so reinstate the
			// record it connected with; the session stays resumable and
			// its replay queue is kept.
			m.rooms.removeAll(conn.ID, conn.rooms)
			m.registry.remove(conn.ID)
			m.recordsByToken[rec.token] = rec
			m.tokenByClient[rec.clientID] = rec.token
			connectionsActive.Set(float64(m.registry.count()))
			roomsActive.Set(float64(m.rooms.count()))
		} else {
			m.detachLocked(conn, false, now)
		}
		m.mu.Unlock()
		m.logger.Warn().Err(err).Str("client_id", clientID).Msg("Connection ack failed")
		return clientID, false
	}
	conn.setState(StateConnected)

	m.logger.Info().
		Str("client_id", clientID).
		Str("remote_addr", conn.RemoteAddr).
		Bool("resumed", resumed).
		Int64("total_connections", total).
		Msg("Client connected")

	m.deliverReplay(conn)

	if resumed {
		m.notifyReconnect(conn)
	} else {
		m.notifyConnect(conn)
	}
	return clientID, true
}

// deliverReplay flushes envelopes queued while the client was offline, in
// FIFO order, stopping at the first delivery failure.
func (m *Manager) deliverReplay(conn *Connection) {
	m.mu.Lock()
	q := m.replay[conn.ID]
	var pending []*protocol.Envelope
	if q != nil {
		pending = q.drain()
		delete(m.replay, conn.ID)
	}
	m.mu.Unlock()

	for i, env := range pending {
		data, err := env.Marshal()
		if err != nil {
			continue
		}
		if err := conn.write(data); err != nil {
			m.logger.Debug().
				Str("client_id", conn.ID).
				Int("delivered", i).
				Int("pending", len(pending)).
				Err(err).
				Msg("Replay aborted on delivery failure")
			m.Disconnect(conn.ID, true)
			return
		}
		conn.messagesSent.Add(1)
		m.messagesSent.Add(1)
		messagesSentTotal.Inc()
	}
}

// Disconnect removes a client. With save the session snapshot is retained for
// the reconnection window so the peer can resume; without it any queued
// replay messages are purged immediately. Disconnecting an unknown id is a
// no-op.
func (m *Manager) Disconnect(clientID string, save bool) {
	m.mu.Lock()
	conn, ok := m.registry.get(clientID)
	if !ok {
		m.mu.Unlock()
		return
	}
	m.detachLocked(conn, save, time.Now())
	m.mu.Unlock()

	_ = conn.transport.Close(CloseNormal, "disconnected")
	m.logger.Info().
		Str("client_id", clientID).
		Bool("state_saved", save).
		Msg("Client disconnected")
	m.notifyDisconnect(conn)
}

// detachLocked removes a connection from the registry and every room, and
// either snapshots a reconnect record or purges replay state. Caller holds
// the manager mutex.
func (m *Manager) detachLocked(c *Connection, save bool, now time.Time) {
	m.rooms.removeAll(c.ID, c.rooms)
	m.registry.remove(c.ID)

	if save {
		roomsCopy := make([]string, 0, len(c.rooms))
		for room := range c.rooms {
			roomsCopy = append(roomsCopy, room)
		}
		// At most one record per token, and at most one live record per
		// client: an earlier record for the same client is replaced.
		if oldToken, ok := m.tokenByClient[c.ID]; ok {
			delete(m.recordsByToken, oldToken)
		}
		m.recordsByToken[c.ReconnectToken] = &reconnectRecord{
			clientID:       c.ID,
			rooms:          roomsCopy,
			token:          c.ReconnectToken,
			disconnectedAt: now,
			reconnects:     c.Reconnects(),
		}
		m.tokenByClient[c.ID] = c.ReconnectToken
	} else {
		delete(m.replay, c.ID)
	}

	if c.State() != StateFailed {
		c.setState(StateDisconnected)
	}
	connectionsActive.Set(float64(m.registry.count()))
	roomsActive.Set(float64(m.rooms.count()))
}

// Subscribe adds a connected client to a room, creating the room implicitly.
// Returns false when the client is not currently connected.
func (m *Manager) Subscribe(clientID, room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.registry.get(clientID)
	if !ok {
		return false
	}
	m.rooms.add(room, clientID)
	conn.rooms[room] = struct{}{}
	roomsActive.Set(float64(m.rooms.count()))
	return true
}

// Unsubscribe removes a connected client from a room; the room entry is
// evicted once empty. Returns false when the client is not connected.
func (m *Manager) Unsubscribe(clientID, room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.registry.get(clientID)
	if !ok {
		return false
	}
	m.rooms.remove(room, clientID)
	delete(conn.rooms, room)
	roomsActive.Set(float64(m.rooms.count()))
	return true
}

// SendToClient delivers one envelope to a client.
//
// Offline clients get the envelope queued in their bounded replay buffer
// (oldest dropped on overflow) and false back: best-effort, eventually
// delivered. Online clients are checked against the fixed-window message
// budget first; past the budget the payload is replaced by a single
// rate_limit notice that does not count against the budget. A transport
// write failure is treated as connection death: disconnect with state saved.
func (m *Manager) SendToClient(clientID string, env *protocol.Envelope) bool {
	now := time.Now()

	m.mu.RLock()
	conn, online := m.registry.get(clientID)
	m.mu.RUnlock()

	if !online {
		m.queueOffline(clientID, env, now)
		return false
	}

	allowed, retryAfter := conn.allowSend(m.cfg.MessageBudget, m.cfg.MessageWindow, now)
	if !allowed {
		rateLimitedSends.Inc()
		notice, err := protocol.NewEnvelope(protocol.TypeRateLimit, protocol.RateLimitNotice{
			Limit:      m.cfg.MessageBudget,
			WindowSec:  m.cfg.MessageWindow.Seconds(),
			RetryAfter: retryAfter.Seconds(),
		})
		if err == nil {
			if data, err := notice.Marshal(); err == nil {
				if werr := conn.write(data); werr != nil {
					m.Disconnect(clientID, true)
				}
			}
		}
		return false
	}

	data, err := env.Marshal()
	if err != nil {
		m.logger.Error().Err(err).Str("client_id", clientID).Msg("Envelope marshal failed")
		return false
	}
	if err := conn.write(data); err != nil {
		m.Disconnect(clientID, true)
		return false
	}

	conn.messagesSent.Add(1)
	m.messagesSent.Add(1)
	messagesSentTotal.Inc()
	return true
}

func (m *Manager) queueOffline(clientID string, env *protocol.Envelope, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.replay[clientID]
	if q == nil {
		q = newReplayQueue(m.cfg.ReplayQueueSize)
		m.replay[clientID] = q
	}
	q.push(env, now)
	replayQueued.Set(float64(m.queuedMessagesLocked()))
}

func (m *Manager) queuedMessagesLocked() int {
	n := 0
	for _, q := range m.replay {
		n += q.len()
	}
	return n
}

// BroadcastToRoom fans an envelope out to every room member concurrently,
// optionally excluding one client (typically the sender). Membership is
// snapshotted up front, so concurrent subscribes/unsubscribes during the
// fan-out neither block nor corrupt it. Individual delivery failures
// disconnect that member (state saved) without affecting the rest. Returns
// the number of successful deliveries.
func (m *Manager) BroadcastToRoom(room string, env *protocol.Envelope, excludeClient string) int {
	m.mu.RLock()
	members := m.rooms.members(room)
	m.mu.RUnlock()

	if len(members) == 0 {
		return 0
	}
	env.Room = room

	var delivered atomic.Int64
	var wg sync.WaitGroup
	for _, id := range members {
		if id == excludeClient {
			continue
		}
		wg.Add(1)
		m.pool.submit(func() {
			defer wg.Done()
			if m.SendToClient(id, env) {
				delivered.Add(1)
			}
		})
	}
	wg.Wait()

	count := int(delivered.Load())
	m.logger.Debug().
		Str("room", room).
		Int("members", len(members)).
		Int("delivered", count).
		Msg("Room broadcast")
	return count
}

// AddObserver registers a lifecycle observer. Callbacks run asynchronously on
// the worker pool with panic isolation.
func (m *Manager) AddObserver(o Observer) {
	m.obsMu.Lock()
	m.observers = append(m.observers, o)
	m.obsMu.Unlock()
}

func (m *Manager) notifyConnect(conn *Connection) {
	m.eachObserver(func(o Observer) {
		m.pool.submit(func() {
			notify(m.logger, "connect", conn.ID, func() { o.OnConnect(conn.ID, conn) })
		})
	})
}

func (m *Manager) notifyDisconnect(conn *Connection) {
	m.eachObserver(func(o Observer) {
		m.pool.submit(func() {
			notify(m.logger, "disconnect", conn.ID, func() { o.OnDisconnect(conn.ID, conn) })
		})
	})
}

func (m *Manager) notifyReconnect(conn *Connection) {
	m.eachObserver(func(o Observer) {
		m.pool.submit(func() {
			notify(m.logger, "reconnect", conn.ID, func() { o.OnReconnect(conn.ID, conn) })
		})
	})
}

func (m *Manager) eachObserver(fn func(Observer)) {
	m.obsMu.RLock()
	observers := make([]Observer, len(m.observers))
	copy(observers, m.observers)
	m.obsMu.RUnlock()
	for _, o := range observers {
		fn(o)
	}
}

// Connection returns the live connection for a client id, if any.
func (m *Manager) Connection(clientID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.registry.get(clientID)
}

// RoomExists reports whether a room currently has members.
func (m *Manager) RoomExists(room string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms.has(room)
}
