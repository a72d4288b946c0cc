package hub

import (
	"context"
	"time"

	"github.com/poly4/fpl-analsyer-sub000/internal/protocol"
)

// Background supervisors. Each runs on its own ticker until the manager
// context is cancelled, flipping its alive flag for /healthz.

// heartbeatLoop watches per-connection silence. One missed interval gets a
// server-pushed heartbeat to prompt the client; three missed intervals means
// the peer is gone and the connection is swept with state saved, so a
// genuinely alive client can still resume.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	m.heartbeatAlive.Store(true)
	defer m.heartbeatAlive.Store(false)

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sweepHeartbeats(now)
		}
	}
}

func (m *Manager) sweepHeartbeats(now time.Time) {
	m.mu.RLock()
	conns := m.registry.all()
	m.mu.RUnlock()

	deadline := 3 * m.cfg.HeartbeatInterval
	for _, conn := range conns {
		silent := conn.sinceHeartbeat(now)
		switch {
		case silent > deadline:
			deadConnectionsSwept.Inc()
			m.logger.Warn().
				Str("client_id", conn.ID).
				Dur("silent_for", silent).
				Msg("Sweeping dead connection")
			m.Disconnect(conn.ID, true)
		case silent > m.cfg.HeartbeatInterval:
			env, err := protocol.NewEnvelope(protocol.TypeHeartbeat, protocol.HeartbeatPayload{
				ServerTime: now.UnixMilli(),
			})
			if err != nil {
				continue
			}
			// Direct write: liveness probes bypass the client's message
			// budget so a throttled client is not mistaken for a dead one.
			data, err := env.Marshal()
			if err != nil {
				continue
			}
			if err := conn.write(data); err != nil {
				m.Disconnect(conn.ID, true)
			}
		}
	}
}

// pingLoop sends timestamped pings so pong replies yield round-trip latency.
func (m *Manager) pingLoop(ctx context.Context) {
	defer m.wg.Done()
	m.pingAlive.Store(true)
	defer m.pingAlive.Store(false)

	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sweepPings(now)
		}
	}
}

func (m *Manager) sweepPings(now time.Time) {
	m.mu.RLock()
	conns := m.registry.all()
	m.mu.RUnlock()

	env, err := protocol.NewEnvelope(protocol.TypePing, protocol.PingPayload{
		SentAt: now.UnixMilli(),
	})
	if err != nil {
		return
	}
	data, err := env.Marshal()
	if err != nil {
		return
	}

	for _, conn := range conns {
		conn.markPingSent(now)
		if err := conn.write(data); err != nil {
			m.Disconnect(conn.ID, true)
		}
	}
}

// cleanupLoop purges reconnect records and replay queues past the
// reconnection window. Expiry is also enforced at resume time; this sweep
// only bounds memory.
func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	m.cleanupAlive.Store(true)
	defer m.cleanupAlive.Store(false)

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			m.sweepExpired(now)
		}
	}
}

func (m *Manager) sweepExpired(now time.Time) {
	m.mu.Lock()

	var purgedRecords, purgedQueues int
	for token, rec := range m.recordsByToken {
		if rec.expired(now, m.cfg.ReconnectWindow) {
			delete(m.recordsByToken, token)
			delete(m.tokenByClient, rec.clientID)
			purgedRecords++
		}
	}
	for clientID, q := range m.replay {
		if q.expired(now, m.cfg.ReconnectWindow) {
			delete(m.replay, clientID)
			purgedQueues++
		}
	}
	replayQueued.Set(float64(m.queuedMessagesLocked()))
	m.mu.Unlock()

	if purgedRecords > 0 || purgedQueues > 0 {
		m.logger.Debug().
			Int("reconnect_records", purgedRecords).
			Int("replay_queues", purgedQueues).
			Msg("Expired session state purged")
	}
}

// samplerLoop refreshes gauges and emits a periodic stats line.
func (m *Manager) samplerLoop(ctx context.Context) {
	defer m.wg.Done()
	m.samplerAlive.Store(true)
	defer m.samplerAlive.Store(false)

	ticker := time.NewTicker(m.cfg.SamplerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := m.Stats()
			connectionsActive.Set(float64(s.ActiveConnections))
			roomsActive.Set(float64(s.Rooms))
			replayQueued.Set(float64(s.QueuedMessages))

			m.logger.Debug().
				Int("active", s.ActiveConnections).
				Int("rooms", s.Rooms).
				Int64("sent", s.MessagesSent).
				Int64("received", s.MessagesReceived).
				Int("queued", s.QueuedMessages).
				Float64("avg_latency_ms", s.AvgLatencyMS).
				Msg("Hub stats")
		}
	}
}
