package hub

import "time"

// Stats is a point-in-time snapshot of the manager, served on /stats and
// consumed by the metrics sampler.
type Stats struct {
	ActiveConnections int            `json:"active_connections"`
	TotalConnections  int64          `json:"total_connections"`
	PeakConnections   int64          `json:"peak_connections"`
	Rooms             int            `json:"rooms"`
	RoomMembers       map[string]int `json:"room_members,omitempty"`
	MessagesSent      int64          `json:"messages_sent"`
	MessagesReceived  int64          `json:"messages_received"`
	QueuedMessages    int            `json:"queued_messages"`
	PendingResumes    int            `json:"pending_resumes"`
	AvgLatencyMS      float64        `json:"avg_latency_ms"`
	States            map[string]int `json:"states"`
	UptimeSeconds     float64        `json:"uptime_seconds"`
}

// Health summarizes whether the hub can take traffic. Status is "healthy"
// when every supervisor is running and capacity remains, "degraded" when
// utilization crosses 90% or a supervisor has stopped, "unhealthy" at full
// capacity or with multiple supervisors down.
type Health struct {
	Status         string  `json:"status"`
	UtilizationPct float64 `json:"utilization_pct"`
	HeartbeatAlive bool    `json:"heartbeat_alive"`
	PingAlive      bool    `json:"ping_alive"`
	CleanupAlive   bool    `json:"cleanup_alive"`
	SamplerAlive   bool    `json:"sampler_alive"`
}

// Stats assembles a consistent snapshot under the read lock.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	active := m.registry.count()
	roomMembers := m.rooms.memberCounts()
	queued := m.queuedMessagesLocked()
	pendingResumes := len(m.recordsByToken)

	states := make(map[string]int)
	var latencySum time.Duration
	var latencyCount int
	for _, c := range m.registry.all() {
		states[c.State().String()]++
		if l := c.Latency(); l > 0 {
			latencySum += l
			latencyCount++
		}
	}
	m.mu.RUnlock()

	states[StateDisconnected.String()] += pendingResumes

	var avgLatency float64
	if latencyCount > 0 {
		avgLatency = float64(latencySum.Milliseconds()) / float64(latencyCount)
	}

	return Stats{
		ActiveConnections: active,
		TotalConnections:  m.totalConnections.Load(),
		PeakConnections:   m.peakConnections.Load(),
		Rooms:             len(roomMembers),
		RoomMembers:       roomMembers,
		MessagesSent:      m.messagesSent.Load(),
		MessagesReceived:  m.messagesReceived.Load(),
		QueuedMessages:    queued,
		PendingResumes:    pendingResumes,
		AvgLatencyMS:      avgLatency,
		States:            states,
		UptimeSeconds:     time.Since(m.startTime).Seconds(),
	}
}

// Health reports supervisor liveness and capacity utilization.
func (m *Manager) Health() Health {
	m.mu.RLock()
	active := m.registry.count()
	m.mu.RUnlock()

	util := float64(active) / float64(m.cfg.MaxConnections) * 100

	h := Health{
		UtilizationPct: util,
		HeartbeatAlive: m.heartbeatAlive.Load(),
		PingAlive:      m.pingAlive.Load(),
		CleanupAlive:   m.cleanupAlive.Load(),
		SamplerAlive:   m.samplerAlive.Load(),
	}

	down := 0
	for _, alive := range []bool{h.HeartbeatAlive, h.PingAlive, h.CleanupAlive, h.SamplerAlive} {
		if !alive {
			down++
		}
	}

	switch {
	case util >= 100 || down > 1:
		h.Status = "unhealthy"
	case util >= 90 || down == 1:
		h.Status = "degraded"
	default:
		h.Status = "healthy"
	}
	return h
}
