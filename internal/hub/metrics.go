package hub

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the connection manager, scraped via /metrics.
var (
	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fpl_ws_connections_total",
		Help: "Total WebSocket connections accepted",
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fpl_ws_connections_active",
		Help: "Current active WebSocket connections",
	})

	connectionsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fpl_ws_connections_rejected_total",
		Help: "Connections rejected at capacity",
	})

	reconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fpl_ws_reconnects_total",
		Help: "Sessions resumed via reconnection token",
	})

	messagesSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fpl_ws_messages_sent_total",
		Help: "Messages delivered to clients",
	})

	messagesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fpl_ws_messages_received_total",
		Help: "Messages received from clients",
	})

	roomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fpl_ws_rooms_active",
		Help: "Rooms with at least one member",
	})

	replayQueued = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fpl_ws_replay_queued",
		Help: "Envelopes queued for offline clients",
	})

	rateLimitedSends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fpl_ws_rate_limited_sends_total",
		Help: "Sends dropped by the per-connection message budget",
	})

	deadConnectionsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fpl_ws_dead_connections_swept_total",
		Help: "Connections disconnected by the heartbeat supervisor",
	})
)

func init() {
	prometheus.MustRegister(connectionsTotal)
	prometheus.MustRegister(connectionsActive)
	prometheus.MustRegister(connectionsRejected)
	prometheus.MustRegister(reconnectsTotal)
	prometheus.MustRegister(messagesSentTotal)
	prometheus.MustRegister(messagesReceivedTotal)
	prometheus.MustRegister(roomsActive)
	prometheus.MustRegister(replayQueued)
	prometheus.MustRegister(rateLimitedSends)
	prometheus.MustRegister(deadConnectionsSwept)
}
