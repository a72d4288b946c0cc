package hub

import (
	"time"

	"github.com/poly4/fpl-analsyer-sub000/internal/protocol"
)

// HandleClientMessage processes one inbound frame from a connected client.
// Every parseable frame counts as liveness. Malformed frames get an error
// notice back and the connection stays open; a client parse bug should not
// cost it the session.
func (m *Manager) HandleClientMessage(clientID string, data []byte) {
	now := time.Now()

	m.mu.RLock()
	conn, ok := m.registry.get(clientID)
	m.mu.RUnlock()
	if !ok {
		return
	}

	conn.messagesReceived.Add(1)
	m.messagesReceived.Add(1)
	messagesReceivedTotal.Inc()

	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		m.logger.Debug().Err(err).Str("client_id", clientID).Msg("Malformed client frame")
		m.sendNotice(conn, protocol.TypeError, protocol.ErrorNotice{
			Code:    "bad_envelope",
			Message: "frame could not be parsed",
		})
		return
	}

	conn.touchHeartbeat(now)

	switch env.Type {
	case protocol.TypePing:
		// Echo the client's payload so it can measure its own round trip.
		m.sendEcho(conn, protocol.TypePong, env.Data)

	case protocol.TypePong:
		latency := conn.recordPong(now, m.cfg.PingTimeout)
		m.logger.Debug().
			Str("client_id", clientID).
			Dur("latency", latency).
			Msg("Pong received")

	case protocol.TypeHeartbeat:
		m.sendNotice(conn, protocol.TypeHeartbeat, protocol.HeartbeatPayload{
			ServerTime: now.UnixMilli(),
			LatencyMS:  float64(conn.Latency().Milliseconds()),
		})

	case protocol.TypeSubscribe:
		m.handleSubscribe(conn, env, true)

	case protocol.TypeUnsubscribe:
		m.handleSubscribe(conn, env, false)

	case protocol.TypeConnectionState:
		m.sendNotice(conn, protocol.TypeConnectionState, m.connectionState(conn, now))

	default:
		// Unknown types are ignored for forward compatibility.
		m.logger.Debug().
			Str("client_id", clientID).
			Str("type", string(env.Type)).
			Msg("Ignoring unknown message type")
	}
}

func (m *Manager) handleSubscribe(conn *Connection, env *protocol.Envelope, join bool) {
	var req protocol.SubscribeRequest
	if err := env.DecodePayload(&req); err != nil || len(req.Rooms) == 0 {
		m.sendNotice(conn, protocol.TypeError, protocol.ErrorNotice{
			Code:    "bad_subscribe",
			Message: "subscribe payload requires a non-empty rooms list",
		})
		return
	}

	applied := make([]string, 0, len(req.Rooms))
	for _, room := range req.Rooms {
		if room == "" {
			continue
		}
		var ok bool
		if join {
			ok = m.Subscribe(conn.ID, room)
		} else {
			ok = m.Unsubscribe(conn.ID, room)
		}
		if ok {
			applied = append(applied, room)
		}
	}

	ackType := protocol.TypeSubscribe
	if !join {
		ackType = protocol.TypeUnsubscribe
	}
	m.sendNotice(conn, ackType, protocol.SubscribeAck{
		Rooms: applied,
		Count: len(applied),
	})
}

func (m *Manager) connectionState(conn *Connection, now time.Time) protocol.ConnectionState {
	m.mu.RLock()
	rooms := make([]string, 0, len(conn.rooms))
	for room := range conn.rooms {
		rooms = append(rooms, room)
	}
	m.mu.RUnlock()

	return protocol.ConnectionState{
		ClientID:      conn.ID,
		State:         conn.State().String(),
		ConnectedAt:   conn.CreatedAt.UTC().Format(time.RFC3339),
		LastHeartbeat: conn.lastHeartbeatAt().UTC().Format(time.RFC3339),
		LatencyMS:     float64(conn.Latency().Milliseconds()),
		Rooms:         rooms,
		Reconnects:    conn.Reconnects(),
	}
}

// sendNotice writes a control envelope directly, outside the message budget.
func (m *Manager) sendNotice(conn *Connection, t protocol.MessageType, payload any) {
	env, err := protocol.NewEnvelope(t, payload)
	if err != nil {
		return
	}
	data, err := env.Marshal()
	if err != nil {
		return
	}
	if err := conn.write(data); err != nil {
		m.Disconnect(conn.ID, true)
	}
}

// sendEcho writes a control envelope reusing the inbound raw payload.
func (m *Manager) sendEcho(conn *Connection, t protocol.MessageType, raw []byte) {
	env := &protocol.Envelope{Type: t, Data: raw, Timestamp: time.Now().UTC()}
	data, err := env.Marshal()
	if err != nil {
		return
	}
	if err := conn.write(data); err != nil {
		m.Disconnect(conn.ID, true)
	}
}
