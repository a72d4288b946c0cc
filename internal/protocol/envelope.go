package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the wire-level discriminator for envelope payloads.
// Clients switch on this field to route incoming frames.
type MessageType string

const (
	// Domain updates pushed to room subscribers
	TypeH2HUpdate      MessageType = "h2h_update"
	TypeLeagueUpdate   MessageType = "league_update"
	TypeGameweekUpdate MessageType = "gameweek_update"

	// Connection lifecycle
	TypeConnectionAck   MessageType = "connection_ack"
	TypeReconnect       MessageType = "reconnect"
	TypeConnectionState MessageType = "connection_state"

	// Liveness
	TypeHeartbeat MessageType = "heartbeat"
	TypePing      MessageType = "ping"
	TypePong      MessageType = "pong"

	// Room membership
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"

	// Notices
	TypeError     MessageType = "error"
	TypeRateLimit MessageType = "rate_limit"
)

// Envelope is the unit of communication between server and clients.
// Wire format (JSON):
//
//	{"type":"h2h_update","data":{...},"timestamp":"2026-08-28T14:00:00Z","room":"h2h:42:77"}
//
// Room is set on broadcast envelopes, ClientID on directly addressed ones.
// Timestamp is always populated; NewEnvelope defaults it to server time.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Room      string          `json:"room,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
}

// NewEnvelope builds an envelope with the timestamp defaulted to now.
// The payload is marshalled immediately so a broadcast serializes it once,
// not once per recipient.
func NewEnvelope(t MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		raw = b
	}
	return &Envelope{
		Type:      t,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Marshal serializes the envelope for transmission. A zero timestamp is
// filled in on a copy; the receiver stays untouched so one envelope can be
// marshalled from many goroutines during a broadcast.
func (e *Envelope) Marshal() ([]byte, error) {
	if e.Timestamp.IsZero() {
		stamped := *e
		stamped.Timestamp = time.Now().UTC()
		return json.Marshal(stamped)
	}
	return json.Marshal(e)
}

// ParseEnvelope decodes an inbound frame. The timestamp is defaulted when the
// client omitted it, so downstream handlers can rely on it being set.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("parse envelope: missing type")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return &e, nil
}

// DecodePayload unmarshals the envelope data into the given payload struct.
// Callers pick the struct matching the envelope type; unknown types keep their
// payload opaque (forward compatibility).
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("decode %s payload: empty data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// ConnectionAck is the first envelope sent on every accepted connection.
type ConnectionAck struct {
	ClientID          string   `json:"client_id"`
	ReconnectToken    string   `json:"reconnect_token"`
	ServerTime        string   `json:"server_time"`
	HeartbeatInterval float64  `json:"heartbeat_interval_sec"`
	PingInterval      float64  `json:"ping_interval_sec"`
	Resumed           bool     `json:"resumed"`
	RestoredRooms     []string `json:"restored_rooms,omitempty"`
}

// H2HUpdate is the payload for live head-to-head match events.
type H2HUpdate struct {
	LeagueID   int64  `json:"league_id"`
	Gameweek   int    `json:"gameweek"`
	EntryA     int64  `json:"entry_a"`
	EntryB     int64  `json:"entry_b"`
	PointsA    int    `json:"points_a"`
	PointsB    int    `json:"points_b"`
	Event      string `json:"event,omitempty"` // goal, assist, bonus, ...
	PlayerName string `json:"player_name,omitempty"`
}

// LeagueUpdate carries standings movement for a classic or h2h league room.
type LeagueUpdate struct {
	LeagueID int64           `json:"league_id"`
	Gameweek int             `json:"gameweek"`
	Table    json.RawMessage `json:"table,omitempty"`
}

// SubscribeRequest is the payload of subscribe/unsubscribe envelopes.
type SubscribeRequest struct {
	Rooms []string `json:"rooms"`
}

// SubscribeAck confirms a membership change back to the requesting client.
type SubscribeAck struct {
	Rooms []string `json:"rooms"`
	Count int      `json:"count"`
}

// PingPayload carries the sender's send-time so the receiver can echo it back
// and the original sender can compute round-trip latency.
type PingPayload struct {
	SentAt int64 `json:"sent_at"` // unix milliseconds
}

// HeartbeatPayload is pushed by the server to prompt idle clients and echoed
// on client heartbeats with the measured latency.
type HeartbeatPayload struct {
	ServerTime int64   `json:"server_time"`
	LatencyMS  float64 `json:"latency_ms,omitempty"`
}

// ErrorNotice is sent in response to malformed or rejected client frames.
// The offending connection stays open.
type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RateLimitNotice replaces a delivery that exceeded the per-connection
// message budget.
type RateLimitNotice struct {
	Limit      int     `json:"limit"`
	WindowSec  float64 `json:"window_sec"`
	RetryAfter float64 `json:"retry_after_sec"`
}

// ConnectionState answers a connection_state query with a snapshot of the
// server-side view of the connection.
type ConnectionState struct {
	ClientID      string   `json:"client_id"`
	State         string   `json:"state"`
	ConnectedAt   string   `json:"connected_at"`
	LastHeartbeat string   `json:"last_heartbeat"`
	LatencyMS     float64  `json:"latency_ms"`
	Rooms         []string `json:"rooms"`
	Reconnects    int      `json:"reconnects"`
}
