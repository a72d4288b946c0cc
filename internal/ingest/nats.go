package ingest

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/poly4/fpl-analsyer-sub000/internal/guard"
	"github.com/poly4/fpl-analsyer-sub000/internal/hub"
	"github.com/poly4/fpl-analsyer-sub000/internal/protocol"
)

// Subject layout: fpl.room.<room path>, with colons in room ids mapped to
// subject tokens. "fpl.room.h2h.42.77" targets room "h2h:42:77",
// "fpl.room.league.123" targets "league:123", "fpl.room.global" targets the
// global room.
const subjectPrefix = "fpl.room."

// Config holds the JetStream consumer settings.
type Config struct {
	URL           string
	StreamName    string
	ConsumerName  string
	StreamMaxAge  time.Duration
	StreamMaxMsgs int64
	AckWait       time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

func (c *Config) applyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.StreamName == "" {
		c.StreamName = "FPL_LIVE"
	}
	if c.ConsumerName == "" {
		c.ConsumerName = "fpl-ws"
	}
	if c.StreamMaxAge <= 0 {
		c.StreamMaxAge = 30 * time.Second
	}
	if c.StreamMaxMsgs <= 0 {
		c.StreamMaxMsgs = 100000
	}
	if c.AckWait <= 0 {
		c.AckWait = 30 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
}

// Consumer bridges live update events from JetStream into room broadcasts.
// Backpressure is expressed through NAK: rate-limited or CPU-braked messages
// are redelivered by the broker instead of being dropped.
type Consumer struct {
	cfg    Config
	logger zerolog.Logger
	hub    *hub.Manager
	guard  *guard.Guard

	conn *nats.Conn
	js   nats.JetStreamContext
	sub  *nats.Subscription

	received atomic.Int64
	naked    atomic.Int64
}

func NewConsumer(cfg Config, h *hub.Manager, g *guard.Guard, logger zerolog.Logger) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		cfg:    cfg,
		logger: logger.With().Str("component", "ingest").Logger(),
		hub:    h,
		guard:  g,
	}
}

// Start connects, ensures the stream exists, and begins consuming.
func (c *Consumer) Start() error {
	opts := []nats.Option{
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			natsConnected.Set(0)
			if err != nil {
				c.logger.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			natsConnected.Set(1)
			c.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Error().Err(err).Msg("NATS async error")
		}),
	}

	conn, err := nats.Connect(c.cfg.URL, opts...)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	c.conn = conn
	natsConnected.Set(1)
	c.logger.Info().Str("url", c.cfg.URL).Msg("Connected to NATS")

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return fmt.Errorf("init jetstream: %w", err)
	}
	c.js = js

	if _, err := js.StreamInfo(c.cfg.StreamName); err != nil {
		c.logger.Info().Str("stream", c.cfg.StreamName).Msg("Creating JetStream stream")
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      c.cfg.StreamName,
			Subjects:  []string{subjectPrefix + ">"},
			Retention: nats.InterestPolicy,
			MaxAge:    c.cfg.StreamMaxAge,
			MaxMsgs:   c.cfg.StreamMaxMsgs,
			Storage:   nats.MemoryStorage,
			Discard:   nats.DiscardOld,
			Replicas:  1,
		})
		if err != nil {
			conn.Close()
			return fmt.Errorf("create stream %s: %w", c.cfg.StreamName, err)
		}
	}

	sub, err := js.QueueSubscribe(subjectPrefix+">", c.cfg.ConsumerName, c.handle,
		nats.ManualAck(),
		nats.AckWait(c.cfg.AckWait),
		nats.Durable(c.cfg.ConsumerName),
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe to %s>: %w", subjectPrefix, err)
	}
	c.sub = sub

	c.logger.Info().
		Str("stream", c.cfg.StreamName).
		Str("consumer", c.cfg.ConsumerName).
		Msg("JetStream consumer started")
	return nil
}

func (c *Consumer) handle(msg *nats.Msg) {
	c.received.Add(1)
	natsMessagesTotal.Inc()

	// Backpressure first: a denied message goes back to the broker for
	// redelivery, not to the floor.
	if allow, _ := c.guard.AllowIngest(); !allow {
		c.nak(msg, "rate_limited")
		return
	}
	if c.guard.ShouldPauseIngest() {
		c.nak(msg, "cpu_brake")
		return
	}

	room, ok := roomFromSubject(msg.Subject)
	if !ok {
		// Misconfigured publisher; terminate so it is not redelivered.
		c.logger.Warn().Str("subject", msg.Subject).Msg("Unroutable subject")
		_ = msg.Term()
		return
	}

	env := &protocol.Envelope{
		Type:      typeForRoom(room),
		Data:      msg.Data,
		Timestamp: time.Now().UTC(),
	}

	if c.guard.AllowBroadcast() {
		c.hub.BroadcastToRoom(room, env, "")
	} else {
		c.nak(msg, "broadcast_rate_limited")
		return
	}

	if err := msg.Ack(); err != nil {
		c.logger.Debug().Err(err).Str("subject", msg.Subject).Msg("Ack failed")
	}
}

func (c *Consumer) nak(msg *nats.Msg, reason string) {
	if err := msg.Nak(); err != nil {
		c.logger.Error().Err(err).Str("reason", reason).Msg("NAK failed")
	}
	naked := c.naked.Add(1)
	natsNakedTotal.Inc()
	if naked%100 == 0 {
		c.logger.Warn().
			Int64("total_naked", naked).
			Str("reason", reason).
			Msg("Messages returned for redelivery")
	}
}

// Stop drains the subscription and closes the connection.
func (c *Consumer) Stop() {
	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.logger.Warn().Err(err).Msg("Subscription drain failed")
		}
	}
	if c.conn != nil {
		c.conn.Close()
		natsConnected.Set(0)
	}
	c.logger.Info().
		Int64("received", c.received.Load()).
		Int64("naked", c.naked.Load()).
		Msg("JetStream consumer stopped")
}

// roomFromSubject maps a subject back to a room id: tokens after the prefix
// joined by colons.
func roomFromSubject(subject string) (string, bool) {
	if !strings.HasPrefix(subject, subjectPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(subject, subjectPrefix)
	if rest == "" {
		return "", false
	}
	return strings.ReplaceAll(rest, ".", ":"), true
}

// typeForRoom picks the envelope type from the room kind.
func typeForRoom(room string) protocol.MessageType {
	switch {
	case strings.HasPrefix(room, "h2h:"):
		return protocol.TypeH2HUpdate
	case strings.HasPrefix(room, "league:"):
		return protocol.TypeLeagueUpdate
	case strings.HasPrefix(room, "gw:"):
		return protocol.TypeGameweekUpdate
	default:
		return protocol.TypeGameweekUpdate
	}
}
