package fpl

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/poly4/fpl-analsyer-sub000/internal/hub"
	"github.com/poly4/fpl-analsyer-sub000/internal/protocol"
	"github.com/poly4/fpl-analsyer-sub000/internal/ratelimit"
)

// PollerConfig controls the gameweek live poller.
type PollerConfig struct {
	Interval time.Duration
	// RefreshInterval bounds how often bootstrap-static is re-read to track
	// gameweek rollover.
	RefreshInterval time.Duration
}

func (c *PollerConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Hour
	}
}

// Poller fetches live gameweek scoring and pushes it into the gameweek room.
// It only spends upstream budget while someone is actually subscribed, and it
// rides out throttling: an exhausted retry budget skips the tick rather than
// killing the loop.
type Poller struct {
	cfg    PollerConfig
	client *Client
	hub    *hub.Manager
	logger zerolog.Logger

	gameweek atomic.Int32
}

func NewPoller(cfg PollerConfig, client *Client, h *hub.Manager, logger zerolog.Logger) *Poller {
	cfg.applyDefaults()
	return &Poller{
		cfg:    cfg,
		client: client,
		hub:    h,
		logger: logger.With().Str("component", "live_poller").Logger(),
	}
}

// Run blocks until ctx is cancelled. Call in its own goroutine.
func (p *Poller) Run(ctx context.Context) {
	p.refreshGameweek(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	refresh := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-refresh.C:
			p.refreshGameweek(ctx)
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	gw := int(p.gameweek.Load())
	if gw == 0 {
		p.refreshGameweek(ctx)
		gw = int(p.gameweek.Load())
		if gw == 0 {
			return
		}
	}

	room := protocol.GameweekRoomID(gw)
	if !p.hub.RoomExists(room) {
		return
	}

	data, err := p.client.LiveEvent(ctx, gw)
	if err != nil {
		if ratelimit.IsExhausted(err) {
			p.logger.Warn().Int("gameweek", gw).Err(err).Msg("Live poll skipped, upstream throttling")
		} else if ctx.Err() == nil {
			p.logger.Error().Int("gameweek", gw).Err(err).Msg("Live poll failed")
		}
		return
	}

	env := &protocol.Envelope{
		Type:      protocol.TypeGameweekUpdate,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	delivered := p.hub.BroadcastToRoom(room, env, "")
	p.logger.Debug().
		Int("gameweek", gw).
		Int("delivered", delivered).
		Msg("Live update broadcast")
}

// refreshGameweek reads the current event id from bootstrap-static.
func (p *Poller) refreshGameweek(ctx context.Context) {
	data, err := p.client.BootstrapStatic(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn().Err(err).Msg("Gameweek refresh failed")
		}
		return
	}

	var bootstrap struct {
		Events []struct {
			ID        int  `json:"id"`
			IsCurrent bool `json:"is_current"`
		} `json:"events"`
	}
	if err := json.Unmarshal(data, &bootstrap); err != nil {
		p.logger.Warn().Err(err).Msg("Bootstrap parse failed")
		return
	}

	for _, ev := range bootstrap.Events {
		if ev.IsCurrent {
			if old := p.gameweek.Swap(int32(ev.ID)); old != int32(ev.ID) {
				p.logger.Info().Int("gameweek", ev.ID).Msg("Current gameweek updated")
			}
			return
		}
	}
}
