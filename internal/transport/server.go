package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/poly4/fpl-analsyer-sub000/internal/guard"
	"github.com/poly4/fpl-analsyer-sub000/internal/hub"
)

// Config holds the HTTP/WebSocket listener settings.
type Config struct {
	Addr string

	// Grace period for connection draining on shutdown
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
}

// Server owns the HTTP listener and upgrades /ws requests into hub
// connections. One read goroutine per connection; writes go through the
// hub's per-connection serialization.
type Server struct {
	cfg    Config
	logger zerolog.Logger
	hub    *hub.Manager
	guard  *guard.Guard

	listener     net.Listener
	httpServer   *http.Server
	shuttingDown atomic.Bool
	startTime    time.Time

	upstreamStats func() any
}

// SetUpstreamStats registers an extra stats provider (the upstream API
// limiter) merged into the /stats payload. Call before Start.
func (s *Server) SetUpstreamStats(fn func() any) {
	s.upstreamStats = fn
}

func NewServer(cfg Config, h *hub.Manager, g *guard.Guard, logger zerolog.Logger) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:       cfg,
		logger:    logger.With().Str("component", "transport").Logger(),
		hub:       h,
		guard:     g,
		startTime: time.Now(),
	}
}

// Start binds the listener and serves until Shutdown. Non-blocking.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Handler:        mux,
		ReadTimeout:    10 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("HTTP serve failed")
		}
	}()

	s.logger.Info().Str("addr", s.cfg.Addr).Msg("Listening")
	return nil
}

// handleWebSocket upgrades the request and registers it with the hub.
// Clients resume a prior session with ?client_id=...&reconnect_token=...
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if accept, reason := s.guard.ShouldAcceptConnection(); !accept {
		s.logger.Debug().Str("reason", reason).Msg("Connection rejected by guard")
		http.Error(w, "server overloaded", http.StatusServiceUnavailable)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	reconnectToken := r.URL.Query().Get("reconnect_token")
	userAgent := r.UserAgent()

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	t := newWSTransport(conn, r.RemoteAddr, userAgent)
	assignedID, accepted := s.hub.Connect(t, clientID, reconnectToken)
	if !accepted {
		// Connect already closed the transport with the right code.
		return
	}

	go s.readLoop(assignedID, t)
}

// readLoop pumps inbound frames into the hub until the peer goes away.
// The read deadline is refreshed on every frame; pings from the peer are
// answered by gobwas control handling inside ReadClientData.
func (s *Server) readLoop(clientID string, t *wsTransport) {
	defer s.hub.Disconnect(clientID, true)

	for {
		_ = t.conn.SetReadDeadline(time.Now().Add(readWait))
		msg, op, err := wsutil.ReadClientData(t.conn)
		if err != nil {
			s.logger.Debug().Err(err).Str("client_id", clientID).Msg("Read loop ended")
			return
		}

		switch op {
		case ws.OpText:
			s.hub.HandleClientMessage(clientID, msg)
		case ws.OpClose:
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	health := s.hub.Health()
	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    health.Status,
		"hub":       health,
		"resources": s.guard.Stats(),
		"uptime":    time.Since(s.startTime).Seconds(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	out := map[string]any{"hub": s.hub.Stats()}
	if s.upstreamStats != nil {
		out["upstream"] = s.upstreamStats()
	}
	_ = json.NewEncoder(w).Encode(out)
}

// Shutdown stops accepting connections, then waits up to the drain timeout
// for active connections to leave before the caller tears down the hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	drainCtx, cancel := context.WithTimeout(ctx, s.cfg.DrainTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(drainCtx); err != nil {
		s.logger.Warn().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		remaining := s.hub.Stats().ActiveConnections
		if remaining == 0 {
			s.logger.Info().Msg("All connections drained")
			return nil
		}
		select {
		case <-drainCtx.Done():
			s.logger.Warn().Int("remaining", remaining).Msg("Drain timeout expired, forcing shutdown")
			return nil
		case <-ticker.C:
			s.logger.Info().Int("remaining", remaining).Msg("Waiting for connections to drain")
		}
	}
}
