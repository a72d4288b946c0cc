package fpl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/poly4/fpl-analsyer-sub000/internal/ratelimit"
)

// DefaultBaseURL is the public Fantasy Premier League API root.
const DefaultBaseURL = "https://fantasy.premierleague.com/api"

// Config holds the upstream HTTP settings.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "fpl-ws/1.0"
	}
}

// Client is the typed surface over the FPL REST API. Every call goes through
// the rate limiter, so bursts from many goroutines degrade into an orderly
// priority queue rather than upstream 429 storms.
type Client struct {
	limiter *ratelimit.Client
	logger  zerolog.Logger
}

// NewClient builds the API client and the limiter in front of it.
func NewClient(cfg Config, limiterCfg ratelimit.Config, logger zerolog.Logger) *Client {
	cfg.applyDefaults()
	caller := &httpCaller{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		http:      &http.Client{Timeout: cfg.Timeout},
	}
	return &Client{
		limiter: ratelimit.NewClient(limiterCfg, caller, logger),
		logger:  logger.With().Str("component", "fpl_api").Logger(),
	}
}

// Start launches the limiter's dispatch loop.
func (c *Client) Start(ctx context.Context) {
	c.limiter.Start(ctx)
}

// Stop drains the limiter.
func (c *Client) Stop() {
	c.limiter.Stop()
}

// Metrics exposes the limiter snapshot for /stats.
func (c *Client) Metrics() ratelimit.Metrics {
	return c.limiter.Metrics()
}

// LiveEvent fetches live scoring for a gameweek. Classified critical; this is
// the data the fan-out exists for.
func (c *Client) LiveEvent(ctx context.Context, gameweek int) (json.RawMessage, error) {
	return c.limiter.Request(ctx, http.MethodGet, fmt.Sprintf("event/%d/live/", gameweek), nil)
}

// BootstrapStatic fetches the season-wide reference data (teams, players,
// gameweek calendar).
func (c *Client) BootstrapStatic(ctx context.Context) (json.RawMessage, error) {
	return c.limiter.Request(ctx, http.MethodGet, "bootstrap-static/", nil)
}

// Fixtures fetches fixtures, optionally for one gameweek.
func (c *Client) Fixtures(ctx context.Context, gameweek int) (json.RawMessage, error) {
	var args map[string]string
	if gameweek > 0 {
		args = map[string]string{"event": strconv.Itoa(gameweek)}
	}
	return c.limiter.Request(ctx, http.MethodGet, "fixtures/", args)
}

// H2HMatches fetches a page of head-to-head league matches.
func (c *Client) H2HMatches(ctx context.Context, leagueID int64, gameweek, page int) (json.RawMessage, error) {
	args := map[string]string{"page": strconv.Itoa(page)}
	if gameweek > 0 {
		args["event"] = strconv.Itoa(gameweek)
	}
	return c.limiter.Request(ctx, http.MethodGet,
		fmt.Sprintf("leagues-h2h-matches/league/%d/", leagueID), args)
}

// ClassicStandings fetches a page of classic league standings.
func (c *Client) ClassicStandings(ctx context.Context, leagueID int64, page int) (json.RawMessage, error) {
	return c.limiter.Request(ctx, http.MethodGet,
		fmt.Sprintf("leagues-classic/%d/standings/", leagueID),
		map[string]string{"page_standings": strconv.Itoa(page)})
}

// Entry fetches a manager's public profile.
func (c *Client) Entry(ctx context.Context, entryID int64) (json.RawMessage, error) {
	return c.limiter.Request(ctx, http.MethodGet, fmt.Sprintf("entry/%d/", entryID), nil)
}

// httpCaller executes one upstream request. It reports 429 responses as
// ThrottleError so the limiter's retry machinery can classify them.
type httpCaller struct {
	baseURL   string
	userAgent string
	http      *http.Client
}

func (h *httpCaller) Call(ctx context.Context, method, endpoint string, args map[string]string) (json.RawMessage, error) {
	u := h.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if len(args) > 0 {
		q := url.Values{}
		for k, v := range args {
			q.Set(k, v)
		}
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", endpoint, err)
	}
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := h.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &ratelimit.ThrottleError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("call %s: unexpected status %d", endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", endpoint, err)
	}
	return body, nil
}

func parseRetryAfter(v string) float64 {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return secs
	}
	return 0
}
