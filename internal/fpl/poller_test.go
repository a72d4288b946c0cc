package fpl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poly4/fpl-analsyer-sub000/internal/hub"
	"github.com/poly4/fpl-analsyer-sub000/internal/protocol"
)

type fakeSocket struct{}

func (fakeSocket) Write([]byte) error      { return nil }
func (fakeSocket) Close(int, string) error { return nil }
func (fakeSocket) RemoteAddr() string      { return "test" }
func (fakeSocket) UserAgent() string       { return "test" }

func startTestHub(t *testing.T) *hub.Manager {
	t.Helper()
	m := hub.NewManager(hub.Config{MaxConnections: 10}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		m.Stop()
		cancel()
	})
	return m
}

func TestPollerTracksCurrentGameweek(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/bootstrap-static/", r.URL.Path)
		w.Write([]byte(`{"events":[
			{"id":11,"is_current":false},
			{"id":12,"is_current":true},
			{"id":13,"is_current":false}
		]}`))
	}))
	defer srv.Close()

	c := startTestClient(t, srv.URL)
	p := NewPoller(PollerConfig{}, c, startTestHub(t), zerolog.Nop())

	p.refreshGameweek(context.Background())
	assert.Equal(t, int32(12), p.gameweek.Load())
}

func TestPollSkipsWithoutSubscribers(t *testing.T) {
	var liveCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bootstrap-static/" {
			w.Write([]byte(`{"events":[{"id":5,"is_current":true}]}`))
			return
		}
		liveCalls++
		w.Write([]byte(`{"elements":[]}`))
	}))
	defer srv.Close()

	c := startTestClient(t, srv.URL)
	m := startTestHub(t)
	p := NewPoller(PollerConfig{}, c, m, zerolog.Nop())

	ctx := context.Background()
	p.refreshGameweek(ctx)

	// Nobody in gw:5 yet, so no upstream budget is spent.
	p.poll(ctx)
	assert.Equal(t, 0, liveCalls)
}

func TestPollBroadcastsToGameweekRoom(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/bootstrap-static/" {
			w.Write([]byte(`{"events":[{"id":5,"is_current":true}]}`))
			return
		}
		require.Equal(t, "/event/5/live/", r.URL.Path)
		w.Write([]byte(`{"elements":[{"id":1}]}`))
	}))
	defer srv.Close()

	c := startTestClient(t, srv.URL)
	m := startTestHub(t)
	p := NewPoller(PollerConfig{}, c, m, zerolog.Nop())

	id, ok := m.Connect(fakeSocket{}, "", "")
	require.True(t, ok)
	require.True(t, m.Subscribe(id, protocol.GameweekRoomID(5)))

	ctx := context.Background()
	p.refreshGameweek(ctx)
	p.poll(ctx)

	assert.Equal(t, int64(1), m.Stats().MessagesSent)
}
