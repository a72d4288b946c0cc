package hub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poly4/fpl-analsyer-sub000/internal/protocol"
)

// fakeTransport captures frames instead of touching a socket.
type fakeTransport struct {
	mu        sync.Mutex
	frames    [][]byte
	failWrite bool
	closed    bool
	closeCode int
	reason    string
}

func (f *fakeTransport) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("broken pipe")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
		f.reason = reason
	}
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "203.0.113.9:55000" }
func (f *fakeTransport) UserAgent() string  { return "test-agent" }

func (f *fakeTransport) setFailWrite(fail bool) {
	f.mu.Lock()
	f.failWrite = fail
	f.mu.Unlock()
}

func (f *fakeTransport) frameCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func (f *fakeTransport) envelopes(t *testing.T) []*protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*protocol.Envelope, 0, len(f.frames))
	for _, frame := range f.frames {
		env, err := protocol.ParseEnvelope(frame)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (f *fakeTransport) envelopeTypes(t *testing.T) []protocol.MessageType {
	t.Helper()
	var types []protocol.MessageType
	for _, env := range f.envelopes(t) {
		types = append(types, env.Type)
	}
	return types
}

func (f *fakeTransport) closedWith() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	t.Cleanup(func() {
		m.Stop()
		cancel()
	})
	return m
}

func mustConnect(t *testing.T, m *Manager) (string, *fakeTransport) {
	t.Helper()
	ft := &fakeTransport{}
	id, ok := m.Connect(ft, "", "")
	require.True(t, ok)
	require.NotEmpty(t, id)
	return id, ft
}

func TestConnectSendsAck(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10})
	id, ft := mustConnect(t, m)

	envs := ft.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, protocol.TypeConnectionAck, envs[0].Type)

	var ack protocol.ConnectionAck
	require.NoError(t, envs[0].DecodePayload(&ack))
	assert.Equal(t, id, ack.ClientID)
	assert.Len(t, ack.ReconnectToken, 32)
	assert.False(t, ack.Resumed)

	conn, ok := m.Connection(id)
	require.True(t, ok)
	assert.Equal(t, StateConnected, conn.State())
}

func TestConnectRejectsAtCapacity(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 1})
	mustConnect(t, m)

	ft := &fakeTransport{}
	id, ok := m.Connect(ft, "", "")
	assert.False(t, ok)
	assert.Empty(t, id)

	closed, code := ft.closedWith()
	assert.True(t, closed)
	assert.Equal(t, CloseCapacityExceeded, code)
	assert.Equal(t, 0, ft.frameCount())
}

func TestConnectWithCallerSuppliedID(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10})
	ft := &fakeTransport{}
	id, ok := m.Connect(ft, "manager-42", "")
	require.True(t, ok)
	assert.Equal(t, "manager-42", id)
}

func TestSecondConnectSupersedesFirst(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10})
	ft1 := &fakeTransport{}
	_, ok := m.Connect(ft1, "dup", "")
	require.True(t, ok)

	ft2 := &fakeTransport{}
	_, ok = m.Connect(ft2, "dup", "")
	require.True(t, ok)

	closed, _ := ft1.closedWith()
	assert.True(t, closed)
	assert.Equal(t, 1, m.Stats().ActiveConnections)
}

func TestSubscribeAndBroadcast(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10})
	a, fta := mustConnect(t, m)
	b, ftb := mustConnect(t, m)
	_, ftc := mustConnect(t, m)

	room := protocol.LeagueRoomID(314)
	require.True(t, m.Subscribe(a, room))
	require.True(t, m.Subscribe(b, room))

	env, err := protocol.NewEnvelope(protocol.TypeLeagueUpdate, protocol.LeagueUpdate{LeagueID: 314, Gameweek: 2})
	require.NoError(t, err)

	delivered := m.BroadcastToRoom(room, env, "")
	assert.Equal(t, 2, delivered)

	// Ack plus the broadcast for members; non-member got only its ack.
	assert.Equal(t, 2, fta.frameCount())
	assert.Equal(t, 2, ftb.frameCount())
	assert.Equal(t, 1, ftc.frameCount())

	last := fta.envelopes(t)[1]
	assert.Equal(t, protocol.TypeLeagueUpdate, last.Type)
	assert.Equal(t, room, last.Room)
}

func TestBroadcastExcludesSender(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10})
	a, fta := mustConnect(t, m)
	b, _ := mustConnect(t, m)

	room := protocol.GlobalRoom
	require.True(t, m.Subscribe(a, room))
	require.True(t, m.Subscribe(b, room))

	env, err := protocol.NewEnvelope(protocol.TypeGameweekUpdate, nil)
	require.NoError(t, err)

	delivered := m.BroadcastToRoom(room, env, a)
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 1, fta.frameCount())
}

func TestBroadcastToEmptyRoom(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10})
	env, err := protocol.NewEnvelope(protocol.TypeGameweekUpdate, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, m.BroadcastToRoom("gw:99", env, ""))
}

func TestBroadcastDisconnectsFailedMember(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10})
	a, _ := mustConnect(t, m)
	b, ftb := mustConnect(t, m)

	room := protocol.GameweekRoomID(5)
	require.True(t, m.Subscribe(a, room))
	require.True(t, m.Subscribe(b, room))

	ftb.setFailWrite(true)

	env, err := protocol.NewEnvelope(protocol.TypeGameweekUpdate, nil)
	require.NoError(t, err)
	delivered := m.BroadcastToRoom(room, env, "")

	assert.Equal(t, 1, delivered)
	_, stillThere := m.Connection(b)
	assert.False(t, stillThere)
	// The healthy member is unaffected.
	_, stillThere = m.Connection(a)
	assert.True(t, stillThere)
}

func TestUnsubscribeEvictsEmptyRoom(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10})
	a, _ := mustConnect(t, m)

	room := protocol.H2HRoomID(1, 2)
	require.True(t, m.Subscribe(a, room))
	assert.True(t, m.RoomExists(room))

	require.True(t, m.Unsubscribe(a, room))
	assert.False(t, m.RoomExists(room))
}

func TestSubscribeUnknownClient(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10})
	assert.False(t, m.Subscribe("ghost", "gw:1"))
	assert.False(t, m.Unsubscribe("ghost", "gw:1"))
}

func TestDisconnectCleansRooms(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10})
	a, fta := mustConnect(t, m)

	room := protocol.LeagueRoomID(1)
	require.True(t, m.Subscribe(a, room))

	m.Disconnect(a, false)

	assert.False(t, m.RoomExists(room))
	_, ok := m.Connection(a)
	assert.False(t, ok)
	closed, _ := fta.closedWith()
	assert.True(t, closed)

	// Idempotent: a second disconnect is a no-op.
	m.Disconnect(a, false)
}

func TestSendToClientOfflineQueuesAndReplays(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10, ReplayQueueSize: 10})

	env1, err := protocol.NewEnvelope(protocol.TypeH2HUpdate, protocol.H2HUpdate{PointsA: 1})
	require.NoError(t, err)
	env2, err := protocol.NewEnvelope(protocol.TypeH2HUpdate, protocol.H2HUpdate{PointsA: 2})
	require.NoError(t, err)

	assert.False(t, m.SendToClient("late-riser", env1))
	assert.False(t, m.SendToClient("late-riser", env2))

	ft := &fakeTransport{}
	id, ok := m.Connect(ft, "late-riser", "")
	require.True(t, ok)
	require.Equal(t, "late-riser", id)

	types := ft.envelopeTypes(t)
	require.Len(t, types, 3)
	assert.Equal(t, protocol.TypeConnectionAck, types[0])

	var first, second protocol.H2HUpdate
	envs := ft.envelopes(t)
	require.NoError(t, envs[1].DecodePayload(&first))
	require.NoError(t, envs[2].DecodePayload(&second))
	assert.Equal(t, 1, first.PointsA)
	assert.Equal(t, 2, second.PointsA)
}

func TestReplayQueueDropsOldest(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10, ReplayQueueSize: 2})

	for i := 1; i <= 3; i++ {
		env, err := protocol.NewEnvelope(protocol.TypeH2HUpdate, protocol.H2HUpdate{PointsA: i})
		require.NoError(t, err)
		m.SendToClient("sleeper", env)
	}

	ft := &fakeTransport{}
	_, ok := m.Connect(ft, "sleeper", "")
	require.True(t, ok)

	envs := ft.envelopes(t)
	require.Len(t, envs, 3) // ack + 2 retained
	var p protocol.H2HUpdate
	require.NoError(t, envs[1].DecodePayload(&p))
	assert.Equal(t, 2, p.PointsA)
}

func TestMessageBudgetEnforced(t *testing.T) {
	m := newTestManager(t, Config{
		MaxConnections: 10,
		MessageBudget:  2,
		MessageWindow:  time.Hour,
	})
	id, ft := mustConnect(t, m)

	send := func() bool {
		env, err := protocol.NewEnvelope(protocol.TypeH2HUpdate, nil)
		require.NoError(t, err)
		return m.SendToClient(id, env)
	}

	assert.True(t, send())
	assert.True(t, send())
	assert.False(t, send())

	types := ft.envelopeTypes(t)
	require.Len(t, types, 4) // ack, two updates, rate limit notice
	assert.Equal(t, protocol.TypeRateLimit, types[3])

	var notice protocol.RateLimitNotice
	require.NoError(t, ft.envelopes(t)[3].DecodePayload(&notice))
	assert.Equal(t, 2, notice.Limit)
	assert.Greater(t, notice.RetryAfter, 0.0)
}

func TestMessageBudgetWindowResets(t *testing.T) {
	m := newTestManager(t, Config{
		MaxConnections: 10,
		MessageBudget:  1,
		MessageWindow:  40 * time.Millisecond,
	})
	id, _ := mustConnect(t, m)

	env, err := protocol.NewEnvelope(protocol.TypeH2HUpdate, nil)
	require.NoError(t, err)
	assert.True(t, m.SendToClient(id, env))
	assert.False(t, m.SendToClient(id, env))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, m.SendToClient(id, env))
}

func TestReconnectResumesRooms(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10, ReconnectWindow: time.Minute})
	id, ft := mustConnect(t, m)

	room := protocol.H2HRoomID(10, 20)
	require.True(t, m.Subscribe(id, room))

	var ack protocol.ConnectionAck
	require.NoError(t, ft.envelopes(t)[0].DecodePayload(&ack))

	m.Disconnect(id, true)
	assert.False(t, m.RoomExists(room))

	ft2 := &fakeTransport{}
	id2, ok := m.Connect(ft2, "", ack.ReconnectToken)
	require.True(t, ok)
	assert.Equal(t, id, id2)

	envs := ft2.envelopes(t)
	require.NotEmpty(t, envs)
	assert.Equal(t, protocol.TypeReconnect, envs[0].Type)

	var resumeAck protocol.ConnectionAck
	require.NoError(t, envs[0].DecodePayload(&resumeAck))
	assert.True(t, resumeAck.Resumed)
	assert.Equal(t, []string{room}, resumeAck.RestoredRooms)
	// A fresh token every session; the old one is consumed.
	assert.NotEqual(t, ack.ReconnectToken, resumeAck.ReconnectToken)

	assert.True(t, m.RoomExists(room))
	conn, ok := m.Connection(id)
	require.True(t, ok)
	assert.Equal(t, 1, conn.Reconnects())
}

func TestReconnectTokenSingleUse(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10, ReconnectWindow: time.Minute})
	id, ft := mustConnect(t, m)

	var ack protocol.ConnectionAck
	require.NoError(t, ft.envelopes(t)[0].DecodePayload(&ack))
	m.Disconnect(id, true)

	ft2 := &fakeTransport{}
	_, ok := m.Connect(ft2, "", ack.ReconnectToken)
	require.True(t, ok)
	m.Disconnect(id, true)

	// The original token was consumed by the first resume.
	ft3 := &fakeTransport{}
	id3, ok := m.Connect(ft3, "", ack.ReconnectToken)
	require.True(t, ok)
	assert.NotEqual(t, id, id3)
	assert.Equal(t, protocol.TypeConnectionAck, ft3.envelopes(t)[0].Type)
}

func TestReconnectExpiredWindowStartsFresh(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10, ReconnectWindow: 20 * time.Millisecond})
	id, ft := mustConnect(t, m)

	room := protocol.LeagueRoomID(99)
	require.True(t, m.Subscribe(id, room))

	var ack protocol.ConnectionAck
	require.NoError(t, ft.envelopes(t)[0].DecodePayload(&ack))
	m.Disconnect(id, true)

	time.Sleep(50 * time.Millisecond)

	ft2 := &fakeTransport{}
	id2, ok := m.Connect(ft2, "", ack.ReconnectToken)
	require.True(t, ok)
	assert.NotEqual(t, id, id2)
	assert.Equal(t, protocol.TypeConnectionAck, ft2.envelopes(t)[0].Type)
	assert.False(t, m.RoomExists(room))
}

func TestDisconnectWithoutSavePurgesReplay(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10})
	id, _ := mustConnect(t, m)
	m.Disconnect(id, false)

	env, err := protocol.NewEnvelope(protocol.TypeH2HUpdate, nil)
	require.NoError(t, err)
	m.SendToClient(id, env)
	m.Disconnect(id, false) // no-op; id not connected

	// Queue was created by the offline send above; a no-save disconnect of a
	// live session is what purges, so reconnecting still drains this one.
	ft := &fakeTransport{}
	_, ok := m.Connect(ft, id, "")
	require.True(t, ok)
	assert.Equal(t, 2, ft.frameCount())
}

func TestBroadcastAfterStopRunsInline(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10})
	id, ft := mustConnect(t, m)
	require.True(t, m.Subscribe(id, "gw:1"))

	m.Stop()

	env, err := protocol.NewEnvelope(protocol.TypeGameweekUpdate, nil)
	require.NoError(t, err)

	var delivered int
	assert.NotPanics(t, func() { delivered = m.BroadcastToRoom("gw:1", env, "") })
	assert.Equal(t, 1, delivered)
	assert.Equal(t, 2, ft.frameCount())

	// A late disconnect, e.g. from a read loop unwinding after shutdown,
	// must not blow up either.
	assert.NotPanics(t, func() { m.Disconnect(id, true) })
}

func TestResumeSurvivesFailedHandshake(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10, ReconnectWindow: time.Minute})
	id, ft := mustConnect(t, m)

	room := protocol.LeagueRoomID(8)
	require.True(t, m.Subscribe(id, room))

	var ack protocol.ConnectionAck
	require.NoError(t, ft.envelopes(t)[0].DecodePayload(&ack))
	m.Disconnect(id, true)

	env, err := protocol.NewEnvelope(protocol.TypeH2HUpdate, protocol.H2HUpdate{PointsA: 9})
	require.NoError(t, err)
	m.SendToClient(id, env)

	// Resume over a transport that dies before the ack gets through.
	broken := &fakeTransport{failWrite: true}
	_, ok := m.Connect(broken, "", ack.ReconnectToken)
	require.False(t, ok)

	// The peer never saw a fresh token, so the one it holds must still
	// resume the session with rooms and replay intact.
	ft2 := &fakeTransport{}
	id2, ok := m.Connect(ft2, "", ack.ReconnectToken)
	require.True(t, ok)
	assert.Equal(t, id, id2)

	envs := ft2.envelopes(t)
	require.Len(t, envs, 2)
	assert.Equal(t, protocol.TypeReconnect, envs[0].Type)

	var resumeAck protocol.ConnectionAck
	require.NoError(t, envs[0].DecodePayload(&resumeAck))
	assert.Equal(t, []string{room}, resumeAck.RestoredRooms)
	assert.True(t, m.RoomExists(room))

	var replayed protocol.H2HUpdate
	require.NoError(t, envs[1].DecodePayload(&replayed))
	assert.Equal(t, 9, replayed.PointsA)
}

func TestObserversNotified(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10, ReconnectWindow: time.Minute})

	events := make(chan string, 10)
	m.AddObserver(ObserverFuncs{
		Connect:    func(id string, _ *Connection) { events <- "connect:" + id },
		Disconnect: func(id string, _ *Connection) { events <- "disconnect:" + id },
		Reconnect:  func(id string, _ *Connection) { events <- "reconnect:" + id },
	})

	waitEvent := func(want string) {
		t.Helper()
		select {
		case got := <-events:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}

	id, ft := mustConnect(t, m)
	waitEvent("connect:" + id)

	var ack protocol.ConnectionAck
	require.NoError(t, ft.envelopes(t)[0].DecodePayload(&ack))

	m.Disconnect(id, true)
	waitEvent("disconnect:" + id)

	ft2 := &fakeTransport{}
	_, ok := m.Connect(ft2, "", ack.ReconnectToken)
	require.True(t, ok)
	waitEvent("reconnect:" + id)
}

func TestPanickingObserverIsIsolated(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10})

	m.AddObserver(ObserverFuncs{
		Connect: func(string, *Connection) { panic("observer bug") },
	})

	id, _ := mustConnect(t, m)
	time.Sleep(20 * time.Millisecond)

	// The hub survives a panicking observer.
	_, ok := m.Connection(id)
	assert.True(t, ok)
}

func TestStatsSnapshot(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10})
	a, _ := mustConnect(t, m)
	b, _ := mustConnect(t, m)

	require.True(t, m.Subscribe(a, "gw:1"))
	require.True(t, m.Subscribe(b, "gw:1"))
	require.True(t, m.Subscribe(b, "league:5"))

	env, err := protocol.NewEnvelope(protocol.TypeGameweekUpdate, nil)
	require.NoError(t, err)
	m.BroadcastToRoom("gw:1", env, "")

	s := m.Stats()
	assert.Equal(t, 2, s.ActiveConnections)
	assert.Equal(t, int64(2), s.TotalConnections)
	assert.GreaterOrEqual(t, s.PeakConnections, int64(2))
	assert.Equal(t, 2, s.Rooms)
	assert.Equal(t, 2, s.RoomMembers["gw:1"])
	assert.Equal(t, int64(2), s.MessagesSent)
	assert.Equal(t, 2, s.States["connected"])

	m.Disconnect(a, true)
	s = m.Stats()
	assert.Equal(t, 1, s.ActiveConnections)
	assert.Equal(t, 1, s.PendingResumes)
	assert.Equal(t, 1, s.States["disconnected"])
}

func TestHealthReportsSupervisors(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 10})
	time.Sleep(10 * time.Millisecond)

	h := m.Health()
	assert.Equal(t, "healthy", h.Status)
	assert.True(t, h.HeartbeatAlive)
	assert.True(t, h.PingAlive)
	assert.True(t, h.CleanupAlive)
	assert.True(t, h.SamplerAlive)
	assert.InDelta(t, 0.0, h.UtilizationPct, 0.1)
}

func TestHealthUnhealthyAtCapacity(t *testing.T) {
	m := newTestManager(t, Config{MaxConnections: 2})
	mustConnect(t, m)
	mustConnect(t, m)
	time.Sleep(10 * time.Millisecond)

	h := m.Health()
	assert.Equal(t, "unhealthy", h.Status)
	assert.InDelta(t, 100.0, h.UtilizationPct, 0.1)
}
