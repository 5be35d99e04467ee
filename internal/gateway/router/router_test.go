package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termgate/termgate/internal/gateway/agentreg"
	"github.com/termgate/termgate/internal/gateway/config"
	"github.com/termgate/termgate/internal/gateway/db"
	"github.com/termgate/termgate/internal/gateway/location"
	"github.com/termgate/termgate/internal/gateway/transport"
	"github.com/termgate/termgate/internal/protocol"
)

type fakeViewer struct {
	id string
	mu sync.Mutex
	// indexable by message type for assertions
	msgs []*protocol.Message
}

func newFakeViewer(id string) *fakeViewer { return &fakeViewer{id: id} }

func (v *fakeViewer) ID() string { return v.id }

func (v *fakeViewer) Send(msg *protocol.Message) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.msgs = append(v.msgs, msg)
	return true
}

func (v *fakeViewer) byType(typ string) []*protocol.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []*protocol.Message
	for _, m := range v.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (v *fakeViewer) lastStatus() string {
	statuses := v.byType(protocol.TypeTerminalStatus)
	if len(statuses) == 0 {
		return ""
	}
	return statuses[len(statuses)-1].Status
}

type commandCall struct {
	kind      string
	agentID   string
	sessionID string
	data      string
	cols      int
	rows      int
}

type fakeCommander struct {
	mu     sync.Mutex
	online bool
	calls  []commandCall
	kicked []string
}

func (c *fakeCommander) record(call commandCall) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return c.online
}

func (c *fakeCommander) SendConnect(agentID, sessionID string, cols, rows int) bool {
	return c.record(commandCall{kind: "connect", agentID: agentID, sessionID: sessionID, cols: cols, rows: rows})
}

func (c *fakeCommander) SendInput(agentID, sessionID, data string) bool {
	return c.record(commandCall{kind: "input", agentID: agentID, sessionID: sessionID, data: data})
}

func (c *fakeCommander) SendResize(agentID, sessionID string, cols, rows int) bool {
	return c.record(commandCall{kind: "resize", agentID: agentID, sessionID: sessionID, cols: cols, rows: rows})
}

func (c *fakeCommander) SendDisconnect(agentID, sessionID string) bool {
	return c.record(commandCall{kind: "disconnect", agentID: agentID, sessionID: sessionID})
}

func (c *fakeCommander) Kick(agentID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kicked = append(c.kicked, agentID)
}

func (c *fakeCommander) callsOf(kind string) []commandCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []commandCall
	for _, call := range c.calls {
		if call.kind == kind {
			out = append(out, call)
		}
	}
	return out
}

type fakeTerm struct {
	mu       sync.Mutex
	writes   []string
	resizes  [][2]uint16
	closed   bool
	writeErr error
}

func (t *fakeTerm) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.writeErr != nil {
		return t.writeErr
	}
	t.writes = append(t.writes, string(data))
	return nil
}

func (t *fakeTerm) Resize(cols, rows uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resizes = append(t.resizes, [2]uint16{cols, rows})
	return nil
}

func (t *fakeTerm) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTerm) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fixture struct {
	cfg       *config.Config
	locations *location.Store
	registry  *agentreg.Registry
	commander *fakeCommander
	router    *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))

	cfg, err := config.Load("")
	require.NoError(t, err)

	f := &fixture{
		cfg:       cfg,
		locations: location.NewStore(sqlDB),
		registry:  agentreg.New(),
		commander: &fakeCommander{online: true},
	}
	f.router = New(cfg, f.locations, f.registry, f.commander, slog.Default())
	return f
}

type agentConnStub struct{}

func (agentConnStub) Close(code int, reason string) error { return nil }

func (f *fixture) addReverseSession(t *testing.T, agentID, sessionID string) {
	t.Helper()
	_, err := f.locations.Create(context.Background(), &location.SessionLocation{
		SessionID:       sessionID,
		ConnectionType:  location.ConnectionReverse,
		ReverseAgentID:  agentID,
		TmuxSessionName: "work",
		Status:          location.StatusActive,
	})
	require.NoError(t, err)
	f.registry.RegisterAgent(agentID, agentConnStub{})
	require.NoError(t, f.registry.RegisterSession(agentID, sessionID, "work", ""))
}

func (f *fixture) addLocalSession(t *testing.T, sessionID string) {
	t.Helper()
	_, err := f.locations.Create(context.Background(), &location.SessionLocation{
		SessionID:       sessionID,
		ConnectionType:  location.ConnectionLocal,
		TmuxSessionName: "work",
		Status:          location.StatusInactive,
	})
	require.NoError(t, err)
}

func TestConnect_UnknownSession(t *testing.T) {
	f := newFixture(t)
	v := newFakeViewer("v1")

	f.router.Connect(context.Background(), v, "nope", 80, 24)

	errs := v.byType(protocol.TypeTerminalError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Session location not found", errs[0].Error)
}

func TestConnect_ReverseHappyPath(t *testing.T) {
	f := newFixture(t)
	f.addReverseSession(t, "A1", "S1")
	v := newFakeViewer("v1")

	f.router.Connect(context.Background(), v, "S1", 120, 40)

	connects := f.commander.callsOf("connect")
	require.Len(t, connects, 1)
	assert.Equal(t, "A1", connects[0].agentID)
	assert.Equal(t, 120, connects[0].cols)

	statuses := v.byType(protocol.TypeTerminalStatus)
	require.Len(t, statuses, 2)
	assert.Equal(t, protocol.StatusConnecting, statuses[0].Status)
	assert.Equal(t, protocol.StatusConnected, statuses[1].Status)
	assert.Equal(t, "A1", statuses[1].AgentID)

	assert.Len(t, f.registry.Viewers("S1"), 1)

	loc, err := f.locations.Get(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, location.StatusActive, loc.Status)
	assert.NotZero(t, loc.LastVerifiedAt)
}

func TestConnect_ReverseAgentOffline(t *testing.T) {
	f := newFixture(t)
	_, err := f.locations.Create(context.Background(), &location.SessionLocation{
		SessionID:      "S1",
		ConnectionType: location.ConnectionReverse,
		ReverseAgentID: "A1",
		Status:         location.StatusActive,
	})
	require.NoError(t, err)

	v := newFakeViewer("v1")
	f.router.Connect(context.Background(), v, "S1", 80, 24)

	errs := v.byType(protocol.TypeTerminalError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Agent is not currently online", errs[0].Error)
	assert.Empty(t, f.commander.callsOf("connect"))
}

func TestConnect_ReverseSessionNotAnnounced(t *testing.T) {
	f := newFixture(t)
	_, err := f.locations.Create(context.Background(), &location.SessionLocation{
		SessionID:      "S1",
		ConnectionType: location.ConnectionReverse,
		ReverseAgentID: "A1",
		Status:         location.StatusActive,
	})
	require.NoError(t, err)
	f.registry.RegisterAgent("A1", agentConnStub{})

	v := newFakeViewer("v1")
	f.router.Connect(context.Background(), v, "S1", 80, 24)

	errs := v.byType(protocol.TypeTerminalError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Session is not available on the agent", errs[0].Error)
}

func TestReverseInputAndDisconnect(t *testing.T) {
	f := newFixture(t)
	f.addReverseSession(t, "A1", "S1")
	v := newFakeViewer("v1")

	f.router.Connect(context.Background(), v, "S1", 80, 24)
	f.router.Input(v, "S1", "ls\n")

	inputs := f.commander.callsOf("input")
	require.Len(t, inputs, 1)
	assert.Equal(t, "ls\n", inputs[0].data)

	f.router.Disconnect(context.Background(), v, "S1")

	// Last viewer detached, so the agent is told to stop streaming.
	assert.Len(t, f.commander.callsOf("disconnect"), 1)
	assert.Empty(t, f.registry.Viewers("S1"))
	assert.Equal(t, protocol.StatusDisconnected, v.lastStatus())

	// Idempotent.
	f.router.Disconnect(context.Background(), v, "S1")
	assert.Len(t, f.commander.callsOf("disconnect"), 1)
}

func TestReverseSharedSessionKeepsAgentStream(t *testing.T) {
	f := newFixture(t)
	f.addReverseSession(t, "A1", "S1")
	v1 := newFakeViewer("v1")
	v2 := newFakeViewer("v2")

	f.router.Connect(context.Background(), v1, "S1", 80, 24)
	f.router.Connect(context.Background(), v2, "S1", 80, 24)
	require.Len(t, f.registry.Viewers("S1"), 2)

	f.router.Disconnect(context.Background(), v1, "S1")

	// One viewer remains, the agent keeps streaming.
	assert.Empty(t, f.commander.callsOf("disconnect"))
	assert.Len(t, f.registry.Viewers("S1"), 1)
}

func TestConnect_DirectHappyPath(t *testing.T) {
	f := newFixture(t)
	f.addLocalSession(t, "S1")

	term := &fakeTerm{}
	var handlers transport.Handlers
	f.router.openTransport = func(ctx context.Context, loc *location.SessionLocation, cols, rows uint16, h transport.Handlers) (transport.TerminalConn, error) {
		handlers = h
		return term, nil
	}

	v := newFakeViewer("v1")
	f.router.Connect(context.Background(), v, "S1", 80, 24)

	assert.Equal(t, protocol.StatusConnected, v.lastStatus())

	// Output flows from the transport to the viewer.
	handlers.OnData([]byte("$ "))
	outs := v.byType(protocol.TypeTerminalOutput)
	require.Len(t, outs, 1)
	assert.Equal(t, "$ ", outs[0].Data)

	// Input and resize flow to the transport.
	f.router.Input(v, "S1", "ls\n")
	f.router.Resize(v, "S1", 100, 30)
	assert.Equal(t, []string{"ls\n"}, term.writes)
	assert.Equal(t, [][2]uint16{{100, 30}}, term.resizes)

	loc, err := f.locations.Get(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, location.StatusActive, loc.Status)

	// Disconnect closes the terminal and deactivates the row.
	f.router.Disconnect(context.Background(), v, "S1")
	assert.True(t, term.isClosed())
	loc, err = f.locations.Get(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, location.StatusInactive, loc.Status)
}

func TestConnect_DirectOpenFails(t *testing.T) {
	f := newFixture(t)
	f.addLocalSession(t, "S1")
	f.router.openTransport = func(ctx context.Context, loc *location.SessionLocation, cols, rows uint16, h transport.Handlers) (transport.TerminalConn, error) {
		return nil, errors.New("tmux session not found")
	}

	v := newFakeViewer("v1")
	f.router.Connect(context.Background(), v, "S1", 80, 24)

	errs := v.byType(protocol.TypeTerminalError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error, "tmux session not found")

	loc, err := f.locations.Get(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, location.StatusError, loc.Status)
}

func TestDirectTransportClosedRemotely(t *testing.T) {
	f := newFixture(t)
	f.addLocalSession(t, "S1")

	term := &fakeTerm{}
	var handlers transport.Handlers
	f.router.openTransport = func(ctx context.Context, loc *location.SessionLocation, cols, rows uint16, h transport.Handlers) (transport.TerminalConn, error) {
		handlers = h
		return term, nil
	}

	v := newFakeViewer("v1")
	f.router.Connect(context.Background(), v, "S1", 80, 24)

	handlers.OnClose()

	assert.Equal(t, protocol.StatusDisconnected, v.lastStatus())
	loc, err := f.locations.Get(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, location.StatusInactive, loc.Status)

	// Input after the close reports no active connection.
	f.router.Input(v, "S1", "x")
	errs := v.byType(protocol.TypeTerminalError)
	require.Len(t, errs, 1)
	assert.Equal(t, "No active connection for session", errs[0].Error)
}

func TestInput_WithoutConnect(t *testing.T) {
	f := newFixture(t)
	v := newFakeViewer("v1")

	f.router.Input(v, "S1", "ls\n")

	errs := v.byType(protocol.TypeTerminalError)
	require.Len(t, errs, 1)
	assert.Equal(t, "No active connection for session", errs[0].Error)
}

func TestViewerClosed_ReleasesEverything(t *testing.T) {
	f := newFixture(t)
	f.addReverseSession(t, "A1", "S1")
	f.addLocalSession(t, "S2")

	term := &fakeTerm{}
	f.router.openTransport = func(ctx context.Context, loc *location.SessionLocation, cols, rows uint16, h transport.Handlers) (transport.TerminalConn, error) {
		return term, nil
	}

	v := newFakeViewer("v1")
	f.router.Connect(context.Background(), v, "S1", 80, 24)
	f.router.Connect(context.Background(), v, "S2", 80, 24)

	f.router.ViewerClosed(v)

	assert.True(t, term.isClosed())
	assert.Empty(t, f.registry.Viewers("S1"))
	assert.Len(t, f.commander.callsOf("disconnect"), 1)
	assert.Empty(t, f.router.Snapshot().ActiveSessions)
}

func TestAgentDisconnect_ViewersGetError(t *testing.T) {
	f := newFixture(t)
	f.addReverseSession(t, "A1", "S1")

	v := newFakeViewer("v1")
	f.router.Connect(context.Background(), v, "S1", 80, 24)

	f.registry.UnregisterAgent("A1")

	errs := v.byType(protocol.TypeTerminalError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Agent disconnected", errs[0].Error)
	assert.NotEqual(t, protocol.StatusDisconnected, v.lastStatus())
	assert.Empty(t, f.router.Snapshot().ActiveSessions)
}

func TestAgentReplaced_ViewersGetError(t *testing.T) {
	f := newFixture(t)
	f.addReverseSession(t, "A1", "S1")

	v := newFakeViewer("v1")
	f.router.Connect(context.Background(), v, "S1", 80, 24)

	// A new socket registers under the same agent id; the old
	// connection's sessions are dropped.
	f.registry.RegisterAgent("A1", agentConnStub{})

	errs := v.byType(protocol.TypeTerminalError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Agent reconnected", errs[0].Error)
	assert.Empty(t, f.router.Snapshot().ActiveSessions)
}

func TestAgentSessionEnd_ViewersGetStatus(t *testing.T) {
	f := newFixture(t)
	f.addReverseSession(t, "A1", "S1")

	v := newFakeViewer("v1")
	f.router.Connect(context.Background(), v, "S1", 80, 24)

	f.registry.UnregisterSession("A1", "S1")

	assert.Empty(t, v.byType(protocol.TypeTerminalError))
	assert.Equal(t, protocol.StatusDisconnected, v.lastStatus())
}

func TestJanitor_ReapsTimedOutAgent(t *testing.T) {
	f := newFixture(t)
	f.cfg.HeartbeatTimeout = 10 * time.Millisecond
	f.addReverseSession(t, "A1", "S1")

	v := newFakeViewer("v1")
	f.router.Connect(context.Background(), v, "S1", 80, 24)

	time.Sleep(20 * time.Millisecond)
	f.router.janitorPass()

	assert.Equal(t, []string{"A1"}, f.commander.kicked)
	assert.False(t, f.registry.IsOnline("A1"))

	errs := v.byType(protocol.TypeTerminalError)
	require.Len(t, errs, 1)
	assert.Equal(t, "Agent timed out", errs[0].Error)

	// The active entry is gone.
	assert.Empty(t, f.router.Snapshot().ActiveSessions)
}

func TestJanitor_DeactivatesStaleLocations(t *testing.T) {
	f := newFixture(t)
	f.cfg.HeartbeatTimeout = 10 * time.Millisecond

	// A row left active by a crash, owned by no live agent.
	_, err := f.locations.Create(context.Background(), &location.SessionLocation{
		SessionID:      "S9",
		ConnectionType: location.ConnectionReverse,
		ReverseAgentID: "gone",
		Status:         location.StatusActive,
	})
	require.NoError(t, err)

	f.router.janitorPass()

	loc, err := f.locations.Get(context.Background(), "S9")
	require.NoError(t, err)
	assert.Equal(t, location.StatusInactive, loc.Status)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	f.addReverseSession(t, "A1", "S1")

	v := newFakeViewer("v1")
	f.router.Connect(context.Background(), v, "S1", 80, 24)

	stats := f.router.Snapshot()
	require.Len(t, stats.ActiveSessions, 1)
	assert.Equal(t, "S1", stats.ActiveSessions[0].SessionID)
	assert.Equal(t, "v1", stats.ActiveSessions[0].ViewerID)
	assert.Equal(t, "reverse", stats.ActiveSessions[0].ConnectionType)
	assert.Equal(t, "A1", stats.ActiveSessions[0].AgentID)
	assert.Equal(t, 1, stats.ViewerCount)
	require.Len(t, stats.ConnectedAgents, 1)
	assert.Equal(t, "A1", stats.ConnectedAgents[0].AgentID)
}

func TestReconnectReplacesAttachment(t *testing.T) {
	f := newFixture(t)
	f.addReverseSession(t, "A1", "S1")
	v := newFakeViewer("v1")

	f.router.Connect(context.Background(), v, "S1", 80, 24)
	f.router.Connect(context.Background(), v, "S1", 100, 30)

	// Still exactly one attachment.
	assert.Len(t, f.registry.Viewers("S1"), 1)
	assert.Len(t, f.router.Snapshot().ActiveSessions, 1)
	assert.Len(t, f.commander.callsOf("connect"), 2)
}
