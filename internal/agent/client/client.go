// Package client maintains the agent's websocket connection to the
// gateway: it registers, heartbeats, announces the host's tmux
// sessions, and services connect/input/resize commands by attaching
// tmux clients and streaming their output back up the tunnel.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"

	"github.com/termgate/termgate/internal/agent/config"
	"github.com/termgate/termgate/internal/agent/snapshot"
	"github.com/termgate/termgate/internal/agent/terminal"
	"github.com/termgate/termgate/internal/agent/tmux"
	"github.com/termgate/termgate/internal/protocol"
)

const (
	dialTimeout       = 10 * time.Second
	registerTimeout   = 10 * time.Second
	heartbeatInterval = 10 * time.Second
	watchInterval     = 5 * time.Second
)

// errUnauthorized marks a registration rejected by the gateway. The
// reconnect loop treats it as fatal since retrying with the same
// secret cannot succeed.
var errUnauthorized = errors.New("registration rejected by gateway")

// Client manages the connection to the gateway.
type Client struct {
	cfg       *config.Config
	version   string
	snapshots *snapshot.Store

	mu        sync.Mutex
	ws        *websocket.Conn                // current socket, nil when disconnected
	terminals map[string]*terminal.Terminal  // sessionID -> attached tmux client
	announced map[string]struct{}            // session names announced to the gateway
	stopOnce  sync.Once
}

// New creates a gateway client for the given agent configuration.
func New(cfg *config.Config, version string) *Client {
	return &Client{
		cfg:       cfg,
		version:   version,
		snapshots: snapshot.NewStore(cfg.ScreenDir()),
		terminals: make(map[string]*terminal.Terminal),
		announced: make(map[string]struct{}),
	}
}

// Stop detaches all tmux clients and persists their screens so a
// restarted agent can restore them. Safe to call multiple times.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		terms := make(map[string]*terminal.Terminal, len(c.terminals))
		for id, t := range c.terminals {
			terms[id] = t
		}
		c.terminals = make(map[string]*terminal.Terminal)
		c.mu.Unlock()

		for id, t := range terms {
			if err := c.snapshots.Save(id, t.ScreenSnapshot()); err != nil {
				slog.Error("save screen snapshot failed", "session_id", id, "error", err)
			}
			t.Stop()
		}
	})
}

// send marshals and writes one frame. The mutex is held for the whole
// write so concurrent senders cannot interleave frames.
func (c *Client) send(msg *protocol.Message) error {
	data, err := protocol.Encode(protocol.Stamp(msg))
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("not connected")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *Client) endpoint() string {
	return strings.TrimRight(c.cfg.GatewayURL, "/") + "/ws/agent"
}

// Connect dials the gateway, registers, and runs the receive loop
// until the connection drops or ctx is cancelled.
func (c *Client) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	ws, _, err := websocket.Dial(dialCtx, c.endpoint(), nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.endpoint(), err)
	}
	defer ws.CloseNow()

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
	}()

	if err := c.register(ctx, ws); err != nil {
		return err
	}
	slog.Info("connected to gateway", "url", c.cfg.GatewayURL, "agent_id", c.cfg.AgentID)

	// Heartbeats and the session watcher stop when this connection's
	// receive loop returns.
	connCtx, cancelConn := context.WithCancel(ctx)
	defer cancelConn()
	go c.heartbeatLoop(connCtx)
	go c.watchSessions(connCtx)

	for {
		msg, err := c.read(ctx, ws)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		c.handleMessage(connCtx, msg)
	}
}

func (c *Client) register(ctx context.Context, ws *websocket.Conn) error {
	hostname, _ := os.Hostname()
	if err := c.send(&protocol.Message{
		Type:        protocol.TypeAgentRegister,
		AgentID:     c.cfg.AgentID,
		AgentSecret: c.cfg.Secret,
		Hostname:    hostname,
		Platform:    runtime.GOOS,
		Version:     c.version,
	}); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	regCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()
	reply, err := c.read(regCtx, ws)
	if err != nil {
		return fmt.Errorf("read registration reply: %w", err)
	}
	switch reply.Type {
	case protocol.TypeAgentRegistered:
		return nil
	case protocol.TypeGatewayError:
		return fmt.Errorf("%w: %s", errUnauthorized, reply.Error)
	default:
		return fmt.Errorf("unexpected registration reply %q", reply.Type)
	}
}

func (c *Client) read(ctx context.Context, ws *websocket.Conn) (*protocol.Message, error) {
	typ, data, err := ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("unexpected %v frame", typ)
	}
	return protocol.Decode(data)
}

func (c *Client) handleMessage(ctx context.Context, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeAgentPong:
		// Heartbeat acknowledged.

	case protocol.TypeCommandConnect:
		go c.handleConnect(msg.SessionID, msg.Cols, msg.Rows)

	case protocol.TypeCommandInput:
		c.handleInput(msg.SessionID, msg.Data)

	case protocol.TypeCommandResize:
		c.handleResize(msg.SessionID, msg.Cols, msg.Rows)

	case protocol.TypeCommandDisconnect:
		c.handleDisconnect(msg.SessionID)

	case protocol.TypeCommandPing:
		c.ack(msg.SessionID, protocol.TypeCommandPing, true)

	case protocol.TypeGatewayError:
		slog.Warn("gateway error", "error", msg.Error)

	default:
		slog.Warn("unhandled gateway message", "type", msg.Type)
	}
}

// handleConnect attaches a tmux client for the session, restoring the
// saved screen from a previous run if one exists. A second connect for
// an already attached session replays the recent screen instead, so a
// reconnecting viewer is caught up without a second tmux client.
func (c *Client) handleConnect(sessionID string, cols, rows int) {
	if sessionID == "" {
		return
	}

	c.mu.Lock()
	existing := c.terminals[sessionID]
	c.mu.Unlock()
	if existing != nil {
		if screen := existing.ScreenSnapshot(); len(screen) > 0 {
			c.sendOutput(sessionID, screen)
		}
		c.ack(sessionID, protocol.TypeCommandConnect, true)
		return
	}

	restored, err := c.snapshots.Load(sessionID)
	if err != nil {
		slog.Warn("load screen snapshot failed", "session_id", sessionID, "error", err)
	}

	t, err := terminal.Attach(terminal.Options{
		Target:   sessionID,
		Cols:     uint16(cols),
		Rows:     uint16(rows),
		Restored: restored,
	}, func(data []byte) {
		c.sendOutput(sessionID, data)
	})
	if err != nil {
		slog.Error("attach failed", "session_id", sessionID, "error", err)
		c.sendSessionError(sessionID, fmt.Sprintf("Failed to attach session: %v", err))
		c.ack(sessionID, protocol.TypeCommandConnect, false)
		return
	}

	c.mu.Lock()
	c.terminals[sessionID] = t
	c.mu.Unlock()

	if len(restored) > 0 {
		c.sendOutput(sessionID, restored)
	}
	c.ack(sessionID, protocol.TypeCommandConnect, true)

	go c.reapOnExit(sessionID, t)
}

// reapOnExit drops the terminal from the map when its tmux client
// exits, persisting the final screen for a later reconnect.
func (c *Client) reapOnExit(sessionID string, t *terminal.Terminal) {
	<-t.Done()

	c.mu.Lock()
	if c.terminals[sessionID] == t {
		delete(c.terminals, sessionID)
	}
	c.mu.Unlock()

	if err := c.snapshots.Save(sessionID, t.ScreenSnapshot()); err != nil {
		slog.Error("save screen snapshot failed", "session_id", sessionID, "error", err)
	}
}

func (c *Client) handleInput(sessionID, data string) {
	c.mu.Lock()
	t := c.terminals[sessionID]
	c.mu.Unlock()
	if t == nil {
		c.sendSessionError(sessionID, "No active terminal for session")
		return
	}
	if err := t.SendInput([]byte(data)); err != nil {
		slog.Warn("input write failed", "session_id", sessionID, "error", err)
	}
}

func (c *Client) handleResize(sessionID string, cols, rows int) {
	c.mu.Lock()
	t := c.terminals[sessionID]
	c.mu.Unlock()
	if t == nil {
		return
	}
	if err := t.Resize(uint16(cols), uint16(rows)); err != nil {
		slog.Warn("resize failed", "session_id", sessionID, "error", err)
	}
}

func (c *Client) handleDisconnect(sessionID string) {
	c.mu.Lock()
	t := c.terminals[sessionID]
	delete(c.terminals, sessionID)
	c.mu.Unlock()
	if t == nil {
		return
	}
	if err := c.snapshots.Save(sessionID, t.ScreenSnapshot()); err != nil {
		slog.Error("save screen snapshot failed", "session_id", sessionID, "error", err)
	}
	t.Stop()
	c.ack(sessionID, protocol.TypeCommandDisconnect, true)
	slog.Info("session detached", "session_id", sessionID)
}

func (c *Client) sendOutput(sessionID string, data []byte) {
	if err := c.send(&protocol.Message{
		Type:      protocol.TypeAgentSessionOutput,
		SessionID: sessionID,
		Data:      string(data),
	}); err != nil {
		slog.Debug("output send failed", "session_id", sessionID, "error", err)
	}
}

func (c *Client) sendSessionError(sessionID, errText string) {
	_ = c.send(&protocol.Message{
		Type:      protocol.TypeAgentSessionError,
		SessionID: sessionID,
		Error:     errText,
	})
}

func (c *Client) ack(sessionID, commandType string, ok bool) {
	_ = c.send(&protocol.Message{
		Type:        protocol.TypeAgentAck,
		SessionID:   sessionID,
		CommandType: commandType,
		Success:     &ok,
	})
}

func (c *Client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(c.heartbeatMessage()); err != nil {
				slog.Warn("heartbeat send failed", "error", err)
				return
			}
		}
	}
}

func (c *Client) heartbeatMessage() *protocol.Message {
	hostname, _ := os.Hostname()
	return &protocol.Message{
		Type:           protocol.TypeAgentHeartbeat,
		AgentID:        c.cfg.AgentID,
		ActiveSessions: c.announcedSessions(),
		SystemInfo: &protocol.SystemInfo{
			Hostname: hostname,
			Platform: runtime.GOOS,
			NumCPU:   runtime.NumCPU(),
		},
	}
}

func (c *Client) announcedSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.announced))
	for name := range c.announced {
		out = append(out, name)
	}
	return out
}

// watchSessions polls the local tmux server and announces sessions
// that appear or vanish. The first poll runs immediately so the
// gateway learns this host's sessions right after registration.
func (c *Client) watchSessions(ctx context.Context) {
	c.announceSessions(ctx)

	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.announceSessions(ctx)
		}
	}
}

func (c *Client) announceSessions(ctx context.Context) {
	sessions, err := tmux.ListSessions(ctx)
	if err != nil {
		slog.Warn("list tmux sessions failed", "error", err)
		return
	}

	current := make(map[string]struct{}, len(sessions))
	for _, s := range sessions {
		current[s.Name] = struct{}{}
	}

	c.mu.Lock()
	var started, ended []string
	for name := range current {
		if _, ok := c.announced[name]; !ok {
			started = append(started, name)
		}
	}
	for name := range c.announced {
		if _, ok := current[name]; !ok {
			ended = append(ended, name)
		}
	}
	for _, name := range started {
		c.announced[name] = struct{}{}
	}
	for _, name := range ended {
		delete(c.announced, name)
	}
	c.mu.Unlock()

	for _, name := range started {
		if err := c.send(&protocol.Message{
			Type:            protocol.TypeAgentSessionStart,
			SessionID:       name,
			ProjectID:       c.cfg.ProjectID,
			TmuxSessionName: name,
		}); err != nil {
			slog.Warn("announce session failed", "session_id", name, "error", err)
		} else {
			slog.Info("session announced", "session_id", name)
		}
	}
	for _, name := range ended {
		c.endSession(name, "tmux session ended")
	}
}

func (c *Client) endSession(sessionID, reason string) {
	c.mu.Lock()
	t := c.terminals[sessionID]
	delete(c.terminals, sessionID)
	c.mu.Unlock()
	if t != nil {
		t.Stop()
	}
	if err := c.snapshots.Remove(sessionID); err != nil {
		slog.Warn("remove screen snapshot failed", "session_id", sessionID, "error", err)
	}

	if err := c.send(&protocol.Message{
		Type:      protocol.TypeAgentSessionEnd,
		SessionID: sessionID,
		Reason:    reason,
	}); err != nil {
		slog.Warn("session end send failed", "session_id", sessionID, "error", err)
	} else {
		slog.Info("session ended", "session_id", sessionID, "reason", reason)
	}
}

// connectFn is a function that establishes a connection to the
// gateway. Used for dependency injection in tests.
type connectFn func(ctx context.Context) error

// ConnectWithReconnect wraps Connect with automatic reconnection using
// exponential backoff. Starts at 1s, doubles up to 60s, resets on
// successful connection lasting longer than resetThreshold.
func (c *Client) ConnectWithReconnect(ctx context.Context) {
	c.connectWithReconnect(ctx, c.Connect, newDefaultBackoff(), resetThreshold)
}

func (c *Client) connectWithReconnect(ctx context.Context, connect connectFn, bo backoff.BackOff, threshold time.Duration) {
	for {
		start := time.Now()
		err := connect(ctx)
		if ctx.Err() != nil {
			return
		}

		// A rejected secret cannot heal on retry. Give up so the
		// operator sees the failure instead of a silent retry loop.
		if errors.Is(err, errUnauthorized) {
			slog.Error("gateway rejected agent credentials, giving up", "error", err)
			return
		}

		// Sessions announced on the dropped connection must be
		// re-announced on the next one.
		c.mu.Lock()
		c.announced = make(map[string]struct{})
		c.mu.Unlock()

		// If connection lasted long enough, reset backoff.
		if time.Since(start) >= threshold {
			bo.Reset()
		}

		interval := bo.NextBackOff()
		slog.Warn("disconnected from gateway, reconnecting...", "error", err, "backoff", interval)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
