// Package router connects viewers to terminal sessions. It resolves a
// session id through the location registry, then either opens a
// gateway-side transport (local, ssh, docker) or forwards over the
// owning agent's tunnel. One ActiveSession entry exists per
// viewer+session pair; all teardown paths funnel through cleanup so
// disconnects are idempotent.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/termgate/termgate/internal/gateway/agentreg"
	"github.com/termgate/termgate/internal/gateway/config"
	"github.com/termgate/termgate/internal/gateway/location"
	"github.com/termgate/termgate/internal/gateway/transport"
	"github.com/termgate/termgate/internal/metrics"
	"github.com/termgate/termgate/internal/protocol"
	"github.com/termgate/termgate/internal/util/timefmt"
)

// Viewer is a connected viewer socket.
type Viewer interface {
	agentreg.ViewerConn
	ID() string
}

// AgentCommander pushes commands to connected agents. Send methods
// report false when the agent has no live socket.
type AgentCommander interface {
	SendConnect(agentID, sessionID string, cols, rows int) bool
	SendInput(agentID, sessionID, data string) bool
	SendResize(agentID, sessionID string, cols, rows int) bool
	SendDisconnect(agentID, sessionID string) bool
	Kick(agentID, reason string)
}

type activeKey struct {
	viewer    Viewer
	sessionID string
}

type activeSession struct {
	sessionID    string
	viewer       Viewer
	connType     location.ConnectionType
	agentID      string                 // reverse only
	term         transport.TerminalConn // direct only
	startedAt    time.Time
	lastActivity time.Time
}

// Router owns the viewer-to-session wiring.
type Router struct {
	cfg       *config.Config
	locations *location.Store
	registry  *agentreg.Registry
	agents    AgentCommander
	log       *slog.Logger

	// openTransport is swapped in tests.
	openTransport func(ctx context.Context, loc *location.SessionLocation, cols, rows uint16, h transport.Handlers) (transport.TerminalConn, error)

	mu     sync.Mutex
	active map[activeKey]*activeSession

	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New creates the router and installs its registry event handlers.
func New(cfg *config.Config, locations *location.Store, registry *agentreg.Registry, agents AgentCommander, log *slog.Logger) *Router {
	r := &Router{
		cfg:           cfg,
		locations:     locations,
		registry:      registry,
		agents:        agents,
		log:           log.With("component", "router"),
		openTransport: transport.Open,
		active:        make(map[activeKey]*activeSession),
	}
	registry.OnEvents(agentreg.Events{
		SessionEnded: r.onSessionEnded,
	})
	return r
}

// onSessionEnded notifies the viewers that were attached to a dropped
// agent session and forgets their active entries. A session lost
// because the agent went away (socket closed, timed out, or replaced
// by a reconnect) is an error for its viewers; only a clean session
// end from the agent is a plain disconnected status.
func (r *Router) onSessionEnded(agentID, sessionID string, viewers []agentreg.ViewerConn, reason string) {
	var msg *protocol.Message
	switch reason {
	case agentreg.ReasonAgentTimeout:
		msg = &protocol.Message{
			Type:      protocol.TypeTerminalError,
			SessionID: sessionID,
			Error:     "Agent timed out",
		}
	case agentreg.ReasonAgentDisconnected:
		msg = &protocol.Message{
			Type:      protocol.TypeTerminalError,
			SessionID: sessionID,
			Error:     "Agent disconnected",
		}
	case agentreg.ReasonAgentReplaced:
		msg = &protocol.Message{
			Type:      protocol.TypeTerminalError,
			SessionID: sessionID,
			Error:     "Agent reconnected",
		}
	default:
		msg = &protocol.Message{
			Type:      protocol.TypeTerminalStatus,
			SessionID: sessionID,
			Status:    protocol.StatusDisconnected,
			Message:   reason,
		}
	}

	for _, vc := range viewers {
		if vc.Send(msg) {
			metrics.ViewerFramesOut.Inc()
		}
		if v, ok := vc.(Viewer); ok {
			r.mu.Lock()
			if _, exists := r.active[activeKey{v, sessionID}]; exists {
				delete(r.active, activeKey{v, sessionID})
				metrics.ActiveSessions.WithLabelValues(string(location.ConnectionReverse)).Dec()
			}
			r.mu.Unlock()
		}
	}
}

// Connect attaches a viewer to a session. Reconnecting an already
// attached pair tears down the old attachment first.
func (r *Router) Connect(ctx context.Context, v Viewer, sessionID string, cols, rows int) {
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	key := activeKey{v, sessionID}

	r.mu.Lock()
	old := r.active[key]
	delete(r.active, key)
	r.mu.Unlock()
	if old != nil {
		r.teardown(old, false)
	}

	loc, err := r.locations.Get(ctx, sessionID)
	if err != nil {
		r.log.Error("location lookup failed", "session_id", sessionID, "error", err)
		r.sendError(v, sessionID, "Failed to look up session location")
		return
	}
	if loc == nil {
		r.sendError(v, sessionID, "Session location not found")
		return
	}

	r.sendStatus(v, sessionID, protocol.StatusConnecting, "", "")

	if loc.ConnectionType == location.ConnectionReverse {
		r.connectReverse(ctx, v, loc, cols, rows)
		return
	}
	r.connectDirect(ctx, v, loc, cols, rows)
}

func (r *Router) connectReverse(ctx context.Context, v Viewer, loc *location.SessionLocation, cols, rows int) {
	sessionID := loc.SessionID
	agentID := loc.ReverseAgentID

	if agentID == "" || !r.registry.IsOnline(agentID) {
		r.sendError(v, sessionID, "Agent is not currently online")
		return
	}
	if !r.registry.AttachViewer(sessionID, v) {
		r.sendError(v, sessionID, "Session is not available on the agent")
		return
	}
	if !r.agents.SendConnect(agentID, sessionID, cols, rows) {
		r.registry.DetachViewer(sessionID, v)
		r.sendError(v, sessionID, "Agent is not currently online")
		return
	}

	now := time.Now()
	r.mu.Lock()
	r.active[activeKey{v, sessionID}] = &activeSession{
		sessionID:    sessionID,
		viewer:       v,
		connType:     location.ConnectionReverse,
		agentID:      agentID,
		startedAt:    now,
		lastActivity: now,
	}
	r.mu.Unlock()
	metrics.ActiveSessions.WithLabelValues(string(location.ConnectionReverse)).Inc()

	r.sendStatus(v, sessionID, protocol.StatusConnected, agentID, "")
	r.markVerified(ctx, sessionID)
	r.log.Info("viewer connected",
		"viewer", v.ID(), "session_id", sessionID, "type", "reverse", "agent_id", agentID)
}

func (r *Router) connectDirect(ctx context.Context, v Viewer, loc *location.SessionLocation, cols, rows int) {
	sessionID := loc.SessionID

	handlers := transport.Handlers{
		OnData: func(data []byte) {
			out := &protocol.Message{
				Type:      protocol.TypeTerminalOutput,
				SessionID: sessionID,
				Data:      string(data),
			}
			if v.Send(out) {
				metrics.ViewerFramesOut.Inc()
			}
		},
		OnClose: func() {
			r.transportClosed(v, sessionID)
		},
		OnError: func(err error) {
			r.sendError(v, sessionID, err.Error())
		},
	}

	term, err := r.openTransport(ctx, loc, uint16(cols), uint16(rows), handlers)
	if err != nil {
		r.log.Warn("transport open failed",
			"session_id", sessionID, "type", loc.ConnectionType, "error", err)
		r.sendError(v, sessionID, "Failed to connect: "+err.Error())
		r.patchStatus(ctx, sessionID, location.StatusError)
		return
	}

	now := time.Now()
	r.mu.Lock()
	r.active[activeKey{v, sessionID}] = &activeSession{
		sessionID:    sessionID,
		viewer:       v,
		connType:     loc.ConnectionType,
		term:         term,
		startedAt:    now,
		lastActivity: now,
	}
	r.mu.Unlock()
	metrics.ActiveSessions.WithLabelValues(string(loc.ConnectionType)).Inc()

	r.sendStatus(v, sessionID, protocol.StatusConnected, "", "")
	r.markVerified(ctx, sessionID)
	r.log.Info("viewer connected",
		"viewer", v.ID(), "session_id", sessionID, "type", loc.ConnectionType)
}

// Input forwards viewer keystrokes to the session's terminal.
func (r *Router) Input(v Viewer, sessionID, data string) {
	as := r.touch(v, sessionID)
	if as == nil {
		r.sendError(v, sessionID, "No active connection for session")
		return
	}
	if as.connType == location.ConnectionReverse {
		if !r.agents.SendInput(as.agentID, sessionID, data) {
			r.sendError(v, sessionID, "Agent is not currently online")
			r.Disconnect(context.Background(), v, sessionID)
		}
		return
	}
	if err := as.term.Write([]byte(data)); err != nil {
		r.sendError(v, sessionID, "Failed to write to terminal")
	}
}

// Resize forwards a viewer resize to the session's terminal.
func (r *Router) Resize(v Viewer, sessionID string, cols, rows int) {
	as := r.touch(v, sessionID)
	if as == nil {
		r.sendError(v, sessionID, "No active connection for session")
		return
	}
	if as.connType == location.ConnectionReverse {
		if !r.agents.SendResize(as.agentID, sessionID, cols, rows) {
			r.sendError(v, sessionID, "Agent is not currently online")
			r.Disconnect(context.Background(), v, sessionID)
		}
		return
	}
	if err := as.term.Resize(uint16(cols), uint16(rows)); err != nil {
		r.log.Debug("resize failed", "session_id", sessionID, "error", err)
	}
}

// Disconnect detaches a viewer from a session. Idempotent; the viewer
// always receives a disconnected status.
func (r *Router) Disconnect(ctx context.Context, v Viewer, sessionID string) {
	key := activeKey{v, sessionID}
	r.mu.Lock()
	as := r.active[key]
	delete(r.active, key)
	r.mu.Unlock()

	if as != nil {
		r.teardown(as, true)
	}
	r.sendStatus(v, sessionID, protocol.StatusDisconnected, "", "disconnected")
}

// ViewerClosed releases everything a closing viewer socket held.
func (r *Router) ViewerClosed(v Viewer) {
	r.mu.Lock()
	var held []*activeSession
	for key, as := range r.active {
		if key.viewer == v {
			held = append(held, as)
			delete(r.active, key)
		}
	}
	r.mu.Unlock()

	for _, as := range held {
		r.teardown(as, true)
	}
	r.registry.DetachViewerEverywhere(v)
}

// transportClosed handles the remote end of a direct session going
// away.
func (r *Router) transportClosed(v Viewer, sessionID string) {
	key := activeKey{v, sessionID}
	r.mu.Lock()
	as := r.active[key]
	delete(r.active, key)
	r.mu.Unlock()
	if as == nil {
		return
	}

	metrics.ActiveSessions.WithLabelValues(string(as.connType)).Dec()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.patchStatus(ctx, sessionID, location.StatusInactive)
	r.sendStatus(v, sessionID, protocol.StatusDisconnected, "", "terminal closed")
	r.log.Info("terminal closed", "viewer", v.ID(), "session_id", sessionID)
}

// teardown releases an active session's resources. Storage failures
// are logged, never fatal.
func (r *Router) teardown(as *activeSession, markInactive bool) {
	metrics.ActiveSessions.WithLabelValues(string(as.connType)).Dec()

	if as.connType == location.ConnectionReverse {
		r.registry.DetachViewer(as.sessionID, as.viewer)
		if len(r.registry.Viewers(as.sessionID)) == 0 {
			r.agents.SendDisconnect(as.agentID, as.sessionID)
		}
		return
	}

	if err := as.term.Close(); err != nil {
		r.log.Debug("terminal close failed", "session_id", as.sessionID, "error", err)
	}
	if markInactive {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.patchStatus(ctx, as.sessionID, location.StatusInactive)
	}
}

func (r *Router) touch(v Viewer, sessionID string) *activeSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	as := r.active[activeKey{v, sessionID}]
	if as != nil {
		as.lastActivity = time.Now()
	}
	return as
}

func (r *Router) sendError(v Viewer, sessionID, text string) {
	if v.Send(&protocol.Message{
		Type:      protocol.TypeTerminalError,
		SessionID: sessionID,
		Error:     text,
	}) {
		metrics.ViewerFramesOut.Inc()
	}
}

func (r *Router) sendStatus(v Viewer, sessionID, status, agentID, message string) {
	if v.Send(&protocol.Message{
		Type:      protocol.TypeTerminalStatus,
		SessionID: sessionID,
		Status:    status,
		AgentID:   agentID,
		Message:   message,
	}) {
		metrics.ViewerFramesOut.Inc()
	}
}

func (r *Router) markVerified(ctx context.Context, sessionID string) {
	if _, err := r.locations.Update(ctx, sessionID, location.Patch{
		Status:         location.Ptr(location.StatusActive),
		LastVerifiedAt: location.Ptr(timefmt.NowMillis()),
	}); err != nil {
		r.log.Error("mark verified failed", "session_id", sessionID, "error", err)
	}
}

func (r *Router) patchStatus(ctx context.Context, sessionID string, status location.Status) {
	if _, err := r.locations.Update(ctx, sessionID, location.Patch{
		Status: location.Ptr(status),
	}); err != nil {
		r.log.Error("status update failed",
			"session_id", sessionID, "status", status, "error", err)
	}
}

// StartJanitor begins the periodic reaping loop.
func (r *Router) StartJanitor() {
	r.janitorStop = make(chan struct{})
	r.janitorDone = make(chan struct{})
	go func() {
		defer close(r.janitorDone)
		ticker := time.NewTicker(r.cfg.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.janitorStop:
				return
			case <-ticker.C:
				r.janitorPass()
			}
		}
	}()
}

// StopJanitor stops the reaping loop and waits for it to exit.
func (r *Router) StopJanitor() {
	if r.janitorStop == nil {
		return
	}
	close(r.janitorStop)
	<-r.janitorDone
}

// janitorPass reaps silent agents and deactivates location rows whose
// agent stopped heartbeating, including rows orphaned by a crash.
func (r *Router) janitorPass() {
	reaped := r.registry.Cleanup(r.cfg.HeartbeatTimeout)
	for _, agentID := range reaped {
		r.agents.Kick(agentID, "heartbeat timeout")
		r.log.Warn("agent reaped", "agent_id", agentID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	stale, err := r.locations.ListStale(ctx, time.Now().Add(-r.cfg.HeartbeatTimeout))
	if err != nil {
		r.log.Error("stale location scan failed", "error", err)
		return
	}
	for _, loc := range stale {
		r.patchStatus(ctx, loc.SessionID, location.StatusInactive)
		r.log.Info("stale location deactivated",
			"session_id", loc.SessionID, "agent_id", loc.ReverseAgentID)
	}
}

// SessionStat is one active viewer attachment in a stats snapshot.
type SessionStat struct {
	SessionID      string `json:"session_id"`
	ViewerID       string `json:"viewer_id"`
	ConnectionType string `json:"connection_type"`
	AgentID        string `json:"agent_id,omitempty"`
	StartedAt      string `json:"started_at"`
	LastActivity   string `json:"last_activity"`
}

// Stats is the /api/stats payload.
type Stats struct {
	ConnectedAgents []agentreg.AgentSummary `json:"connected_agents"`
	ActiveSessions  []SessionStat           `json:"active_sessions"`
	ViewerCount     int                     `json:"viewer_count"`
}

// Snapshot returns current routing state.
func (r *Router) Snapshot() Stats {
	r.mu.Lock()
	sessions := make([]SessionStat, 0, len(r.active))
	viewers := make(map[Viewer]struct{})
	for _, as := range r.active {
		viewers[as.viewer] = struct{}{}
		sessions = append(sessions, SessionStat{
			SessionID:      as.sessionID,
			ViewerID:       as.viewer.ID(),
			ConnectionType: string(as.connType),
			AgentID:        as.agentID,
			StartedAt:      timefmt.Format(as.startedAt),
			LastActivity:   timefmt.Format(as.lastActivity),
		})
	}
	viewerCount := len(viewers)
	r.mu.Unlock()

	return Stats{
		ConnectedAgents: r.registry.Snapshot(),
		ActiveSessions:  sessions,
		ViewerCount:     viewerCount,
	}
}

// Shutdown tears down every active session.
func (r *Router) Shutdown() {
	r.mu.Lock()
	held := make([]*activeSession, 0, len(r.active))
	for _, as := range r.active {
		held = append(held, as)
	}
	r.active = make(map[activeKey]*activeSession)
	r.mu.Unlock()

	for _, as := range held {
		r.teardown(as, true)
	}
}
