// Package agentreg tracks connected reverse-tunnel agents, the
// sessions they host, and the viewer sockets fanned out to per
// session. It is in-memory only and holds the gateway's hottest shared
// state: every mutation keeps the agent→sessions map and the
// session→agent reverse index consistent under one lock.
//
// The registry stores socket handles but never calls into them; event
// callbacks fire after the lock is released so the protocol handlers
// and router can act on sockets without holding registry state.
package agentreg

import (
	"sync"
	"time"

	"github.com/termgate/termgate/internal/metrics"
	"github.com/termgate/termgate/internal/protocol"
)

// ViewerConn is the viewer socket handle kept in fan-out sets. Send
// reports false when the socket is already closed; senders drop
// silently in that case.
type ViewerConn interface {
	Send(msg *protocol.Message) bool
}

// AgentConn is the agent socket handle kept per registration. The
// registry never invokes it; it is surfaced through events so the
// protocol handler can close a replaced or reaped socket.
type AgentConn interface {
	Close(code int, reason string) error
}

// SessionInfo describes one session hosted by a connected agent.
type SessionInfo struct {
	SessionID  string
	TmuxTarget string
	ProjectID  string
	viewers    map[ViewerConn]struct{}
}

// ConnectedAgent is one registered agent connection.
type ConnectedAgent struct {
	AgentID       string
	Conn          AgentConn
	ConnectedAt   time.Time
	lastHeartbeat time.Time
	sessions      map[string]*SessionInfo
}

// Reasons attached to SessionEnded events.
const (
	ReasonAgentDisconnected = "agent disconnected"
	ReasonAgentTimeout      = "agent timed out"
	ReasonAgentReplaced     = "agent reconnected"
	ReasonSessionEnded      = "session ended"
)

// Events are callbacks fired after registry mutations, outside the
// registry lock, in mutation order. Nil callbacks are skipped.
type Events struct {
	AgentConnected    func(agentID string)
	AgentDisconnected func(agentID string, conn AgentConn)
	SessionStarted    func(agentID, sessionID string)
	// SessionEnded receives the viewers that were attached when the
	// session was dropped; closing or notifying them is the caller's
	// responsibility.
	SessionEnded func(agentID, sessionID string, viewers []ViewerConn, reason string)
}

// Registry is the in-memory agent directory. Thread-safe.
type Registry struct {
	mu           sync.RWMutex
	agents       map[string]*ConnectedAgent
	sessionOwner map[string]string // sessionID -> agentID reverse index
	events       Events
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		agents:       make(map[string]*ConnectedAgent),
		sessionOwner: make(map[string]string),
	}
}

// OnEvents installs the event callbacks. Must be called before the
// registry receives traffic.
func (r *Registry) OnEvents(ev Events) {
	r.events = ev
}

// RegisterAgent adds an agent connection. A live registration with the
// same id is torn down first: its sessions are unregistered and its
// socket handle is handed to the AgentDisconnected event.
func (r *Registry) RegisterAgent(agentID string, conn AgentConn) {
	fire := r.unregisterLocked(agentID, ReasonAgentReplaced)

	r.mu.Lock()
	now := time.Now()
	r.agents[agentID] = &ConnectedAgent{
		AgentID:       agentID,
		Conn:          conn,
		ConnectedAt:   now,
		lastHeartbeat: now,
		sessions:      make(map[string]*SessionInfo),
	}
	r.mu.Unlock()

	metrics.ConnectedAgents.Inc()
	fire()
	if r.events.AgentConnected != nil {
		r.events.AgentConnected(agentID)
	}
}

// UnregisterAgent removes an agent and all its sessions. Idempotent.
func (r *Registry) UnregisterAgent(agentID string) {
	r.unregisterLocked(agentID, ReasonAgentDisconnected)()
}

// unregisterLocked removes the agent under the lock and returns a
// closure that fires the resulting events once the caller is ready.
func (r *Registry) unregisterLocked(agentID, reason string) func() {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return func() {}
	}

	type ended struct {
		sessionID string
		viewers   []ViewerConn
	}
	var endedSessions []ended
	for sid, info := range a.sessions {
		delete(r.sessionOwner, sid)
		endedSessions = append(endedSessions, ended{sid, viewerList(info)})
		info.viewers = nil
	}
	conn := a.Conn
	delete(r.agents, agentID)
	r.mu.Unlock()

	metrics.ConnectedAgents.Dec()
	return func() {
		for _, e := range endedSessions {
			if r.events.SessionEnded != nil {
				r.events.SessionEnded(agentID, e.sessionID, e.viewers, reason)
			}
		}
		if r.events.AgentDisconnected != nil {
			r.events.AgentDisconnected(agentID, conn)
		}
	}
}

// ErrUnknownAgent is returned when a session references an agent that
// is not registered.
type ErrUnknownAgent struct{ AgentID string }

func (e *ErrUnknownAgent) Error() string { return "unknown agent: " + e.AgentID }

// RegisterSession records a session hosted by a registered agent and
// updates the reverse index.
func (r *Registry) RegisterSession(agentID, sessionID, tmuxTarget, projectID string) error {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return &ErrUnknownAgent{AgentID: agentID}
	}
	if existing, exists := a.sessions[sessionID]; exists {
		// Re-announce after reconnect: refresh the target, keep viewers.
		existing.TmuxTarget = tmuxTarget
		existing.ProjectID = projectID
		r.mu.Unlock()
		return nil
	}
	a.sessions[sessionID] = &SessionInfo{
		SessionID:  sessionID,
		TmuxTarget: tmuxTarget,
		ProjectID:  projectID,
		viewers:    make(map[ViewerConn]struct{}),
	}
	r.sessionOwner[sessionID] = agentID
	r.mu.Unlock()

	if r.events.SessionStarted != nil {
		r.events.SessionStarted(agentID, sessionID)
	}
	return nil
}

// UnregisterSession drops a session from both indices and empties its
// viewer set. Idempotent.
func (r *Registry) UnregisterSession(agentID, sessionID string) {
	r.mu.Lock()
	a, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return
	}
	info, exists := a.sessions[sessionID]
	if !exists {
		r.mu.Unlock()
		return
	}
	viewers := viewerList(info)
	info.viewers = nil
	delete(a.sessions, sessionID)
	delete(r.sessionOwner, sessionID)
	r.mu.Unlock()

	if r.events.SessionEnded != nil {
		r.events.SessionEnded(agentID, sessionID, viewers, ReasonSessionEnded)
	}
}

// AttachViewer adds a viewer to a session's fan-out set. Returns false
// if the session is not registered.
func (r *Registry) AttachViewer(sessionID string, v ViewerConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := r.sessionLocked(sessionID)
	if info == nil {
		return false
	}
	info.viewers[v] = struct{}{}
	return true
}

// DetachViewer removes a viewer from a session's fan-out set.
// Idempotent.
func (r *Registry) DetachViewer(sessionID string, v ViewerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info := r.sessionLocked(sessionID); info != nil {
		delete(info.viewers, v)
	}
}

// DetachViewerEverywhere removes a viewer from every fan-out set.
// Called when a viewer socket closes.
func (r *Registry) DetachViewerEverywhere(v ViewerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		for _, info := range a.sessions {
			delete(info.viewers, v)
		}
	}
}

// Viewers returns a snapshot of the viewers attached to a session.
func (r *Registry) Viewers(sessionID string) []ViewerConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info := r.sessionLocked(sessionID)
	if info == nil {
		return nil
	}
	return viewerList(info)
}

// Session returns a copy of the SessionInfo for a session id, or nil.
func (r *Registry) Session(sessionID string) *SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info := r.sessionLocked(sessionID)
	if info == nil {
		return nil
	}
	return &SessionInfo{
		SessionID:  info.SessionID,
		TmuxTarget: info.TmuxTarget,
		ProjectID:  info.ProjectID,
	}
}

// Owner returns the agent id hosting a session.
func (r *Registry) Owner(sessionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agentID, ok := r.sessionOwner[sessionID]
	return agentID, ok
}

// IsOnline reports whether an agent is currently registered.
func (r *Registry) IsOnline(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// SessionsOf returns the session ids hosted by an agent.
func (r *Registry) SessionsOf(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(a.sessions))
	for sid := range a.sessions {
		out = append(out, sid)
	}
	return out
}

// UpdateHeartbeat refreshes an agent's liveness timestamp.
func (r *Registry) UpdateHeartbeat(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		a.lastHeartbeat = time.Now()
	}
}

// LastHeartbeat returns an agent's last liveness timestamp.
func (r *Registry) LastHeartbeat(agentID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return time.Time{}, false
	}
	return a.lastHeartbeat, true
}

// Cleanup removes every agent whose last heartbeat is older than
// now−timeout and returns their ids so the router can notify viewers.
func (r *Registry) Cleanup(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout)

	r.mu.RLock()
	var stale []string
	for id, a := range r.agents {
		if a.lastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		metrics.AgentsReaped.Inc()
		r.unregisterLocked(id, ReasonAgentTimeout)()
	}
	return stale
}

// AgentSummary is a point-in-time view of one connected agent.
type AgentSummary struct {
	AgentID       string    `json:"agent_id"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	SessionCount  int       `json:"session_count"`
}

// Snapshot returns summaries of all connected agents.
func (r *Registry) Snapshot() []AgentSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AgentSummary, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, AgentSummary{
			AgentID:       a.AgentID,
			ConnectedAt:   a.ConnectedAt,
			LastHeartbeat: a.lastHeartbeat,
			SessionCount:  len(a.sessions),
		})
	}
	return out
}

func (r *Registry) sessionLocked(sessionID string) *SessionInfo {
	agentID, ok := r.sessionOwner[sessionID]
	if !ok {
		return nil
	}
	a, ok := r.agents[agentID]
	if !ok {
		return nil
	}
	return a.sessions[sessionID]
}

func viewerList(info *SessionInfo) []ViewerConn {
	out := make([]ViewerConn, 0, len(info.viewers))
	for v := range info.viewers {
		out = append(out, v)
	}
	return out
}
