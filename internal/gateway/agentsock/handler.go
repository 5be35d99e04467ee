// Package agentsock serves the websocket endpoint reverse-tunnel
// agents dial in to. The first frame on every connection must be a
// registration; everything after that is session announcements, output
// relay, and heartbeats. The handler owns the agent sockets and keeps
// a socket per agent id so the router can push commands back out.
package agentsock

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/termgate/termgate/internal/gateway/agentreg"
	"github.com/termgate/termgate/internal/gateway/config"
	"github.com/termgate/termgate/internal/gateway/location"
	"github.com/termgate/termgate/internal/gateway/projects"
	"github.com/termgate/termgate/internal/gateway/wsconn"
	"github.com/termgate/termgate/internal/metrics"
	"github.com/termgate/termgate/internal/protocol"
	"github.com/termgate/termgate/internal/util/sanitize"
)

const (
	registerTimeout = 10 * time.Second
	maxNameLen      = 128
)

// Handler serves /ws/agent.
type Handler struct {
	cfg       *config.Config
	registry  *agentreg.Registry
	locations *location.Store
	projects  projects.Store
	log       *slog.Logger

	mu    sync.RWMutex
	conns map[string]*wsconn.Conn // agentID -> live socket
}

// New creates the agent socket handler.
func New(cfg *config.Config, registry *agentreg.Registry, locations *location.Store, proj projects.Store, log *slog.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		registry:  registry,
		locations: locations,
		projects:  proj,
		log:       log.With("component", "agentsock"),
		conns:     make(map[string]*wsconn.Conn),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug("accept failed", "error", err)
		return
	}
	conn := wsconn.New(ws, 0)
	defer conn.CloseNow()

	ctx := r.Context()

	// Registration must be the first frame.
	regCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	msg, err := conn.Read(regCtx)
	cancel()
	if err != nil {
		h.log.Debug("registration read failed", "conn", conn.ID(), "error", err)
		return
	}
	if msg.Type != protocol.TypeAgentRegister || msg.AgentID == "" {
		conn.Send(&protocol.Message{
			Type:  protocol.TypeGatewayError,
			Error: "Registration required",
		})
		_ = conn.Close(wsconn.ClosePolicyViolation, "registration required")
		return
	}

	agentID := sanitize.Name(msg.AgentID, maxNameLen)
	ok, devMode := h.cfg.CheckAgentSecret(agentID, msg.AgentSecret)
	if !ok {
		conn.Send(&protocol.Message{
			Type:  protocol.TypeGatewayError,
			Error: "Invalid agent credentials",
		})
		_ = conn.Close(wsconn.ClosePolicyViolation, "invalid credentials")
		h.log.Warn("agent rejected", "agent_id", agentID, "conn", conn.ID())
		return
	}
	if devMode {
		h.log.Warn("agent admitted without a configured secret", "agent_id", agentID)
	}

	h.adopt(agentID, conn)
	h.registry.RegisterAgent(agentID, conn)

	conn.Send(&protocol.Message{
		Type:    protocol.TypeAgentRegistered,
		AgentID: agentID,
		Message: "registered",
	})
	h.log.Info("agent connected",
		"agent_id", agentID,
		"conn", conn.ID(),
		"hostname", msg.Hostname,
		"platform", msg.Platform,
		"version", msg.Version,
	)

	h.readLoop(ctx, agentID, conn)

	if h.disown(agentID, conn) {
		h.registry.UnregisterAgent(agentID)
		h.deactivateAgentLocations(agentID)
		h.log.Info("agent disconnected", "agent_id", agentID, "conn", conn.ID())
	}
}

// adopt installs the socket for an agent id, closing a replaced one.
func (h *Handler) adopt(agentID string, conn *wsconn.Conn) {
	h.mu.Lock()
	old := h.conns[agentID]
	h.conns[agentID] = conn
	h.mu.Unlock()

	if old != nil {
		_ = old.Close(wsconn.CloseNormal, "replaced by new connection")
	}
}

// disown removes the socket if it is still the current one for the
// agent id, reporting whether this connection owned the registration.
func (h *Handler) disown(agentID string, conn *wsconn.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[agentID] != conn {
		return false
	}
	delete(h.conns, agentID)
	return true
}

func (h *Handler) readLoop(ctx context.Context, agentID string, conn *wsconn.Conn) {
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				h.log.Debug("agent read ended", "agent_id", agentID, "error", err)
			}
			return
		}
		metrics.AgentFramesIn.Inc()

		switch msg.Type {
		case protocol.TypeAgentHeartbeat:
			h.handleHeartbeat(ctx, agentID, conn)
		case protocol.TypeAgentSessionStart:
			h.handleSessionStart(ctx, agentID, msg)
		case protocol.TypeAgentSessionEnd:
			h.handleSessionEnd(ctx, agentID, msg)
		case protocol.TypeAgentSessionOutput:
			h.handleSessionOutput(agentID, msg)
		case protocol.TypeAgentSessionError:
			h.handleSessionError(agentID, msg)
		case protocol.TypeAgentAck:
			h.log.Debug("agent ack",
				"agent_id", agentID,
				"session_id", msg.SessionID,
				"command", msg.CommandType,
				"success", msg.Success != nil && *msg.Success,
			)
		default:
			h.log.Warn("unexpected agent message", "agent_id", agentID, "type", msg.Type)
		}
	}
}

func (h *Handler) handleHeartbeat(ctx context.Context, agentID string, conn *wsconn.Conn) {
	h.registry.UpdateHeartbeat(agentID)
	if err := h.locations.TouchHeartbeat(ctx, agentID); err != nil {
		h.log.Error("heartbeat persist failed", "agent_id", agentID, "error", err)
	}
	conn.Send(&protocol.Message{Type: protocol.TypeAgentPong})
	metrics.AgentFramesOut.Inc()
}

func (h *Handler) handleSessionStart(ctx context.Context, agentID string, msg *protocol.Message) {
	if msg.SessionID == "" {
		h.log.Warn("session start without session id", "agent_id", agentID)
		return
	}
	sessName := sanitize.Name(msg.TmuxSessionName, maxNameLen)
	winName := sanitize.Name(msg.TmuxWindowName, maxNameLen)

	if msg.ProjectID != "" {
		if err := h.projects.EnsureSession(ctx, msg.ProjectID, msg.SessionID); err != nil {
			h.log.Error("ensure session failed",
				"agent_id", agentID, "session_id", msg.SessionID, "error", err)
		}
	}

	if err := h.upsertLocation(ctx, agentID, msg.SessionID, msg.ProjectID, sessName, winName); err != nil {
		h.log.Error("persist session location failed",
			"agent_id", agentID, "session_id", msg.SessionID, "error", err)
	}

	target := (&location.SessionLocation{
		SessionID:       msg.SessionID,
		TmuxSessionName: sessName,
		TmuxWindowName:  winName,
	}).TmuxTarget()
	if err := h.registry.RegisterSession(agentID, msg.SessionID, target, msg.ProjectID); err != nil {
		h.log.Error("register session failed",
			"agent_id", agentID, "session_id", msg.SessionID, "error", err)
		return
	}
	h.log.Info("agent session started",
		"agent_id", agentID, "session_id", msg.SessionID, "target", target)
}

func (h *Handler) upsertLocation(ctx context.Context, agentID, sessionID, projectID, sessName, winName string) error {
	existing, err := h.locations.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if existing == nil {
		_, err = h.locations.Create(ctx, &location.SessionLocation{
			SessionID:       sessionID,
			ProjectID:       projectID,
			ConnectionType:  location.ConnectionReverse,
			TmuxSessionName: sessName,
			TmuxWindowName:  winName,
			ReverseAgentID:  agentID,
			Status:          location.StatusActive,
		})
		return err
	}
	_, err = h.locations.Update(ctx, sessionID, location.Patch{
		Status:          location.Ptr(location.StatusActive),
		ReverseAgentID:  location.Ptr(agentID),
		TmuxSessionName: location.Ptr(sessName),
		TmuxWindowName:  location.Ptr(winName),
	})
	return err
}

func (h *Handler) handleSessionEnd(ctx context.Context, agentID string, msg *protocol.Message) {
	if msg.SessionID == "" {
		return
	}
	h.registry.UnregisterSession(agentID, msg.SessionID)
	if _, err := h.locations.Update(ctx, msg.SessionID, location.Patch{
		Status: location.Ptr(location.StatusInactive),
	}); err != nil {
		h.log.Error("deactivate session location failed",
			"agent_id", agentID, "session_id", msg.SessionID, "error", err)
	}
	h.log.Info("agent session ended",
		"agent_id", agentID, "session_id", msg.SessionID, "reason", msg.Reason)
}

func (h *Handler) handleSessionOutput(agentID string, msg *protocol.Message) {
	if msg.SessionID == "" {
		return
	}
	if _, ok := h.registry.Owner(msg.SessionID); !ok {
		h.log.Warn("output for unregistered session dropped",
			"agent_id", agentID, "session_id", msg.SessionID)
		return
	}
	out := &protocol.Message{
		Type:      protocol.TypeTerminalOutput,
		SessionID: msg.SessionID,
		Data:      msg.Data,
	}
	for _, v := range h.registry.Viewers(msg.SessionID) {
		if v.Send(out) {
			metrics.ViewerFramesOut.Inc()
		}
	}
}

func (h *Handler) handleSessionError(agentID string, msg *protocol.Message) {
	if msg.SessionID == "" {
		return
	}
	errText := msg.Error
	if errText == "" {
		errText = msg.Message
	}
	out := &protocol.Message{
		Type:      protocol.TypeTerminalError,
		SessionID: msg.SessionID,
		Error:     errText,
	}
	for _, v := range h.registry.Viewers(msg.SessionID) {
		if v.Send(out) {
			metrics.ViewerFramesOut.Inc()
		}
	}
	h.log.Warn("agent session error",
		"agent_id", agentID, "session_id", msg.SessionID, "error", errText)
}

// deactivateAgentLocations marks every reverse location owned by the
// agent inactive after it disconnects.
func (h *Handler) deactivateAgentLocations(agentID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	locs, err := h.locations.List(ctx, location.Filter{
		ConnectionType: location.ConnectionReverse,
		Status:         location.StatusActive,
	})
	if err != nil {
		h.log.Error("list agent locations failed", "agent_id", agentID, "error", err)
		return
	}
	for _, loc := range locs {
		if loc.ReverseAgentID != agentID {
			continue
		}
		if _, err := h.locations.Update(ctx, loc.SessionID, location.Patch{
			Status: location.Ptr(location.StatusInactive),
		}); err != nil {
			h.log.Error("deactivate location failed",
				"agent_id", agentID, "session_id", loc.SessionID, "error", err)
		}
	}
}

// sendCommand pushes one command frame to an agent, reporting whether
// the agent had a live socket.
func (h *Handler) sendCommand(agentID string, msg *protocol.Message) bool {
	h.mu.RLock()
	conn := h.conns[agentID]
	h.mu.RUnlock()
	if conn == nil {
		return false
	}
	if conn.Send(msg) {
		metrics.AgentFramesOut.Inc()
		return true
	}
	return false
}

// SendConnect asks an agent to start streaming a session.
func (h *Handler) SendConnect(agentID, sessionID string, cols, rows int) bool {
	return h.sendCommand(agentID, &protocol.Message{
		Type:      protocol.TypeCommandConnect,
		SessionID: sessionID,
		Cols:      cols,
		Rows:      rows,
	})
}

// SendInput forwards viewer keystrokes to an agent session.
func (h *Handler) SendInput(agentID, sessionID, data string) bool {
	return h.sendCommand(agentID, &protocol.Message{
		Type:      protocol.TypeCommandInput,
		SessionID: sessionID,
		Data:      data,
	})
}

// SendResize forwards a viewer resize to an agent session.
func (h *Handler) SendResize(agentID, sessionID string, cols, rows int) bool {
	return h.sendCommand(agentID, &protocol.Message{
		Type:      protocol.TypeCommandResize,
		SessionID: sessionID,
		Cols:      cols,
		Rows:      rows,
	})
}

// SendDisconnect tells an agent to stop streaming a session.
func (h *Handler) SendDisconnect(agentID, sessionID string) bool {
	return h.sendCommand(agentID, &protocol.Message{
		Type:      protocol.TypeCommandDisconnect,
		SessionID: sessionID,
	})
}

// Kick closes an agent socket, for janitor reaping.
func (h *Handler) Kick(agentID string, reason string) {
	h.mu.Lock()
	conn := h.conns[agentID]
	delete(h.conns, agentID)
	h.mu.Unlock()
	if conn != nil {
		_ = conn.Close(wsconn.ClosePolicyViolation, reason)
	}
}

// Shutdown closes every agent socket.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	conns := make([]*wsconn.Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[string]*wsconn.Conn)
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(wsconn.CloseNormal, "gateway shutting down")
	}
}
