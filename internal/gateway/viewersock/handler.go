// Package viewersock serves the websocket endpoint browser viewers
// connect to. It enforces the per-socket ordering rule (connect before
// input, resize, or disconnect for a session) and hands everything
// else to the router.
package viewersock

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/termgate/termgate/internal/gateway/config"
	"github.com/termgate/termgate/internal/gateway/router"
	"github.com/termgate/termgate/internal/gateway/wsconn"
	"github.com/termgate/termgate/internal/metrics"
	"github.com/termgate/termgate/internal/protocol"
)

// Handler serves /ws/terminal.
type Handler struct {
	cfg    *config.Config
	router *router.Router
	log    *slog.Logger

	mu    sync.Mutex
	conns map[*wsconn.Conn]struct{}
}

// New creates the viewer socket handler.
func New(cfg *config.Config, r *router.Router, log *slog.Logger) *Handler {
	return &Handler{
		cfg:    cfg,
		router: r,
		log:    log.With("component", "viewersock"),
		conns:  make(map[*wsconn.Conn]struct{}),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Viewers are browsers on arbitrary origins; the session id is
		// the capability.
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Debug("accept failed", "error", err)
		return
	}
	conn := wsconn.New(ws, h.cfg.ViewerWriteHighWater)
	defer conn.CloseNow()

	h.track(conn, true)
	defer h.track(conn, false)

	metrics.ConnectedViewers.Inc()
	defer metrics.ConnectedViewers.Dec()

	h.log.Info("viewer connected", "viewer", conn.ID())
	defer h.log.Info("viewer disconnected", "viewer", conn.ID())

	// Sessions this socket has connected to, enforcing ordering.
	connected := make(map[string]struct{})
	defer h.router.ViewerClosed(conn)

	ctx := r.Context()
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				h.log.Debug("viewer read ended", "viewer", conn.ID(), "error", err)
			}
			return
		}
		metrics.ViewerFramesIn.Inc()

		if msg.SessionID == "" {
			conn.Send(&protocol.Message{
				Type:  protocol.TypeGatewayError,
				Error: "session_id is required",
			})
			continue
		}

		switch msg.Type {
		case protocol.TypeTerminalConnect:
			connected[msg.SessionID] = struct{}{}
			h.router.Connect(ctx, conn, msg.SessionID, msg.Cols, msg.Rows)

		case protocol.TypeTerminalInput:
			if !h.requireConnected(conn, connected, msg.SessionID) {
				continue
			}
			h.router.Input(conn, msg.SessionID, msg.Data)

		case protocol.TypeTerminalResize:
			if !h.requireConnected(conn, connected, msg.SessionID) {
				continue
			}
			h.router.Resize(conn, msg.SessionID, msg.Cols, msg.Rows)

		case protocol.TypeTerminalDisconnect:
			if !h.requireConnected(conn, connected, msg.SessionID) {
				continue
			}
			delete(connected, msg.SessionID)
			h.router.Disconnect(ctx, conn, msg.SessionID)

		default:
			h.log.Warn("unexpected viewer message", "viewer", conn.ID(), "type", msg.Type)
			conn.Send(&protocol.Message{
				Type:  protocol.TypeGatewayError,
				Error: "Unsupported message type: " + msg.Type,
			})
		}
	}
}

// requireConnected rejects frames for sessions this socket never
// connected to.
func (h *Handler) requireConnected(conn *wsconn.Conn, connected map[string]struct{}, sessionID string) bool {
	if _, ok := connected[sessionID]; ok {
		return true
	}
	conn.Send(&protocol.Message{
		Type:      protocol.TypeTerminalError,
		SessionID: sessionID,
		Error:     "Connect to the session first",
	})
	return false
}

func (h *Handler) track(conn *wsconn.Conn, add bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if add {
		h.conns[conn] = struct{}{}
	} else {
		delete(h.conns, conn)
	}
}

// Shutdown closes every viewer socket.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	conns := make([]*wsconn.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = make(map[*wsconn.Conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close(wsconn.CloseNormal, "gateway shutting down")
	}
}
