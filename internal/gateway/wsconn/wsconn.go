// Package wsconn wraps a websocket connection with the framing both
// protocol surfaces share: one JSON message per text frame, serialized
// writes, and a backlog limit that disconnects peers who stop reading.
package wsconn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/termgate/termgate/internal/gateway/id"
	"github.com/termgate/termgate/internal/protocol"
)

const writeTimeout = 10 * time.Second

// Close codes beyond the RFC 6455 set.
const (
	ClosePolicyViolation = 1008
	CloseNormal          = 1000
)

// Conn is a framed websocket connection. Safe for concurrent use.
type Conn struct {
	ws *websocket.Conn
	id string

	// pending counts bytes queued behind the write mutex. When it
	// crosses highWater the peer has stopped reading and the
	// connection is cut rather than letting memory grow.
	pending   atomic.Int64
	highWater int64

	writeMu sync.Mutex
	closed  atomic.Bool
}

// New wraps an accepted websocket connection. highWater of 0 disables
// the backlog limit.
func New(ws *websocket.Conn, highWater int64) *Conn {
	return &Conn{ws: ws, id: id.Short(), highWater: highWater}
}

// ID is a per-connection identifier used in logs.
func (c *Conn) ID() string { return c.id }

// Send stamps, encodes, and writes one message as a text frame.
// Returns false if the connection is closed, the write fails, or the
// write backlog crossed the high-water mark; the connection is torn
// down in the latter cases and the caller just stops using it.
func (c *Conn) Send(msg *protocol.Message) bool {
	if c.closed.Load() {
		return false
	}

	data, err := protocol.Encode(protocol.Stamp(msg))
	if err != nil {
		return false
	}

	if n := c.pending.Add(int64(len(data))); c.highWater > 0 && n > c.highWater {
		c.pending.Add(-int64(len(data)))
		_ = c.Close(ClosePolicyViolation, "write backlog exceeded")
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	defer c.pending.Add(-int64(len(data)))

	if c.closed.Load() {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		c.closed.Store(true)
		_ = c.ws.CloseNow()
		return false
	}
	return true
}

// Read blocks for the next message. Binary frames and frames that do
// not decode to a typed message are errors.
func (c *Conn) Read(ctx context.Context) (*protocol.Message, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return nil, fmt.Errorf("expected text frame, got %v", typ)
	}
	return protocol.Decode(data)
}

// Close performs a websocket close handshake with the given code.
// Idempotent; later calls return nil.
func (c *Conn) Close(code int, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.ws.Close(websocket.StatusCode(code), reason)
}

// CloseNow tears the connection down without a close handshake.
func (c *Conn) CloseNow() {
	c.closed.Store(true)
	_ = c.ws.CloseNow()
}

// Closed reports whether the connection has been closed.
func (c *Conn) Closed() bool { return c.closed.Load() }
