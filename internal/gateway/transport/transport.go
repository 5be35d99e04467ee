// Package transport opens gateway-initiated terminal connections to
// tmux sessions. Each connection kind attaches to an existing tmux
// session and exposes the same duplex surface: bytes in, bytes out,
// resize, close. Reverse-tunnel sessions are not opened here; the
// agent owns that leg and the router forwards over its socket instead.
package transport

import (
	"context"
	"fmt"

	"github.com/termgate/termgate/internal/gateway/location"
)

// TerminalConn is an open terminal connection. Write and Resize return
// an error once the connection is closed. Close is idempotent.
type TerminalConn interface {
	Write(data []byte) error
	Resize(cols, rows uint16) error
	Close() error
}

// Handlers receive connection lifecycle callbacks. OnData is called
// from the connection's read goroutine with a buffer the callee owns.
// OnClose fires exactly once when the remote side ends, and is not
// fired for a locally-initiated Close. Nil handlers are skipped.
type Handlers struct {
	OnData  func(data []byte)
	OnClose func()
	OnError func(err error)
}

const defaultTerm = "TERM=xterm-256color"

// Open establishes a terminal connection for the given location. The
// context bounds connection setup only; the returned connection lives
// until closed.
func Open(ctx context.Context, loc *location.SessionLocation, cols, rows uint16, h Handlers) (TerminalConn, error) {
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	switch loc.ConnectionType {
	case location.ConnectionLocal:
		return openLocal(loc, cols, rows, h)
	case location.ConnectionSSH:
		return openSSH(ctx, loc, cols, rows, h)
	case location.ConnectionDocker:
		return openDocker(ctx, loc, cols, rows, h)
	case location.ConnectionReverse:
		return nil, fmt.Errorf("reverse sessions are reached through the agent tunnel, not a gateway transport")
	default:
		return nil, fmt.Errorf("unknown connection type: %q", loc.ConnectionType)
	}
}

// attachArgs builds the tmux invocation that attaches to a target.
// -d detaches other clients so the session adopts this one's size.
func attachArgs(target string) []string {
	return []string{"attach-session", "-d", "-t", target}
}

const readBufSize = 32 * 1024

// pump copies reads into OnData until the stream ends, then fires
// OnClose. closed reports whether Close was called locally; errors
// after a local close are expected and not surfaced.
func pump(read func([]byte) (int, error), h Handlers, closed func() bool) {
	buf := make([]byte, readBufSize)
	for {
		n, err := read(buf)
		if n > 0 && h.OnData != nil {
			data := make([]byte, n)
			copy(data, buf[:n])
			h.OnData(data)
		}
		if err != nil {
			if !closed() {
				if h.OnError != nil && !isExpectedReadErr(err) {
					h.OnError(err)
				}
				if h.OnClose != nil {
					h.OnClose()
				}
			}
			return
		}
	}
}
