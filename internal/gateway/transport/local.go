package transport

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/termgate/termgate/internal/gateway/location"
)

// localConn attaches to a tmux session on the gateway host through a
// PTY running the tmux client.
type localConn struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu      sync.Mutex
	stopped bool
}

func openLocal(loc *location.SessionLocation, cols, rows uint16, h Handlers) (TerminalConn, error) {
	target := loc.TmuxTarget()

	cmd := exec.Command("tmux", attachArgs(target)...)
	cmd.Env = append(os.Environ(), defaultTerm)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("attach local tmux session %q: %w", target, err)
	}

	c := &localConn{cmd: cmd, ptmx: ptmx}
	go pump(ptmx.Read, h, c.isStopped)
	go func() {
		// Reap the tmux client; the pump observes the PTY EOF.
		_ = cmd.Wait()
	}()

	slog.Debug("local tmux attach started", "target", target, "pid", cmd.Process.Pid)
	return c, nil
}

func (c *localConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("connection closed")
	}
	_, err := c.ptmx.Write(data)
	return err
}

func (c *localConn) Resize(cols, rows uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("connection closed")
	}
	return pty.Setsize(c.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (c *localConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true

	err := c.ptmx.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	return err
}

func (c *localConn) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// isExpectedReadErr filters read errors that just mean the terminal
// ended: EOF, and EIO from a PTY whose slave side is gone.
func isExpectedReadErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, fs.ErrClosed) {
		return true
	}
	return errors.Is(err, syscall.EIO)
}
