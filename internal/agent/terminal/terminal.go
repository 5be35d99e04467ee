// Package terminal runs a tmux client inside a PTY so a remote viewer
// can see and drive a session on this host. Recent output is kept in a
// ring buffer so a reconnecting viewer can be caught up without
// replaying the whole history.
package terminal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

const screenBufferSize = 100 * 1024 // ring buffer for screen restore

// ScreenBuffer is a thread-safe ring buffer of recent PTY output.
type ScreenBuffer struct {
	mu   sync.Mutex
	buf  []byte
	pos  int
	full bool
}

// NewScreenBuffer creates an empty screen buffer.
func NewScreenBuffer() *ScreenBuffer {
	return &ScreenBuffer{buf: make([]byte, screenBufferSize)}
}

// Write appends data to the ring buffer.
func (sb *ScreenBuffer) Write(data []byte) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	for len(data) > 0 {
		n := copy(sb.buf[sb.pos:], data)
		data = data[n:]
		sb.pos += n
		if sb.pos >= len(sb.buf) {
			sb.pos = 0
			sb.full = true
		}
	}
}

// Snapshot returns a copy of the buffered data in chronological order.
func (sb *ScreenBuffer) Snapshot() []byte {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if !sb.full {
		out := make([]byte, sb.pos)
		copy(out, sb.buf[:sb.pos])
		return out
	}
	out := make([]byte, len(sb.buf))
	n := copy(out, sb.buf[sb.pos:])
	copy(out[n:], sb.buf[:sb.pos])
	return out
}

// Preload seeds the buffer with output restored from a previous run.
func (sb *ScreenBuffer) Preload(data []byte) {
	if len(data) > screenBufferSize {
		data = data[len(data)-screenBufferSize:]
	}
	sb.Write(data)
}

// OutputHandler is called for each chunk of output from the PTY.
type OutputHandler func(data []byte)

// Terminal is one attached tmux client.
type Terminal struct {
	target    string
	cmd       *exec.Cmd
	ptmx      *os.File
	screenBuf *ScreenBuffer
	mu        sync.Mutex
	stopped   bool
	exitCh    chan struct{}
}

// Options configures an attachment.
type Options struct {
	Target   string // tmux target ("session" or "session:window")
	Cols     uint16
	Rows     uint16
	Restored []byte // screen contents from a previous run, may be nil
}

// Attach starts a tmux client on the target inside a new PTY.
func Attach(opts Options, outputFn OutputHandler) (*Terminal, error) {
	cmd := exec.Command("tmux", "attach-session", "-t", opts.Target)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	winSize := &pty.Winsize{Cols: opts.Cols, Rows: opts.Rows}
	if winSize.Cols == 0 {
		winSize.Cols = 80
	}
	if winSize.Rows == 0 {
		winSize.Rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, winSize)
	if err != nil {
		return nil, fmt.Errorf("attach tmux session %q: %w", opts.Target, err)
	}

	screenBuf := NewScreenBuffer()
	if len(opts.Restored) > 0 {
		screenBuf.Preload(opts.Restored)
	}

	t := &Terminal{
		target:    opts.Target,
		cmd:       cmd,
		ptmx:      ptmx,
		screenBuf: screenBuf,
		exitCh:    make(chan struct{}),
	}

	go t.readOutput(outputFn)
	go t.waitForExit()

	slog.Info("tmux client attached",
		"target", opts.Target,
		"pid", cmd.Process.Pid,
	)
	return t, nil
}

// SendInput writes data to the PTY.
func (t *Terminal) SendInput(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return fmt.Errorf("terminal is stopped")
	}
	_, err := t.ptmx.Write(data)
	return err
}

// Resize changes the terminal dimensions.
func (t *Terminal) Resize(cols, rows uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return fmt.Errorf("terminal is stopped")
	}
	return pty.Setsize(t.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Stop detaches the tmux client. Idempotent.
func (t *Terminal) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true

	_ = t.ptmx.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
}

// IsExited reports whether the tmux client has exited.
func (t *Terminal) IsExited() bool {
	select {
	case <-t.exitCh:
		return true
	default:
		return false
	}
}

// Done is closed when the tmux client exits.
func (t *Terminal) Done() <-chan struct{} {
	return t.exitCh
}

// Target returns the tmux target this terminal is attached to.
func (t *Terminal) Target() string {
	return t.target
}

// ScreenSnapshot returns recent output for screen restore.
func (t *Terminal) ScreenSnapshot() []byte {
	return t.screenBuf.Snapshot()
}

func (t *Terminal) readOutput(outputFn OutputHandler) {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			t.screenBuf.Write(data)
			outputFn(data)
		}
		if err != nil {
			if err != io.EOF {
				slog.Debug("terminal read ended",
					"target", t.target,
					"error", err,
				)
			}
			return
		}
	}
}

func (t *Terminal) waitForExit() {
	_ = t.cmd.Wait()
	close(t.exitCh)
	slog.Info("tmux client detached", "target", t.target)
}
