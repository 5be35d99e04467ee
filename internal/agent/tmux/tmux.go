// Package tmux discovers the tmux sessions running on the agent host.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Session is one discovered tmux session.
type Session struct {
	Name     string
	Windows  int
	Attached bool
}

// ListSessions returns the sessions of the local tmux server. A tmux
// server that is not running is reported as zero sessions, not an
// error.
func ListSessions(ctx context.Context) ([]Session, error) {
	out, err := exec.CommandContext(ctx, "tmux", "list-sessions",
		"-F", "#{session_name}\t#{session_windows}\t#{session_attached}").Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			// "no server running" and "no sessions" both exit 1.
			if strings.Contains(string(exitErr.Stderr), "no server") ||
				strings.Contains(string(exitErr.Stderr), "no sessions") {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("tmux list-sessions: %w", err)
	}
	return parseSessions(out), nil
}

func parseSessions(out []byte) []Session {
	var sessions []Session
	for _, line := range strings.Split(strings.TrimRight(string(out), "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 3)
		s := Session{Name: fields[0]}
		if len(fields) > 1 {
			_, _ = fmt.Sscanf(fields[1], "%d", &s.Windows)
		}
		if len(fields) > 2 {
			s.Attached = fields[2] != "0"
		}
		sessions = append(sessions, s)
	}
	return sessions
}

// HasSession reports whether a tmux session with the given name
// exists.
func HasSession(ctx context.Context, name string) bool {
	return exec.CommandContext(ctx, "tmux", "has-session", "-t", name).Run() == nil
}
