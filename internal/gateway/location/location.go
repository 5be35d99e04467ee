// Package location implements the persistent registry that records
// where and how each terminal session is reachable: the transport kind
// plus its parameters, a status, and liveness timestamps. One row per
// session id, stored in SQLite. All timestamps are milliseconds since
// the Unix epoch; zero means never set.
package location

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/termgate/termgate/internal/util/timefmt"
)

// ConnectionType discriminates the transport parameter subset of a row.
type ConnectionType string

const (
	ConnectionLocal   ConnectionType = "local"
	ConnectionSSH     ConnectionType = "ssh"
	ConnectionDocker  ConnectionType = "docker"
	ConnectionReverse ConnectionType = "reverse"
)

// Valid reports whether t is one of the known connection types.
func (t ConnectionType) Valid() bool {
	switch t {
	case ConnectionLocal, ConnectionSSH, ConnectionDocker, ConnectionReverse:
		return true
	}
	return false
}

// Status is the lifecycle state of a session location.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusInactive   Status = "inactive"
	StatusError      Status = "error"
)

// SessionLocation is one registry row.
type SessionLocation struct {
	SessionID      string
	ProjectID      string
	ConnectionType ConnectionType

	SSHHost            string
	SSHPort            int
	SSHUsername        string
	DockerContainerID  string
	TmuxSessionName    string
	TmuxWindowName     string
	ReverseAgentID     string
	ReverseAgentSecret string

	Status          Status
	LastHeartbeatAt int64
	LastVerifiedAt  int64
	CreatedAt       int64
	UpdatedAt       int64
}

// TmuxTarget returns the tmux target string for this location:
// "session:window" when both names are set, whichever one is set
// otherwise, and the session id as a last resort.
func (l *SessionLocation) TmuxTarget() string {
	switch {
	case l.TmuxSessionName != "" && l.TmuxWindowName != "":
		return l.TmuxSessionName + ":" + l.TmuxWindowName
	case l.TmuxSessionName != "":
		return l.TmuxSessionName
	case l.TmuxWindowName != "":
		return l.TmuxWindowName
	default:
		return l.SessionID
	}
}

// Patch is a partial update. Nil fields are left untouched. Only the
// status, liveness timestamps, and transport parameters are patchable.
type Patch struct {
	Status          *Status
	LastHeartbeatAt *int64
	LastVerifiedAt  *int64
	ReverseAgentID  *string
	TmuxSessionName *string
	TmuxWindowName  *string
	SSHHost         *string
	SSHPort         *int
	SSHUsername     *string
	ContainerID     *string
}

// Filter selects rows for List. Zero values match everything.
type Filter struct {
	ConnectionType ConnectionType
	Status         Status
}

// Store persists session locations. Safe for concurrent use; SQLite
// serializes writes to the same row.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an opened, migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const columns = `session_id, project_id, connection_type,
	ssh_host, ssh_port, ssh_username, docker_container_id,
	tmux_session_name, tmux_window_name, reverse_agent_id, reverse_agent_secret,
	status, last_heartbeat_at, last_verified_at, created_at, updated_at`

// Create inserts a new row. The session id must not already exist.
func (s *Store) Create(ctx context.Context, loc *SessionLocation) (*SessionLocation, error) {
	if loc.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if !loc.ConnectionType.Valid() {
		return nil, fmt.Errorf("invalid connection type: %q", loc.ConnectionType)
	}
	if loc.Status == "" {
		loc.Status = StatusInactive
	}
	now := timefmt.NowMillis()
	loc.CreatedAt = now
	loc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_locations (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loc.SessionID, loc.ProjectID, string(loc.ConnectionType),
		nullStr(loc.SSHHost), nullInt(int64(loc.SSHPort)), nullStr(loc.SSHUsername),
		nullStr(loc.DockerContainerID), nullStr(loc.TmuxSessionName),
		nullStr(loc.TmuxWindowName), nullStr(loc.ReverseAgentID), nullStr(loc.ReverseAgentSecret),
		string(loc.Status), nullInt(loc.LastHeartbeatAt), nullInt(loc.LastVerifiedAt),
		now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session location: %w", err)
	}
	return loc, nil
}

// Get returns the row for a session id, or nil if none exists.
func (s *Store) Get(ctx context.Context, sessionID string) (*SessionLocation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+columns+` FROM session_locations WHERE session_id = ?`, sessionID)
	loc, err := scanLocation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session location: %w", err)
	}
	return loc, nil
}

// Update applies a patch and returns the updated row, or nil if the
// session id is unknown. updated_at is refreshed on every mutation.
func (s *Store) Update(ctx context.Context, sessionID string, p Patch) (*SessionLocation, error) {
	sets := []string{"updated_at = ?"}
	args := []any{timefmt.NowMillis()}

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.LastHeartbeatAt != nil {
		add("last_heartbeat_at", *p.LastHeartbeatAt)
	}
	if p.LastVerifiedAt != nil {
		add("last_verified_at", *p.LastVerifiedAt)
	}
	if p.ReverseAgentID != nil {
		add("reverse_agent_id", nullStr(*p.ReverseAgentID))
	}
	if p.TmuxSessionName != nil {
		add("tmux_session_name", nullStr(*p.TmuxSessionName))
	}
	if p.TmuxWindowName != nil {
		add("tmux_window_name", nullStr(*p.TmuxWindowName))
	}
	if p.SSHHost != nil {
		add("ssh_host", nullStr(*p.SSHHost))
	}
	if p.SSHPort != nil {
		add("ssh_port", nullInt(int64(*p.SSHPort)))
	}
	if p.SSHUsername != nil {
		add("ssh_username", nullStr(*p.SSHUsername))
	}
	if p.ContainerID != nil {
		add("docker_container_id", nullStr(*p.ContainerID))
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE session_locations SET `+strings.Join(sets, ", ")+` WHERE session_id = ?`,
		append(args, sessionID)...)
	if err != nil {
		return nil, fmt.Errorf("update session location: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	return s.Get(ctx, sessionID)
}

// Delete removes a row, reporting whether one existed.
func (s *Store) Delete(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM session_locations WHERE session_id = ?`, sessionID)
	if err != nil {
		return false, fmt.Errorf("delete session location: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// List returns rows matching the filter, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*SessionLocation, error) {
	where := []string{"1 = 1"}
	var args []any
	if f.ConnectionType != "" {
		where = append(where, "connection_type = ?")
		args = append(args, string(f.ConnectionType))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+columns+` FROM session_locations WHERE `+strings.Join(where, " AND ")+
			` ORDER BY created_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list session locations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SessionLocation
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session location: %w", err)
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

// TouchHeartbeat bulk-updates last_heartbeat_at for every reverse
// session owned by the given agent.
func (s *Store) TouchHeartbeat(ctx context.Context, agentID string) error {
	now := timefmt.NowMillis()
	_, err := s.db.ExecContext(ctx, `
		UPDATE session_locations
		SET last_heartbeat_at = ?, updated_at = ?
		WHERE reverse_agent_id = ? AND connection_type = 'reverse'`,
		now, now, agentID)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	return nil
}

// ListStale returns active reverse-tunnel rows whose last heartbeat is
// older than the cutoff or was never recorded.
func (s *Store) ListStale(ctx context.Context, cutoff time.Time) ([]*SessionLocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+columns+` FROM session_locations
		WHERE connection_type = 'reverse' AND status = 'active'
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < ?)`,
		timefmt.Millis(cutoff))
	if err != nil {
		return nil, fmt.Errorf("list stale locations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*SessionLocation
	for rows.Next() {
		loc, err := scanLocation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale location: %w", err)
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

// DeactivateAll marks every active row inactive. Called at gateway
// startup: no transport can have survived a restart.
func (s *Store) DeactivateAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE session_locations SET status = 'inactive', updated_at = ?
		WHERE status IN ('active', 'connecting')`,
		timefmt.NowMillis())
	if err != nil {
		return fmt.Errorf("deactivate all locations: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLocation(row scanner) (*SessionLocation, error) {
	var (
		loc                                  SessionLocation
		connType, status                     string
		sshHost, sshUser, containerID        sql.NullString
		tmuxSess, tmuxWin, agentID, secret   sql.NullString
		sshPort, lastHeartbeat, lastVerified sql.NullInt64
	)
	if err := row.Scan(
		&loc.SessionID, &loc.ProjectID, &connType,
		&sshHost, &sshPort, &sshUser, &containerID,
		&tmuxSess, &tmuxWin, &agentID, &secret,
		&status, &lastHeartbeat, &lastVerified, &loc.CreatedAt, &loc.UpdatedAt,
	); err != nil {
		return nil, err
	}
	loc.ConnectionType = ConnectionType(connType)
	loc.Status = Status(status)
	loc.SSHHost = sshHost.String
	loc.SSHPort = int(sshPort.Int64)
	loc.SSHUsername = sshUser.String
	loc.DockerContainerID = containerID.String
	loc.TmuxSessionName = tmuxSess.String
	loc.TmuxWindowName = tmuxWin.String
	loc.ReverseAgentID = agentID.String
	loc.ReverseAgentSecret = secret.String
	loc.LastHeartbeatAt = lastHeartbeat.Int64
	loc.LastVerifiedAt = lastVerified.Int64
	return &loc, nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int64) any {
	if n == 0 {
		return nil
	}
	return n
}

// Ptr returns a pointer to v, for building patches inline.
func Ptr[T any](v T) *T {
	return &v
}
