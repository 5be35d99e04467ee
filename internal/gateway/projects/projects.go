// Package projects implements the narrow slice of the project/session
// metadata service the gateway consumes: making sure a project and a
// session row exist before a location is attached to them. It is
// invoked lazily when an agent announces a previously-unknown session.
package projects

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/termgate/termgate/internal/util/timefmt"
)

// Store is the collaborator contract the gateway depends on.
type Store interface {
	EnsureProject(ctx context.Context, projectID string) error
	EnsureSession(ctx context.Context, projectID, sessionID string) error
}

// SQLStore persists projects and sessions in the gateway database.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore creates a SQLStore over an opened, migrated database.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// EnsureProject inserts the project row if it does not exist.
func (s *SQLStore) EnsureProject(ctx context.Context, projectID string) error {
	if projectID == "" {
		return fmt.Errorf("project id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO projects (id, created_at) VALUES (?, ?) ON CONFLICT (id) DO NOTHING`,
		projectID, timefmt.NowMillis())
	if err != nil {
		return fmt.Errorf("ensure project %s: %w", projectID, err)
	}
	return nil
}

// EnsureSession inserts the session row (and its project) if absent.
func (s *SQLStore) EnsureSession(ctx context.Context, projectID, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if err := s.EnsureProject(ctx, projectID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, project_id, created_at) VALUES (?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		sessionID, projectID, timefmt.NowMillis())
	if err != nil {
		return fmt.Errorf("ensure session %s: %w", sessionID, err)
	}
	return nil
}
