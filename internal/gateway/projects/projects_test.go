package projects_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termgate/termgate/internal/gateway/db"
	"github.com/termgate/termgate/internal/gateway/projects"
)

func newTestStore(t *testing.T) *projects.SQLStore {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(sqlDB))
	return projects.NewSQLStore(sqlDB)
}

func TestEnsureProject_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureProject(ctx, "P1"))
	require.NoError(t, s.EnsureProject(ctx, "P1"))
}

func TestEnsureSession_CreatesProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnsureSession(ctx, "P1", "S1"))
	require.NoError(t, s.EnsureSession(ctx, "P1", "S1"))
}

func TestEnsureSession_RequiresSessionID(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.EnsureSession(context.Background(), "P1", ""))
}
