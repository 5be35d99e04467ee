package location_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termgate/termgate/internal/gateway/db"
	"github.com/termgate/termgate/internal/gateway/location"
)

func newTestStore(t *testing.T) *location.Store {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Migrate(sqlDB))
	return location.NewStore(sqlDB)
}

func TestCreateGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, &location.SessionLocation{
		SessionID:       "S1",
		ProjectID:       "P1",
		ConnectionType:  location.ConnectionLocal,
		TmuxSessionName: "ccc-DJ",
		TmuxWindowName:  "w1",
		Status:          location.StatusInactive,
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "S1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "P1", got.ProjectID)
	assert.Equal(t, location.ConnectionLocal, got.ConnectionType)
	assert.Equal(t, "ccc-DJ:w1", got.TmuxTarget())
	assert.NotZero(t, got.CreatedAt)
	assert.Equal(t, got.CreatedAt, got.UpdatedAt)
}

func TestGet_Unknown(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreate_DuplicateFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, &location.SessionLocation{
		SessionID: "S1", ConnectionType: location.ConnectionLocal,
	})
	require.NoError(t, err)

	_, err = s.Create(ctx, &location.SessionLocation{
		SessionID: "S1", ConnectionType: location.ConnectionLocal,
	})
	assert.Error(t, err)
}

func TestCreate_InvalidType(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(context.Background(), &location.SessionLocation{
		SessionID: "S1", ConnectionType: "teleport",
	})
	assert.Error(t, err)
}

func TestUpdate_PatchSemantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.Create(ctx, &location.SessionLocation{
		SessionID:      "S1",
		ConnectionType: location.ConnectionReverse,
		ReverseAgentID: "A1",
		Status:         location.StatusActive,
	})
	require.NoError(t, err)

	got, err := s.Update(ctx, "S1", location.Patch{
		Status:         location.Ptr(location.StatusInactive),
		LastVerifiedAt: location.Ptr(int64(1234)),
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, location.StatusInactive, got.Status)
	assert.Equal(t, int64(1234), got.LastVerifiedAt)
	// Untouched fields survive the patch.
	assert.Equal(t, "A1", got.ReverseAgentID)
	assert.GreaterOrEqual(t, got.UpdatedAt, created.CreatedAt)
}

func TestUpdate_Unknown(t *testing.T) {
	s := newTestStore(t)
	got, err := s.Update(context.Background(), "missing", location.Patch{
		Status: location.Ptr(location.StatusActive),
	})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Create(ctx, &location.SessionLocation{
		SessionID: "S1", ConnectionType: location.ConnectionLocal,
	})
	require.NoError(t, err)

	ok, err := s.Delete(ctx, "S1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Delete(ctx, "S1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestList_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, l := range []*location.SessionLocation{
		{SessionID: "S1", ConnectionType: location.ConnectionLocal, Status: location.StatusActive},
		{SessionID: "S2", ConnectionType: location.ConnectionReverse, ReverseAgentID: "A1", Status: location.StatusActive},
		{SessionID: "S3", ConnectionType: location.ConnectionReverse, ReverseAgentID: "A1", Status: location.StatusInactive},
	} {
		_, err := s.Create(ctx, l)
		require.NoError(t, err)
	}

	all, err := s.List(ctx, location.Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	reverse, err := s.List(ctx, location.Filter{ConnectionType: location.ConnectionReverse})
	require.NoError(t, err)
	assert.Len(t, reverse, 2)

	activeReverse, err := s.List(ctx, location.Filter{
		ConnectionType: location.ConnectionReverse,
		Status:         location.StatusActive,
	})
	require.NoError(t, err)
	require.Len(t, activeReverse, 1)
	assert.Equal(t, "S2", activeReverse[0].SessionID)
}

func TestTouchHeartbeat_BulkUpdatesAgentSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"S1", "S2"} {
		_, err := s.Create(ctx, &location.SessionLocation{
			SessionID: id, ConnectionType: location.ConnectionReverse,
			ReverseAgentID: "A1", Status: location.StatusActive,
		})
		require.NoError(t, err)
	}
	_, err := s.Create(ctx, &location.SessionLocation{
		SessionID: "S3", ConnectionType: location.ConnectionReverse,
		ReverseAgentID: "A2", Status: location.StatusActive,
	})
	require.NoError(t, err)

	require.NoError(t, s.TouchHeartbeat(ctx, "A1"))

	for _, id := range []string{"S1", "S2"} {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.NotZero(t, got.LastHeartbeatAt, "session %s", id)
	}
	other, err := s.Get(ctx, "S3")
	require.NoError(t, err)
	assert.Zero(t, other.LastHeartbeatAt)
}

func TestListStale(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Never heartbeated: stale.
	_, err := s.Create(ctx, &location.SessionLocation{
		SessionID: "S1", ConnectionType: location.ConnectionReverse,
		ReverseAgentID: "A1", Status: location.StatusActive,
	})
	require.NoError(t, err)

	// Recently heartbeated: fresh.
	_, err = s.Create(ctx, &location.SessionLocation{
		SessionID: "S2", ConnectionType: location.ConnectionReverse,
		ReverseAgentID: "A2", Status: location.StatusActive,
	})
	require.NoError(t, err)
	require.NoError(t, s.TouchHeartbeat(ctx, "A2"))

	// Inactive rows are never reported.
	_, err = s.Create(ctx, &location.SessionLocation{
		SessionID: "S3", ConnectionType: location.ConnectionReverse,
		ReverseAgentID: "A3", Status: location.StatusInactive,
	})
	require.NoError(t, err)

	stale, err := s.ListStale(ctx, time.Now().Add(-30*time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "S1", stale[0].SessionID)

	// A cutoff in the future catches the fresh row too.
	stale, err = s.ListStale(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, stale, 2)
}

func TestDeactivateAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, st := range []location.Status{location.StatusActive, location.StatusConnecting, location.StatusError} {
		_, err := s.Create(ctx, &location.SessionLocation{
			SessionID:      string(rune('A' + i)),
			ConnectionType: location.ConnectionLocal,
			Status:         st,
		})
		require.NoError(t, err)
	}

	require.NoError(t, s.DeactivateAll(ctx))

	active, err := s.List(ctx, location.Filter{Status: location.StatusActive})
	require.NoError(t, err)
	assert.Empty(t, active)

	// Error rows are left alone.
	errored, err := s.List(ctx, location.Filter{Status: location.StatusError})
	require.NoError(t, err)
	assert.Len(t, errored, 1)
}

func TestTmuxTarget_Fallbacks(t *testing.T) {
	l := &location.SessionLocation{SessionID: "S1", TmuxSessionName: "main"}
	assert.Equal(t, "main", l.TmuxTarget())

	l = &location.SessionLocation{SessionID: "S1"}
	assert.Equal(t, "S1", l.TmuxTarget())

	l = &location.SessionLocation{SessionID: "S1", TmuxSessionName: "main", TmuxWindowName: "w0"}
	assert.Equal(t, "main:w0", l.TmuxTarget())
}
