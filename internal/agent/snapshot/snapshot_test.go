package snapshot_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/termgate/termgate/internal/agent/snapshot"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	s := snapshot.NewStore(t.TempDir())

	screen := bytes.Repeat([]byte("$ ls\x1b[0m\r\n"), 500)
	require.NoError(t, s.Save("S1", screen))

	got, err := s.Load("S1")
	require.NoError(t, err)
	assert.Equal(t, screen, got)
}

func TestLoadMissing(t *testing.T) {
	s := snapshot.NewStore(t.TempDir())

	got, err := s.Load("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveEmptyRemoves(t *testing.T) {
	s := snapshot.NewStore(t.TempDir())

	require.NoError(t, s.Save("S1", []byte("data")))
	require.NoError(t, s.Save("S1", nil))

	got, err := s.Load("S1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestList(t *testing.T) {
	s := snapshot.NewStore(t.TempDir())

	none, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, s.Save("S1", []byte("a")))
	require.NoError(t, s.Save("S2", []byte("b")))

	ids, err := s.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"S1", "S2"}, ids)
}

func TestRemoveIdempotent(t *testing.T) {
	s := snapshot.NewStore(t.TempDir())
	require.NoError(t, s.Remove("never-existed"))
}
