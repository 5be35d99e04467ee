package terminal

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScreenBufferRoundTrip(t *testing.T) {
	sb := NewScreenBuffer()
	sb.Write([]byte("hello "))
	sb.Write([]byte("world"))

	assert.Equal(t, []byte("hello world"), sb.Snapshot())
}

func TestScreenBufferWraps(t *testing.T) {
	sb := NewScreenBuffer()

	// Overfill the ring so only the tail survives.
	chunk := bytes.Repeat([]byte("x"), 60*1024)
	sb.Write(chunk)
	sb.Write([]byte("MARKER"))
	sb.Write(chunk)

	snap := sb.Snapshot()
	assert.Len(t, snap, screenBufferSize)
	assert.True(t, bytes.HasSuffix(snap, chunk[:1024]), "newest data must survive")
	assert.True(t, bytes.Contains(snap, []byte("MARKER")))
}

func TestScreenBufferSnapshotIsCopy(t *testing.T) {
	sb := NewScreenBuffer()
	sb.Write([]byte("abc"))

	snap := sb.Snapshot()
	snap[0] = 'z'
	assert.Equal(t, []byte("abc"), sb.Snapshot())
}

func TestPreloadTruncatesOversizedRestore(t *testing.T) {
	sb := NewScreenBuffer()

	data := bytes.Repeat([]byte("ab"), screenBufferSize) // 2x capacity
	sb.Preload(data)

	snap := sb.Snapshot()
	assert.Len(t, snap, screenBufferSize)
	assert.Equal(t, data[len(data)-screenBufferSize:], snap)
}

func TestPreloadThenWriteKeepsOrder(t *testing.T) {
	sb := NewScreenBuffer()
	sb.Preload([]byte("restored|"))
	sb.Write([]byte("live"))

	assert.Equal(t, []byte("restored|live"), sb.Snapshot())
}
