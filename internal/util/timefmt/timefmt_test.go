package timefmt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/termgate/termgate/internal/util/timefmt"
)

func TestFormat_UTC(t *testing.T) {
	ts := time.Date(2025, 6, 15, 10, 30, 45, 123000000, time.UTC)
	got := timefmt.Format(ts)
	assert.Equal(t, "2025-06-15T10:30:45.123Z", got)
}

func TestFormat_NonUTC(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*60*60)
	// 2025-06-15 19:30:45.456 UTC+9 == 2025-06-15 10:30:45.456 UTC
	ts := time.Date(2025, 6, 15, 19, 30, 45, 456000000, loc)
	got := timefmt.Format(ts)
	assert.Equal(t, "2025-06-15T10:30:45.456Z", got)
}

func TestFormat_ZeroTime(t *testing.T) {
	got := timefmt.Format(time.Time{})
	assert.Equal(t, "0001-01-01T00:00:00.000Z", got)
}

func TestMillis_RoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 15, 10, 30, 45, 123000000, time.UTC)
	ms := timefmt.Millis(ts)
	assert.Equal(t, ts, timefmt.FromMillis(ms))
}

func TestFromMillis_Zero(t *testing.T) {
	assert.True(t, timefmt.FromMillis(0).IsZero())
}

func TestMillis_TruncatesSubMillisecond(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 999999999, time.UTC)
	ms := timefmt.Millis(ts)
	assert.Equal(t, int64(999), ms%1000)
}
