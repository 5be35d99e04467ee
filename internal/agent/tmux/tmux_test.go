package tmux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseSessions(t *testing.T) {
	out := []byte("work\t3\t1\nscratch\t1\t0\n")

	got := parseSessions(out)
	assert.Equal(t, []Session{
		{Name: "work", Windows: 3, Attached: true},
		{Name: "scratch", Windows: 1, Attached: false},
	}, got)
}

func TestParseSessionsEmpty(t *testing.T) {
	assert.Empty(t, parseSessions(nil))
	assert.Empty(t, parseSessions([]byte("\n")))
}

func TestParseSessionsMissingFields(t *testing.T) {
	// A bare name still yields a session.
	got := parseSessions([]byte("lonely\n"))
	assert.Equal(t, []Session{{Name: "lonely"}}, got)
}
