package sanitize_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/termgate/termgate/internal/util/sanitize"
)

func TestName_StripsControlCharacters(t *testing.T) {
	got := sanitize.Name("ccc-\x1b[31mDJ\x07", 64)
	assert.Equal(t, "ccc-[31mDJ", got)
}

func TestName_LimitsLength(t *testing.T) {
	got := sanitize.Name("abcdefghij", 4)
	assert.Equal(t, "abcd", got)
}

func TestName_TrimsWhitespace(t *testing.T) {
	got := sanitize.Name("  main:w0  ", 64)
	assert.Equal(t, "main:w0", got)
}

func TestName_Empty(t *testing.T) {
	assert.Equal(t, "", sanitize.Name("", 64))
	assert.Equal(t, "", sanitize.Name("\x00\x1b\n", 64))
}
