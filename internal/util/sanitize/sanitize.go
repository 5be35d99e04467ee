package sanitize

import (
	"strings"
	"unicode"
)

// Name sanitizes an agent-supplied identifier (tmux session or window
// name, agent hostname) by removing control characters and limiting
// the length. Terminal escape sequences embedded in a name must never
// reach logs or viewer frames.
func Name(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}
