// Package textx holds small text helpers for log-safe handling of
// subprocess and HTTP output.
package textx

import (
	"strings"
)

// SanitizeText strips control characters other than tab, newline, and
// carriage return, then trims surrounding whitespace. Classifier stderr and
// service error bodies pass through here before they reach the log stream.
func SanitizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}

// Truncate shortens s to at most n bytes, marking the cut. Used for response
// body snippets in errors.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
