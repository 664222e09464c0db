package logutil

import (
	"fmt"
	"strings"
)

// SanitizeForLog removes newlines and control characters from client-provided
// strings so they cannot forge extra log entries.
func SanitizeForLog(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Target renders a remote login target as user@host:port for log lines.
func Target(username, host string, port int) string {
	return fmt.Sprintf("%s@%s:%d", SanitizeForLog(username), SanitizeForLog(host), port)
}

// Truncate shortens s to at most n bytes, marking the cut.
func Truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
