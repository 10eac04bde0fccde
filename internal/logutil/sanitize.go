package logutil

import "strings"

// maxLogValueLen caps how much of a single caller-supplied value ends up in
// a log line. Paths and header values can be arbitrarily long.
const maxLogValueLen = 256

// SanitizeForLog strips control characters from caller-supplied strings so a
// crafted path or header cannot forge extra log lines. Newlines and tabs are
// folded into spaces; the result is truncated to maxLogValueLen runes.
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	n := 0
	for _, r := range s {
		if n == maxLogValueLen {
			b.WriteString("...")
			break
		}
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case r < 32 || r == 0x7f:
			continue
		default:
			b.WriteRune(r)
		}
		n++
	}
	return b.String()
}
