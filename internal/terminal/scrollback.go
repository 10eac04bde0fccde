package terminal

import "unicode/utf8"

// defaultScrollbackSize is used when the registry is configured with a
// non-positive scrollback size.
const defaultScrollbackSize = 256 * 1024

// scrollback keeps the most recent terminal output of a session so a client
// that attaches later sees what it missed. It is not safe for concurrent use;
// the owning Session guards it.
type scrollback struct {
	data   []byte
	maxLen int
}

func newScrollback(maxLen int) *scrollback {
	if maxLen <= 0 {
		maxLen = defaultScrollbackSize
	}
	return &scrollback{maxLen: maxLen}
}

// write appends p, dropping the oldest bytes once maxLen is exceeded. The
// cut never lands inside a UTF-8 sequence.
func (s *scrollback) write(p []byte) {
	s.data = append(s.data, p...)
	if over := len(s.data) - s.maxLen; over > 0 {
		for over < len(s.data) && !utf8.RuneStart(s.data[over]) {
			over++
		}
		s.data = append(s.data[:0:0], s.data[over:]...)
	}
}

func (s *scrollback) snapshot() []byte {
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

func (s *scrollback) len() int {
	return len(s.data)
}

// splitUTF8 returns the longest prefix of p that does not end in a truncated
// UTF-8 sequence, plus the trailing remainder to carry into the next read.
func splitUTF8(p []byte) (complete, rest []byte) {
	// A rune is at most utf8.UTFMax bytes; only the tail can be incomplete.
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return p, nil
		}
		return p[:i], p[i:]
	}
	return p, nil
}
