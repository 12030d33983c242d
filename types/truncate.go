package types

import "unicode/utf8"

// TruncateUTF8 truncates s to at most max bytes without splitting a UTF-8
// character. Captured run output is bounded with this so a cap landing in the
// middle of a multi-byte character never produces invalid text.
func TruncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 0 {
		return ""
	}
	end := max
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}
