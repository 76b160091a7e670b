// Package stringutil provides small string helpers shared across the gateway.
package stringutil

import "unicode/utf8"

// TruncateString caps a string at maxLen bytes. The cut never lands inside a
// UTF-8 sequence, so truncated message bodies stay printable in logs.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// TruncateStringWithEllipsis caps a string at maxLen bytes, marking the cut
// with a "..." suffix.
func TruncateStringWithEllipsis(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		return TruncateString(s, maxLen)
	}
	return TruncateString(s, maxLen-3) + "..."
}
