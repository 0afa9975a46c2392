// Package stringutil provides small string helpers; internal/session uses
// them to bound prompt previews in log lines.
package stringutil

// Truncate returns s if it is already within maxLen bytes, else its
// first maxLen bytes.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// TruncateEllipsis is Truncate but appends "..." when s was cut.
func TruncateEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return Truncate(s, maxLen)
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
