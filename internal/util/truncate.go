package util

import "fmt"

// DefaultLogMaxLen is the default maximum length for truncated log output.
const DefaultLogMaxLen = 1024

// TruncateLog truncates long strings for verbose logging so payload dumps do
// not swamp the log file.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is a convenience wrapper for TruncateLog that accepts []byte
// and uses DefaultLogMaxLen.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}
