package counter

import (
	"strings"
	"unicode/utf8"
)

const (
	MaxMessageLength    = 2048
	MaxStacktraceLength = 65536

	messageSuffix    = "... (truncated)"
	stacktraceSuffix = "... (truncated) ..."
)

// TruncateMessage trims msg and cuts it to MaxMessageLength characters,
// marking the cut.
func TruncateMessage(msg string) string {
	msg = strings.TrimSpace(msg)
	if utf8.RuneCountInString(msg) <= MaxMessageLength {
		return msg
	}
	return TruncateRunes(msg, MaxMessageLength-len(messageSuffix)) + messageSuffix
}

// TruncateRunes returns the first n characters of s.
func TruncateRunes(s string, n int) string {
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}

// TruncateStacktrace keeps whole trimmed lines until MaxStacktraceLength
// characters would be exceeded and appends a truncation marker line in that
// case.
func TruncateStacktrace(stacktrace string) string {
	cutoff := MaxStacktraceLength - len(stacktraceSuffix)
	lines := strings.Split(strings.TrimSpace(stacktrace), "\n")
	kept := make([]string, 0, len(lines))
	length := 0
	for _, line := range lines {
		line = strings.TrimSpace(line)
		lineLength := utf8.RuneCountInString(line)
		if length+lineLength+1 > cutoff {
			kept = append(kept, stacktraceSuffix)
			break
		}
		kept = append(kept, line)
		length += lineLength + 1
	}
	return strings.Join(kept, "\n")
}
