// Package orchestrator – split.go chunks long replies for platforms with
// message length limits.
package orchestrator

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageDefault is the chunk limit used when the platform does not
// declare one.
const MaxMessageDefault = 2000

// SplitMessage splits text into chunks of at most maxLen characters. Each
// cut prefers the last newline inside the limit, then the last space, then
// a hard cut.
func SplitMessage(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = MaxMessageDefault
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	remain := text
	for len(remain) > maxLen {
		segment := remain[:maxLen]

		splitAt := -1
		if idx := strings.LastIndex(segment, "\n"); idx > 0 {
			splitAt = idx + 1
		} else if idx := strings.LastIndex(segment, " "); idx > 0 {
			splitAt = idx + 1
		}
		if splitAt <= 0 {
			// Hard cut: back off to a rune boundary so a multibyte
			// character is never split across chunks.
			splitAt = maxLen
			for splitAt > 0 && !utf8.RuneStart(remain[splitAt]) {
				splitAt--
			}
			if splitAt == 0 {
				splitAt = maxLen
			}
		}

		chunk := strings.TrimSpace(remain[:splitAt])
		remain = strings.TrimLeft(remain[splitAt:], " \n")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	if remain != "" {
		chunks = append(chunks, strings.TrimSpace(remain))
	}
	return chunks
}
