package search

import (
	"strings"
	"unicode/utf8"
)

// Highlight returns a window of at most maxLen bytes of content around the first
// query term it contains, with "..." marking cut ends. Without a match the window
// starts at the beginning. maxLen <= 0 returns content unchanged.
func Highlight(content, query string, maxLen int) string {
	if maxLen <= 0 || len(content) <= maxLen {
		return content
	}
	lower := strings.ToLower(content)
	start := 0
	for _, term := range strings.Fields(strings.ToLower(query)) {
		if i := strings.Index(lower, term); i >= 0 {
			start = i - maxLen/4
			break
		}
	}
	if start+maxLen > len(content) {
		start = len(content) - maxLen
	}
	if start < 0 {
		start = 0
	}
	for start > 0 && !utf8.RuneStart(content[start]) {
		start--
	}
	end := start + maxLen
	for end > start && end < len(content) && !utf8.RuneStart(content[end]) {
		end--
	}

	out := strings.TrimSpace(content[start:end])
	if start > 0 {
		out = "..." + out
	}
	if end < len(content) {
		out += "..."
	}
	return out
}
