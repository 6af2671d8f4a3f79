package telegram

import (
	"regexp"
	"strings"
)

var boldPattern = regexp.MustCompile(`\*\*(.+?)\*\*`)

// toTelegramMarkdown rewrites standard markdown bold to Telegram's
// single-asterisk form.
func toTelegramMarkdown(text string) string {
	return boldPattern.ReplaceAllString(text, "*$1*")
}

// chunkMessage splits text into pieces that fit Telegram's message size
// limit, preferring newline boundaries in the back half of each chunk.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		cutAt := maxLen
		if idx := strings.LastIndex(text[:maxLen], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}

		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}

	return chunks
}
