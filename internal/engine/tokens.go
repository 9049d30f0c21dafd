package engine

import (
	"strings"
	"unicode/utf8"
)

// EstimateTokens approximates a BPE token count: roughly four characters per
// token, never fewer than the number of words.
func EstimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	byChars := (utf8.RuneCountInString(text) + 3) / 4
	byWords := len(strings.Fields(text))
	if byWords > byChars {
		return byWords
	}
	return byChars
}
