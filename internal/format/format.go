// Package format prepares agent output for delivery to a chat platform.
package format

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf16"
)

// DefaultLimit is used when a non-positive limit is passed to Split.
const DefaultLimit = 2000

// Split breaks text into chunks of at most limit units. Length is measured
// in UTF-16 code units, the way chat platforms count message length, and
// chunks always end on a rune boundary. It cuts at the last newline inside
// the window, else the last space, else at the window end, and trims leading
// whitespace from what remains.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if Len(text) <= limit {
		return []string{text}
	}

	remaining := []rune(text)
	var chunks []string
	for len(remaining) > 0 {
		fit := fitRunes(remaining, limit)
		if fit == len(remaining) {
			chunks = append(chunks, string(remaining))
			break
		}

		cut := lastIndexWithin(remaining, '\n', fit)
		if cut <= 0 {
			cut = lastIndexWithin(remaining, ' ', fit)
		}
		if cut <= 0 {
			cut = fit
		}

		chunks = append(chunks, string(remaining[:cut]))
		remaining = trimLeftSpace(remaining[cut:])
	}
	return chunks
}

// Len returns the length of s in UTF-16 code units.
func Len(s string) int {
	n := 0
	for _, r := range s {
		n += runeLen(r)
	}
	return n
}

// Truncate shortens s to at most n UTF-16 units, ending in "..." when cut.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if Len(s) <= n {
		return s
	}
	if n <= 3 {
		return prefix(s, n)
	}
	return prefix(s, n-3) + "..."
}

// StripMention removes an "@username" mention of the bot from a group chat
// message. It reports false when the bot is not mentioned.
func StripMention(text, username string) (string, bool) {
	if username == "" {
		return text, false
	}

	re := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(username) + `\b`)
	loc := re.FindStringIndex(text)
	if loc == nil {
		return text, false
	}
	return strings.TrimSpace(text[:loc[0]] + text[loc[1]:]), true
}

// fitRunes returns how many leading runes of s fit in limit units. It is at
// least one so a chunk always makes progress.
func fitRunes(s []rune, limit int) int {
	units := 0
	for i, r := range s {
		units += runeLen(r)
		if units > limit {
			return max(i, 1)
		}
	}
	return len(s)
}

// lastIndexWithin returns the last index of r at or before limit, or -1.
func lastIndexWithin(s []rune, r rune, limit int) int {
	if limit >= len(s) {
		limit = len(s) - 1
	}
	for i := limit; i >= 0; i-- {
		if s[i] == r {
			return i
		}
	}
	return -1
}

func trimLeftSpace(s []rune) []rune {
	for len(s) > 0 && unicode.IsSpace(s[0]) {
		s = s[1:]
	}
	return s
}

// prefix returns the longest prefix of s that fits in n units.
func prefix(s string, n int) string {
	units := 0
	for j, r := range s {
		units += runeLen(r)
		if units > n {
			return s[:j]
		}
	}
	return s
}

func runeLen(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}
