package shared

import (
	"regexp"
	"strings"
)

var ansiEscapes = regexp.MustCompile(`\x1b\[[0-9;]*[A-Za-z]`)

// SanitizeSpokenText flattens model output into a single line suitable for
// speech synthesis: ANSI escapes are stripped and all whitespace runs,
// including newlines, collapse to one space.
func SanitizeSpokenText(s string) string {
	s = ansiEscapes.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}
