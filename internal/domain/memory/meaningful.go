package memory

import (
	"strings"
	"unicode"
)

// DefaultMinNonemptyChars is the floor for a summary to count as
// meaningful when no configured value is supplied.
const DefaultMinNonemptyChars = 12

// IsMeaningful reports whether a summary is worth persisting: after
// stripping bullet punctuation it must be non-empty, contain at least one
// letter or digit, and keep at least minChars printable characters.
//
// Kept separate from the summarizer so the compactor can apply it to
// arbitrary text (including heuristic fallbacks).
func IsMeaningful(text string, minChars int) bool {
	if minChars <= 0 {
		minChars = DefaultMinNonemptyChars
	}

	stripped := stripBulletPunctuation(text)
	if stripped == "" {
		return false
	}

	hasAlnum := false
	printable := 0
	for _, r := range stripped {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			hasAlnum = true
		}
		if unicode.IsPrint(r) && !unicode.IsSpace(r) {
			printable++
		}
	}
	return hasAlnum && printable >= minChars
}

// stripBulletPunctuation drops leading list markers and separators from
// every line so a summary made only of "• - – —" scaffolding is empty.
func stripBulletPunctuation(text string) string {
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "•*-–—·># \t")
		if line != "" {
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(line)
		}
	}
	return strings.TrimSpace(b.String())
}
