package memory

import (
	"regexp"
	"strings"
)

// Content sanitization before anything is fed back into a prompt.
// Only two things are stripped: <think>...</think> reasoning blocks and a
// trailing tool/service JSON blob. Everything else, including line breaks,
// is preserved.

var (
	thinkRe        = regexp.MustCompile(`(?is)<think>.*?</think>`)
	trailingToolRe = regexp.MustCompile(`(?is)\{\s*"tool.*\}\s*$`)
)

// StripReasoning removes <think>...</think> blocks from model output.
func StripReasoning(text string) string {
	if text == "" {
		return text
	}
	return thinkRe.ReplaceAllString(text, "")
}

// SanitizeForMemory prepares text for storage in L1/L2/L3: reasoning
// blocks and any trailing tool-call JSON object are removed.
func SanitizeForMemory(text string) string {
	if text == "" {
		return ""
	}
	t := StripReasoning(text)
	t = trailingToolRe.ReplaceAllString(t, "")
	return strings.TrimSpace(t)
}

// FirstLine returns the first non-empty line of text, clipped to maxChars.
// Used when rendering stored summaries as compact recap bullets.
func FirstLine(text string, maxChars int) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); maxChars > 0 && len(r) > maxChars {
			return string(r[:maxChars])
		}
		return line
	}
	return ""
}
