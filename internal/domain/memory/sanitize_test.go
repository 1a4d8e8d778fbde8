package memory

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSanitizeForMemory(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"reasoning block", "<think>internal</think>the answer", "the answer"},
		{"trailing tool json", "done. {\"tool_calls\": []}", "done."},
		{"whitespace", "  padded  ", "padded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeForMemory(tc.in); got != tc.want {
				t.Fatalf("SanitizeForMemory(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestFirstLineSkipsEmptyLines(t *testing.T) {
	if got := FirstLine("\n\n  \nactual content\nmore", 0); got != "actual content" {
		t.Fatalf("FirstLine = %q", got)
	}
}

func TestFirstLineClipsByRunes(t *testing.T) {
	got := FirstLine("Привет, это довольно длинная строка", 10)
	if !utf8.ValidString(got) {
		t.Fatalf("clipped line is not valid UTF-8: %q", got)
	}
	if n := utf8.RuneCountInString(got); n != 10 {
		t.Fatalf("clip = %d runes, want 10", n)
	}
	if !strings.HasPrefix("Привет, это", got) {
		t.Fatalf("clip changed the text: %q", got)
	}
}
