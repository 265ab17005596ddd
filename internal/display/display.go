// Package display formats text for the glasses' text wall.
package display

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Width is the column count every text wall is wrapped to.
const Width = 30

// Durations for the text walls shown during a turn.
const (
	ListeningIdle   = 10 * time.Second
	ListeningLive   = 20 * time.Second
	Processing      = 8 * time.Second
	Answer          = 5 * time.Second
	ListeningPrompt = "Listening..."
)

// Wrap breaks text into lines of at most width runes at word boundaries.
// Existing line breaks are kept. Words longer than width are split.
func Wrap(text string, width int) string {
	if width <= 0 {
		return text
	}
	paragraphs := strings.Split(text, "\n")
	out := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		out = append(out, wrapParagraph(p, width)...)
	}
	return strings.Join(out, "\n")
}

func wrapParagraph(p string, width int) []string {
	words := strings.Fields(p)
	if len(words) == 0 {
		return []string{""}
	}
	var (
		lines []string
		line  strings.Builder
		n     int
	)
	flush := func() {
		lines = append(lines, line.String())
		line.Reset()
		n = 0
	}
	for _, w := range words {
		for utf8.RuneCountInString(w) > width {
			if n > 0 {
				flush()
			}
			head, tail := splitRunes(w, width)
			lines = append(lines, head)
			w = tail
		}
		wl := utf8.RuneCountInString(w)
		if n > 0 && n+1+wl > width {
			flush()
		}
		if n > 0 {
			line.WriteByte(' ')
			n++
		}
		line.WriteString(w)
		n += wl
	}
	if n > 0 {
		flush()
	}
	return lines
}

func splitRunes(s string, n int) (string, string) {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], s[pos:]
		}
		i++
	}
	return s, ""
}

// Truncate shortens text longer than limit runes to its first limit runes,
// trimmed, followed by " ...".
func Truncate(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	head, _ := splitRunes(text, limit)
	return strings.TrimSpace(head) + " ..."
}
