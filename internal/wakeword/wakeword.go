// Package wakeword detects and removes the assistant's wake phrase in
// speech-to-text transcripts.
//
// Transcripts of a spoken "hey mentra" come back in many spellings, so
// matching runs against a flat lexicon of observed variants. Matching is
// plain substring containment on normalised text: "hey mentra" inside
// "they mentra" counts. An optional phonetic fallback (see
// [WithPhoneticFallback]) catches variants missing from the lexicon.
//
// A [Matcher] is read-only after construction and safe for concurrent use.
package wakeword

import (
	"regexp"
	"strings"
)

// DefaultLexicon is the list of wake phrase variants recognised by default.
var DefaultLexicon = []string{
	"hey mentra", "he mentra", "hay mentra", "hai mentra", "hi mentra", "hei mentra",
	"hey mantra", "he mantra", "hey mentor", "he mentor", "hey menta", "he menta",
	"hey mental", "he mental", "hey center", "he center", "hey centro", "he centro",
	"hey menter", "he menter", "hey mentora", "he mentora", "hey mentro", "he mentro",
	"hey metra", "he metra", "hey metro", "he metro", "hey mentara", "he mentara",
	"hey mentrah", "he mentrah", "hey mentral", "he mentral", "hey mintra", "he mintra",
	"hey muntra", "he muntra", "hey montra", "he montra", "hey maintra", "he maintra",
	"hey motra", "he motra", "hey mencher", "he mencher", "hey mentcha", "he mentcha",
	"hey mentia", "he mentia", "hey mensra", "he mensra", "hey menstra", "he menstra",
	"hey menthra", "he menthra", "hey methera", "he methera", "hey menchera", "he menchera",
	"hey mentira", "he mentira", "hey mentore", "he mentore",
	"hey mentru", "he mentru", "hey mentri", "he mentri", "hey mentry", "he mentry",
	"hey mendtra", "he mendtra", "hey mentraw", "he mentraw", "hey mentree", "he mentree",
	"hey mentray", "he mentray", "hey mentera", "he mentera", "hey mentrala", "he mentrala",
	"hey mentula", "he mentula", "hey mentrali", "he mentrali",
	"hey-mentra", "he-mentra", "heymentra", "hementra", "ay mentra", "ey mentra",
	"yay mentra", "hey mentar", "he mentar", "hey mentir", "he mentir",
	"mentra", "menta",
}

var (
	punctuation = regexp.MustCompile(`[.,!?;:]`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// Normalize lower-cases text, removes the punctuation characters .,!?;:,
// collapses runs of whitespace to a single space and trims the result.
func Normalize(text string) string {
	s := strings.ToLower(text)
	s = punctuation.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Matcher matches transcripts against a wake phrase lexicon.
type Matcher struct {
	phrases  []string
	strip    *regexp.Regexp
	phonetic *phoneticMatcher
}

// Option configures a [Matcher].
type Option func(*Matcher)

// WithPhrases replaces the lexicon. Phrases are normalised; empty entries
// are dropped.
func WithPhrases(phrases []string) Option {
	return func(m *Matcher) {
		m.phrases = m.phrases[:0]
		for _, p := range phrases {
			if n := Normalize(p); n != "" {
				m.phrases = append(m.phrases, n)
			}
		}
	}
}

// WithPhoneticFallback enables phonetic matching of single transcript words
// against the given target words (for example "mentra"). A word matches when
// it shares a Double Metaphone code with a target and their Jaro-Winkler
// similarity is at least threshold. The fallback only runs when the lexicon
// finds nothing.
func WithPhoneticFallback(targets []string, threshold float64) Option {
	return func(m *Matcher) {
		m.phonetic = newPhoneticMatcher(targets, threshold)
	}
}

// New returns a Matcher over [DefaultLexicon] unless overridden by opts.
func New(opts ...Option) *Matcher {
	m := &Matcher{phrases: append([]string(nil), DefaultLexicon...)}
	for _, o := range opts {
		o(m)
	}
	m.strip = buildStripPattern(m.phrases)
	return m
}

// buildStripPattern compiles a case-insensitive pattern that matches
// everything from the start of the text through the first wake phrase and any
// trailing separators. Words of a phrase may be separated by whitespace,
// commas or periods.
func buildStripPattern(phrases []string) *regexp.Regexp {
	alts := make([]string, 0, len(phrases))
	for _, p := range phrases {
		words := strings.Split(p, " ")
		for i, w := range words {
			words[i] = regexp.QuoteMeta(w)
		}
		alts = append(alts, strings.Join(words, `[\s,\.]*`))
	}
	return regexp.MustCompile(`(?i)^.*?(?:` + strings.Join(alts, "|") + `)[\s,\.!]*`)
}

// Contains reports whether normalized contains any wake phrase. The input
// must already be passed through [Normalize].
func (m *Matcher) Contains(normalized string) bool {
	for _, p := range m.phrases {
		if strings.Contains(normalized, p) {
			return true
		}
	}
	if m.phonetic != nil {
		_, ok := m.phonetic.firstMatch(strings.Fields(normalized))
		return ok
	}
	return false
}

// EndsWith reports whether text, once normalised, ends with a wake phrase.
func (m *Matcher) EndsWith(text string) bool {
	n := Normalize(text)
	for _, p := range m.phrases {
		if strings.HasSuffix(n, p) {
			return true
		}
	}
	if m.phonetic != nil {
		words := strings.Fields(n)
		if len(words) > 0 {
			return m.phonetic.matches(words[len(words)-1])
		}
	}
	return false
}

// Strip removes everything up to and including the first wake phrase, plus
// trailing whitespace, commas, periods and exclamation marks. When stripping
// leaves nothing of a non-blank input, the trimmed input is returned
// unchanged.
func (m *Matcher) Strip(text string) string {
	trimmed := strings.TrimSpace(text)
	if result, _ := m.Remainder(text); result != "" || trimmed == "" {
		return result
	}
	return trimmed
}

// Remainder returns the trimmed text following the first wake phrase and
// whether a phrase was found. Without a phrase the whole trimmed text is
// returned. Unlike [Matcher.Strip] the remainder may be empty.
func (m *Matcher) Remainder(text string) (string, bool) {
	if loc := m.strip.FindStringIndex(text); loc != nil {
		return strings.TrimSpace(text[loc[1]:]), true
	}
	if m.phonetic != nil {
		if rest, ok := m.phonetic.stripThrough(text); ok {
			return rest, true
		}
	}
	return strings.TrimSpace(text), false
}

var defaultMatcher = New()

// ContainsWakeWord reports whether normalized contains a phrase of
// [DefaultLexicon].
func ContainsWakeWord(normalized string) bool { return defaultMatcher.Contains(normalized) }

// EndsWithWakeWord reports whether text ends with a phrase of [DefaultLexicon].
func EndsWithWakeWord(text string) bool { return defaultMatcher.EndsWith(text) }

// StripWakeWord removes the leading wake phrase using [DefaultLexicon].
func StripWakeWord(text string) string { return defaultMatcher.Strip(text) }
