package wakeword

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const defaultPhoneticThreshold = 0.85

// phoneticMatcher accepts a word when it shares a Double Metaphone code with
// one of the targets and is Jaro-Winkler similar enough to it.
type phoneticMatcher struct {
	targets   []string
	codes     []map[string]struct{}
	threshold float64
}

func newPhoneticMatcher(targets []string, threshold float64) *phoneticMatcher {
	if threshold <= 0 {
		threshold = defaultPhoneticThreshold
	}
	pm := &phoneticMatcher{threshold: threshold}
	for _, t := range targets {
		t = Normalize(t)
		if t == "" {
			continue
		}
		pm.targets = append(pm.targets, t)
		pm.codes = append(pm.codes, codesFor(t))
	}
	return pm
}

func (pm *phoneticMatcher) matches(word string) bool {
	word = Normalize(word)
	if word == "" {
		return false
	}
	wc := codesFor(word)
	for i, target := range pm.targets {
		if !overlap(wc, pm.codes[i]) {
			continue
		}
		if matchr.JaroWinkler(word, target, false) >= pm.threshold {
			return true
		}
	}
	return false
}

// firstMatch returns the index of the first matching word.
func (pm *phoneticMatcher) firstMatch(words []string) (int, bool) {
	for i, w := range words {
		if pm.matches(w) {
			return i, true
		}
	}
	return 0, false
}

// stripThrough drops the words of text up to and including the first
// phonetic match and returns the rest joined by single spaces.
func (pm *phoneticMatcher) stripThrough(text string) (string, bool) {
	words := strings.Fields(text)
	i, ok := pm.firstMatch(words)
	if !ok {
		return "", false
	}
	rest := strings.Join(words[i+1:], " ")
	return strings.TrimLeft(rest, " ,.!"), true
}

func codesFor(word string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

func overlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
