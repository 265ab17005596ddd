package resolver

import (
	"regexp"
	"strings"
)

// minCredentialLen is the shortest value accepted as a real credential.
const minCredentialLen = 10

var placeholderMarkers = []string{
	"your-api-key",
	"your_api_key",
	"yourapikey",
	"your-key",
	"changeme",
	"change-me",
	"replace-me",
	"placeholder",
	"dummy",
}

var placeholderPattern = regexp.MustCompile(`^(sk-|pplx-|sk-ant-)?(x{3,}|\.{3,}|\*{3,})`)

// IsPlaceholder reports whether key is an obvious example value rather than
// a real credential.
func IsPlaceholder(key string) bool {
	k := strings.ToLower(strings.TrimSpace(key))
	if len(k) < minCredentialLen {
		return true
	}
	if strings.HasPrefix(k, "<") && strings.HasSuffix(k, ">") {
		return true
	}
	if strings.HasPrefix(k, "${") || strings.HasPrefix(k, "your") {
		return true
	}
	for _, m := range placeholderMarkers {
		if strings.Contains(k, m) {
			return true
		}
	}
	return placeholderPattern.MatchString(k)
}

// usable returns the trimmed key when it is a real credential.
func usable(key string) (string, bool) {
	k := strings.TrimSpace(key)
	if k == "" || IsPlaceholder(k) {
		return "", false
	}
	return k, true
}
