// Package settings holds the per-session user settings a device announces
// on connect and updates while the session runs.
//
// Values arrive as decoded JSON, so a boolean may be encoded as a JSON bool
// or as the strings "true"/"false". Accessors normalise both forms.
package settings

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Known setting keys.
const (
	KeyWakeRequiresHeadUp = "wake_requires_head_up"
	KeySpeakResponse      = "speak_response"
	KeyLLMProvider        = "llm_provider"
	KeyLLMModel           = "llm_model"
	KeyLLMAPIKey          = "llm_api_key"
)

// ValidProviders lists the providers a session may select.
var ValidProviders = []string{"openai", "anthropic", "google", "perplexity", "azure"}

// ErrInvalid is wrapped by every validation failure returned from [Validate].
var ErrInvalid = errors.New("settings: invalid value")

// minAPIKeyLen is the length an API key must exceed to be accepted.
const minAPIKeyLen = 10

// Validate checks the LLM-related keys of values. Keys that are absent or
// blank are valid; they mean "unchanged".
func Validate(values map[string]any) error {
	var errs []error
	if p := str(values[KeyLLMProvider]); p != "" && !slices.Contains(ValidProviders, p) {
		errs = append(errs, fmt.Errorf("%w: %s %q is not one of %v", ErrInvalid, KeyLLMProvider, p, ValidProviders))
	}
	if raw, ok := values[KeyLLMModel]; ok && raw != nil {
		if _, isString := raw.(string); !isString {
			errs = append(errs, fmt.Errorf("%w: %s must be a string", ErrInvalid, KeyLLMModel))
		}
	}
	if k := str(values[KeyLLMAPIKey]); k != "" && len(k) <= minAPIKeyLen {
		errs = append(errs, fmt.Errorf("%w: %s must be longer than %d characters", ErrInvalid, KeyLLMAPIKey, minAPIKeyLen))
	}
	return errors.Join(errs...)
}

// Store is a concurrency-safe settings map with change notification.
type Store struct {
	mu        sync.RWMutex
	values    map[string]any
	listeners map[int]func(changed []string)
	nextID    int
}

// New returns a Store seeded with initial. The map is copied.
func New(initial map[string]any) *Store {
	s := &Store{
		values:    make(map[string]any, len(initial)),
		listeners: make(map[int]func([]string)),
	}
	maps.Copy(s.values, initial)
	return s
}

// Update validates values and merges them into the store. Blank strings
// leave the stored value unchanged. Listeners are called with the sorted list
// of keys whose value changed, outside the lock. Nothing is applied when
// validation fails.
func (s *Store) Update(values map[string]any) error {
	if err := Validate(values); err != nil {
		return err
	}

	s.mu.Lock()
	var changed []string
	for k, v := range values {
		if _, isString := v.(string); isString && str(v) == "" {
			continue
		}
		if old, ok := s.values[k]; ok && fmt.Sprint(old) == fmt.Sprint(v) {
			continue
		}
		s.values[k] = v
		changed = append(changed, k)
	}
	listeners := slices.Collect(maps.Values(s.listeners))
	s.mu.Unlock()

	if len(changed) == 0 {
		return nil
	}
	slices.Sort(changed)
	for _, fn := range listeners {
		fn(changed)
	}
	return nil
}

// OnChange registers fn to be called after every effective update. The
// returned function removes the registration.
func (s *Store) OnChange(fn func(changed []string)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Get returns the raw value stored under key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// String returns the trimmed string value of key. Non-string values and
// whitespace-only strings yield "".
func (s *Store) String(key string) string {
	v, _ := s.Get(key)
	return str(v)
}

// Bool returns the boolean value of key. Missing or unparseable values are
// false.
func (s *Store) Bool(key string) bool {
	v, _ := s.Get(key)
	switch b := v.(type) {
	case bool:
		return b
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return err == nil && parsed
	case float64:
		return b != 0
	}
	return false
}

// BoolOr returns the boolean value of key, or def when the key is unset.
func (s *Store) BoolOr(key string, def bool) bool {
	if _, ok := s.Get(key); !ok {
		return def
	}
	return s.Bool(key)
}

// Snapshot returns a copy of all values.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}
