package resolver

import (
	"errors"
	"log/slog"
	"maps"
)

// ErrUnavailable is returned by [Resolver.Client] when no provider can be
// used. Callers render a user-safe "not configured" message.
var ErrUnavailable = errors.New("resolver: no model provider available")

// Source records which configuration layer a selection came from.
type Source int

const (
	SourceDefault Source = iota
	SourceEnvironment
	SourceUserSetting
	SourceDegraded
)

// String returns the metric label of s.
func (s Source) String() string {
	switch s {
	case SourceUserSetting:
		return "user_setting"
	case SourceEnvironment:
		return "environment"
	case SourceDefault:
		return "default"
	case SourceDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Selection is a usable {provider, model, credential} triple.
type Selection struct {
	Provider Provider
	Model    string
	APIKey   string
	Source   Source

	// Temperature and MaxTokens are the generation parameters for every
	// request made with this selection.
	Temperature float64
	MaxTokens   int

	// Options holds provider-specific settings such as the Azure endpoint.
	Options map[string]string
}

// LogValue implements slog.LogValuer and never prints the credential.
func (s Selection) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("provider", s.Provider.String()),
		slog.String("model", s.Model),
		slog.String("source", s.Source.String()),
	)
}

func (s Selection) clone() Selection {
	s.Options = maps.Clone(s.Options)
	return s
}

// Kind discriminates a Resolution.
type Kind int

const (
	// KindSelected means Selection holds a usable provider.
	KindSelected Kind = iota

	// KindUnavailable means no provider could be used; Reason says why.
	KindUnavailable
)

// Resolution is the outcome of resolving a session's provider. Exactly one
// of Selection and Reason is meaningful, as decided by Kind.
type Resolution struct {
	Kind      Kind
	Selection Selection
	Reason    string
}

// Available reports whether r carries a usable selection.
func (r Resolution) Available() bool { return r.Kind == KindSelected }

func selected(s Selection) Resolution { return Resolution{Kind: KindSelected, Selection: s} }

func unavailable(reason string) Resolution {
	return Resolution{Kind: KindUnavailable, Reason: reason}
}
