package resolver

import (
	"slices"
	"strings"
)

// Provider identifies a model backend.
type Provider int

const (
	ProviderUnknown Provider = iota
	ProviderAzure
	ProviderOpenAI
	ProviderAnthropic
	ProviderGoogle
	ProviderPerplexity
)

var providerNames = map[Provider]string{
	ProviderAzure:      "azure",
	ProviderOpenAI:     "openai",
	ProviderAnthropic:  "anthropic",
	ProviderGoogle:     "google",
	ProviderPerplexity: "perplexity",
}

// String returns the configuration name of p, e.g. "azure".
func (p Provider) String() string {
	if n, ok := providerNames[p]; ok {
		return n
	}
	return "unknown"
}

// ParseProvider maps a configuration name to a Provider. Matching ignores
// case and surrounding whitespace.
func ParseProvider(name string) (Provider, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for p, n := range providerNames {
		if n == name {
			return p, true
		}
	}
	return ProviderUnknown, false
}

// Supported models per provider.
var allowList = map[Provider][]string{
	ProviderAzure:      {"gpt-4o", "gpt-4o-mini", "gpt-5", "gpt-5-mini"},
	ProviderOpenAI:     {"gpt-4o", "gpt-4o-mini", "gpt-5", "gpt-5-mini"},
	ProviderAnthropic:  {"claude-3-5-sonnet-20241022", "claude-3-5-haiku-20241022", "claude-3-5-sonnet-20250108"},
	ProviderGoogle:     {"gemini-pro", "gemini-2.0-flash-exp", "gemini-2.0-flash-thinking-exp"},
	ProviderPerplexity: {"sonar", "sonar-pro"},
}

var defaultModels = map[Provider]string{
	ProviderAzure:      "gpt-4o",
	ProviderOpenAI:     "gpt-4o",
	ProviderAnthropic:  "claude-3-5-sonnet-20241022",
	ProviderGoogle:     "gemini-2.0-flash-exp",
	ProviderPerplexity: "sonar",
}

const (
	// DefaultProvider is used when neither the session nor the process
	// configuration names one.
	DefaultProvider = ProviderAzure

	// DefaultModel is used when neither the session nor the process
	// configuration names one.
	DefaultModel = "gpt-4o"

	// DefaultAzureAPIVersion is the Azure OpenAI REST API version used when
	// none is configured.
	DefaultAzureAPIVersion = "2024-02-15-preview"

	// DefaultGoogleLocation is the Vertex region reported when none is
	// configured.
	DefaultGoogleLocation = "us-central1"
)

// DefaultDegradeChain is the order in which providers are tried when the
// configured selection cannot be used.
var DefaultDegradeChain = []Provider{
	ProviderOpenAI,
	ProviderAnthropic,
	ProviderAzure,
	ProviderGoogle,
	ProviderPerplexity,
}

// Supports reports whether model is in the allow-list of p.
func Supports(p Provider, model string) bool {
	return slices.Contains(allowList[p], model)
}

// Models returns a copy of the allow-list of p.
func Models(p Provider) []string {
	return slices.Clone(allowList[p])
}

// DefaultModelFor returns the model used for p in degraded selections.
func DefaultModelFor(p Provider) string {
	return defaultModels[p]
}
