package resolver

import (
	"fmt"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/mira/internal/config"
	"github.com/MrWong99/mira/pkg/provider/llm"
	"github.com/MrWong99/mira/pkg/provider/llm/anyllm"
	"github.com/MrWong99/mira/pkg/provider/llm/openai"
)

// Provider-specific option keys carried in [config.ProviderEntry.Options].
const (
	OptionEndpoint   = "endpoint"
	OptionAPIVersion = "api_version"
	OptionDeployment = "deployment"
	OptionProjectID  = "project_id"
	OptionLocation   = "location"
)

// RegisterDefaults registers a factory for every supported provider.
func RegisterDefaults(reg *config.Registry) {
	reg.RegisterLLM(ProviderAzure.String(), newAzure)
	reg.RegisterLLM(ProviderOpenAI.String(), newOpenAI)
	reg.RegisterLLM(ProviderAnthropic.String(), newAnthropic)
	reg.RegisterLLM(ProviderGoogle.String(), newGoogle)
	reg.RegisterLLM(ProviderPerplexity.String(), newPerplexity)
}

func newAzure(e config.ProviderEntry) (llm.Provider, error) {
	endpoint := e.Option(OptionEndpoint, "")
	if endpoint == "" {
		return nil, fmt.Errorf("azure: endpoint must not be empty")
	}
	return openai.New(e.APIKey, e.Option(OptionDeployment, e.Model),
		openai.WithAzure(endpoint, e.Option(OptionAPIVersion, DefaultAzureAPIVersion)),
		openai.WithModelFamily(e.Model),
		openai.WithTimeout(e.Timeout),
	)
}

func newOpenAI(e config.ProviderEntry) (llm.Provider, error) {
	opts := []openai.Option{openai.WithTimeout(e.Timeout)}
	if e.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(e.BaseURL))
	}
	return openai.New(e.APIKey, e.Model, opts...)
}

func anyllmOptions(e config.ProviderEntry) []anyllmlib.Option {
	opts := []anyllmlib.Option{anyllmlib.WithAPIKey(e.APIKey)}
	if e.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
	}
	return opts
}

func newAnthropic(e config.ProviderEntry) (llm.Provider, error) {
	return anyllm.NewAnthropic(e.Model, anyllmOptions(e)...)
}

// newGoogle reaches Gemini with an API key. The Vertex project and location
// are carried as metadata only.
func newGoogle(e config.ProviderEntry) (llm.Provider, error) {
	return anyllm.NewGemini(e.Model, anyllmOptions(e)...)
}

func newPerplexity(e config.ProviderEntry) (llm.Provider, error) {
	if e.BaseURL != "" {
		return anyllm.New("openai", e.Model, anyllmlib.WithAPIKey(e.APIKey), anyllmlib.WithBaseURL(e.BaseURL))
	}
	return anyllm.NewPerplexity(e.Model, e.APIKey)
}
