package config

import (
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Env looks up process configuration values.
type Env interface {
	Lookup(key string) (string, bool)
}

// OSEnv reads the real process environment.
type OSEnv struct{}

// Lookup implements Env.
func (OSEnv) Lookup(key string) (string, bool) { return os.LookupEnv(key) }

// MapEnv is an Env backed by a map. Mostly useful in tests.
type MapEnv map[string]string

// Lookup implements Env.
func (m MapEnv) Lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

// providerKeyEnv maps provider names to their credential variables.
var providerKeyEnv = map[string]string{
	"azure":      "AZURE_OPENAI_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"anthropic":  "ANTHROPIC_API_KEY",
	"google":     "GOOGLE_API_KEY",
	"perplexity": "PERPLEXITY_API_KEY",
}

// LoadDotEnv loads variables from the given .env files into the process
// environment without overriding variables that are already set. Missing
// files are skipped.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			slog.Warn("config: failed to load env file", "path", f, "err", err)
		}
	}
}

// ApplyEnv overlays environment variables onto cfg. Set, non-blank variables
// win over values from the YAML file.
func ApplyEnv(cfg *Config, env Env) {
	set := func(dst *string, key string) {
		if v, ok := env.Lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	if port, ok := env.Lookup("PORT"); ok && strings.TrimSpace(port) != "" {
		cfg.Server.ListenAddr = ":" + strings.TrimSpace(port)
	}
	var level string
	set(&level, "LOG_LEVEL")
	if level != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(level))
	}
	set(&cfg.Server.PackageName, "PACKAGE_NAME")
	set(&cfg.Server.APIKey, "AUGMENTOS_API_KEY")
	set(&cfg.Server.ServerURL, "SERVER_URL")

	set(&cfg.Geocode.Token, "LOCATIONIQ_TOKEN")
	set(&cfg.Database.PostgresDSN, "DATABASE_URL")

	set(&cfg.LLM.Provider, "LLM_PROVIDER")
	set(&cfg.LLM.Model, "LLM_MODEL")
	set(&cfg.LLM.APIKey, "LLM_API_KEY")
	for provider, key := range providerKeyEnv {
		var v string
		set(&v, key)
		if v == "" {
			continue
		}
		if cfg.LLM.Keys == nil {
			cfg.LLM.Keys = make(map[string]string, len(providerKeyEnv))
		}
		cfg.LLM.Keys[provider] = v
	}
	set(&cfg.LLM.Azure.InstanceName, "AZURE_OPENAI_API_INSTANCE_NAME")
	set(&cfg.LLM.Azure.DeploymentName, "AZURE_OPENAI_API_DEPLOYMENT_NAME")
	set(&cfg.LLM.Azure.APIVersion, "AZURE_OPENAI_API_VERSION")
	set(&cfg.LLM.Google.ProjectID, "GOOGLE_PROJECT_ID")
	set(&cfg.LLM.Google.Location, "GOOGLE_LOCATION")
}

// LoadWithEnv loads the YAML file at path (or starts from an empty config
// when path is empty), overlays env and validates the result.
func LoadWithEnv(path string, env Env) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}
	ApplyEnv(cfg, env)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
