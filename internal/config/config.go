// Package config provides the configuration schema, loader, environment
// overlay and provider registry for the Mira assistant server.
package config

import "time"

// LogLevel controls log verbosity for the Mira server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// MCPTransport identifies how an MCP server is reached.
type MCPTransport string

const (
	// MCPTransportStdio launches the server as a subprocess.
	MCPTransportStdio MCPTransport = "stdio"

	// MCPTransportStreamableHTTP connects to a remote server over HTTP.
	MCPTransportStreamableHTTP MCPTransport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t MCPTransport) IsValid() bool {
	return t == MCPTransportStdio || t == MCPTransportStreamableHTTP
}

// Config is the root configuration structure for Mira.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader]
// and then overlaid with the process environment by [ApplyEnv].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	LLM      LLMConfig      `yaml:"llm"`
	Turn     TurnConfig     `yaml:"turn"`
	Geocode  GeocodeConfig  `yaml:"geocode"`
	Database DatabaseConfig `yaml:"database"`
	MCP      MCPConfig      `yaml:"mcp"`
}

// ServerConfig holds network, identity and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// PackageName identifies this app towards the device cloud.
	PackageName string `yaml:"package_name"`

	// APIKey authenticates this app towards the device cloud. Devices must
	// present it when opening the feed.
	APIKey string `yaml:"api_key"`

	// ServerURL is the device cloud base URL. Sessions may override it with
	// the URL they announce on connect.
	ServerURL string `yaml:"server_url"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LLMConfig is the process-level model configuration. Per-session settings
// take precedence over everything here.
type LLMConfig struct {
	// Provider is the process default provider (azure, openai, anthropic,
	// google, perplexity). Empty means the built-in default.
	Provider string `yaml:"provider"`

	// Model is the process default model. Empty means the provider default.
	Model string `yaml:"model"`

	// APIKey is the generic credential used when no provider-specific key is
	// configured.
	APIKey string `yaml:"api_key"`

	// Keys holds provider-specific credentials keyed by provider name.
	Keys map[string]string `yaml:"keys"`

	// DegradeChain is the order in which providers are tried when the
	// configured selection cannot be built. Empty means the built-in order.
	DegradeChain []string `yaml:"degrade_chain"`

	// Failover wraps each resolved client in a circuit-breaker fallback group
	// whose fallbacks are the remaining usable providers of the degrade chain.
	Failover bool `yaml:"failover"`

	// Temperature and MaxTokens are sent with every request. Zero values
	// select 0.3 and 300.
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// Timeout bounds a single model call. Zero means 30s.
	Timeout time.Duration `yaml:"timeout"`

	Azure  AzureConfig  `yaml:"azure"`
	Google GoogleConfig `yaml:"google"`
}

// AzureConfig locates an Azure OpenAI deployment.
type AzureConfig struct {
	// InstanceName yields the endpoint https://{instance}.openai.azure.com.
	InstanceName string `yaml:"instance_name"`

	// DeploymentName defaults to the resolved model.
	DeploymentName string `yaml:"deployment_name"`

	// APIVersion defaults to 2024-02-15-preview.
	APIVersion string `yaml:"api_version"`
}

// GoogleConfig carries Gemini project metadata.
type GoogleConfig struct {
	ProjectID string `yaml:"project_id"`
	Location  string `yaml:"location"`
}

// TurnConfig tunes the listening controller.
type TurnConfig struct {
	// WakeRequiresHeadUp is the gating default for sessions that have not
	// sent their own setting.
	WakeRequiresHeadUp bool `yaml:"wake_requires_head_up"`

	// PhoneticWakeWord enables the phonetic fallback of the wake-word
	// matcher.
	PhoneticWakeWord bool `yaml:"phonetic_wake_word"`

	// StartSoundURL is played when a turn starts listening.
	StartSoundURL string `yaml:"start_sound_url"`

	// ProcessingSoundURL is played while a query is processed.
	ProcessingSoundURL string `yaml:"processing_sound_url"`
}

// GeocodeConfig configures reverse geocoding.
type GeocodeConfig struct {
	// Token is the LocationIQ access token. Empty disables geocoding and every
	// location resolves to the Unknown sentinel.
	Token string `yaml:"token"`

	// BaseURL overrides the LocationIQ endpoint.
	BaseURL string `yaml:"base_url"`

	// Timeout bounds each lookup. Zero means 5s.
	Timeout time.Duration `yaml:"timeout"`
}

// DatabaseConfig selects the session store.
type DatabaseConfig struct {
	// PostgresDSN selects the Postgres session store. Empty keeps sessions in
	// memory.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// MCPConfig holds the list of Model Context Protocol servers whose tools are
// offered to the model.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	Transport MCPTransport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio".
	Command string `yaml:"command"`

	// URL is the MCP endpoint used when Transport is "streamable-http".
	URL string `yaml:"url"`

	// Token is sent as a Bearer token to streamable-http servers.
	Token string `yaml:"token"`

	// Env holds additional environment variables for stdio subprocesses.
	Env map[string]string `yaml:"env"`
}
