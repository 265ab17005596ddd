package config

import (
	"maps"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// LLMChanged is true when anything in the llm section changed. Cached
	// model clients must be rebuilt.
	LLMChanged bool

	// TurnChanged is true when the listening defaults or cue URLs changed.
	TurnChanged bool

	// MCPServersChanged is true when MCP servers were added, removed or
	// edited. The tool sources must be reconnected.
	MCPServersChanged bool

	// RestartRequired lists the edited keys that only take effect after a
	// restart, in YAML path form ("server.listen_addr").
	RestartRequired []string
}

// Changed reports whether any tracked field changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.LLMChanged || d.TurnChanged || d.MCPServersChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.LLMChanged = !llmEqual(old.LLM, new.LLM)
	d.TurnChanged = old.Turn != new.Turn
	d.MCPServersChanged = !slices.EqualFunc(old.MCP.Servers, new.MCP.Servers, mcpServerEqual)

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.tls", !tlsEqual(old.Server.TLS, new.Server.TLS))
	restart("turn.phonetic_wake_word", old.Turn.PhoneticWakeWord != new.Turn.PhoneticWakeWord)
	restart("turn.processing_sound_url", old.Turn.ProcessingSoundURL != new.Turn.ProcessingSoundURL)
	restart("geocode", old.Geocode != new.Geocode)
	restart("database", old.Database != new.Database)

	return d
}

func tlsEqual(a, b *TLSConfig) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func llmEqual(a, b LLMConfig) bool {
	return a.Provider == b.Provider &&
		a.Model == b.Model &&
		a.APIKey == b.APIKey &&
		maps.Equal(a.Keys, b.Keys) &&
		slices.Equal(a.DegradeChain, b.DegradeChain) &&
		a.Failover == b.Failover &&
		a.Temperature == b.Temperature &&
		a.MaxTokens == b.MaxTokens &&
		a.Timeout == b.Timeout &&
		a.Azure == b.Azure &&
		a.Google == b.Google
}

func mcpServerEqual(a, b MCPServerConfig) bool {
	return a.Name == b.Name &&
		a.Transport == b.Transport &&
		a.Command == b.Command &&
		a.URL == b.URL &&
		a.Token == b.Token &&
		maps.Equal(a.Env, b.Env)
}
