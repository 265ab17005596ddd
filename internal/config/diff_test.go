package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/mira/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		LLM: config.LLMConfig{
			Provider:     "openai",
			Model:        "gpt-4o",
			Keys:         map[string]string{"openai": "sk-0123456789"},
			DegradeChain: []string{"openai", "anthropic"},
		},
		Turn: config.TurnConfig{WakeRequiresHeadUp: false},
		MCP: config.MCPConfig{Servers: []config.MCPServerConfig{
			{Name: "tools", Transport: config.MCPTransportStdio, Command: "tools"},
		}},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	d := config.Diff(baseConfig(), baseConfig())
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevel(t *testing.T) {
	t.Parallel()
	next := baseConfig()
	next.Server.LogLevel = config.LogDebug
	d := config.Diff(baseConfig(), next)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("LogLevelChanged = %v, NewLogLevel = %q", d.LogLevelChanged, d.NewLogLevel)
	}
	if d.LLMChanged {
		t.Error("LLMChanged should be false")
	}
}

func TestDiff_LLM(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"model", func(c *config.Config) { c.LLM.Model = "gpt-4o-mini" }},
		{"key", func(c *config.Config) { c.LLM.Keys["openai"] = "sk-9876543210" }},
		{"chain", func(c *config.Config) { c.LLM.DegradeChain = []string{"anthropic"} }},
		{"azure", func(c *config.Config) { c.LLM.Azure.InstanceName = "other" }},
		{"failover", func(c *config.Config) { c.LLM.Failover = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			next := baseConfig()
			tt.mutate(next)
			if d := config.Diff(baseConfig(), next); !d.LLMChanged {
				t.Errorf("expected LLMChanged after %s change", tt.name)
			}
		})
	}
}

func TestDiff_Turn(t *testing.T) {
	t.Parallel()
	next := baseConfig()
	next.Turn.WakeRequiresHeadUp = true
	d := config.Diff(baseConfig(), next)
	if !d.TurnChanged {
		t.Error("expected TurnChanged")
	}
}

func TestDiff_MCPServers(t *testing.T) {
	t.Parallel()
	next := baseConfig()
	next.MCP.Servers = append(next.MCP.Servers, config.MCPServerConfig{Name: "web", Transport: config.MCPTransportStreamableHTTP, URL: "http://x"})
	d := config.Diff(baseConfig(), next)
	if !d.MCPServersChanged {
		t.Error("expected MCPServersChanged after adding a server")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	next := baseConfig()
	next.Server.ListenAddr = ":9090"
	next.Server.TLS = &config.TLSConfig{CertFile: "cert.pem", KeyFile: "key.pem"}
	next.Database.PostgresDSN = "postgres://mira@localhost/mira"
	next.Server.APIKey = "rotated-key-0123"

	d := config.Diff(baseConfig(), next)
	want := []string{"server.listen_addr", "server.tls", "database"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.Changed() {
		t.Errorf("restart-only edits must not count as hot changes, got %+v", d)
	}
}

func TestDiff_SameTLSFilesNoRestart(t *testing.T) {
	t.Parallel()
	old, next := baseConfig(), baseConfig()
	old.Server.TLS = &config.TLSConfig{CertFile: "cert.pem", KeyFile: "key.pem"}
	next.Server.TLS = &config.TLSConfig{CertFile: "cert.pem", KeyFile: "key.pem"}
	if d := config.Diff(old, next); len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}
