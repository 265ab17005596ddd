package toolbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/mira/internal/config"
	"github.com/MrWong99/mira/pkg/provider/llm"
)

// mcpServer is a live connection to one MCP server and its tool catalogue.
type mcpServer struct {
	session *mcpsdk.ClientSession
	tools   []llm.ToolDefinition
}

// MCPSource offers the tools of configured MCP servers. Connections are
// opened once and shared by every session. It is safe for concurrent use.
type MCPSource struct {
	mu      sync.RWMutex
	servers map[string]*mcpServer
	order   []string

	client *mcpsdk.Client
}

// NewMCPSource returns an MCPSource with no servers.
func NewMCPSource(version string) *MCPSource {
	if version == "" {
		version = "dev"
	}
	return &MCPSource{
		servers: make(map[string]*mcpServer),
		client:  mcpsdk.NewClient(&mcpsdk.Implementation{Name: "mira", Version: version}, nil),
	}
}

// Name implements Source.
func (s *MCPSource) Name() string { return "mcp" }

// Register connects to the server described by cfg. A server registered
// under the same name is closed and replaced.
func (s *MCPSource) Register(ctx context.Context, cfg config.MCPServerConfig) error {
	if cfg.Name == "" {
		return errors.New("toolbox: mcp: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case config.MCPTransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("toolbox: mcp: stdio server %q requires a command", cfg.Name)
		}
		cmd := exec.Command(executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case config.MCPTransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("toolbox: mcp: streamable-http server %q requires a URL", cfg.Name)
		}
		t := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if cfg.Token != "" {
			t.HTTPClient = &http.Client{Transport: bearerTransport{token: cfg.Token, base: http.DefaultTransport}}
		}
		transport = t

	default:
		return fmt.Errorf("toolbox: mcp: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	return s.Connect(ctx, cfg.Name, transport)
}

// Connect attaches an MCP server reachable over transport and imports its
// tool catalogue.
func (s *MCPSource) Connect(ctx context.Context, name string, transport mcpsdk.Transport) error {
	session, err := s.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("toolbox: mcp: connect %q: %w", name, err)
	}

	var defs []llm.ToolDefinition
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("toolbox: mcp: list tools of %q: %w", name, err)
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToMap(tool.InputSchema),
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.servers[name]; ok {
		_ = old.session.Close()
	} else {
		s.order = append(s.order, name)
	}
	s.servers[name] = &mcpServer{session: session, tools: defs}
	return nil
}

// Tools implements Source. MCP tools are the same for every user.
func (s *MCPSource) Tools(_ context.Context, _ Request) ([]Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Tool
	for _, name := range s.order {
		srv := s.servers[name]
		for _, def := range srv.tools {
			out = append(out, Tool{
				Definition: def,
				Source:     "mcp:" + name,
				Handler:    s.handler(name, def.Name),
			})
		}
	}
	return out, nil
}

func (s *MCPSource) handler(server, tool string) Handler {
	return func(ctx context.Context, args string) (string, error) {
		s.mu.RLock()
		srv, ok := s.servers[server]
		s.mu.RUnlock()
		if !ok {
			return "", fmt.Errorf("toolbox: mcp: server %q is gone", server)
		}

		var argsMap map[string]any
		if trimmed := strings.TrimSpace(args); trimmed != "" && trimmed != "{}" {
			if err := json.Unmarshal([]byte(trimmed), &argsMap); err != nil {
				return "", fmt.Errorf("toolbox: mcp: invalid args for %q: %w", tool, err)
			}
		}

		res, err := srv.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: tool, Arguments: argsMap})
		if err != nil {
			return "", fmt.Errorf("toolbox: mcp: call %q: %w", tool, err)
		}

		var sb strings.Builder
		for _, c := range res.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if res.IsError {
			return "", errors.New(sb.String())
		}
		return sb.String(), nil
	}
}

// Close shuts down every server connection.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for name, srv := range s.servers {
		if err := srv.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("toolbox: mcp: close %q: %w", name, err))
		}
	}
	s.servers = make(map[string]*mcpServer)
	s.order = nil
	return errors.Join(errs...)
}

type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (t bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits "/bin/foo --bar baz" into ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (string, []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
