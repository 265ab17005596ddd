package toolbox_test

import (
	"context"
	"strings"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/mira/internal/config"
	"github.com/MrWong99/mira/internal/toolbox"
)

type echoInput struct {
	Text string `json:"text"`
}

// connectEchoServer starts an in-memory MCP server exposing "echo" and
// "fail" and attaches it to src under name.
func connectEchoServer(t *testing.T, src *toolbox.MCPSource, name string) {
	t.Helper()
	ctx := context.Background()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: name, Version: "test"}, nil)
	mcpsdk.AddTool(server, &mcpsdk.Tool{Name: "echo", Description: "Echoes text"},
		func(_ context.Context, _ *mcpsdk.CallToolRequest, in echoInput) (*mcpsdk.CallToolResult, any, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: strings.ToUpper(in.Text)}},
			}, nil, nil
		})
	mcpsdk.AddTool(server, &mcpsdk.Tool{Name: "fail", Description: "Always fails"},
		func(_ context.Context, _ *mcpsdk.CallToolRequest, _ echoInput) (*mcpsdk.CallToolResult, any, error) {
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "no luck"}},
			}, nil, nil
		})

	clientT, serverT := mcpsdk.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverT, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })

	if err := src.Connect(ctx, name, clientT); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestMCPSource_ListsAndCallsTools(t *testing.T) {
	t.Parallel()
	src := toolbox.NewMCPSource("test")
	t.Cleanup(func() { _ = src.Close() })
	connectEchoServer(t, src, "echoer")

	tools, err := src.Tools(context.Background(), toolbox.Request{})
	if err != nil {
		t.Fatal(err)
	}
	set := toolbox.NewSet(nil, tools...)
	if set.Len() != 2 {
		t.Fatalf("Len = %d, want 2: %v", set.Len(), set.Names())
	}
	for _, tool := range tools {
		if tool.Source != "mcp:echoer" {
			t.Errorf("Source = %q", tool.Source)
		}
	}

	ctx := context.Background()
	if got := set.Execute(ctx, "echo", `{"text":"hello"}`); got != "HELLO" {
		t.Errorf("echo = %q", got)
	}
	if got := set.Execute(ctx, "fail", `{"text":"x"}`); got != "Error executing fail: no luck" {
		t.Errorf("fail = %q", got)
	}
	if got := set.Execute(ctx, "echo", `not json`); !strings.HasPrefix(got, "Error executing echo:") {
		t.Errorf("bad args = %q", got)
	}
}

func TestMCPSource_ReconnectReplacesServer(t *testing.T) {
	t.Parallel()
	src := toolbox.NewMCPSource("")
	t.Cleanup(func() { _ = src.Close() })
	connectEchoServer(t, src, "echoer")
	connectEchoServer(t, src, "echoer")

	tools, _ := src.Tools(context.Background(), toolbox.Request{})
	if len(tools) != 2 {
		t.Errorf("got %d tools after reconnect, want 2", len(tools))
	}
}

func TestMCPSource_RegisterValidation(t *testing.T) {
	t.Parallel()
	src := toolbox.NewMCPSource("test")
	ctx := context.Background()

	tests := []struct {
		name string
		cfg  config.MCPServerConfig
	}{
		{name: "no name", cfg: config.MCPServerConfig{Transport: config.MCPTransportStdio, Command: "x"}},
		{name: "stdio without command", cfg: config.MCPServerConfig{Name: "a", Transport: config.MCPTransportStdio}},
		{name: "http without url", cfg: config.MCPServerConfig{Name: "a", Transport: config.MCPTransportStreamableHTTP}},
		{name: "unknown transport", cfg: config.MCPServerConfig{Name: "a", Transport: "carrier-pigeon"}},
	}
	for _, tt := range tests {
		if err := src.Register(ctx, tt.cfg); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}
