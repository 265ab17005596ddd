// Package toolbox assembles the tools offered to the model for one query.
//
// Tools come from several [Source] implementations: the user's installed
// cloud apps, configured MCP servers and in-process built-ins. A [Loader]
// queries every source concurrently and merges the results into a [Set].
// A source that fails is logged and skipped so a single broken app never
// hides the others.
//
// Tool failures are reported to the model as text, never as Go errors: the
// model decides how to tell the user.
package toolbox

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/mira/internal/observe"
	"github.com/MrWong99/mira/pkg/provider/llm"
)

// ControlSignal is the tool result an app returns when it takes over the
// response itself. The assistant stops and renders nothing locally.
const ControlSignal = "GIVE_APP_CONTROL_OF_TOOL_RESPONSE"

// Handler executes a tool with its JSON-encoded arguments.
type Handler func(ctx context.Context, args string) (string, error)

// Tool is a single callable tool.
type Tool struct {
	Definition llm.ToolDefinition

	// Source names the provider of the tool ("builtin", "cloud", "mcp:<server>").
	Source string

	Handler Handler
}

// Request identifies the user and session tools are loaded for.
type Request struct {
	UserID    string
	SessionID string

	// ServerURL is the device cloud base URL of the session.
	ServerURL string

	// Timezone is the IANA zone of the user's last known location, or empty.
	Timezone string
}

// Source provides tools for a request.
type Source interface {
	Name() string
	Tools(ctx context.Context, req Request) ([]Tool, error)
}

// Loader merges the tools of several sources.
type Loader struct {
	sources []Source
	metrics *observe.Metrics
}

// NewLoader returns a Loader over sources. A nil m records nothing.
func NewLoader(m *observe.Metrics, sources ...Source) *Loader {
	return &Loader{sources: sources, metrics: m}
}

// Load queries every source concurrently. When two sources offer a tool with
// the same name the one from the earlier source wins.
func (l *Loader) Load(ctx context.Context, req Request) *Set {
	results := make([][]Tool, len(l.sources))

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range l.sources {
		g.Go(func() error {
			tools, err := src.Tools(gctx, req)
			if err != nil {
				observe.Logger(ctx).Warn("toolbox: source failed",
					"source", src.Name(), "user_id", req.UserID, "err", err)
				return nil
			}
			results[i] = tools
			return nil
		})
	}
	_ = g.Wait()

	set := &Set{tools: make(map[string]Tool), metrics: l.metrics}
	for _, tools := range results {
		for _, t := range tools {
			set.add(t)
		}
	}
	return set
}

// Set is an immutable collection of tools for one query.
type Set struct {
	tools   map[string]Tool
	order   []string
	metrics *observe.Metrics
}

// NewSet builds a Set directly from tools.
func NewSet(m *observe.Metrics, tools ...Tool) *Set {
	s := &Set{tools: make(map[string]Tool, len(tools)), metrics: m}
	for _, t := range tools {
		s.add(t)
	}
	return s
}

func (s *Set) add(t Tool) {
	name := t.Definition.Name
	if name == "" || t.Handler == nil {
		return
	}
	if _, dup := s.tools[name]; dup {
		slog.Debug("toolbox: duplicate tool ignored", "tool", name, "source", t.Source)
		return
	}
	s.tools[name] = t
	s.order = append(s.order, name)
}

// Len returns the number of tools in the set.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.order)
}

// Names returns the tool names in load order.
func (s *Set) Names() []string {
	if s == nil {
		return nil
	}
	return slices.Clone(s.order)
}

// Definitions returns the tool definitions in load order.
func (s *Set) Definitions() []llm.ToolDefinition {
	if s == nil {
		return nil
	}
	defs := make([]llm.ToolDefinition, 0, len(s.order))
	for _, name := range s.order {
		defs = append(defs, s.tools[name].Definition)
	}
	return defs
}

// Execute runs the named tool and returns its textual result. Unknown tools
// and handler errors are rendered as text for the model.
func (s *Set) Execute(ctx context.Context, name, args string) string {
	var (
		t  Tool
		ok bool
	)
	if s != nil {
		t, ok = s.tools[name]
	}
	if !ok {
		return fmt.Sprintf("Unknown tool: %s", name)
	}

	start := time.Now()
	out, err := t.Handler(ctx, args)
	status := "ok"
	if err != nil {
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("tool", name), observe.Attr("status", status)))
		s.metrics.RecordToolCall(ctx, name, status)
	}
	if err != nil {
		observe.Logger(ctx).Warn("toolbox: tool failed", "tool", name, "source", t.Source, "err", err)
		return fmt.Sprintf("Error executing %s: %v", name, err)
	}
	return out
}
