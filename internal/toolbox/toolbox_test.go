package toolbox_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/mira/internal/observe"
	"github.com/MrWong99/mira/internal/toolbox"
	"github.com/MrWong99/mira/pkg/provider/llm"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type staticSource struct {
	name  string
	tools []toolbox.Tool
	err   error
}

func (s staticSource) Name() string { return s.name }

func (s staticSource) Tools(context.Context, toolbox.Request) ([]toolbox.Tool, error) {
	return s.tools, s.err
}

func constTool(name, out string) toolbox.Tool {
	return toolbox.Tool{
		Definition: llm.ToolDefinition{Name: name},
		Source:     "test",
		Handler:    func(context.Context, string) (string, error) { return out, nil },
	}
}

// ── Loader ───────────────────────────────────────────────────────────────────

func TestLoader_MergesSourcesInOrder(t *testing.T) {
	t.Parallel()
	l := toolbox.NewLoader(nil,
		staticSource{name: "a", tools: []toolbox.Tool{constTool("one", "a1"), constTool("two", "a2")}},
		staticSource{name: "b", tools: []toolbox.Tool{constTool("two", "b2"), constTool("three", "b3")}},
	)

	set := l.Load(context.Background(), toolbox.Request{UserID: "u"})

	if got, want := strings.Join(set.Names(), ","), "one,two,three"; got != want {
		t.Errorf("Names = %q, want %q", got, want)
	}
	if got := set.Execute(context.Background(), "two", "{}"); got != "a2" {
		t.Errorf("duplicate resolved to %q, want earlier source's a2", got)
	}
}

func TestLoader_SkipsFailingSource(t *testing.T) {
	t.Parallel()
	l := toolbox.NewLoader(nil,
		staticSource{name: "broken", err: errors.New("boom")},
		staticSource{name: "ok", tools: []toolbox.Tool{constTool("one", "1")}},
	)

	set := l.Load(context.Background(), toolbox.Request{})
	if set.Len() != 1 {
		t.Fatalf("Len = %d, want 1", set.Len())
	}
}

func TestSet_IgnoresIncompleteTools(t *testing.T) {
	t.Parallel()
	set := toolbox.NewSet(nil,
		toolbox.Tool{Definition: llm.ToolDefinition{Name: "nohandler"}},
		toolbox.Tool{Handler: func(context.Context, string) (string, error) { return "", nil }},
		constTool("ok", "fine"),
	)
	if got := set.Definitions(); len(got) != 1 || got[0].Name != "ok" {
		t.Errorf("Definitions = %+v", got)
	}
}

// ── Execute ──────────────────────────────────────────────────────────────────

func TestSet_ExecuteReportsFailuresAsText(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	if err != nil {
		t.Fatal(err)
	}
	set := toolbox.NewSet(m,
		constTool("ok", "fine"),
		toolbox.Tool{
			Definition: llm.ToolDefinition{Name: "bad"},
			Handler:    func(context.Context, string) (string, error) { return "", errors.New("exploded") },
		},
	)
	ctx := context.Background()

	if got := set.Execute(ctx, "ok", ""); got != "fine" {
		t.Errorf("ok = %q", got)
	}
	if got := set.Execute(ctx, "bad", ""); got != "Error executing bad: exploded" {
		t.Errorf("bad = %q", got)
	}
	if got := set.Execute(ctx, "missing", ""); got != "Unknown tool: missing" {
		t.Errorf("missing = %q", got)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatal(err)
	}
	var calls int64
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if md.Name != "mira.tool.calls" {
				continue
			}
			for _, dp := range md.Data.(metricdata.Sum[int64]).DataPoints {
				calls += dp.Value
			}
		}
	}
	if calls != 2 {
		t.Errorf("tool call count = %d, want 2", calls)
	}
}

func TestSet_NilIsEmpty(t *testing.T) {
	t.Parallel()
	var set *toolbox.Set
	if set.Len() != 0 || set.Definitions() != nil {
		t.Error("nil set not empty")
	}
	if got := set.Execute(context.Background(), "x", ""); got != "Unknown tool: x" {
		t.Errorf("Execute = %q", got)
	}
}
