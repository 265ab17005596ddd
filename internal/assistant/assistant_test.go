package assistant_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/mira/internal/assistant"
	"github.com/MrWong99/mira/internal/capture"
	"github.com/MrWong99/mira/internal/clock/fake"
	"github.com/MrWong99/mira/internal/notify"
	"github.com/MrWong99/mira/internal/toolbox"
	"github.com/MrWong99/mira/pkg/geocode"
	"github.com/MrWong99/mira/pkg/provider/llm"
	llmmock "github.com/MrWong99/mira/pkg/provider/llm/mock"
)

var testNow = time.Date(2025, 3, 14, 15, 9, 0, 0, time.UTC)

func newAssistant(opts ...assistant.Option) *assistant.Assistant {
	return assistant.New(append([]assistant.Option{assistant.WithClock(fake.New(testNow))}, opts...)...)
}

func boston() capture.Location {
	return capture.Location{
		City:    "Boston",
		State:   "Massachusetts",
		Country: "United States",
		Timezone: geocode.Timezone{
			Name: "America/New_York", ShortName: "EDT", FullName: "Eastern Daylight Time", OffsetSec: -4 * 3600, IsDST: true,
		},
	}
}

type recordingTool struct {
	calls []string
	reply string
}

func (r *recordingTool) tool(name string) toolbox.Tool {
	return toolbox.Tool{
		Definition: llm.ToolDefinition{Name: name, Description: name},
		Handler: func(_ context.Context, args string) (string, error) {
			r.calls = append(r.calls, args)
			return r.reply, nil
		},
	}
}

// ── Invoke ───────────────────────────────────────────────────────────────────

func TestInvoke_PlainAnswer(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{{Content: "It is sunny."}}}
	a := newAssistant()

	res, err := a.Invoke(context.Background(),
		assistant.Model{Client: p, Provider: "openai", Name: "gpt-4o", Temperature: 0.3, MaxTokens: 300},
		nil,
		assistant.Query{Text: "what's the weather", Location: boston()})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "It is sunny." || res.Control {
		t.Errorf("res = %+v", res)
	}

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	req := calls[0].Req
	if req.Temperature != 0.3 || req.MaxTokens != 300 {
		t.Errorf("params = %v/%v", req.Temperature, req.MaxTokens)
	}
	if req.Tools != nil {
		t.Errorf("Tools = %v, want nil with no tool set", req.Tools)
	}
	if req.Messages[0].Content != "what's the weather" {
		t.Errorf("user message = %q", req.Messages[0].Content)
	}
}

func TestInvoke_ToolLoop(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "current_time", Arguments: "{}"}}},
		{Content: "It is 11:09."},
	}}
	rt := &recordingTool{reply: "11:09 AM"}
	tools := toolbox.NewSet(nil, rt.tool("current_time"))

	res, err := newAssistant().Invoke(context.Background(), assistant.Model{Client: p}, tools, assistant.Query{Text: "time?"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "It is 11:09." || res.ToolCalls != 1 {
		t.Errorf("res = %+v", res)
	}

	second := p.Calls()[1].Req
	if len(second.Messages) != 3 {
		t.Fatalf("messages = %d, want user+assistant+tool", len(second.Messages))
	}
	toolMsg := second.Messages[2]
	if toolMsg.Role != llm.RoleTool || toolMsg.ToolCallID != "c1" || toolMsg.Content != "11:09 AM" {
		t.Errorf("tool message = %+v", toolMsg)
	}
}

func TestInvoke_RoundsAreBounded(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		{Content: "thinking", ToolCalls: []llm.ToolCall{{ID: "c", Name: "loop", Arguments: "{}"}}},
	}}
	rt := &recordingTool{reply: "again"}
	tools := toolbox.NewSet(nil, rt.tool("loop"))

	res, err := newAssistant().Invoke(context.Background(), assistant.Model{Client: p}, tools, assistant.Query{Text: "q"})
	if err != nil {
		t.Fatal(err)
	}
	calls := p.Calls()
	if len(calls) != assistant.DefaultMaxRounds+1 {
		t.Fatalf("model calls = %d, want %d", len(calls), assistant.DefaultMaxRounds+1)
	}
	if calls[len(calls)-1].Req.Tools != nil {
		t.Error("final round still offered tools")
	}
	if len(rt.calls) != assistant.DefaultMaxRounds || res.Text != "thinking" {
		t.Errorf("tool calls = %d, res = %+v", len(rt.calls), res)
	}
}

func TestInvoke_ControlSignalStops(t *testing.T) {
	t.Parallel()
	p := &llmmock.Provider{Responses: []*llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{
			{ID: "a", Name: "take_over", Arguments: "{}"},
			{ID: "b", Name: "never", Arguments: "{}"},
		}},
	}}
	takeOver := &recordingTool{reply: toolbox.ControlSignal}
	never := &recordingTool{reply: "x"}
	tools := toolbox.NewSet(nil, takeOver.tool("take_over"), never.tool("never"))

	res, err := newAssistant().Invoke(context.Background(), assistant.Model{Client: p}, tools, assistant.Query{Text: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Control || res.Text != "" {
		t.Errorf("res = %+v, want control", res)
	}
	if len(p.Calls()) != 1 || len(never.calls) != 0 {
		t.Errorf("loop continued after control signal")
	}
}

func TestInvoke_PhotoOnlyForVisionModels(t *testing.T) {
	t.Parallel()
	photo := &capture.Photo{MIMEType: "image/jpeg", Data: []byte{0xff, 0xd8}}

	vision := &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{SupportsVision: true}}
	if _, err := newAssistant().Invoke(context.Background(), assistant.Model{Client: vision}, nil, assistant.Query{Text: "what is this", Photo: photo}); err != nil {
		t.Fatal(err)
	}
	if imgs := vision.Calls()[0].Req.Messages[0].Images; len(imgs) != 1 || imgs[0].MIMEType != "image/jpeg" {
		t.Errorf("vision images = %+v", imgs)
	}

	blind := &llmmock.Provider{}
	if _, err := newAssistant().Invoke(context.Background(), assistant.Model{Client: blind}, nil, assistant.Query{Text: "what is this", Photo: photo}); err != nil {
		t.Fatal(err)
	}
	if imgs := blind.Calls()[0].Req.Messages[0].Images; imgs != nil {
		t.Errorf("non-vision model got images: %+v", imgs)
	}
}

func TestInvoke_ErrorWrapped(t *testing.T) {
	t.Parallel()
	boom := errors.New("503")
	p := &llmmock.Provider{CompleteErr: boom}
	_, err := newAssistant().Invoke(context.Background(), assistant.Model{Client: p, Provider: "azure", Name: "gpt-4o"}, nil, assistant.Query{Text: "q"})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapping %v", err, boom)
	}
	if _, err := newAssistant().Invoke(context.Background(), assistant.Model{}, nil, assistant.Query{}); err == nil {
		t.Error("nil client accepted")
	}
}

// ── SystemPrompt ─────────────────────────────────────────────────────────────

func TestSystemPrompt_Context(t *testing.T) {
	t.Parallel()
	q := assistant.Query{
		Location: boston(),
		Notifications: []notify.Notification{
			{App: "Messages", Title: "Sam", Content: "running late"},
		},
		History: []assistant.Exchange{
			{Query: "q1", Answer: "a1"},
			{Query: "q2", Answer: "a2"},
			{Query: "q3", Answer: "a3"},
		},
	}
	got := assistant.SystemPrompt(testNow, q, 2)

	for _, want := range []string{
		"Local date and time: Friday, March 14, 2025 11:09 AM EDT",
		"Location: Boston, Massachusetts, United States",
		"Timezone: America/New_York",
		"- [Messages] Sam: running late",
		"User: q2\nMira: a2\nUser: q3\nMira: a3",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "q1") {
		t.Error("history not limited")
	}
}

func TestSystemPrompt_UnknownLocation(t *testing.T) {
	t.Parallel()
	got := assistant.SystemPrompt(testNow, assistant.Query{Location: capture.UnknownLocation()}, 5)
	if !strings.Contains(got, "Local date and time: Friday, March 14, 2025 3:09 PM UTC") {
		t.Errorf("UTC fallback missing:\n%s", got)
	}
	if !strings.Contains(got, "Location: unknown") {
		t.Errorf("unknown location missing:\n%s", got)
	}
	for _, section := range []string{"## Recent Notifications", "## Recent Conversation", "Timezone:"} {
		if strings.Contains(got, section) {
			t.Errorf("empty section %q rendered", section)
		}
	}
}

func TestSystemPrompt_OffsetFallback(t *testing.T) {
	t.Parallel()
	loc := capture.UnknownLocation()
	loc.City = "Somewhere"
	loc.Timezone.Name = "Not/AZone"
	loc.Timezone.ShortName = "XST"
	loc.Timezone.OffsetSec = 2 * 3600
	got := assistant.SystemPrompt(testNow, assistant.Query{Location: loc}, 5)
	if !strings.Contains(got, "5:09 PM XST") {
		t.Errorf("fixed offset not applied:\n%s", got)
	}
	if !strings.Contains(got, "Location: Somewhere\nTimezone: Not/AZone") {
		t.Errorf("partial location not rendered:\n%s", got)
	}
}
