// Package assistant turns a finalized query into an answer.
//
// It builds the system prompt from the turn's context (local time, location,
// notifications, recent conversation), attaches the photo when the model can
// see, and runs a bounded tool loop against an [llm.Provider]. A tool that
// returns [toolbox.ControlSignal] ends the invocation: the app that owns the
// tool renders the response itself.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/mira/internal/capture"
	"github.com/MrWong99/mira/internal/clock"
	"github.com/MrWong99/mira/internal/notify"
	"github.com/MrWong99/mira/internal/observe"
	"github.com/MrWong99/mira/internal/toolbox"
	"github.com/MrWong99/mira/pkg/provider/llm"
	"github.com/MrWong99/mira/pkg/sessionstore"
)

const (
	// DefaultMaxRounds bounds the number of tool-calling rounds per query.
	DefaultMaxRounds = 5

	// DefaultHistory is the number of past exchanges put into the prompt.
	DefaultHistory = 5
)

// Exchange is one past question and answer of the session.
type Exchange = sessionstore.Exchange

// Query is everything the model sees for one turn.
type Query struct {
	Text          string
	Photo         *capture.Photo
	Location      capture.Location
	Notifications []notify.Notification
	History       []Exchange
}

// Model is a ready client plus the request parameters of its selection.
type Model struct {
	Client      llm.Provider
	Provider    string
	Name        string
	Temperature float64
	MaxTokens   int
}

// Result is the outcome of an invocation.
type Result struct {
	// Text is the model's answer. Empty when Control is set.
	Text string

	// Control reports that a tool took over the response.
	Control bool

	// ToolCalls counts executed tool calls.
	ToolCalls int
}

// Assistant invokes models. It is safe for concurrent use.
type Assistant struct {
	clock     clock.Clock
	metrics   *observe.Metrics
	maxRounds int
	history   int
}

// Option configures an [Assistant].
type Option func(*Assistant)

// WithClock sets the clock used for the prompt's local time.
func WithClock(c clock.Clock) Option { return func(a *Assistant) { a.clock = c } }

// WithMetrics records model latency and provider requests on m.
func WithMetrics(m *observe.Metrics) Option { return func(a *Assistant) { a.metrics = m } }

// WithMaxRounds overrides [DefaultMaxRounds].
func WithMaxRounds(n int) Option { return func(a *Assistant) { a.maxRounds = n } }

// WithHistory overrides [DefaultHistory].
func WithHistory(n int) Option { return func(a *Assistant) { a.history = n } }

// New returns an Assistant.
func New(opts ...Option) *Assistant {
	a := &Assistant{clock: clock.Real{}, maxRounds: DefaultMaxRounds, history: DefaultHistory}
	for _, o := range opts {
		o(a)
	}
	if a.maxRounds <= 0 {
		a.maxRounds = DefaultMaxRounds
	}
	return a
}

// Invoke answers q with m, offering tools. Once the round budget is spent the
// model is asked once more without tools so it must answer in text.
func (a *Assistant) Invoke(ctx context.Context, m Model, tools *toolbox.Set, q Query) (Result, error) {
	if m.Client == nil {
		return Result{}, errors.New("assistant: no model client")
	}

	ctx, span := observe.StartSpan(ctx, "assistant.invoke", trace.WithAttributes(
		attribute.String("provider", m.Provider),
		attribute.String("model", m.Name),
		attribute.Int("tools", tools.Len()),
	))
	defer span.End()

	start := time.Now()
	res, err := a.loop(ctx, m, tools, q)
	if a.metrics != nil {
		a.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("provider", m.Provider)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (a *Assistant) loop(ctx context.Context, m Model, tools *toolbox.Set, q Query) (Result, error) {
	user := llm.Message{Role: llm.RoleUser, Content: q.Text}
	if q.Photo != nil && len(q.Photo.Data) > 0 && m.Client.Capabilities().SupportsVision {
		user.Images = []llm.Image{{MIMEType: q.Photo.MIMEType, Data: q.Photo.Data}}
	}
	req := llm.CompletionRequest{
		SystemPrompt: SystemPrompt(a.clock.Now(), q, a.history),
		Messages:     []llm.Message{user},
		Temperature:  m.Temperature,
		MaxTokens:    m.MaxTokens,
	}

	var res Result
	for round := 0; ; round++ {
		req.Tools = nil
		if round < a.maxRounds {
			if defs := tools.Definitions(); len(defs) > 0 {
				req.Tools = defs
			}
		}

		resp, err := a.complete(ctx, m, req)
		if err != nil {
			return res, err
		}
		if len(resp.ToolCalls) == 0 || req.Tools == nil {
			res.Text = resp.Content
			return res, nil
		}

		req.Messages = append(req.Messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			out := tools.Execute(ctx, call.Name, call.Arguments)
			res.ToolCalls++
			if out == toolbox.ControlSignal {
				observe.Logger(ctx).Info("assistant: tool took control of the response", "tool", call.Name)
				res.Control = true
				return res, nil
			}
			req.Messages = append(req.Messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    out,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}
	}
}

func (a *Assistant) complete(ctx context.Context, m Model, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := m.Client.Complete(ctx, req)
	status := "ok"
	if err != nil {
		status = "error"
	}
	if a.metrics != nil {
		a.metrics.RecordProviderRequest(ctx, m.Provider, "llm", status)
		if err != nil {
			a.metrics.RecordProviderError(ctx, m.Provider, "llm")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("assistant: complete with %s/%s: %w", m.Provider, m.Name, err)
	}
	return resp, nil
}
