// Package finalize turns a completed listening window into a rendered
// answer.
//
// A [Finalizer] fetches the transcript of the window from the transcript
// store, strips the wake phrase, gathers the turn's context (photo,
// location, notifications, recent exchanges and tools), asks the session's
// model and routes the result to the device. Every failure ends the turn
// with a short user-visible message; nothing is retried.
package finalize

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/mira/internal/assistant"
	"github.com/MrWong99/mira/internal/capture"
	"github.com/MrWong99/mira/internal/clock"
	"github.com/MrWong99/mira/internal/display"
	"github.com/MrWong99/mira/internal/notify"
	"github.com/MrWong99/mira/internal/observe"
	"github.com/MrWong99/mira/internal/resolver"
	"github.com/MrWong99/mira/internal/toolbox"
	"github.com/MrWong99/mira/internal/turn"
	"github.com/MrWong99/mira/internal/wakeword"
	"github.com/MrWong99/mira/pkg/provider/llm"
	"github.com/MrWong99/mira/pkg/sessionstore"
	"github.com/MrWong99/mira/pkg/transcripts"
)

// User-visible messages.
const (
	MsgTranscriptError = "Sorry, there was an error retrieving your transcript. Please try again."
	MsgInvalidFormat   = "Sorry, the transcript format was invalid. Please try again."
	MsgNoQuery         = "No query provided."
	MsgNoAnswer        = "Sorry, I couldn't find an answer to that."
	MsgModelError      = "Sorry, there was an error processing your request."
	MsgNotConfigured   = "Sorry, no AI model is configured. Please add an API key in the app settings."
)

// Outcome labels recorded per finished turn.
const (
	OutcomeAnswered        = "answered"
	OutcomeControl         = "control"
	OutcomeNoAnswer        = "no_answer"
	OutcomeEmptyQuery      = "empty_query"
	OutcomeBusy            = "busy"
	OutcomeTranscriptError = "transcript_error"
	OutcomeInvalidFormat   = "invalid_format"
	OutcomeUnavailable     = "unavailable"
	OutcomeModelError      = "model_error"
)

const (
	// messageDuration is how long error and answer walls stay up.
	messageDuration = 5 * time.Second

	// fallbackDurationSec is the transcript window when no start time and
	// no timer duration are known.
	fallbackDurationSec = 3

	// processingTruncate is the query length shown on the processing wall.
	processingTruncate = 60

	// processingRepeats bounds the processing sound loop.
	processingRepeats = 5

	// notificationCount is the number of notifications attached to a query.
	notificationCount = 5
)

// Sink renders output on the device. ShowText must not block. Speak and
// PlayAudio block until the device finished or ctx ends.
type Sink interface {
	ShowText(text string, d time.Duration)
	Speak(ctx context.Context, text string) error
	PlayAudio(ctx context.Context, url string) error
}

// TranscriptFetcher reads the transcript of a time window.
// *transcripts.Client satisfies it.
type TranscriptFetcher interface {
	Fetch(ctx context.Context, serverURL, sessionID string, durationSec int) ([]transcripts.Segment, error)
}

// ClientResolver returns the model client of a session.
// *resolver.Resolver satisfies it.
type ClientResolver interface {
	Client(ctx context.Context, sessionID string, s resolver.Settings) (llm.Provider, resolver.Resolution, error)
}

// Request is one completed listening window of a session.
type Request struct {
	SessionID string
	UserID    string
	ServerURL string

	TurnID        string
	StartedAt     time.Time
	TimerDuration time.Duration
	Guard         turn.Guard

	Sink Sink

	// SpeakAloud is true when speak_response is set or the device has no
	// display.
	SpeakAloud bool

	Settings resolver.Settings
}

// Finalizer runs the finalize pipeline. It is safe for concurrent use
// across sessions.
type Finalizer struct {
	transcripts TranscriptFetcher
	resolver    ClientResolver
	assistant   *assistant.Assistant
	matcher     *wakeword.Matcher
	tools       *toolbox.Loader
	collector   *capture.Collector
	notes       *notify.Store
	sessions    sessionstore.Store
	clock       clock.Clock
	metrics     *observe.Metrics

	processingSoundURL string
	photoWait          time.Duration
	historyLimit       int
}

// Option configures a [Finalizer].
type Option func(*Finalizer)

// WithMatcher sets the wake phrase matcher used to strip queries.
func WithMatcher(m *wakeword.Matcher) Option { return func(f *Finalizer) { f.matcher = m } }

// WithTools sets the tool loader. Without one the model gets no tools.
func WithTools(l *toolbox.Loader) Option { return func(f *Finalizer) { f.tools = l } }

// WithCollector sets the photo and location source.
func WithCollector(c *capture.Collector) Option { return func(f *Finalizer) { f.collector = c } }

// WithNotifications sets the notification store.
func WithNotifications(n *notify.Store) Option { return func(f *Finalizer) { f.notes = n } }

// WithSessions sets the session store used for conversation history.
func WithSessions(s sessionstore.Store) Option { return func(f *Finalizer) { f.sessions = s } }

// WithClock overrides the clock. Default: the real clock.
func WithClock(c clock.Clock) Option { return func(f *Finalizer) { f.clock = c } }

// WithMetrics sets the metrics instance.
func WithMetrics(m *observe.Metrics) Option { return func(f *Finalizer) { f.metrics = m } }

// WithProcessingSound sets the URL looped while a query is processed.
func WithProcessingSound(url string) Option {
	return func(f *Finalizer) { f.processingSoundURL = url }
}

// WithPhotoWait sets how long finalization waits for a pending photo.
// Default: [capture.DefaultPhotoWait].
func WithPhotoWait(d time.Duration) Option { return func(f *Finalizer) { f.photoWait = d } }

// New creates a Finalizer.
func New(tr TranscriptFetcher, res ClientResolver, a *assistant.Assistant, opts ...Option) *Finalizer {
	f := &Finalizer{
		transcripts:  tr,
		resolver:     res,
		assistant:    a,
		matcher:      wakeword.New(),
		clock:        clock.Real{},
		photoWait:    capture.DefaultPhotoWait,
		historyLimit: assistant.DefaultHistory,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Finalize runs the pipeline for req and returns the turn outcome.
func (f *Finalizer) Finalize(ctx context.Context, req Request) string {
	ctx = observe.WithTurn(observe.WithSession(ctx, req.SessionID, req.UserID), req.TurnID)
	ctx, span := observe.StartSpan(ctx, "finalize")
	defer span.End()

	log := observe.Logger(ctx)
	start := f.clock.Now()

	outcome := f.run(ctx, log, req)

	span.SetAttributes(attribute.String("outcome", outcome))
	if f.metrics != nil {
		f.metrics.RecordTurnOutcome(ctx, outcome)
		f.metrics.FinalizeDuration.Record(ctx, f.clock.Now().Sub(start).Seconds(),
			metric.WithAttributes(observe.Attr("outcome", outcome)))
	}
	log.Info("turn finalized", "outcome", outcome)
	return outcome
}

func (f *Finalizer) run(ctx context.Context, log *slog.Logger, req Request) string {
	secs := DurationSeconds(f.clock.Now(), req.StartedAt, req.TimerDuration)

	segments, err := f.transcripts.Fetch(ctx, req.ServerURL, req.SessionID, secs)
	if err != nil {
		log.Warn("transcript fetch failed", "duration_sec", secs, "err", err)
		if errors.Is(err, transcripts.ErrInvalidFormat) {
			f.show(req, MsgInvalidFormat, messageDuration)
			return OutcomeInvalidFormat
		}
		f.show(req, MsgTranscriptError, messageDuration)
		return OutcomeTranscriptError
	}

	if req.Guard != nil && !req.Guard.TryAcquire() {
		log.Debug("finalize skipped: already processing")
		return OutcomeBusy
	}

	query := f.matcher.Strip(transcripts.Join(segments))
	if query == "" {
		f.show(req, MsgNoQuery, messageDuration)
		if req.Guard != nil {
			req.Guard.Release()
		}
		return OutcomeEmptyQuery
	}
	log.Info("query received", "query", query)

	stopCue := f.startProcessingCue(ctx, log, req)
	defer stopCue()
	f.show(req, "Processing query: "+display.Truncate(query, processingTruncate), display.Processing)

	client, res, err := f.resolver.Client(ctx, req.SessionID, req.Settings)
	if err != nil {
		stopCue()
		if errors.Is(err, resolver.ErrUnavailable) {
			log.Warn("no model provider available", "reason", res.Reason)
			f.reply(ctx, log, req, MsgNotConfigured, messageDuration)
			return OutcomeUnavailable
		}
		log.Error("model client unavailable", "err", err)
		f.reply(ctx, log, req, MsgModelError, messageDuration)
		return OutcomeModelError
	}

	q := f.gather(ctx, log, req, query)
	tools := f.loadTools(ctx, req, q.Location)

	result, err := f.assistant.Invoke(ctx, assistant.Model{
		Client:      client,
		Provider:    res.Selection.Provider.String(),
		Name:        res.Selection.Model,
		Temperature: res.Selection.Temperature,
		MaxTokens:   res.Selection.MaxTokens,
	}, tools, q)
	stopCue()

	switch {
	case err != nil:
		log.Error("model invocation failed", "err", err)
		f.reply(ctx, log, req, MsgModelError, messageDuration)
		return OutcomeModelError
	case result.Control:
		log.Info("tool took over the response")
		return OutcomeControl
	case result.Text == "":
		f.reply(ctx, log, req, MsgNoAnswer, messageDuration)
		return OutcomeNoAnswer
	}

	f.reply(ctx, log, req, result.Text, display.Answer)
	f.remember(ctx, log, req.SessionID, sessionstore.Exchange{Query: query, Answer: result.Text, At: f.clock.Now()})
	return OutcomeAnswered
}

// show renders text wrapped to the display width.
func (f *Finalizer) show(req Request, text string, d time.Duration) {
	if req.Sink == nil {
		return
	}
	req.Sink.ShowText(display.Wrap(text, display.Width), d)
}

// reply shows text and, when the user asked for spoken answers, speaks it.
func (f *Finalizer) reply(ctx context.Context, log *slog.Logger, req Request, text string, d time.Duration) {
	f.show(req, text, d)
	if !req.SpeakAloud || req.Sink == nil {
		return
	}
	if err := req.Sink.Speak(ctx, text); err != nil {
		log.Warn("speak failed", "err", err)
	}
}

// startProcessingCue loops the processing sound until the returned stop
// function is called or the loop ran processingRepeats times.
func (f *Finalizer) startProcessingCue(ctx context.Context, log *slog.Logger, req Request) (stop func()) {
	if f.processingSoundURL == "" || !req.SpeakAloud || req.Sink == nil {
		return func() {}
	}
	cueCtx, cancel := context.WithCancel(ctx)
	go func() {
		for i := 0; i < processingRepeats && cueCtx.Err() == nil; i++ {
			if err := req.Sink.PlayAudio(cueCtx, f.processingSoundURL); err != nil {
				if cueCtx.Err() == nil {
					log.Debug("processing cue failed", "err", err)
				}
				return
			}
		}
	}()
	return cancel
}

// gather collects the context a query is answered with.
func (f *Finalizer) gather(ctx context.Context, log *slog.Logger, req Request, query string) assistant.Query {
	q := assistant.Query{Text: query, Location: capture.UnknownLocation()}
	if f.collector != nil {
		q.Photo = f.collector.GetPhoto(ctx, req.SessionID, f.photoWait)
		q.Location = f.collector.Location(req.SessionID)
	}
	if f.notes != nil {
		q.Notifications = f.notes.Latest(req.UserID, notificationCount)
	}
	if f.sessions != nil {
		sess, err := f.sessions.Get(ctx, req.SessionID)
		switch {
		case err == nil:
			q.History = sess.History
		case !errors.Is(err, sessionstore.ErrNotFound):
			log.Warn("load session history failed", "err", err)
		}
	}
	return q
}

func (f *Finalizer) loadTools(ctx context.Context, req Request, loc capture.Location) *toolbox.Set {
	if f.tools == nil {
		return nil
	}
	tz := loc.Timezone.Name
	if tz == capture.Unknown {
		tz = ""
	}
	return f.tools.Load(ctx, toolbox.Request{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		ServerURL: req.ServerURL,
		Timezone:  tz,
	})
}

func (f *Finalizer) remember(ctx context.Context, log *slog.Logger, sessionID string, ex sessionstore.Exchange) {
	if f.sessions == nil {
		return
	}
	if err := f.sessions.AppendExchange(ctx, sessionID, ex, sessionstore.DefaultHistoryLimit); err != nil {
		log.Warn("store exchange failed", "err", err)
	}
}

// DurationSeconds is the transcript window of a turn in whole seconds: the
// time since start rounded up, else the timer duration rounded up, else 3.
// The result is at least 1.
func DurationSeconds(now, start time.Time, timer time.Duration) int {
	var d time.Duration
	switch {
	case !start.IsZero():
		d = now.Sub(start)
	case timer > 0:
		d = timer
	default:
		return fallbackDurationSec
	}
	return max(1, int(math.Ceil(d.Seconds())))
}
