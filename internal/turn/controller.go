// Package turn implements the per-session listening window: the state
// machine that decides when the user is talking to the assistant and when a
// query is complete.
//
// A [Controller] owns every timer of its session. Transcript updates, head
// movements, timer fires, configuration changes and finalize completions all
// pass through one dispatch function, so no two events of a session are ever
// handled concurrently. Timer fires and completions carry the turn ID and
// timer generation they were created for; anything stale is logged and
// dropped.
//
//	Idle/HeadGated --wake word--> Listening --debounce|max--> Finalizing --done--> Idle/HeadGated
//
// Finalization itself runs off the dispatch path through a [Finalizer].
package turn

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/mira/internal/clock"
	"github.com/MrWong99/mira/internal/display"
	"github.com/MrWong99/mira/internal/wakeword"
)

// Phase is the controller's state.
type Phase int

const (
	Idle Phase = iota
	HeadGated
	Listening
	Finalizing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case HeadGated:
		return "head_gated"
	case Listening:
		return "listening"
	case Finalizing:
		return "finalizing"
	}
	return "unknown"
}

// Head positions reported by the device.
const (
	HeadUp   = "up"
	HeadDown = "down"
)

// Timings holds every duration the controller arms.
type Timings struct {
	// DebounceFinal follows a final segment with content beyond the wake phrase.
	DebounceFinal time.Duration
	// DebounceWakeOnly follows a final segment ending on a wake phrase.
	DebounceWakeOnly time.Duration
	// DebounceInterim follows an interim segment.
	DebounceInterim time.Duration
	// MaxListen caps a turn. It is armed once and never re-armed.
	MaxListen time.Duration
	// HeadWindow is how long a down->up head movement enables the wake word.
	HeadWindow time.Duration
	// Cooldown keeps the processing guard held after a finalization.
	Cooldown time.Duration
}

// DefaultTimings returns the production timings.
func DefaultTimings() Timings {
	return Timings{
		DebounceFinal:    1500 * time.Millisecond,
		DebounceWakeOnly: 10 * time.Second,
		DebounceInterim:  3 * time.Second,
		MaxListen:        15 * time.Second,
		HeadWindow:       10 * time.Second,
		Cooldown:         2 * time.Second,
	}
}

// Device is the part of the wearable the controller drives. ShowText and the
// subscription calls are invoked on the dispatch path and must not block or
// call back into the controller.
type Device interface {
	ShowText(text string, d time.Duration)
	PlayAudio(ctx context.Context, url string) error
	SubscribeTranscripts()
	UnsubscribeTranscripts()
}

// Guard is the per-session processing guard handed to the finalizer.
type Guard interface {
	// TryAcquire takes the guard. It returns false if it is already held.
	TryAcquire() bool

	// Release frees the guard at once, skipping the cooldown.
	Release()
}

// Trigger names the timer that ended a turn.
type Trigger string

const (
	TriggerDebounce  Trigger = "debounce"
	TriggerMaxListen Trigger = "max_listen"
)

// FinalizeRequest describes a completed listening window.
type FinalizeRequest struct {
	TurnID        string
	StartedAt     time.Time
	TimerDuration time.Duration
	Trigger       Trigger
	Guard         Guard
}

// Finalizer turns a completed listening window into an answer. Finalize runs
// on its own goroutine; the controller leaves Finalizing when it returns.
type Finalizer interface {
	Finalize(ctx context.Context, req FinalizeRequest)
}

// Config wires a [Controller].
type Config struct {
	SessionID string

	// Gating requires a down->up head movement before the wake word counts.
	Gating bool

	// ShouldSpeak reports whether audio cues are played (speak_response set
	// or no display). Nil means never.
	ShouldSpeak func() bool

	// StartSoundURL is played when listening starts. Empty disables the cue.
	StartSoundURL string

	// OnTurnStart runs on the dispatch path when a turn starts listening. It
	// kicks off photo and location collection and must not block.
	OnTurnStart func(turnID string)

	Device    Device
	Finalizer Finalizer
	Matcher   *wakeword.Matcher
	Clock     clock.Clock
	Timings   Timings
	Logger    *slog.Logger

	// NewTurnID generates turn IDs. Defaults to random UUIDs.
	NewTurnID func() string
}

// State is a snapshot of the controller.
type State struct {
	Phase                 Phase
	TurnID                string
	ListeningStartedAt    time.Time
	LastTranscriptText    string
	HeadUpWindowExpiresAt time.Time
	Processing            bool
	Subscribed            bool
	Gating                bool
}

// Controller is the listening window state machine of one session.
type Controller struct {
	cfg    Config
	ctx    context.Context
	log    *slog.Logger
	timers *timerArena

	mu          sync.Mutex
	phase       Phase
	turnID      string
	startedAt   time.Time
	lastText    string
	debounceDur time.Duration
	headUntil   time.Time
	lastHead    string
	gating      bool
	subscribed  bool
	processing  bool
	closed      bool

	wg sync.WaitGroup
}

// New returns a controller. ctx is handed to the finalizer and audio cues;
// cancel it when the session ends. Call [Controller.Start] to apply the
// initial subscription.
func New(ctx context.Context, cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Matcher == nil {
		cfg.Matcher = wakeword.New()
	}
	if cfg.Timings == (Timings{}) {
		cfg.Timings = DefaultTimings()
	}
	if cfg.NewTurnID == nil {
		cfg.NewTurnID = uuid.NewString
	}
	if cfg.ShouldSpeak == nil {
		cfg.ShouldSpeak = func() bool { return false }
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Controller{
		cfg:    cfg,
		ctx:    ctx,
		log:    log.With("component", "turn"),
		timers: newTimerArena(cfg.Clock),
		gating: cfg.Gating,
	}
	c.phase = c.restingPhase()
	return c
}

// ── events ──────────────────────────────────────────────────────────────────

type event interface{ eventName() string }

type transcriptEvent struct {
	text    string
	isFinal bool
}

type headEvent struct{ position string }

type timerEvent struct {
	name   timerName
	gen    uint64
	turnID string
}

type gatingEvent struct{ on bool }

type finalizeDoneEvent struct{ turnID string }

type startEvent struct{}

func (transcriptEvent) eventName() string   { return "transcript" }
func (headEvent) eventName() string         { return "head_position" }
func (e timerEvent) eventName() string      { return "timer:" + e.name.String() }
func (gatingEvent) eventName() string       { return "config_change" }
func (finalizeDoneEvent) eventName() string { return "finalize_done" }
func (startEvent) eventName() string        { return "start" }

// dispatch is the only entry point that mutates state.
func (c *Controller) dispatch(ev event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	switch e := ev.(type) {
	case startEvent:
		c.applySubscription()
	case transcriptEvent:
		c.onTranscript(e)
	case headEvent:
		c.onHead(e)
	case timerEvent:
		c.onTimer(e)
	case gatingEvent:
		c.onGating(e)
	case finalizeDoneEvent:
		c.onFinalizeDone(e)
	}
}

// Start subscribes to transcripts unless gating is enabled.
func (c *Controller) Start() { c.dispatch(startEvent{}) }

// HandleTranscript feeds a transcript update.
func (c *Controller) HandleTranscript(text string, isFinal bool) {
	c.dispatch(transcriptEvent{text: text, isFinal: isFinal})
}

// HandleHeadPosition feeds a head position ("up" or "down").
func (c *Controller) HandleHeadPosition(position string) {
	c.dispatch(headEvent{position: strings.ToLower(strings.TrimSpace(position))})
}

// SetGating applies a changed wake_requires_head_up setting.
func (c *Controller) SetGating(on bool) { c.dispatch(gatingEvent{on: on}) }

// Close cancels every timer and ignores all further events. Running
// finalizations finish; use [Controller.Wait] to wait for them.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.timers.cancelAll()
}

// Wait blocks until every finalization started by the controller returned.
func (c *Controller) Wait() { c.wg.Wait() }

// State returns a snapshot.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Phase:                 c.phase,
		TurnID:                c.turnID,
		ListeningStartedAt:    c.startedAt,
		LastTranscriptText:    c.lastText,
		HeadUpWindowExpiresAt: c.headUntil,
		Processing:            c.processing,
		Subscribed:            c.subscribed,
		Gating:                c.gating,
	}
}

// ── handlers (called with mu held) ─────────────────────────────────────────

func (c *Controller) onTranscript(e transcriptEvent) {
	if c.phase == Finalizing || c.processing {
		c.log.Debug("transcript ignored while processing", "phase", c.phase)
		return
	}

	if c.phase != Listening {
		if !c.cfg.Matcher.Contains(wakeword.Normalize(e.text)) {
			return
		}
		now := c.cfg.Clock.Now()
		if c.gating && now.After(c.headUntil) {
			c.log.Debug("wake word ignored: outside head-up window")
			return
		}
		c.startTurn(now)
	}
	c.updateTurn(e)
}

func (c *Controller) startTurn(now time.Time) {
	c.turnID = c.cfg.NewTurnID()
	c.phase = Listening
	c.startedAt = now
	c.log.Info("listening started", "turn_id", c.turnID)

	c.armTurnTimer(timerMaxListen, c.cfg.Timings.MaxListen)

	if c.cfg.OnTurnStart != nil {
		c.cfg.OnTurnStart(c.turnID)
	}
	if url := c.cfg.StartSoundURL; url != "" && c.cfg.ShouldSpeak() {
		go func() {
			if err := c.cfg.Device.PlayAudio(c.ctx, url); err != nil {
				c.log.Warn("start cue failed", "err", err)
			}
		}()
	}
}

func (c *Controller) updateTurn(e transcriptEvent) {
	c.lastText = e.text

	live, _ := c.cfg.Matcher.Remainder(e.text)
	if live == "" {
		c.cfg.Device.ShowText(display.ListeningPrompt, display.ListeningIdle)
	} else {
		c.cfg.Device.ShowText(display.Wrap(display.ListeningPrompt+"\n\n"+live, display.Width), display.ListeningLive)
	}

	var d time.Duration
	switch {
	case !e.isFinal:
		d = c.cfg.Timings.DebounceInterim
	case c.cfg.Matcher.EndsWith(e.text):
		d = c.cfg.Timings.DebounceWakeOnly
	default:
		d = c.cfg.Timings.DebounceFinal
	}
	c.debounceDur = d
	c.armTurnTimer(timerDebounce, d)
}

func (c *Controller) armTurnTimer(name timerName, d time.Duration) {
	turnID := c.turnID
	c.timers.arm(name, d, func(gen uint64) {
		c.dispatch(timerEvent{name: name, gen: gen, turnID: turnID})
	})
}

func (c *Controller) onTimer(e timerEvent) {
	if !c.timers.current(e.name, e.gen) {
		c.log.Debug("stale timer fire dropped", "timer", e.name.String())
		return
	}
	c.timers.consume(e.name)

	switch e.name {
	case timerDebounce, timerMaxListen:
		if c.phase != Listening || e.turnID != c.turnID {
			c.log.Warn("timer fired for a stale turn", "timer", e.name.String(), "turn_id", e.turnID, "current_turn_id", c.turnID)
			return
		}
		c.finalize(e.name)

	case timerHeadWindow:
		c.headUntil = time.Time{}
		if c.phase != Listening && c.phase != Finalizing && c.gating {
			c.log.Debug("head-up window expired without wake word")
			c.unsubscribe()
		}

	case timerCooldown:
		c.processing = false
	}
}

func (c *Controller) finalize(by timerName) {
	c.timers.cancel(timerDebounce)
	c.timers.cancel(timerMaxListen)
	c.phase = Finalizing

	req := FinalizeRequest{
		TurnID:    c.turnID,
		StartedAt: c.startedAt,
		Guard:     sessionGuard{c: c},
	}
	if by == timerMaxListen {
		req.Trigger = TriggerMaxListen
		req.TimerDuration = c.cfg.Timings.MaxListen
		c.log.Info("maximum listening time reached", "turn_id", c.turnID)
	} else {
		req.Trigger = TriggerDebounce
		req.TimerDuration = c.debounceDur
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.cfg.Finalizer.Finalize(c.ctx, req)
		c.dispatch(finalizeDoneEvent{turnID: req.TurnID})
	}()
}

func (c *Controller) onFinalizeDone(e finalizeDoneEvent) {
	if c.phase != Finalizing || e.turnID != c.turnID {
		c.log.Warn("stale finalize completion dropped", "turn_id", e.turnID)
		return
	}
	c.phase = c.restingPhase()
	c.turnID = ""
	c.startedAt = time.Time{}
	c.lastText = ""
	c.debounceDur = 0

	if c.processing {
		c.timers.arm(timerCooldown, c.cfg.Timings.Cooldown, func(gen uint64) {
			c.dispatch(timerEvent{name: timerCooldown, gen: gen})
		})
	}
	if c.gating && c.cfg.Clock.Now().After(c.headUntil) {
		c.unsubscribe()
	}
}

func (c *Controller) onHead(e headEvent) {
	if e.position != HeadUp && e.position != HeadDown {
		return
	}
	if !c.gating {
		c.lastHead = e.position
		return
	}
	if c.lastHead == HeadDown && e.position == HeadUp {
		c.headUntil = c.cfg.Clock.Now().Add(c.cfg.Timings.HeadWindow)
		c.log.Debug("head-up window opened", "until", c.headUntil)
		c.subscribe()
		c.timers.arm(timerHeadWindow, c.cfg.Timings.HeadWindow, func(gen uint64) {
			c.dispatch(timerEvent{name: timerHeadWindow, gen: gen})
		})
	}
	c.lastHead = e.position
}

func (c *Controller) onGating(e gatingEvent) {
	if e.on == c.gating {
		return
	}
	c.log.Info("head-up gating changed", "enabled", e.on)
	c.gating = e.on
	c.headUntil = time.Time{}
	c.timers.cancel(timerHeadWindow)
	if c.phase == Idle || c.phase == HeadGated {
		c.phase = c.restingPhase()
	}
	c.applySubscription()
}

// applySubscription resets the subscription to match the gating mode. A
// running turn keeps its subscription.
func (c *Controller) applySubscription() {
	if !c.gating {
		c.subscribe()
		return
	}
	if c.phase != Listening && c.phase != Finalizing {
		c.unsubscribe()
	}
}

func (c *Controller) restingPhase() Phase {
	if c.gating {
		return HeadGated
	}
	return Idle
}

func (c *Controller) subscribe() {
	if c.subscribed {
		return
	}
	c.subscribed = true
	c.cfg.Device.SubscribeTranscripts()
}

func (c *Controller) unsubscribe() {
	if !c.subscribed {
		return
	}
	c.subscribed = false
	c.cfg.Device.UnsubscribeTranscripts()
}

// sessionGuard exposes the controller's processing flag to the finalizer.
type sessionGuard struct{ c *Controller }

func (g sessionGuard) TryAcquire() bool {
	g.c.mu.Lock()
	defer g.c.mu.Unlock()
	if g.c.processing {
		return false
	}
	g.c.processing = true
	return true
}

func (g sessionGuard) Release() {
	g.c.mu.Lock()
	defer g.c.mu.Unlock()
	g.c.processing = false
	g.c.timers.cancel(timerCooldown)
}
