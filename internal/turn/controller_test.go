package turn_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/mira/internal/clock/fake"
	"github.com/MrWong99/mira/internal/display"
	"github.com/MrWong99/mira/internal/turn"
)

var t0 = time.Date(2025, 3, 14, 15, 9, 0, 0, time.UTC)

// ── test doubles ────────────────────────────────────────────────────────────

type shown struct {
	text string
	d    time.Duration
}

type device struct {
	mu           sync.Mutex
	shown        []shown
	played       []string
	subscribes   int
	unsubscribes int
}

func (d *device) ShowText(text string, dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown = append(d.shown, shown{text, dur})
}

func (d *device) PlayAudio(_ context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.played = append(d.played, url)
	return nil
}

func (d *device) SubscribeTranscripts() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribes++
}

func (d *device) UnsubscribeTranscripts() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.unsubscribes++
}

func (d *device) last() shown {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.shown) == 0 {
		return shown{}
	}
	return d.shown[len(d.shown)-1]
}

func (d *device) subs() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subscribes, d.unsubscribes
}

// finalizer records every request. With hold set, Finalize blocks until
// release is closed. With acquire set, it takes the guard and keeps it.
type finalizer struct {
	mu      sync.Mutex
	reqs    []turn.FinalizeRequest
	hold    bool
	acquire bool
	release chan struct{}
	called  chan struct{}
}

func newFinalizer() *finalizer {
	return &finalizer{release: make(chan struct{}), called: make(chan struct{}, 16)}
}

func (f *finalizer) Finalize(_ context.Context, req turn.FinalizeRequest) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	hold, acquire := f.hold, f.acquire
	f.mu.Unlock()
	if acquire {
		req.Guard.TryAcquire()
	}
	f.called <- struct{}{}
	if hold {
		<-f.release
	}
}

func (f *finalizer) requests() []turn.FinalizeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]turn.FinalizeRequest(nil), f.reqs...)
}

func (f *finalizer) waitCalled(t *testing.T) {
	t.Helper()
	select {
	case <-f.called:
	case <-time.After(2 * time.Second):
		t.Fatal("finalizer not called")
	}
}

type harness struct {
	c   *turn.Controller
	clk *fake.Clock
	dev *device
	fin *finalizer
}

func newHarness(t *testing.T, gating bool, mutate ...func(*turn.Config)) *harness {
	t.Helper()
	h := &harness{clk: fake.New(t0), dev: &device{}, fin: newFinalizer()}
	n := 0
	cfg := turn.Config{
		SessionID: "s1",
		Gating:    gating,
		Device:    h.dev,
		Finalizer: h.fin,
		Clock:     h.clk,
		NewTurnID: func() string { n++; return fmt.Sprintf("turn-%d", n) },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.c = turn.New(context.Background(), cfg)
	h.c.Start()
	t.Cleanup(func() {
		h.c.Close()
		h.c.Wait()
	})
	return h
}

// waitFor polls cond until it holds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitPhase(t *testing.T, p turn.Phase) {
	t.Helper()
	waitFor(t, "phase "+p.String(), func() bool { return h.c.State().Phase == p })
}

// ── listening window ────────────────────────────────────────────────────────

func TestController_FinalSegmentFinalizesAfterDebounce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)

	h.c.HandleTranscript("Hey Mentra, what's the weather?", true)

	st := h.c.State()
	if st.Phase != turn.Listening || st.TurnID != "turn-1" || !st.ListeningStartedAt.Equal(t0) {
		t.Fatalf("state = %+v", st)
	}
	if got := h.dev.last(); got.text != "Listening...\n\nwhat's the weather?" || got.d != display.ListeningLive {
		t.Errorf("shown = %+v", got)
	}

	h.clk.Advance(1499 * time.Millisecond)
	if len(h.fin.requests()) != 0 {
		t.Fatal("finalized before debounce elapsed")
	}
	h.clk.Advance(time.Millisecond)
	h.fin.waitCalled(t)

	req := h.fin.requests()[0]
	if req.TurnID != "turn-1" || req.Trigger != turn.TriggerDebounce || req.TimerDuration != 1500*time.Millisecond {
		t.Errorf("req = %+v", req)
	}
	h.waitPhase(t, turn.Idle)
	if st := h.c.State(); st.TurnID != "" || st.LastTranscriptText != "" {
		t.Errorf("turn not cleared: %+v", st)
	}
}

func TestController_DebounceDurations(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		text    string
		isFinal bool
		want    time.Duration
	}{
		{name: "final with query", text: "hey mentra what time is it", isFinal: true, want: 1500 * time.Millisecond},
		{name: "final wake word only", text: "Hey Mentra.", isFinal: true, want: 10 * time.Second},
		{name: "interim", text: "hey mentra what", isFinal: false, want: 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, false)
			h.c.HandleTranscript(tt.text, tt.isFinal)

			h.clk.Advance(tt.want - time.Millisecond)
			if len(h.fin.requests()) != 0 {
				t.Fatal("finalized early")
			}
			h.clk.Advance(time.Millisecond)
			h.fin.waitCalled(t)
			if got := h.fin.requests()[0].TimerDuration; got != tt.want {
				t.Errorf("TimerDuration = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestController_WakeWordOnlyShowsPrompt(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	h.c.HandleTranscript("hey mentra", false)
	if got := h.dev.last(); got.text != display.ListeningPrompt || got.d != display.ListeningIdle {
		t.Errorf("shown = %+v", got)
	}
}

func TestController_NoWakeWordIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	h.c.HandleTranscript("what's the weather", true)
	if st := h.c.State(); st.Phase != turn.Idle || st.TurnID != "" {
		t.Errorf("state = %+v", st)
	}
	if h.clk.Pending() != 0 {
		t.Errorf("timers armed without wake word: %d", h.clk.Pending())
	}
}

func TestController_UpdatesResetDebounceOnly(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)

	h.c.HandleTranscript("hey mentra tell me", false)
	for i := 0; i < 7; i++ {
		h.clk.Advance(2 * time.Second)
		h.c.HandleTranscript(fmt.Sprintf("hey mentra tell me a long story part %d", i), false)
	}
	// 14s of continuous interim updates; max listen fires at 15s.
	if len(h.fin.requests()) != 0 {
		t.Fatal("finalized while updates kept arriving")
	}
	h.clk.Advance(time.Second)
	h.fin.waitCalled(t)

	req := h.fin.requests()[0]
	if req.Trigger != turn.TriggerMaxListen || req.TimerDuration != 15*time.Second {
		t.Errorf("req = %+v", req)
	}
	if !req.StartedAt.Equal(t0) {
		t.Errorf("StartedAt = %v, want %v", req.StartedAt, t0)
	}
}

func TestController_ExactlyOneFinalize(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	h.fin.hold = true

	h.c.HandleTranscript("hey mentra", true)
	h.clk.Advance(5 * time.Second)
	// The wake-only debounce now fires at 15s, the same instant as max listen.
	h.c.HandleTranscript("hey mentra", true)
	h.clk.Advance(10 * time.Second)
	h.fin.waitCalled(t)

	if n := len(h.fin.requests()); n != 1 {
		t.Fatalf("finalize calls = %d, want 1", n)
	}
	if h.clk.Pending() != 0 {
		t.Errorf("turn timers still armed: %d", h.clk.Pending())
	}
	close(h.fin.release)
	h.waitPhase(t, turn.Idle)
}

func TestController_IgnoresTranscriptsWhileFinalizing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	h.fin.hold = true

	h.c.HandleTranscript("hey mentra first", true)
	h.clk.Advance(1500 * time.Millisecond)
	h.fin.waitCalled(t)

	h.c.HandleTranscript("hey mentra second", true)
	if st := h.c.State(); st.Phase != turn.Finalizing || st.TurnID != "turn-1" {
		t.Errorf("state = %+v", st)
	}
	close(h.fin.release)
	h.waitPhase(t, turn.Idle)
}

func TestController_CooldownAfterProcessing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	h.fin.acquire = true

	h.c.HandleTranscript("hey mentra first", true)
	h.clk.Advance(1500 * time.Millisecond)
	h.fin.waitCalled(t)
	h.waitPhase(t, turn.Idle)
	waitFor(t, "cooldown armed", func() bool { return h.clk.Pending() == 1 })

	h.c.HandleTranscript("hey mentra second", true)
	if st := h.c.State(); st.Phase != turn.Idle || !st.Processing {
		t.Fatalf("transcript accepted during cooldown: %+v", st)
	}

	h.clk.Advance(2 * time.Second)
	if h.c.State().Processing {
		t.Fatal("processing still held after cooldown")
	}
	h.c.HandleTranscript("hey mentra third", true)
	if st := h.c.State(); st.Phase != turn.Listening || st.TurnID != "turn-2" {
		t.Errorf("state = %+v", st)
	}
}

func TestController_GuardReleaseSkipsCooldown(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	h.fin.hold = true

	h.c.HandleTranscript("hey mentra", true)
	h.clk.Advance(10 * time.Second)
	h.fin.waitCalled(t)

	g := h.fin.requests()[0].Guard
	if !g.TryAcquire() {
		t.Fatal("first acquire failed")
	}
	if g.TryAcquire() {
		t.Fatal("guard acquired twice")
	}
	g.Release()
	close(h.fin.release)
	h.waitPhase(t, turn.Idle)
	if st := h.c.State(); st.Processing {
		t.Errorf("processing held after release: %+v", st)
	}
	if h.clk.Pending() != 0 {
		t.Errorf("cooldown armed after release")
	}
}

func TestController_CloseCancelsTimers(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	h.c.HandleTranscript("hey mentra one", true)
	h.c.Close()

	h.clk.Advance(20 * time.Second)
	if len(h.fin.requests()) != 0 {
		t.Error("timer fired after close")
	}
	if st := h.c.State(); st.Phase != turn.Listening {
		t.Errorf("closed controller changed phase: %v", st.Phase)
	}
}

func TestController_StartCue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false, func(c *turn.Config) {
		c.StartSoundURL = "https://cdn.example/start.mp3"
		c.ShouldSpeak = func() bool { return true }
	})
	var started []string
	h2 := newHarness(t, false, func(c *turn.Config) {
		c.StartSoundURL = "https://cdn.example/start.mp3"
		c.OnTurnStart = func(id string) { started = append(started, id) }
	})

	h.c.HandleTranscript("hey mentra", false)
	waitFor(t, "start cue", func() bool {
		h.dev.mu.Lock()
		defer h.dev.mu.Unlock()
		return len(h.dev.played) == 1
	})

	h2.c.HandleTranscript("hey mentra", false)
	h2.c.HandleTranscript("hey mentra hi", false)
	if len(started) != 1 || started[0] != "turn-1" {
		t.Errorf("OnTurnStart calls = %v", started)
	}
	h2.dev.mu.Lock()
	played := len(h2.dev.played)
	h2.dev.mu.Unlock()
	if played != 0 {
		t.Error("start cue played with speech disabled")
	}
}

// ── head-up gating ──────────────────────────────────────────────────────────

func TestController_GatingStartsUnsubscribed(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	if st := h.c.State(); st.Phase != turn.HeadGated || st.Subscribed {
		t.Errorf("state = %+v", st)
	}
	if sub, _ := h.dev.subs(); sub != 0 {
		t.Errorf("subscribed %d times", sub)
	}

	ungated := newHarness(t, false)
	if st := ungated.c.State(); st.Phase != turn.Idle || !st.Subscribed {
		t.Errorf("ungated state = %+v", st)
	}
}

func TestController_HeadWindow(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)

	// Wake word without a head-up movement is ignored.
	h.c.HandleTranscript("hey mentra", true)
	if h.c.State().Phase != turn.HeadGated {
		t.Fatal("wake word accepted outside head-up window")
	}

	// Up without a preceding down does not open the window.
	h.c.HandleHeadPosition("up")
	if st := h.c.State(); st.Subscribed {
		t.Fatal("window opened without down->up")
	}

	h.c.HandleHeadPosition("down")
	h.c.HandleHeadPosition("up")
	st := h.c.State()
	if !st.Subscribed || !st.HeadUpWindowExpiresAt.Equal(t0.Add(10*time.Second)) {
		t.Fatalf("state = %+v", st)
	}

	h.clk.Advance(10 * time.Second)
	st = h.c.State()
	if st.Subscribed || !st.HeadUpWindowExpiresAt.IsZero() {
		t.Errorf("window not closed: %+v", st)
	}
	if sub, unsub := h.dev.subs(); sub != 1 || unsub != 1 {
		t.Errorf("subscribe/unsubscribe = %d/%d, want 1/1", sub, unsub)
	}
}

func TestController_HeadWindowWakeWord(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)

	h.c.HandleHeadPosition("down")
	h.c.HandleHeadPosition("up")
	h.clk.Advance(3 * time.Second)
	h.c.HandleTranscript("hey mentra", true)
	if h.c.State().Phase != turn.Listening {
		t.Fatal("wake word rejected inside window")
	}

	// The window expiring mid-turn keeps the subscription.
	h.clk.Advance(7 * time.Second)
	if st := h.c.State(); !st.Subscribed {
		t.Fatal("unsubscribed mid-turn")
	}

	h.clk.Advance(3 * time.Second) // wake-only debounce
	h.fin.waitCalled(t)
	h.waitPhase(t, turn.HeadGated)
	waitFor(t, "unsubscribe after turn", func() bool { return !h.c.State().Subscribed })
}

func TestController_SetGating(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)

	h.c.SetGating(true)
	if st := h.c.State(); st.Phase != turn.HeadGated || st.Subscribed || !st.Gating {
		t.Errorf("after enable: %+v", st)
	}
	h.c.SetGating(false)
	if st := h.c.State(); st.Phase != turn.Idle || !st.Subscribed {
		t.Errorf("after disable: %+v", st)
	}
	if sub, unsub := h.dev.subs(); sub != 2 || unsub != 1 {
		t.Errorf("subscribe/unsubscribe = %d/%d, want 2/1", sub, unsub)
	}
}

func TestController_SetGatingDuringTurnKeepsListening(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	h.c.HandleTranscript("hey mentra", false)
	h.c.SetGating(true)
	st := h.c.State()
	if st.Phase != turn.Listening || !st.Subscribed {
		t.Errorf("turn interrupted: %+v", st)
	}
}

func TestPhase_String(t *testing.T) {
	t.Parallel()
	for p, want := range map[turn.Phase]string{
		turn.Idle: "idle", turn.HeadGated: "head_gated", turn.Listening: "listening", turn.Finalizing: "finalizing",
	} {
		if got := p.String(); !strings.EqualFold(got, want) {
			t.Errorf("%d.String() = %q, want %q", p, got, want)
		}
	}
}
