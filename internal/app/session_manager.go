package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/mira/internal/capture"
	"github.com/MrWong99/mira/internal/clock"
	"github.com/MrWong99/mira/internal/feed"
	"github.com/MrWong99/mira/internal/finalize"
	"github.com/MrWong99/mira/internal/notify"
	"github.com/MrWong99/mira/internal/observe"
	"github.com/MrWong99/mira/internal/settings"
	"github.com/MrWong99/mira/internal/turn"
	"github.com/MrWong99/mira/internal/wakeword"
	"github.com/MrWong99/mira/pkg/sessionstore"
)

// locationAccuracy is requested when a turn starts.
const locationAccuracy = "high"

// ErrUnknownUser is returned by [SessionManager.UpdateSettings] when the
// user has no live session.
var ErrUnknownUser = errors.New("app: no live session for user")

// SessionInfo holds metadata about a connected device session.
type SessionInfo struct {
	// SessionID is the identifier announced by the device.
	SessionID string

	// UserID identifies the wearer.
	UserID string

	// ServerURL is the cleaned device cloud base URL.
	ServerURL string

	// Capabilities describes the connected hardware.
	Capabilities feed.Capabilities

	// StartedAt is when the device connected.
	StartedAt time.Time
}

// Finalizer runs the finalize pipeline of a completed listening window.
// *finalize.Finalizer satisfies it.
type Finalizer interface {
	Finalize(ctx context.Context, req finalize.Request) string
}

// ClientCache drops cached model clients. *resolver.Resolver satisfies it.
type ClientCache interface {
	Invalidate(sessionID string)
	Forget(sessionID string)
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Finalizer     Finalizer
	Clients       ClientCache
	Collector     *capture.Collector
	Notifications *notify.Store
	Sessions      sessionstore.Store
	Matcher       *wakeword.Matcher
	Clock         clock.Clock
	Metrics       *observe.Metrics

	// WakeRequiresHeadUp is the gating default for sessions that do not
	// announce the setting.
	WakeRequiresHeadUp bool

	StartSoundURL string

	// Timings overrides the controller timings. Zero means defaults.
	Timings turn.Timings
}

// SessionManager owns every connected device session. Sessions are keyed by
// session ID; a reconnect with a known ID replaces the old session.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	cfg SessionManagerConfig

	mu       sync.Mutex
	sessions map[string]*session
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Matcher == nil {
		cfg.Matcher = wakeword.New()
	}
	if cfg.Notifications == nil {
		cfg.Notifications = notify.NewStore(notify.DefaultCapacity)
	}
	if cfg.Sessions == nil {
		cfg.Sessions = sessionstore.NewMemStore()
	}
	if cfg.Timings == (turn.Timings{}) {
		cfg.Timings = turn.DefaultTimings()
	}
	return &SessionManager{cfg: cfg, sessions: make(map[string]*session)}
}

// ServeHTTP upgrades the request to a device feed and runs the session until
// the device disconnects.
func (sm *SessionManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	conn, err := feed.Accept(w, r, log)
	if err != nil {
		log.Warn("device upgrade failed", "err", err)
		return
	}
	hello, err := conn.Hello(r.Context())
	if err != nil {
		log.Warn("device handshake failed", "err", err)
		conn.Close("handshake failed")
		return
	}

	// The request context ends with the handler; the session outlives
	// neither the connection nor the server.
	ctx := context.WithoutCancel(r.Context())
	s := sm.open(ctx, conn, hello)
	err = conn.Serve(s.ctx, s)
	s.log.Debug("device feed ended", "reason", err)
	sm.close(s)
}

// open builds and registers the session of a freshly connected device.
func (sm *SessionManager) open(ctx context.Context, conn *feed.Conn, hello feed.Hello) *session {
	info := SessionInfo{
		SessionID:    hello.SessionID,
		UserID:       hello.UserID,
		ServerURL:    CleanServerURL(hello.ServerURL),
		Capabilities: hello.Capabilities,
		StartedAt:    sm.cfg.Clock.Now(),
	}
	sctx, cancel := context.WithCancel(observe.WithSession(ctx, info.SessionID, info.UserID))
	log := observe.Logger(sctx)

	sm.mu.Lock()
	gatingDefault, startSound := sm.cfg.WakeRequiresHeadUp, sm.cfg.StartSoundURL
	sm.mu.Unlock()

	s := &session{
		mgr:           sm,
		info:          info,
		gatingDefault: gatingDefault,
		conn:          conn,
		ctx:           sctx,
		cancel:        cancel,
		log:           log,
		settings:      settings.New(hello.Settings),
	}
	if err := settings.Validate(hello.Settings); err != nil {
		log.Warn("device announced invalid settings", "err", err)
	}

	s.ctrl = turn.New(sctx, turn.Config{
		SessionID:     info.SessionID,
		Gating:        s.gating(),
		ShouldSpeak:   s.speakAloud,
		StartSoundURL: startSound,
		OnTurnStart:   s.onTurnStart,
		Device:        conn,
		Finalizer:     s,
		Matcher:       sm.cfg.Matcher,
		Clock:         sm.cfg.Clock,
		Timings:       sm.cfg.Timings,
		Logger:        log,
	})
	s.unsubscribe = s.settings.OnChange(s.onSettingsChanged)

	if _, err := sm.cfg.Sessions.GetOrCreate(sctx, info.SessionID, info.UserID); err != nil {
		log.Warn("session record unavailable", "err", err)
	}

	sm.mu.Lock()
	old := sm.sessions[info.SessionID]
	sm.sessions[info.SessionID] = s
	sm.mu.Unlock()
	if old != nil {
		old.log.Info("session replaced by reconnect")
		old.conn.Close("replaced")
	}

	if sm.cfg.Metrics != nil {
		sm.cfg.Metrics.ActiveSessions.Add(sctx, 1)
	}

	conn.Subscribe(feed.StreamHeadPosition)
	conn.Subscribe(feed.StreamLocation)
	conn.Subscribe(feed.StreamNotifications)
	s.ctrl.Start()

	log.Info("session started",
		"server_url", info.ServerURL,
		"has_display", info.Capabilities.HasDisplay,
		"has_camera", info.Capabilities.HasCamera,
		"gating", s.gating(),
	)
	return s
}

// close tears a session down. It is a no-op for sessions already closed.
func (sm *SessionManager) close(s *session) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}

	sm.mu.Lock()
	if sm.sessions[s.info.SessionID] == s {
		delete(sm.sessions, s.info.SessionID)
	}
	replaced := sm.sessions[s.info.SessionID] != nil
	sm.mu.Unlock()

	s.ctrl.Close()
	s.cancel()
	s.unsubscribe()
	s.conn.Close("session ended")
	s.ctrl.Wait()

	// A reconnect took over the per-session caches.
	if !replaced {
		if sm.cfg.Collector != nil {
			sm.cfg.Collector.Forget(s.info.SessionID)
		}
		if sm.cfg.Clients != nil {
			sm.cfg.Clients.Forget(s.info.SessionID)
		}
	}
	if sm.cfg.Metrics != nil {
		sm.cfg.Metrics.ActiveSessions.Add(context.Background(), -1)
	}
	s.log.Info("session stopped", "duration", sm.cfg.Clock.Now().Sub(s.info.StartedAt).Round(time.Second))
}

// SetTurnDefaults changes the gating default and start cue of sessions
// that connect from now on.
func (sm *SessionManager) SetTurnDefaults(wakeRequiresHeadUp bool, startSoundURL string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg.WakeRequiresHeadUp = wakeRequiresHeadUp
	sm.cfg.StartSoundURL = startSoundURL
}

// Active returns the number of connected sessions.
func (sm *SessionManager) Active() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Info returns metadata about a connected session.
func (sm *SessionManager) Info(sessionID string) (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.sessions[sessionID]
	if !ok {
		return SessionInfo{}, false
	}
	return s.info, true
}

// Sessions returns the connected sessions ordered by start time.
func (sm *SessionManager) Sessions() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, s.info)
	}
	sm.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// UpdateSettings applies values to every live session of userID and
// returns how many sessions were updated. Invalid values are rejected
// before any session changes.
func (sm *SessionManager) UpdateSettings(userID string, values map[string]any) (int, error) {
	if err := settings.Validate(values); err != nil {
		return 0, err
	}
	sm.mu.Lock()
	var targets []*session
	for _, s := range sm.sessions {
		if s.info.UserID == userID {
			targets = append(targets, s)
		}
	}
	sm.mu.Unlock()
	if len(targets) == 0 {
		return 0, fmt.Errorf("%w: %s", ErrUnknownUser, userID)
	}
	for _, s := range targets {
		if err := s.settings.Update(values); err != nil {
			return 0, err
		}
	}
	return len(targets), nil
}

// Sweep deletes stored sessions idle for longer than
// [sessionstore.IdleTimeout]. Connected sessions are never idle long enough
// to be swept because every turn touches them.
func (sm *SessionManager) Sweep(ctx context.Context) (int, error) {
	cutoff := sm.cfg.Clock.Now().Add(-sessionstore.IdleTimeout)
	n, err := sm.cfg.Sessions.SweepIdle(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("app: sweep idle sessions: %w", err)
	}
	if n > 0 {
		slog.Info("swept idle sessions", "count", n)
	}
	return n, nil
}

// CloseAll ends every connected session.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	all := make([]*session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		all = append(all, s)
	}
	sm.mu.Unlock()
	for _, s := range all {
		sm.close(s)
	}
}

// CleanServerURL turns the device cloud websocket URL announced by a device
// into the HTTPS base URL of its REST API: the ws or wss scheme becomes https
// and a trailing /app-ws is removed. An empty input stays empty.
func CleanServerURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	rest := raw
	for _, scheme := range []string{"wss://", "ws://", "https://", "http://"} {
		if after, ok := strings.CutPrefix(raw, scheme); ok {
			rest = after
			break
		}
	}
	rest = strings.TrimSuffix(rest, "/app-ws")
	return "https://" + rest
}
