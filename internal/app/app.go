// Package app wires all Mira subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and the device feed until the context ends,
// and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSessionStore,
// WithGeocoder, WithTranscripts, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/mira/internal/assistant"
	"github.com/MrWong99/mira/internal/capture"
	"github.com/MrWong99/mira/internal/clock"
	"github.com/MrWong99/mira/internal/config"
	"github.com/MrWong99/mira/internal/finalize"
	"github.com/MrWong99/mira/internal/health"
	"github.com/MrWong99/mira/internal/notify"
	"github.com/MrWong99/mira/internal/observe"
	"github.com/MrWong99/mira/internal/resilience"
	"github.com/MrWong99/mira/internal/resolver"
	"github.com/MrWong99/mira/internal/toolbox"
	"github.com/MrWong99/mira/internal/wakeword"
	"github.com/MrWong99/mira/pkg/geocode"
	"github.com/MrWong99/mira/pkg/geocode/locationiq"
	"github.com/MrWong99/mira/pkg/sessionstore"
	"github.com/MrWong99/mira/pkg/sessionstore/postgres"
	"github.com/MrWong99/mira/pkg/transcripts"
)

// sweepInterval is how often idle stored sessions are swept.
const sweepInterval = time.Hour

// wakeTargets are the words the phonetic wake-word fallback listens for.
var wakeTargets = []string{"mentra", "mira"}

// App owns all subsystem lifetimes.
type App struct {
	cfgMu   sync.RWMutex
	cfg     *config.Config
	reg     *config.Registry
	version string

	// Subsystems: initialised in New, torn down in Shutdown.
	metrics     *observe.Metrics
	clock       clock.Clock
	sessions    sessionstore.Store
	pinger      func(context.Context) error
	resolver    *resolver.Resolver
	geocoder    geocode.Geocoder
	collector   *capture.Collector
	notes       *notify.Store
	mcp         *toolbox.MCPSource
	cloud       *toolbox.CloudSource
	tools       *toolbox.Loader
	transcripts finalize.TranscriptFetcher
	finalizer   *finalize.Finalizer
	manager     *SessionManager
	handler     http.Handler

	server *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSessionStore injects a session store instead of creating one from
// config.
func WithSessionStore(s sessionstore.Store) Option {
	return func(a *App) { a.sessions = s }
}

// WithGeocoder injects a geocoder instead of creating a LocationIQ client.
func WithGeocoder(g geocode.Geocoder) Option {
	return func(a *App) { a.geocoder = g }
}

// WithTranscripts injects the transcript store client.
func WithTranscripts(t finalize.TranscriptFetcher) Option {
	return func(a *App) { a.transcripts = t }
}

// WithCloudTools injects the cloud app tool source.
func WithCloudTools(s *toolbox.CloudSource) Option {
	return func(a *App) { a.cloud = s }
}

// WithMetrics injects the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock injects the clock driving controllers and caches.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// WithVersion sets the version reported by /api/info and to MCP servers.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. reg carries the
// model factories registered by main.go. Use Option functions to inject test
// doubles for any subsystem.
//
// New performs all initialisation synchronously: session store connection,
// provider resolution, context collection, tool sources, the finalize
// pipeline, the session manager and the HTTP routes.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:     cfg,
		reg:     reg,
		version: "dev",
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.clock == nil {
		a.clock = clock.Real{}
	}

	// ── 1. Session store ─────────────────────────────────────────────────
	if err := a.initSessions(ctx); err != nil {
		return nil, fmt.Errorf("app: init sessions: %w", err)
	}

	// ── 2. Provider resolver ─────────────────────────────────────────────
	a.resolver = resolver.New(a.reg, cfg.LLM, resolver.WithMetrics(a.metrics))

	// ── 3. Context collection ────────────────────────────────────────────
	if err := a.initCollector(); err != nil {
		return nil, fmt.Errorf("app: init context collection: %w", err)
	}

	// ── 4. Tool sources ──────────────────────────────────────────────────
	a.initTools(ctx)

	// ── 5. Finalize pipeline ─────────────────────────────────────────────
	a.initFinalizer()

	// ── 6. Session manager ───────────────────────────────────────────────
	a.manager = NewSessionManager(SessionManagerConfig{
		Finalizer:          a.finalizer,
		Clients:            a.resolver,
		Collector:          a.collector,
		Notifications:      a.notes,
		Sessions:           a.sessions,
		Matcher:            a.matcher(),
		Clock:              a.clock,
		Metrics:            a.metrics,
		WakeRequiresHeadUp: cfg.Turn.WakeRequiresHeadUp,
		StartSoundURL:      cfg.Turn.StartSoundURL,
	})

	// ── 7. HTTP routes ───────────────────────────────────────────────────
	a.handler = a.routes()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initSessions connects the PostgreSQL session store when a DSN is
// configured and falls back to the in-memory store otherwise.
func (a *App) initSessions(ctx context.Context) error {
	if a.sessions != nil {
		return nil
	}
	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		slog.Info("no database configured, sessions are kept in memory")
		a.sessions = sessionstore.NewMemStore()
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.sessions = store
	a.pinger = store.Ping
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	return nil
}

// initCollector builds the photo cache and the breaker-protected location
// resolver.
func (a *App) initCollector() error {
	if a.geocoder == nil && a.cfg.Geocode.Token != "" {
		var gopts []locationiq.Option
		if a.cfg.Geocode.BaseURL != "" {
			gopts = append(gopts, locationiq.WithBaseURL(a.cfg.Geocode.BaseURL))
		}
		if a.cfg.Geocode.Timeout > 0 {
			gopts = append(gopts, locationiq.WithTimeout(a.cfg.Geocode.Timeout))
		}
		g, err := locationiq.New(a.cfg.Geocode.Token, gopts...)
		if err != nil {
			return err
		}
		a.geocoder = g
	}
	if a.geocoder == nil {
		slog.Warn("no geocoder configured, locations stay unknown")
	}

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:  "geocode",
		Clock: a.clock,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state change", "name", name, "from", from, "to", to)
		},
	})
	photos := capture.NewPhotoCache(capture.WithClock(a.clock), capture.WithMetrics(a.metrics))
	a.collector = capture.NewCollector(photos, capture.NewLocationResolver(a.geocoder, breaker, a.metrics))
	a.notes = notify.NewStore(notify.DefaultCapacity)
	return nil
}

// initTools registers the configured MCP servers next to the cloud app and
// built-in tool sources. A server that fails to register is logged and
// skipped.
func (a *App) initTools(ctx context.Context) {
	a.mcp = toolbox.NewMCPSource(a.version)
	a.closers = append(a.closers, a.mcp.Close)
	for _, srv := range a.cfg.MCP.Servers {
		if err := a.mcp.Register(ctx, srv); err != nil {
			slog.Warn("register mcp server failed", "name", srv.Name, "err", err)
			continue
		}
		slog.Info("registered MCP server", "name", srv.Name, "transport", srv.Transport)
	}
	if a.cloud == nil {
		a.cloud = toolbox.NewCloudSource()
	}
	a.tools = toolbox.NewLoader(a.metrics,
		a.cloud,
		a.mcp,
		toolbox.NewBuiltinSource(a.notes, a.clock),
	)
}

func (a *App) initFinalizer() {
	if a.transcripts == nil {
		a.transcripts = transcripts.New()
	}
	model := assistant.New(assistant.WithClock(a.clock), assistant.WithMetrics(a.metrics))
	a.finalizer = finalize.New(a.transcripts, a.resolver, model,
		finalize.WithMatcher(a.matcher()),
		finalize.WithTools(a.tools),
		finalize.WithCollector(a.collector),
		finalize.WithNotifications(a.notes),
		finalize.WithSessions(a.sessions),
		finalize.WithClock(a.clock),
		finalize.WithMetrics(a.metrics),
		finalize.WithProcessingSound(a.cfg.Turn.ProcessingSoundURL),
	)
}

func (a *App) matcher() *wakeword.Matcher {
	if a.cfg.Turn.PhoneticWakeWord {
		return wakeword.New(wakeword.WithPhoneticFallback(wakeTargets, 0))
	}
	return wakeword.New()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP on the configured listen address and blocks until ctx is
// cancelled or the server fails. It also sweeps idle stored sessions every
// hour.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.config().Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	a.server = &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go a.sweepLoop(ctx)

	errc := make(chan error, 1)
	go func() {
		var err error
		if tls := a.config().Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		errc <- err
	}()

	slog.Info("app running", "addr", ln.Addr().String(), "tls", a.config().Server.TLS != nil)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

func (a *App) sweepLoop(ctx context.Context) {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.manager.Sweep(ctx); err != nil {
				slog.Warn("session sweep failed", "err", err)
			}
		}
	}
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.manager }

// SetConfig applies a reloaded configuration and reports what changed. The
// LLM section drops every cached client, turn defaults apply to sessions
// that connect afterwards and MCP servers are reconnected. Everything else
// needs a restart.
func (a *App) SetConfig(ctx context.Context, cfg *config.Config) config.ConfigDiff {
	a.cfgMu.Lock()
	d := config.Diff(a.cfg, cfg)
	a.cfg = cfg
	a.cfgMu.Unlock()

	if d.LLMChanged {
		a.resolver.SetConfig(cfg.LLM)
		slog.Info("llm configuration reloaded, cached clients dropped")
	}
	if d.TurnChanged {
		a.manager.SetTurnDefaults(cfg.Turn.WakeRequiresHeadUp, cfg.Turn.StartSoundURL)
		slog.Info("turn defaults reloaded")
	}
	if d.MCPServersChanged {
		for _, srv := range cfg.MCP.Servers {
			if err := a.mcp.Register(ctx, srv); err != nil {
				slog.Warn("reconnect mcp server failed", "name", srv.Name, "err", err)
			}
		}
		slog.Info("mcp servers reloaded", "servers", len(cfg.MCP.Servers))
	}
	return d
}

func (a *App) config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	checks := []health.Checker{
		{Name: "config", Check: func(context.Context) error {
			return config.Validate(a.config())
		}},
		{Name: "llm", Check: func(context.Context) error {
			if res := a.resolver.Resolve(nil); !res.Available() {
				return fmt.Errorf("%w: %s", resolver.ErrUnavailable, res.Reason)
			}
			return nil
		}},
	}
	if a.pinger != nil {
		checks = append(checks, health.Checker{Name: "postgres", Check: a.pinger})
	}
	health.New(checks...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/info", a.handleInfo)
	mux.Handle("POST /settings", a.requireAPIKey(http.HandlerFunc(a.handleSettings)))
	mux.Handle("GET /ws", a.requireAPIKey(a.manager))

	return observe.Middleware(a.metrics)(mux)
}

// requireAPIKey rejects requests without the configured API key. Without a
// configured key every request passes.
func (a *App) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		want := a.config().Server.APIKey
		if want == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("X-API-Key")
		if got == "" {
			got = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type infoResponse struct {
	Name           string   `json:"name"`
	PackageName    string   `json:"package_name"`
	Version        string   `json:"version"`
	ActiveSessions int      `json:"active_sessions"`
	Providers      []string `json:"providers"`
	Model          string   `json:"model,omitempty"`
	ModelProvider  string   `json:"model_provider,omitempty"`
}

func (a *App) handleInfo(w http.ResponseWriter, _ *http.Request) {
	info := infoResponse{
		Name:           "mira",
		PackageName:    a.config().Server.PackageName,
		Version:        a.version,
		ActiveSessions: a.manager.Active(),
		Providers:      a.reg.LLMNames(),
	}
	if res := a.resolver.Resolve(nil); res.Available() {
		info.ModelProvider = res.Selection.Provider.String()
		info.Model = res.Selection.Model
	}
	writeJSON(w, http.StatusOK, info)
}

type settingsRequest struct {
	UserID   string         `json:"userIdForSettings"`
	Settings map[string]any `json:"settings"`
}

func (a *App) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	if req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "userIdForSettings is required"})
		return
	}
	n, err := a.manager.UpdateSettings(req.UserID, req.Settings)
	switch {
	case errors.Is(err, ErrUnknownUser):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case err != nil:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "sessions": n})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("encode response failed", "err", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems. It stops accepting requests, ends
// every device session and then runs the closers in order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.manager.Active(), "closers", len(a.closers))

		// Device sockets are hijacked, so the server does not wait for them.
		if a.server != nil {
			if err := a.server.Shutdown(ctx); err != nil {
				slog.Warn("http shutdown error", "err", err)
			}
		}
		a.manager.CloseAll()

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
