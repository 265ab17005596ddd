// Package resolver decides which model backend answers a session's queries.
//
// Provider and model are read with the priority session setting, process
// configuration, built-in default. The pair is validated against the
// provider's allow-list and paired with a credential (session key, provider
// environment key, generic key). When anything is missing or invalid the
// resolver walks a fixed degrade chain and, failing that, reports the
// explicit Unavailable outcome instead of an error.
//
// Built clients are cached per session id until [Resolver.Invalidate] or
// [Resolver.InvalidateAll] is called. Concurrent first requests for the same
// session share one construction.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/mira/internal/config"
	"github.com/MrWong99/mira/internal/observe"
	"github.com/MrWong99/mira/internal/resilience"
	"github.com/MrWong99/mira/internal/settings"
	"github.com/MrWong99/mira/pkg/provider/llm"
)

const (
	defaultTemperature = 0.3
	defaultMaxTokens   = 300
)

// Settings exposes the session-scoped values the resolver reads.
// *settings.Store satisfies it.
type Settings interface {
	String(key string) string
}

type cacheEntry struct {
	client llm.Provider
	res    Resolution
}

// Resolver resolves and caches model clients. It is safe for concurrent use.
type Resolver struct {
	registry *config.Registry
	metrics  *observe.Metrics
	breaker  resilience.CircuitBreakerConfig

	cfgMu sync.RWMutex
	cfg   config.LLMConfig

	mu    sync.Mutex
	cache map[string]*cacheEntry
	gens  map[string]uint64
	epoch uint64
	group singleflight.Group
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithMetrics records every resolution to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithBreakerConfig sets the circuit breaker used per backend when runtime
// failover is enabled.
func WithBreakerConfig(cfg resilience.CircuitBreakerConfig) Option {
	return func(r *Resolver) { r.breaker = cfg }
}

// New creates a Resolver that builds clients through reg.
func New(reg *config.Registry, cfg config.LLMConfig, opts ...Option) *Resolver {
	r := &Resolver{
		registry: reg,
		cfg:      cfg,
		cache:    make(map[string]*cacheEntry),
		gens:     make(map[string]uint64),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetConfig replaces the process-level configuration and drops every cached
// client.
func (r *Resolver) SetConfig(cfg config.LLMConfig) {
	r.cfgMu.Lock()
	r.cfg = cfg
	r.cfgMu.Unlock()
	r.InvalidateAll()
}

func (r *Resolver) currentConfig() config.LLMConfig {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// Resolve returns the selection a query of a session with settings s would
// use right now. It never returns a (provider, model) pair outside the
// allow-list. s may be nil.
func (r *Resolver) Resolve(s Settings) Resolution {
	res, _ := r.resolve(r.currentConfig(), s)
	return res
}

// Client returns the model client for sessionID, building and caching it on
// first use. When nothing can be used it returns the Unavailable resolution
// and an error wrapping [ErrUnavailable].
func (r *Resolver) Client(ctx context.Context, sessionID string, s Settings) (llm.Provider, Resolution, error) {
	r.mu.Lock()
	if e, ok := r.cache[sessionID]; ok {
		r.mu.Unlock()
		return e.client, e.res, nil
	}
	epoch, gen := r.epoch, r.gens[sessionID]
	r.mu.Unlock()

	key := sessionID + "@" + strconv.FormatUint(epoch, 10) + "." + strconv.FormatUint(gen, 10)
	ch := r.group.DoChan(key, func() (any, error) {
		cfg := r.currentConfig()
		res, client := r.resolve(cfg, s)
		e := &cacheEntry{client: client, res: res}
		if !res.Available() {
			return e, nil
		}
		e.client = r.withFailover(cfg, res.Selection, client)

		r.mu.Lock()
		if r.epoch == epoch && r.gens[sessionID] == gen {
			r.cache[sessionID] = e
		}
		r.mu.Unlock()
		return e, nil
	})

	select {
	case <-ctx.Done():
		return nil, Resolution{}, ctx.Err()
	case out := <-ch:
		e := out.Val.(*cacheEntry)
		if !e.res.Available() {
			return nil, e.res, fmt.Errorf("%w: %s", ErrUnavailable, e.res.Reason)
		}
		return e.client, e.res, nil
	}
}

// Invalidate drops the cached client of sessionID. A construction already
// in flight for it is not cached.
func (r *Resolver) Invalidate(sessionID string) {
	r.mu.Lock()
	delete(r.cache, sessionID)
	r.gens[sessionID]++
	r.mu.Unlock()
}

// InvalidateAll drops every cached client.
func (r *Resolver) InvalidateAll() {
	r.mu.Lock()
	clear(r.cache)
	clear(r.gens)
	r.epoch++
	r.mu.Unlock()
}

// Forget drops all state kept for sessionID. Call it when the session ends.
func (r *Resolver) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.cache, sessionID)
	delete(r.gens, sessionID)
	r.mu.Unlock()
}

// resolve computes the resolution and the freshly built client for it.
func (r *Resolver) resolve(cfg config.LLMConfig, s Settings) (Resolution, llm.Provider) {
	sel, reason := r.primary(cfg, s)
	if reason == "" {
		client, err := r.build(cfg, sel)
		if err == nil {
			r.record(sel)
			return selected(sel), client
		}
		reason = err.Error()
	}
	slog.Warn("model selection unusable, degrading", "reason", reason)

	for _, p := range degradeChain(cfg) {
		key, ok := envCredential(cfg, p)
		if !ok {
			continue
		}
		cand := r.selection(cfg, p, DefaultModelFor(p), key, SourceDegraded)
		client, err := r.build(cfg, cand)
		if err != nil {
			slog.Debug("degrade candidate failed", "provider", p, "err", err)
			continue
		}
		r.record(cand)
		slog.Info("using degraded model selection", "selection", cand)
		return selected(cand), client
	}

	if r.metrics != nil {
		r.metrics.RecordResolution(context.Background(), "none", "unavailable")
	}
	return unavailable(reason), nil
}

// primary applies the layering rules. A non-empty reason means the selection
// cannot be used as is.
func (r *Resolver) primary(cfg config.LLMConfig, s Settings) (Selection, string) {
	source := SourceDefault
	pick := func(key, fromConfig, def string) string {
		if s != nil {
			if v := strings.TrimSpace(s.String(key)); v != "" {
				source = SourceUserSetting
				return v
			}
		}
		if v := strings.TrimSpace(fromConfig); v != "" {
			source = max(source, SourceEnvironment)
			return v
		}
		return def
	}
	name := pick(settings.KeyLLMProvider, cfg.Provider, DefaultProvider.String())
	model := pick(settings.KeyLLMModel, cfg.Model, DefaultModel)

	p, ok := ParseProvider(name)
	if !ok {
		return Selection{}, fmt.Sprintf("unsupported provider %q", name)
	}
	if !Supports(p, model) {
		return Selection{}, fmt.Sprintf("unsupported %s model %q", p, model)
	}

	var sessionKey string
	if s != nil {
		sessionKey = s.String(settings.KeyLLMAPIKey)
	}
	key, ok := usable(sessionKey)
	if !ok {
		key, ok = envCredential(cfg, p)
	}
	if !ok {
		key, ok = usable(cfg.APIKey)
	}
	if !ok {
		return Selection{}, fmt.Sprintf("no usable credential for %s", p)
	}
	return r.selection(cfg, p, model, key, source), ""
}

func (r *Resolver) selection(cfg config.LLMConfig, p Provider, model, key string, src Source) Selection {
	sel := Selection{
		Provider:    p,
		Model:       model,
		APIKey:      key,
		Source:      src,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Options:     map[string]string{},
	}
	if sel.Temperature == 0 {
		sel.Temperature = defaultTemperature
	}
	if sel.MaxTokens == 0 {
		sel.MaxTokens = defaultMaxTokens
	}
	switch p {
	case ProviderAzure:
		if inst := strings.TrimSpace(cfg.Azure.InstanceName); inst != "" {
			sel.Options[OptionEndpoint] = azureEndpoint(inst)
		}
		sel.Options[OptionAPIVersion] = orDefault(cfg.Azure.APIVersion, DefaultAzureAPIVersion)
		sel.Options[OptionDeployment] = orDefault(cfg.Azure.DeploymentName, model)
	case ProviderGoogle:
		if cfg.Google.ProjectID != "" {
			sel.Options[OptionProjectID] = cfg.Google.ProjectID
		}
		sel.Options[OptionLocation] = orDefault(cfg.Google.Location, DefaultGoogleLocation)
	}
	return sel
}

// build instantiates the client for sel through the registry.
func (r *Resolver) build(cfg config.LLMConfig, sel Selection) (llm.Provider, error) {
	if sel.Provider == ProviderAzure && sel.Options[OptionEndpoint] == "" {
		return nil, fmt.Errorf("azure requires AZURE_OPENAI_API_INSTANCE_NAME")
	}
	client, err := r.registry.CreateLLM(config.ProviderEntry{
		Name:    sel.Provider.String(),
		APIKey:  sel.APIKey,
		Model:   sel.Model,
		Timeout: cfg.Timeout,
		Options: sel.clone().Options,
	})
	if err != nil {
		return nil, fmt.Errorf("build %s client: %w", sel.Provider, err)
	}
	return client, nil
}

// withFailover wraps client in a fallback group whose fallbacks are the
// remaining degrade-chain providers with usable credentials.
func (r *Resolver) withFailover(cfg config.LLMConfig, sel Selection, client llm.Provider) llm.Provider {
	if !cfg.Failover {
		return client
	}
	fb := resilience.NewLLMFallback(client, sel.Provider.String(), resilience.FallbackConfig{CircuitBreaker: r.breaker})
	added := 0
	for _, p := range degradeChain(cfg) {
		if p == sel.Provider {
			continue
		}
		key, ok := envCredential(cfg, p)
		if !ok {
			continue
		}
		c, err := r.build(cfg, r.selection(cfg, p, DefaultModelFor(p), key, SourceDegraded))
		if err != nil {
			continue
		}
		fb.AddFallback(p.String(), c)
		added++
	}
	if added == 0 {
		return client
	}
	return fb
}

func (r *Resolver) record(sel Selection) {
	if r.metrics != nil {
		r.metrics.RecordResolution(context.Background(), sel.Provider.String(), sel.Source.String())
	}
}

func degradeChain(cfg config.LLMConfig) []Provider {
	if len(cfg.DegradeChain) == 0 {
		return DefaultDegradeChain
	}
	chain := make([]Provider, 0, len(cfg.DegradeChain))
	for _, name := range cfg.DegradeChain {
		if p, ok := ParseProvider(name); ok {
			chain = append(chain, p)
		}
	}
	return chain
}

func envCredential(cfg config.LLMConfig, p Provider) (string, bool) {
	return usable(cfg.Keys[p.String()])
}

func azureEndpoint(instance string) string {
	if strings.Contains(instance, "://") {
		return strings.TrimRight(instance, "/")
	}
	return "https://" + instance + ".openai.azure.com"
}

func orDefault(s, def string) string {
	if s = strings.TrimSpace(s); s == "" {
		return def
	}
	return s
}
