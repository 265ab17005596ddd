package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// ReloadFunc receives every accepted reload together with its [ConfigDiff].
type ReloadFunc func(old, next *Config, d ConfigDiff)

// Watcher keeps the server config in sync with its file. The file is polled
// for mtime changes and re-parsed only when its content hash differs, and a
// reload can also be forced with [Watcher.Reload] (on SIGHUP). Every load is
// overlaid with the environment and validated; an invalid file never
// replaces the running config.
type Watcher struct {
	path     string
	interval time.Duration
	env      Env
	onReload ReloadFunc

	// reloadMu serialises loads so a forced reload never races the poller.
	reloadMu sync.Mutex

	mu      sync.Mutex
	current *Config
	seen    fileState

	done     chan struct{}
	stopOnce sync.Once
}

// fileState identifies one version of the config file.
type fileState struct {
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithEnv sets the environment overlaid on every load. The default is [OSEnv].
func WithEnv(env Env) WatcherOption {
	return func(w *Watcher) {
		if env != nil {
			w.env = env
		}
	}
}

// NewWatcher loads path and starts polling it. onReload may be nil.
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		env:      OSEnv{},
		onReload: onReload,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.seen = cfg, st

	go w.poll()
	return w, nil
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload re-reads the file now, ignoring its mtime. It returns the diff
// against the running config; an unchanged file yields an empty diff.
func (w *Watcher) Reload() (ConfigDiff, error) {
	return w.apply(true)
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if _, err := w.apply(false); err != nil {
				slog.Warn("config watcher: reload rejected", "path", w.path, "err", err)
			}
		}
	}
}

// apply loads the file when it changed (or always when force is set) and
// hands an accepted config to the reload callback.
func (w *Watcher) apply(force bool) (ConfigDiff, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()

	if !force {
		info, err := os.Stat(w.path)
		if err != nil {
			return ConfigDiff{}, err
		}
		if info.ModTime().Equal(seen.mtime) {
			return ConfigDiff{}, nil
		}
	}

	cfg, st, err := w.read()
	if err != nil {
		return ConfigDiff{}, err
	}

	w.mu.Lock()
	if st.sum == w.seen.sum {
		// Touched, not edited.
		w.seen.mtime = st.mtime
		w.mu.Unlock()
		return ConfigDiff{}, nil
	}
	old := w.current
	w.current, w.seen = cfg, st
	w.mu.Unlock()

	d := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level", d.LogLevelChanged,
		"llm", d.LLMChanged,
		"turn", d.TurnChanged,
		"mcp", d.MCPServersChanged,
	)
	if len(d.RestartRequired) > 0 {
		slog.Warn("config watcher: some edits need a restart", "keys", d.RestartRequired)
	}

	// Outside the lock so the callback may call Current.
	if w.onReload != nil {
		w.onReload(old, cfg, d)
	}
	return d, nil
}

// read parses, overlays and validates the file. The returned state is the
// file's mtime and content hash at read time.
func (w *Watcher) read() (*Config, fileState, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileState{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileState{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileState{}, err
	}
	ApplyEnv(cfg, w.env)
	if err := Validate(cfg); err != nil {
		return nil, fileState{}, err
	}
	return cfg, fileState{mtime: info.ModTime(), sum: sha256.Sum256(data)}, nil
}
