// Package app wires the voice session service together.
//
// The App owns the full lifecycle: New builds the scenario catalog, session
// host, HTTP API and health checks; Run serves until the context ends and
// applies config reloads meanwhile; Shutdown closes every session and store.
//
// Providers (the agent transport, cue synthesizer and memory store) are built
// by main through the config registry and handed in, so tests can pass mocks.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicebff/internal/config"
	"github.com/MrWong99/voicebff/internal/cue"
	"github.com/MrWong99/voicebff/internal/health"
	"github.com/MrWong99/voicebff/internal/host"
	"github.com/MrWong99/voicebff/internal/hotword"
	"github.com/MrWong99/voicebff/internal/httpapi"
	"github.com/MrWong99/voicebff/internal/observe"
	"github.com/MrWong99/voicebff/internal/ratelimit"
	"github.com/MrWong99/voicebff/internal/scenario"
	"github.com/MrWong99/voicebff/internal/transport"
	"github.com/MrWong99/voicebff/pkg/memory"
)

const defaultShutdownTimeout = 15 * time.Second

// Providers holds one value per provider slot. Realtime is required; nil
// Cue or Memory disables that feature. Populated by main via the config
// registry.
type Providers struct {
	Realtime transport.Connector
	Cue      cue.Synthesizer
	Memory   memory.Store
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	catalog *scenario.Catalog
	host    *host.Host
	health  *health.Handler
	server  *http.Server

	metrics        *observe.Metrics
	metricsHandler http.Handler
	listener       net.Listener
	configPath     string
	watchInterval  time.Duration
	levelVar       *slog.LevelVar
	origins        []string

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics instruments. Defaults to
// observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithListener makes Run serve on ln instead of listening on
// server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConfigWatch makes Run poll path and apply hotword alias and log level
// changes without a restart.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.configPath = path
		a.watchInterval = interval
	}
}

// WithLevelVar lets config reloads change the log level of the handler
// built around lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithAllowedOrigins passes WebSocket origin patterns to the API.
func WithAllowedOrigins(patterns ...string) Option {
	return func(a *App) { a.origins = append(a.origins, patterns...) }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App from a validated config and its providers.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Realtime == nil {
		return nil, errors.New("app: a realtime provider is required")
	}
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Scenario catalog ──────────────────────────────────────────────
	catalog, err := BuildCatalog(cfg)
	if err != nil {
		return nil, fmt.Errorf("app: build scenario catalog: %w", err)
	}
	a.catalog = catalog

	// ── 2. Memory ────────────────────────────────────────────────────────
	if providers.Memory != nil {
		a.closers = append(a.closers, storeCloser(providers.Memory))
	}

	// ── 3. Session host ──────────────────────────────────────────────────
	h, err := host.New(hostConfig(cfg), host.Deps{
		Connector: providers.Realtime,
		Catalog:   catalog,
		Memory:    providers.Memory,
		Cues:      providers.Cue,
		Metrics:   a.metrics,
		Logger:    slog.Default(),
	})
	if err != nil {
		return nil, fmt.Errorf("app: init host: %w", err)
	}
	a.host = h

	// ── 4. Health ────────────────────────────────────────────────────────
	var checkers []health.Checker
	if p, ok := providers.Memory.(interface{ Ping(context.Context) error }); ok {
		checkers = append(checkers, health.Checker{Name: "memory", Check: p.Ping})
	}
	a.health = health.New(checkers...)

	// ── 5. HTTP ──────────────────────────────────────────────────────────
	a.server = &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	slog.Info("app initialised",
		"scenarios", len(catalog.Scenarios()),
		"default_scenario", catalog.DefaultKey(),
		"realtime", providers.Realtime.Capabilities().Name,
		"memory", cfg.Memory.Backend,
		"cues", providers.Cue != nil,
		"hotword", cfg.Hotword.Enabled,
	)
	return a, nil
}

// Handler returns the root HTTP handler: API, health checks and metrics,
// wrapped in the tracing and metrics middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	httpapi.New(a.host,
		httpapi.WithLogger(slog.Default()),
		httpapi.WithAllowedOrigins(a.origins...),
	).Register(mux)
	a.health.Register(mux)
	if a.metricsHandler != nil {
		mux.Handle("GET /metrics", a.metricsHandler)
	}
	return observe.Middleware(a.metrics)(mux)
}

// Host returns the session host.
func (a *App) Host() *host.Host { return a.host }

// BuildCatalog converts the scenarios section of cfg into a catalog.
func BuildCatalog(cfg *config.Config) (*scenario.Catalog, error) {
	scenarios := make([]scenario.Scenario, 0, len(cfg.Scenarios))
	for _, sc := range cfg.Scenarios {
		scenarios = append(scenarios, scenario.Scenario{
			Key:          sc.Key,
			Primary:      sc.Primary,
			Agents:       sc.Agents,
			Instructions: sc.Instructions,
			Voice:        sc.Voice,
			Aliases:      sc.Aliases,
			Modalities:   sc.Modalities,
		})
	}
	return scenario.NewCatalog(scenarios, cfg.DefaultScenario)
}

func hostConfig(cfg *config.Config) host.Config {
	s := cfg.Sessions
	return host.Config{
		SessionTTL:        s.TTL,
		MaxLifetime:       s.MaxLifetime,
		HeartbeatInterval: s.HeartbeatInterval,
		IdleTimeout:       s.IdleTimeout,
		ConnectTimeout:    s.ConnectTimeout,
		RateLimit:         ratelimit.Limiter{Window: s.RateLimit.Window, MaxHits: s.RateLimit.MaxCommands},
		MaxSubscribers:    s.MaxSubscribers,
		MemoryReplayLimit: s.MemoryReplayLimit,
		Hotword: host.HotwordConfig{
			Enabled:          cfg.Hotword.Enabled,
			WakePrefixes:     cfg.Hotword.WakePrefixes,
			ReminderTimeout:  cfg.Hotword.ReminderTimeout,
			ReminderText:     cfg.Hotword.ReminderText,
			SwitchCueText:    cfg.Hotword.SwitchCueText,
			MinCommandLength: cfg.Hotword.MinCommandLength,
		},
	}
}

// storeCloser adapts the Close methods of the memory backends.
func storeCloser(s memory.Store) func() error {
	switch c := s.(type) {
	case interface{ Close() error }:
		return c.Close
	case interface{ Close() }:
		return func() error { c.Close(); return nil }
	default:
		return func() error { return nil }
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and, when configured, watches the config file. It blocks
// until ctx is cancelled or the server fails, then stops accepting requests
// and returns. Live sessions are left to Shutdown.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen on %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})

	if a.configPath != "" {
		wopts := []config.WatcherOption{config.WithLogger(slog.Default().With("component", "config"))}
		if a.watchInterval > 0 {
			wopts = append(wopts, config.WithInterval(a.watchInterval))
		}
		w, err := config.NewWatcher(a.configPath, a.applyConfig, wopts...)
		if err != nil {
			slog.Warn("config watch disabled", "path", a.configPath, "err", err)
		} else {
			eg.Go(func() error { return w.Run(egCtx) })
		}
	}

	if c, ok := a.providers.Cue.(*cue.Cache); ok {
		eg.Go(func() error {
			c.Preload(egCtx, a.cuePhrases()...)
			slog.Debug("voice cues preloaded", "cached", c.Len())
			return nil
		})
	}

	eg.Go(func() error {
		<-egCtx.Done()
		a.health.SetDraining()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
		defer cancel()
		if err := a.server.Shutdown(sctx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return nil
	})

	slog.Info("app running", "addr", ln.Addr().String())
	if err := eg.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (a *App) shutdownTimeout() time.Duration {
	if d := a.cfg.Server.ShutdownTimeout; d > 0 {
		return d
	}
	return defaultShutdownTimeout
}

// cuePhrases lists every phrase the host may speak so the first reminder or
// switch does not wait for synthesis.
func (a *App) cuePhrases() []string {
	hc := hostConfig(a.cfg).Hotword
	if !hc.Enabled {
		return nil
	}
	var phrases []string
	if hc.ReminderTimeout > 0 && hc.ReminderText != "" {
		phrases = append(phrases, hc.ReminderText)
	}
	if hc.SwitchCueText != "" {
		for _, sc := range a.catalog.Scenarios() {
			phrases = append(phrases, fmt.Sprintf(hc.SwitchCueText, sc.Primary))
		}
	}
	return phrases
}

// applyConfig is the watcher callback. Alias changes and the log level take
// effect live; everything else is logged as needing a restart.
func (a *App) applyConfig(r config.Reload) {
	d := r.Diff

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}

	if d.DictionaryChanged && a.cfg.Hotword.Enabled {
		dict, skipped, err := a.liveDictionary(r.New)
		switch {
		case err != nil:
			slog.Warn("hotword reload skipped", "err", err)
		default:
			if len(skipped) > 0 {
				slog.Warn("new scenarios need a restart before they can be addressed", "scenarios", skipped)
			}
			if err := a.host.SetDictionary(dict); err != nil {
				slog.Warn("hotword reload failed, keeping previous dictionary", "err", err)
			}
		}
	}

	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "sections", d.RestartRequired)
	}
}

// liveDictionary builds the hotword dictionary of cfg restricted to scenarios
// the running catalog can resolve. The keys it had to drop are returned.
func (a *App) liveDictionary(cfg *config.Config) (hotword.Dictionary, []string, error) {
	next, err := BuildCatalog(cfg)
	if err != nil {
		return nil, nil, err
	}
	var (
		dict    hotword.Dictionary
		skipped []string
	)
	for _, e := range next.Dictionary() {
		if _, err := a.catalog.Resolve(e.ScenarioKey); err != nil {
			skipped = append(skipped, e.ScenarioKey)
			continue
		}
		dict = append(dict, e)
	}
	return dict, skipped, nil
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every live session with reason "shutdown", stops the HTTP
// server if Run has not already, and closes the memory store. Remaining
// closers are skipped once ctx expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.host.Count(), "closers", len(a.closers))
		a.health.SetDraining()

		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		if err := a.host.Shutdown(ctx); err != nil {
			slog.Warn("host shutdown", "err", err)
			shutdownErr = err
		}

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
