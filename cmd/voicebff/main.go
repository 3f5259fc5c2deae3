// Command voicebff is the main entry point for the realtime voice session
// service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/voicebff/internal/app"
	"github.com/MrWong99/voicebff/internal/config"
	"github.com/MrWong99/voicebff/internal/cue"
	oacue "github.com/MrWong99/voicebff/internal/cue/openai"
	"github.com/MrWong99/voicebff/internal/observe"
	"github.com/MrWong99/voicebff/internal/resilience"
	"github.com/MrWong99/voicebff/internal/transport"
	"github.com/MrWong99/voicebff/pkg/memory"
	"github.com/MrWong99/voicebff/pkg/memory/file"
	"github.com/MrWong99/voicebff/pkg/memory/postgres"
	"github.com/MrWong99/voicebff/pkg/memory/redis"
	oarealtime "github.com/MrWong99/voicebff/pkg/provider/realtime/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Duration("watch", 5*time.Second, "config reload poll interval; 0 disables hot reload")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicebff: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicebff: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(cfg.Server.LogLevel.SlogLevel())
	slog.SetDefault(newLogger(cfg.Server.LogFormat, levelVar))

	slog.Info("voicebff starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	// ── Instantiate providers ─────────────────────────────────────────────────
	providers, err := buildProviders(ctx, cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithMetrics(metrics),
		app.WithMetricsHandler(tel.MetricsHandler),
		app.WithLevelVar(levelVar),
	}
	if *watch > 0 {
		opts = append(opts, app.WithConfigWatch(*configPath, *watch))
	}
	if len(cfg.Server.AllowedOrigins) > 0 {
		opts = append(opts, app.WithAllowedOrigins(cfg.Server.AllowedOrigins...))
	}
	application, err := app.New(ctx, cfg, providers, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	timeout := cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("shutdown signal received, stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── Realtime ──────────────────────────────────────────────────────────────

	reg.RegisterRealtime("openai", func(entry config.ProviderEntry) (transport.Connector, error) {
		var opts []oarealtime.Option
		if entry.Model != "" {
			opts = append(opts, oarealtime.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oarealtime.WithBaseURL(entry.BaseURL))
		}
		if m := optString(entry.Options, "transcription_model"); m != "" {
			opts = append(opts, oarealtime.WithTranscriptionModel(m))
		}
		if phrases := optStrings(entry.Options, "blocked_phrases"); len(phrases) > 0 {
			opts = append(opts, oarealtime.WithBlockedPhrases(phrases...))
		}
		if text, ok := optBool(entry.Options, "text_output"); ok {
			opts = append(opts, oarealtime.WithTextOutput(text))
		}
		return oarealtime.New(entry.APIKey, opts...), nil
	})

	// ── Cue ───────────────────────────────────────────────────────────────────

	reg.RegisterCue("openai", func(entry config.ProviderEntry) (cue.Synthesizer, error) {
		var opts []oacue.Option
		if entry.BaseURL != "" {
			opts = append(opts, oacue.WithBaseURL(entry.BaseURL))
		}
		if voice := optString(entry.Options, "voice"); voice != "" {
			opts = append(opts, oacue.WithVoice(voice))
		}
		if s := optString(entry.Options, "timeout"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil {
				return nil, fmt.Errorf("options.timeout: %w", err)
			}
			opts = append(opts, oacue.WithTimeout(d))
		}
		return oacue.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Memory ────────────────────────────────────────────────────────────────

	reg.RegisterMemory(config.MemoryFile, func(_ context.Context, mc config.MemoryConfig) (memory.Store, error) {
		var opts []file.Option
		if mc.MaxEntries > 0 {
			opts = append(opts, file.WithMaxEntries(mc.MaxEntries))
		}
		return file.New(mc.Path, opts...), nil
	})

	reg.RegisterMemory(config.MemoryPostgres, func(ctx context.Context, mc config.MemoryConfig) (memory.Store, error) {
		return postgres.NewStore(ctx, mc.PostgresDSN)
	})

	reg.RegisterMemory(config.MemoryRedis, func(ctx context.Context, mc config.MemoryConfig) (memory.Store, error) {
		var opts []redis.Option
		if mc.MaxEntries > 0 {
			opts = append(opts, redis.WithMaxEntries(mc.MaxEntries))
		}
		if mc.TTL > 0 {
			opts = append(opts, redis.WithTTL(mc.TTL))
		}
		return redis.New(ctx, mc.RedisURL, opts...)
	})

	for kind, names := range reg.Names() {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
// The realtime entry and its fallbacks are chained behind circuit breakers;
// the cue synthesizer is wrapped in a clip cache.
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, error) {
	ps := &app.Providers{}

	breaker := resilience.CircuitBreakerConfig{
		MaxFailures:  cfg.Providers.Realtime.Breaker.MaxFailures,
		ResetTimeout: cfg.Providers.Realtime.Breaker.ResetTimeout,
		HalfOpenMax:  cfg.Providers.Realtime.Breaker.HalfOpenMax,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state change", "breaker", name, "from", from, "to", to)
			metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
	}

	// ── Realtime ──────────────────────────────────────────────────────────────
	rt := cfg.Providers.Realtime
	primary, err := reg.CreateRealtime(rt.ProviderEntry)
	if err != nil {
		return nil, fmt.Errorf("create realtime provider %q: %w", rt.Name, err)
	}
	chain := resilience.NewConnectorFallback(rt.Name, primary, resilience.FallbackConfig{CircuitBreaker: breaker})
	slog.Info("provider created", "kind", "realtime", "name", rt.Name)
	for i, fb := range rt.Fallbacks {
		c, err := reg.CreateRealtime(fb)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Warn("unknown realtime fallback, skipping", "name", fb.Name)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("create realtime fallback %d %q: %w", i, fb.Name, err)
		}
		chain.AddFallback(fmt.Sprintf("%s#%d", fb.Name, i+1), c)
		slog.Info("provider created", "kind", "realtime_fallback", "name", fb.Name)
	}
	ps.Realtime = chain

	// ── Cue ───────────────────────────────────────────────────────────────────
	if name := cfg.Providers.Cue.Name; name != "" {
		p, err := reg.CreateCue(cfg.Providers.Cue)
		if errors.Is(err, config.ErrProviderNotRegistered) {
			slog.Debug("provider not registered, skipping", "kind", "cue", "name", name)
		} else if err != nil {
			return nil, fmt.Errorf("create cue provider %q: %w", name, err)
		} else {
			cueBreaker := breaker
			cueBreaker.Name = "cue/" + name
			var opts []cue.CacheOption
			opts = append(opts, cue.WithBreaker(resilience.NewCircuitBreaker(cueBreaker)))
			if n, ok := optInt(cfg.Providers.Cue.Options, "cache_size"); ok {
				opts = append(opts, cue.WithCacheSize(n))
			}
			ps.Cue = cue.NewCache(p, opts...)
			slog.Info("provider created", "kind", "cue", "name", name)
		}
	}

	// ── Memory ────────────────────────────────────────────────────────────────
	store, err := reg.CreateMemory(ctx, cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("create memory backend %q: %w", cfg.Memory.Backend, err)
	}
	if store != nil {
		ps.Memory = store
		slog.Info("memory backend ready", "backend", cfg.Memory.Backend)
	}

	return ps, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        voicebff startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("Realtime", cfg.Providers.Realtime.Name, cfg.Providers.Realtime.Model)
	fmt.Printf("║  %-12s    : %-19d ║\n", "Fallbacks", len(cfg.Providers.Realtime.Fallbacks))
	printProvider("Cue", cfg.Providers.Cue.Name, cfg.Providers.Cue.Model)
	memBackend := string(cfg.Memory.Backend)
	if memBackend == "" {
		memBackend = string(config.MemoryNone)
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", "Memory", memBackend)
	fmt.Printf("║  %-12s    : %-19d ║\n", "Scenarios", len(cfg.Scenarios))
	if cfg.Hotword.Enabled {
		fmt.Printf("║  %-12s    : %-19s ║\n", "Hotword", "enabled")
	} else {
		fmt.Printf("║  %-12s    : %-19s ║\n", "Hotword", "(disabled)")
	}
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  %-12s    : %-19s ║\n", "Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	hopts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopts))
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optStrings accepts a YAML list of strings or a single string.
func optStrings(opts map[string]any, key string) []string {
	switch v := opts[key].(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func optBool(opts map[string]any, key string) (bool, bool) {
	b, ok := opts[key].(bool)
	return b, ok
}

func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}
