package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicebff/internal/config"
)

func validConfig() *config.Config {
	return &config.Config{
		Providers: config.ProvidersConfig{
			Realtime: config.RealtimeEntry{ProviderEntry: config.ProviderEntry{Name: "openai", APIKey: "sk"}},
		},
		Scenarios: []config.ScenarioConfig{
			{Key: "demo", Aliases: []string{"kate"}},
			{Key: "music", Aliases: []string{"miles"}},
		},
	}
}

func TestValidate_Valid(t *testing.T) {
	t.Parallel()

	if err := config.Validate(validConfig()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"log level", func(c *config.Config) { c.Server.LogLevel = "verbose" }, "server.log_level"},
		{"log format", func(c *config.Config) { c.Server.LogFormat = "xml" }, "server.log_format"},
		{"tls half", func(c *config.Config) { c.Server.TLS = &config.TLSConfig{CertFile: "a.pem"} }, "server.tls"},
		{"negative shutdown", func(c *config.Config) { c.Server.ShutdownTimeout = -time.Second }, "server.shutdown_timeout"},
		{"missing realtime", func(c *config.Config) { c.Providers.Realtime.Name = "" }, "providers.realtime.name"},
		{"fallback name", func(c *config.Config) {
			c.Providers.Realtime.Fallbacks = []config.ProviderEntry{{APIKey: "x"}}
		}, "fallbacks[0].name"},
		{"breaker counts", func(c *config.Config) { c.Providers.Realtime.Breaker.MaxFailures = -1 }, "breaker"},
		{"no scenarios", func(c *config.Config) { c.Scenarios = nil }, "at least one scenario"},
		{"blank key", func(c *config.Config) { c.Scenarios[1].Key = " " }, "scenarios[1].key is required"},
		{"duplicate key", func(c *config.Config) { c.Scenarios[1].Key = "DEMO" }, "duplicate"},
		{"modality", func(c *config.Config) { c.Scenarios[0].Modalities = []string{"video"} }, "modalities"},
		{"default scenario", func(c *config.Config) { c.DefaultScenario = "jazz" }, "default_scenario"},
		{"reminder timeout", func(c *config.Config) { c.Hotword.ReminderTimeout = -1 }, "hotword.reminder_timeout"},
		{"min command length", func(c *config.Config) { c.Hotword.MinCommandLength = -2 }, "min_command_length"},
		{"switch cue", func(c *config.Config) { c.Hotword.SwitchCueText = "%s to %s" }, "switch_cue_text"},
		{"ttl", func(c *config.Config) { c.Sessions.TTL = -time.Minute }, "sessions.ttl"},
		{"rate window", func(c *config.Config) { c.Sessions.RateLimit.MaxCommands = 5 }, "rate_limit.window"},
		{"rate count", func(c *config.Config) { c.Sessions.RateLimit.MaxCommands = -5 }, "max_commands"},
		{"subscribers", func(c *config.Config) { c.Sessions.MaxSubscribers = -1 }, "max_subscribers"},
		{"backend", func(c *config.Config) { c.Memory.Backend = "mongo" }, "memory.backend"},
		{"file path", func(c *config.Config) { c.Memory.Backend = config.MemoryFile }, "memory.path"},
		{"postgres dsn", func(c *config.Config) { c.Memory.Backend = config.MemoryPostgres }, "memory.postgres_dsn"},
		{"redis url", func(c *config.Config) { c.Memory.Backend = config.MemoryRedis }, "memory.redis_url"},
		{"memory ttl", func(c *config.Config) { c.Memory.TTL = -time.Hour }, "memory.ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			err := config.Validate(cfg)
			if err == nil {
				t.Fatalf("expected error mentioning %q, got nil", tt.want)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_DefaultScenarioCaseInsensitive(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.DefaultScenario = " Music "
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Server.LogLevel = "loud"
	cfg.Scenarios = nil
	cfg.Memory.Backend = config.MemoryRedis

	err := config.Validate(cfg)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	msg := err.Error()
	for _, want := range []string{"log_level", "at least one scenario", "redis_url"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()

	for _, kind := range []string{"realtime", "cue"} {
		names, ok := config.ValidProviderNames[kind]
		if !ok || len(names) == 0 {
			t.Errorf("ValidProviderNames[%q] is empty", kind)
		}
	}
}
