package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"realtime": {"openai"},
	"cue":      {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader expands ${VAR} references, decodes a YAML config from r and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(ExpandEnv(raw, os.LookupEnv)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} in data using lookup. Unset
// variables without a default expand to the empty string. A bare $VAR is left
// alone so that literal dollar signs in prompts survive.
func ExpandEnv(data []byte, lookup func(string) (string, bool)) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if v, ok := lookup(string(sub[1])); ok && v != "" {
			return []byte(v)
		}
		return sub[2]
	})
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	errs = appendNegative(errs, "server.shutdown_timeout", cfg.Server.ShutdownTimeout)

	// Providers
	rt := cfg.Providers.Realtime
	if rt.Name == "" {
		errs = append(errs, errors.New("providers.realtime.name is required"))
	}
	validateProviderName("realtime", rt.Name)
	if rt.Name != "" && rt.APIKey == "" {
		slog.Warn("providers.realtime.api_key is empty; sessions will fail with missing_api_key")
	}
	for i, fb := range rt.Fallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.realtime.fallbacks[%d].name is required", i))
		}
		validateProviderName("realtime", fb.Name)
	}
	errs = appendNegative(errs, "providers.realtime.breaker.reset_timeout", rt.Breaker.ResetTimeout)
	if rt.Breaker.MaxFailures < 0 || rt.Breaker.HalfOpenMax < 0 {
		errs = append(errs, errors.New("providers.realtime.breaker counts must not be negative"))
	}
	validateProviderName("cue", cfg.Providers.Cue.Name)

	// Scenarios
	if len(cfg.Scenarios) == 0 {
		errs = append(errs, errors.New("at least one scenario is required"))
	}
	keysSeen := make(map[string]int, len(cfg.Scenarios))
	for i, sc := range cfg.Scenarios {
		prefix := fmt.Sprintf("scenarios[%d]", i)
		key := strings.ToLower(strings.TrimSpace(sc.Key))
		if key == "" {
			errs = append(errs, fmt.Errorf("%s.key is required", prefix))
		} else {
			if prev, ok := keysSeen[key]; ok {
				errs = append(errs, fmt.Errorf("%s.key %q is a duplicate of scenarios[%d]", prefix, sc.Key, prev))
			}
			keysSeen[key] = i
		}
		for _, m := range sc.Modalities {
			if !slices.Contains(validModalities, m) {
				errs = append(errs, fmt.Errorf("%s.modalities: %q is invalid; valid values: audio, text", prefix, m))
			}
		}
		if cfg.Hotword.Enabled && len(sc.Aliases) == 0 {
			slog.Warn("scenario has no aliases; its key is used as the spoken name", "scenario", sc.Key)
		}
	}
	if d := strings.ToLower(strings.TrimSpace(cfg.DefaultScenario)); d != "" {
		if _, ok := keysSeen[d]; !ok {
			errs = append(errs, fmt.Errorf("default_scenario %q does not name a scenario", cfg.DefaultScenario))
		}
	}

	// Hotword
	hw := cfg.Hotword
	errs = appendNegative(errs, "hotword.reminder_timeout", hw.ReminderTimeout)
	if hw.ReminderTimeout > 0 && hw.ReminderTimeout < time.Second {
		slog.Warn("hotword.reminder_timeout is below one second and will be raised", "reminder_timeout", hw.ReminderTimeout)
	}
	if hw.MinCommandLength < 0 {
		errs = append(errs, fmt.Errorf("hotword.min_command_length %d must not be negative", hw.MinCommandLength))
	}
	if n := strings.Count(hw.SwitchCueText, "%s"); n > 1 {
		errs = append(errs, fmt.Errorf("hotword.switch_cue_text may contain at most one %%s, found %d", n))
	}

	// Sessions
	s := cfg.Sessions
	errs = appendNegative(errs, "sessions.ttl", s.TTL)
	errs = appendNegative(errs, "sessions.max_lifetime", s.MaxLifetime)
	errs = appendNegative(errs, "sessions.heartbeat_interval", s.HeartbeatInterval)
	errs = appendNegative(errs, "sessions.connect_timeout", s.ConnectTimeout)
	if s.TTL > 0 && s.MaxLifetime > 0 && s.MaxLifetime < s.TTL {
		slog.Warn("sessions.max_lifetime is shorter than sessions.ttl; sessions never reach their ttl",
			"ttl", s.TTL, "max_lifetime", s.MaxLifetime)
	}
	if s.RateLimit.MaxCommands < 0 {
		errs = append(errs, fmt.Errorf("sessions.rate_limit.max_commands %d must not be negative", s.RateLimit.MaxCommands))
	}
	if s.RateLimit.MaxCommands > 0 && s.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("sessions.rate_limit.window is required when max_commands is set"))
	}
	if s.MaxSubscribers < 0 || s.MemoryReplayLimit < 0 {
		errs = append(errs, errors.New("sessions.max_subscribers and sessions.memory_replay_limit must not be negative"))
	}

	// Memory
	m := cfg.Memory
	switch {
	case m.Backend != "" && !m.Backend.IsValid():
		errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: none, file, postgres, redis", m.Backend))
	case m.Backend == MemoryFile && m.Path == "":
		errs = append(errs, errors.New("memory.path is required for the file backend"))
	case m.Backend == MemoryPostgres && m.PostgresDSN == "":
		errs = append(errs, errors.New("memory.postgres_dsn is required for the postgres backend"))
	case m.Backend == MemoryRedis && m.RedisURL == "":
		errs = append(errs, errors.New("memory.redis_url is required for the redis backend"))
	}
	if m.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("memory.max_entries %d must not be negative", m.MaxEntries))
	}
	errs = appendNegative(errs, "memory.ttl", m.TTL)
	if (m.Backend == "" || m.Backend == MemoryNone) && s.MemoryReplayLimit > 0 {
		slog.Warn("sessions.memory_replay_limit is set but memory.backend is none; nothing will be replayed")
	}

	return errors.Join(errs...)
}

func appendNegative(errs []error, field string, d time.Duration) []error {
	if d < 0 {
		return append(errs, fmt.Errorf("%s %s must not be negative", field, d))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
