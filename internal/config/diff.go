package config

import (
	"reflect"
	"slices"
	"strings"
)

// ConfigDiff describes what changed between two configs.
// Only hotword routing and log level are applied live; changes elsewhere
// are listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ScenarioChanges lists per-scenario differences.
	ScenarioChanges []ScenarioDiff

	// DictionaryChanged is true when the hotword dictionary must be rebuilt:
	// aliases changed, or a scenario was added or removed.
	DictionaryChanged bool

	// RestartRequired names top-level sections that changed but are only
	// read at startup.
	RestartRequired []string
}

// ScenarioDiff describes what changed for a single scenario between two configs.
type ScenarioDiff struct {
	Key                 string
	Added               bool
	Removed             bool
	AliasesChanged      bool
	InstructionsChanged bool
	VoiceChanged        bool
}

// Changed reports whether d carries anything at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.DictionaryChanged || len(d.ScenarioChanges) > 0 || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Scenarios keyed by normalized key.
	oldScenarios := scenarioIndex(old.Scenarios)
	newScenarios := scenarioIndex(new.Scenarios)

	for _, sc := range old.Scenarios {
		key := normalizeKey(sc.Key)
		newSC, exists := newScenarios[key]
		if !exists {
			d.ScenarioChanges = append(d.ScenarioChanges, ScenarioDiff{Key: sc.Key, Removed: true})
			d.DictionaryChanged = true
			continue
		}
		sd := diffScenario(oldScenarios[key], newSC)
		if sd.AliasesChanged || sd.InstructionsChanged || sd.VoiceChanged {
			d.ScenarioChanges = append(d.ScenarioChanges, sd)
		}
		if sd.AliasesChanged {
			d.DictionaryChanged = true
		}
	}
	for _, sc := range new.Scenarios {
		if _, exists := oldScenarios[normalizeKey(sc.Key)]; !exists {
			d.ScenarioChanges = append(d.ScenarioChanges, ScenarioDiff{Key: sc.Key, Added: true})
			d.DictionaryChanged = true
		}
	}

	// Sections read once at startup.
	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !serverEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !providersEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Sessions != new.Sessions {
		d.RestartRequired = append(d.RestartRequired, "sessions")
	}
	if old.Memory != new.Memory {
		d.RestartRequired = append(d.RestartRequired, "memory")
	}
	if !hotwordSettingsEqual(old.Hotword, new.Hotword) {
		d.RestartRequired = append(d.RestartRequired, "hotword")
	}
	if normalizeKey(old.DefaultScenario) != normalizeKey(new.DefaultScenario) {
		d.RestartRequired = append(d.RestartRequired, "default_scenario")
	}
	for _, sc := range d.ScenarioChanges {
		if sc.Added || sc.Removed || sc.InstructionsChanged || sc.VoiceChanged {
			d.RestartRequired = append(d.RestartRequired, "scenarios")
			break
		}
	}

	return d
}

func scenarioIndex(list []ScenarioConfig) map[string]ScenarioConfig {
	m := make(map[string]ScenarioConfig, len(list))
	for _, sc := range list {
		m[normalizeKey(sc.Key)] = sc
	}
	return m
}

// diffScenario compares two scenario configs with the same key.
func diffScenario(old, new ScenarioConfig) ScenarioDiff {
	sd := ScenarioDiff{Key: new.Key}

	if !slices.Equal(old.Aliases, new.Aliases) {
		sd.AliasesChanged = true
	}

	if old.Instructions != new.Instructions {
		sd.InstructionsChanged = true
	}

	if old.Voice != new.Voice {
		sd.VoiceChanged = true
	}

	return sd
}

func serverEqual(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr || a.LogFormat != b.LogFormat || a.ShutdownTimeout != b.ShutdownTimeout {
		return false
	}
	if !slices.Equal(a.AllowedOrigins, b.AllowedOrigins) {
		return false
	}
	if (a.TLS == nil) != (b.TLS == nil) {
		return false
	}
	return a.TLS == nil || *a.TLS == *b.TLS
}

func providersEqual(a, b ProvidersConfig) bool {
	if !entryEqual(a.Realtime.ProviderEntry, b.Realtime.ProviderEntry) ||
		!entryEqual(a.Cue, b.Cue) ||
		a.Realtime.Breaker != b.Realtime.Breaker ||
		len(a.Realtime.Fallbacks) != len(b.Realtime.Fallbacks) {
		return false
	}
	for i := range a.Realtime.Fallbacks {
		if !entryEqual(a.Realtime.Fallbacks[i], b.Realtime.Fallbacks[i]) {
			return false
		}
	}
	return true
}

func entryEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && reflect.DeepEqual(a.Options, b.Options)
}

func hotwordSettingsEqual(a, b HotwordConfig) bool {
	return a.Enabled == b.Enabled &&
		slices.Equal(a.WakePrefixes, b.WakePrefixes) &&
		a.ReminderTimeout == b.ReminderTimeout &&
		a.ReminderText == b.ReminderText &&
		a.SwitchCueText == b.SwitchCueText &&
		a.MinCommandLength == b.MinCommandLength
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
