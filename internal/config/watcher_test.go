package config

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

const baseRouting = `
providers:
  realtime:
    name: openai
scenarios:
  - key: demo
    primary: Kate
    aliases: [kate]
  - key: music
    primary: Miles
    aliases: [miles]
default_scenario: demo
hotword:
  enabled: true
  reminder_text: say hey kate
`

// stage writes content to path and pushes the mtime forward so every call
// yields a new file revision even within one clock tick.
func stage(t *testing.T, path, content string, rev int) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	ts := time.Unix(1_700_000_000+int64(rev), 0)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

type reloadLog struct {
	mu   sync.Mutex
	seen []Reload
}

func (l *reloadLog) record(r Reload) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, r)
}

func (l *reloadLog) all() []Reload {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.seen)
}

func newTestWatcher(t *testing.T, initial string) (*Watcher, string, *reloadLog) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "voicebff.yaml")
	stage(t, path, initial, 0)
	log := &reloadLog{}
	w, err := NewWatcher(path, log.record)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path, log
}

func mustReload(t *testing.T, w *Watcher, want bool) {
	t.Helper()
	got, err := w.reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got != want {
		t.Fatalf("reload applied = %v, want %v", got, want)
	}
}

func TestWatcher_AliasEditRebuildsDictionaryLive(t *testing.T) {
	t.Parallel()

	w, path, log := newTestWatcher(t, baseRouting)
	stage(t, path, strings.Replace(baseRouting, "aliases: [miles]", "aliases: [miles, dj]", 1), 1)
	mustReload(t, w, true)

	got := log.all()
	if len(got) != 1 {
		t.Fatalf("reloads = %d, want 1", len(got))
	}
	d := got[0].Diff
	if !d.DictionaryChanged {
		t.Error("alias edit did not mark the dictionary as changed")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("alias edit requires restart of %v", d.RestartRequired)
	}
	if len(d.ScenarioChanges) != 1 || d.ScenarioChanges[0].Key != "music" || !d.ScenarioChanges[0].AliasesChanged {
		t.Errorf("scenario changes = %+v", d.ScenarioChanges)
	}
	if aliases := w.Current().Scenarios[1].Aliases; !slices.Equal(aliases, []string{"miles", "dj"}) {
		t.Errorf("Current aliases = %v", aliases)
	}
	if got[0].Old.Scenarios[1].Aliases[0] != "miles" || len(got[0].Old.Scenarios[1].Aliases) != 1 {
		t.Errorf("Old config was mutated: %v", got[0].Old.Scenarios[1].Aliases)
	}
}

func TestWatcher_HotwordAndScenarioSections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		edit        func(string) string
		wantDict    bool
		wantRestart []string
	}{
		{
			name: "scenario added",
			edit: func(s string) string {
				return strings.Replace(s, "default_scenario:", "  - key: news\n    aliases: [nora]\ndefault_scenario:", 1)
			},
			wantDict:    true,
			wantRestart: []string{"scenarios"},
		},
		{
			name:        "scenario removed",
			edit:        func(s string) string { return strings.Replace(s, "  - key: music\n    primary: Miles\n    aliases: [miles]\n", "", 1) },
			wantDict:    true,
			wantRestart: []string{"scenarios"},
		},
		{
			name:        "reminder text",
			edit:        func(s string) string { return strings.Replace(s, "say hey kate", "say hey kate or hey miles", 1) },
			wantRestart: []string{"hotword"},
		},
		{
			name:        "default scenario",
			edit:        func(s string) string { return strings.Replace(s, "default_scenario: demo", "default_scenario: music", 1) },
			wantRestart: []string{"default_scenario"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			w, path, log := newTestWatcher(t, baseRouting)
			stage(t, path, tt.edit(baseRouting), 1)
			mustReload(t, w, true)

			d := log.all()[0].Diff
			if d.DictionaryChanged != tt.wantDict {
				t.Errorf("DictionaryChanged = %v, want %v", d.DictionaryChanged, tt.wantDict)
			}
			if !slices.Equal(d.RestartRequired, tt.wantRestart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.wantRestart)
			}
		})
	}
}

func TestWatcher_RejectsInvalidRevision(t *testing.T) {
	t.Parallel()

	w, path, log := newTestWatcher(t, baseRouting)
	dup := strings.Replace(baseRouting, "key: music", "key: demo", 1)
	stage(t, path, dup, 1)

	if _, err := w.reload(); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("reload err = %v, want duplicate key error", err)
	}
	if len(log.all()) != 0 {
		t.Error("invalid revision reached the callback")
	}
	if len(w.Current().Scenarios) != 2 || w.Current().Scenarios[1].Key != "music" {
		t.Errorf("live config replaced by invalid revision: %+v", w.Current().Scenarios)
	}

	// Fixing the file is picked up on the next pass.
	stage(t, path, strings.Replace(baseRouting, "[kate]", "[kate, katie]", 1), 2)
	mustReload(t, w, true)
}

func TestWatcher_IgnoresNoOpRevisions(t *testing.T) {
	t.Parallel()

	w, path, log := newTestWatcher(t, baseRouting)

	// Unchanged stamp.
	mustReload(t, w, false)

	// Same bytes, newer mtime.
	stage(t, path, baseRouting, 1)
	mustReload(t, w, false)

	// Different bytes, same config.
	stage(t, path, "# routing for the lobby kiosk\n"+baseRouting, 2)
	mustReload(t, w, false)

	if n := len(log.all()); n != 0 {
		t.Errorf("callback fired %d times for no-op revisions", n)
	}
}

func TestNewWatcher_RequiresValidFile(t *testing.T) {
	t.Parallel()

	if _, err := NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("missing file accepted")
	}

	path := filepath.Join(t.TempDir(), "voicebff.yaml")
	stage(t, path, "server:\n  log_level: loud\n", 0)
	if _, err := NewWatcher(path, nil); err == nil {
		t.Error("invalid file accepted")
	}
}

func TestWatcher_RunPollsUntilCancelled(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "voicebff.yaml")
	stage(t, path, baseRouting, 0)
	reloaded := make(chan Reload, 1)
	w, err := NewWatcher(path, func(r Reload) { reloaded <- r }, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	stage(t, path, "server:\n  log_level: debug\n"+baseRouting, 1)
	select {
	case r := <-reloaded:
		if !r.Diff.LogLevelChanged || r.Diff.NewLogLevel != LogDebug {
			t.Errorf("diff = %+v, want log level debug", r.Diff)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not pick up the edit")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
