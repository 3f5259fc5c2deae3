package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Reload is handed to the watcher callback when the file on disk yields a
// config that differs from the live one.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// ReloadFunc receives accepted reloads. It runs on the watcher goroutine.
type ReloadFunc func(Reload)

// Watcher polls a config file and reports validated changes. Only the
// hotword dictionary and the log level are meant to be applied live; the
// [ConfigDiff] tells the callback which sections still need a restart.
type Watcher struct {
	path     string
	interval time.Duration
	onReload ReloadFunc
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	stamp   fileStamp
}

// fileStamp identifies a file revision. Size and mtime gate the read; the
// digest decides whether the bytes actually differ.
type fileStamp struct {
	size   int64
	mtime  time.Time
	digest [sha256.Size]byte
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

// WithLogger sets the logger used for reload messages.
func WithLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path once and fails if it is unreadable or invalid.
// Polling starts with [Watcher.Run].
func NewWatcher(path string, onReload ReloadFunc, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onReload: onReload,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.stamp = cfg, stamp
	return w, nil
}

// Current returns the last config that passed validation.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run polls until ctx is done. Unreadable or invalid revisions are logged
// and the live config is kept.
func (w *Watcher) Run(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := w.reload(); err != nil {
				w.log.Warn("config reload rejected", "path", w.path, "err", err)
			}
		}
	}
}

// reload reads the file if its stamp moved and calls onReload when the
// parsed config differs. It reports whether onReload was called.
func (w *Watcher) reload() (bool, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return false, err
	}
	w.mu.Lock()
	prev := w.stamp
	w.mu.Unlock()
	if info.Size() == prev.size && info.ModTime().Equal(prev.mtime) {
		return false, nil
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return false, err
	}

	w.mu.Lock()
	old := w.current
	w.stamp = stamp
	if stamp.digest == prev.digest {
		w.mu.Unlock()
		return false, nil
	}
	w.current = cfg
	w.mu.Unlock()

	// Formatting or comment edits change the bytes but not the config.
	d := Diff(old, cfg)
	if !d.Changed() {
		return false, nil
	}
	w.log.Info("config reloaded", "path", w.path,
		"dictionary_changed", d.DictionaryChanged, "restart_required", d.RestartRequired)
	if w.onReload != nil {
		w.onReload(Reload{Old: old, New: cfg, Diff: d})
	}
	return true, nil
}

func (w *Watcher) read() (*Config, fileStamp, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{size: info.Size(), mtime: info.ModTime(), digest: sha256.Sum256(data)}, nil
}
