// Package file provides a [memory.Store] persisted as a single JSON document
// on local disk. It suits single-instance deployments and development.
//
// Every operation holds one mutex across the whole read-modify-write cycle,
// so concurrent upserts from different sessions never interleave. Writes go
// to a temporary file that is renamed over the document.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MrWong99/voicebff/pkg/memory"
)

// Compile-time interface check.
var _ memory.Store = (*Store)(nil)

// document is the on-disk layout.
type document struct {
	Version int                       `json:"version"`
	Keys    map[string][]memory.Entry `json:"keys"`
}

// Option configures a Store.
type Option func(*Store)

// WithMaxEntries caps the entries kept per key; older entries are dropped
// first. Zero keeps everything.
func WithMaxEntries(n int) Option {
	return func(s *Store) { s.maxEntries = n }
}

// WithClock overrides time.Now for CreatedAt defaults.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is a file-backed conversation memory. Safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	path       string
	maxEntries int
	now        func() time.Time
}

// New returns a Store persisting to path. The file and its directory are
// created on first write.
func New(path string, opts ...Option) *Store {
	s := &Store{path: path, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns the document location.
func (s *Store) Path() string { return s.path }

// Read implements [memory.Store].
func (s *Store) Read(ctx context.Context, key string, limit int) ([]memory.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, memory.ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return memory.Tail(doc.Keys[key], limit), nil
}

// Upsert implements [memory.Store].
func (s *Store) Upsert(ctx context.Context, key string, entry memory.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := memory.Validate(key, &entry, s.now()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	entries := memory.Upsert(doc.Keys[key], entry)
	if s.maxEntries > 0 && len(entries) > s.maxEntries {
		entries = entries[len(entries)-s.maxEntries:]
	}
	doc.Keys[key] = entries
	return s.save(doc)
}

// Reset implements [memory.Store].
func (s *Store) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return memory.ErrInvalidKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc.Keys[key]; !ok {
		return nil
	}
	delete(doc.Keys, key)
	return s.save(doc)
}

// load reads the document. A missing file is an empty document. Callers hold
// s.mu.
func (s *Store) load() (*document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &document{Version: 1, Keys: map[string][]memory.Entry{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory file: read: %w", err)
	}
	doc := &document{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("memory file: decode %s: %w", s.path, err)
		}
	}
	if doc.Keys == nil {
		doc.Keys = map[string][]memory.Entry{}
	}
	doc.Version = 1
	return doc, nil
}

// save atomically replaces the document. Callers hold s.mu.
func (s *Store) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("memory file: encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("memory file: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("memory file: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("memory file: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("memory file: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("memory file: rename: %w", err)
	}
	return nil
}
