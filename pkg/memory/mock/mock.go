// Package mock provides an in-memory test double for [memory.Store].
//
// Store behaves like a real backend (upsert by item id, tail reads) and also
// records every call for assertions. Exported *Err fields force failures.
//
//	store := &mock.Store{}
//	store.Seed("user-1", memory.Entry{Role: memory.RoleUser, Text: "hi"})
//	// inject store into the system under test …
//	if got := store.CallCount("Upsert"); got != 1 { … }
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voicebff/pkg/memory"
)

// Compile-time interface check.
var _ memory.Store = (*Store)(nil)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a configurable, recording [memory.Store]. Safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	calls []Call
	data  map[string][]memory.Entry

	// ReadErr is returned by Read when non-nil.
	ReadErr error

	// UpsertErr is returned by Upsert when non-nil.
	UpsertErr error

	// ResetErr is returned by Reset when non-nil.
	ResetErr error
}

// Seed stores entries under key without recording a call.
func (s *Store) Seed(key string, entries ...memory.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		s.data = make(map[string][]memory.Entry)
	}
	for _, e := range entries {
		s.data[key] = memory.Upsert(s.data[key], e)
	}
}

// Read implements [memory.Store].
func (s *Store) Read(_ context.Context, key string, limit int) ([]memory.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "Read", Args: []any{key, limit}})
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	return memory.Tail(s.data[key], limit), nil
}

// Upsert implements [memory.Store].
func (s *Store) Upsert(_ context.Context, key string, entry memory.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "Upsert", Args: []any{key, entry}})
	if s.UpsertErr != nil {
		return s.UpsertErr
	}
	if err := memory.Validate(key, &entry, time.Now()); err != nil {
		return err
	}
	if s.data == nil {
		s.data = make(map[string][]memory.Entry)
	}
	s.data[key] = memory.Upsert(s.data[key], entry)
	return nil
}

// Reset implements [memory.Store].
func (s *Store) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Method: "Reset", Args: []any{key}})
	if s.ResetErr != nil {
		return s.ResetErr
	}
	delete(s.data, key)
	return nil
}

// Entries returns a copy of everything stored under key.
func (s *Store) Entries(key string) []memory.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return memory.Tail(s.data[key], 0)
}

// Calls returns a copy of all recorded calls.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}
