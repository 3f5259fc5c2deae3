package config

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voicebff/internal/cue"
	"github.com/MrWong99/voicebff/internal/transport"
	"github.com/MrWong99/voicebff/pkg/memory"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// RealtimeFactory builds an agent transport connector from its config entry.
type RealtimeFactory func(ProviderEntry) (transport.Connector, error)

// CueFactory builds a cue synthesizer from its config entry.
type CueFactory func(ProviderEntry) (cue.Synthesizer, error)

// MemoryFactory builds a memory store. Factories may dial the backend, so
// they receive a context.
type MemoryFactory func(context.Context, MemoryConfig) (memory.Store, error)

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	realtime map[string]RealtimeFactory
	cue      map[string]CueFactory
	memory   map[MemoryBackend]MemoryFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		realtime: make(map[string]RealtimeFactory),
		cue:      make(map[string]CueFactory),
		memory:   make(map[MemoryBackend]MemoryFactory),
	}
}

// RegisterRealtime registers a realtime transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRealtime(name string, factory RealtimeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realtime[name] = factory
}

// RegisterCue registers a cue synthesizer factory under name.
func (r *Registry) RegisterCue(name string, factory CueFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cue[name] = factory
}

// RegisterMemory registers a memory store factory for backend.
func (r *Registry) RegisterMemory(backend MemoryBackend, factory MemoryFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.memory[backend] = factory
}

// CreateRealtime instantiates a connector using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateRealtime(entry ProviderEntry) (transport.Connector, error) {
	r.mu.RLock()
	factory, ok := r.realtime[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: realtime/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateCue instantiates a cue synthesizer using the factory registered under
// entry.Name.
func (r *Registry) CreateCue(entry ProviderEntry) (cue.Synthesizer, error) {
	r.mu.RLock()
	factory, ok := r.cue[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: cue/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateMemory instantiates the store selected by cfg.Backend. The "none"
// backend (or an empty one) yields a nil store and no error.
func (r *Registry) CreateMemory(ctx context.Context, cfg MemoryConfig) (memory.Store, error) {
	if cfg.Backend == "" || cfg.Backend == MemoryNone {
		return nil, nil
	}
	r.mu.RLock()
	factory, ok := r.memory[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: memory/%q", ErrProviderNotRegistered, cfg.Backend)
	}
	return factory(ctx, cfg)
}

// Names returns the registered provider names per kind, sorted. Used for
// startup logging.
func (r *Registry) Names() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := map[string][]string{"realtime": {}, "cue": {}, "memory": {}}
	for name := range r.realtime {
		out["realtime"] = append(out["realtime"], name)
	}
	for name := range r.cue {
		out["cue"] = append(out["cue"], name)
	}
	for backend := range r.memory {
		out["memory"] = append(out["memory"], string(backend))
	}
	for _, names := range out {
		slices.Sort(names)
	}
	return out
}
