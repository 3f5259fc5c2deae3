// Package cue produces short spoken confirmations ("still listening",
// "switching to Kate") that the host pushes to clients alongside agent audio.
//
// A [Synthesizer] turns text into audio. [Cache] wraps one so that repeated
// phrases are synthesized once and a failing backend is skipped quickly.
package cue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/voicebff/internal/resilience"
)

// FormatPCM16 is raw little-endian 16-bit mono PCM at 24 kHz, the same
// format realtime agents stream.
const FormatPCM16 = "pcm16"

// ErrEmptyText is returned when asked to synthesize blank text.
var ErrEmptyText = errors.New("cue: empty text")

// Cue is one synthesized clip.
type Cue struct {
	Text   string `json:"text"`
	Format string `json:"format"`
	Audio  []byte `json:"audio"`
}

// Synthesizer converts text to a [Cue].
//
// Implementations must be safe for concurrent use.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (Cue, error)
}

// ── Cache ───────────────────────────────────────────────────────────────────

// DefaultCacheSize bounds the number of cached clips.
const DefaultCacheSize = 64

// CacheOption configures a [Cache].
type CacheOption func(*Cache)

// WithCacheSize sets the maximum number of cached clips. Values < 1 are
// ignored.
func WithCacheSize(n int) CacheOption {
	return func(c *Cache) {
		if n > 0 {
			c.size = n
		}
	}
}

// WithBreaker guards the backend with cb instead of a default breaker.
func WithBreaker(cb *resilience.CircuitBreaker) CacheOption {
	return func(c *Cache) { c.breaker = cb }
}

var _ Synthesizer = (*Cache)(nil)

// Cache memoizes another Synthesizer by normalized text. Eviction is FIFO.
type Cache struct {
	next    Synthesizer
	breaker *resilience.CircuitBreaker
	size    int

	mu    sync.Mutex
	clips map[string]Cue
	order []string
}

// NewCache wraps next.
func NewCache(next Synthesizer, opts ...CacheOption) *Cache {
	c := &Cache{
		next:  next,
		size:  DefaultCacheSize,
		clips: make(map[string]Cue),
	}
	for _, o := range opts {
		o(c)
	}
	if c.breaker == nil {
		c.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "cue"})
	}
	return c
}

// Synthesize returns the cached clip for text or asks the backend.
func (c *Cache) Synthesize(ctx context.Context, text string) (Cue, error) {
	key := strings.ToLower(strings.TrimSpace(text))
	if key == "" {
		return Cue{}, ErrEmptyText
	}

	c.mu.Lock()
	clip, ok := c.clips[key]
	c.mu.Unlock()
	if ok {
		return clip, nil
	}

	err := c.breaker.Execute(func() error {
		var err error
		clip, err = c.next.Synthesize(ctx, text)
		return err
	})
	if err != nil {
		return Cue{}, err
	}

	c.store(key, clip)
	return clip, nil
}

// Preload synthesizes every phrase ahead of time. Failures are logged and do
// not stop the remaining phrases.
func (c *Cache) Preload(ctx context.Context, phrases ...string) {
	for _, p := range phrases {
		if _, err := c.Synthesize(ctx, p); err != nil {
			slog.Warn("cue: preload failed", "text", p, "err", err)
		}
	}
}

// Len returns the number of cached clips.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clips)
}

func (c *Cache) store(key string, clip Cue) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.clips[key]; dup {
		return
	}
	for len(c.order) >= c.size {
		delete(c.clips, c.order[0])
		c.order = c.order[1:]
	}
	c.clips[key] = clip
	c.order = append(c.order, key)
}
