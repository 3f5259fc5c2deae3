package cue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/voicebff/internal/cue"
	"github.com/MrWong99/voicebff/internal/cue/mock"
	"github.com/MrWong99/voicebff/internal/resilience"
)

func TestCache_MemoizesByNormalizedText(t *testing.T) {
	t.Parallel()

	backend := &mock.Synthesizer{}
	c := cue.NewCache(backend)

	for _, text := range []string{"Still listening", "  still listening ", "STILL LISTENING"} {
		clip, err := c.Synthesize(context.Background(), text)
		if err != nil {
			t.Fatalf("Synthesize(%q): %v", text, err)
		}
		if clip.Format != cue.FormatPCM16 {
			t.Errorf("format = %q", clip.Format)
		}
	}
	if got := backend.Texts(); len(got) != 1 {
		t.Errorf("backend calls = %v, want exactly one", got)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestCache_EmptyText(t *testing.T) {
	t.Parallel()

	c := cue.NewCache(&mock.Synthesizer{})
	if _, err := c.Synthesize(context.Background(), "   "); !errors.Is(err, cue.ErrEmptyText) {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
}

func TestCache_EvictsOldest(t *testing.T) {
	t.Parallel()

	backend := &mock.Synthesizer{}
	c := cue.NewCache(backend, cue.WithCacheSize(2))
	ctx := context.Background()
	for _, text := range []string{"a", "b", "c", "a"} {
		if _, err := c.Synthesize(ctx, text); err != nil {
			t.Fatal(err)
		}
	}
	// "a" was evicted by "c" and had to be synthesized again.
	if got := len(backend.Texts()); got != 4 {
		t.Errorf("backend calls = %d, want 4", got)
	}
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}

func TestCache_BreakerSkipsFailingBackend(t *testing.T) {
	t.Parallel()

	backend := &mock.Synthesizer{Err: errors.New("tts down")}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "cue",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})
	c := cue.NewCache(backend, cue.WithBreaker(cb))
	ctx := context.Background()

	for range 2 {
		if _, err := c.Synthesize(ctx, "hello"); err == nil {
			t.Fatal("expected backend error")
		}
	}
	_, err := c.Synthesize(ctx, "hello")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if got := len(backend.Texts()); got != 2 {
		t.Errorf("backend calls = %d, want 2", got)
	}
}

func TestCache_Preload(t *testing.T) {
	t.Parallel()

	backend := &mock.Synthesizer{}
	c := cue.NewCache(backend)
	c.Preload(context.Background(), "one", "", "two")
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
}
