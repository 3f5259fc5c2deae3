// Package mock provides a recording [cue.Synthesizer] for tests.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicebff/internal/cue"
)

var _ cue.Synthesizer = (*Synthesizer)(nil)

// Synthesizer returns a fixed clip per call and records the requested texts.
type Synthesizer struct {
	mu    sync.Mutex
	texts []string

	// Audio is returned as the clip body. Defaults to the text bytes.
	Audio []byte

	// Err, if non-nil, is returned instead of a clip.
	Err error

	// Gate, if non-nil, blocks Synthesize until it is closed or ctx ends.
	Gate chan struct{}
}

// Synthesize implements cue.Synthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (cue.Cue, error) {
	if s.Gate != nil {
		select {
		case <-s.Gate:
		case <-ctx.Done():
			return cue.Cue{}, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	if s.Err != nil {
		return cue.Cue{}, s.Err
	}
	audio := s.Audio
	if audio == nil {
		audio = []byte(text)
	}
	return cue.Cue{Text: text, Format: cue.FormatPCM16, Audio: audio}, nil
}

// Texts returns every text passed to Synthesize, in order.
func (s *Synthesizer) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.texts))
	copy(out, s.texts)
	return out
}
