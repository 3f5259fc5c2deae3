// Package openai provides a [cue.Synthesizer] backed by the OpenAI speech
// endpoint.
package openai

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/voicebff/internal/cue"
)

const (
	// DefaultModel is the default speech model.
	DefaultModel = oai.SpeechModelTTS1

	// DefaultVoice is used when no voice is configured.
	DefaultVoice = "alloy"

	// maxClipBytes caps a single cue at roughly 20 s of 24 kHz pcm16.
	maxClipBytes = 1 << 20
)

var _ cue.Synthesizer = (*Synthesizer)(nil)

// Synthesizer implements cue.Synthesizer using the OpenAI API.
type Synthesizer struct {
	client oai.Client
	model  string
	voice  string
}

type config struct {
	baseURL string
	voice   string
	timeout time.Duration
}

// Option is a functional option for Synthesizer.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithVoice selects the speaking voice.
func WithVoice(voice string) Option {
	return func(c *config) { c.voice = voice }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a Synthesizer. If model is empty, DefaultModel is used.
func New(apiKey, model string, opts ...Option) (*Synthesizer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai cue: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{voice: DefaultVoice}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}

	return &Synthesizer{
		client: oai.NewClient(reqOpts...),
		model:  model,
		voice:  cfg.voice,
	}, nil
}

// Synthesize implements cue.Synthesizer.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (cue.Cue, error) {
	if text == "" {
		return cue.Cue{}, cue.ErrEmptyText
	}
	resp, err := s.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Input:          text,
		Model:          oai.SpeechModel(s.model),
		Voice:          oai.AudioSpeechNewParamsVoice(s.voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return cue.Cue{}, fmt.Errorf("openai cue: synthesize: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(io.LimitReader(resp.Body, maxClipBytes))
	if err != nil {
		return cue.Cue{}, fmt.Errorf("openai cue: read audio: %w", err)
	}
	if len(audio) == 0 {
		return cue.Cue{}, fmt.Errorf("openai cue: empty audio response")
	}
	return cue.Cue{Text: text, Format: cue.FormatPCM16, Audio: audio}, nil
}

// ModelID returns the configured model.
func (s *Synthesizer) ModelID() string { return s.model }
