// Package openai implements transport.Connector for OpenAI's Realtime API.
//
// Each handle owns one WebSocket to the Realtime endpoint. Client events are
// written as-is; every server event is decoded and handed to the session's
// OnEvent hook without interpretation, so the host sees exactly what the
// agent produced. The handle itself only understands a few events: it keeps
// the mute and push-to-talk state local and runs an output guardrail over
// finished assistant text.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicebff/internal/transport"
)

var (
	_ transport.Connector = (*Connector)(nil)
	_ transport.Handle    = (*handle)(nil)
)

const (
	defaultModel              = "gpt-4o-realtime-preview"
	defaultBaseURL            = "wss://api.openai.com/v1/realtime"
	defaultTranscriptionModel = "whisper-1"

	// GuardrailBlockedPhrase names the built-in output guardrail.
	GuardrailBlockedPhrase = "blocked_phrase"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Connector.
type Option func(*Connector)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(c *Connector) { c.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(c *Connector) { c.baseURL = url }
}

// WithTranscriptionModel sets the model used for input audio transcription.
// An empty model disables transcription, which also disables hotwords.
func WithTranscriptionModel(model string) Option {
	return func(c *Connector) { c.transcriptionModel = model }
}

// WithBlockedPhrases enables the output guardrail. A finished assistant
// transcript containing any phrase (case-insensitive) cancels the response.
func WithBlockedPhrases(phrases ...string) Option {
	return func(c *Connector) {
		for _, p := range phrases {
			if p = strings.TrimSpace(p); p != "" {
				c.blocked = append(c.blocked, strings.ToLower(p))
			}
		}
	}
}

// WithTextOutput controls whether the connector advertises text output.
func WithTextOutput(enabled bool) Option {
	return func(c *Connector) { c.textOutput = enabled }
}

// ── Connector ──────────────────────────────────────────────────────────────────

// Connector opens Realtime sessions.
type Connector struct {
	apiKey             string
	model              string
	baseURL            string
	transcriptionModel string
	blocked            []string
	textOutput         bool
}

// New creates a Connector. An empty apiKey is accepted here and reported as
// [transport.ErrMissingAPIKey] on Connect, so a misconfigured deployment
// still starts and fails per session with a clear error code.
func New(apiKey string, opts ...Option) *Connector {
	c := &Connector{
		apiKey:             apiKey,
		model:              defaultModel,
		baseURL:            defaultBaseURL,
		transcriptionModel: defaultTranscriptionModel,
		textOutput:         true,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Capabilities implements transport.Connector.
func (c *Connector) Capabilities() transport.Capabilities {
	return transport.Capabilities{
		Name:        "openai:" + c.model,
		AudioOutput: true,
		TextOutput:  c.textOutput,
	}
}

// Connect dials the Realtime endpoint and configures the session. Status
// hooks see connecting before the dial and connected once session.update has
// been written.
func (c *Connector) Connect(ctx context.Context, opts transport.ConnectOptions) (transport.Handle, error) {
	if c.apiKey == "" {
		return nil, transport.ErrMissingAPIKey
	}

	h := &handle{
		hooks:   opts.Hooks,
		blocked: c.blocked,
		status:  transport.StatusConnecting,
		log:     slog.With("session_id", opts.SessionID, "model", c.model),
	}
	h.emitStatus(transport.StatusConnecting)

	u := fmt.Sprintf("%s?model=%s", c.baseURL, url.QueryEscape(c.model))
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		h.setStatus(transport.StatusDisconnected)
		return nil, fmt.Errorf("openai realtime: dial: %w", err)
	}
	conn.SetReadLimit(1 << 22)

	h.conn = conn
	h.ctx, h.cancel = context.WithCancel(context.Background())

	if err := h.writeJSON(ctx, sessionUpdateMessage{
		Type:    "session.update",
		Session: c.sessionParams(opts),
	}); err != nil {
		h.cancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		h.setStatus(transport.StatusDisconnected)
		return nil, fmt.Errorf("openai realtime: session update: %w", err)
	}

	h.setStatus(transport.StatusConnected)
	go h.receiveLoop()
	return h, nil
}

// ── Protocol message types ────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

func (c *Connector) sessionParams(opts transport.ConnectOptions) sessionParams {
	p := sessionParams{
		Voice:             opts.Voice,
		Instructions:      opts.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		Modalities:        realtimeModalities(opts.Modalities),
	}
	if c.transcriptionModel != "" {
		p.InputAudioTranscription = &transcriptionParams{Model: c.transcriptionModel}
	}
	return p
}

// realtimeModalities maps the session's output modalities to what the API
// accepts: text alone, or audio together with text.
func realtimeModalities(in []string) []string {
	switch {
	case len(in) == 0:
		return nil
	case slices.Contains(in, "audio"):
		return []string{"text", "audio"}
	default:
		return []string{"text"}
	}
}

// ── handle ─────────────────────────────────────────────────────────────────────

type handle struct {
	conn    *websocket.Conn
	hooks   transport.Hooks
	blocked []string
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	status transport.Status
	muted  bool
	closed bool
}

func (h *handle) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai realtime: marshal: %w", err)
	}
	return h.conn.Write(ctx, websocket.MessageText, data)
}

func (h *handle) emitStatus(st transport.Status) {
	if h.hooks.OnStatus != nil {
		h.hooks.OnStatus(st)
	}
}

// setStatus records st and reports it if it changed.
func (h *handle) setStatus(st transport.Status) {
	h.mu.Lock()
	changed := h.status != st
	h.status = st
	h.mu.Unlock()
	if changed {
		h.emitStatus(st)
	}
}

// receiveLoop forwards server events until the socket closes.
func (h *handle) receiveLoop() {
	defer h.setStatus(transport.StatusDisconnected)

	for {
		_, data, err := h.conn.Read(h.ctx)
		if err != nil {
			if h.ctx.Err() == nil {
				h.log.Warn("openai realtime: read failed", "err", err)
			}
			return
		}

		var ev transport.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			h.log.Debug("openai realtime: dropping undecodable event", "err", err)
			continue
		}
		if h.hooks.OnEvent != nil {
			h.hooks.OnEvent(ev)
		}
		h.checkGuardrail(ev)
	}
}

// checkGuardrail runs blocked-phrase matching over finished assistant text.
func (h *handle) checkGuardrail(ev transport.Event) {
	if len(h.blocked) == 0 {
		return
	}
	var text string
	switch ev.Type() {
	case "response.audio_transcript.done":
		text = ev.String("transcript")
	case "response.text.done":
		text = ev.String("text")
	default:
		return
	}
	lower := strings.ToLower(text)
	for _, phrase := range h.blocked {
		if !strings.Contains(lower, phrase) {
			continue
		}
		if err := h.writeJSON(h.ctx, map[string]string{"type": "response.cancel"}); err != nil {
			h.log.Warn("openai realtime: guardrail cancel failed", "err", err)
		}
		if h.hooks.OnGuardrail != nil {
			h.hooks.OnGuardrail(transport.GuardrailTrip{
				Guardrail:  GuardrailBlockedPhrase,
				Reason:     fmt.Sprintf("response contained blocked phrase %q", phrase),
				ResponseID: ev.String("response_id"),
				ItemID:     ev.String("item_id"),
			})
		}
		return
	}
}

func (h *handle) open() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return transport.ErrClosed
	}
	return nil
}

// SendEvent writes ev. Audio appends are dropped while muted.
func (h *handle) SendEvent(ctx context.Context, ev transport.Event) error {
	h.mu.Lock()
	closed, muted := h.closed, h.muted
	h.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}
	if muted && ev.Type() == "input_audio_buffer.append" {
		return nil
	}
	return h.writeJSON(ctx, ev)
}

// Interrupt sends response.cancel.
func (h *handle) Interrupt(ctx context.Context) error {
	if err := h.open(); err != nil {
		return err
	}
	return h.writeJSON(ctx, map[string]string{"type": "response.cancel"})
}

func (h *handle) Mute(muted bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return transport.ErrClosed
	}
	h.muted = muted
	return nil
}

// PushToTalkStart discards any buffered input audio.
func (h *handle) PushToTalkStart(ctx context.Context) error {
	if err := h.open(); err != nil {
		return err
	}
	return h.writeJSON(ctx, map[string]string{"type": "input_audio_buffer.clear"})
}

// PushToTalkStop commits the buffered audio and asks for a response.
func (h *handle) PushToTalkStop(ctx context.Context) error {
	if err := h.open(); err != nil {
		return err
	}
	if err := h.writeJSON(ctx, map[string]string{"type": "input_audio_buffer.commit"}); err != nil {
		return err
	}
	return h.writeJSON(ctx, map[string]string{"type": "response.create"})
}

func (h *handle) Status() transport.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Disconnect closes the socket. Idempotent. The disconnected status is
// reported by the receive loop as it exits.
func (h *handle) Disconnect() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	// Cancelling the read context may already have torn the socket down.
	_ = h.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
