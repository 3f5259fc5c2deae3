package host

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicebff/internal/broadcast"
	"github.com/MrWong99/voicebff/internal/hotword"
	"github.com/MrWong99/voicebff/internal/ratelimit"
	"github.com/MrWong99/voicebff/internal/scenario"
	"github.com/MrWong99/voicebff/internal/transport"
	"github.com/MrWong99/voicebff/pkg/memory"
)

// Broadcast event names published by the host.
const (
	EventStatus           = broadcast.EventStatus
	EventTransport        = "transport_event"
	EventSessionError     = "session_error"
	EventGuardrailTripped = "guardrail_tripped"
	EventVoiceControl     = "voice_control"
	EventHeartbeat        = "heartbeat"
	EventHotwordIgnored   = "hotword_ignored"
	EventHotwordReminder  = "hotword_reminder"
	EventVoiceCue         = "voice_cue"
	EventSessionClosed    = "session_closed"
	EventAgentToolStart   = "agent_tool_start"
	EventAgentToolEnd     = "agent_tool_end"
	EventAgentHandoff     = "agent_handoff"
	EventHistoryAdded     = "history_added"
	EventHistoryUpdated   = "history_updated"
)

// VoiceActionSwitch is the voice_control action asking the client to move
// to another scenario.
const VoiceActionSwitch = "switch_scenario"

// Agent transport event types the host reacts to.
const (
	typeError       = "error"
	typeHandoff     = "agent.handoff"
	typeItemCreated = "conversation.item.created"
	typeItemDeleted = "conversation.item.deleted"
	typeToolCall    = "response.function_call_arguments.done"
	typeAudioDone   = "response.audio_transcript.done"
	typeTextDone    = "response.text.done"
)

// session is one live conversation. Fields above mu are fixed at creation.
type session struct {
	h          *Host
	id         string
	scenario   scenario.Scenario
	agentSet   AgentSet
	memoryKey  string
	modalities []string
	textOutput bool
	warnings   []string
	createdAt  time.Time
	deadline   time.Time // max lifetime
	log        *slog.Logger
	bc         *broadcast.Broadcaster
	router     *scenario.Router
	listener   *hotword.Listener // nil when hotwords are off

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	status        transport.Status
	handle        transport.Handle
	connectedAt   time.Time
	lastCommandAt time.Time
	expiresAt     time.Time
	limit         ratelimit.State
	switching     bool
	subscribers   int
	idleTimer     *time.Timer
	destroyed     bool
}

func (h *Host) newSession(id string, sc scenario.Scenario, set AgentSet, opts CreateOptions,
	modalities, warnings []string, now time.Time,
) *session {
	log := h.log.With("session_id", id, "scenario", sc.Key)
	ctx, cancel := context.WithCancel(h.ctx)
	s := &session{
		h:             h,
		id:            id,
		scenario:      sc,
		agentSet:      set,
		memoryKey:     strings.TrimSpace(opts.MemoryKey),
		modalities:    modalities,
		textOutput:    containsString(modalities, ModalityText),
		warnings:      warnings,
		createdAt:     now,
		deadline:      now.Add(h.cfg.MaxLifetime),
		log:           log,
		bc:            broadcast.New(broadcast.Config{MaxSubscribers: h.cfg.MaxSubscribers, Logger: log}),
		ctx:           ctx,
		cancel:        cancel,
		status:        transport.StatusDisconnected,
		lastCommandAt: now,
	}
	s.expiresAt = s.nextExpiry(now)

	s.router = scenario.NewRouter(scenario.RouterConfig{
		Actions:            s,
		CurrentScenarioKey: sc.Key,
		MinCommandLength:   h.cfg.Hotword.MinCommandLength,
		Logger:             log,
	})
	if h.cfg.Hotword.Enabled && !opts.DisableHotword {
		s.listener = hotword.NewListener(hotword.ListenerConfig{
			Matcher:         h.currentMatcher,
			ReminderTimeout: h.cfg.Hotword.ReminderTimeout,
			Now:             h.now,
			Logger:          log,
			OnMatch:         s.onHotwordMatch,
			OnInvalid:       s.onHotwordInvalid,
			OnTimeout:       s.onHotwordTimeout,
		})
	}
	return s
}

// ── Timekeeping ─────────────────────────────────────────────────────────────

// nextExpiry is now+TTL clamped to the max lifetime.
func (s *session) nextExpiry(now time.Time) time.Time {
	exp := now.Add(s.h.cfg.SessionTTL)
	if exp.After(s.deadline) {
		return s.deadline
	}
	return exp
}

// touch records a command at now. Caller holds s.mu.
func (s *session) touch(now time.Time) {
	s.lastCommandAt = now
	s.expiresAt = s.nextExpiry(now)
}

// expired reports whether the session is past its expiry and why.
func (s *session) expired(now time.Time) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !now.After(s.expiresAt) {
		return "", false
	}
	if !s.expiresAt.Before(s.deadline) {
		return ReasonMaxLifetime, true
	}
	return ReasonExpired, true
}

// stopIdleTimer must be called with s.mu held.
func (s *session) stopIdleTimer() {
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// armIdleTimer must be called with s.mu held.
func (s *session) armIdleTimer(d time.Duration, fn func()) {
	s.stopIdleTimer()
	s.idleTimer = time.AfterFunc(d, fn)
}

func (h *Host) heartbeatLoop(s *session) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !h.heartbeat(s) {
				return
			}
		}
	}
}

// heartbeat publishes a heartbeat and closes the session if it has gone
// quiet for longer than the TTL or outlived its max lifetime. It returns
// false once the session is gone.
func (h *Host) heartbeat(s *session) bool {
	now := h.now()
	s.publish(EventHeartbeat, map[string]any{"timestamp": now.UTC()})

	s.mu.Lock()
	quiet := now.Sub(s.lastCommandAt) > h.cfg.SessionTTL
	tooOld := now.After(s.deadline)
	s.mu.Unlock()

	switch {
	case tooOld:
		h.DestroySession(s.id, DestroyOptions{Reason: ReasonMaxLifetime, InitiatedBy: InitiatedBySystem})
		return false
	case quiet:
		s.log.Info("host: no commands within ttl, closing session", "ttl", h.cfg.SessionTTL)
		h.DestroySession(s.id, DestroyOptions{Reason: ReasonHeartbeatTimeout, InitiatedBy: InitiatedBySystem})
		return false
	}
	return true
}

// teardown releases everything the session owns. Called once, by
// DestroySession, after the session left the live map.
func (s *session) teardown(opts DestroyOptions) {
	s.mu.Lock()
	s.destroyed = true
	s.stopIdleTimer()
	handle := s.handle
	s.handle = nil
	s.mu.Unlock()

	s.cancel()
	if handle != nil {
		if err := handle.Disconnect(); err != nil {
			s.log.Warn("host: transport disconnect failed", "err", err)
		}
	}
	s.publish(EventSessionClosed, map[string]any{
		"reason":      opts.Reason,
		"initiatedBy": opts.InitiatedBy,
	})
	s.bc.Close()
	s.log.Info("host: session closed", "reason", opts.Reason, "initiated_by", opts.InitiatedBy)
}

func (s *session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		SessionID:   s.id,
		AgentSet:    s.agentSet,
		Status:      s.status,
		CreatedAt:   s.createdAt,
		ExpiresAt:   s.expiresAt,
		Subscribers: s.subscribers,
	}
}

// ── Outbound ────────────────────────────────────────────────────────────────

func (s *session) publish(event string, data any) {
	s.bc.Publish(broadcast.Message{Event: event, Data: data, Timestamp: s.h.now().UTC()})
	s.h.metrics.RecordBroadcast(context.Background(), event)
}

func (s *session) currentHandle() transport.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// send writes ev to the transport.
func (s *session) send(ctx context.Context, ev transport.Event) error {
	h := s.currentHandle()
	if h == nil {
		return transport.ErrClosed
	}
	return h.SendEvent(ctx, ev)
}

// dispatch turns a validated command into transport calls.
func (s *session) dispatch(ctx context.Context, h transport.Handle, cmd Command) error {
	switch c := cmd.(type) {
	case InputText:
		if err := h.SendEvent(ctx, userMessageEvent(inputTextPart(c.Text))); err != nil {
			return err
		}
		if boolOr(c.TriggerResponse, true) {
			return h.SendEvent(ctx, responseCreateEvent(c.Metadata))
		}
		return nil

	case InputAudio:
		if c.Audio != "" {
			if err := h.SendEvent(ctx, transport.Event{"type": "input_audio_buffer.append", "audio": c.Audio}); err != nil {
				return err
			}
		}
		if c.Commit {
			if err := h.SendEvent(ctx, transport.Event{"type": "input_audio_buffer.commit"}); err != nil {
				return err
			}
		}
		if c.Response {
			return h.SendEvent(ctx, responseCreateEvent(nil))
		}
		return nil

	case InputImage:
		var parts []map[string]any
		if strings.TrimSpace(c.Text) != "" {
			parts = append(parts, inputTextPart(c.Text))
		}
		parts = append(parts, map[string]any{"type": "input_image", "image_url": imageURL(c)})
		if err := h.SendEvent(ctx, userMessageEvent(parts...)); err != nil {
			return err
		}
		if boolOr(c.TriggerResponse, true) {
			return h.SendEvent(ctx, responseCreateEvent(nil))
		}
		return nil

	case RawEvent:
		return h.SendEvent(ctx, transport.Event(c.Event))

	case Control:
		switch c.Action {
		case ActionInterrupt:
			return h.Interrupt(ctx)
		case ActionMute:
			return h.Mute(boolOr(c.Value, true))
		case ActionPushToTalkStart:
			return h.PushToTalkStart(ctx)
		case ActionPushToTalkStop:
			return h.PushToTalkStop(ctx)
		}
	}
	return invalidPayload("unsupported command %T", cmd)
}

func inputTextPart(text string) map[string]any {
	return map[string]any{"type": "input_text", "text": text}
}

func userMessageEvent(parts ...map[string]any) transport.Event {
	content := make([]any, len(parts))
	for i, p := range parts {
		content[i] = p
	}
	return transport.Event{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "message",
			"role":    "user",
			"content": content,
		},
	}
}

// responseCreateEvent attaches metadata only when the caller supplied it.
func responseCreateEvent(metadata map[string]any) transport.Event {
	ev := transport.Event{"type": "response.create"}
	if metadata != nil {
		ev["response"] = map[string]any{"metadata": metadata}
	}
	return ev
}

func imageURL(c InputImage) string {
	if c.Encoding == "url" {
		return c.Data
	}
	return "data:" + c.MimeType + ";base64," + c.Data
}

// memoryItemEvent rebuilds a remembered turn as a conversation item.
func memoryItemEvent(e memory.Entry) transport.Event {
	partType := "input_text"
	if e.Role == memory.RoleAssistant {
		partType = "text"
	}
	return transport.Event{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": string(e.Role),
			"content": []any{
				map[string]any{"type": partType, "text": e.Text},
			},
		},
	}
}

// ── Transport hooks ─────────────────────────────────────────────────────────

func (s *session) hooks() transport.Hooks {
	return transport.Hooks{
		OnStatus:    s.onStatus,
		OnEvent:     s.onEvent,
		OnGuardrail: s.onGuardrail,
	}
}

func (s *session) onStatus(st transport.Status) {
	s.mu.Lock()
	prev := s.status
	s.status = st
	if st == transport.StatusConnected && s.connectedAt.IsZero() {
		s.connectedAt = s.h.now()
	}
	destroyed := s.destroyed
	s.mu.Unlock()

	s.log.Debug("host: transport status", "from", prev, "to", st)
	if destroyed && st != transport.StatusDisconnected {
		return
	}
	s.publish(EventStatus, map[string]any{"status": st, "sessionId": s.id})
}

func (s *session) onEvent(ev transport.Event) {
	typ := ev.Type()

	// Transcripts still feed memory and hotwords when text output is off;
	// only the broadcast copies are stripped.
	payload := map[string]any(ev)
	if !s.textOutput {
		payload = redactText(payload)
	}
	if s.textOutput || !isTranscriptionShaped(typ) {
		s.publish(EventTransport, payload)
	}

	switch typ {
	case typeError:
		nerr := transport.NormalizeError(ev)
		s.h.metrics.RecordTransportError(context.Background(), nerr.Code)
		s.log.Warn("host: transport error", "code", nerr.Code, "message", nerr.Message)
		s.publish(EventSessionError, nerr)
	case typeToolCall:
		s.publish(EventAgentToolStart, payload)
	case typeItemCreated:
		if item := ev.Map("item"); item["type"] == "function_call_output" {
			s.publish(EventAgentToolEnd, payload)
		} else {
			s.publish(EventHistoryAdded, payload)
		}
	case typeItemDeleted:
		s.publish(EventHistoryUpdated, payload)
	case typeHandoff:
		s.publish(EventAgentHandoff, payload)
	}

	s.remember(ev)

	if s.listener != nil && typ == hotword.EventTranscriptionCompleted {
		s.listener.Handle(s.ctx, hotword.Event{
			Type:       typ,
			ItemID:     ev.String("item_id"),
			Transcript: ev.String("transcript"),
		})
	}
}

func (s *session) onGuardrail(trip transport.GuardrailTrip) {
	s.h.metrics.RecordGuardrailTrip(context.Background(), trip.Guardrail)
	s.log.Warn("host: guardrail tripped", "guardrail", trip.Guardrail, "reason", trip.Reason)
	s.publish(EventGuardrailTripped, trip)
}

// isTranscriptionShaped reports whether events of type typ carry spoken or
// written agent or user text.
func isTranscriptionShaped(typ string) bool {
	return strings.Contains(typ, "transcript") ||
		strings.HasPrefix(typ, "response.text.") ||
		strings.HasPrefix(typ, "response.output_text.")
}

// redactText returns a deep copy of m without any "transcript" or "text"
// field, wherever items, content parts or response outputs nest them.
func redactText(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if k == "transcript" || k == "text" {
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return redactText(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = redactValue(e)
		}
		return out
	}
	return v
}

// remember upserts finished user and assistant turns into memory. The write
// runs in the background so the transport's event order is not held up.
func (s *session) remember(ev transport.Event) {
	if s.h.memory == nil || s.memoryKey == "" {
		return
	}
	var entry memory.Entry
	switch ev.Type() {
	case hotword.EventTranscriptionCompleted:
		entry = memory.Entry{Role: memory.RoleUser, Text: ev.String("transcript")}
	case typeAudioDone:
		entry = memory.Entry{Role: memory.RoleAssistant, Text: ev.String("transcript")}
	case typeTextDone:
		entry = memory.Entry{Role: memory.RoleAssistant, Text: ev.String("text")}
	default:
		return
	}
	entry.Text = strings.TrimSpace(entry.Text)
	if entry.Text == "" {
		return
	}
	entry.ItemID = ev.String("item_id")
	entry.CreatedAt = s.h.now()

	s.h.wg.Go(func() {
		ctx, cancel := context.WithTimeout(s.h.ctx, 5*time.Second)
		defer cancel()
		err := s.h.memory.Upsert(ctx, s.memoryKey, entry)
		s.h.metrics.RecordMemoryOp(ctx, "upsert", err)
		if err != nil {
			s.log.Warn("host: memory upsert failed", "memory_key", s.memoryKey, "item_id", entry.ItemID, "err", err)
		}
	})
}

// ── Hotwords ────────────────────────────────────────────────────────────────

var _ scenario.Actions = (*session)(nil)

func (s *session) onHotwordMatch(ctx context.Context, m hotword.Match) error {
	if s.isSwitching() {
		s.log.Debug("host: hotword during scenario switch, dropped", "target", m.ScenarioKey, "item_id", m.ItemID)
		return nil
	}
	s.h.metrics.RecordHotword(ctx, "match")
	s.log.Info("host: hotword matched", "target", m.ScenarioKey, "item_id", m.ItemID)
	return s.router.HandleMatch(ctx, m)
}

func (s *session) onHotwordInvalid(ctx context.Context, ev hotword.Event) {
	s.h.metrics.RecordHotword(ctx, "invalid")
	data := map[string]any{"itemId": ev.ItemID}
	if s.textOutput {
		data["transcript"] = ev.Transcript
	}
	s.publish(EventHotwordIgnored, data)
}

func (s *session) onHotwordTimeout(ctx context.Context) {
	s.h.metrics.RecordHotword(ctx, "reminder")
	text := s.h.cfg.Hotword.ReminderText
	s.publish(EventHotwordReminder, map[string]any{"message": text})
	s.speak(text)
}

// Forward replaces the raw transcript item with the bare command so the agent
// never sees the wake phrase, then asks for a response.
func (s *session) Forward(ctx context.Context, m hotword.Match) error {
	if m.ItemID != "" {
		if err := s.send(ctx, transport.Event{"type": "conversation.item.delete", "item_id": m.ItemID}); err != nil {
			return fmt.Errorf("delete transcript item: %w", err)
		}
	}
	if err := s.send(ctx, userMessageEvent(inputTextPart(m.CommandText))); err != nil {
		return fmt.Errorf("inject command: %w", err)
	}
	return s.send(ctx, responseCreateEvent(nil))
}

// Interrupt cancels the agent's current response.
func (s *session) Interrupt(ctx context.Context) error {
	h := s.currentHandle()
	if h == nil {
		return transport.ErrClosed
	}
	return h.Interrupt(ctx)
}

// SwitchScenario tells subscribers to reconnect to another scenario, then
// closes this session once the switch cue has been published. Hotword
// matches arriving in between are dropped.
func (s *session) SwitchScenario(ctx context.Context, key, initialCommand string) error {
	target, err := s.h.catalog.Resolve(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.switching = true
	s.mu.Unlock()

	from := s.router.CurrentScenarioKey()
	s.h.metrics.RecordScenarioSwitch(ctx, from, target.Key)
	s.publish(EventVoiceControl, map[string]any{
		"action":         VoiceActionSwitch,
		"scenarioKey":    target.Key,
		"fromScenario":   from,
		"initialCommand": initialCommand,
	})
	text := fmt.Sprintf(s.h.cfg.Hotword.SwitchCueText, target.Primary)
	s.h.wg.Go(func() {
		s.speakNow(text)
		s.h.DestroySession(s.id, DestroyOptions{Reason: ReasonScenarioSwitch, InitiatedBy: InitiatedBySystem})
	})
	return nil
}

func (s *session) isSwitching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switching
}

func (s *session) canSpeak() bool {
	return s.h.cues != nil && containsString(s.modalities, ModalityAudio)
}

// speak synthesizes text in the background and publishes it as a cue.
func (s *session) speak(text string) {
	if !s.canSpeak() {
		return
	}
	s.h.wg.Go(func() { s.speakNow(text) })
}

func (s *session) speakNow(text string) {
	if !s.canSpeak() {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()
	clip, err := s.h.cues.Synthesize(ctx, text)
	if err != nil {
		s.log.Warn("host: cue synthesis failed", "err", err)
		return
	}
	s.publish(EventVoiceCue, clip)
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}
