package hotword

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// EventTranscriptionCompleted is the only event type a [Listener] reacts to.
const EventTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"

// MinReminderTimeout is the lower bound applied to a non-zero reminder
// timeout.
const MinReminderTimeout = time.Second

// Event is a transcription event observed on a session transport.
type Event struct {
	Type       string
	ItemID     string
	Transcript string
}

// Match is a transcript that addressed a scenario with a non-empty command.
type Match struct {
	ScenarioKey string
	CommandText string
	ItemID      string
	Transcript  string
}

// ReminderState tracks how long the listener has gone without hearing a
// hotword. Nil fields mean "not set".
type ReminderState struct {
	LastHotwordAt  *time.Time
	ReminderSentAt *time.Time
}

// ListenerConfig configures a [Listener].
type ListenerConfig struct {
	// Matcher returns the matcher to use for the next event. It is called on
	// every event so that a hot-reloaded dictionary takes effect immediately.
	// A nil function or nil result means no transcript ever matches.
	Matcher func() *Matcher

	// ReminderTimeout is how long hotword-less speech may continue before
	// OnTimeout fires. Zero disables reminders; other values are raised to
	// [MinReminderTimeout].
	ReminderTimeout time.Duration

	// Now defaults to time.Now.
	Now func() time.Time

	Logger *slog.Logger

	OnMatch   func(ctx context.Context, m Match) error
	OnInvalid func(ctx context.Context, ev Event)
	OnTimeout func(ctx context.Context)
}

// Listener feeds one stream of transcription events through a [Matcher]. It
// is safe for concurrent use, although events of one stream are normally
// handled in order.
type Listener struct {
	cfg ListenerConfig

	mu    sync.Mutex
	state ReminderState
}

// NewListener returns a Listener for cfg.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReminderTimeout > 0 && cfg.ReminderTimeout < MinReminderTimeout {
		cfg.ReminderTimeout = MinReminderTimeout
	}
	return &Listener{cfg: cfg}
}

// Handle processes one event. Events of other types and blank transcripts
// are ignored. Handle never fails; callback errors are logged.
func (l *Listener) Handle(ctx context.Context, ev Event) {
	if ev.Type != EventTranscriptionCompleted {
		return
	}
	text := strings.TrimSpace(ev.Transcript)
	if text == "" {
		return
	}

	var m *Matcher
	if l.cfg.Matcher != nil {
		m = l.cfg.Matcher()
	}
	if res, ok := m.Find(text); ok {
		if cmd := CommandText(text, res.ConsumedLength); cmd != "" {
			l.Reset()
			l.dispatchMatch(ctx, Match{
				ScenarioKey: res.ScenarioKey,
				CommandText: cmd,
				ItemID:      ev.ItemID,
				Transcript:  text,
			})
			return
		}
		l.cfg.Logger.Debug("hotword: empty command after hotword",
			"scenario", res.ScenarioKey,
			"item_id", ev.ItemID,
		)
	}

	if l.cfg.OnInvalid != nil {
		l.cfg.OnInvalid(ctx, ev)
	}
	l.checkTimeout(ctx)
}

// Reset clears the reminder state, as a successful match does.
func (l *Listener) Reset() {
	l.mu.Lock()
	l.state = ReminderState{}
	l.mu.Unlock()
}

// State returns a copy of the current reminder state.
func (l *Listener) State() ReminderState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := ReminderState{}
	if l.state.LastHotwordAt != nil {
		t := *l.state.LastHotwordAt
		out.LastHotwordAt = &t
	}
	if l.state.ReminderSentAt != nil {
		t := *l.state.ReminderSentAt
		out.ReminderSentAt = &t
	}
	return out
}

func (l *Listener) dispatchMatch(ctx context.Context, m Match) {
	if l.cfg.OnMatch == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.cfg.Logger.Error("hotword: match handler panicked", "scenario", m.ScenarioKey, "panic", r)
		}
	}()
	if err := l.cfg.OnMatch(ctx, m); err != nil {
		l.cfg.Logger.Warn("hotword: match handler failed",
			"scenario", m.ScenarioKey,
			"item_id", m.ItemID,
			"err", err,
		)
	}
}

// checkTimeout stamps the start of a hotword-less run and fires OnTimeout
// once the run has lasted ReminderTimeout. It fires at most once per run.
func (l *Listener) checkTimeout(ctx context.Context) {
	now := l.cfg.Now()

	l.mu.Lock()
	if l.state.LastHotwordAt == nil {
		l.state.LastHotwordAt = &now
		l.mu.Unlock()
		return
	}
	fire := l.cfg.ReminderTimeout > 0 &&
		l.state.ReminderSentAt == nil &&
		now.Sub(*l.state.LastHotwordAt) >= l.cfg.ReminderTimeout
	if fire {
		l.state.ReminderSentAt = &now
	}
	l.mu.Unlock()

	if fire && l.cfg.OnTimeout != nil {
		l.cfg.OnTimeout(ctx)
	}
}
