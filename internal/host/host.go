// Package host owns the lifecycle of realtime voice sessions.
//
// A [Host] opens one agent transport per session, fans the agent's events out
// to stream subscribers, applies per-session rate limiting and expiry, and
// turns spoken hotwords into agent commands or scenario switches. The live
// session map is private to the Host; every mutation goes through
// CreateSession and DestroySession.
//
// A Host is constructed explicitly and passed to whatever serves clients; there
// is no package-level instance.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicebff/internal/broadcast"
	"github.com/MrWong99/voicebff/internal/cue"
	"github.com/MrWong99/voicebff/internal/hotword"
	"github.com/MrWong99/voicebff/internal/observe"
	"github.com/MrWong99/voicebff/internal/ratelimit"
	"github.com/MrWong99/voicebff/internal/scenario"
	"github.com/MrWong99/voicebff/internal/transport"
	"github.com/MrWong99/voicebff/pkg/memory"
)

// Output modalities.
const (
	ModalityAudio = "audio"
	ModalityText  = "text"
)

// Teardown reasons reported in session_closed events and metrics.
const (
	ReasonClientRequest    = "client_request"
	ReasonExpired          = "expired"
	ReasonMaxLifetime      = "max_lifetime"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonConnectFailed    = "connect_failed"
	ReasonShutdown         = "shutdown"
	ReasonScenarioSwitch   = "scenario_switch"

	InitiatedByClient = "client"
	InitiatedBySystem = "system"
)

// ── Config ──────────────────────────────────────────────────────────────────

// HotwordConfig controls voice command detection.
type HotwordConfig struct {
	Enabled bool

	// WakePrefixes replaces [hotword.DefaultWakePrefixes] when non-empty.
	WakePrefixes []string

	// ReminderTimeout is how long speech without a hotword may continue
	// before a reminder is sent. Zero disables reminders.
	ReminderTimeout time.Duration

	// ReminderText is published with the reminder and spoken as a cue.
	ReminderText string

	// SwitchCueText is spoken when a scenario switch is requested. "%s" is
	// replaced with the target agent name.
	SwitchCueText string

	MinCommandLength int
}

// Config holds the host's tunables. Zero durations take the defaults listed
// on each field.
type Config struct {
	// SessionTTL is how long a session survives without commands. Default 5m.
	SessionTTL time.Duration

	// MaxLifetime caps a session's total age regardless of activity.
	// Default 1h.
	MaxLifetime time.Duration

	// HeartbeatInterval is the period of heartbeat messages and eager
	// expiry checks. Default 15s.
	HeartbeatInterval time.Duration

	// IdleTimeout tears a session down this long after its last subscriber
	// left. Default 60s; negative disables.
	IdleTimeout time.Duration

	// ConnectTimeout bounds transport connection setup. Default 15s.
	ConnectTimeout time.Duration

	RateLimit ratelimit.Limiter

	// MaxSubscribers bounds stream subscribers per session.
	MaxSubscribers int

	Hotword HotwordConfig

	// MemoryReplayLimit is how many remembered entries are replayed into a
	// new session. Zero replays nothing.
	MemoryReplayLimit int

	// StreamPathPrefix builds descriptor stream locators as
	// prefix + "/" + id + "/stream". Default "/v1/sessions".
	StreamPathPrefix string
}

func (c *Config) applyDefaults() {
	if c.SessionTTL <= 0 {
		c.SessionTTL = 5 * time.Minute
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = time.Hour
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.StreamPathPrefix == "" {
		c.StreamPathPrefix = "/v1/sessions"
	}
	if c.Hotword.ReminderText == "" {
		c.Hotword.ReminderText = "Still listening. Start with a wake word and a name, like \"hey kate\"."
	}
	if c.Hotword.SwitchCueText == "" {
		c.Hotword.SwitchCueText = "Switching to %s."
	}
}

// Deps are the host's collaborators. Connector and Catalog are required.
type Deps struct {
	Connector transport.Connector
	Catalog   *scenario.Catalog

	// Memory, if set, stores conversation turns per memory key.
	Memory memory.Store

	// Cues, if set, speaks reminders and switch confirmations.
	Cues cue.Synthesizer

	// Metrics defaults to observe.DefaultMetrics().
	Metrics *observe.Metrics

	// Clock defaults to time.Now.
	Clock func() time.Time

	Logger *slog.Logger
}

// ── Descriptor ──────────────────────────────────────────────────────────────

// ClientCapabilities are the output modalities a client can consume. Nil
// means the client accepts that modality.
type ClientCapabilities struct {
	Audio *bool `json:"audio,omitempty"`
	Text  *bool `json:"text,omitempty"`
}

// CreateOptions parameterize [Host.CreateSession].
type CreateOptions struct {
	// Scenario is the scenario key; empty selects the catalog default.
	Scenario string `json:"scenario,omitempty"`

	// PreferredAgentName selects the starting agent within the scenario's
	// agent set.
	PreferredAgentName string `json:"preferredAgentName,omitempty"`

	// MemoryKey groups sessions that share conversation memory.
	MemoryKey string `json:"memoryKey,omitempty"`

	Capabilities ClientCapabilities `json:"capabilities"`

	DisableHotword bool `json:"disableHotword,omitempty"`
}

// AgentSet identifies the scenario and starting agent of a session.
type AgentSet struct {
	Key     string `json:"key"`
	Primary string `json:"primary"`
}

// Descriptor is returned to the client that created a session.
type Descriptor struct {
	SessionID           string    `json:"sessionId"`
	StreamLocator       string    `json:"streamLocator"`
	ExpiresAt           time.Time `json:"expiresAt"`
	HeartbeatIntervalMs int64     `json:"heartbeatIntervalMs"`
	AllowedModalities   []string  `json:"allowedModalities"`
	TextOutputEnabled   bool      `json:"textOutputEnabled"`
	CapabilityWarnings  []string  `json:"capabilityWarnings"`
	AgentSet            AgentSet  `json:"agentSet"`
	MemoryKey           string    `json:"memoryKey,omitempty"`
}

// Info is a snapshot of one live session.
type Info struct {
	SessionID   string           `json:"sessionId"`
	AgentSet    AgentSet         `json:"agentSet"`
	Status      transport.Status `json:"status"`
	CreatedAt   time.Time        `json:"createdAt"`
	ExpiresAt   time.Time        `json:"expiresAt"`
	Subscribers int              `json:"subscribers"`
}

// DestroyOptions describe why a session is being torn down.
type DestroyOptions struct {
	Reason      string
	InitiatedBy string
}

// ── Host ────────────────────────────────────────────────────────────────────

// Host is the session orchestrator. All methods are safe for concurrent use.
type Host struct {
	cfg       Config
	connector transport.Connector
	catalog   *scenario.Catalog
	memory    memory.Store
	cues      cue.Synthesizer
	metrics   *observe.Metrics
	now       func() time.Time
	log       *slog.Logger

	matcher atomic.Pointer[hotword.Matcher]

	// ctx parents every session context and is cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds a Host. With hotwords enabled the catalog's dictionary is
// compiled up front so that a bad alias fails startup.
func New(cfg Config, deps Deps) (*Host, error) {
	if deps.Connector == nil {
		return nil, errors.New("host: connector is required")
	}
	if deps.Catalog == nil {
		return nil, errors.New("host: scenario catalog is required")
	}
	cfg.applyDefaults()
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Host{
		cfg:       cfg,
		connector: deps.Connector,
		catalog:   deps.Catalog,
		memory:    deps.Memory,
		cues:      deps.Cues,
		metrics:   deps.Metrics,
		now:       deps.Clock,
		log:       deps.Logger,
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*session),
	}
	if cfg.Hotword.Enabled {
		if err := h.SetDictionary(deps.Catalog.Dictionary()); err != nil {
			cancel()
			return nil, err
		}
	}
	return h, nil
}

// SetDictionary compiles dict and swaps it in for all live and future
// sessions. On error the current matcher stays in place.
func (h *Host) SetDictionary(dict hotword.Dictionary) error {
	var opts []hotword.MatcherOption
	if len(h.cfg.Hotword.WakePrefixes) > 0 {
		opts = append(opts, hotword.WithWakePrefixes(h.cfg.Hotword.WakePrefixes...))
	}
	m, err := hotword.Compile(dict, opts...)
	if err != nil {
		return fmt.Errorf("host: compile hotword dictionary: %w", err)
	}
	h.matcher.Store(m)
	h.log.Info("host: hotword dictionary updated", "scenarios", m.ScenarioKeys())
	return nil
}

func (h *Host) currentMatcher() *hotword.Matcher { return h.matcher.Load() }

// CreateSession resolves the scenario, registers the session and connects its
// transport. The session is visible to DestroySession before the connect
// starts, so a destroy issued meanwhile closes the transport as soon as the
// connect returns.
func (h *Host) CreateSession(ctx context.Context, opts CreateOptions) (desc *Descriptor, err error) {
	ctx, span := observe.StartSpan(ctx, "host.CreateSession",
		trace.WithAttributes(attribute.String("scenario", opts.Scenario)))
	defer func() { observe.EndSpan(span, err) }()

	sc, err := h.catalog.Resolve(opts.Scenario)
	if err != nil {
		return nil, newError(ErrInvalidAgentSet, err, "cannot resolve scenario %q", opts.Scenario)
	}
	primary := sc.Primary
	if opts.PreferredAgentName != "" {
		if !sc.HasAgent(opts.PreferredAgentName) {
			return nil, newError(ErrInvalidAgentSet, nil,
				"agent %q is not part of scenario %q", opts.PreferredAgentName, sc.Key)
		}
		primary = opts.PreferredAgentName
	}

	modalities, warnings := negotiateModalities(h.connector.Capabilities(), sc.Modalities, opts.Capabilities)
	if len(modalities) == 0 {
		return nil, newError(ErrInvalidClientCapabilities, nil,
			"no output modality available: %v", warnings)
	}

	id := uuid.NewString()
	now := h.now()
	s := h.newSession(id, sc, AgentSet{Key: sc.Key, Primary: primary}, opts, modalities, warnings, now)
	span.SetAttributes(attribute.String("session_id", id))

	h.mu.Lock()
	h.sessions[id] = s
	h.mu.Unlock()
	h.metrics.RecordSessionCreated(ctx, sc.Key)
	s.log.Info("host: session registered", "modalities", modalities, "warnings", warnings)

	if err := h.connect(ctx, s); err != nil {
		return nil, err
	}

	h.replayMemory(ctx, s)
	h.wg.Go(func() { h.heartbeatLoop(s) })

	s.mu.Lock()
	expiresAt := s.expiresAt
	s.mu.Unlock()
	return &Descriptor{
		SessionID:           id,
		StreamLocator:       h.cfg.StreamPathPrefix + "/" + id + "/stream",
		ExpiresAt:           expiresAt,
		HeartbeatIntervalMs: h.cfg.HeartbeatInterval.Milliseconds(),
		AllowedModalities:   modalities,
		TextOutputEnabled:   s.textOutput,
		CapabilityWarnings:  warnings,
		AgentSet:            s.agentSet,
		MemoryKey:           s.memoryKey,
	}, nil
}

// connect opens the transport for s and resolves the destroy-during-connect
// race: whichever of connect and destroy finishes second closes the handle.
func (h *Host) connect(ctx context.Context, s *session) error {
	cctx, cancel := context.WithTimeout(ctx, h.cfg.ConnectTimeout)
	defer cancel()

	start := h.now()
	handle, err := h.connector.Connect(cctx, transport.ConnectOptions{
		SessionID:    s.id,
		Instructions: s.scenario.Instructions,
		Voice:        s.scenario.Voice,
		Modalities:   s.modalities,
		Hooks:        s.hooks(),
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	h.metrics.RecordConnect(ctx, h.now().Sub(start), status)

	s.mu.Lock()
	destroyed := s.destroyed
	if err == nil && !destroyed {
		s.handle = handle
	}
	s.mu.Unlock()

	if destroyed {
		if handle != nil {
			if derr := handle.Disconnect(); derr != nil {
				s.log.Warn("host: disconnect after cancelled connect failed", "err", derr)
			}
		}
		s.log.Info("host: session destroyed while connecting")
		return newError(ErrSessionNotFound, err, "session %q was destroyed while connecting", s.id)
	}
	if err != nil {
		h.DestroySession(s.id, DestroyOptions{Reason: ReasonConnectFailed, InitiatedBy: InitiatedBySystem})
		s.log.Error("host: transport connect failed", "err", err)
		if errors.Is(err, transport.ErrMissingAPIKey) {
			return newError(ErrMissingAPIKey, err, "realtime provider credentials are not configured")
		}
		return newError(ErrTransport, err, "could not connect agent transport")
	}
	return nil
}

// replayMemory seeds a fresh session with the tail of its conversation
// memory. Failures only cost context, so they are logged.
func (h *Host) replayMemory(ctx context.Context, s *session) {
	if h.memory == nil || s.memoryKey == "" || h.cfg.MemoryReplayLimit <= 0 {
		return
	}
	entries, err := h.memory.Read(ctx, s.memoryKey, h.cfg.MemoryReplayLimit)
	h.metrics.RecordMemoryOp(ctx, "read", err)
	if err != nil {
		s.log.Warn("host: memory replay read failed", "memory_key", s.memoryKey, "err", err)
		return
	}
	for _, e := range entries {
		if err := s.send(ctx, memoryItemEvent(e)); err != nil {
			s.log.Warn("host: memory replay failed", "item_id", e.ItemID, "err", err)
			return
		}
	}
	s.log.Debug("host: memory replayed", "entries", len(entries))
}

// lookup returns the live session id, destroying it first if it has
// expired.
func (h *Host) lookup(id string) (*session, error) {
	h.mu.Lock()
	s, ok := h.sessions[id]
	h.mu.Unlock()
	if !ok {
		return nil, notFound(id)
	}
	if reason, expired := s.expired(h.now()); expired {
		h.DestroySession(id, DestroyOptions{Reason: reason, InitiatedBy: InitiatedBySystem})
		return nil, newError(ErrSessionExpired, nil, "session %q has expired", id)
	}
	return s, nil
}

// HandleCommand applies cmd to session id and returns the transport status
// afterwards. Rate limiting happens once the session can take the command.
func (h *Host) HandleCommand(ctx context.Context, id string, cmd Command) (st transport.Status, err error) {
	kind := "unknown"
	if cmd != nil {
		kind = cmd.Kind()
	}
	ctx, span := observe.StartSpan(ctx, "host.HandleCommand", trace.WithAttributes(
		attribute.String("session_id", id),
		attribute.String("kind", kind),
	))
	defer func() {
		outcome := "ok"
		if err != nil {
			var he *Error
			if errors.As(err, &he) {
				outcome = he.Code
			} else {
				outcome = "error"
			}
		}
		h.metrics.RecordCommand(ctx, kind, outcome)
		observe.EndSpan(span, err)
	}()

	s, err := h.lookup(id)
	if err != nil {
		return "", err
	}
	if cmd == nil {
		return "", invalidPayload("command is required")
	}
	if err := cmd.validate(); err != nil {
		return "", err
	}

	now := h.now()
	s.mu.Lock()
	// A command that cannot be dispatched does not count against the window.
	handle := s.handle
	if handle == nil {
		s.mu.Unlock()
		return transport.StatusConnecting, newError(ErrTransport, nil, "session %q is not connected yet", id)
	}
	decision := h.cfg.RateLimit.Check(&s.limit, now)
	if !decision.Allowed {
		s.mu.Unlock()
		h.metrics.RateLimited.Add(ctx, 1)
		e := newError(ErrRateLimitExceeded, nil, "too many commands, retry in %s", decision.RetryAfter.Round(time.Millisecond))
		e.RetryAfter = decision.RetryAfter
		return "", e
	}
	s.touch(now)
	s.mu.Unlock()

	if err := s.dispatch(ctx, handle, cmd); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			return handle.Status(), newError(ErrTransport, err, "session transport is closed")
		}
		var he *Error
		if errors.As(err, &he) {
			return handle.Status(), err
		}
		return handle.Status(), newError(ErrTransport, err, "could not deliver %s command", kind)
	}
	return handle.Status(), nil
}

// DestroySession tears down session id. It returns false if the session was
// not live, which makes repeated calls harmless.
func (h *Host) DestroySession(id string, opts DestroyOptions) bool {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	if opts.Reason == "" {
		opts.Reason = ReasonClientRequest
	}
	if opts.InitiatedBy == "" {
		opts.InitiatedBy = InitiatedByClient
	}
	s.teardown(opts)
	h.metrics.RecordSessionClosed(context.Background(), opts.Reason, opts.InitiatedBy)
	return true
}

// Subscribe attaches fn to session id's stream. The current status is
// replayed to fn first. The returned function detaches fn; when the last
// subscriber leaves, the idle teardown timer starts.
func (h *Host) Subscribe(id string, fn broadcast.Subscriber) (func(), error) {
	s, err := h.lookup(id)
	if err != nil {
		return nil, err
	}
	_, unsub, err := s.bc.Subscribe(fn)
	if err != nil {
		return nil, fmt.Errorf("host: subscribe to %s: %w", id, err)
	}

	s.mu.Lock()
	s.subscribers++
	s.stopIdleTimer()
	s.mu.Unlock()
	h.metrics.ActiveSubscribers.Add(context.Background(), 1)

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			h.metrics.ActiveSubscribers.Add(context.Background(), -1)
			s.mu.Lock()
			s.subscribers--
			if s.subscribers == 0 && !s.destroyed && h.cfg.IdleTimeout > 0 {
				s.armIdleTimer(h.cfg.IdleTimeout, func() { h.idleExpire(s) })
			}
			s.mu.Unlock()
		})
	}, nil
}

func (h *Host) idleExpire(s *session) {
	s.mu.Lock()
	idle := s.subscribers == 0 && !s.destroyed
	s.mu.Unlock()
	if idle {
		s.log.Info("host: no subscribers left, closing session")
		h.DestroySession(s.id, DestroyOptions{Reason: ReasonIdleTimeout, InitiatedBy: InitiatedBySystem})
	}
}

// ResetMemory forgets everything stored under key. Without a memory store
// it is a no-op.
func (h *Host) ResetMemory(ctx context.Context, key string) error {
	if key == "" {
		return invalidPayload("memory key is required")
	}
	if h.memory == nil {
		return nil
	}
	err := h.memory.Reset(ctx, key)
	h.metrics.RecordMemoryOp(ctx, "reset", err)
	if err != nil {
		return fmt.Errorf("host: reset memory %q: %w", key, err)
	}
	h.log.Info("host: memory reset", "memory_key", key)
	return nil
}

// Count returns the number of live sessions.
func (h *Host) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Sessions returns a snapshot of all live sessions ordered by creation time.
func (h *Host) Sessions() []Info {
	h.mu.Lock()
	live := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		live = append(live, s)
	}
	h.mu.Unlock()

	out := make([]Info, 0, len(live))
	for _, s := range live {
		out = append(out, s.info())
	}
	slices.SortFunc(out, func(a, b Info) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Shutdown destroys every session and waits for background work to finish
// or ctx to expire.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	ids := make([]string, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.DestroySession(id, DestroyOptions{Reason: ReasonShutdown, InitiatedBy: InitiatedBySystem})
	}
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.log.Info("host: shutdown complete", "sessions_closed", len(ids))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("host: shutdown: %w", ctx.Err())
	}
}

// negotiateModalities intersects what the transport can produce, what the
// scenario allows and what the client accepts.
func negotiateModalities(env transport.Capabilities, allowed []string, client ClientCapabilities) ([]string, []string) {
	out, warnings := []string{}, []string{}
	check := func(name string, envOK bool, requested *bool) {
		if !boolOr(requested, true) {
			return
		}
		switch {
		case !envOK:
			warnings = append(warnings, fmt.Sprintf("%s output is not available from the agent transport", name))
		case len(allowed) > 0 && !slices.Contains(allowed, name):
			warnings = append(warnings, fmt.Sprintf("%s output is disabled for this scenario", name))
		default:
			out = append(out, name)
		}
	}
	check(ModalityAudio, env.AudioOutput, client.Audio)
	check(ModalityText, env.TextOutput, client.Text)
	return out, warnings
}
