package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/MrWong99/voicebff/internal/hotword"
)

// Actions are the side effects a [Router] can request from its session.
type Actions interface {
	// Forward delivers a same-scenario voice command to the current agent.
	Forward(ctx context.Context, m hotword.Match) error

	// Interrupt stops the current agent response.
	Interrupt(ctx context.Context) error

	// SwitchScenario asks for the session to move to scenarioKey, carrying
	// initialCommand for the new agent.
	SwitchScenario(ctx context.Context, scenarioKey, initialCommand string) error
}

// RouterConfig configures a [Router].
type RouterConfig struct {
	Actions Actions

	// CurrentScenarioKey is the scenario the session starts in.
	CurrentScenarioKey string

	// MinCommandLength is the minimum number of characters a trimmed command
	// must have to be routed. Values below 1 mean 1.
	MinCommandLength int

	Logger *slog.Logger
}

// Router decides whether a hotword match stays with the current scenario or
// switches to another one. It owns the session's current-scenario pointer and
// is safe for concurrent use.
type Router struct {
	actions Actions
	minLen  int
	log     *slog.Logger

	mu      sync.Mutex
	current string
}

// NewRouter returns a Router for cfg.
func NewRouter(cfg RouterConfig) *Router {
	if cfg.MinCommandLength < 1 {
		cfg.MinCommandLength = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Router{
		actions: cfg.Actions,
		minLen:  cfg.MinCommandLength,
		log:     cfg.Logger,
		current: cfg.CurrentScenarioKey,
	}
}

// HandleMatch routes m. Commands shorter than the minimum length are dropped
// with a log entry. A match for the current scenario is forwarded; any other
// match interrupts the current response, then requests a switch and moves
// the current-scenario pointer.
func (r *Router) HandleMatch(ctx context.Context, m hotword.Match) error {
	cmd := strings.TrimSpace(m.CommandText)
	if utf8.RuneCountInString(cmd) < r.minLen {
		r.log.Debug("scenario: command too short, dropped",
			"scenario", m.ScenarioKey,
			"length", utf8.RuneCountInString(cmd),
			"min_length", r.minLen,
		)
		return nil
	}
	m.CommandText = cmd

	r.mu.Lock()
	current := r.current
	r.mu.Unlock()

	if Normalize(m.ScenarioKey) == Normalize(current) {
		if err := r.actions.Forward(ctx, m); err != nil {
			return fmt.Errorf("scenario: forward command: %w", err)
		}
		return nil
	}

	if err := r.actions.Interrupt(ctx); err != nil {
		r.log.Warn("scenario: interrupt before switch failed",
			"from", current,
			"to", m.ScenarioKey,
			"err", err,
		)
	}
	if err := r.actions.SwitchScenario(ctx, m.ScenarioKey, cmd); err != nil {
		return fmt.Errorf("scenario: switch to %q: %w", m.ScenarioKey, err)
	}
	r.SetCurrentScenarioKey(m.ScenarioKey)
	r.log.Info("scenario: switch requested", "from", current, "to", m.ScenarioKey)
	return nil
}

// SetCurrentScenarioKey updates the current scenario after an out-of-band
// change.
func (r *Router) SetCurrentScenarioKey(key string) {
	r.mu.Lock()
	r.current = key
	r.mu.Unlock()
}

// CurrentScenarioKey returns the current scenario.
func (r *Router) CurrentScenarioKey() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}
