// Package scenario resolves named agent scenarios and routes hotword matches
// between them.
package scenario

import (
	"errors"
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/voicebff/internal/hotword"
)

// ErrUnknownScenario is wrapped by [Catalog.Resolve] for keys that are not in
// the catalog.
var ErrUnknownScenario = errors.New("scenario: unknown scenario")

// suggestThreshold is the minimum Jaro-Winkler similarity for a "did you
// mean" suggestion.
const suggestThreshold = 0.8

// Scenario selects the agent persona a session talks to.
type Scenario struct {
	// Key identifies the scenario in requests and hotword dictionaries.
	Key string

	// Primary is the name of the agent a session starts with.
	Primary string

	// Agents names every agent in the scenario's set. Primary is always a
	// member.
	Agents []string

	Instructions string
	Voice        string

	// Aliases are the spoken names that address this scenario after a wake
	// prefix.
	Aliases []string

	// Modalities optionally restricts output to a subset of "audio" and
	// "text". Empty means no restriction.
	Modalities []string
}

// HasAgent reports whether name belongs to the scenario's agent set,
// ignoring case.
func (s Scenario) HasAgent(name string) bool {
	for _, a := range s.Agents {
		if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(name)) {
			return true
		}
	}
	return false
}

// Catalog is an immutable, ordered set of scenarios.
type Catalog struct {
	scenarios  []Scenario
	byKey      map[string]int
	defaultKey string
}

// NewCatalog validates scenarios and returns a Catalog. Keys are compared
// after trimming and lowercasing and must be unique. defaultKey may be empty;
// otherwise it must name a scenario.
func NewCatalog(scenarios []Scenario, defaultKey string) (*Catalog, error) {
	c := &Catalog{byKey: make(map[string]int, len(scenarios))}
	var errs []error
	for i, s := range scenarios {
		k := Normalize(s.Key)
		if k == "" {
			errs = append(errs, fmt.Errorf("scenario[%d]: key must not be empty", i))
			continue
		}
		if _, dup := c.byKey[k]; dup {
			errs = append(errs, fmt.Errorf("scenario[%d]: duplicate key %q", i, s.Key))
			continue
		}
		s.Key = strings.TrimSpace(s.Key)
		if s.Primary == "" {
			s.Primary = s.Key
		}
		if !s.HasAgent(s.Primary) {
			s.Agents = append([]string{s.Primary}, s.Agents...)
		}
		c.byKey[k] = len(c.scenarios)
		c.scenarios = append(c.scenarios, s)
	}
	if defaultKey != "" {
		if _, ok := c.byKey[Normalize(defaultKey)]; !ok {
			errs = append(errs, fmt.Errorf("default scenario %q is not defined", defaultKey))
		}
		c.defaultKey = Normalize(defaultKey)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("scenario: %w", err)
	}
	return c, nil
}

// Resolve returns the scenario for key. An empty key resolves to the default
// scenario. Unknown keys return an error wrapping [ErrUnknownScenario] that
// suggests the closest known key when one is similar enough.
func (c *Catalog) Resolve(key string) (Scenario, error) {
	k := Normalize(key)
	if k == "" {
		k = c.defaultKey
	}
	if k == "" {
		return Scenario{}, fmt.Errorf("%w: no scenario requested and no default configured", ErrUnknownScenario)
	}
	if i, ok := c.byKey[k]; ok {
		return c.scenarios[i], nil
	}
	if s := c.Suggest(k); s != "" {
		return Scenario{}, fmt.Errorf("%w: %q (did you mean %q?)", ErrUnknownScenario, key, s)
	}
	return Scenario{}, fmt.Errorf("%w: %q", ErrUnknownScenario, key)
}

// Suggest returns the known key most similar to key, or "" if none is close.
func (c *Catalog) Suggest(key string) string {
	k := Normalize(key)
	best, bestScore := "", 0.0
	for _, s := range c.scenarios {
		score := matchr.JaroWinkler(k, Normalize(s.Key), false)
		for _, a := range s.Aliases {
			if as := matchr.JaroWinkler(k, Normalize(a), false); as > score {
				score = as
			}
		}
		if score > bestScore {
			best, bestScore = s.Key, score
		}
	}
	if bestScore < suggestThreshold {
		return ""
	}
	return best
}

// Scenarios returns the scenarios in catalog order.
func (c *Catalog) Scenarios() []Scenario {
	out := make([]Scenario, len(c.scenarios))
	copy(out, c.scenarios)
	return out
}

// DefaultKey returns the normalised default scenario key, possibly empty.
func (c *Catalog) DefaultKey() string { return c.defaultKey }

// Dictionary returns the hotword dictionary for the catalog, in catalog
// order. Scenarios without aliases are addressed by their key.
func (c *Catalog) Dictionary() hotword.Dictionary {
	dict := make(hotword.Dictionary, 0, len(c.scenarios))
	for _, s := range c.scenarios {
		aliases := s.Aliases
		if len(aliases) == 0 {
			aliases = []string{s.Key}
		}
		dict = append(dict, hotword.Entry{ScenarioKey: s.Key, Aliases: aliases})
	}
	return dict
}

// Normalize trims and lowercases a scenario key.
func Normalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
