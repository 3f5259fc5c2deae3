// Package hotword detects wake-phrase voice commands in live transcripts.
//
// A [Matcher] is compiled once from an ordered [Dictionary] of scenario
// aliases and is immutable afterwards, so a single instance can be shared by
// every session without locking. A [Listener] wraps a matcher with the
// per-stream reminder state that nudges users who keep talking without ever
// addressing a scenario.
//
// A transcript is a voice command when it starts with a wake prefix (e.g.
// "hey"), followed by at least one separator and a scenario alias:
//
//	"Hey demo, play my list"  ->  scenario "demo", command "play my list"
//	"你好，小助手 打开灯"          ->  scenario "assistant", command "打开灯"
package hotword

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// DefaultWakePrefixes is the wake-prefix set used when [WithWakePrefixes] is
// not given.
var DefaultWakePrefixes = []string{"hey", "hi", "ok", "okay", "hello", "嘿", "你好"}

// separatorClass matches whitespace and the half- and full-width punctuation
// that transcription engines put between a wake prefix and the alias.
const separatorClass = `[\s\p{Zs},，、.。!！?？:：;；\-]`

// ErrEmptyDictionary is returned by [Compile] when no alias survives
// normalisation.
var ErrEmptyDictionary = errors.New("hotword: dictionary has no usable aliases")

// Entry binds one scenario to the aliases that address it.
type Entry struct {
	ScenarioKey string
	Aliases     []string
}

// Dictionary is an ordered list of scenario aliases. Earlier entries win when
// more than one alias matches a transcript.
type Dictionary []Entry

// Result is a successful [Matcher.Find].
type Result struct {
	ScenarioKey string

	// ConsumedLength is the byte length of the matched prefix (wake prefix,
	// separators and alias) in the transcript passed to Find.
	ConsumedLength int
}

// ── Options ────────────────────────────────────────────────────────────────────

// MatcherOption configures [Compile].
type MatcherOption func(*matcherConfig)

type matcherConfig struct {
	prefixes []string
}

// WithWakePrefixes replaces [DefaultWakePrefixes]. Blank entries are ignored.
func WithWakePrefixes(prefixes ...string) MatcherOption {
	return func(c *matcherConfig) { c.prefixes = prefixes }
}

// ── Matcher ────────────────────────────────────────────────────────────────────

type pattern struct {
	scenarioKey string
	re          *regexp.Regexp
	// boundary requires the alias not to run into a following letter or
	// digit. Aliases ending in a script written without spaces skip it.
	boundary bool
}

// Matcher finds wake-phrase commands in transcripts. It is immutable after
// [Compile] and safe for concurrent use.
type Matcher struct {
	patterns []pattern
	keys     []string
}

// Compile builds a [Matcher] from dict. Aliases are trimmed and case-folded;
// empty aliases are dropped and entries left without aliases are skipped.
func Compile(dict Dictionary, opts ...MatcherOption) (*Matcher, error) {
	cfg := matcherConfig{prefixes: DefaultWakePrefixes}
	for _, o := range opts {
		o(&cfg)
	}

	prefixExpr, err := prefixAlternation(cfg.prefixes)
	if err != nil {
		return nil, err
	}

	m := &Matcher{}
	seen := make(map[string]bool)
	for _, e := range dict {
		key := strings.TrimSpace(e.ScenarioKey)
		if key == "" {
			continue
		}
		added := false
		for _, alias := range e.Aliases {
			folded := fold(strings.TrimSpace(alias))
			words := strings.Fields(folded)
			if len(words) == 0 {
				continue
			}
			quoted := make([]string, len(words))
			for i, w := range words {
				quoted[i] = regexp.QuoteMeta(w)
			}
			expr := `^[\s\p{Zs}]*(?:` + prefixExpr + `)` + separatorClass + `+` + strings.Join(quoted, `[\s\p{Zs}]+`)
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("hotword: compile alias %q for %q: %w", alias, key, err)
			}
			last, _ := utf8.DecodeLastRuneInString(folded)
			m.patterns = append(m.patterns, pattern{
				scenarioKey: key,
				re:          re,
				boundary:    needsBoundary(last),
			})
			added = true
		}
		if added && !seen[key] {
			seen[key] = true
			m.keys = append(m.keys, key)
		}
	}
	if len(m.patterns) == 0 {
		return nil, ErrEmptyDictionary
	}
	return m, nil
}

// Find reports the first alias, in dictionary order, that follows a wake
// prefix at the start of transcript.
func (m *Matcher) Find(transcript string) (Result, bool) {
	if m == nil || transcript == "" {
		return Result{}, false
	}
	folded, offsets := foldWithOffsets(transcript)
	for _, p := range m.patterns {
		loc := p.re.FindStringIndex(folded)
		if loc == nil {
			continue
		}
		end := loc[1]
		if p.boundary && end < len(folded) {
			next, _ := utf8.DecodeRuneInString(folded[end:])
			if isWordRune(next) {
				continue
			}
		}
		return Result{ScenarioKey: p.scenarioKey, ConsumedLength: offsets[end]}, true
	}
	return Result{}, false
}

// Len returns the number of compiled alias patterns.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.patterns)
}

// ScenarioKeys returns the scenarios reachable through this matcher in
// dictionary order.
func (m *Matcher) ScenarioKeys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// CommandText returns the part of transcript after the consumed hotword,
// without leading whitespace or punctuation and without trailing whitespace.
func CommandText(transcript string, consumed int) string {
	if consumed < 0 || consumed > len(transcript) {
		return ""
	}
	rest := strings.TrimLeftFunc(transcript[consumed:], func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
	return strings.TrimRightFunc(rest, unicode.IsSpace)
}

// ── helpers ────────────────────────────────────────────────────────────────────

func prefixAlternation(prefixes []string) (string, error) {
	var folded []string
	for _, p := range prefixes {
		if f := fold(strings.TrimSpace(p)); f != "" {
			folded = append(folded, regexp.QuoteMeta(f))
		}
	}
	if len(folded) == 0 {
		return "", errors.New("hotword: no wake prefixes configured")
	}
	// Longest first so "okay" is tried before "ok".
	sort.SliceStable(folded, func(i, j int) bool { return len(folded[i]) > len(folded[j]) })
	return strings.Join(folded, "|"), nil
}

func fold(s string) string {
	return cases.Fold().String(s)
}

// foldWithOffsets case-folds s rune by rune. offsets[i] is the byte offset in
// s of the rune that produced folded byte i; offsets[len(folded)] is len(s).
func foldWithOffsets(s string) (string, []int) {
	caser := cases.Fold()
	var b strings.Builder
	b.Grow(len(s))
	offsets := make([]int, 0, len(s)+1)
	for i, r := range s {
		f := caser.String(string(r))
		caser.Reset()
		b.WriteString(f)
		for range len(f) {
			offsets = append(offsets, i)
		}
	}
	offsets = append(offsets, len(s))
	return b.String(), offsets
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// continuousScripts are written without spaces between words, so an alias
// may be followed directly by the command.
var continuousScripts = []*unicode.RangeTable{
	unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul,
	unicode.Thai, unicode.Lao, unicode.Khmer, unicode.Myanmar,
}

func needsBoundary(last rune) bool {
	if !isWordRune(last) {
		return false
	}
	return !unicode.IsOneOf(continuousScripts, last)
}
