// Package matcher implements the route-matching primitives shared by
// domain resolution and path routing: exact lookup, prefix/suffix
// matching over a separator-delimited key space via an Aho-Corasick
// automaton, first-match-wins regular expressions, and a composite
// that chains all three ahead of a default fallback.
package matcher

import (
	"fmt"
	"regexp"

	ahocorasick "github.com/petar-dambovaliev/aho-corasick"
)

// Slot is the opaque value a matcher resolves a key to. Callers
// instantiate Slot as whatever their domain needs (a site config, a
// route handler, ...); the matcher package never looks inside it.
type Slot = any

// Matcher resolves an input string to a Slot.
type Matcher interface {
	Match(input string) (Slot, bool)
}

// BuildError reports a problem constructing a matcher (a malformed
// regex, an empty pattern set where one is required).
type BuildError struct {
	Component string
	Err       error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("matcher: building %s: %v", e.Component, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// ExactMatcher resolves inputs via a plain hash-map lookup.
type ExactMatcher struct {
	entries map[string]Slot
}

// NewExactMatcher builds an ExactMatcher from literal-key/slot pairs.
func NewExactMatcher(entries map[string]Slot) *ExactMatcher {
	m := make(map[string]Slot, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return &ExactMatcher{entries: m}
}

// Match implements Matcher.
func (m *ExactMatcher) Match(input string) (Slot, bool) {
	v, ok := m.entries[input]
	return v, ok
}

// fixedEntry is one key/slot pair fed to Prefix/SuffixMatcher builders.
type fixedEntry struct {
	key  string
	slot Slot
}

// FixedEntry is the exported constructor for fixedEntry, used by callers
// assembling a pattern list for NewPrefixMatcher/NewSuffixMatcher.
type FixedEntry = fixedEntry

// NewFixedEntry pairs a literal key with the slot it should resolve to.
func NewFixedEntry(key string, slot Slot) FixedEntry {
	return FixedEntry{key: key, slot: slot}
}

// PrefixMatcher resolves inputs by finding the longest registered key
// that is a prefix of input, where "prefix" additionally requires
// either an exact match or that the input continues with sep right
// after the matched key (so "api" matches "api/v1" but not "apiary").
type PrefixMatcher struct {
	automaton ahocorasick.AhoCorasick
	slots     []Slot
	sep       byte
}

// NewPrefixMatcher builds a PrefixMatcher over entries, boundary-checked
// on sep (typically '/' for path routing).
func NewPrefixMatcher(entries []FixedEntry, sep byte) (*PrefixMatcher, error) {
	if len(entries) == 0 {
		return nil, &BuildError{Component: "PrefixMatcher", Err: fmt.Errorf("no entries")}
	}
	keys := make([]string, len(entries))
	slots := make([]Slot, len(entries))
	for i, e := range entries {
		keys[i] = e.key
		slots[i] = e.slot
	}
	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: false,
		MatchOnlyWholeWords:  false,
		MatchKind:            ahocorasick.StandardMatch,
		DFA:                  true,
	})
	return &PrefixMatcher{
		automaton: builder.Build(keys),
		slots:     slots,
		sep:       sep,
	}, nil
}

// Match implements Matcher. On ties (multiple keys end at the same
// boundary) the longest match wins, matching the registered-key order
// only as a last-resort tiebreak via iteration order of the automaton.
func (m *PrefixMatcher) Match(input string) (Slot, bool) {
	v, _, ok := m.MatchEnd(input)
	return v, ok
}

// MatchEnd behaves like Match but additionally returns the byte offset
// in input where the matched key ends, so callers (the path router)
// can strip the matched prefix before handing the remainder onward.
func (m *PrefixMatcher) MatchEnd(input string) (Slot, int, bool) {
	bestPattern := -1
	bestEnd := -1

	it := m.automaton.IterOverlapping(input)
	for {
		mt := it.Next()
		if mt == nil {
			break
		}
		if mt.Start() != 0 {
			continue
		}
		if mt.End() == len(input) {
			return m.slots[mt.Pattern()], mt.End(), true
		}
		if input[mt.End()] == m.sep {
			if bestEnd > mt.End() {
				continue
			}
			bestPattern, bestEnd = mt.Pattern(), mt.End()
		}
	}
	if bestPattern < 0 {
		return nil, 0, false
	}
	return m.slots[bestPattern], bestEnd, true
}

// SuffixMatcher resolves inputs by finding the most specific (longest)
// registered key that is a suffix of input, boundary-checked on sep
// (typically '.' for domain matching — "example.com" matches
// "www.example.com" but "evilexample.com" never matches "example.com").
type SuffixMatcher struct {
	automaton ahocorasick.AhoCorasick
	slots     []Slot
	sep       byte
}

// NewSuffixMatcher builds a SuffixMatcher over entries, boundary-checked on sep.
func NewSuffixMatcher(entries []FixedEntry, sep byte) (*SuffixMatcher, error) {
	if len(entries) == 0 {
		return nil, &BuildError{Component: "SuffixMatcher", Err: fmt.Errorf("no entries")}
	}
	keys := make([]string, len(entries))
	slots := make([]Slot, len(entries))
	for i, e := range entries {
		keys[i] = e.key
		slots[i] = e.slot
	}
	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: false,
		MatchOnlyWholeWords:  false,
		MatchKind:            ahocorasick.StandardMatch,
		DFA:                  true,
	})
	return &SuffixMatcher{
		automaton: builder.Build(keys),
		slots:     slots,
		sep:       sep,
	}, nil
}

// Match implements Matcher. The most specific match wins: among
// candidates ending at len(input), the one starting earliest (i.e.
// longest suffix) is preferred.
func (m *SuffixMatcher) Match(input string) (Slot, bool) {
	bestPattern := -1
	bestStart := -1

	it := m.automaton.IterOverlapping(input)
	for {
		mt := it.Next()
		if mt == nil {
			break
		}
		if mt.End() != len(input) {
			continue
		}
		if mt.Start() == 0 {
			return m.slots[mt.Pattern()], true
		}
		if input[mt.Start()-1] == m.sep {
			if bestPattern >= 0 && bestStart < mt.Start() {
				continue
			}
			bestPattern, bestStart = mt.Pattern(), mt.Start()
		}
	}
	if bestPattern < 0 {
		return nil, false
	}
	return m.slots[bestPattern], true
}

// RegexMatcher resolves inputs against a set of regular expressions,
// first-match-wins in registration order (not length or specificity).
type RegexMatcher struct {
	patterns []*regexp.Regexp
	slots    []Slot
}

// NewRegexMatcher compiles entries in order; the first entry whose
// pattern matches an input wins ties.
func NewRegexMatcher(entries []FixedEntry) (*RegexMatcher, error) {
	if len(entries) == 0 {
		return nil, &BuildError{Component: "RegexMatcher", Err: fmt.Errorf("no entries")}
	}
	patterns := make([]*regexp.Regexp, len(entries))
	slots := make([]Slot, len(entries))
	for i, e := range entries {
		re, err := regexp.Compile(e.key)
		if err != nil {
			return nil, &BuildError{Component: "RegexMatcher", Err: fmt.Errorf("pattern %q: %w", e.key, err)}
		}
		patterns[i] = re
		slots[i] = e.slot
	}
	return &RegexMatcher{patterns: patterns, slots: slots}, nil
}

// Match implements Matcher. A pattern matches only if it covers the
// whole input (anchored full match), regardless of whether the
// pattern text itself contains ^/$ anchors.
func (m *RegexMatcher) Match(input string) (Slot, bool) {
	for i, re := range m.patterns {
		loc := re.FindStringIndex(input)
		if loc != nil && loc[0] == 0 && loc[1] == len(input) {
			return m.slots[i], true
		}
	}
	return nil, false
}

// CompositeMatcher chains ExactMatcher -> fixed (Prefix or Suffix) ->
// RegexMatcher -> a static default, in that priority order. Any stage
// may be nil/absent.
type CompositeMatcher struct {
	exact   *ExactMatcher
	fixed   Matcher // *PrefixMatcher or *SuffixMatcher
	regex   *RegexMatcher
	def     Slot
	hasDef  bool
}

// CompositeOpts configures the stages of a CompositeMatcher. Any field
// left nil/zero is simply skipped during resolution.
type CompositeOpts struct {
	Exact   *ExactMatcher
	Fixed   Matcher
	Regex   *RegexMatcher
	Default Slot
	HasDefault bool
}

// NewCompositeMatcher assembles a CompositeMatcher from pre-built stages.
func NewCompositeMatcher(opts CompositeOpts) *CompositeMatcher {
	return &CompositeMatcher{
		exact:  opts.Exact,
		fixed:  opts.Fixed,
		regex:  opts.Regex,
		def:    opts.Default,
		hasDef: opts.HasDefault,
	}
}

// Match implements Matcher, trying each configured stage in priority order.
func (m *CompositeMatcher) Match(input string) (Slot, bool) {
	if m.exact != nil {
		if v, ok := m.exact.Match(input); ok {
			return v, true
		}
	}
	if m.fixed != nil {
		if v, ok := m.fixed.Match(input); ok {
			return v, true
		}
	}
	if m.regex != nil {
		if v, ok := m.regex.Match(input); ok {
			return v, true
		}
	}
	if m.hasDef {
		return m.def, true
	}
	return nil, false
}
