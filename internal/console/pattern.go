// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package console

import (
	"bytes"
	"regexp"
)

// Pattern is a single thing to match against the console stream.
//
// It is either a literal byte sequence, a regular expression or one of the
// reserved fatal markers. Callers build patterns with [Literal] and [Regex].
// The reserved markers are package-level values and cannot be constructed.
type Pattern struct {
	kind patternKind
	lit  []byte
	re   *regexp.Regexp

	// set only for reserved patterns
	fault FaultKind
}

type patternKind int

const (
	patternLiteral patternKind = iota
	patternRegex
	patternReserved
)

// Reserved markers raced by [Guard] on every wait. They must never appear in
// a caller-supplied [PatternList].
var (
	// PatternPanic matches a kernel panic trap message.
	PatternPanic = reserved(FaultPanic, "panic: trap")
	// PatternDebuggerEnter matches the debugger being entered on a panic.
	PatternDebuggerEnter = reserved(FaultPanic, "KDB: enter: panic")
	// PatternDebuggerStop matches an unexpected halt into the debugger.
	PatternDebuggerStop = reserved(FaultHalt, "Stopped at")
)

// PatternCapabilityFault matches a userspace capability exception report.
// Unlike the panic markers it is raced explicitly by call sites that may
// downgrade it, but it is still reserved so that caller lists cannot shadow
// it.
var PatternCapabilityFault = Pattern{
	kind:  patternReserved,
	re:    regexp.MustCompile(`USER_CHERI_EXCEPTION: pid \d+ tid \d+ \(.+\)`),
	fault: FaultCapability,
}

func reserved(kind FaultKind, lit string) Pattern {
	return Pattern{
		kind:  patternReserved,
		lit:   []byte(lit),
		fault: kind,
	}
}

// Literal returns a Pattern matching s byte-for-byte.
func Literal(s string) Pattern {
	return Pattern{kind: patternLiteral, lit: []byte(s)}
}

// Regex returns a Pattern matching the given expression. It panics if expr
// does not compile, so it is meant for fixed expressions known at build time.
func Regex(expr string) Pattern {
	return Pattern{kind: patternRegex, re: regexp.MustCompile(expr)}
}

// Reserved reports whether p is one of the reserved fatal markers.
func (p Pattern) Reserved() bool {
	return p.kind == patternReserved
}

// Fault returns the fault kind signaled by a reserved pattern, or FaultNone.
func (p Pattern) Fault() FaultKind {
	return p.fault
}

// String returns the source text of the pattern.
func (p Pattern) String() string {
	if p.re != nil {
		return p.re.String()
	}

	return string(p.lit)
}

// find returns the position of the earliest match of p in buf.
func (p Pattern) find(buf []byte) (start, end int, ok bool) {
	if p.re != nil {
		loc := p.re.FindIndex(buf)
		if loc == nil {
			return 0, 0, false
		}

		return loc[0], loc[1], true
	}

	idx := bytes.Index(buf, p.lit)
	if idx < 0 {
		return 0, 0, false
	}

	return idx, idx + len(p.lit), true
}

// equal reports whether two patterns have identical sources. Used to keep
// reserved markers out of caller lists.
func (p Pattern) equal(other Pattern) bool {
	if p.re != nil || other.re != nil {
		return p.re != nil && other.re != nil &&
			p.re.String() == other.re.String()
	}

	return bytes.Equal(p.lit, other.lit)
}

// PatternList is an ordered list of patterns. The order is significant: the
// index of the matched pattern selects the branch taken by the caller.
type PatternList struct {
	patterns []Pattern
}

// NewPatternList builds a list from the given patterns. It fails with
// [ErrReservedPattern] if any of them is one of the reserved fatal markers,
// which are appended by [Guard] and must not be shadowed by callers.
func NewPatternList(patterns ...Pattern) (*PatternList, error) {
	for _, p := range patterns {
		if p.Reserved() {
			return nil, ErrReservedPattern
		}

		for _, r := range reservedPatterns() {
			if p.equal(r) {
				return nil, ErrReservedPattern
			}
		}
	}

	return &PatternList{patterns: patterns}, nil
}

// MustPatternList is like [NewPatternList] but panics on error. For fixed
// lists known at build time.
func MustPatternList(patterns ...Pattern) *PatternList {
	list, err := NewPatternList(patterns...)
	if err != nil {
		panic(err)
	}

	return list
}

// newRawList builds a list without the reserved-marker check. Only [Guard]
// and diagnostics use it.
func newRawList(patterns ...Pattern) *PatternList {
	return &PatternList{patterns: patterns}
}

// Len returns the number of patterns in the list.
func (l *PatternList) Len() int {
	return len(l.patterns)
}

// withAppended returns a new list with the given patterns behind l. Used by
// [Guard] to splice in the reserved fatal set.
func (l *PatternList) withAppended(patterns ...Pattern) *PatternList {
	merged := make([]Pattern, 0, len(patterns)+len(l.patterns))
	merged = append(merged, l.patterns...)
	merged = append(merged, patterns...)

	return &PatternList{patterns: merged}
}

func reservedPatterns() []Pattern {
	return []Pattern{
		PatternPanic,
		PatternDebuggerEnter,
		PatternDebuggerStop,
		PatternCapabilityFault,
	}
}

// match scans buf for the earliest match of any pattern in the list. Ties on
// the start position are broken by list order, except that reserved fatal
// markers always outrank caller patterns at the same position.
func (l *PatternList) match(buf []byte) (matchResultData, bool) {
	best := matchResultData{index: -1}
	bestReserved := false

	for i, p := range l.patterns {
		start, end, ok := p.find(buf)
		if !ok {
			continue
		}

		better := best.index < 0 ||
			start < best.start ||
			(start == best.start && p.Reserved() && !bestReserved)

		if better {
			best = matchResultData{
				index: i,
				start: start,
				end:   end,
			}
			bestReserved = p.Reserved()
		}
	}

	return best, best.index >= 0
}

type matchResultData struct {
	index      int
	start, end int
}

// MatchKind discriminates the variants of [MatchResult].
type MatchKind int

const (
	// KindMatched means one of the patterns matched; Index selects which.
	KindMatched MatchKind = iota
	// KindTimedOut means the timeout elapsed without a match.
	KindTimedOut
	// KindEndOfStream means the stream closed without a match.
	KindEndOfStream
)

// String returns a name for the kind.
func (k MatchKind) String() string {
	switch k {
	case KindMatched:
		return "matched"
	case KindTimedOut:
		return "timeout"
	case KindEndOfStream:
		return "end of stream"
	default:
		return "invalid"
	}
}

// MatchResult is the immutable result of a single wait call.
type MatchResult struct {
	// Kind discriminates the variants. Index and the captured output are
	// meaningful only for [KindMatched].
	Kind MatchKind
	// Index of the matched pattern in the caller's list.
	Index int
	// Captured holds the bytes consumed by the match itself.
	Captured []byte
	// Before holds the stream content preceding the match.
	Before []byte
}

// Matched reports whether the result is a pattern match at the given index.
func (r MatchResult) Matched(index int) bool {
	return r.Kind == KindMatched && r.Index == index
}
