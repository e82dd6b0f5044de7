// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package console

import (
	"context"
	"strings"
	"sync"
	"time"
)

// ScriptedSession is a [Session] for tests. It matches waits against a
// scripted output buffer, records everything sent, and optionally produces
// more output in response to sends. Waits that find no match resolve
// immediately as timeout (or end of stream once the script is exhausted), so
// timeout and retry paths run with zero real delay.
type ScriptedSession struct {
	// Respond maps a sent line to console output appended to the script.
	// Optional.
	Respond func(line string) string

	mu       sync.Mutex
	buf      []byte
	sent     []string
	eof      bool
	closed   bool
	degraded bool
}

var _ Session = (*ScriptedSession)(nil)

// NewScriptedSession returns a session whose console output starts with the
// given script.
func NewScriptedSession(script string) *ScriptedSession {
	return &ScriptedSession{buf: []byte(script)}
}

// Feed appends more console output to the script.
func (s *ScriptedSession) Feed(output string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, output...)
}

// CloseStream marks the script as ended. Waits without a match report end of
// stream from now on.
func (s *ScriptedSession) CloseStream() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eof = true
}

// Sent returns everything sent so far, one entry per Send call.
func (s *ScriptedSession) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.sent...)
}

// SentContaining reports whether any sent line contains the given substring.
func (s *ScriptedSession) SentContaining(substr string) bool {
	for _, line := range s.Sent() {
		if strings.Contains(line, substr) {
			return true
		}
	}

	return false
}

// Send implements [Session].
func (s *ScriptedSession) Send(p []byte) error {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}

	line := string(p)
	s.sent = append(s.sent, line)
	respond := s.Respond
	s.mu.Unlock()

	if respond != nil {
		s.Feed(respond(strings.TrimSuffix(line, "\n")))
	}

	return nil
}

// SendLine implements [Session].
func (s *ScriptedSession) SendLine(line string) error {
	return s.Send(append([]byte(line), '\n'))
}

// Wait implements [Session].
func (s *ScriptedSession) Wait(
	ctx context.Context,
	patterns *PatternList,
	_ time.Duration,
) (MatchResult, error) {
	if err := ctx.Err(); err != nil {
		return MatchResult{}, ErrInterrupted
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return MatchResult{}, ErrSessionClosed
	}

	if data, ok := patterns.match(s.buf); ok {
		result := MatchResult{
			Kind:     KindMatched,
			Index:    data.index,
			Before:   append([]byte(nil), s.buf[:data.start]...),
			Captured: append([]byte(nil), s.buf[data.start:data.end]...),
		}
		s.buf = append([]byte(nil), s.buf[data.end:]...)

		return result, nil
	}

	if s.eof {
		return MatchResult{Kind: KindEndOfStream}, nil
	}

	return MatchResult{Kind: KindTimedOut}, nil
}

// MarkDegraded implements [Session].
func (s *ScriptedSession) MarkDegraded() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.degraded = true
}

// Degraded implements [Session].
func (s *ScriptedSession) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.degraded
}

// Close implements [Session].
func (s *ScriptedSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}
