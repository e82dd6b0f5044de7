// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package console

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// PretendSession is the dry-run implementation of [Session].
//
// Sends are logged and discarded. Waits resolve immediately: by default to
// the first caller pattern, or to a queued forced result. A pretend wait
// never reports a timeout, so dry runs walk the success branch of every
// pattern race.
type PretendSession struct {
	mu      sync.Mutex
	queued  []MatchResult
	closed  bool
	history []string

	degraded atomic.Bool
}

var _ Session = (*PretendSession)(nil)

// NewPretendSession returns an empty pretend session.
func NewPretendSession() *PretendSession {
	return &PretendSession{}
}

// QueueResult queues a forced result returned by the next [Wait] call.
func (s *PretendSession) QueueResult(result MatchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queued = append(s.queued, result)
}

// SentLines returns all lines sent so far. For inspection in dry runs and
// tests.
func (s *PretendSession) SentLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.history...)
}

// Send implements [Session]. The payload is discarded.
func (s *PretendSession) Send(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSessionClosed
	}

	s.history = append(s.history, string(p))
	slog.Info("pretend: would send", slog.String("data", string(p)))

	return nil
}

// SendLine implements [Session].
func (s *PretendSession) SendLine(line string) error {
	return s.Send([]byte(line))
}

// Wait implements [Session]. It returns the next queued result if any,
// otherwise a match at index 0. It never returns [KindTimedOut].
func (s *PretendSession) Wait(
	_ context.Context,
	patterns *PatternList,
	_ time.Duration,
) (MatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return MatchResult{}, ErrSessionClosed
	}

	if len(s.queued) > 0 {
		result := s.queued[0]
		s.queued = s.queued[1:]

		return result, nil
	}

	if patterns.Len() == 0 {
		return MatchResult{Kind: KindEndOfStream}, nil
	}

	return MatchResult{Kind: KindMatched, Index: 0}, nil
}

// MarkDegraded implements [Session].
func (s *PretendSession) MarkDegraded() {
	s.degraded.Store(true)
}

// Degraded implements [Session].
func (s *PretendSession) Degraded() bool {
	return s.degraded.Load()
}

// Close implements [Session].
func (s *PretendSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	return nil
}
