// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package console

import (
	"context"
	"log/slog"
	"time"
)

const (
	debuggerPromptTimeout = 10 * time.Second
	backtraceTimeout      = 30 * time.Second

	// A backtrace that returns to the debugger prompt again and again is
	// looping. Allow one repeat, give up after three rounds total.
	maxBacktraceRounds = 3
)

var debuggerPrompt = newRawList(reserved(FaultHalt, "db> "))

// Guard wraps every wait on a [Session] to also watch for the reserved fatal
// markers. Kernel panics and unexpected halts can occur at any wait point,
// so all components route their waits through a Guard instead of checking ad
// hoc.
//
// The fatal set is appended behind the caller's patterns but matches with
// strictly higher precedence, so a fatal match can never be reported under
// an index belonging to the caller's list.
type Guard struct{}

// Wait races patterns against the reserved fatal set. On a fatal match it
// attempts a bounded backtrace capture and returns a [*FaultError]; the
// result is then zero. Fatal precedence applies even when the caller intends
// to tolerate timeouts.
func (g *Guard) Wait(
	ctx context.Context,
	session Session,
	patterns *PatternList,
	timeout time.Duration,
) (MatchResult, error) {
	return g.wait(ctx, session, patterns, timeout, false)
}

// WaitCommand is like [Guard.Wait] but additionally races the capability
// fault marker directly behind the caller's patterns. A capability fault is
// returned as a [*FaultError] with [FaultCapability] and does not trigger
// the backtrace capture; the caller decides whether to downgrade it.
func (g *Guard) WaitCommand(
	ctx context.Context,
	session Session,
	patterns *PatternList,
	timeout time.Duration,
) (MatchResult, error) {
	return g.wait(ctx, session, patterns, timeout, true)
}

func (g *Guard) wait(
	ctx context.Context,
	session Session,
	patterns *PatternList,
	timeout time.Duration,
	raceCapabilityFault bool,
) (MatchResult, error) {
	fatal := []Pattern{PatternPanic, PatternDebuggerEnter, PatternDebuggerStop}
	if raceCapabilityFault {
		fatal = append([]Pattern{PatternCapabilityFault}, fatal...)
	}

	combined := patterns.withAppended(fatal...)

	result, err := session.Wait(ctx, combined, timeout)
	if err != nil {
		return MatchResult{}, err
	}

	if result.Kind != KindMatched || result.Index < patterns.Len() {
		return result, nil
	}

	kind := combined.patterns[result.Index].Fault()

	if kind != FaultCapability {
		slog.Error("fatal pattern on console", slog.String("fault", kind.String()))
		g.captureBacktrace(ctx, session)
	}

	return MatchResult{}, &FaultError{Kind: kind, Output: result.Before}
}

// captureBacktrace requests a stack backtrace from the kernel debugger,
// best effort. Timeouts here are absorbed: the fault itself is what gets
// reported.
func (g *Guard) captureBacktrace(ctx context.Context, session Session) {
	// An operator interrupt must not abandon the capture half way through
	// and leave the debugger output unread in the session. The sequence is
	// bounded by its own timeouts.
	ctx = context.WithoutCancel(ctx)

	result, err := session.Wait(ctx, debuggerPrompt, debuggerPromptTimeout)
	if err != nil || result.Kind != KindMatched {
		return
	}

	if err := session.SendLine("bt"); err != nil {
		return
	}

	// The prompt reappearing once means the backtrace finished printing.
	// Reappearing again right away means the trace loops; stop reading
	// after a bounded number of rounds.
	for round := 0; round < maxBacktraceRounds; round++ {
		result, err = session.Wait(ctx, debuggerPrompt, backtraceTimeout)
		if err != nil || result.Kind != KindMatched {
			return
		}

		if round > 0 {
			slog.Warn("backtrace output loops, giving up on debugger",
				slog.Int("round", round+1))
		}
	}
}
