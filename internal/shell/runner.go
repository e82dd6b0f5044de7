// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package shell runs commands in the guest over the console and classifies
// what they did. The protocol assumes a POSIX sh with the normalized prompt
// set by the boot sequencer.
package shell

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/virtbed/virtbed/internal/boot"
	"github.com/virtbed/virtbed/internal/console"
)

// ErrProtocolDesync is returned if the shell shows a continuation prompt.
// The command line the guest saw differs from the one sent, so the current
// command's result is meaningless. Never retried automatically.
var ErrProtocolDesync = errors.New("shell protocol desync")

var (
	patternNotFound = console.Regex(`/bin/sh: [/\w\d_-]+: not found`)

	patternMissingLibrary = console.Regex(
		`ld(-cheri)?-elf\.so\.1: Shared object ".+" not found, required by ".+"`)
)

// The exit-status markers are echoed as two shell words so the echoed
// command line itself can never match them.
const (
	checkedRunSuffix = `; if test $? -eq 0; then echo '__COMMAND' ` +
		`'SUCCESSFUL__'; else echo '__COMMAND' 'FAILED__'; fi`

	markerSuccess = "__COMMAND SUCCESSFUL__"
	markerFailure = "__COMMAND FAILED__"
)

// promptDrainTimeout bounds the wait for the prompt to reappear after a
// non-prompt match, so trailing output cannot corrupt the next command.
const promptDrainTimeout = 20 * time.Second

// Options tune a single command invocation.
type Options struct {
	// Timeout is the wall-clock bound from send to classification.
	// Required.
	Timeout time.Duration
	// SuccessPattern, if set, marks success instead of the bare prompt.
	SuccessPattern *console.Pattern
	// ErrorPattern, if set, is raced as an additional failure marker.
	ErrorPattern *console.Pattern
	// IgnoreFault downgrades a capability fault during this command to a
	// logged warning instead of a run-terminating error.
	IgnoreFault bool
}

// Runner executes commands over a console session.
type Runner struct {
	session console.Session
	guard   *console.Guard
}

// NewRunner returns a runner for the given session.
func NewRunner(session console.Session, guard *console.Guard) *Runner {
	return &Runner{session: session, guard: guard}
}

// Run sends cmd and classifies the result. Success means the prompt (or the
// configured success pattern) reappeared; for commands whose own exit status
// matters, use [Runner.CheckedRun].
func (r *Runner) Run(
	ctx context.Context,
	cmd string,
	opts Options,
) (CommandOutcome, error) {
	return r.run(ctx, cmd, opts, false)
}

// CheckedRun appends an exit-status echo to cmd so the guest's own exit
// status decides the outcome. A prompt reappearing without a status marker
// classifies as timeout, never as success: a command can fail and still
// return to a prompt.
func (r *Runner) CheckedRun(
	ctx context.Context,
	cmd string,
	opts Options,
) (CommandOutcome, error) {
	return r.run(ctx, cmd+checkedRunSuffix, opts, true)
}

// Pattern indices of the classification race. The earliest match in the
// stream decides, so list order only breaks exact ties. Success leads the
// list because pretend sessions resolve every wait to index 0.
const (
	idxSuccess = iota
	idxNotFound
	idxMissingLibrary
	idxContinuation
	idxFailure
	idxError
)

func (r *Runner) run(
	ctx context.Context,
	cmd string,
	opts Options,
	checked bool,
) (CommandOutcome, error) {
	success := console.Literal(markerSuccess)
	if !checked {
		success = boot.PatternPrompt
		if opts.SuccessPattern != nil {
			success = *opts.SuccessPattern
		}
	}

	patterns := []console.Pattern{
		idxSuccess:        success,
		idxNotFound:       patternNotFound,
		idxMissingLibrary: patternMissingLibrary,
		idxContinuation:   boot.PatternContinuation,
		idxFailure:        console.Literal(markerFailure),
	}

	if opts.ErrorPattern != nil {
		patterns = append(patterns, *opts.ErrorPattern)
	}

	list, err := console.NewPatternList(patterns...)
	if err != nil {
		return CommandOutcome{}, err
	}

	slog.Debug("running guest command", slog.String("command", cmd))

	start := time.Now()

	if err := r.session.SendLine(cmd); err != nil {
		return CommandOutcome{}, err
	}

	result, err := r.guard.WaitCommand(ctx, r.session, list, opts.Timeout)

	outcome := CommandOutcome{Duration: time.Since(start)}

	if err != nil {
		var fault *console.FaultError
		if errors.As(err, &fault) && fault.Kind == console.FaultCapability &&
			opts.IgnoreFault {
			slog.Warn("capability fault tolerated",
				slog.String("command", cmd))
			r.drainPrompt(ctx)

			outcome.Kind = OutcomeFaultDetected
			outcome.Fault = fault.Kind
			outcome.Captured = fault.Output
			outcome.Duration = time.Since(start)

			return outcome, nil
		}

		return CommandOutcome{}, err
	}

	outcome.Captured = result.Before

	switch {
	case result.Kind == console.KindTimedOut:
		outcome.Kind = OutcomeTimeout

	case result.Kind == console.KindEndOfStream:
		return CommandOutcome{}, console.ErrSessionClosed

	case result.Matched(idxNotFound):
		outcome.Kind = OutcomeCommandNotFound
		r.drainPrompt(ctx)

	case result.Matched(idxMissingLibrary):
		outcome.Kind = OutcomeMissingSharedLibrary
		r.drainPrompt(ctx)

	case result.Matched(idxSuccess):
		outcome.Kind = OutcomeSuccess

		// A checked run or a custom success marker leaves the prompt
		// still pending in the stream.
		if checked || opts.SuccessPattern != nil {
			r.drainPrompt(ctx)
		}

	case result.Matched(idxContinuation):
		return CommandOutcome{}, ErrProtocolDesync

	case result.Matched(idxFailure):
		outcome.Kind = OutcomeMatchedErrorPattern
		outcome.Pattern = markerFailure
		r.drainPrompt(ctx)

	case result.Matched(idxError):
		outcome.Kind = OutcomeMatchedErrorPattern
		outcome.Pattern = opts.ErrorPattern.String()
		r.drainPrompt(ctx)
	}

	outcome.Duration = time.Since(start)

	slog.Debug("guest command classified",
		slog.String("command", cmd),
		slog.String("outcome", outcome.String()),
	)

	return outcome, nil
}

// drainPrompt waits for the prompt to reappear after a non-prompt match.
// Best effort: a timeout here is absorbed, the classification stands.
func (r *Runner) drainPrompt(ctx context.Context) {
	prompt := console.MustPatternList(boot.PatternPrompt)

	_, _ = r.guard.Wait(ctx, r.session, prompt, promptDrainTimeout)
}
