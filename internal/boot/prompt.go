// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"context"
	"fmt"
	"time"

	"github.com/virtbed/virtbed/internal/console"
)

// The normalized prompts embed `\$` in the variable value. The shell renders
// it as `#` or `$` when printing a prompt but keeps it literal when the value
// is echoed back, so an env-style dump of PS1/PS2 can never match the prompt
// patterns below.
const (
	setContinuationPrompt = `export PS2='__virtbed_cont__:\$ '`
	setPrimaryPrompt      = `export PS1='__virtbed__:\$ '`
)

var (
	// PatternPrompt matches the normalized primary shell prompt. The
	// command protocol treats its appearance as "previous command done".
	PatternPrompt = console.Regex(`__virtbed__:[#$] `)

	// PatternContinuation matches the normalized secondary prompt. Seeing
	// it means the shell is waiting for more input, which the command
	// protocol treats as a desync.
	PatternContinuation = console.Regex(`__virtbed_cont__:[#$] `)

	normalizedPrompt = console.MustPatternList(PatternPrompt)
)

const promptSetupTimeout = 60 * time.Second

// NormalizePrompt sets the shell's prompt variables to the unique markers the
// command protocol relies on. PS2 is set first, while the old primary prompt
// is still active, then PS1. Calling it on an already-normalized shell just
// sets the same values again.
func NormalizePrompt(
	ctx context.Context,
	session console.Session,
	guard *console.Guard,
) error {
	if err := session.SendLine(setContinuationPrompt); err != nil {
		return fmt.Errorf("set continuation prompt: %w", err)
	}

	// The old primary prompt reappears once before PS1 changes. Race both
	// in case a previous run already normalized this shell.
	either := console.MustPatternList(PatternPrompt, console.Literal("# "))

	result, err := guard.Wait(ctx, session, either, promptSetupTimeout)
	if err != nil {
		return err
	}

	if result.Kind != console.KindMatched {
		return fmt.Errorf("%w: no prompt after PS2 change (%s)",
			ErrBootFailed, result.Kind)
	}

	if err := session.SendLine(setPrimaryPrompt); err != nil {
		return fmt.Errorf("set primary prompt: %w", err)
	}

	result, err = guard.Wait(ctx, session, normalizedPrompt, promptSetupTimeout)
	if err != nil {
		return err
	}

	if result.Kind != console.KindMatched {
		return fmt.Errorf("%w: normalized prompt did not appear (%s)",
			ErrBootFailed, result.Kind)
	}

	return nil
}
