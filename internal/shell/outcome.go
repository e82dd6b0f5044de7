// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package shell

import (
	"fmt"
	"time"

	"github.com/virtbed/virtbed/internal/console"
)

// OutcomeKind classifies what a single guest command did.
type OutcomeKind int

const (
	// OutcomeSuccess means the command completed successfully.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeCommandNotFound means the shell could not find the binary.
	OutcomeCommandNotFound
	// OutcomeMissingSharedLibrary means the dynamic linker rejected the
	// binary over a missing library.
	OutcomeMissingSharedLibrary
	// OutcomeTimeout means the command did not produce a classifiable
	// result within its timeout.
	OutcomeTimeout
	// OutcomeMatchedErrorPattern means a failure marker or a
	// caller-supplied error pattern appeared in the output.
	OutcomeMatchedErrorPattern
	// OutcomeFaultDetected means a hardware or capability fault was
	// reported while the command ran.
	OutcomeFaultDetected
)

// String returns a name for the outcome kind.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeCommandNotFound:
		return "command not found"
	case OutcomeMissingSharedLibrary:
		return "missing shared library"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeMatchedErrorPattern:
		return "matched error pattern"
	case OutcomeFaultDetected:
		return "fault detected"
	default:
		return "invalid"
	}
}

// CommandOutcome is the structured result of one guest command. It is
// produced for every command and never silently dropped.
type CommandOutcome struct {
	// Kind classifies the result.
	Kind OutcomeKind
	// Duration is the wall clock from send to classification. Recorded on
	// every outcome, including failures.
	Duration time.Duration
	// Pattern is the source of the matched error pattern, for
	// [OutcomeMatchedErrorPattern].
	Pattern string
	// Captured holds output preceding the classifying match, for
	// diagnostics.
	Captured []byte
	// Fault carries the fault kind for [OutcomeFaultDetected].
	Fault console.FaultKind
}

// OK reports whether the command succeeded.
func (o CommandOutcome) OK() bool {
	return o.Kind == OutcomeSuccess
}

// String returns a short description for logs.
func (o CommandOutcome) String() string {
	return fmt.Sprintf("%s after %s", o.Kind, o.Duration.Round(time.Millisecond))
}
