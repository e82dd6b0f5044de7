// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package harness

import "time"

// Verdict is the overall outcome of the test phase.
type Verdict int

const (
	// VerdictPassed means the tests reported success.
	VerdictPassed Verdict = iota
	// VerdictFailed means the tests reported failure.
	VerdictFailed
	// VerdictTimeout means the tests did not report a result in time.
	VerdictTimeout
	// VerdictFatal means a fatal fault ended the test phase.
	VerdictFatal
)

// String returns a name for the verdict.
func (v Verdict) String() string {
	switch v {
	case VerdictPassed:
		return "passed"
	case VerdictFailed:
		return "failed"
	case VerdictTimeout:
		return "timeout"
	case VerdictFatal:
		return "fatal"
	default:
		return "invalid"
	}
}

// Result is what a completed test phase reports.
type Result struct {
	// Verdict of the test phase itself.
	Verdict Verdict
	// Degraded mirrors the session's sticky degraded flag at the end of
	// the run.
	Degraded bool
	// TestDuration is the wall clock of the test phase.
	TestDuration time.Duration
	// BootDuration is the wall clock of the boot phase. Filled in by the
	// caller that drove the boot.
	BootDuration time.Duration
}

// Passed reports the final run verdict: the tests must have passed and the
// environment must never have degraded. A passing test suite in a degraded
// environment is not a pass.
func (r Result) Passed() bool {
	return r.Verdict == VerdictPassed && !r.Degraded
}
