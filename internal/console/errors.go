// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package console

import "errors"

var (
	// ErrReservedPattern is returned if a caller-supplied pattern list
	// contains one of the reserved fatal markers.
	ErrReservedPattern = errors.New("pattern list contains reserved fatal pattern")

	// ErrSessionClosed is returned for operations on a closed session.
	ErrSessionClosed = errors.New("console session closed")

	// ErrInterrupted is returned if a wait was aborted by the caller. It is
	// distinct from a timeout and from end of stream.
	ErrInterrupted = errors.New("wait interrupted")

	// ErrPretendExhausted is returned if a pretend session runs out of
	// queued results while one was explicitly required.
	ErrPretendExhausted = errors.New("no queued pretend result")
)

// FaultKind classifies fatal conditions detected on the console stream.
type FaultKind int

const (
	// FaultNone means no fault.
	FaultNone FaultKind = iota
	// FaultPanic is a kernel panic.
	FaultPanic
	// FaultHalt is an unexpected stop into the kernel debugger.
	FaultHalt
	// FaultCapability is a userspace capability exception.
	FaultCapability
)

// String returns a name for the fault kind.
func (k FaultKind) String() string {
	switch k {
	case FaultNone:
		return "none"
	case FaultPanic:
		return "kernel panic"
	case FaultHalt:
		return "unexpected halt"
	case FaultCapability:
		return "capability fault"
	default:
		return "invalid"
	}
}

// FaultError signals that a reserved fatal pattern matched during a wait.
// It is non-recoverable for the current run.
type FaultError struct {
	// Kind of the detected fault.
	Kind FaultKind
	// Output captured before the fault marker, for diagnostics.
	Output []byte
}

// Error implements the [error] interface.
func (e *FaultError) Error() string {
	return "fatal console fault: " + e.Kind.String()
}

// Is implements the [errors.Is] interface.
func (*FaultError) Is(other error) bool {
	_, ok := other.(*FaultError)
	return ok
}
