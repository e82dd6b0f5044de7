// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import "errors"

var (
	// ErrBootFailed is returned for any terminal boot failure: a failure
	// marker on the console, a timeout in a boot phase, or the stream
	// ending mid-boot.
	ErrBootFailed = errors.New("guest boot failed")

	// ErrInterfaceMissing is returned if the configured guest network
	// interface does not exist. This is a configuration mismatch, not a
	// transient fault, so it is never retried.
	ErrInterfaceMissing = errors.New("guest network interface does not exist")

	// ErrNetworkSetup is returned if explicit network bring-up did not
	// produce an address acknowledgement in time.
	ErrNetworkSetup = errors.New("guest network setup failed")
)
