// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package provision

import "errors"

var (
	// ErrInvalidSSHKey is returned if the configured public key file does
	// not parse as an authorized key.
	ErrInvalidSSHKey = errors.New("invalid ssh public key")

	// ErrSSHSetup is returned if installing the key or restarting sshd in
	// the guest failed.
	ErrSSHSetup = errors.New("ssh setup in guest failed")

	// ErrLibraryPathSetup is returned if exporting the linker search path
	// variables failed.
	ErrLibraryPathSetup = errors.New("library path setup failed")
)
