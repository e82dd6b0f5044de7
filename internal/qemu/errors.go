// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import "errors"

var (
	// ErrArchNotSupported is returned for an unknown architecture tag.
	ErrArchNotSupported = errors.New("architecture not supported")

	// ErrArgumentCollision is returned if two [Argument]s are considered
	// equal.
	ErrArgumentCollision = errors.New("colliding args")

	// ErrKernelMissing is returned if no kernel image is configured.
	ErrKernelMissing = errors.New("no kernel image configured")

	// ErrSpecInvalid is returned for other invalid machine configurations.
	ErrSpecInvalid = errors.New("invalid machine spec")

	// ErrInvalidShare is returned for malformed shared folder options.
	ErrInvalidShare = errors.New("invalid shared folder")

	// ErrShareDirMissing is returned if a shared host directory does not
	// exist.
	ErrShareDirMissing = errors.New("shared folder host dir does not exist")
)
