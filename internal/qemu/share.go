// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SharedFolder exposes a host directory to the guest through the user-mode
// network's SMB server. It is created before boot, encoded into the QEMU
// argument vector, and mounted in the guest during provisioning.
type SharedFolder struct {
	// HostDir is the absolute host path of the exported directory.
	HostDir string
	// ReadOnly marks the export read-only.
	ReadOnly bool
	// GuestPath is where the share is expected to be mounted in the guest.
	GuestPath string
}

// ParseSharedFolder parses the "HOST[@ro]:GUEST" option format.
func ParseSharedFolder(arg string) (SharedFolder, error) {
	host, guest, found := strings.Cut(arg, ":")
	if !found || host == "" || guest == "" {
		return SharedFolder{}, fmt.Errorf(
			"%w: %q, expected HOST_PATH[@ro]:GUEST_PATH", ErrInvalidShare, arg,
		)
	}

	folder := SharedFolder{GuestPath: guest}

	if strings.HasSuffix(host, "@ro") {
		host = strings.TrimSuffix(host, "@ro")
		folder.ReadOnly = true
	}

	abs, err := filepath.Abs(host)
	if err != nil {
		return SharedFolder{}, fmt.Errorf("%w: %q: %w", ErrInvalidShare, arg, err)
	}

	folder.HostDir = abs

	return folder, nil
}

// ExportArg returns the share's fragment of the smb= network option.
func (f SharedFolder) ExportArg() string {
	if f.ReadOnly {
		return f.HostDir + "@ro"
	}

	return f.HostDir
}

// String implements [fmt.Stringer].
func (f SharedFolder) String() string {
	mode := "rw"
	if f.ReadOnly {
		mode = "ro"
	}

	return fmt.Sprintf("%s (%s) -> %s", f.HostDir, mode, f.GuestPath)
}
