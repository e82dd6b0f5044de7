// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package provision

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/virtbed/virtbed/internal/shell"
)

// Both the conventional and the capability-mode dynamic linker read their
// own search path variable. Tests do not know which linker their binaries
// use, so both get exported.
var libraryPathVariables = []string{
	"LD_LIBRARY_PATH",
	"LD_CHERI_LIBRARY_PATH",
}

const libpathTimeout = 30 * time.Second

// ExportLibraryPaths prepends the given directories to the guest's linker
// search path variables.
func ExportLibraryPaths(
	ctx context.Context,
	runner *shell.Runner,
	dirs []string,
) error {
	if len(dirs) == 0 {
		return nil
	}

	joined := strings.Join(dirs, ":")

	for _, variable := range libraryPathVariables {
		cmd := fmt.Sprintf(`export %s=%s:"${%s}"`, variable, joined, variable)

		outcome, err := runner.CheckedRun(ctx, cmd, shell.Options{
			Timeout: libpathTimeout,
		})
		if err != nil {
			return err
		}

		if !outcome.OK() {
			return fmt.Errorf("%w: %s: %s",
				ErrLibraryPathSetup, variable, outcome)
		}
	}

	return nil
}
