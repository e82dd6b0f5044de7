// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"os"

	"github.com/virtbed/virtbed/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
