// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package cli is the command line surface of virtbed: flag handling, config
// file merging and the assembly of a run from the internal components.
package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "virtbed",
	Short: "Boot an OS image in QEMU and run tests against it",
	Long: `virtbed boots a cross-compiled OS image in QEMU, drives it over the
serial console to a usable shell, provisions SSH access and shared folders,
and runs a verification workload, reporting a structured verdict.

Boot an image and get an interactive shell:
  virtbed --architecture morello --kernel ./kernel --disk-image ./disk.img --interact

Run a test suite from an artifact archive:
  virtbed --architecture morello --kernel ./kernel --disk-image ./disk.img \
    --smb-mount ./build:/build --test-archive ./tests.cpio.gz \
    --test-command '/build/run-tests.sh' --test-timeout 30m`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		code := run(cmd.Context(), cfg)
		if code != exitPassed {
			return &exitError{code: code}
		}

		return nil
	},
}

// exitError carries the process exit code out of cobra.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return "exit code " + strconv.Itoa(e.code)
}

// Execute runs the command and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			return exit.code
		}

		rootCmd.PrintErrln("Error:", err)

		return exitSetupFailure
	}

	return exitPassed
}

func init() {
	flags := rootCmd.Flags()

	flags.String("architecture", "",
		"target architecture (amd64, aarch64, morello, riscv64)")
	flags.String("qemu", "", "override the qemu-system binary")
	flags.String("qemu-args", "", "extra raw QEMU arguments, shell-quoted")
	flags.String("kernel", "", "kernel image to boot")
	flags.String("kernel-alt-dir", "",
		"boot the kernel from this directory under /boot instead")
	flags.String("disk-image", "", "disk image to attach")
	flags.Uint("memory", 0, "guest memory in MB")
	flags.Uint("smp", 0, "number of guest CPUs")

	flags.String("ssh-key", "",
		"public key installed for root (default: discovered under ~/.ssh)")
	flags.Uint("ssh-port", 0, "host port forwarded to guest port 22")

	flags.StringArray("smb-mount", nil,
		"shared folder as HOST_PATH[@ro]:GUEST_PATH, repeatable")
	flags.Bool("minimal-image", false,
		"image has no writable /usr/local, set up tmpfs mounts")
	flags.Bool("verbose-kernel", false,
		"kernel config prints init startup messages")

	flags.String("test-command", "", "command run in the guest as the test")
	flags.StringArray("test-archive", nil,
		"artifact archive staged into the guest, repeatable")
	flags.StringArray("test-ld-preload", nil,
		"library preloaded into guest processes, repeatable")
	flags.String("test-ld-preload-variable", "",
		"environment variable used for preloading (default LD_PRELOAD)")
	flags.Duration("test-timeout", 30*time.Minute,
		"timeout for the test command")

	flags.Bool("pretend", false,
		"dry run: log interactions without starting QEMU")
	flags.Bool("interact", false,
		"attach the console to the terminal instead of running tests")
	flags.Bool("skip-ssh-setup", false, "do not install an SSH key")

	flags.String("transcript", "", "write the console transcript to a file")
	flags.String("journal", "", "append the run result to a SQLite journal")
	flags.Bool("debug", false, "enable debug logging")

	// Flags outrank the config file; everything else falls through to it.
	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
}
