// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/virtbed/virtbed/internal/boot"
	"github.com/virtbed/virtbed/internal/console"
	"github.com/virtbed/virtbed/internal/harness"
	"github.com/virtbed/virtbed/internal/journal"
	"github.com/virtbed/virtbed/internal/provision"
	"github.com/virtbed/virtbed/internal/qemu"
	"github.com/virtbed/virtbed/internal/shell"
)

// Process exit codes. Scripts building on virtbed rely on the distinction
// between "could not even test" and "tested and failed".
const (
	// exitPassed: booted, tested, everything green.
	exitPassed = 0
	// exitSetupFailure: unrecoverable setup or boot error.
	exitSetupFailure = 1
	// exitTestsFailed: boot succeeded but the tests failed, timed out, or
	// the environment degraded.
	exitTestsFailed = 2
)

// interacter is the optional session ability to attach the console to the
// operator's terminal.
type interacter interface {
	Interact(input io.Reader, output io.Writer) error
}

func run(ctx context.Context, cfg *Config) int {
	setupLogging(os.Stderr, cfg.Debug)

	started := time.Now()

	spec, err := cfg.commandSpec()
	if err != nil {
		slog.Error("FATAL: invalid configuration",
			slog.String("error", err.Error()))

		return exitSetupFailure
	}

	session, cleanup, err := startSession(cfg, spec)
	if err != nil {
		slog.Error("FATAL: cannot start guest",
			slog.String("error", err.Error()))

		return exitSetupFailure
	}
	defer cleanup()

	guard := &console.Guard{}

	result, err := drive(ctx, cfg, spec, session, guard)
	if err != nil {
		slog.Error("FATAL: run aborted", slog.String("error", err.Error()))

		if cfg.Interact {
			// Leave the console attached so the operator can inspect
			// the failed guest. The run still counts as failed.
			attachConsole(session)
		}

		return exitSetupFailure
	}

	if cfg.JournalPath != "" {
		writeJournal(cfg, spec, started, result)
	}

	if !result.Passed() {
		return exitTestsFailed
	}

	return exitPassed
}

// startSession spawns QEMU, or a pretend stand-in for dry runs.
func startSession(
	cfg *Config,
	spec *qemu.CommandSpec,
) (console.Session, func(), error) {
	if cfg.Pretend {
		session := console.NewPretendSession()
		return session, func() { _ = session.Close() }, nil
	}

	args, err := spec.BuildArgs()
	if err != nil {
		return nil, nil, err
	}

	spawnSpec := console.SpawnSpec{
		Path: spec.Binary,
		Args: args,
	}

	var transcript *os.File

	if cfg.TranscriptPath != "" {
		transcript, err = os.Create(cfg.TranscriptPath)
		if err != nil {
			return nil, nil, err
		}

		spawnSpec.Transcript = transcript
	}

	session, err := console.Spawn(spawnSpec)
	if err != nil {
		if transcript != nil {
			_ = transcript.Close()
		}

		return nil, nil, err
	}

	cleanup := func() {
		_ = session.Close()

		if transcript != nil {
			_ = transcript.Close()
		}
	}

	return session, cleanup, nil
}

func (cfg *Config) bootConfig(spec *qemu.CommandSpec) boot.Config {
	return boot.Config{
		NetworkInterface: spec.NetworkInterface(),
		AltKernelDir:     cfg.KernelAltDir,
		VerboseKernel:    cfg.VerboseKernel,
	}
}

// drive takes the guest from power-on through provisioning to the test
// verdict.
func drive(
	ctx context.Context,
	cfg *Config,
	spec *qemu.CommandSpec,
	session console.Session,
	guard *console.Guard,
) (harness.Result, error) {
	sequencer := boot.New(session, guard, cfg.bootConfig(spec))

	if err := sequencer.Run(ctx); err != nil {
		return harness.Result{}, err
	}

	runner := shell.NewRunner(session, guard)

	if err := provisionGuest(ctx, cfg, spec, session, runner); err != nil {
		return harness.Result{}, err
	}

	if cfg.Interact {
		attachConsole(session)

		return harness.Result{Verdict: harness.VerdictPassed}, nil
	}

	orchestrator := harness.New(session, guard, harness.Config{
		Shares:          spec.Shares,
		SSHPort:         spec.SSHPort,
		MinimalImage:    cfg.MinimalImage,
		Archives:        cfg.TestArchives,
		PreloadLibs:     cfg.PreloadLibs,
		PreloadVariable: cfg.PreloadVariable,
		TestCommand:     cfg.TestCommand,
		Verify:          bootOnlyVerify(cfg),
		TestTimeout:     cfg.TestTimeout,
	})

	result, err := orchestrator.Run(ctx)
	if err != nil {
		return result, err
	}

	if err := orchestrator.Shutdown(ctx); err != nil {
		slog.Warn("shutdown incomplete", slog.String("error", err.Error()))
	}

	result.BootDuration = sequencer.BootDuration()

	return result, nil
}

// bootOnlyVerify turns a run without a test command into a boot check.
func bootOnlyVerify(cfg *Config) harness.VerifyFunc {
	if cfg.TestCommand != "" {
		return nil
	}

	return func(context.Context, *shell.Runner) error {
		slog.Info("no test command configured, boot itself is the test")
		return nil
	}
}

func provisionGuest(
	ctx context.Context,
	cfg *Config,
	spec *qemu.CommandSpec,
	session console.Session,
	runner *shell.Runner,
) error {
	if len(spec.Shares) > 0 {
		err := provision.MountShares(ctx, runner, session, spec.Shares,
			provision.MountConfig{Pretend: cfg.Pretend})
		if err != nil {
			return err
		}
	}

	if !cfg.SkipSSHSetup && cfg.SSHKey != "" {
		err := provision.SetupSSH(ctx, runner, provision.SSHConfig{
			PublicKeyPath: cfg.SSHKey,
		})
		if err != nil {
			return err
		}
	}

	libDirs := make([]string, 0, len(spec.Shares))
	for _, share := range spec.Shares {
		libDirs = append(libDirs, filepath.Join(share.GuestPath, "lib"))
	}

	return provision.ExportLibraryPaths(ctx, runner, libDirs)
}

func attachConsole(session console.Session) {
	attached, ok := session.(interacter)
	if !ok {
		slog.Warn("session has no console to attach")
		return
	}

	slog.Info("attaching console, detach with ctrl-c")

	if err := attached.Interact(os.Stdin, os.Stdout); err != nil {
		slog.Warn("interactive session ended",
			slog.String("error", err.Error()))
	}
}

func writeJournal(
	cfg *Config,
	spec *qemu.CommandSpec,
	started time.Time,
	result harness.Result,
) {
	j, err := journal.Open(cfg.JournalPath)
	if err != nil {
		slog.Warn("journal unavailable", slog.String("error", err.Error()))
		return
	}
	defer j.Close()

	id, err := j.Append(journal.Record{
		StartedAt:    started,
		FinishedAt:   time.Now(),
		Architecture: spec.Arch,
		Kernel:       spec.Kernel,
		Verdict:      result.Verdict.String(),
		Degraded:     result.Degraded,
		BootDuration: result.BootDuration,
		TestDuration: result.TestDuration,
	})
	if err != nil {
		slog.Warn("journal write failed", slog.String("error", err.Error()))
		return
	}

	slog.Info("run journaled", slog.String("id", id))
}
