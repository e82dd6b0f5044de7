// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package harness stages test artifacts into the booted guest, runs the
// verification workload and decides the run verdict.
package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/virtbed/virtbed/internal/console"
	"github.com/virtbed/virtbed/internal/qemu"
	"github.com/virtbed/virtbed/internal/shell"
)

const (
	setupCommandTimeout = 60 * time.Second

	poweroffTimeout = 2 * time.Minute
	exitWaitTimeout = 30 * time.Second

	defaultPreloadVariable = "LD_PRELOAD"

	guestPreloadDir = "/tmp/preload"
)

var (
	patternTestsCompleted = console.Literal("TESTS COMPLETED")
	patternTestsUnstable  = console.Literal("TESTS UNSTABLE")
	patternTestsFailed    = console.Literal("TESTS FAILED")

	// Printed by the kernel on its way down after poweroff.
	patternShutdownUptime = console.Literal("Uptime:")
)

// VerifyFunc is a caller-supplied verification routine, used instead of a
// test command. It may run arbitrarily long but every console interaction
// inside it carries its own timeout.
type VerifyFunc func(ctx context.Context, runner *shell.Runner) error

// Config describes one test run.
type Config struct {
	// Shares are the folders exported to the guest, in mount order.
	Shares []qemu.SharedFolder
	// SSHPort is the forwarded host port, used for scp staging when no
	// writable share exists. Zero disables scp staging.
	SSHPort uint16
	// MinimalImage selects extra setup for images without a writable
	// /usr/local.
	MinimalImage bool

	// Archives are extracted into the guest file system tree.
	Archives []string
	// PreloadLibs are staged into the guest and exported in
	// PreloadVariable.
	PreloadLibs []string
	// PreloadVariable defaults to LD_PRELOAD.
	PreloadVariable string

	// TestCommand is run in the guest shell and raced against the test
	// result markers. Ignored if Verify is set.
	TestCommand string
	// Verify replaces the test command with a host-side routine.
	Verify VerifyFunc
	// TestTimeout bounds the test command.
	TestTimeout time.Duration

	// RunHost executes host commands (tar, scp). Defaults to the real
	// thing. Injectable for tests.
	RunHost execHost
}

// exitWaiter is the optional session ability to wait for child exit.
type exitWaiter interface {
	WaitExit(ctx context.Context, timeout time.Duration) error
}

// Orchestrator drives the test phase on a provisioned guest.
type Orchestrator struct {
	session console.Session
	runner  *shell.Runner
	guard   *console.Guard
	cfg     Config
}

// New returns an orchestrator for the given session.
func New(session console.Session, guard *console.Guard, cfg Config) *Orchestrator {
	if cfg.PreloadVariable == "" {
		cfg.PreloadVariable = defaultPreloadVariable
	}

	if cfg.RunHost == nil {
		cfg.RunHost = runHostCommand
	}

	return &Orchestrator{
		session: session,
		runner:  shell.NewRunner(session, guard),
		guard:   guard,
		cfg:     cfg,
	}
}

// Run prepares the guest, stages artifacts and executes the tests. The
// returned error is non-nil only for conditions that invalidate the whole
// run; a plain test failure or timeout is carried in the [Result].
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	if err := o.setupEnvironment(ctx); err != nil {
		return Result{}, err
	}

	if err := o.stageArchives(ctx); err != nil {
		return Result{}, err
	}

	if err := o.stagePreloadLibs(ctx); err != nil {
		return Result{}, err
	}

	result, err := o.executeTests(ctx)

	result.Degraded = o.session.Degraded()

	return result, err
}

// setupEnvironment runs the guest preparation commands. These are best
// effort: a failing sysctl degrades diagnostics, not the test result.
func (o *Orchestrator) setupEnvironment(ctx context.Context) error {
	cmds := []string{"chmod 777 /tmp"}

	if share, ok := o.firstWritableShare(); ok {
		corefile := filepath.Join(share.GuestPath, "%N.%P.core")
		cmds = append(cmds,
			"sysctl kern.coredump=1",
			"sysctl kern.corefile="+corefile,
		)
	} else {
		cmds = append(cmds, "sysctl kern.coredump=0")
	}

	if o.cfg.MinimalImage {
		cmds = append(cmds,
			"mkdir -p /usr/local && mount -t tmpfs tmpfs /usr/local",
			"mkdir -p /opt && mount -t tmpfs tmpfs /opt",
		)
	}

	for _, cmd := range cmds {
		outcome, err := o.runner.CheckedRun(ctx, cmd, shell.Options{
			Timeout: setupCommandTimeout,
		})
		if err != nil {
			return err
		}

		if !outcome.OK() {
			slog.Warn("guest setup command failed",
				slog.String("command", cmd),
				slog.String("outcome", outcome.String()),
			)
		}
	}

	return nil
}

func (o *Orchestrator) firstWritableShare() (qemu.SharedFolder, bool) {
	for _, share := range o.cfg.Shares {
		if !share.ReadOnly {
			return share, true
		}
	}

	return qemu.SharedFolder{}, false
}

// stageArchives unpacks the test archives where the guest can see them: into
// the first writable share if one is mounted, otherwise into a temp dir that
// is copied over the forwarded SSH port.
func (o *Orchestrator) stageArchives(ctx context.Context) error {
	if len(o.cfg.Archives) == 0 {
		return nil
	}

	if share, ok := o.firstWritableShare(); ok {
		return extractArchives(ctx, o.cfg.Archives, share.HostDir, o.cfg.RunHost)
	}

	if o.cfg.SSHPort == 0 {
		return errors.New("archives need a writable share or an ssh port")
	}

	tmp, err := os.MkdirTemp("", "virtbed-stage-")
	if err != nil {
		return fmt.Errorf("staging dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := extractArchives(ctx, o.cfg.Archives, tmp, o.cfg.RunHost); err != nil {
		return err
	}

	return o.scp(ctx, tmp+"/.", "/")
}

// scp copies a host file tree into the guest over the forwarded port.
func (o *Orchestrator) scp(ctx context.Context, src, dest string) error {
	return o.cfg.RunHost(ctx, "scp",
		"-P", strconv.Itoa(int(o.cfg.SSHPort)),
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-q", "-r",
		src,
		"root@localhost:"+dest,
	)
}

// stagePreloadLibs puts the preload libraries where the guest's dynamic
// linker can load them and exports the preload variable.
func (o *Orchestrator) stagePreloadLibs(ctx context.Context) error {
	if len(o.cfg.PreloadLibs) == 0 {
		return nil
	}

	share, haveShare := o.firstWritableShare()

	guestPaths := make([]string, 0, len(o.cfg.PreloadLibs))

	for _, lib := range o.cfg.PreloadLibs {
		base := filepath.Base(lib)

		var guestPath string

		if haveShare {
			hostDest := filepath.Join(share.HostDir, "preload")
			if err := os.MkdirAll(hostDest, 0o755); err != nil {
				return err
			}

			if err := copyFile(lib, filepath.Join(hostDest, base)); err != nil {
				return fmt.Errorf("stage preload lib: %w", err)
			}

			guestPath = filepath.Join(share.GuestPath, "preload", base)
		} else {
			mkdir, err := o.runner.CheckedRun(ctx,
				"mkdir -p "+guestPreloadDir,
				shell.Options{Timeout: setupCommandTimeout})
			if err != nil {
				return err
			}

			if !mkdir.OK() {
				return fmt.Errorf("preload dir in guest: %s", mkdir)
			}

			if err := o.scp(ctx, lib, guestPreloadDir+"/"); err != nil {
				return err
			}

			guestPath = filepath.Join(guestPreloadDir, base)
		}

		// Missing preload libraries fail every exec in confusing ways.
		// Check now while the error is still attributable.
		outcome, err := o.runner.CheckedRun(ctx, "test -f "+guestPath,
			shell.Options{Timeout: setupCommandTimeout})
		if err != nil {
			return err
		}

		if !outcome.OK() {
			return fmt.Errorf("preload library not visible in guest: %s",
				guestPath)
		}

		guestPaths = append(guestPaths, guestPath)
	}

	export := fmt.Sprintf("export %s=%s",
		o.cfg.PreloadVariable, strings.Join(guestPaths, ":"))

	outcome, err := o.runner.CheckedRun(ctx, export,
		shell.Options{Timeout: setupCommandTimeout})
	if err != nil {
		return err
	}

	if !outcome.OK() {
		return fmt.Errorf("export %s: %s", o.cfg.PreloadVariable, outcome)
	}

	return nil
}

// executeTests runs the verification routine or the test command.
func (o *Orchestrator) executeTests(ctx context.Context) (Result, error) {
	start := time.Now()

	if o.cfg.Verify != nil {
		err := o.cfg.Verify(ctx, o.runner)

		result := Result{
			Verdict:      VerdictPassed,
			TestDuration: time.Since(start),
		}

		var fault *console.FaultError

		switch {
		case errors.As(err, &fault):
			result.Verdict = VerdictFatal
			return result, err

		case err != nil:
			slog.Error("verification routine failed",
				slog.String("error", err.Error()))

			result.Verdict = VerdictFailed
		}

		return result, nil
	}

	if err := o.session.SendLine(o.cfg.TestCommand); err != nil {
		return Result{}, err
	}

	markers := console.MustPatternList(
		patternTestsCompleted,
		patternTestsUnstable,
		patternTestsFailed,
	)

	matched, err := o.guard.Wait(ctx, o.session, markers, o.cfg.TestTimeout)

	result := Result{TestDuration: time.Since(start)}

	if err != nil {
		result.Verdict = VerdictFatal
		return result, err
	}

	switch {
	case matched.Matched(0):
		result.Verdict = VerdictPassed

	case matched.Matched(1):
		// The suite finished but flagged flaky tests. Counts as a pass,
		// loudly.
		slog.Warn("test suite reported unstable tests")

		result.Verdict = VerdictPassed

	case matched.Matched(2):
		result.Verdict = VerdictFailed

	default:
		slog.Error("tests produced no result marker",
			slog.String("kind", matched.Kind.String()),
			slog.Duration("timeout", o.cfg.TestTimeout),
		)

		result.Verdict = VerdictTimeout
	}

	return result, nil
}

// Shutdown powers the guest off and waits for the child to exit. Teardown is
// tolerant: a guest that is already gone is fine.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if err := o.session.SendLine("poweroff"); err != nil {
		if errors.Is(err, console.ErrSessionClosed) {
			return nil
		}

		return err
	}

	down := console.MustPatternList(patternShutdownUptime)

	result, err := o.session.Wait(ctx, down, poweroffTimeout)
	if err != nil && !errors.Is(err, console.ErrSessionClosed) {
		return err
	}

	if err == nil && result.Kind != console.KindMatched &&
		result.Kind != console.KindEndOfStream {
		slog.Warn("guest did not confirm shutdown",
			slog.String("kind", result.Kind.String()))
	}

	if waiter, ok := o.session.(exitWaiter); ok {
		if err := waiter.WaitExit(ctx, exitWaitTimeout); err != nil {
			slog.Warn("guest process did not exit cleanly",
				slog.String("error", err.Error()))
		}
	}

	return nil
}
