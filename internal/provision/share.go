// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package provision

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/virtbed/virtbed/internal/console"
	"github.com/virtbed/virtbed/internal/qemu"
	"github.com/virtbed/virtbed/internal/shell"
)

const (
	// Gateway address of the QEMU user-mode network; its SMB server
	// listens there. Exports are named qemu1..qemuN in spec order.
	smbServerAddr = "10.0.2.4"

	mountTimeout = 60 * time.Second

	defaultMountAttempts = 3
	pretendMountAttempts = 1
)

// The SMB server inside QEMU sometimes is not ready when the guest first
// connects, which shows up as this exact error class. Only this class is
// worth retrying.
var patternMountTimedOut = console.Literal(
	"unable to open connection: syserr = Operation timed out")

// MountConfig tunes the shared folder mounts.
type MountConfig struct {
	// Pretend reduces the retry bound to one attempt.
	Pretend bool
	// Backoff returns the delay before the given retry. Defaults to a
	// randomized 2-10s. Injectable for tests.
	Backoff func(attempt int) time.Duration
	// Sleep is used for backoff delays. Defaults to [time.Sleep].
	Sleep func(time.Duration)
}

// MountShares mounts every configured shared folder in the guest.
//
// A share whose retries are exhausted does not abort the run: the session is
// marked degraded, which poisons the final verdict, and the remaining shares
// are still attempted.
func MountShares(
	ctx context.Context,
	runner *shell.Runner,
	session console.Session,
	shares []qemu.SharedFolder,
	cfg MountConfig,
) error {
	if cfg.Backoff == nil {
		cfg.Backoff = randomBackoff
	}

	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}

	attempts := defaultMountAttempts
	if cfg.Pretend {
		attempts = pretendMountAttempts
	}

	for i, share := range shares {
		export := fmt.Sprintf("//%s/qemu%d", smbServerAddr, i+1)

		if err := mountShare(ctx, runner, session, share, export, attempts, cfg); err != nil {
			return err
		}
	}

	return nil
}

func mountShare(
	ctx context.Context,
	runner *shell.Runner,
	session console.Session,
	share qemu.SharedFolder,
	export string,
	attempts int,
	cfg MountConfig,
) error {
	mkdir := "mkdir -p " + share.GuestPath

	outcome, err := runner.CheckedRun(ctx, mkdir, shell.Options{
		Timeout: mountTimeout,
	})
	if err != nil {
		return err
	}

	if !outcome.OK() {
		session.MarkDegraded()
		slog.Error("cannot create mount point, environment degraded",
			slog.String("path", share.GuestPath))

		return nil
	}

	mount := fmt.Sprintf("mount_smbfs -I %s -N %s %s",
		smbServerAddr, export, share.GuestPath)

	for attempt := 1; attempt <= attempts; attempt++ {
		outcome, err := runner.CheckedRun(ctx, mount, shell.Options{
			Timeout:      mountTimeout,
			ErrorPattern: &patternMountTimedOut,
		})
		if err != nil {
			return err
		}

		if outcome.OK() {
			slog.Info("mounted shared folder",
				slog.String("share", share.String()),
				slog.Int("attempt", attempt),
			)

			return nil
		}

		slog.Warn("shared folder mount failed",
			slog.String("share", share.String()),
			slog.Int("attempt", attempt),
			slog.String("outcome", outcome.String()),
		)

		// Only the server-not-ready class is transient. Anything else
		// fails the same way on every attempt.
		if outcome.Kind != shell.OutcomeMatchedErrorPattern ||
			outcome.Pattern != patternMountTimedOut.String() {
			break
		}

		if attempt < attempts {
			cfg.Sleep(cfg.Backoff(attempt))
		}
	}

	session.MarkDegraded()
	slog.Error("shared folder unavailable, environment degraded",
		slog.String("share", share.String()))

	return nil
}

// randomBackoff spreads retries over 2-10s so a slow SMB server start is not
// hit at a fixed rhythm.
func randomBackoff(int) time.Duration {
	return 2*time.Second + time.Duration(rand.Int63n(int64(8*time.Second)))
}
