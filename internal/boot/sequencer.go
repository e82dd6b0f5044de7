// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/virtbed/virtbed/internal/console"
)

// Console literals of the guest boot sequence.
var (
	patternAutobootBanner = console.Literal("Hit [Enter] to boot immediately")
	patternLoaderPrompt   = console.Literal("OK ")
	patternMountRoot      = console.Literal("Trying to mount root")
	patternInitStarting   = console.Literal("start_init: trying /sbin/init")
	patternLoginPrompt    = console.Literal("login:")
	patternRootShortcut   = console.Literal("logged in as root")
	patternInitShell      = console.Literal("exec /bin/sh")
	patternBootFailure    = console.Literal(
		"Enter full pathname of shell or RETURN for /bin/sh")
	patternDHCPAck = console.Literal("DHCPACK from")

	// Some images drop into csh for root. The command protocol needs POSIX
	// sh, so a csh-looking prompt gets an explicit sh started.
	patternCshPrompt   = console.Regex(`root@.+:.+# `)
	patternPlainPrompt = console.Literal("# ")
)

const (
	defaultLoaderTimeout = 90 * time.Second
	defaultBootTimeout   = 10 * time.Minute
	defaultLoginTimeout  = 5 * time.Minute
)

// Config carries the tunables of a boot sequence.
type Config struct {
	// NetworkInterface is the name of the guest's primary interface, used
	// for explicit bring-up when boot did not configure networking.
	NetworkInterface string
	// AltKernelDir selects a non-default kernel directory under /boot. If
	// set, autoboot is interrupted and the kernel booted from the loader
	// prompt.
	AltKernelDir string
	// VerboseKernel means the kernel config prints init startup messages,
	// allowing the kernel boot duration to be measured.
	VerboseKernel bool

	// Timeouts per phase. Zero selects defaults.
	LoaderTimeout time.Duration
	BootTimeout   time.Duration
	LoginTimeout  time.Duration
}

// Sequencer drives a freshly spawned guest from power-on to a usable shell.
//
// It is a forward-only state machine over [Milestone]. All console waits go
// through the fault guard, so a kernel panic at any point during boot
// surfaces as a fault instead of a timeout.
type Sequencer struct {
	session console.Session
	guard   *console.Guard
	cfg     Config

	milestone Milestone

	started      time.Time
	bootDuration time.Duration
	kernelUpAt   time.Duration

	sawDHCPAck bool
}

// New returns a sequencer for the given session, in [MilestoneSpawned].
func New(session console.Session, guard *console.Guard, cfg Config) *Sequencer {
	if cfg.LoaderTimeout == 0 {
		cfg.LoaderTimeout = defaultLoaderTimeout
	}

	if cfg.BootTimeout == 0 {
		cfg.BootTimeout = defaultBootTimeout
	}

	if cfg.LoginTimeout == 0 {
		cfg.LoginTimeout = defaultLoginTimeout
	}

	return &Sequencer{
		session: session,
		guard:   guard,
		cfg:     cfg,
	}
}

// Milestone returns the current boot stage.
func (s *Sequencer) Milestone() Milestone {
	return s.milestone
}

// BootDuration returns the wall-clock time from Run start to shell ready.
// Zero until the boot completed.
func (s *Sequencer) BootDuration() time.Duration {
	return s.bootDuration
}

// advance moves the state machine forward. Failed is sticky.
func (s *Sequencer) advance(next Milestone) {
	if s.milestone == MilestoneFailed {
		return
	}

	slog.Debug("boot milestone",
		slog.String("from", s.milestone.String()),
		slog.String("to", next.String()),
	)

	s.milestone = next
}

// fail marks the boot as terminally failed and wraps the reason.
func (s *Sequencer) fail(format string, args ...any) error {
	s.advance(MilestoneFailed)

	return fmt.Errorf("%w: %s", ErrBootFailed, fmt.Sprintf(format, args...))
}

// Run drives the guest to [MilestoneShellReady]: loader, kernel, login,
// prompt normalization and, if boot did not bring networking up on its own,
// explicit network setup.
func (s *Sequencer) Run(ctx context.Context) error {
	s.started = time.Now()

	if err := s.runLoader(ctx); err != nil {
		return err
	}

	if err := s.runKernel(ctx); err != nil {
		return err
	}

	if err := s.runLogin(ctx); err != nil {
		return err
	}

	if err := NormalizePrompt(ctx, s.session, s.guard); err != nil {
		s.advance(MilestoneFailed)
		return err
	}

	if !s.sawDHCPAck && s.cfg.NetworkInterface != "" {
		if err := s.setupNetwork(ctx); err != nil {
			s.advance(MilestoneFailed)
			return err
		}
	}

	s.advance(MilestoneShellReady)
	s.bootDuration = time.Since(s.started)

	slog.Info("guest shell ready",
		slog.Duration("boot_duration", s.bootDuration))

	return nil
}

// runLoader handles the boot loader phase. Images differ: some show the
// autoboot banner, some stop at the loader prompt, some have no interactive
// loader and go straight into the kernel.
func (s *Sequencer) runLoader(ctx context.Context) error {
	patterns := console.MustPatternList(
		patternAutobootBanner,
		patternLoaderPrompt,
		patternMountRoot,
		patternBootFailure,
	)

	result, err := s.guard.Wait(ctx, s.session, patterns, s.cfg.LoaderTimeout)
	if err != nil {
		s.advance(MilestoneFailed)
		return err
	}

	switch {
	case result.Matched(0):
		if s.cfg.AltKernelDir == "" {
			s.advance(MilestoneKernelBooting)
			// Boot immediately instead of waiting out the autoboot
			// delay.
			return s.session.SendLine("")
		}

		// Any non-enter key interrupts autoboot and drops to the
		// loader prompt.
		s.advance(MilestoneLoaderPrompt)

		if err := s.session.Send([]byte(" ")); err != nil {
			return err
		}

		return s.bootFromLoader(ctx)

	case result.Matched(1):
		s.advance(MilestoneLoaderPrompt)
		return s.bootAlternateKernel(ctx)

	case result.Matched(2):
		s.advance(MilestoneMountingRoot)
		return nil

	case result.Matched(3):
		return s.fail("init did not come up, dropped to recovery shell")

	default:
		return s.fail("no loader activity: %s", result.Kind)
	}
}

// bootFromLoader waits for the loader prompt after interrupting autoboot and
// issues the boot command.
func (s *Sequencer) bootFromLoader(ctx context.Context) error {
	prompt := console.MustPatternList(patternLoaderPrompt)

	result, err := s.guard.Wait(ctx, s.session, prompt, s.cfg.LoaderTimeout)
	if err != nil {
		s.advance(MilestoneFailed)
		return err
	}

	if result.Kind != console.KindMatched {
		return s.fail("loader prompt did not appear: %s", result.Kind)
	}

	return s.bootAlternateKernel(ctx)
}

// bootAlternateKernel issues the boot command at the loader prompt.
func (s *Sequencer) bootAlternateKernel(_ context.Context) error {
	cmd := "boot"
	if s.cfg.AltKernelDir != "" {
		cmd = "boot " + path.Join("/boot", s.cfg.AltKernelDir, "kernel")
	}

	slog.Info("booting from loader prompt", slog.String("command", cmd))

	s.advance(MilestoneKernelBooting)

	return s.session.SendLine(cmd)
}

// runKernel waits for the kernel to reach the root mount.
func (s *Sequencer) runKernel(ctx context.Context) error {
	if s.milestone >= MilestoneMountingRoot {
		return nil
	}

	patterns := console.MustPatternList(
		patternMountRoot,
		patternBootFailure,
		patternDHCPAck,
	)

	for {
		result, err := s.guard.Wait(ctx, s.session, patterns, s.cfg.BootTimeout)
		if err != nil {
			s.advance(MilestoneFailed)
			return err
		}

		switch {
		case result.Matched(0):
			s.advance(MilestoneMountingRoot)
			return nil

		case result.Matched(1):
			return s.fail("init did not come up, dropped to recovery shell")

		case result.Matched(2):
			s.sawDHCPAck = true

		default:
			return s.fail("kernel did not reach root mount: %s", result.Kind)
		}
	}
}

// runLogin waits for user space and gets a POSIX shell. Minimal images log
// root in without a password, init-script images exec a shell directly, and
// full images show a login prompt.
func (s *Sequencer) runLogin(ctx context.Context) error {
	s.advance(MilestoneAwaitingLogin)

	patterns := console.MustPatternList(
		patternLoginPrompt,
		patternRootShortcut,
		patternInitShell,
		patternBootFailure,
		patternDHCPAck,
		patternInitStarting,
	)

	for {
		result, err := s.guard.Wait(ctx, s.session, patterns, s.cfg.LoginTimeout)
		if err != nil {
			s.advance(MilestoneFailed)
			return err
		}

		switch {
		case result.Matched(0):
			return s.login(ctx)

		case result.Matched(1):
			slog.Debug("minimal image, logged in as root without password")
			return nil

		case result.Matched(2):
			slog.Debug("init script execs the shell directly")
			return nil

		case result.Matched(3):
			return s.fail("init did not come up, dropped to recovery shell")

		case result.Matched(4):
			s.sawDHCPAck = true

		case result.Matched(5):
			if s.cfg.VerboseKernel && s.kernelUpAt == 0 {
				s.kernelUpAt = time.Since(s.started)
				slog.Info("kernel handed over to init",
					slog.Duration("kernel_boot", s.kernelUpAt))
			}

		default:
			return s.fail("no login prompt: %s", result.Kind)
		}
	}
}

// login sends the username and sorts out which shell answered.
func (s *Sequencer) login(ctx context.Context) error {
	if err := s.session.SendLine("root"); err != nil {
		return err
	}

	// csh outranks the plain prompt here: its prompt ends in "# " too, so
	// the plain literal alone cannot tell them apart.
	shells := console.MustPatternList(patternCshPrompt, patternPlainPrompt)

	result, err := s.guard.Wait(ctx, s.session, shells, s.cfg.LoginTimeout)
	if err != nil {
		s.advance(MilestoneFailed)
		return err
	}

	switch {
	case result.Matched(0):
		slog.Debug("root shell is csh, starting sh")

		if err := s.session.SendLine("sh"); err != nil {
			return err
		}

		plain := console.MustPatternList(patternPlainPrompt)

		result, err = s.guard.Wait(ctx, s.session, plain, s.cfg.LoginTimeout)
		if err != nil {
			s.advance(MilestoneFailed)
			return err
		}

		if result.Kind != console.KindMatched {
			return s.fail("sh did not start after csh login: %s", result.Kind)
		}

		return nil

	case result.Matched(1):
		return nil

	default:
		return s.fail("no shell prompt after login: %s", result.Kind)
	}
}
