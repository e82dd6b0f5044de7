// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package provision sets up the booted guest for test runs: root SSH access
// over the forwarded port, SMB shared folder mounts, and linker search
// paths.
package provision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/virtbed/virtbed/internal/console"
	"github.com/virtbed/virtbed/internal/shell"
)

// sshKeyChunkSize limits how much of the key is sent per command. Very long
// lines get mangled by the emulated UART.
const sshKeyChunkSize = 150

const (
	authorizedKeysPath = "/root/.ssh/authorized_keys"

	sshCommandTimeout = 60 * time.Second

	// sshdSettleDelay gives sshd time to finish binding after the restart
	// reported success.
	sshdSettleDelay = 2 * time.Second
)

// SSHConfig describes the root SSH access to set up.
type SSHConfig struct {
	// PublicKeyPath is the host path of the public key to install.
	PublicKeyPath string
	// SettleDelay overrides the post-restart delay. Zero selects the
	// default.
	SettleDelay time.Duration
	// Sleep is used for the settle delay. Defaults to [time.Sleep].
	// Injectable for tests.
	Sleep func(time.Duration)
}

// SetupSSH installs the public key for root and configures sshd for key-only
// root login. The key is validated on the host first: a bad key would
// otherwise only surface much later as an authentication failure.
func SetupSSH(ctx context.Context, runner *shell.Runner, cfg SSHConfig) error {
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = sshdSettleDelay
	}

	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}

	keyBytes, err := os.ReadFile(cfg.PublicKeyPath)
	if err != nil {
		return fmt.Errorf("read ssh key: %w", err)
	}

	if _, _, _, _, err := ssh.ParseAuthorizedKey(keyBytes); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidSSHKey, cfg.PublicKeyPath, err)
	}

	key := strings.TrimSpace(string(keyBytes))

	slog.Info("installing ssh key for root",
		slog.String("key", cfg.PublicKeyPath))

	setup := []string{
		"mkdir -p /root/.ssh && chmod 700 /root/.ssh",
		"rm -f " + authorizedKeysPath,
	}

	for _, cmd := range setup {
		if err := checked(ctx, runner, cmd); err != nil {
			return err
		}
	}

	for _, chunk := range chunkString(key, sshKeyChunkSize) {
		cmd := fmt.Sprintf("printf '%%s' '%s' >> %s", chunk, authorizedKeysPath)
		if err := checked(ctx, runner, cmd); err != nil {
			return err
		}
	}

	finish := []string{
		"echo >> " + authorizedKeysPath,
		"chmod 600 " + authorizedKeysPath,
		`echo 'PermitRootLogin without-password' >> /etc/ssh/sshd_config`,
		`echo 'sshd_enable="YES"' >> /etc/rc.conf`,
	}

	for _, cmd := range finish {
		if err := checked(ctx, runner, cmd); err != nil {
			return err
		}
	}

	if err := restartSSHD(ctx, runner); err != nil {
		return err
	}

	cfg.Sleep(cfg.SettleDelay)

	return verifyInstalledKey(ctx, runner)
}

// restartSSHD restarts the guest's sshd and checks its status line.
func restartSSHD(ctx context.Context, runner *shell.Runner) error {
	started := console.Literal("Starting sshd.")

	outcome, err := runner.Run(ctx, "service sshd restart", shell.Options{
		Timeout:        sshCommandTimeout,
		SuccessPattern: &started,
	})
	if err != nil {
		return err
	}

	if !outcome.OK() {
		return fmt.Errorf("%w: sshd restart: %s", ErrSSHSetup, outcome)
	}

	return nil
}

// verifyInstalledKey reads the authorized keys back and checks that a key
// actually landed in the file.
func verifyInstalledKey(ctx context.Context, runner *shell.Runner) error {
	keyType := console.Literal("ssh-")

	outcome, err := runner.Run(ctx, "cat "+authorizedKeysPath, shell.Options{
		Timeout:        sshCommandTimeout,
		SuccessPattern: &keyType,
	})
	if err != nil {
		return err
	}

	if !outcome.OK() {
		return fmt.Errorf("%w: installed key not readable: %s",
			ErrSSHSetup, outcome)
	}

	return nil
}

func checked(ctx context.Context, runner *shell.Runner, cmd string) error {
	outcome, err := runner.CheckedRun(ctx, cmd, shell.Options{
		Timeout: sshCommandTimeout,
	})
	if err != nil {
		return err
	}

	if !outcome.OK() {
		return fmt.Errorf("%w: %q: %s", ErrSSHSetup, cmd, outcome)
	}

	return nil
}

// chunkString splits s into chunks of at most size bytes.
func chunkString(s string, size int) []string {
	chunks := make([]string, 0, len(s)/size+1)

	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}

	return append(chunks, s)
}
