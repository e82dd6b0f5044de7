// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package provision_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/virtbed/virtbed/internal/console"
	"github.com/virtbed/virtbed/internal/provision"
	"github.com/virtbed/virtbed/internal/qemu"
	"github.com/virtbed/virtbed/internal/shell"
)

const (
	prompt = "__virtbed__:# "
	ok     = "__COMMAND SUCCESSFUL__\n" + prompt
	failed = "__COMMAND FAILED__\n" + prompt
)

// writeTestKey generates a valid public key file and returns its path.
func writeTestKey(t *testing.T) string {
	t.Helper()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	sshPub, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id_ed25519.pub")
	err = os.WriteFile(path, ssh.MarshalAuthorizedKey(sshPub), 0o600)
	require.NoError(t, err)

	return path
}

// newSession returns a scripted session answering commands by first word.
func newSession(responses map[string]string) *console.ScriptedSession {
	session := console.NewScriptedSession("")
	session.Respond = func(line string) string {
		word, _, _ := strings.Cut(line, ";")
		word, _, _ = strings.Cut(word, " ")

		return responses[word]
	}

	return session
}

func TestSetupSSH(t *testing.T) {
	session := newSession(map[string]string{
		"mkdir":   ok,
		"rm":      ok,
		"printf":  ok,
		"echo":    ok,
		"chmod":   ok,
		"service": "Stopping sshd.\nStarting sshd.\n" + prompt,
		"cat":     "ssh-ed25519 AAAA...\n" + prompt,
	})

	var slept []time.Duration

	err := provision.SetupSSH(
		context.Background(),
		shell.NewRunner(session, &console.Guard{}),
		provision.SSHConfig{
			PublicKeyPath: writeTestKey(t),
			Sleep:         func(d time.Duration) { slept = append(slept, d) },
		},
	)
	require.NoError(t, err)

	assert.True(t, session.SentContaining("mkdir -p /root/.ssh"))
	assert.True(t, session.SentContaining("printf"))
	assert.True(t, session.SentContaining("PermitRootLogin without-password"))
	assert.True(t, session.SentContaining("service sshd restart"))
	// Settle delay between restart and verification.
	assert.Len(t, slept, 1)
}

func TestSetupSSHInvalidKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.pub")
	require.NoError(t, os.WriteFile(path, []byte("not a key\n"), 0o600))

	err := provision.SetupSSH(
		context.Background(),
		shell.NewRunner(newSession(nil), &console.Guard{}),
		provision.SSHConfig{
			PublicKeyPath: path,
			Sleep:         func(time.Duration) {},
		},
	)

	assert.ErrorIs(t, err, provision.ErrInvalidSSHKey)
}

func TestSetupSSHRestartFailure(t *testing.T) {
	session := newSession(map[string]string{
		"mkdir":   ok,
		"rm":      ok,
		"printf":  ok,
		"echo":    ok,
		"chmod":   ok,
		"service": "sshd not running?\n" + prompt,
	})

	err := provision.SetupSSH(
		context.Background(),
		shell.NewRunner(session, &console.Guard{}),
		provision.SSHConfig{
			PublicKeyPath: writeTestKey(t),
			Sleep:         func(time.Duration) {},
		},
	)

	assert.ErrorIs(t, err, provision.ErrSSHSetup)
}

func mountAttempts(session *console.ScriptedSession) int {
	count := 0

	for _, line := range session.Sent() {
		if strings.Contains(line, "mount_smbfs") {
			count++
		}
	}

	return count
}

func TestMountSharesRetriesThenDegrades(t *testing.T) {
	session := newSession(map[string]string{
		"mkdir": ok,
		"mount_smbfs": "mount_smbfs: unable to open connection: " +
			"syserr = Operation timed out\n" + failed,
	})

	var backoffs []int

	err := provision.MountShares(
		context.Background(),
		shell.NewRunner(session, &console.Guard{}),
		session,
		[]qemu.SharedFolder{{HostDir: "/tmp/build", GuestPath: "/build"}},
		provision.MountConfig{
			Backoff: func(attempt int) time.Duration {
				backoffs = append(backoffs, attempt)
				return 0
			},
			Sleep: func(time.Duration) {},
		},
	)
	require.NoError(t, err)

	// Exactly three attempts with a backoff between each pair, then the
	// run continues with a poisoned verdict.
	assert.Equal(t, 3, mountAttempts(session))
	assert.Equal(t, []int{1, 2}, backoffs)
	assert.True(t, session.Degraded())
}

func TestMountSharesSecondAttemptSucceeds(t *testing.T) {
	attempt := 0

	session := console.NewScriptedSession("")
	session.Respond = func(line string) string {
		switch {
		case strings.HasPrefix(line, "mkdir"):
			return ok
		case strings.HasPrefix(line, "mount_smbfs"):
			attempt++
			if attempt == 1 {
				return "mount_smbfs: unable to open connection: " +
					"syserr = Operation timed out\n" + failed
			}

			return ok
		default:
			return ""
		}
	}

	err := provision.MountShares(
		context.Background(),
		shell.NewRunner(session, &console.Guard{}),
		session,
		[]qemu.SharedFolder{{HostDir: "/tmp/build", GuestPath: "/build"}},
		provision.MountConfig{
			Backoff: func(int) time.Duration { return 0 },
			Sleep:   func(time.Duration) {},
		},
	)
	require.NoError(t, err)

	assert.Equal(t, 2, attempt)
	assert.False(t, session.Degraded())
}

func TestMountSharesDeterministicFailureNotRetried(t *testing.T) {
	// A mount failing for any reason other than the server-not-ready class
	// fails the same way on every attempt, so it degrades immediately.
	session := newSession(map[string]string{
		"mkdir": ok,
		"mount_smbfs": "mount_smbfs: //10.0.2.4/qemu1: syserr = " +
			"No such file or directory\n" + failed,
	})

	backoffs := 0

	err := provision.MountShares(
		context.Background(),
		shell.NewRunner(session, &console.Guard{}),
		session,
		[]qemu.SharedFolder{{HostDir: "/tmp/build", GuestPath: "/build"}},
		provision.MountConfig{
			Backoff: func(int) time.Duration {
				backoffs++
				return 0
			},
			Sleep: func(time.Duration) {},
		},
	)
	require.NoError(t, err)

	assert.Equal(t, 1, mountAttempts(session))
	assert.Zero(t, backoffs)
	assert.True(t, session.Degraded())
}

func TestMountSharesPretendSingleAttempt(t *testing.T) {
	session := newSession(map[string]string{
		"mkdir":       ok,
		"mount_smbfs": failed,
	})

	err := provision.MountShares(
		context.Background(),
		shell.NewRunner(session, &console.Guard{}),
		session,
		[]qemu.SharedFolder{{HostDir: "/tmp/build", GuestPath: "/build"}},
		provision.MountConfig{
			Pretend: true,
			Backoff: func(int) time.Duration { return 0 },
			Sleep:   func(time.Duration) {},
		},
	)
	require.NoError(t, err)

	assert.Equal(t, 1, mountAttempts(session))
	assert.True(t, session.Degraded())
}

func TestMountSharesNumbersExports(t *testing.T) {
	session := newSession(map[string]string{
		"mkdir":       ok,
		"mount_smbfs": ok,
	})

	err := provision.MountShares(
		context.Background(),
		shell.NewRunner(session, &console.Guard{}),
		session,
		[]qemu.SharedFolder{
			{HostDir: "/tmp/build", GuestPath: "/build"},
			{HostDir: "/tmp/src", ReadOnly: true, GuestPath: "/src"},
		},
		provision.MountConfig{
			Backoff: func(int) time.Duration { return 0 },
			Sleep:   func(time.Duration) {},
		},
	)
	require.NoError(t, err)

	assert.True(t, session.SentContaining(
		"mount_smbfs -I 10.0.2.4 -N //10.0.2.4/qemu1 /build"))
	assert.True(t, session.SentContaining(
		"mount_smbfs -I 10.0.2.4 -N //10.0.2.4/qemu2 /src"))
}

func TestExportLibraryPaths(t *testing.T) {
	session := newSession(map[string]string{
		"export": ok,
	})

	err := provision.ExportLibraryPaths(
		context.Background(),
		shell.NewRunner(session, &console.Guard{}),
		[]string{"/build/lib", "/usr/local/lib"},
	)
	require.NoError(t, err)

	assert.True(t, session.SentContaining(
		"export LD_LIBRARY_PATH=/build/lib:/usr/local/lib"))
	assert.True(t, session.SentContaining(
		"export LD_CHERI_LIBRARY_PATH=/build/lib:/usr/local/lib"))
}

func TestExportLibraryPathsEmpty(t *testing.T) {
	session := newSession(nil)

	err := provision.ExportLibraryPaths(
		context.Background(),
		shell.NewRunner(session, &console.Guard{}),
		nil,
	)
	require.NoError(t, err)

	assert.Empty(t, session.Sent())
}
