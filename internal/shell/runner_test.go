// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package shell_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtbed/virtbed/internal/console"
	"github.com/virtbed/virtbed/internal/shell"
)

const prompt = "__virtbed__:# "

// newRunner returns a runner over a scripted session that answers commands
// by their first word.
func newRunner(responses map[string]string) (*shell.Runner, *console.ScriptedSession) {
	session := console.NewScriptedSession("")
	session.Respond = func(line string) string {
		word, _, _ := strings.Cut(line, ";")
		word, _, _ = strings.Cut(word, " ")

		return responses[word]
	}

	return shell.NewRunner(session, &console.Guard{}), session
}

func TestRunSuccess(t *testing.T) {
	runner, _ := newRunner(map[string]string{
		"echo": "hi\n" + prompt,
	})

	outcome, err := runner.Run(context.Background(), "echo hi",
		shell.Options{Timeout: time.Second})
	require.NoError(t, err)

	assert.True(t, outcome.OK())
	assert.Positive(t, outcome.Duration)
	assert.Contains(t, string(outcome.Captured), "hi")
}

func TestRunCommandNotFound(t *testing.T) {
	runner, _ := newRunner(map[string]string{
		"/nonexistent": "/bin/sh: /nonexistent: not found\n" + prompt,
	})

	outcome, err := runner.Run(context.Background(), "/nonexistent",
		shell.Options{Timeout: time.Second})
	require.NoError(t, err)

	assert.Equal(t, shell.OutcomeCommandNotFound, outcome.Kind)
}

func TestRunMissingSharedLibrary(t *testing.T) {
	runner, _ := newRunner(map[string]string{
		"/build/prog": `ld-cheri-elf.so.1: Shared object "libfoo.so.4" ` +
			`not found, required by "prog"` + "\n" + prompt,
	})

	outcome, err := runner.Run(context.Background(), "/build/prog",
		shell.Options{Timeout: time.Second})
	require.NoError(t, err)

	assert.Equal(t, shell.OutcomeMissingSharedLibrary, outcome.Kind)
}

func TestCheckedRunFailure(t *testing.T) {
	runner, _ := newRunner(map[string]string{
		"false": "__COMMAND FAILED__\n" + prompt,
		"true":  "__COMMAND SUCCESSFUL__\n" + prompt,
	})

	outcome, err := runner.CheckedRun(context.Background(), "false",
		shell.Options{Timeout: time.Second})
	require.NoError(t, err)

	assert.Equal(t, shell.OutcomeMatchedErrorPattern, outcome.Kind)
	assert.False(t, outcome.OK())

	// A failed command must not poison the session for the next one.
	outcome, err = runner.CheckedRun(context.Background(), "true",
		shell.Options{Timeout: time.Second})
	require.NoError(t, err)
	assert.True(t, outcome.OK())
}

func TestCheckedRunPromptWithoutStatus(t *testing.T) {
	// A command that fails but still returns to a prompt must never
	// classify as success: without a status marker it is a timeout.
	runner, _ := newRunner(map[string]string{
		"crashing-tool": prompt,
	})

	outcome, err := runner.CheckedRun(context.Background(), "crashing-tool",
		shell.Options{Timeout: time.Second})
	require.NoError(t, err)

	assert.Equal(t, shell.OutcomeTimeout, outcome.Kind)
}

func TestRunContinuationPromptIsDesync(t *testing.T) {
	runner, _ := newRunner(map[string]string{
		"echo": "__virtbed_cont__:$ ",
	})

	_, err := runner.Run(context.Background(), `echo "unterminated`,
		shell.Options{Timeout: time.Second})

	assert.ErrorIs(t, err, shell.ErrProtocolDesync)
}

func TestRunErrorPattern(t *testing.T) {
	marker := console.Literal("unable to open connection")

	runner, _ := newRunner(map[string]string{
		"mount_smbfs": "mount_smbfs: unable to open connection: " +
			"syserr = Operation timed out\n" + prompt,
	})

	outcome, err := runner.Run(context.Background(),
		"mount_smbfs -I 10.0.2.4 -N //10.0.2.4/qemu0 /build",
		shell.Options{Timeout: time.Second, ErrorPattern: &marker})
	require.NoError(t, err)

	assert.Equal(t, shell.OutcomeMatchedErrorPattern, outcome.Kind)
	assert.Equal(t, "unable to open connection", outcome.Pattern)
}

func TestRunCapabilityFaultFatal(t *testing.T) {
	runner, _ := newRunner(map[string]string{
		"./overflow": "USER_CHERI_EXCEPTION: pid 731 tid 100057 (overflow)\n",
	})

	_, err := runner.Run(context.Background(), "./overflow",
		shell.Options{Timeout: time.Second})

	var fault *console.FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, console.FaultCapability, fault.Kind)
}

func TestRunCapabilityFaultIgnored(t *testing.T) {
	runner, _ := newRunner(map[string]string{
		"./overflow": "USER_CHERI_EXCEPTION: pid 731 tid 100057 (overflow)\n" +
			prompt,
		"echo": "ok\n" + prompt,
	})

	outcome, err := runner.Run(context.Background(), "./overflow",
		shell.Options{Timeout: time.Second, IgnoreFault: true})
	require.NoError(t, err)

	assert.Equal(t, shell.OutcomeFaultDetected, outcome.Kind)
	assert.Equal(t, console.FaultCapability, outcome.Fault)

	outcome, err = runner.Run(context.Background(), "echo ok",
		shell.Options{Timeout: time.Second})
	require.NoError(t, err)
	assert.True(t, outcome.OK())
}

func TestRunPanicIsFatalEvenWithIgnoreFault(t *testing.T) {
	runner, _ := newRunner(map[string]string{
		"./trigger": "panic: trap: kernel data abort\n",
	})

	_, err := runner.Run(context.Background(), "./trigger",
		shell.Options{Timeout: time.Second, IgnoreFault: true})

	var fault *console.FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, console.FaultPanic, fault.Kind)
}

func TestCheckedRunAppendsStatusEcho(t *testing.T) {
	runner, session := newRunner(map[string]string{
		"true": "__COMMAND SUCCESSFUL__\n" + prompt,
	})

	_, err := runner.CheckedRun(context.Background(), "true",
		shell.Options{Timeout: time.Second})
	require.NoError(t, err)

	assert.True(t, session.SentContaining("if test $? -eq 0"))
}
