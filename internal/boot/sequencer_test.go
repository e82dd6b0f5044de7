// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtbed/virtbed/internal/boot"
	"github.com/virtbed/virtbed/internal/console"
)

const autobootBanner = "Hit [Enter] to boot immediately, or any other key " +
	"for command prompt.\nBooting [/boot/kernel/kernel] in 9 seconds... "

// respondScript maps sent lines to console output, with unmatched sends
// producing nothing.
func respondScript(responses map[string]string) func(string) string {
	return func(line string) string {
		return responses[line]
	}
}

func TestSequencerNormalBoot(t *testing.T) {
	session := console.NewScriptedSession(autobootBanner)
	session.Respond = respondScript(map[string]string{
		"": "Trying to mount root from ufs:/dev/ada0\n" +
			"DHCPACK from 10.0.2.2\n" +
			"login:",
		"root":                         "Last login: never\n# ",
		`export PS2='__virtbed_cont__:\$ '`: "# ",
		`export PS1='__virtbed__:\$ '`:      "__virtbed__:# ",
	})

	seq := boot.New(session, &console.Guard{}, boot.Config{
		NetworkInterface: "vtnet0",
	})

	err := seq.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, boot.MilestoneShellReady, seq.Milestone())
	assert.Positive(t, seq.BootDuration())
	// DHCP came up during boot, no manual bring-up.
	assert.False(t, session.SentContaining("dhclient"))
}

func TestSequencerRootShortcut(t *testing.T) {
	// Minimal images log root in without a password and skip the login
	// prompt entirely.
	session := console.NewScriptedSession(autobootBanner)
	session.Respond = respondScript(map[string]string{
		"": "Trying to mount root from ufs:/dev/ada0\n" +
			"logged in as root\n# ",
		`export PS2='__virtbed_cont__:\$ '`: "# ",
		`export PS1='__virtbed__:\$ '`:      "__virtbed__:# ",
		"ifconfig vtnet0 up && dhclient vtnet0": "DHCPACK from 10.0.2.2\n" +
			"bound to 10.0.2.15\n__virtbed__:# ",
	})

	seq := boot.New(session, &console.Guard{}, boot.Config{
		NetworkInterface: "vtnet0",
	})

	err := seq.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, boot.MilestoneShellReady, seq.Milestone())
	assert.True(t, session.SentContaining("ifconfig vtnet0 up"))
}

func TestSequencerAlternateKernel(t *testing.T) {
	session := console.NewScriptedSession(autobootBanner)
	session.Respond = respondScript(map[string]string{
		" ": "\nOK ",
		"boot /boot/kernel.alt/kernel": "Trying to mount root from ufs:/dev/ada0\n" +
			"DHCPACK from 10.0.2.2\nlogin:",
		"root":                         "# ",
		`export PS2='__virtbed_cont__:\$ '`: "# ",
		`export PS1='__virtbed__:\$ '`:      "__virtbed__:# ",
	})

	seq := boot.New(session, &console.Guard{}, boot.Config{
		AltKernelDir: "kernel.alt",
	})

	err := seq.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, boot.MilestoneShellReady, seq.Milestone())
	assert.True(t, session.SentContaining("boot /boot/kernel.alt/kernel"))
}

func TestSequencerCshFallback(t *testing.T) {
	session := console.NewScriptedSession(autobootBanner)
	session.Respond = respondScript(map[string]string{
		"": "Trying to mount root from ufs:/dev/ada0\n" +
			"DHCPACK from 10.0.2.2\nlogin:",
		"root":                         "root@virtbed-test:~ # ",
		"sh":                           "# ",
		`export PS2='__virtbed_cont__:\$ '`: "# ",
		`export PS1='__virtbed__:\$ '`:      "__virtbed__:# ",
	})

	seq := boot.New(session, &console.Guard{}, boot.Config{})

	err := seq.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, session.SentContaining("sh"))
	assert.Equal(t, boot.MilestoneShellReady, seq.Milestone())
}

func TestSequencerBootFailureMarker(t *testing.T) {
	session := console.NewScriptedSession(autobootBanner)
	session.Respond = respondScript(map[string]string{
		"": "Trying to mount root from ufs:/dev/ada0\n" +
			"Enter full pathname of shell or RETURN for /bin/sh:",
	})

	seq := boot.New(session, &console.Guard{}, boot.Config{})

	err := seq.Run(context.Background())
	assert.ErrorIs(t, err, boot.ErrBootFailed)
	assert.Equal(t, boot.MilestoneFailed, seq.Milestone())
}

func TestSequencerLoaderTimeout(t *testing.T) {
	session := console.NewScriptedSession("nothing recognizable")

	seq := boot.New(session, &console.Guard{}, boot.Config{})

	err := seq.Run(context.Background())
	assert.ErrorIs(t, err, boot.ErrBootFailed)
	assert.Equal(t, boot.MilestoneFailed, seq.Milestone())
}

func TestSequencerPanicDuringBoot(t *testing.T) {
	session := console.NewScriptedSession(autobootBanner)
	session.Respond = respondScript(map[string]string{
		"": "Trying to mount root from ufs:/dev/ada0\n" +
			"panic: trap: data abort\n",
	})

	seq := boot.New(session, &console.Guard{}, boot.Config{})

	err := seq.Run(context.Background())

	var fault *console.FaultError
	require.ErrorAs(t, err, &fault)
	assert.Equal(t, console.FaultPanic, fault.Kind)
	assert.Equal(t, boot.MilestoneFailed, seq.Milestone())
}

func TestSequencerInterfaceMissing(t *testing.T) {
	session := console.NewScriptedSession(autobootBanner)
	session.Respond = respondScript(map[string]string{
		"": "Trying to mount root from ufs:/dev/ada0\n" +
			"logged in as root\n# ",
		`export PS2='__virtbed_cont__:\$ '`: "# ",
		`export PS1='__virtbed__:\$ '`:      "__virtbed__:# ",
		"ifconfig em0 up && dhclient em0": "ifconfig: interface em0 " +
			"does not exist\n",
	})

	seq := boot.New(session, &console.Guard{}, boot.Config{
		NetworkInterface: "em0",
	})

	err := seq.Run(context.Background())
	assert.ErrorIs(t, err, boot.ErrInterfaceMissing)
	assert.Equal(t, boot.MilestoneFailed, seq.Milestone())
}

func TestNormalizePromptOnNormalizedShell(t *testing.T) {
	session := console.NewScriptedSession("")
	session.Respond = respondScript(map[string]string{
		`export PS2='__virtbed_cont__:\$ '`: "__virtbed__:# ",
		`export PS1='__virtbed__:\$ '`:      "__virtbed__:# ",
	})

	err := boot.NormalizePrompt(
		context.Background(), session, &console.Guard{})
	assert.NoError(t, err)
}

func TestPromptPatternIgnoresVariableDump(t *testing.T) {
	// An env-style dump prints the prompt variables with the literal \$
	// still in them. That must not look like a prompt.
	session := console.NewScriptedSession(
		"PS1=__virtbed__:\\$ \nPS2=__virtbed_cont__:\\$ \n")

	list := console.MustPatternList(boot.PatternPrompt)

	result, err := session.Wait(context.Background(), list, 0)
	require.NoError(t, err)
	assert.Equal(t, console.KindTimedOut, result.Kind)

	session.Feed("__virtbed__:# ")

	result, err = session.Wait(context.Background(), list, 0)
	require.NoError(t, err)
	assert.True(t, result.Matched(0))
}
