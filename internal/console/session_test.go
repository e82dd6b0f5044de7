// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package console_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/virtbed/virtbed/internal/console"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func spawnShell(t *testing.T, script string) *console.HostSession {
	t.Helper()

	session, err := console.Spawn(console.SpawnSpec{
		Path: "/bin/sh",
		Args: []string{"-c", script},
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = session.Close() })

	return session
}

func TestHostSessionWaitMatches(t *testing.T) {
	session := spawnShell(t, "echo boot one; echo boot two; sleep 5")

	patterns := console.MustPatternList(
		console.Literal("boot two"),
		console.Literal("boot one"),
	)

	result, err := session.Wait(context.Background(), patterns, 5*time.Second)
	require.NoError(t, err)

	// "boot one" appears first in the stream, so it wins despite its
	// later list position.
	assert.True(t, result.Matched(1))
	assert.Equal(t, "boot one", string(result.Captured))

	result, err = session.Wait(context.Background(), patterns, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, result.Matched(0))
}

func TestHostSessionWaitTimesOut(t *testing.T) {
	session := spawnShell(t, "sleep 5")

	patterns := console.MustPatternList(console.Literal("never printed"))

	result, err := session.Wait(context.Background(), patterns, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, console.KindTimedOut, result.Kind)
}

func TestHostSessionWaitEndOfStream(t *testing.T) {
	session := spawnShell(t, "echo done")

	patterns := console.MustPatternList(console.Literal("done"))

	result, err := session.Wait(context.Background(), patterns, 5*time.Second)
	require.NoError(t, err)
	require.True(t, result.Matched(0))

	result, err = session.Wait(context.Background(), patterns, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, console.KindEndOfStream, result.Kind)
}

func TestHostSessionWaitInterrupted(t *testing.T) {
	session := spawnShell(t, "sleep 5")

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	patterns := console.MustPatternList(console.Literal("never printed"))

	_, err := session.Wait(ctx, patterns, 5*time.Second)
	assert.ErrorIs(t, err, console.ErrInterrupted)
}

func TestHostSessionSendLine(t *testing.T) {
	session := spawnShell(t, "read line; echo \"got: $line\"")

	require.NoError(t, session.SendLine("hello"))

	patterns := console.MustPatternList(console.Literal("got: hello"))

	result, err := session.Wait(context.Background(), patterns, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, result.Matched(0))
}

func TestHostSessionTranscript(t *testing.T) {
	var transcript lockedBuffer

	session, err := console.Spawn(console.SpawnSpec{
		Path:       "/bin/sh",
		Args:       []string{"-c", "echo transcribed output"},
		Transcript: &transcript,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = session.Close() })

	patterns := console.MustPatternList(console.Literal("transcribed output"))

	_, err = session.Wait(context.Background(), patterns, 5*time.Second)
	require.NoError(t, err)

	assert.Contains(t, transcript.String(), "transcribed output")
}

func TestHostSessionCloseTwice(t *testing.T) {
	session := spawnShell(t, "sleep 5")

	require.NoError(t, session.Close())
	// The child is dead now; teardown must not raise secondary errors.
	require.NoError(t, session.Close())

	assert.ErrorIs(t, session.Send([]byte("x")), console.ErrSessionClosed)
}

func TestHostSessionDegradedFlagSticky(t *testing.T) {
	session := spawnShell(t, "true")

	assert.False(t, session.Degraded())
	session.MarkDegraded()
	assert.True(t, session.Degraded())
	session.MarkDegraded()
	assert.True(t, session.Degraded())
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}
