// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// Session is the byte-stream interactive channel to the guest.
//
// A session has a single active driver at a time. All waiting is synchronous
// with a caller-supplied timeout; [Session.Wait] is the only suspension
// point. The degraded flag is sticky: it can go from false to true only.
type Session interface {
	// Send writes raw bytes to the guest console.
	Send(p []byte) error
	// SendLine writes a line of text followed by a newline.
	SendLine(line string) error
	// Wait suspends until one of the patterns matches, the timeout elapses,
	// or the stream closes. Cancellation of ctx returns [ErrInterrupted].
	Wait(ctx context.Context, patterns *PatternList, timeout time.Duration) (MatchResult, error)
	// MarkDegraded records that the test environment is degraded.
	MarkDegraded()
	// Degraded reports whether the environment was ever marked degraded.
	Degraded() bool
	// Close tears the session down. It tolerates an already-dead child.
	Close() error
}

const (
	defaultSendChunk = 256

	termSignalGrace = 5 * time.Second
)

// SpawnSpec describes how to start a [HostSession].
type SpawnSpec struct {
	// Path of the child binary, usually a qemu-system executable.
	Path string
	// Args is the full argument vector, without the binary name.
	Args []string
	// Transcript receives a copy of everything read from the console.
	// Optional.
	Transcript io.Writer
	// SendChunk limits the size of a single console write. Zero selects a
	// default suitable for emulated UARTs.
	SendChunk int
	// SendDelay is slept between chunked writes to avoid overrunning a slow
	// virtual UART. Zero disables pacing.
	SendDelay time.Duration
	// Sleep is used for send pacing. Defaults to [time.Sleep]. Injectable
	// for tests.
	Sleep func(time.Duration)
}

// HostSession drives a real child process over a pseudo-terminal.
//
// The child is spawned on a pty because emulators in -nographic mode only
// behave interactively when attached to a terminal. A reader goroutine pumps
// console output into an internal buffer that [HostSession.Wait] scans.
type HostSession struct {
	cmd  *exec.Cmd
	tty  *os.File
	spec SpawnSpec

	mu      sync.Mutex
	buf     []byte
	readErr error
	closed  bool

	// dataCh is signalled on every buffer append and closed at stream end.
	dataCh     chan struct{}
	readerDone chan struct{}

	degraded atomic.Bool
}

var _ Session = (*HostSession)(nil)

// Spawn starts the child process described by spec and returns a session
// attached to its console.
func Spawn(spec SpawnSpec) (*HostSession, error) {
	if spec.SendChunk <= 0 {
		spec.SendChunk = defaultSendChunk
	}

	if spec.Sleep == nil {
		spec.Sleep = time.Sleep
	}

	cmd := exec.Command(spec.Path, spec.Args...)

	tty, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("spawn %s: %w", spec.Path, err)
	}

	// Without this, everything sent to the guest is echoed back into the
	// stream and can falsely match wait patterns.
	if err := disableEcho(tty); err != nil {
		_ = tty.Close()
		_ = cmd.Process.Kill()

		return nil, fmt.Errorf("configure console: %w", err)
	}

	s := &HostSession{
		cmd:        cmd,
		tty:        tty,
		spec:       spec,
		dataCh:     make(chan struct{}, 1),
		readerDone: make(chan struct{}),
	}

	go s.pump()

	slog.Debug("spawned console session",
		slog.String("path", spec.Path),
		slog.Int("pid", cmd.Process.Pid),
	)

	return s, nil
}

// disableEcho clears local echo on the session terminal.
func disableEcho(tty *os.File) error {
	termios, err := unix.IoctlGetTermios(int(tty.Fd()), unix.TCGETS)
	if err != nil {
		return err
	}

	termios.Lflag &^= unix.ECHO | unix.ECHONL

	return unix.IoctlSetTermios(int(tty.Fd()), unix.TCSETS, termios)
}

// pump reads console output into the match buffer until the stream closes.
func (s *HostSession) pump() {
	defer close(s.readerDone)
	defer close(s.dataCh)

	chunk := make([]byte, 4096)

	for {
		n, err := s.tty.Read(chunk)
		if n > 0 {
			s.mu.Lock()
			s.buf = append(s.buf, chunk[:n]...)
			s.mu.Unlock()

			if s.spec.Transcript != nil {
				_, _ = s.spec.Transcript.Write(chunk[:n])
			}

			select {
			case s.dataCh <- struct{}{}:
			default:
			}
		}

		if err != nil {
			// A pty read fails with EIO once the child side is closed.
			// Treat it like a regular end of stream.
			s.mu.Lock()
			if !errors.Is(err, io.EOF) && !errors.Is(err, unix.EIO) {
				s.readErr = err
			}
			s.mu.Unlock()

			return
		}
	}
}

// Send implements [Session]. Writes are chunked and optionally paced.
func (s *HostSession) Send(p []byte) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrSessionClosed
	}

	for len(p) > 0 {
		n := min(len(p), s.spec.SendChunk)

		if _, err := s.tty.Write(p[:n]); err != nil {
			return fmt.Errorf("console send: %w", err)
		}

		p = p[n:]

		if len(p) > 0 && s.spec.SendDelay > 0 {
			s.spec.Sleep(s.spec.SendDelay)
		}
	}

	return nil
}

// SendLine implements [Session].
func (s *HostSession) SendLine(line string) error {
	return s.Send(append([]byte(line), '\n'))
}

// Wait implements [Session].
//
// The earliest match in the stream wins; ties between patterns starting at
// the same position are broken by list order. Matched bytes are consumed
// from the buffer so the next wait starts after them.
func (s *HostSession) Wait(
	ctx context.Context,
	patterns *PatternList,
	timeout time.Duration,
) (MatchResult, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()

		if data, ok := patterns.match(s.buf); ok {
			result := MatchResult{
				Kind:     KindMatched,
				Index:    data.index,
				Before:   append([]byte(nil), s.buf[:data.start]...),
				Captured: append([]byte(nil), s.buf[data.start:data.end]...),
			}
			s.buf = append([]byte(nil), s.buf[data.end:]...)
			s.mu.Unlock()

			return result, nil
		}

		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return MatchResult{}, fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
		case <-timer.C:
			return MatchResult{Kind: KindTimedOut}, nil
		case _, open := <-s.dataCh:
			if !open {
				// The pump stores its error before closing the channel,
				// so it must be read after waking up, not before blocking.
				s.mu.Lock()
				readErr := s.readErr
				s.mu.Unlock()

				if readErr != nil {
					return MatchResult{}, fmt.Errorf("console read: %w", readErr)
				}

				return MatchResult{Kind: KindEndOfStream}, nil
			}
		}
	}
}

// WaitExit blocks until the child process terminates or the timeout elapses.
func (s *HostSession) WaitExit(ctx context.Context, timeout time.Duration) error {
	done := make(chan error, 1)

	go func() { done <- s.cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	case <-timer.C:
		return errors.New("child did not exit in time")
	case err := <-done:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Emulators report nonzero on guest-initiated power off.
			return nil
		}

		return err
	}
}

// MarkDegraded implements [Session].
func (s *HostSession) MarkDegraded() {
	s.degraded.Store(true)
}

// Degraded implements [Session].
func (s *HostSession) Degraded() bool {
	return s.degraded.Load()
}

// Interact connects the console to the given reader and writer until the
// guest's stream ends or the input fails. Used for operator sessions after a
// run.
func (s *HostSession) Interact(input io.Reader, output io.Writer) error {
	inputErr := make(chan error, 1)

	go func() {
		_, err := io.Copy(s.tty, input)
		inputErr <- err
	}()

	go func() {
		for {
			s.mu.Lock()
			pending := s.buf
			s.buf = nil
			s.mu.Unlock()

			_, _ = output.Write(pending)

			if _, open := <-s.dataCh; !open {
				return
			}
		}
	}()

	// The guest exiting ends the session even while the input copier still
	// blocks on an operator read.
	select {
	case <-s.readerDone:
		return nil
	case err := <-inputErr:
		return err
	}
}

// Close implements [Session]. It signals the child with SIGTERM, escalates
// to SIGKILL after a grace period and never fails on an already-dead child.
func (s *HostSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.cmd.Process != nil {
		_ = s.cmd.Process.Signal(unix.SIGTERM)

		select {
		case <-s.readerDone:
		case <-time.After(termSignalGrace):
			_ = s.cmd.Process.Kill()
		}
	}

	_ = s.tty.Close()
	<-s.readerDone

	// Collect the child to avoid leaving a zombie. Failure here means it
	// was already collected.
	_, _ = s.cmd.Process.Wait()

	return nil
}
