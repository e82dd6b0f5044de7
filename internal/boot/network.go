// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/virtbed/virtbed/internal/console"
)

const networkTimeout = 2 * time.Minute

var patternNoSuchInterface = console.Regex(
	`ifconfig: interface .+ does not exist`)

// setupNetwork brings the guest interface up by hand and waits for an
// address acknowledgement. Only called when no DHCP acknowledgement was seen
// during boot.
func (s *Sequencer) setupNetwork(ctx context.Context) error {
	ifName := s.cfg.NetworkInterface

	slog.Info("bringing up guest network", slog.String("interface", ifName))

	cmd := fmt.Sprintf("ifconfig %s up && dhclient %s", ifName, ifName)
	if err := s.session.SendLine(cmd); err != nil {
		return err
	}

	patterns := console.MustPatternList(
		patternDHCPAck,
		console.Literal("bound to"),
		patternNoSuchInterface,
	)

	result, err := s.guard.Wait(ctx, s.session, patterns, networkTimeout)
	if err != nil {
		return err
	}

	switch {
	case result.Matched(0), result.Matched(1):
		s.sawDHCPAck = true

	case result.Matched(2):
		// Wrong interface name means the machine preset and the image
		// disagree. Retrying cannot help.
		return fmt.Errorf("%w: %s", ErrInterfaceMissing, ifName)

	default:
		return fmt.Errorf("%w: no address acknowledgement (%s)",
			ErrNetworkSetup, result.Kind)
	}

	// dhclient chatter trails the acknowledgement. Resync on the prompt so
	// the first real command starts clean.
	result, err = s.guard.Wait(ctx, s.session, normalizedPrompt, networkTimeout)
	if err != nil {
		return err
	}

	if result.Kind != console.KindMatched {
		return fmt.Errorf("%w: prompt lost after dhclient (%s)",
			ErrNetworkSetup, result.Kind)
	}

	return nil
}
