// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package boot

// Milestone is a stage of the guest boot sequence.
//
// The sequencer only ever moves forward. [MilestoneShellReady] and
// [MilestoneFailed] are terminal, and Failed is sticky: once a boot failed it
// cannot become anything else.
type Milestone int

const (
	// MilestoneSpawned means the emulator process is running but has not
	// produced a recognizable boot stage yet.
	MilestoneSpawned Milestone = iota
	// MilestoneLoaderPrompt means the boot loader stopped at its prompt.
	MilestoneLoaderPrompt
	// MilestoneKernelBooting means the kernel has been handed control.
	MilestoneKernelBooting
	// MilestoneMountingRoot means the kernel is mounting the root file
	// system.
	MilestoneMountingRoot
	// MilestoneAwaitingLogin means user space is up and a login prompt or
	// shell is expected next.
	MilestoneAwaitingLogin
	// MilestoneShellReady means a POSIX shell with a normalized prompt is
	// ready for commands.
	MilestoneShellReady
	// MilestoneFailed means the boot failed terminally.
	MilestoneFailed
)

// String returns a name for the milestone.
func (m Milestone) String() string {
	switch m {
	case MilestoneSpawned:
		return "spawned"
	case MilestoneLoaderPrompt:
		return "loader prompt"
	case MilestoneKernelBooting:
		return "kernel booting"
	case MilestoneMountingRoot:
		return "mounting root"
	case MilestoneAwaitingLogin:
		return "awaiting login"
	case MilestoneShellReady:
		return "shell ready"
	case MilestoneFailed:
		return "failed"
	default:
		return "invalid"
	}
}
