// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package qemu

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	"github.com/google/shlex"
)

// preset carries per-architecture defaults.
type preset struct {
	binary string
	// QEMU machine type.
	machine string
	// Name of the primary network interface inside the guest. Needed when
	// the image does not bring networking up on its own.
	netIf string
	// GOARCH value for the KVM check.
	goArch string
}

var presets = map[string]preset{
	"amd64": {
		binary:  "qemu-system-x86_64",
		machine: "q35",
		netIf:   "em0",
		goArch:  "amd64",
	},
	"aarch64": {
		binary:  "qemu-system-aarch64",
		machine: "virt",
		netIf:   "vtnet0",
		goArch:  "arm64",
	},
	"morello": {
		binary:  "qemu-system-morello",
		machine: "virt",
		netIf:   "vtnet0",
		goArch:  "arm64",
	},
	"riscv64": {
		binary:  "qemu-system-riscv64",
		machine: "virt",
		netIf:   "vtnet0",
		goArch:  "riscv64",
	},
}

// SupportedArchitectures lists the valid values for [CommandSpec.Arch].
func SupportedArchitectures() []string {
	archs := make([]string, 0, len(presets))
	for arch := range presets {
		archs = append(archs, arch)
	}

	return archs
}

// CommandSpec describes a single QEMU invocation booting a guest image.
type CommandSpec struct {
	// Arch is the target architecture tag. Must be one of
	// [SupportedArchitectures].
	Arch string
	// Binary overrides the preset qemu-system executable.
	Binary string
	// Kernel is the path of the uncompressed kernel or firmware image.
	Kernel string
	// DiskImage is the optional path of the uncompressed disk image.
	DiskImage string
	// Memory for the guest in MB.
	Memory uint
	// SMP is the number of guest CPUs.
	SMP uint
	// SSHPort is the host port forwarded to the guest's port 22. Zero
	// disables forwarding.
	SSHPort uint16
	// Shares are exported to the guest over the user-mode network SMB
	// server.
	Shares []SharedFolder
	// SkipSSHD asks the guest startup scripts not to start sshd, via the
	// kernel environment.
	SkipSSHD bool
	// NoKVM disables KVM acceleration even if available.
	NoKVM bool
	// ExtraArgs is a raw option string split shell-style and appended to
	// the built argument vector.
	ExtraArgs string
}

// NewCommandSpec returns a spec with defaults for the given architecture.
// KVM is probed and disabled if unavailable.
func NewCommandSpec(arch string) (*CommandSpec, error) {
	p, exists := presets[arch]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrArchNotSupported, arch)
	}

	return &CommandSpec{
		Arch:   arch,
		Binary: p.binary,
		Memory: 2048,
		SMP:    1,
		NoKVM:  !KVMAvailableFor(p.goArch),
	}, nil
}

// NetworkInterface returns the name of the guest-side network interface for
// the spec's architecture.
func (s *CommandSpec) NetworkInterface() string {
	return presets[s.Arch].netIf
}

// Validate checks the spec for configuration mistakes that would surface as
// confusing guest behavior later.
func (s *CommandSpec) Validate() error {
	if _, exists := presets[s.Arch]; !exists {
		return fmt.Errorf("%w: %s", ErrArchNotSupported, s.Arch)
	}

	if s.Kernel == "" {
		return ErrKernelMissing
	}

	if s.Memory == 0 {
		return fmt.Errorf("%w: zero memory", ErrSpecInvalid)
	}

	for _, share := range s.Shares {
		info, err := os.Stat(share.HostDir)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("%w: %s", ErrShareDirMissing, share.HostDir)
		}
	}

	return nil
}

// Args compiles the QEMU argument list.
func (s *CommandSpec) Args() Arguments {
	p := presets[s.Arch]

	args := Arguments{
		ArgMachine(p.machine),
		ArgKernel(s.Kernel),
		ArgMemory(int(s.Memory)),
		UniqueArg("nographic"),
		// Faster entropy gathering during early boot.
		ArgDevice("virtio-rng-pci"),
	}

	if s.SMP > 1 {
		args.Add(ArgSMP(int(s.SMP)))
	}

	if !s.NoKVM {
		args.Add(UniqueArg("enable-kvm"))
	}

	args.Add(ArgNet("nic"))
	args.Add(ArgNet(s.userNetValues()...))

	if s.DiskImage != "" {
		args.Add(ArgDiskImage(s.DiskImage))
	}

	if s.SkipSSHD {
		args.Add(ArgAppend("virtbed.skip_sshd=1", "virtbed.skip_entropy=1"))
	}

	return args
}

// userNetValues builds the value list of the user-mode network backend,
// carrying SMB exports and the SSH port forward.
func (s *CommandSpec) userNetValues() []string {
	values := []string{"user", "id=net0", "ipv6=off"}

	if len(s.Shares) > 0 {
		exports := make([]string, 0, len(s.Shares))
		for _, share := range s.Shares {
			exports = append(exports, share.ExportArg())
		}

		smb := "smb=" + exports[0]
		for _, export := range exports[1:] {
			smb += ":" + export
		}

		values = append(values, smb)
	}

	if s.SSHPort != 0 {
		values = append(values,
			"hostfwd=tcp::"+strconv.Itoa(int(s.SSHPort))+"-:22")
	}

	return values
}

// BuildArgs compiles the final string vector, including the raw extra
// arguments.
func (s *CommandSpec) BuildArgs() ([]string, error) {
	args, err := s.Args().Build()
	if err != nil {
		return nil, err
	}

	if s.ExtraArgs != "" {
		extra, err := shlex.Split(s.ExtraArgs)
		if err != nil {
			return nil, fmt.Errorf("split extra args: %w", err)
		}

		args = append(args, extra...)
	}

	return args, nil
}

// KVMAvailableFor checks if KVM support is available for the given GOARCH.
func KVMAvailableFor(goArch string) bool {
	if runtime.GOARCH != goArch {
		return false
	}

	f, err := os.OpenFile("/dev/kvm", os.O_WRONLY, 0)
	_ = f.Close()

	return err == nil
}
