// SPDX-FileCopyrightText: 2026 The virtbed authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"

	"github.com/virtbed/virtbed/internal/qemu"
)

// Config carries everything a run needs, merged from flags and the optional
// ~/.virtbed/config.yaml.
type Config struct {
	Architecture string
	QEMUBinary   string
	QEMUArgs     string
	Kernel       string
	KernelAltDir string
	DiskImage    string
	Memory       uint
	SMP          uint

	SSHKey  string
	SSHPort uint16

	SMBMounts     []string
	MinimalImage  bool
	VerboseKernel bool

	TestCommand     string
	TestArchives    []string
	PreloadLibs     []string
	PreloadVariable string
	TestTimeout     time.Duration

	Pretend      bool
	Interact     bool
	SkipSSHSetup bool

	TranscriptPath string
	JournalPath    string
	Debug          bool
}

// loadConfig reads the config file defaults, if present, and overlays the
// flag values bound into viper.
func loadConfig() (*Config, error) {
	home, err := homedir.Dir()
	if err != nil {
		return nil, fmt.Errorf("home dir: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(filepath.Join(home, ".virtbed"))

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config file: %w", err)
		}
	}

	cfg := &Config{
		Architecture: viper.GetString("architecture"),
		QEMUBinary:   viper.GetString("qemu"),
		QEMUArgs:     viper.GetString("qemu-args"),
		Kernel:       viper.GetString("kernel"),
		KernelAltDir: viper.GetString("kernel-alt-dir"),
		DiskImage:    viper.GetString("disk-image"),
		Memory:       viper.GetUint("memory"),
		SMP:          viper.GetUint("smp"),

		SSHKey:  viper.GetString("ssh-key"),
		SSHPort: uint16(viper.GetUint("ssh-port")),

		SMBMounts:     viper.GetStringSlice("smb-mount"),
		MinimalImage:  viper.GetBool("minimal-image"),
		VerboseKernel: viper.GetBool("verbose-kernel"),

		TestCommand:     viper.GetString("test-command"),
		TestArchives:    viper.GetStringSlice("test-archive"),
		PreloadLibs:     viper.GetStringSlice("test-ld-preload"),
		PreloadVariable: viper.GetString("test-ld-preload-variable"),
		TestTimeout:     viper.GetDuration("test-timeout"),

		Pretend:      viper.GetBool("pretend"),
		Interact:     viper.GetBool("interact"),
		SkipSSHSetup: viper.GetBool("skip-ssh-setup"),

		TranscriptPath: viper.GetString("transcript"),
		JournalPath:    viper.GetString("journal"),
		Debug:          viper.GetBool("debug"),
	}

	if cfg.SSHKey == "" && !cfg.SkipSSHSetup {
		cfg.SSHKey = discoverSSHKey(home)
	}

	return cfg, nil
}

// discoverSSHKey returns the first public key found under ~/.ssh, or empty.
func discoverSSHKey(home string) string {
	for _, name := range []string{
		"id_ed25519.pub", "id_ecdsa.pub", "id_rsa.pub",
	} {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// shares parses the configured SMB mounts.
func (c *Config) shares() ([]qemu.SharedFolder, error) {
	folders := make([]qemu.SharedFolder, 0, len(c.SMBMounts))

	for _, arg := range c.SMBMounts {
		folder, err := qemu.ParseSharedFolder(arg)
		if err != nil {
			return nil, err
		}

		folders = append(folders, folder)
	}

	return folders, nil
}

// commandSpec builds the validated machine spec for the run.
func (c *Config) commandSpec() (*qemu.CommandSpec, error) {
	spec, err := qemu.NewCommandSpec(c.Architecture)
	if err != nil {
		return nil, err
	}

	spec.Kernel = c.Kernel
	spec.DiskImage = c.DiskImage

	if c.QEMUBinary != "" {
		spec.Binary = c.QEMUBinary
	}

	if c.Memory != 0 {
		spec.Memory = c.Memory
	}

	if c.SMP != 0 {
		spec.SMP = c.SMP
	}

	spec.SSHPort = c.SSHPort
	spec.ExtraArgs = c.QEMUArgs

	// The harness restarts sshd itself after installing the key, so the
	// image's own sshd startup is just boot time wasted.
	spec.SkipSSHD = !c.SkipSSHSetup

	spec.Shares, err = c.shares()
	if err != nil {
		return nil, err
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}

	return spec, nil
}
