package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/osbuild/disk-installer/internal/device"
	"github.com/osbuild/disk-installer/internal/disk"
	"github.com/osbuild/disk-installer/internal/layout"
)

type plannerConfig struct {
	Filesystem   string `toml:"filesystem"`
	Subvolumes   bool   `toml:"subvolumes"`
	SeparateHome bool   `toml:"separate_home"`
	Compress     bool   `toml:"compress"`
}

type installerConfig struct {
	LogLevel string `toml:"log_level"`
	// the layout is mounted below this directory
	MountRoot string `toml:"mount_root"`
	// seconds, 0 disables the countdown
	Countdown     int           `toml:"countdown"`
	SettleTimeout time.Duration `toml:"settle_timeout"`
	// one of auto, uefi or bios
	BootMode string         `toml:"boot_mode"`
	Planner  *plannerConfig `toml:"planner"`
}

func parseConfig(file string) (*installerConfig, error) {
	// set defaults
	config := installerConfig{
		LogLevel:      "info",
		MountRoot:     "/mnt/disk-installer",
		Countdown:     5,
		SettleTimeout: device.DefaultSettleTimeout,
		BootMode:      "auto",
		Planner: &plannerConfig{
			Filesystem:   "btrfs",
			Subvolumes:   true,
			SeparateHome: true,
		},
	}

	_, err := toml.DecodeFile(file, &config)
	if err != nil {
		// A non-existing config isn't an error, use defaults in this case.
		if !os.IsNotExist(err) {
			return nil, err
		}

		logrus.Info("Configuration file not found, using defaults")
	}

	if _, err := logrus.ParseLevel(config.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.LogLevel, err)
	}
	switch config.BootMode {
	case "auto", "uefi", "bios":
	default:
		return nil, fmt.Errorf("boot_mode needs to be auto, uefi or bios. Got: %s", config.BootMode)
	}
	if config.Countdown < 0 {
		return nil, fmt.Errorf("invalid countdown: %d", config.Countdown)
	}
	if config.SettleTimeout <= 0 {
		return nil, fmt.Errorf("invalid settle timeout: %s", config.SettleTimeout)
	}
	if config.Planner == nil {
		config.Planner = &plannerConfig{Filesystem: "btrfs"}
	}
	if _, err := config.Planner.filesystem(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *plannerConfig) filesystem() (disk.FilesystemType, error) {
	fs, err := disk.ParseFilesystemType(c.Filesystem)
	if err != nil {
		return disk.FilesystemNone, err
	}
	if fs == disk.FilesystemNone || fs.IsCrypto() {
		return disk.FilesystemNone, fmt.Errorf("%q cannot be used as the root filesystem", c.Filesystem)
	}
	return fs, nil
}

var efiDir = "/sys/firmware/efi"

func firmwareIsUEFI() bool {
	var st unix.Stat_t
	if err := unix.Stat(efiDir, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFDIR
}

func (c *installerConfig) uefi() bool {
	switch c.BootMode {
	case "uefi":
		return true
	case "bios":
		return false
	}
	return firmwareIsUEFI()
}

func (c *plannerConfig) options(uefi bool) layout.Options {
	return layout.Options{
		UEFI:          uefi,
		UseSubvolumes: c.Subvolumes,
		SeparateHome:  c.SeparateHome,
		Compress:      c.Compress,
	}
}
