package main

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/osbuild/disk-installer/internal/blockdev"
	"github.com/osbuild/disk-installer/internal/disk"
	"github.com/osbuild/disk-installer/internal/layout"
)

// selectDevices resolves paths against the inventory. Without paths, every
// writable device of at least minSize is used.
func selectDevices(inv *blockdev.Inventory, paths []string, minSize string) ([]*disk.BDevice, error) {
	var devices []*disk.BDevice
	if len(paths) > 0 {
		for _, path := range paths {
			d := inv.Device(path)
			if d == nil {
				return nil, fmt.Errorf("unknown block device %q", path)
			}
			devices = append(devices, d)
		}
		return devices, nil
	}

	var minBytes int64
	if minSize != "" {
		var err error
		minBytes, err = units.FromHumanSize(minSize)
		if err != nil {
			return nil, fmt.Errorf("invalid minimum size: %w", err)
		}
	}
	for _, d := range inv.Devices() {
		if d.Info.ReadOnly || d.TotalBytes() < uint64(minBytes) {
			logrus.Debugf("Skipping device %s", d.Path())
			continue
		}
		devices = append(devices, d)
	}
	if len(devices) == 0 {
		return nil, layout.ErrNoSuitableDevices
	}
	return devices, nil
}

func newSuggestCmd(a *app) *cobra.Command {
	var planner plannerConfig
	var minSize, format string

	cmd := &cobra.Command{
		Use:   "suggest [DEVICE...]",
		Short: "Suggest a default layout for one or more devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := a.deviceHandler(cmd.Context())
			if err != nil {
				return err
			}

			// flags given on the command line win over the configuration
			merged := *a.config.Planner
			flags := cmd.Flags()
			if flags.Changed("fs") {
				merged.Filesystem = planner.Filesystem
			}
			if flags.Changed("subvolumes") {
				merged.Subvolumes = planner.Subvolumes
			}
			if flags.Changed("separate-home") {
				merged.SeparateHome = planner.SeparateHome
			}
			if flags.Changed("compress") {
				merged.Compress = planner.Compress
			}
			fs, err := merged.filesystem()
			if err != nil {
				return err
			}

			devices, err := selectDevices(dev.Inventory(), args, minSize)
			if err != nil {
				return err
			}
			config, err := layout.SuggestLayout(devices, fs, merged.options(a.config.uefi()))
			if err != nil {
				return err
			}
			return a.writeDocument(config, format)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&planner.Filesystem, "fs", "", "filesystem of the root partition")
	flags.BoolVar(&planner.Subvolumes, "subvolumes", false, "use btrfs subvolumes")
	flags.BoolVar(&planner.SeparateHome, "separate-home", false, "put /home on its own partition")
	flags.BoolVar(&planner.Compress, "compress", false, "enable btrfs compression")
	flags.StringVar(&minSize, "min-size", "", "skip devices smaller than this, e.g. 20GB")
	flags.StringVar(&format, "format", "json", "output format, json or yaml")
	return cmd
}
