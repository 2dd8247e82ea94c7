package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/osbuild/disk-installer/internal/disk"
	"github.com/osbuild/disk-installer/internal/layout"
)

// sizeToEnd turns a human readable size into the end sector of a
// partition beginning at start.
func sizeToEnd(start, size string, sectorSize uint64) (string, error) {
	first, err := strconv.ParseUint(start, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid start sector %q", start)
	}
	bytes, err := units.RAMInBytes(size)
	if err != nil {
		return "", err
	}
	if bytes <= 0 {
		return "", fmt.Errorf("invalid partition size %q", size)
	}
	return strconv.FormatUint(first+uint64(bytes)/sectorSize, 10), nil
}

func newManualCmd(a *app) *cobra.Command {
	var start, end, size, fsName, mountpoint, layoutFile, format string

	cmd := &cobra.Command{
		Use:   "manual DEVICE",
		Short: "Add a partition to a manual layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := a.deviceHandler(cmd.Context())
			if err != nil {
				return err
			}
			inv := dev.Inventory()
			device := inv.Device(args[0])
			if device == nil {
				return fmt.Errorf("unknown block device %q", args[0])
			}

			if end != "" && size != "" {
				return fmt.Errorf("--end and --size are mutually exclusive")
			}
			if start == "" {
				free, ok := layout.LargestFreeArea(device)
				if !ok {
					return fmt.Errorf("no free space left on %s", device.Path())
				}
				start = strconv.FormatUint(free.Start, 10)
				if end == "" && size == "" {
					end = strconv.FormatUint(free.End, 10)
				}
			}
			if size != "" {
				end, err = sizeToEnd(start, size, device.SectorSize())
				if err != nil {
					return err
				}
			}

			fs, err := disk.ParseFilesystemType(fsName)
			if err != nil {
				return err
			}
			part, err := layout.ManualPartition(device, start, end, fs, mountpoint)
			if err != nil {
				return err
			}

			config := &disk.LayoutConfiguration{Type: disk.LayoutTypeManual}
			if layoutFile != "" {
				data, err := os.ReadFile(layoutFile)
				if err != nil {
					return err
				}
				config, err = disk.ParseLayoutConfiguration(data, inv)
				if err != nil {
					return err
				}
			}

			var mod *disk.DeviceModification
			for _, m := range config.DeviceModifications {
				if m.DevicePath() == device.Path() {
					mod = m
				}
			}
			if mod == nil {
				mod = disk.NewDeviceModification(device, false)
				config.DeviceModifications = append(config.DeviceModifications, mod)
			}
			mod.AddPartition(part)

			if err := config.Validate(); err != nil {
				return err
			}
			return a.writeDocument(config, format)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&start, "start", "", "start sector, defaults to the largest free area")
	flags.StringVar(&end, "end", "", "end sector or percentage of the device")
	flags.StringVar(&size, "size", "", "partition size, e.g. 20GiB")
	flags.StringVar(&fsName, "fs", "ext4", "filesystem of the partition")
	flags.StringVar(&mountpoint, "mountpoint", "", "mountpoint of the partition")
	flags.StringVar(&layoutFile, "layout", "", "add the partition to this layout")
	flags.StringVar(&format, "format", "json", "output format, json or yaml")
	return cmd
}

func newDetectCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "detect [BASE]",
		Short: "Describe the partitions already mounted below BASE",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := a.deviceHandler(cmd.Context())
			if err != nil {
				return err
			}
			base := a.config.MountRoot
			if len(args) == 1 {
				base = args[0]
			}

			config := &disk.LayoutConfiguration{
				Type:                disk.LayoutTypePreMounted,
				RelativeMountpoint:  base,
				DeviceModifications: dev.DetectPreMountedMods(base),
			}
			return a.writeDocument(config, format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "output format, json or yaml")
	return cmd
}
