package device

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/disk-installer/internal/blockdev"
	"github.com/osbuild/disk-installer/internal/disk"
)

// Partition applies the partition layout of mod. A wiped device gets a new
// partition table of the given type first. Deleted and modified partitions
// are removed before new ones are created in the order of their start
// offsets; modifying a partition always recreates it.
func (h *Handler) Partition(ctx context.Context, mod *disk.DeviceModification, table disk.PartitionTableType) error {
	if err := mod.Validate(table); err != nil {
		return err
	}

	if err := h.umountAllExisting(ctx, mod); err != nil {
		return err
	}

	devPath := mod.DevicePath()
	logger := logrus.WithField("device", devPath)

	if mod.Wipe {
		if err := h.WipeDev(h.currentDevice(mod)); err != nil {
			return err
		}
		logger.Infof("Creating %s partition table", table)
		if _, err := h.run(ctx, fmt.Sprintf("could not create a partition table on %s", devPath),
			"parted", "-s", devPath, "mklabel", string(table)); err != nil {
			return err
		}
	} else {
		logger.Info("Using existing partition table")
		if err := h.deletePartitions(ctx, mod); err != nil {
			return err
		}
	}

	logger.Info("Creating partitions")
	for _, p := range mod.SortedForCreation() {
		if err := h.createPartition(ctx, mod.Device, p); err != nil {
			return err
		}
	}

	if err := h.Partprobe(ctx, devPath); err != nil {
		return err
	}
	if err := h.inventory.Refresh(ctx); err != nil {
		logger.Warnf("Could not refresh the device inventory: %v", err)
	}
	return nil
}

// deletePartitions removes the table entries of deleted and modified
// partitions, highest number first.
func (h *Handler) deletePartitions(ctx context.Context, mod *disk.DeviceModification) error {
	device := h.currentDevice(mod)

	var numbers []int
	for _, p := range mod.Partitions {
		if !p.IsDeleteOrModify() {
			continue
		}
		var info *disk.PartitionInfo
		if device != nil {
			info = device.Partition(p.DevPath)
		}
		if info == nil {
			return &disk.DiskError{Msg: fmt.Sprintf("no partition found for device path %q", p.DevPath)}
		}
		numbers = append(numbers, info.Number)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(numbers)))

	for _, n := range numbers {
		logger := logrus.WithFields(logrus.Fields{"device": mod.DevicePath(), "number": n})
		logger.Info("Deleting partition")
		if _, err := h.run(ctx, fmt.Sprintf("could not delete partition %d of %s", n, mod.DevicePath()),
			"parted", "-s", mod.DevicePath(), "rm", strconv.Itoa(n)); err != nil {
			return err
		}
		logger.Info("Partition deleted")
	}
	return nil
}

func (h *Handler) createPartition(ctx context.Context, device *disk.BDevice, p *disk.PartitionModification) error {
	devPath := device.Path()
	sectorSize := device.SectorSize()

	start, err := p.Start.WithContext(sectorSize, device.TotalBytes()).Sectors()
	if err != nil {
		return fmt.Errorf("invalid start of partition %s: %w", p.ObjID, err)
	}
	length, err := p.Length.WithContext(sectorSize, device.TotalBytes()).Sectors()
	if err != nil {
		return fmt.Errorf("invalid length of partition %s: %w", p.ObjID, err)
	}
	if length == 0 {
		return disk.NewValidationError("partition %s on %s is empty", p.ObjID, devPath)
	}

	before, err := blockdev.ReadPartedTable(ctx, h.runner, devPath)
	if err != nil {
		return err
	}
	end := start + length - 1
	if last := before.LastUsableSector(); last > 0 && end > last {
		logrus.Debugf("Clamping end of partition %s from sector %d to %d", p.ObjID, end, last)
		end = last
	}
	if end <= start {
		return disk.NewValidationError("partition %s starts at sector %d, beyond the end of %s", p.ObjID, start, devPath)
	}

	args := []string{"-s", "-a", "optimal", devPath, "unit", "s", "mkpart", string(p.Type)}
	if name := p.FSType.PartedName(); name != "" {
		args = append(args, name)
	}
	args = append(args, fmt.Sprintf("%ds", start), fmt.Sprintf("%ds", end))

	logger := logrus.WithFields(logrus.Fields{
		"device":     devPath,
		"type":       p.Type,
		"filesystem": p.FSType.String(),
		"start":      start,
		"end":        end,
	})
	logger.Info("Creating partition")
	if _, err := h.run(ctx, "unable to add partition, most likely due to overlapping sectors", "parted", args...); err != nil {
		return err
	}

	after, err := blockdev.ReadPartedTable(ctx, h.runner, devPath)
	if err != nil {
		return err
	}
	number := 0
	known := before.Numbers()
	for _, pp := range after.Partitions {
		if !known[pp.Number] && (number == 0 || pp.Number < number) {
			number = pp.Number
		}
	}
	if number == 0 {
		return &disk.DiskError{Msg: fmt.Sprintf("the new partition at sector %d did not show up on %s", start, devPath)}
	}

	for _, flag := range p.Flags {
		if _, err := h.run(ctx, fmt.Sprintf("could not set flag %s on partition %d of %s", flag, number, devPath),
			"parted", "-s", devPath, "set", strconv.Itoa(number), string(flag), "on"); err != nil {
			return err
		}
	}

	p.DevPath = blockdev.PartitionPath(devPath, number)
	info, err := h.waitForPartition(ctx, p.DevPath)
	if err != nil {
		return err
	}
	p.PartUUID = info.PartUUID
	p.UUID = info.UUID

	logger.WithField("partition", p.DevPath).Info("Partition created")
	return nil
}

// waitForPartition polls lsblk until the new partition node reports a
// PARTUUID, for at most SettleTimeout.
func (h *Handler) waitForPartition(ctx context.Context, path string) (*blockdev.LsblkInfo, error) {
	interval := h.SettleInterval
	if interval <= 0 {
		interval = DefaultSettleInterval
	}
	retries := uint64(h.SettleTimeout / interval)

	var info *blockdev.LsblkInfo
	operation := func() error {
		i, err := h.inventory.QueryPartition(ctx, path)
		if err != nil {
			return err
		}
		if i.PartUUID == "" {
			return fmt.Errorf("%s has no PARTUUID yet", path)
		}
		info = i
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), retries), ctx)
	if err := backoff.Retry(operation, b); err != nil {
		return nil, &disk.DiskError{
			Msg: fmt.Sprintf("unable to determine new partition uuid of %s", path),
			Err: err,
		}
	}
	return info, nil
}
