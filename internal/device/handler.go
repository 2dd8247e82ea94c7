// Package device applies planned partition layouts to block devices:
// partitioning, formatting, encrypting, creating btrfs subvolumes and
// mounting.
//
// All tools are run through a command.Runner. Mount state is read from a
// blockdev.MountTable instead of being inferred from tool exit codes.
package device

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/disk-installer/internal/blockdev"
	"github.com/osbuild/disk-installer/internal/command"
	"github.com/osbuild/disk-installer/internal/disk"
	"github.com/osbuild/disk-installer/internal/luks"
)

const (
	DefaultSettleTimeout  = 10 * time.Second
	DefaultSettleInterval = 100 * time.Millisecond
)

type Handler struct {
	runner    command.Runner
	inventory *blockdev.Inventory
	mounts    blockdev.MountTable

	// How long to wait for the node of a new partition to show up.
	SettleTimeout  time.Duration
	SettleInterval time.Duration
}

func NewHandler(r command.Runner, inv *blockdev.Inventory, mounts blockdev.MountTable) *Handler {
	if mounts == nil {
		mounts = blockdev.SystemMountTable
	}
	if inv == nil {
		inv = blockdev.NewInventory(r, mounts)
	}
	return &Handler{
		runner:         r,
		inventory:      inv,
		mounts:         mounts,
		SettleTimeout:  DefaultSettleTimeout,
		SettleInterval: DefaultSettleInterval,
	}
}

func (h *Handler) Inventory() *blockdev.Inventory {
	return h.inventory
}

func (h *Handler) Runner() command.Runner {
	return h.runner
}

func (h *Handler) diskError(msg string, cmd command.Cmd, err error) error {
	return &disk.DiskError{
		Msg:    msg,
		Cmd:    cmd.String(),
		Output: command.OutputOf(err),
		Err:    err,
	}
}

func (h *Handler) run(ctx context.Context, msg string, name string, args ...string) (*command.Result, error) {
	cmd := command.New(name, args...)
	res, err := h.runner.Run(ctx, cmd)
	if err != nil {
		return res, h.diskError(msg, cmd, err)
	}
	return res, nil
}

// Mount mounts dev on target. Mounting a device where it is already
// mounted does nothing.
func (h *Handler) Mount(ctx context.Context, dev, target, fsType string, createTarget bool, options []string) error {
	logger := logrus.WithFields(logrus.Fields{"device": dev, "target": target})

	mounted, err := blockdev.IsMountedAt(h.mounts, dev, target)
	if err != nil {
		return fmt.Errorf("cannot read mount table: %w", err)
	}
	if mounted {
		logger.Info("Device already mounted")
		return nil
	}

	if createTarget {
		if err := os.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("cannot create mountpoint %s: %w", target, err)
		}
	} else if _, err := os.Stat(target); err != nil {
		return disk.NewValidationError("mountpoint %s does not exist", target)
	}

	var args []string
	if fsType != "" {
		args = append(args, "-t", fsType)
	}
	if len(options) > 0 {
		args = append(args, "-o", strings.Join(options, ","))
	}
	args = append(args, dev, target)

	logger.Debugf("Mounting with options %v", options)
	if _, err := h.run(ctx, fmt.Sprintf("could not mount %s", dev), "mount", args...); err != nil {
		return err
	}
	return nil
}

// Umount unmounts every mount of path, which is either a device or a
// mountpoint. Nothing happens when path is not mounted.
func (h *Handler) Umount(ctx context.Context, path string, recursive bool) error {
	mountpoints, err := blockdev.Mountpoints(h.mounts, path)
	if err != nil {
		return fmt.Errorf("cannot read mount table: %w", err)
	}
	if len(mountpoints) == 0 {
		logrus.Debugf("%s is not mounted", path)
		return nil
	}
	logrus.Debugf("%s is currently mounted at %v", path, mountpoints)

	var result *multierror.Error
	for _, mp := range mountpoints {
		args := []string{mp}
		if recursive {
			args = []string{"-R", mp}
		}
		cmd := command.New("umount", args...)
		if _, err := h.runner.Run(ctx, cmd); err != nil {
			// an earlier recursive umount may have taken it along already
			still, checkErr := blockdev.IsMountpoint(h.mounts, mp)
			if checkErr != nil {
				result = multierror.Append(result, checkErr)
				continue
			}
			if still {
				result = multierror.Append(result, h.diskError(fmt.Sprintf("could not unmount %s", mp), cmd, err))
				continue
			}
			logrus.Debugf("%s was unmounted in the meantime", mp)
		}
	}
	return result.ErrorOrNil()
}

// Partprobe makes the kernel re-read the partition table of path, or of all
// devices when path is empty.
func (h *Handler) Partprobe(ctx context.Context, path string) error {
	var args []string
	if path != "" {
		args = append(args, path)
	}
	_, err := h.run(ctx, fmt.Sprintf("could not perform partprobe on %s", path), "partprobe", args...)
	return err
}

// UnlockLuks2Dev opens the LUKS2 container on path unless it is open
// already, and fails when it is still locked afterwards.
func (h *Handler) UnlockLuks2Dev(ctx context.Context, path, mapperName, password string) (*luks.Luks2, error) {
	l := luks.New(h.runner, path, mapperName, password)

	unlocked, err := l.IsUnlocked(ctx)
	if err != nil {
		return nil, err
	}
	if !unlocked {
		if err := l.Unlock(ctx); err != nil {
			return nil, err
		}
	}

	if unlocked, err = l.IsUnlocked(ctx); err != nil {
		return nil, err
	}
	if !unlocked {
		return nil, &disk.DiskError{Msg: fmt.Sprintf("failed to unlock luks2 device %s", path)}
	}
	return l, nil
}

// currentDevice returns the inventory's view of the device of mod, falling
// back to the device the plan was made for.
func (h *Handler) currentDevice(mod *disk.DeviceModification) *disk.BDevice {
	if d := h.inventory.Device(mod.DevicePath()); d != nil {
		return d
	}
	return mod.Device
}

// umountAllExisting unmounts every partition currently on the device of
// mod and closes open LUKS containers on it.
func (h *Handler) umountAllExisting(ctx context.Context, mod *disk.DeviceModification) error {
	logrus.WithField("device", mod.DevicePath()).Info("Unmounting all partitions")

	device := h.currentDevice(mod)
	if device == nil {
		return nil
	}
	for _, part := range device.Partitions {
		logrus.Debugf("Unmounting %s", part.Path)
		if part.FSType.IsCrypto() {
			if part.MapperName == "" {
				continue
			}
			l := luks.New(h.runner, part.Path, part.MapperName, "")
			if err := h.Umount(ctx, l.MapperDev(), true); err != nil {
				return err
			}
			if err := l.Lock(ctx); err != nil {
				return err
			}
			continue
		}
		if err := h.Umount(ctx, part.Path, true); err != nil {
			return err
		}
	}
	return nil
}
