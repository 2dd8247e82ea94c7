package filesystem

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/disk-installer/internal/common"
	"github.com/osbuild/disk-installer/internal/disk"
)

type mountEntry struct {
	partition  *disk.PartitionModification
	mountpoint string
	fsType     string
	options    []string
}

// mountEntries lists what has to be mounted for the layout: every btrfs
// subvolume with a mountpoint and every other partition with one, ordered
// so that parents are mounted before their children.
func (h *Handler) mountEntries() ([]mountEntry, error) {
	var entries []mountEntry
	for _, p := range h.layout.Partitions() {
		if p.Status == disk.StatusDelete {
			continue
		}

		var pe []mountEntry
		if p.FSType == disk.FilesystemBtrfs && len(p.Btrfs) > 0 {
			for _, sv := range p.Btrfs {
				if sv.Mountpoint == "" {
					continue
				}
				options := append(sv.MountOptions(), p.MountOptions...)
				pe = append(pe, mountEntry{p, sv.Mountpoint, p.FSType.MountType(), options})
			}
		} else if p.Mountpoint != "" {
			pe = append(pe, mountEntry{p, p.Mountpoint, p.FSType.MountType(), p.MountOptions})
		}

		if len(pe) > 0 && p.DevPath == "" {
			return nil, disk.NewValidationError("partition %s has no device path and cannot be mounted", p.ObjID)
		}
		entries = append(entries, pe...)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return common.PathDepth(entries[i].mountpoint) < common.PathDepth(entries[j].mountpoint)
	})
	return entries, nil
}

// MountOrderedLayout mounts the layout below target, unlocking encrypted
// partitions first. Pre-mounted layouts are left alone.
func (h *Handler) MountOrderedLayout(ctx context.Context, target string) error {
	if h.preMounted() {
		return nil
	}

	entries, err := h.mountEntries()
	if err != nil {
		return err
	}

	sources := make(map[*disk.PartitionModification]string)
	if h.enc != nil {
		for _, p := range h.enc.Partitions {
			if p.DevPath == "" {
				return disk.NewValidationError("encrypted partition %s has no device path", p.ObjID)
			}
			l, err := h.device.UnlockLuks2Dev(ctx, p.DevPath, p.MapperName(), h.enc.Password)
			if err != nil {
				return err
			}
			sources[p] = l.MapperDev()
		}
	}

	for _, e := range entries {
		source, ok := sources[e.partition]
		if !ok {
			source = e.partition.DevPath
		}
		mountpoint := filepath.Join(target, e.mountpoint)
		logrus.WithFields(logrus.Fields{"device": source, "target": mountpoint}).Info("Mounting")
		if err := h.device.Mount(ctx, source, mountpoint, e.fsType, true, e.options); err != nil {
			return err
		}
	}
	return nil
}
