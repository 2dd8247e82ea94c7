package device

import (
	"path/filepath"

	"github.com/osbuild/disk-installer/internal/common"
	"github.com/osbuild/disk-installer/internal/disk"
)

// relativeMountpoint returns mp as seen from base, e.g. "/home" for
// "/mnt/home" below "/mnt".
func relativeMountpoint(mp, base string) string {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(mp))
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + rel
}

// DetectPreMountedMods describes what is mounted below base as one device
// modification per device, made of existing partitions only. Partitions in
// an open LUKS container are reported as the encrypted partition itself.
func (h *Handler) DetectPreMountedMods(base string) []*disk.DeviceModification {
	var mods []*disk.DeviceModification

	for _, device := range h.inventory.Devices() {
		var mod *disk.DeviceModification
		for idx := range device.Partitions {
			part := &device.Partitions[idx]
			p := existingPartition(part, base)
			if p == nil {
				continue
			}
			if mod == nil {
				mod = disk.NewDeviceModification(device, false)
			}
			mod.AddPartition(p)
		}
		if mod != nil {
			mods = append(mods, mod)
		}
	}
	return mods
}

// existingPartition mirrors part as an existing partition if any of its
// mountpoints lies below base.
func existingPartition(part *disk.PartitionInfo, base string) *disk.PartitionModification {
	var below []string
	for _, mp := range part.Mountpoints {
		if common.IsSubpath(mp, base) {
			below = append(below, mp)
		}
	}
	if len(below) == 0 {
		return nil
	}

	p := disk.NewPartitionModification(disk.StatusExist, part.Start, part.Length, part.ContentFSType(), "")
	p.DevPath = part.Path
	p.UUID = part.UUID
	p.PartUUID = part.PartUUID
	p.Flags = append(p.Flags, part.Flags...)

	for _, sv := range part.BtrfsSubvolumes {
		if sv.Mountpoint != "" && common.IsSubpath(sv.Mountpoint, base) {
			p.Btrfs = append(p.Btrfs, disk.SubvolumeModification{
				Name:       sv.Name,
				Mountpoint: relativeMountpoint(sv.Mountpoint, base),
			})
		}
	}
	if len(p.Btrfs) == 0 {
		p.Mountpoint = relativeMountpoint(below[0], base)
	}
	return p
}
