// Package blockdev discovers the block devices of the running system and
// the partitions, filesystems and mounts on them.
package blockdev

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/disk-installer/internal/command"
	"github.com/osbuild/disk-installer/internal/disk"
)

// Inventory is a snapshot of the block devices on the system. The snapshot
// is rebuilt as a whole by Refresh and never changed in place.
type Inventory struct {
	runner command.Runner
	mounts MountTable

	mu      sync.RWMutex
	devices map[string]*disk.BDevice
}

func NewInventory(r command.Runner, mounts MountTable) *Inventory {
	if mounts == nil {
		mounts = SystemMountTable
	}
	return &Inventory{
		runner:  r,
		mounts:  mounts,
		devices: make(map[string]*disk.BDevice),
	}
}

// Refresh probes all block devices again and replaces the snapshot.
func (inv *Inventory) Refresh(ctx context.Context) error {
	devices, err := inv.Load(ctx)
	if err != nil {
		return err
	}

	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.devices = devices
	return nil
}

// Load probes all whole disks and loop devices and returns them by path
// without touching the current snapshot.
func (inv *Inventory) Load(ctx context.Context) (map[string]*disk.BDevice, error) {
	devices := make(map[string]*disk.BDevice)

	infos, err := Lsblk(ctx, inv.runner)
	if err != nil {
		var diskErr *disk.DiskError
		if errors.As(err, &diskErr) {
			return nil, err
		}
		logrus.Warnf("Ignoring unusable block device list: %v", err)
		return devices, nil
	}

	for _, info := range infos {
		if info.Type != "disk" && info.Type != "loop" {
			continue
		}
		if info.Size == 0 {
			logrus.Debugf("Skipping empty device %s", info.Path)
			continue
		}
		device, err := inv.loadDevice(ctx, info)
		if err != nil {
			return nil, err
		}
		devices[device.Path()] = device
	}
	return devices, nil
}

func (inv *Inventory) loadDevice(ctx context.Context, info LsblkInfo) (*disk.BDevice, error) {
	sectorSize := uint64(info.LogSec)
	if sectorSize == 0 {
		sectorSize = disk.DefaultSectorSize
	}
	total := uint64(info.Size)

	table, err := ReadPartedTable(ctx, inv.runner, info.Path)
	if err != nil {
		return nil, err
	}

	device := &disk.BDevice{
		Info: disk.DeviceInfo{
			Path:             info.Path,
			Model:            strings.TrimSpace(info.Model),
			Type:             info.Type,
			TotalSize:        disk.NewSize(float64(total), disk.UnitBytes, sectorSize).WithContext(sectorSize, total),
			SectorSize:       sectorSize,
			PartitionTable:   table.Label,
			FreeSpaceRegions: table.Free,
			ReadOnly:         bool(info.RO),
		},
		Partitions: []disk.PartitionInfo{},
	}

	byPath := make(map[string]*LsblkInfo)
	for idx := range info.Children {
		child := &info.Children[idx]
		if child.Type == "part" {
			byPath[child.Path] = child
		}
	}

	for _, pp := range table.Partitions {
		path := PartitionPath(info.Path, pp.Number)
		part := disk.PartitionInfo{
			Path:   path,
			Disk:   info.Path,
			Number: pp.Number,
			Name:   pp.Name,
			Start:  disk.NewSize(float64(pp.Start), disk.UnitSectors, sectorSize).WithContext(sectorSize, total),
			Length: disk.NewSize(float64(pp.Size), disk.UnitSectors, sectorSize).WithContext(sectorSize, total),
		}
		for _, flag := range pp.Flags {
			part.Flags = append(part.Flags, disk.PartitionFlag(flag))
		}
		if fs, err := disk.ParseFilesystemType(pp.FS); err == nil {
			part.FSType = fs
		}

		if child, ok := byPath[path]; ok {
			inv.applyLsblk(ctx, &part, child)
		}
		device.Partitions = append(device.Partitions, part)
	}
	return device, nil
}

// applyLsblk fills in what parted does not know about a partition.
func (inv *Inventory) applyLsblk(ctx context.Context, part *disk.PartitionInfo, child *LsblkInfo) {
	if part.FSType == disk.FilesystemNone {
		part.FSType = child.filesystemType()
	}
	part.UUID = child.UUID
	part.PartUUID = child.PartUUID
	part.Mountpoints = child.MountpointList()

	source := child.Path
	for idx := range child.Children {
		holder := &child.Children[idx]
		if holder.Type != "crypt" {
			continue
		}
		part.MapperName = holder.Name
		part.MapperFSType = holder.filesystemType()
		part.Mountpoints = append(part.Mountpoints, holder.MountpointList()...)
		source = holder.Path
	}

	if part.ContentFSType() == disk.FilesystemBtrfs {
		part.BtrfsSubvolumes = listSubvolumes(ctx, inv.runner, inv.mounts, source)
	}
}

// Devices returns the devices of the snapshot ordered by path.
func (inv *Inventory) Devices() []*disk.BDevice {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	devices := make([]*disk.BDevice, 0, len(inv.devices))
	for _, d := range inv.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].Path() < devices[j].Path()
	})
	return devices
}

func (inv *Inventory) Device(path string) *disk.BDevice {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return inv.devices[path]
}

// FindPartition returns the partition with the given device node, or nil.
func (inv *Inventory) FindPartition(path string) *disk.PartitionInfo {
	if device := inv.ParentDevice(path); device != nil {
		return device.Partition(path)
	}
	return nil
}

// ParentDevice returns the device holding the partition partPath, or nil.
func (inv *Inventory) ParentDevice(partPath string) *disk.BDevice {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	for _, d := range inv.devices {
		if d.Partition(partPath) != nil {
			return d
		}
	}
	return nil
}

// UUIDForPath returns the PARTUUID of the partition at path.
func (inv *Inventory) UUIDForPath(path string) (string, bool) {
	part := inv.FindPartition(path)
	if part == nil || part.PartUUID == "" {
		return "", false
	}
	return part.PartUUID, true
}

// DiskLayouts renders the snapshot as JSON keyed by device path. Errors are
// logged and yield an empty string.
func (inv *Inventory) DiskLayouts() string {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	data, err := json.MarshalIndent(inv.devices, "", "  ")
	if err != nil {
		logrus.Warnf("Could not render disk layouts: %v", err)
		return ""
	}
	return string(data)
}

// QueryPartition probes a single device node with lsblk, bypassing the
// snapshot.
func (inv *Inventory) QueryPartition(ctx context.Context, path string) (*LsblkInfo, error) {
	infos, err := Lsblk(ctx, inv.runner, path)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("lsblk returned no information about %s", path)
	}
	return &infos[0], nil
}
