// Package disk contains the data types describing block devices as they
// are found on a system and the changes planned for them.
//
// A LayoutConfiguration holds one DeviceModification per block device, each
// with the PartitionModifications that describe the desired state of that
// device. DiskEncryption selects which of those partitions are wrapped in a
// LUKS2 container.
package disk

import (
	"sort"
)

type LayoutType string

const (
	LayoutTypeDefault    LayoutType = "default_layout"
	LayoutTypeManual     LayoutType = "manual_partitioning"
	LayoutTypePreMounted LayoutType = "pre_mounted_config"
)

// DeviceModification is the complete desired state of one block device.
type DeviceModification struct {
	Device     *BDevice
	Wipe       bool
	Partitions []*PartitionModification
}

func NewDeviceModification(device *BDevice, wipe bool) *DeviceModification {
	return &DeviceModification{
		Device: device,
		Wipe:   wipe,
	}
}

func (d *DeviceModification) DevicePath() string {
	if d.Device == nil {
		return ""
	}
	return d.Device.Path()
}

func (d *DeviceModification) AddPartition(p *PartitionModification) {
	d.Partitions = append(d.Partitions, p)
}

// Validate checks the modification against the partition table type it
// will be applied with.
func (d *DeviceModification) Validate(table PartitionTableType) error {
	if d.Device == nil {
		return validationErrorf("device modification without a device")
	}
	if d.Wipe {
		if table == PartitionTableNone {
			return validationErrorf("wiping %s requires a partition table type", d.DevicePath())
		}
		if limit := table.MaxPartitions(); len(d.Partitions) > limit {
			return validationErrorf("a %s partition table on %s can hold at most %d partitions, %d requested",
				table, d.DevicePath(), limit, len(d.Partitions))
		}
	}
	for _, p := range d.Partitions {
		if err := p.Validate(); err != nil {
			return err
		}
		if d.Wipe && p.Exists() {
			return validationErrorf("partition %s cannot be kept while wiping %s", p.DevPath, d.DevicePath())
		}
	}
	return nil
}

// BootPartition returns the first partition flagged bootable, or nil.
func (d *DeviceModification) BootPartition() *PartitionModification {
	for _, p := range d.Partitions {
		if p.IsBoot() {
			return p
		}
	}
	return nil
}

// RootPartition returns the partition holding /, or nil.
func (d *DeviceModification) RootPartition() *PartitionModification {
	for _, p := range d.Partitions {
		if p.IsRoot() {
			return p
		}
	}
	return nil
}

// SortedForCreation returns the partitions to be created ordered by their
// start offset.
func (d *DeviceModification) SortedForCreation() []*PartitionModification {
	var parts []*PartitionModification
	for _, p := range d.Partitions {
		if p.IsCreateOrModify() {
			parts = append(parts, p)
		}
	}
	sort.SliceStable(parts, func(i, j int) bool {
		a, errA := parts[i].Start.Bytes()
		b, errB := parts[j].Start.Bytes()
		if errA != nil || errB != nil {
			return false
		}
		return a < b
	})
	return parts
}

// LayoutConfiguration is the top level plan handed to the device handler.
type LayoutConfiguration struct {
	Type                LayoutType
	DeviceModifications []*DeviceModification
	// Base directory of an existing mount tree; pre-mounted layouts only.
	RelativeMountpoint string
}

// Partitions returns the partitions of all device modifications.
func (c *LayoutConfiguration) Partitions() []*PartitionModification {
	var parts []*PartitionModification
	for _, mod := range c.DeviceModifications {
		parts = append(parts, mod.Partitions...)
	}
	return parts
}

func (c *LayoutConfiguration) Validate() error {
	switch c.Type {
	case LayoutTypeDefault, LayoutTypeManual:
	case LayoutTypePreMounted:
		if c.RelativeMountpoint == "" {
			return validationErrorf("a pre-mounted layout requires a relative mountpoint")
		}
	default:
		return validationErrorf("unknown layout type %q", c.Type)
	}

	seen := make(map[string]bool)
	for _, mod := range c.DeviceModifications {
		if mod.Device == nil {
			return validationErrorf("device modification without a device")
		}
		if seen[mod.DevicePath()] {
			return validationErrorf("device %s is listed more than once", mod.DevicePath())
		}
		seen[mod.DevicePath()] = true
		for _, p := range mod.Partitions {
			if err := p.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}
