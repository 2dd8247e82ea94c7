package disk

import "fmt"

type PartitionTableType string

const (
	PartitionTableNone PartitionTableType = ""
	PartitionTableGPT  PartitionTableType = "gpt"
	PartitionTableMBR  PartitionTableType = "msdos"
)

func ParsePartitionTableType(s string) (PartitionTableType, error) {
	switch s {
	case "":
		return PartitionTableNone, nil
	case "gpt":
		return PartitionTableGPT, nil
	case "msdos", "dos", "mbr":
		return PartitionTableMBR, nil
	}
	return PartitionTableNone, fmt.Errorf("unknown partition table type %q", s)
}

// MaxPartitions is the number of partitions a freshly created table of this
// type can hold. MBR is limited to three primary partitions, leaving the
// fourth slot for an extended partition.
func (t PartitionTableType) MaxPartitions() int {
	switch t {
	case PartitionTableGPT:
		return 128
	case PartitionTableMBR:
		return 3
	}
	return 0
}

// FreeSpace is a region of unallocated sectors, both ends inclusive.
type FreeSpace struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

// DeviceInfo describes a whole block device as it was found on the system.
type DeviceInfo struct {
	Path             string             `json:"path"`
	Model            string             `json:"model"`
	Type             string             `json:"type"`
	TotalSize        Size               `json:"total_size"`
	SectorSize       uint64             `json:"sector_size"`
	PartitionTable   PartitionTableType `json:"partition_table"`
	FreeSpaceRegions []FreeSpace        `json:"free_space_regions"`
	ReadOnly         bool               `json:"read_only"`
}

// PartitionInfo describes an existing partition.
type PartitionInfo struct {
	Path   string          `json:"path"`
	Disk   string          `json:"disk"`
	Number int             `json:"number"`
	Name   string          `json:"name"`
	FSType FilesystemType  `json:"fs_type"`
	Start  Size            `json:"start"`
	Length Size            `json:"length"`
	Flags  []PartitionFlag `json:"flags"`

	PartUUID    string   `json:"partuuid"`
	UUID        string   `json:"uuid"`
	Mountpoints []string `json:"mountpoints"`

	// Set when the partition is an unlocked LUKS container.
	MapperName   string         `json:"mapper_name,omitempty"`
	MapperFSType FilesystemType `json:"mapper_fs_type,omitempty"`

	BtrfsSubvolumes []SubvolumeInfo `json:"btrfs_subvolumes,omitempty"`
}

// ContentFSType is the filesystem inside the partition, looking through an
// unlocked LUKS container.
func (p *PartitionInfo) ContentFSType() FilesystemType {
	if p.FSType.IsCrypto() && p.MapperFSType != FilesystemNone {
		return p.MapperFSType
	}
	return p.FSType
}

// BDevice is a block device and the partitions currently on it.
type BDevice struct {
	Info       DeviceInfo      `json:"device_info"`
	Partitions []PartitionInfo `json:"partitions"`
}

func (b *BDevice) Path() string {
	return b.Info.Path
}

func (b *BDevice) TotalBytes() uint64 {
	n, err := b.Info.TotalSize.Bytes()
	if err != nil {
		return 0
	}
	return n
}

func (b *BDevice) SectorSize() uint64 {
	if b.Info.SectorSize == 0 {
		return DefaultSectorSize
	}
	return b.Info.SectorSize
}

// Partition returns the partition with the given path, or nil.
func (b *BDevice) Partition(path string) *PartitionInfo {
	for idx := range b.Partitions {
		if b.Partitions[idx].Path == path {
			return &b.Partitions[idx]
		}
	}
	return nil
}

// DeviceLookup resolves a device path to a known block device.
type DeviceLookup interface {
	Device(path string) *BDevice
}
