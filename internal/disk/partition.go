package disk

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/google/uuid"
)

type PartitionType string

const (
	PartitionTypePrimary  PartitionType = "primary"
	PartitionTypeLogical  PartitionType = "logical"
	PartitionTypeExtended PartitionType = "extended"
)

// PartitionFlag values are the flag names understood by parted.
type PartitionFlag string

const (
	FlagBoot     PartitionFlag = "boot"
	FlagESP      PartitionFlag = "esp"
	FlagXBOOTLDR PartitionFlag = "bls_boot"
)

type ModificationStatus string

const (
	StatusCreate ModificationStatus = "create"
	StatusModify ModificationStatus = "modify"
	StatusDelete ModificationStatus = "delete"
	StatusExist  ModificationStatus = "exist"
)

func (s ModificationStatus) valid() bool {
	switch s {
	case StatusCreate, StatusModify, StatusDelete, StatusExist:
		return true
	}
	return false
}

// PartitionModification is a planned change to a single partition. The
// device handler fills in DevPath, UUID and PartUUID once the partition
// exists on disk.
type PartitionModification struct {
	// Stable identifier used to reference the partition from other
	// configuration documents.
	ObjID string

	Status       ModificationStatus
	Type         PartitionType
	Start        Size
	Length       Size
	FSType       FilesystemType
	Mountpoint   string
	MountOptions []string
	Flags        []PartitionFlag
	Btrfs        []SubvolumeModification

	DevPath  string
	UUID     string
	PartUUID string
}

func NewPartitionModification(status ModificationStatus, start, length Size, fs FilesystemType, mountpoint string) *PartitionModification {
	return &PartitionModification{
		ObjID:      uuid.NewString(),
		Status:     status,
		Type:       PartitionTypePrimary,
		Start:      start,
		Length:     length,
		FSType:     fs,
		Mountpoint: mountpoint,
	}
}

func (p *PartitionModification) Exists() bool {
	return p.Status == StatusExist
}

func (p *PartitionModification) IsCreateOrModify() bool {
	return p.Status == StatusCreate || p.Status == StatusModify
}

// IsDeleteOrModify reports whether an existing partition entry has to be
// removed from the table. Modify is always destructive.
func (p *PartitionModification) IsDeleteOrModify() bool {
	return p.Status == StatusDelete || p.Status == StatusModify
}

func (p *PartitionModification) HasFlag(flag PartitionFlag) bool {
	for _, f := range p.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

func (p *PartitionModification) SetFlag(flag PartitionFlag) {
	if !p.HasFlag(flag) {
		p.Flags = append(p.Flags, flag)
	}
}

func (p *PartitionModification) IsBoot() bool {
	return p.HasFlag(FlagBoot)
}

// IsRoot reports whether the partition holds the root of the installation,
// either directly or through a btrfs subvolume.
func (p *PartitionModification) IsRoot() bool {
	if p.Mountpoint != "" && path.Clean(p.Mountpoint) == "/" {
		return true
	}
	for _, sv := range p.Btrfs {
		if sv.IsRoot() {
			return true
		}
	}
	return false
}

// MapperName is the device-mapper name used when the partition is
// unlocked.
func (p *PartitionModification) MapperName() string {
	if p.DevPath != "" {
		return "luks-" + filepath.Base(p.DevPath)
	}
	return "luks-" + p.ObjID
}

// Validate checks the status against the realized device path: existing
// partitions must have one, partitions that are still to be created must
// not.
func (p *PartitionModification) Validate() error {
	if !p.Status.valid() {
		return validationErrorf("invalid partition status %q", p.Status)
	}
	switch p.Status {
	case StatusExist:
		if p.DevPath == "" {
			return validationErrorf("existing partition %s has no device path", p.ObjID)
		}
	case StatusCreate:
		if p.DevPath != "" {
			return validationErrorf("partition %s to be created already has device path %s", p.ObjID, p.DevPath)
		}
	}
	if p.IsCreateOrModify() && p.FSType.IsCrypto() {
		return validationErrorf("%s cannot be used as a target filesystem", p.FSType)
	}
	if p.Mountpoint != "" {
		if err := MountpointPolicies.Check(p.Mountpoint); err != nil {
			return validationErrorf("partition %s: %v", p.ObjID, err)
		}
	}
	for _, sv := range p.Btrfs {
		if sv.Mountpoint == "" {
			continue
		}
		if err := MountpointPolicies.Check(sv.Mountpoint); err != nil {
			return validationErrorf("subvolume %s: %v", sv.Name, err)
		}
	}
	return nil
}

func (p *PartitionModification) String() string {
	target := p.Mountpoint
	if target == "" && len(p.Btrfs) > 0 {
		target = fmt.Sprintf("%d subvolumes", len(p.Btrfs))
	}
	return fmt.Sprintf("%s %s %s start=%s length=%s %s", p.Status, p.DevPath, p.FSType, p.Start, p.Length, target)
}
