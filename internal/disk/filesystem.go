package disk

import (
	"fmt"
	"strings"
)

type FilesystemType int

const (
	FilesystemNone FilesystemType = iota
	FilesystemBtrfs
	FilesystemExt2
	FilesystemExt3
	FilesystemExt4
	FilesystemF2fs
	FilesystemFat16
	FilesystemFat32
	FilesystemNtfs
	FilesystemReiserfs
	FilesystemXfs
	FilesystemCryptoLUKS

	filesystemTypeCount
)

var filesystemNames = [filesystemTypeCount]string{
	FilesystemNone:       "",
	FilesystemBtrfs:      "btrfs",
	FilesystemExt2:       "ext2",
	FilesystemExt3:       "ext3",
	FilesystemExt4:       "ext4",
	FilesystemF2fs:       "f2fs",
	FilesystemFat16:      "fat16",
	FilesystemFat32:      "fat32",
	FilesystemNtfs:       "ntfs",
	FilesystemReiserfs:   "reiserfs",
	FilesystemXfs:        "xfs",
	FilesystemCryptoLUKS: "crypto_LUKS",
}

// mkfsTool describes how a filesystem is created on a block device.
type mkfsTool struct {
	command string
	args    []string
}

// One entry per formattable type. FilesystemNone and FilesystemCryptoLUKS
// have no tool: LUKS is a container, not a filesystem.
var mkfsTools = [filesystemTypeCount]*mkfsTool{
	FilesystemBtrfs:    {"mkfs.btrfs", []string{"-f"}},
	FilesystemExt2:     {"mkfs.ext2", []string{"-F"}},
	FilesystemExt3:     {"mkfs.ext3", []string{"-F"}},
	FilesystemExt4:     {"mkfs.ext4", []string{"-F"}},
	FilesystemF2fs:     {"mkfs.f2fs", []string{"-f"}},
	FilesystemFat16:    {"mkfs.fat", []string{"-F16"}},
	FilesystemFat32:    {"mkfs.fat", []string{"-F32"}},
	FilesystemNtfs:     {"mkfs.ntfs", []string{"-f", "-Q"}},
	FilesystemReiserfs: {"mkfs.reiserfs", nil},
	FilesystemXfs:      {"mkfs.xfs", []string{"-f"}},
}

// Names used by lsblk/blkid and parted that differ from ours.
var filesystemAliases = map[string]FilesystemType{
	"vfat":        FilesystemFat32,
	"fat":         FilesystemFat32,
	"crypto_luks": FilesystemCryptoLUKS,
	"luks":        FilesystemCryptoLUKS,
}

// FilesystemTypes returns all known filesystem types, excluding
// FilesystemNone.
func FilesystemTypes() []FilesystemType {
	types := make([]FilesystemType, 0, filesystemTypeCount-1)
	for t := FilesystemNone + 1; t < filesystemTypeCount; t++ {
		types = append(types, t)
	}
	return types
}

func ParseFilesystemType(s string) (FilesystemType, error) {
	if s == "" {
		return FilesystemNone, nil
	}
	for t, name := range filesystemNames {
		if name != "" && name == s {
			return FilesystemType(t), nil
		}
	}
	if t, ok := filesystemAliases[strings.ToLower(s)]; ok {
		return t, nil
	}
	for t, name := range filesystemNames {
		if name != "" && strings.EqualFold(name, s) {
			return FilesystemType(t), nil
		}
	}
	return FilesystemNone, fmt.Errorf("unknown filesystem type %q", s)
}

func (t FilesystemType) valid() bool {
	return t >= FilesystemNone && t < filesystemTypeCount
}

func (t FilesystemType) String() string {
	if !t.valid() {
		return fmt.Sprintf("FilesystemType(%d)", int(t))
	}
	return filesystemNames[t]
}

func (t FilesystemType) MarshalText() ([]byte, error) {
	if !t.valid() {
		return nil, fmt.Errorf("invalid filesystem type %d", int(t))
	}
	return []byte(t.String()), nil
}

func (t *FilesystemType) UnmarshalText(data []byte) error {
	parsed, err := ParseFilesystemType(string(data))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func (t FilesystemType) IsCrypto() bool {
	return t == FilesystemCryptoLUKS
}

// MountType is the type passed to mount(8) via -t.
func (t FilesystemType) MountType() string {
	switch t {
	case FilesystemFat16, FilesystemFat32:
		return "vfat"
	case FilesystemNtfs:
		return "ntfs3"
	}
	return t.String()
}

// PartedName is the filesystem type understood by `parted mkpart`, or ""
// when parted should be given none.
func (t FilesystemType) PartedName() string {
	switch t {
	case FilesystemNone, FilesystemCryptoLUKS, FilesystemF2fs:
		return ""
	}
	return t.String()
}

// MkfsCommand returns the argv that creates a filesystem of this type on
// the given device.
func (t FilesystemType) MkfsCommand(device string) ([]string, error) {
	if t.IsCrypto() {
		return nil, validationErrorf("%s is a container format and cannot be used as a target filesystem", t)
	}
	if !t.valid() || mkfsTools[t] == nil {
		return nil, validationErrorf("no filesystem type set for %s", device)
	}

	tool := mkfsTools[t]
	argv := make([]string, 0, len(tool.args)+2)
	argv = append(argv, tool.command)
	argv = append(argv, tool.args...)
	argv = append(argv, device)
	return argv, nil
}
