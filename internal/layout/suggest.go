// Package layout suggests partition layouts for whole disks and validates
// manually entered partition ranges.
package layout

import (
	"errors"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/disk-installer/internal/disk"
)

const (
	// Smallest device that is given a separate /home.
	MinHomeSize = 40 * disk.GiB
	// Size of / when /home is split off.
	DesiredRootSize = 20 * disk.GiB

	CompressOption = "compress=zstd"
)

// ErrNoSuitableDevices is returned when no combination of the given devices
// meets the minimum sizes of a multi-disk layout.
var ErrNoSuitableDevices = errors.New("the selected devices do not have the minimum capacity required for an automatic suggestion")

type Options struct {
	UEFI bool
	// Btrfs only: one root partition with the default subvolumes.
	UseSubvolumes bool
	// Split /home off into its own partition when the device is big enough.
	SeparateHome bool
	// Btrfs only: mount with zstd compression and mark subvolumes compressed.
	Compress bool
}

func (o Options) compress(fs disk.FilesystemType) bool {
	return o.Compress && fs == disk.FilesystemBtrfs
}

func (o Options) mountOptions(fs disk.FilesystemType) []string {
	if o.compress(fs) {
		return []string{CompressOption}
	}
	return []string{}
}

func mib(n float64, sectorSize uint64) disk.Size {
	return disk.NewSize(n, disk.UnitMiB, sectorSize)
}

// BootPartition is the FAT32 partition mounted at /boot. BIOS layouts start
// it at 3 MiB to leave room for the boot loader in front of it.
func BootPartition(sectorSize uint64, uefi bool) *disk.PartitionModification {
	start, length := mib(3, sectorSize), mib(203, sectorSize)
	if uefi {
		start, length = mib(1, sectorSize), mib(512, sectorSize)
	}
	p := disk.NewPartitionModification(disk.StatusCreate, start, length, disk.FilesystemFat32, "/boot")
	p.SetFlag(disk.FlagBoot)
	return p
}

func rootStart(sectorSize uint64, uefi bool) disk.Size {
	if uefi {
		return mib(513, sectorSize)
	}
	return mib(206, sectorSize)
}

// DefaultSubvolumes returns the default btrfs subvolume layout.
func DefaultSubvolumes(compress bool) []disk.SubvolumeModification {
	subvolumes := []disk.SubvolumeModification{
		{Name: "@", Mountpoint: "/"},
		{Name: "@home", Mountpoint: "/home"},
		{Name: "@log", Mountpoint: "/var/log"},
		{Name: "@pkg", Mountpoint: "/var/cache/pacman/pkg"},
		{Name: "@.snapshots", Mountpoint: "/.snapshots"},
	}
	for idx := range subvolumes {
		subvolumes[idx].Compress = compress
	}
	return subvolumes
}

// SuggestSingleDisk plans a fresh layout for one device: a boot partition
// followed by either a btrfs root with subvolumes, a root and a /home
// partition, or a single root partition.
func SuggestSingleDisk(device *disk.BDevice, fs disk.FilesystemType, opts Options) (*disk.DeviceModification, error) {
	if err := checkFilesystem(fs); err != nil {
		return nil, err
	}

	sectorSize := device.SectorSize()
	total := device.TotalBytes()
	useSubvolumes := opts.UseSubvolumes && fs == disk.FilesystemBtrfs
	separateHome := !useSubvolumes && opts.SeparateHome && total >= MinHomeSize

	mod := disk.NewDeviceModification(device, true)
	mod.AddPartition(BootPartition(sectorSize, opts.UEFI))

	start := rootStart(sectorSize, opts.UEFI)
	length := disk.NewPercent(100, total)
	if separateHome {
		startBytes, err := start.Bytes()
		if err != nil {
			return nil, err
		}
		remaining := uint64(0)
		if total > startBytes {
			remaining = total - startBytes
		}
		rootBytes := uint64(DesiredRootSize)
		if remaining < rootBytes {
			rootBytes = remaining
		}
		length = disk.NewSize(float64(rootBytes), disk.UnitBytes, sectorSize)
	}
	length.SectorSize = sectorSize

	mountpoint := "/"
	if useSubvolumes {
		mountpoint = ""
	}
	root := disk.NewPartitionModification(disk.StatusCreate, start, length, fs, mountpoint)
	root.MountOptions = opts.mountOptions(fs)
	if useSubvolumes {
		root.Btrfs = DefaultSubvolumes(opts.compress(fs))
	}
	mod.AddPartition(root)

	if separateHome {
		homeStart, err := start.Add(length)
		if err != nil {
			return nil, err
		}
		homeStart.SectorSize = sectorSize
		homeLength := disk.NewPercent(100, total)
		homeLength.SectorSize = sectorSize

		home := disk.NewPartitionModification(disk.StatusCreate, homeStart, homeLength, fs, "/home")
		home.MountOptions = opts.mountOptions(fs)
		mod.AddPartition(home)
	}

	logrus.WithFields(logrus.Fields{
		"device":     device.Path(),
		"filesystem": fs.String(),
		"subvolumes": useSubvolumes,
		"home":       separateHome,
	}).Debug("Suggested single disk layout")
	return mod, nil
}

// SuggestMultiDisk puts / on one device and /home on another. The home
// device is the smallest one of at least MinHomeSize; the root device is
// the remaining device closest to, but not below, DesiredRootSize.
func SuggestMultiDisk(devices []*disk.BDevice, fs disk.FilesystemType, opts Options) ([]*disk.DeviceModification, error) {
	if err := checkFilesystem(fs); err != nil {
		return nil, err
	}

	var homeDevice *disk.BDevice
	for _, d := range devices {
		if d.TotalBytes() < MinHomeSize {
			continue
		}
		if homeDevice == nil || d.TotalBytes() < homeDevice.TotalBytes() {
			homeDevice = d
		}
	}

	var candidates []*disk.BDevice
	for _, d := range devices {
		if d != homeDevice && d.TotalBytes() >= DesiredRootSize {
			candidates = append(candidates, d)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].TotalBytes() < candidates[j].TotalBytes()
	})

	if homeDevice == nil || len(candidates) == 0 {
		return nil, ErrNoSuitableDevices
	}
	rootDevice := candidates[0]

	paths := make([]string, 0, len(devices))
	for _, d := range devices {
		paths = append(paths, d.Path())
	}
	logrus.WithFields(logrus.Fields{
		"devices": strings.Join(paths, ", "),
		"root":    rootDevice.Path(),
		"home":    homeDevice.Path(),
	}).Debug("Suggested multi disk layout")

	rootMod := disk.NewDeviceModification(rootDevice, true)
	rootMod.AddPartition(BootPartition(rootDevice.SectorSize(), opts.UEFI))
	rootLength := disk.NewPercent(100, rootDevice.TotalBytes())
	rootLength.SectorSize = rootDevice.SectorSize()
	root := disk.NewPartitionModification(disk.StatusCreate, rootStart(rootDevice.SectorSize(), opts.UEFI), rootLength, fs, "/")
	root.MountOptions = opts.mountOptions(fs)
	rootMod.AddPartition(root)

	homeMod := disk.NewDeviceModification(homeDevice, true)
	homeLength := disk.NewPercent(100, homeDevice.TotalBytes())
	homeLength.SectorSize = homeDevice.SectorSize()
	home := disk.NewPartitionModification(disk.StatusCreate, mib(1, homeDevice.SectorSize()), homeLength, fs, "/home")
	home.MountOptions = opts.mountOptions(fs)
	homeMod.AddPartition(home)

	return []*disk.DeviceModification{rootMod, homeMod}, nil
}

// SuggestLayout suggests a default layout over one or more devices.
func SuggestLayout(devices []*disk.BDevice, fs disk.FilesystemType, opts Options) (*disk.LayoutConfiguration, error) {
	config := &disk.LayoutConfiguration{Type: disk.LayoutTypeDefault}

	switch len(devices) {
	case 0:
		return nil, disk.NewValidationError("no devices selected")
	case 1:
		mod, err := SuggestSingleDisk(devices[0], fs, opts)
		if err != nil {
			return nil, err
		}
		config.DeviceModifications = []*disk.DeviceModification{mod}
	default:
		mods, err := SuggestMultiDisk(devices, fs, opts)
		if err != nil {
			return nil, err
		}
		config.DeviceModifications = mods
	}
	return config, nil
}

func checkFilesystem(fs disk.FilesystemType) error {
	if fs == disk.FilesystemNone || fs.IsCrypto() {
		return disk.NewValidationError("%q cannot be used as the root filesystem", fs.String())
	}
	return nil
}
