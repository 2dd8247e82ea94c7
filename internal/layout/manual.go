package layout

import (
	"strconv"
	"strings"

	"github.com/osbuild/disk-installer/internal/disk"
)

func parseSector(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(s, 10, 64)
	return n, err == nil
}

func parsePercent(s string) (float64, bool) {
	if !strings.HasSuffix(s, "%") {
		return 0, false
	}
	n, ok := parseSector(strings.TrimSuffix(s, "%"))
	if !ok || n > 100 {
		return 0, false
	}
	return float64(n), true
}

// ValidateSector checks a manually entered partition range. start is a
// sector number; end is an optional sector number not before start, or a
// percentage of the device such as "100%".
func ValidateSector(start, end string) error {
	first, ok := parseSector(start)
	if !ok {
		return disk.NewValidationError("invalid start sector %q", start)
	}
	if end == "" {
		return nil
	}
	if strings.HasSuffix(end, "%") {
		if _, ok := parsePercent(end); !ok {
			return disk.NewValidationError("invalid end percentage %q", end)
		}
		return nil
	}
	last, ok := parseSector(end)
	if !ok {
		return disk.NewValidationError("invalid end sector %q", end)
	}
	if last < first {
		return disk.NewValidationError("end sector %d lies before start sector %d", last, first)
	}
	return nil
}

// LargestFreeArea returns the largest unallocated region of device.
func LargestFreeArea(device *disk.BDevice) (disk.FreeSpace, bool) {
	var largest disk.FreeSpace
	found := false
	for _, free := range device.Info.FreeSpaceRegions {
		if !found || free.End-free.Start > largest.End-largest.Start {
			largest = free
			found = true
		}
	}
	return largest, found
}

// ManualPartition turns a validated sector range on device into a partition
// to be created. An empty end means the rest of the device.
func ManualPartition(device *disk.BDevice, start, end string, fs disk.FilesystemType, mountpoint string) (*disk.PartitionModification, error) {
	if err := ValidateSector(start, end); err != nil {
		return nil, err
	}
	if end == "" {
		end = "100%"
	}

	sectorSize := device.SectorSize()
	total := device.TotalBytes()
	first, _ := parseSector(start)
	startSize := disk.NewSize(float64(first), disk.UnitSectors, sectorSize)

	var endSize disk.Size
	if percent, ok := parsePercent(end); ok {
		endSize = disk.NewPercent(percent, total)
		endSize.SectorSize = sectorSize
	} else {
		last, _ := parseSector(end)
		endSize = disk.NewSize(float64(last), disk.UnitSectors, sectorSize)
	}

	length, err := endSize.Sub(startSize)
	if err != nil {
		return nil, disk.NewValidationError("partition on %s ends before it starts: %v", device.Path(), err)
	}
	length, err = length.Convert(disk.UnitSectors)
	if err != nil {
		return nil, err
	}
	if length.Value == 0 {
		return nil, disk.NewValidationError("empty partition on %s", device.Path())
	}

	p := disk.NewPartitionModification(disk.StatusCreate, startSize, length, fs, mountpoint)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
