package blockdev

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/osbuild/disk-installer/internal/command"
	"github.com/osbuild/disk-installer/internal/disk"
)

// PartedPartition is a partition entry of `parted --machine` output. All
// positions are in sectors.
type PartedPartition struct {
	Number int
	Start  uint64
	End    uint64
	Size   uint64
	FS     string
	Name   string
	Flags  []string
}

// PartedTable is the partition table of one device as printed by
// `parted --machine unit s print free`.
type PartedTable struct {
	Path       string
	Sectors    uint64
	SectorSize uint64
	// Empty when the device carries no partition table.
	Label      disk.PartitionTableType
	Model      string
	Partitions []PartedPartition
	Free       []disk.FreeSpace
}

// Numbers returns the set of partition numbers in the table.
func (t *PartedTable) Numbers() map[int]bool {
	numbers := make(map[int]bool, len(t.Partitions))
	for _, p := range t.Partitions {
		numbers[p.Number] = true
	}
	return numbers
}

// LastUsableSector is the last sector a partition may end on.
func (t *PartedTable) LastUsableSector() uint64 {
	var last uint64
	for _, p := range t.Partitions {
		if p.End > last {
			last = p.End
		}
	}
	for _, f := range t.Free {
		if f.End > last {
			last = f.End
		}
	}
	if last == 0 && t.Sectors > 0 {
		last = t.Sectors - 1
		// room for the backup GPT header
		if t.Label == disk.PartitionTableGPT && last > 33 {
			last -= 33
		}
	}
	return last
}

func parseSectors(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimSuffix(s, "s"), 10, 64)
}

// ParsePartedMachine parses the output of
// `parted --machine --script <dev> unit s print free`.
func ParsePartedMachine(out string) (*PartedTable, error) {
	table := &PartedTable{}
	deviceLine := true

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSuffix(strings.TrimSpace(line), ";")
		if line == "" || line == "BYT" || line == "CHS" || line == "CYL" {
			continue
		}
		fields := strings.Split(line, ":")

		if deviceLine {
			if len(fields) < 6 {
				return nil, fmt.Errorf("unexpected parted device line %q", line)
			}
			deviceLine = false
			table.Path = fields[0]
			sectors, err := parseSectors(fields[1])
			if err != nil {
				return nil, fmt.Errorf("invalid device size %q: %w", fields[1], err)
			}
			table.Sectors = sectors
			if table.SectorSize, err = strconv.ParseUint(fields[3], 10, 64); err != nil {
				return nil, fmt.Errorf("invalid sector size %q: %w", fields[3], err)
			}
			if label, err := disk.ParsePartitionTableType(fields[5]); err == nil {
				table.Label = label
			}
			if len(fields) > 6 {
				table.Model = fields[6]
			}
			continue
		}

		if len(fields) < 5 {
			return nil, fmt.Errorf("unexpected parted partition line %q", line)
		}
		start, err := parseSectors(fields[1])
		if err != nil {
			return nil, fmt.Errorf("invalid partition start %q: %w", fields[1], err)
		}
		end, err := parseSectors(fields[2])
		if err != nil {
			return nil, fmt.Errorf("invalid partition end %q: %w", fields[2], err)
		}
		size, err := parseSectors(fields[3])
		if err != nil {
			return nil, fmt.Errorf("invalid partition size %q: %w", fields[3], err)
		}

		if fields[4] == "free" {
			table.Free = append(table.Free, disk.FreeSpace{Start: start, End: end})
			continue
		}

		number, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("invalid partition number %q: %w", fields[0], err)
		}
		p := PartedPartition{
			Number: number,
			Start:  start,
			End:    end,
			Size:   size,
			FS:     fields[4],
		}
		if len(fields) > 5 {
			p.Name = fields[5]
		}
		if len(fields) > 6 {
			for _, flag := range strings.Split(fields[6], ",") {
				if flag = strings.TrimSpace(flag); flag != "" {
					p.Flags = append(p.Flags, flag)
				}
			}
		}
		table.Partitions = append(table.Partitions, p)
	}

	if deviceLine {
		return nil, fmt.Errorf("no device found in parted output")
	}
	return table, nil
}

// ReadPartedTable reads the partition table of a device. A device without a
// recognised disk label yields an empty table, not an error.
func ReadPartedTable(ctx context.Context, r command.Runner, path string) (*PartedTable, error) {
	args := []string{"--machine", "--script", path, "unit", "s", "print", "free"}
	res, err := command.Run(ctx, r, "parted", args...)
	if err != nil {
		output := command.OutputOf(err)
		if strings.Contains(output, "unrecognised disk label") {
			logrus.Debugf("No partition table on %s", path)
			if res != nil {
				if table, perr := ParsePartedMachine(string(res.Stdout)); perr == nil {
					table.Label = disk.PartitionTableNone
					return table, nil
				}
			}
			return &PartedTable{Path: path}, nil
		}
		return nil, &disk.DiskError{
			Msg:    fmt.Sprintf("could not read the partition table of %s", path),
			Cmd:    command.New("parted", args...).String(),
			Output: output,
			Err:    err,
		}
	}
	return ParsePartedMachine(string(res.Stdout))
}

// PartitionPath returns the device node of partition number n on device.
// Devices whose name ends in a digit use a "p" separator (nvme0n1p1,
// loop0p1, mmcblk0p1).
func PartitionPath(device string, n int) string {
	if device == "" {
		return ""
	}
	last := device[len(device)-1]
	if last >= '0' && last <= '9' {
		return fmt.Sprintf("%sp%d", device, n)
	}
	return fmt.Sprintf("%s%d", device, n)
}
