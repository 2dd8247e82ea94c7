// Package devicetest emulates the block device tools used by the device
// handler on top of a scripted command runner.
package devicetest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/osbuild/disk-installer/internal/blockdev"
	"github.com/osbuild/disk-installer/internal/command"
	"github.com/osbuild/disk-installer/internal/command/commandtest"
	"github.com/osbuild/disk-installer/internal/device"
)

// Partition is a partition table entry. Positions are in 512 byte sectors.
type Partition struct {
	Number     int
	Start, End uint64
	FS         string
	Flags      []string
	// Set for LUKS containers that are open.
	Mapper   string
	MapperFS string
}

type Disk struct {
	Path    string
	Sectors uint64
	Label   string
	Parts   []*Partition
}

// System emulates parted, lsblk, cryptsetup and mount on top of a
// commandtest.Fake. Device nodes are plain files in a temporary directory,
// filled with 0xff so that wiping can be observed.
type System struct {
	t      *testing.T
	Dir    string
	Runner *commandtest.Fake
	Mounts *blockdev.MountList

	mu      sync.Mutex
	disks   map[string]*Disk
	mappers map[string]bool
	// Partitions never report a PARTUUID when set.
	NoPartUUID bool
}

// NewSystem returns an empty system. Scratch mounts are made in a
// temporary directory for the duration of the test.
func NewSystem(t *testing.T) *System {
	dir := t.TempDir()
	blockdev.ScratchDir = filepath.Join(dir, "scratch")
	require.NoError(t, os.Mkdir(blockdev.ScratchDir, 0755))
	t.Cleanup(func() { blockdev.ScratchDir = "" })

	sys := &System{
		t:       t,
		Dir:     dir,
		Runner:  commandtest.New(),
		Mounts:  blockdev.NewMountList(),
		disks:   make(map[string]*Disk),
		mappers: make(map[string]bool),
	}
	sys.Runner.On("parted *", sys.parted)
	sys.Runner.On("lsblk *", sys.lsblk)
	sys.Runner.On("cryptsetup *", sys.cryptsetup)
	sys.Runner.On("mount *", func(cmd command.Cmd) (*command.Result, error) {
		n := len(cmd.Args)
		sys.Mounts.Add(cmd.Args[n-2], cmd.Args[n-1], "", "/")
		return &command.Result{}, nil
	})
	sys.Runner.On("umount *", func(cmd command.Cmd) (*command.Result, error) {
		sys.Mounts.Remove(cmd.Args[len(cmd.Args)-1])
		return &command.Result{}, nil
	})
	return sys
}

// AddDisk creates a disk node of the given size in sectors of 512 bytes and
// returns its path. An empty label means no partition table.
func (sys *System) AddDisk(name string, sectors uint64, label string, parts ...*Partition) string {
	path := filepath.Join(sys.Dir, name)
	require.NoError(sys.t, os.WriteFile(path, filled(2048), 0600))
	for _, p := range parts {
		require.NoError(sys.t, os.WriteFile(blockdev.PartitionPath(path, p.Number), filled(2048), 0600))
	}

	sys.mu.Lock()
	defer sys.mu.Unlock()
	sys.disks[path] = &Disk{Path: path, Sectors: sectors, Label: label, Parts: parts}
	return path
}

// Disk returns the current state of the disk at path.
func (sys *System) Disk(path string) *Disk {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	return sys.disks[path]
}

// Mappers returns the names of the open LUKS mappings.
func (sys *System) Mappers() []string {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	var names []string
	for name := range sys.mappers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handler returns a device handler with a loaded inventory and a short
// settle timeout.
func (sys *System) Handler() *device.Handler {
	inv := blockdev.NewInventory(sys.Runner, sys.Mounts)
	require.NoError(sys.t, inv.Refresh(context.Background()))
	h := device.NewHandler(sys.Runner, inv, sys.Mounts)
	h.SettleInterval = time.Millisecond
	h.SettleTimeout = 20 * time.Millisecond
	return h
}

func filled(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = 0xff
	}
	return data
}

func (d *Disk) find(number int) (int, *Partition) {
	for idx, p := range d.Parts {
		if p.Number == number {
			return idx, p
		}
	}
	return -1, nil
}

func (d *Disk) lastUsable() uint64 {
	return d.Sectors - 34
}

func (sys *System) parted(cmd command.Cmd) (*command.Result, error) {
	sys.mu.Lock()
	defer sys.mu.Unlock()

	args := cmd.Args
	if args[0] == "--machine" {
		d := sys.disks[args[2]]
		if d == nil {
			return commandtest.Exit(cmd, 1, "", "Error: Could not stat device "+args[2])
		}
		return sys.print(cmd, d)
	}

	if args[1] == "-a" {
		// -s -a optimal <dev> unit s mkpart <type> [fs] <start>s <end>s
		d := sys.disks[args[3]]
		start, _ := strconv.ParseUint(strings.TrimSuffix(args[len(args)-2], "s"), 10, 64)
		end, _ := strconv.ParseUint(strings.TrimSuffix(args[len(args)-1], "s"), 10, 64)
		if end > d.lastUsable() {
			return commandtest.Exit(cmd, 1, "", "Error: The location is outside of the device")
		}
		number := 1
		for {
			if _, p := d.find(number); p == nil {
				break
			}
			number++
		}
		p := &Partition{Number: number, Start: start, End: end}
		if len(args) == 11 {
			p.FS = args[8]
		}
		d.Parts = append(d.Parts, p)
		return &command.Result{}, os.WriteFile(blockdev.PartitionPath(d.Path, number), filled(2048), 0600)
	}

	d := sys.disks[args[1]]
	switch args[2] {
	case "mklabel":
		d.Label = args[3]
		d.Parts = nil
	case "rm":
		n, _ := strconv.Atoi(args[3])
		idx, p := d.find(n)
		if p == nil {
			return commandtest.Exit(cmd, 1, "", "Error: Partition doesn't exist.")
		}
		d.Parts = append(d.Parts[:idx], d.Parts[idx+1:]...)
	case "set":
		n, _ := strconv.Atoi(args[3])
		_, p := d.find(n)
		p.Flags = append(p.Flags, args[4])
	}
	return &command.Result{}, nil
}

func (sys *System) print(cmd command.Cmd, d *Disk) (*command.Result, error) {
	label := d.Label
	if label == "" {
		label = "unknown"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "BYT;\n%s:%ds:scsi:512:512:%s:Fake Disk:;\n", d.Path, d.Sectors, label)

	parts := append([]*Partition{}, d.Parts...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Start < parts[j].Start })
	next := uint64(34)
	for _, p := range parts {
		if p.Start > next {
			fmt.Fprintf(&b, "1:%ds:%ds:%ds:free;\n", next, p.Start-1, p.Start-next)
		}
		fstype := p.FS
		if p.Mapper != "" {
			fstype = ""
		}
		fmt.Fprintf(&b, "%d:%ds:%ds:%ds:%s::%s;\n", p.Number, p.Start, p.End, p.End-p.Start+1, fstype, strings.Join(p.Flags, ", "))
		next = p.End + 1
	}
	if next < d.lastUsable() {
		fmt.Fprintf(&b, "1:%ds:%ds:%ds:free;\n", next, d.lastUsable(), d.lastUsable()-next+1)
	}

	if d.Label == "" {
		return commandtest.Exit(cmd, 1, b.String(), "Error: "+d.Path+": unrecognised disk label")
	}
	return &command.Result{Stdout: []byte(b.String())}, nil
}

type lsblkEntry struct {
	Name        string        `json:"name"`
	Path        string        `json:"path"`
	Type        string        `json:"type"`
	Size        uint64        `json:"size"`
	LogSec      uint64        `json:"log-sec"`
	FSType      string        `json:"fstype,omitempty"`
	UUID        string        `json:"uuid,omitempty"`
	PartUUID    string        `json:"partuuid,omitempty"`
	Mountpoints []string      `json:"mountpoints"`
	Children    []*lsblkEntry `json:"children,omitempty"`
}

func (sys *System) mountpointsOf(path string) []string {
	entries, err := blockdev.MountsOf(sys.Mounts, path)
	require.NoError(sys.t, err)
	var mps []string
	for _, e := range entries {
		mps = append(mps, e.Mountpoint)
	}
	return mps
}

func (sys *System) partitionEntry(d *Disk, p *Partition) *lsblkEntry {
	path := blockdev.PartitionPath(d.Path, p.Number)
	entry := &lsblkEntry{
		Name:        filepath.Base(path),
		Path:        path,
		Type:        "part",
		Size:        (p.End - p.Start + 1) * 512,
		LogSec:      512,
		FSType:      p.FS,
		UUID:        "uuid-" + filepath.Base(path),
		Mountpoints: sys.mountpointsOf(path),
	}
	if !sys.NoPartUUID {
		entry.PartUUID = "partuuid-" + filepath.Base(path)
	}
	if p.Mapper != "" {
		entry.FSType = "crypto_LUKS"
		mapperPath := "/dev/mapper/" + p.Mapper
		entry.Children = []*lsblkEntry{{
			Name:        p.Mapper,
			Path:        mapperPath,
			Type:        "crypt",
			Size:        entry.Size,
			LogSec:      512,
			FSType:      p.MapperFS,
			Mountpoints: sys.mountpointsOf(mapperPath),
		}}
	}
	return entry
}

func (sys *System) lsblk(cmd command.Cmd) (*command.Result, error) {
	sys.mu.Lock()
	defer sys.mu.Unlock()

	var entries []*lsblkEntry
	if len(cmd.Args) > 4 {
		query := cmd.Args[len(cmd.Args)-1]
		for _, d := range sys.disks {
			for _, p := range d.Parts {
				if blockdev.PartitionPath(d.Path, p.Number) == query {
					entries = append(entries, sys.partitionEntry(d, p))
				}
			}
		}
		if len(entries) == 0 {
			return commandtest.Exit(cmd, 32, "", "lsblk: "+query+": not a block device")
		}
	} else {
		var paths []string
		for path := range sys.disks {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			d := sys.disks[path]
			entry := &lsblkEntry{
				Name:   filepath.Base(path),
				Path:   path,
				Type:   "disk",
				Size:   d.Sectors * 512,
				LogSec: 512,
			}
			for _, p := range d.Parts {
				entry.Children = append(entry.Children, sys.partitionEntry(d, p))
			}
			entries = append(entries, entry)
		}
	}

	out, err := json.Marshal(map[string]interface{}{"blockdevices": entries})
	require.NoError(sys.t, err)
	return &command.Result{Stdout: out}, nil
}

func (sys *System) cryptsetup(cmd command.Cmd) (*command.Result, error) {
	sys.mu.Lock()
	defer sys.mu.Unlock()

	args := cmd.Args
	switch {
	case args[0] == "open":
		sys.mappers[args[len(args)-1]] = true
	case args[0] == "close":
		delete(sys.mappers, args[1])
	case args[0] == "status":
		if !sys.mappers[args[1]] {
			return commandtest.Exit(cmd, 4, "", "/dev/mapper/"+args[1]+" is inactive.")
		}
	}
	return &command.Result{}, nil
}
