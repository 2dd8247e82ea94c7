package blockdev

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/disk-installer/internal/command"
	"github.com/osbuild/disk-installer/internal/command/commandtest"
	"github.com/osbuild/disk-installer/internal/disk"
)

func TestParsePartedMachine(t *testing.T) {
	out := `BYT;
/dev/nvme0n1:1000215216s:nvme:512:512:gpt:Samsung SSD 970 EVO Plus 500GB:;
1:34s:2047s:2014s:free;
1:2048s:1050623s:1048576s:fat32:EFI system partition:boot, esp;
2:1050624s:1000214527s:999163904s:ext4::;
`
	table, err := ParsePartedMachine(out)
	require.NoError(t, err)

	assert.Equal(t, "/dev/nvme0n1", table.Path)
	assert.Equal(t, uint64(1000215216), table.Sectors)
	assert.Equal(t, uint64(512), table.SectorSize)
	assert.Equal(t, disk.PartitionTableGPT, table.Label)
	assert.Equal(t, "Samsung SSD 970 EVO Plus 500GB", table.Model)
	assert.Equal(t, []disk.FreeSpace{{Start: 34, End: 2047}}, table.Free)
	assert.Equal(t, []PartedPartition{
		{Number: 1, Start: 2048, End: 1050623, Size: 1048576, FS: "fat32", Name: "EFI system partition", Flags: []string{"boot", "esp"}},
		{Number: 2, Start: 1050624, End: 1000214527, Size: 999163904, FS: "ext4"},
	}, table.Partitions)
	assert.Equal(t, map[int]bool{1: true, 2: true}, table.Numbers())
	assert.Equal(t, uint64(1000214527), table.LastUsableSector())

	_, err = ParsePartedMachine("BYT;\n")
	assert.Error(t, err)
	_, err = ParsePartedMachine("BYT;\n/dev/sda:100s:scsi:512:512:gpt:x:;\n1:abc:2s:1s:ext4::;\n")
	assert.Error(t, err)
}

func TestLastUsableSectorEmptyTable(t *testing.T) {
	table := &PartedTable{Sectors: 2048, Label: disk.PartitionTableGPT}
	assert.Equal(t, uint64(2047-33), table.LastUsableSector())

	table.Label = disk.PartitionTableMBR
	assert.Equal(t, uint64(2047), table.LastUsableSector())
}

func TestReadPartedTableWithoutLabel(t *testing.T) {
	runner := commandtest.New()
	runner.On("parted *", func(cmd command.Cmd) (*command.Result, error) {
		return commandtest.Exit(cmd, 1, "BYT;\n/dev/vdb:20971520s:virtblk:512:512:unknown:Virtio Block Device:;\n",
			"Error: /dev/vdb: unrecognised disk label")
	})

	table, err := ReadPartedTable(context.Background(), runner, "/dev/vdb")
	require.NoError(t, err)
	assert.Equal(t, disk.PartitionTableNone, table.Label)
	assert.Equal(t, uint64(20971520), table.Sectors)
	assert.Empty(t, table.Partitions)

	runner.Fail("parted *", 1, "Error: Could not stat device /dev/vdb - No such file or directory.")
	_, err = ReadPartedTable(context.Background(), runner, "/dev/vdb")
	var diskErr *disk.DiskError
	assert.ErrorAs(t, err, &diskErr)
}

func TestPartitionPath(t *testing.T) {
	assert.Equal(t, "/dev/sda3", PartitionPath("/dev/sda", 3))
	assert.Equal(t, "/dev/nvme0n1p2", PartitionPath("/dev/nvme0n1", 2))
	assert.Equal(t, "/dev/loop0p1", PartitionPath("/dev/loop0", 1))
	assert.Equal(t, "/dev/mmcblk0p1", PartitionPath("/dev/mmcblk0", 1))
}

func TestParseLsblk(t *testing.T) {
	out := `{"blockdevices": [{"name": "vda", "path": "/dev/vda", "type": "disk", "size": "21474836480", "log-sec": 512, "ro": "1",
		"mountpoints": [null, "/srv", ""], "fstype": "xfs"}]}`
	infos, err := parseLsblk([]byte(out))
	require.NoError(t, err)
	require.Len(t, infos, 1)

	info := infos[0]
	assert.Equal(t, flexUint(20*disk.GiB), info.Size)
	assert.True(t, bool(info.RO))
	assert.Equal(t, []string{"/srv"}, info.MountpointList())
	assert.Equal(t, disk.FilesystemXfs, info.filesystemType())

	info.FSType = "iso9660"
	assert.Equal(t, disk.FilesystemNone, info.filesystemType())

	_, err = parseLsblk([]byte(`{"blockdevices": [{"ro": "maybe"}]}`))
	assert.Error(t, err)
}

func TestParseSubvolumeList(t *testing.T) {
	out := "ID 256 gen 12 top level 5 path @\nID 257 gen 12 top level 5 path @home\n\nID 260 gen 3 top level 256 path @/var/lib/machines\n"
	assert.Equal(t, []string{"@", "@home", "@/var/lib/machines"}, parseSubvolumeList(out))
	assert.Empty(t, parseSubvolumeList(""))
}

func TestMountList(t *testing.T) {
	assert := assert.New(t)

	mounts := NewMountList()
	mounts.Add("/dev/sda2", "/mnt", "ext4", "/")
	mounts.Add("/dev/sda3", "/mnt/home", "ext4", "/")
	mounts.Add("/dev/sda1", "/mnt/boot", "vfat", "/")
	mounts.Add("/dev/sdb1", "/mntx", "ext4", "/")

	ok, err := IsMountedAt(mounts, "/dev/sda2", "/mnt/")
	assert.NoError(err)
	assert.True(ok)
	ok, err = IsMountedAt(mounts, "/dev/sda3", "/mnt")
	assert.NoError(err)
	assert.False(ok)

	mps, err := Mountpoints(mounts, "/dev/sda3")
	assert.NoError(err)
	assert.Equal([]string{"/mnt/home"}, mps)
	mps, err = Mountpoints(mounts, "/mnt/boot")
	assert.NoError(err)
	assert.Equal([]string{"/mnt/boot"}, mps)

	ok, err = IsMountpoint(mounts, "/mnt/var")
	assert.NoError(err)
	assert.False(ok)

	mounts.Remove("/mnt")
	remaining, err := mounts.Mounts(nil)
	assert.NoError(err)
	require.Len(t, remaining, 1)
	assert.Equal("/mntx", remaining[0].Mountpoint)
}

func TestIsMountedAtStacked(t *testing.T) {
	mounts := NewMountList()
	mounts.Add("tmpfs", "/mnt", "tmpfs", "/")
	mounts.Add("/dev/sda2", "/mnt", "ext4", "/")
	mounts.Add("/dev/sda3", "/mnt", "ext4", "/")

	tests := []struct {
		source string
		want   bool
	}{
		{"tmpfs", true},
		{"/dev/sda2", true},
		{"/dev/sda3", true},
		{"/dev/sda4", false},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			ok, err := IsMountedAt(mounts, tt.source, "/mnt")
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}
