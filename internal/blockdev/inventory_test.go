package blockdev_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/disk-installer/internal/blockdev"
	"github.com/osbuild/disk-installer/internal/command"
	"github.com/osbuild/disk-installer/internal/command/commandtest"
	"github.com/osbuild/disk-installer/internal/disk"
)

func readTestdata(t *testing.T, name string) string {
	data, err := os.ReadFile("testdata/" + name)
	require.NoError(t, err)
	return string(data)
}

func newTestSystem(t *testing.T) (*commandtest.Fake, *blockdev.MountList) {
	blockdev.ScratchDir = t.TempDir()
	t.Cleanup(func() { blockdev.ScratchDir = "" })

	runner := commandtest.New()
	runner.Output("lsblk *", readTestdata(t, "lsblk.json"))
	runner.Output("parted --machine --script /dev/sda *", readTestdata(t, "parted-sda.txt"))
	runner.Output("parted --machine --script /dev/sdb *", readTestdata(t, "parted-sdb.txt"))
	runner.Output("btrfs subvolume list *", "ID 256 gen 7 top level 5 path @\n")
	runner.Output("btrfs subvolume list /mnt",
		"ID 256 gen 12 top level 5 path @\nID 257 gen 12 top level 5 path @home\nID 258 gen 9 top level 5 path @log\n")

	mounts := blockdev.NewMountList()
	mounts.Add("/dev/mapper/luks-sda2", "/mnt", "btrfs", "/@")
	mounts.Add("/dev/mapper/luks-sda2", "/mnt/home", "btrfs", "/@home")
	mounts.Add("/dev/sda1", "/mnt/boot", "vfat", "/")
	return runner, mounts
}

func TestInventoryRefresh(t *testing.T) {
	runner, mounts := newTestSystem(t)
	inv := blockdev.NewInventory(runner, mounts)
	require.NoError(t, inv.Refresh(context.Background()))

	devices := inv.Devices()
	require.Len(t, devices, 2, "only non-empty disks and loop devices are kept")
	assert.Equal(t, "/dev/sda", devices[0].Path())
	assert.Equal(t, "/dev/sdb", devices[1].Path())

	sda := devices[0]
	assert.Equal(t, "QEMU HARDDISK", sda.Info.Model)
	assert.Equal(t, disk.PartitionTableGPT, sda.Info.PartitionTable)
	assert.Equal(t, uint64(100*disk.GiB), sda.TotalBytes())
	assert.Equal(t, []disk.FreeSpace{{Start: 34, End: 2047}, {Start: 209713152, End: 209715166}}, sda.Info.FreeSpaceRegions)
	require.Len(t, sda.Partitions, 2)

	boot := sda.Partitions[0]
	assert.Equal(t, "/dev/sda1", boot.Path)
	assert.Equal(t, disk.FilesystemFat32, boot.FSType)
	assert.Equal(t, []disk.PartitionFlag{disk.FlagBoot, disk.FlagESP}, boot.Flags)
	assert.Equal(t, []string{"/mnt/boot"}, boot.Mountpoints)
	start, err := boot.Start.Bytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(disk.MiB), start)
	length, err := boot.Length.Bytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(512*disk.MiB), length)

	// parted knows nothing about LUKS, lsblk does
	root := sda.Partitions[1]
	assert.Equal(t, disk.FilesystemCryptoLUKS, root.FSType)
	assert.Equal(t, "luks-sda2", root.MapperName)
	assert.Equal(t, disk.FilesystemBtrfs, root.ContentFSType())
	assert.Equal(t, []string{"/mnt", "/mnt/home"}, root.Mountpoints)
	assert.Equal(t, []disk.SubvolumeInfo{
		{Name: "@", Mountpoint: "/mnt"},
		{Name: "@home", Mountpoint: "/mnt/home"},
		{Name: "@log"},
	}, root.BtrfsSubvolumes)

	sdb := devices[1]
	assert.Equal(t, uint64(4096), sdb.SectorSize())
	assert.Equal(t, disk.PartitionTableMBR, sdb.Info.PartitionTable)
	require.Len(t, sdb.Partitions, 1)
	assert.Equal(t, []disk.SubvolumeInfo{{Name: "@"}}, sdb.Partitions[0].BtrfsSubvolumes)
}

func TestInventoryScratchMount(t *testing.T) {
	runner, mounts := newTestSystem(t)
	inv := blockdev.NewInventory(runner, mounts)
	require.NoError(t, inv.Refresh(context.Background()))

	mountCalls := runner.Matching("mount /dev/sdb1 *")
	require.Len(t, mountCalls, 1)
	dir := strings.Fields(mountCalls[0])[2]
	assert.Equal(t, []string{"umount " + dir}, runner.Matching("umount *"))
	assert.NoDirExists(t, dir)

	// mounted filesystems are listed in place
	assert.Empty(t, runner.Matching("mount /dev/mapper/luks-sda2 *"))
}

func TestInventoryLookups(t *testing.T) {
	runner, mounts := newTestSystem(t)
	inv := blockdev.NewInventory(runner, mounts)
	require.NoError(t, inv.Refresh(context.Background()))

	assert := assert.New(t)

	assert.Equal("/dev/sda", inv.ParentDevice("/dev/sda2").Path())
	assert.Nil(inv.ParentDevice("/dev/sdc1"))
	assert.Equal(2, inv.FindPartition("/dev/sda2").Number)
	assert.Nil(inv.FindPartition("/dev/sda"))
	assert.NotNil(inv.Device("/dev/sdb"))

	uuid, ok := inv.UUIDForPath("/dev/sda1")
	assert.True(ok)
	assert.Equal("1f0e7a52-01", uuid)
	_, ok = inv.UUIDForPath("/dev/sdz9")
	assert.False(ok)

	var dump map[string]*disk.BDevice
	assert.NoError(json.Unmarshal([]byte(inv.DiskLayouts()), &dump))
	assert.Contains(dump, "/dev/sda")
	assert.Equal("luks-sda2", dump["/dev/sda"].Partitions[1].MapperName)
}

func TestInventorySubvolumeListFailure(t *testing.T) {
	runner, mounts := newTestSystem(t)
	runner.Fail("btrfs subvolume list /mnt", 1, "ERROR: not a btrfs filesystem")

	inv := blockdev.NewInventory(runner, mounts)
	require.NoError(t, inv.Refresh(context.Background()))
	assert.Empty(t, inv.FindPartition("/dev/sda2").BtrfsSubvolumes)
}

func TestInventoryErrors(t *testing.T) {
	t.Run("undecodable", func(t *testing.T) {
		runner := commandtest.New()
		runner.Output("lsblk *", "{not json")

		inv := blockdev.NewInventory(runner, blockdev.NewMountList())
		assert.NoError(t, inv.Refresh(context.Background()))
		assert.Empty(t, inv.Devices())
	})

	t.Run("lsblk-fails", func(t *testing.T) {
		runner := commandtest.New()
		runner.Fail("lsblk *", 32, "lsblk: failed to access sysfs directory")

		inv := blockdev.NewInventory(runner, blockdev.NewMountList())
		err := inv.Refresh(context.Background())
		var diskErr *disk.DiskError
		require.True(t, errors.As(err, &diskErr))
		assert.Contains(t, err.Error(), "failed to access sysfs")
	})
}

func TestQueryPartition(t *testing.T) {
	runner := commandtest.New()
	runner.On("lsblk *", func(cmd command.Cmd) (*command.Result, error) {
		path := cmd.Args[len(cmd.Args)-1]
		out := `{"blockdevices": [{"name": "vda3", "path": "` + path + `", "type": "part", "size": 1048576, "partuuid": "c0ffee-03"}]}`
		return &command.Result{Stdout: []byte(out)}, nil
	})

	inv := blockdev.NewInventory(runner, blockdev.NewMountList())
	info, err := inv.QueryPartition(context.Background(), "/dev/vda3")
	require.NoError(t, err)
	assert.Equal(t, "c0ffee-03", info.PartUUID)
	assert.Equal(t, "/dev/vda3", info.Path)
}
