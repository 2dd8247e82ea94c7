package device_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/disk-installer/internal/blockdev"
	"github.com/osbuild/disk-installer/internal/device/devicetest"
	"github.com/osbuild/disk-installer/internal/disk"
)

func btrfsPartition(devPath string) *disk.PartitionModification {
	p := disk.NewPartitionModification(disk.StatusCreate, mib(513), mib(20480), disk.FilesystemBtrfs, "")
	p.DevPath = devPath
	p.Btrfs = []disk.SubvolumeModification{
		{Name: "@", Mountpoint: "/"},
		{Name: "@home", Mountpoint: "/home", Compress: true},
		{Name: "@log", Mountpoint: "/var/log", Nodatacow: true},
	}
	return p
}

// scratchDir returns the directory the single scratch mount of the test was
// made on.
func scratchDir(t *testing.T, sys *devicetest.System) string {
	var dirs []string
	for _, c := range sys.Runner.Calls() {
		if c.Name == "mount" {
			dirs = append(dirs, c.Args[len(c.Args)-1])
		}
	}
	require.Len(t, dirs, 1)
	return dirs[0]
}

func subvolumeCommands(sys *devicetest.System) []string {
	var lines []string
	for _, line := range sys.Runner.CommandLines() {
		if strings.HasPrefix(line, "btrfs ") || strings.HasPrefix(line, "chattr ") {
			lines = append(lines, line)
		}
	}
	return lines
}

func assertScratchCleaned(t *testing.T, sys *devicetest.System) {
	entries, err := os.ReadDir(blockdev.ScratchDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	mounts, err := sys.Mounts.Mounts(nil)
	require.NoError(t, err)
	assert.Empty(t, mounts)
}

func TestCreateBtrfsVolumes(t *testing.T) {
	sys := devicetest.NewSystem(t)
	h := sys.Handler()
	p := btrfsPartition("/dev/vda2")

	require.NoError(t, h.CreateBtrfsVolumes(context.Background(), p, nil))

	dir := scratchDir(t, sys)
	assert.Equal(t, blockdev.ScratchDir, filepath.Dir(dir))
	assert.Equal(t, []string{"mount /dev/vda2 " + dir}, sys.Runner.Matching("mount *"))
	assert.Equal(t, []string{
		"btrfs subvolume create " + dir + "/@",
		"btrfs subvolume create " + dir + "/@home",
		"chattr +c " + dir + "/@home",
		"btrfs subvolume create " + dir + "/@log",
		"chattr +C " + dir + "/@log",
	}, subvolumeCommands(sys))
	assert.Equal(t, []string{"umount " + dir}, sys.Runner.Matching("umount *"))
	assert.Empty(t, sys.Runner.Matching("cryptsetup *"))
	assertScratchCleaned(t, sys)
}

func TestCreateBtrfsVolumesEncrypted(t *testing.T) {
	sys := devicetest.NewSystem(t)
	h := sys.Handler()
	p := btrfsPartition("/dev/vda2")
	enc := &disk.DiskEncryption{
		EncryptionType: disk.EncryptionTypePartition,
		Password:       "secret",
		Partitions:     []*disk.PartitionModification{p},
	}

	require.NoError(t, h.CreateBtrfsVolumes(context.Background(), p, enc))

	dir := scratchDir(t, sys)
	assert.Equal(t, []string{"mount /dev/mapper/luks-vda2 " + dir}, sys.Runner.Matching("mount *"))
	assert.Equal(t, []string{
		"cryptsetup status luks-vda2",
		"cryptsetup open --type luks2 --key-file - /dev/vda2 luks-vda2",
		"cryptsetup status luks-vda2",
		"cryptsetup status luks-vda2",
		"cryptsetup close luks-vda2",
	}, sys.Runner.Matching("cryptsetup *"))
	assert.Empty(t, sys.Mappers())
	assertScratchCleaned(t, sys)
}

func TestCreateBtrfsVolumesFailure(t *testing.T) {
	sys := devicetest.NewSystem(t)
	h := sys.Handler()
	sys.Runner.Fail("chattr *", 1, "chattr: Operation not supported while setting flags")

	err := h.CreateBtrfsVolumes(context.Background(), btrfsPartition("/dev/vda2"), nil)
	var diskErr *disk.DiskError
	require.True(t, errors.As(err, &diskErr), "expected a disk error, got %v", err)
	assert.Contains(t, diskErr.Output, "Operation not supported")

	// the scratch mount is taken down also on failure
	assert.Len(t, sys.Runner.Matching("umount *"), 1)
	assertScratchCleaned(t, sys)
}

func TestCreateBtrfsVolumesRejected(t *testing.T) {
	sys := devicetest.NewSystem(t)
	h := sys.Handler()

	ext4 := btrfsPartition("/dev/vda2")
	ext4.FSType = disk.FilesystemExt4
	unpartitioned := btrfsPartition("")

	for _, p := range []*disk.PartitionModification{ext4, unpartitioned} {
		err := h.CreateBtrfsVolumes(context.Background(), p, nil)
		var verr *disk.ValidationError
		assert.True(t, errors.As(err, &verr), "expected a validation error, got %v", err)
	}
	assert.Empty(t, sys.Runner.Matching("mount *"))
}
