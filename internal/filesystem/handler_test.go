package filesystem

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/disk-installer/internal/device/devicetest"
	"github.com/osbuild/disk-installer/internal/disk"
	"github.com/osbuild/disk-installer/internal/layout"
)

// 100 GiB in 512 byte sectors
const diskSectors = 209715200

type recordingProgress struct {
	descriptions []string
	done         int
}

func (p *recordingProgress) Describe(description string) {
	p.descriptions = append(p.descriptions, description)
}

func (p *recordingProgress) Add(n int) error {
	p.done += n
	return nil
}

type answer struct {
	abort bool
	asked int
}

func (a *answer) ConfirmAbort(string) (bool, error) {
	a.asked++
	return a.abort, nil
}

// mockSignals makes the countdown see an interrupt, or none, and reports
// whether the countdown was started at all.
func mockSignals(t *testing.T, interrupt bool) *bool {
	started := false
	origNotify, origStop, origTick := notifySignals, stopSignals, countdownTick
	notifySignals = func(c chan<- os.Signal, sig ...os.Signal) {
		started = true
		if interrupt {
			c <- os.Interrupt
		}
	}
	stopSignals = func(c chan<- os.Signal) {}
	countdownTick = time.Millisecond
	t.Cleanup(func() {
		notifySignals, stopSignals, countdownTick = origNotify, origStop, origTick
	})
	return &started
}

func suggested(t *testing.T, sys *devicetest.System, fs disk.FilesystemType, opts layout.Options) (*Handler, string) {
	path := sys.AddDisk("vda", diskSectors, "")
	dev := sys.Handler()

	mod, err := layout.SuggestSingleDisk(dev.Inventory().Device(path), fs, opts)
	require.NoError(t, err)
	config := &disk.LayoutConfiguration{
		Type:                disk.LayoutTypeDefault,
		DeviceModifications: []*disk.DeviceModification{mod},
	}

	h := NewHandler(dev, config, nil)
	h.UEFI = opts.UEFI
	h.Out = &bytes.Buffer{}
	return h, path
}

func TestPerformFilesystemOperations(t *testing.T) {
	sys := devicetest.NewSystem(t)
	h, path := suggested(t, sys, disk.FilesystemBtrfs, layout.Options{UEFI: true, UseSubvolumes: true, Compress: true})
	progress := &recordingProgress{}
	h.Progress = progress

	require.NoError(t, h.PerformFilesystemOperations(context.Background(), false))

	assert.Equal(t, []string{"parted -s " + path + " mklabel gpt"}, sys.Runner.Matching("parted -s * mklabel *"))
	assert.Equal(t, []string{
		"mkfs.fat -F32 " + path + "1",
		"mkfs.btrfs -f " + path + "2",
	}, sys.Runner.Matching("mkfs*"))
	assert.Len(t, sys.Runner.Matching("btrfs subvolume create *"), 5)
	assert.Len(t, sys.Runner.Matching("chattr +c *"), 5)
	assert.Empty(t, sys.Runner.Matching("cryptsetup *"))

	assert.Equal(t, []string{
		"Partitioning " + path,
		"Formatting " + path,
		"Creating subvolumes on " + path + "2",
	}, progress.descriptions)
	assert.Equal(t, h.Steps(), progress.done)
}

func TestPerformFilesystemOperationsBIOS(t *testing.T) {
	sys := devicetest.NewSystem(t)
	h, path := suggested(t, sys, disk.FilesystemExt4, layout.Options{SeparateHome: true})

	require.NoError(t, h.PerformFilesystemOperations(context.Background(), false))

	assert.Equal(t, []string{"parted -s " + path + " mklabel msdos"}, sys.Runner.Matching("parted -s * mklabel *"))
	assert.Equal(t, []string{
		"mkfs.fat -F32 " + path + "1",
		"mkfs.ext4 -F " + path + "2",
		"mkfs.ext4 -F " + path + "3",
	}, sys.Runner.Matching("mkfs*"))
	assert.Empty(t, sys.Runner.Matching("btrfs subvolume create *"))
	assert.Equal(t, 2, h.Steps())
}

func TestPerformFilesystemOperationsFido2(t *testing.T) {
	sys := devicetest.NewSystem(t)
	h, path := suggested(t, sys, disk.FilesystemExt4, layout.Options{UEFI: true})
	root := h.layout.DeviceModifications[0].Partitions[1]
	h.enc = &disk.DiskEncryption{
		EncryptionType: disk.EncryptionTypePartition,
		Password:       "secret",
		Partitions:     []*disk.PartitionModification{root},
		HSMDevice:      &disk.Fido2Device{Path: "/dev/hidraw0"},
	}

	require.NoError(t, h.PerformFilesystemOperations(context.Background(), false))

	assert.Contains(t, sys.Runner.CommandLines(), "mkfs.ext4 -F /dev/mapper/luks-vda2")
	assert.Equal(t, []string{"systemd-cryptenroll --fido2-device=/dev/hidraw0 " + path + "2"},
		sys.Runner.Matching("systemd-cryptenroll *"))
	for _, c := range sys.Runner.Calls() {
		if c.Name == "systemd-cryptenroll" {
			assert.Equal(t, []string{"PASSWORD=secret"}, c.Env)
		}
	}
	assert.Equal(t, 3, h.Steps())
}

func TestPerformFilesystemOperationsPreMounted(t *testing.T) {
	sys := devicetest.NewSystem(t)
	h := NewHandler(sys.Handler(), &disk.LayoutConfiguration{
		Type:               disk.LayoutTypePreMounted,
		RelativeMountpoint: "/mnt",
	}, nil)
	calls := len(sys.Runner.Calls())

	require.NoError(t, h.PerformFilesystemOperations(context.Background(), true))
	require.NoError(t, h.MountOrderedLayout(context.Background(), "/mnt"))
	assert.Len(t, sys.Runner.Calls(), calls)
	assert.Equal(t, 0, h.Steps())
}

func TestPerformFilesystemOperationsInvalid(t *testing.T) {
	started := mockSignals(t, false)
	sys := devicetest.NewSystem(t)
	h, _ := suggested(t, sys, disk.FilesystemExt4, layout.Options{})
	mod := h.layout.DeviceModifications[0]
	for i := 0; i < 2; i++ {
		mod.AddPartition(disk.NewPartitionModification(disk.StatusCreate, disk.NewSize(float64(50+i), disk.UnitGiB, 512),
			disk.NewSize(1, disk.UnitGiB, 512), disk.FilesystemExt4, ""))
	}

	err := h.PerformFilesystemOperations(context.Background(), true)
	var verr *disk.ValidationError
	require.True(t, errors.As(err, &verr), "expected a validation error, got %v", err)
	assert.False(t, *started, "countdown must not start for an invalid layout")
	assert.Empty(t, sys.Runner.Matching("parted -s *"))
}

func TestCountdown(t *testing.T) {
	type testCase struct {
		interrupt bool
		abort     bool
		asked     int
		err       error
	}

	testCases := map[string]testCase{
		"uninterrupted":     {},
		"interrupted-go-on": {interrupt: true, asked: 1},
		"interrupted-abort": {interrupt: true, abort: true, asked: 1, err: ErrAborted},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			mockSignals(t, tc.interrupt)
			sys := devicetest.NewSystem(t)
			h, _ := suggested(t, sys, disk.FilesystemExt4, layout.Options{UEFI: true})
			h.Countdown = 3
			prompter := &answer{abort: tc.abort}
			h.Prompter = prompter

			err := h.PerformFilesystemOperations(context.Background(), true)
			assert.Equal(t, tc.asked, prompter.asked)
			assert.Contains(t, h.Out.(*bytes.Buffer).String(), "3...2...1...")
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				assert.Empty(t, sys.Runner.Matching("parted -s *"))
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, sys.Runner.Matching("parted -s *"))
		})
	}
}

func TestCountdownCancelled(t *testing.T) {
	mockSignals(t, false)
	sys := devicetest.NewSystem(t)
	h, _ := suggested(t, sys, disk.FilesystemExt4, layout.Options{UEFI: true})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.PerformFilesystemOperations(ctx, true)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sys.Runner.Matching("parted -s *"))
}

func TestMountOrderedLayout(t *testing.T) {
	sys := devicetest.NewSystem(t)
	dev := sys.Handler()
	target := filepath.Join(sys.Dir, "target")

	boot := disk.NewPartitionModification(disk.StatusExist, disk.NewSize(1, disk.UnitMiB, 512), disk.NewSize(512, disk.UnitMiB, 512), disk.FilesystemFat32, "/boot")
	boot.DevPath = "/dev/vda1"
	root := disk.NewPartitionModification(disk.StatusExist, disk.NewSize(513, disk.UnitMiB, 512), disk.NewSize(20, disk.UnitGiB, 512), disk.FilesystemBtrfs, "")
	root.DevPath = "/dev/vda2"
	root.MountOptions = []string{"compress=zstd"}
	root.Btrfs = []disk.SubvolumeModification{
		{Name: "@log", Mountpoint: "/var/log"},
		{Name: "@home", Mountpoint: "/home"},
		{Name: "@", Mountpoint: "/"},
		{Name: "@unmounted"},
	}
	gone := disk.NewPartitionModification(disk.StatusDelete, disk.NewSize(21, disk.UnitGiB, 512), disk.NewSize(1, disk.UnitGiB, 512), disk.FilesystemExt4, "/srv")
	gone.DevPath = "/dev/vda3"

	mod := &disk.DeviceModification{
		Device:     &disk.BDevice{Info: disk.DeviceInfo{Path: "/dev/vda"}},
		Partitions: []*disk.PartitionModification{boot, root, gone},
	}
	config := &disk.LayoutConfiguration{Type: disk.LayoutTypeManual, DeviceModifications: []*disk.DeviceModification{mod}}
	enc := &disk.DiskEncryption{
		EncryptionType: disk.EncryptionTypePartition,
		Password:       "secret",
		Partitions:     []*disk.PartitionModification{root},
	}
	h := NewHandler(dev, config, enc)

	require.NoError(t, h.MountOrderedLayout(context.Background(), target))

	expected := []string{
		"mount -t btrfs -o subvol=@,compress=zstd /dev/mapper/luks-vda2 " + target,
		"mount -t vfat /dev/vda1 " + target + "/boot",
		"mount -t btrfs -o subvol=@home,compress=zstd /dev/mapper/luks-vda2 " + target + "/home",
		"mount -t btrfs -o subvol=@log,compress=zstd /dev/mapper/luks-vda2 " + target + "/var/log",
	}
	assert.Equal(t, expected, sys.Runner.Matching("mount *"))
	assert.Equal(t, []string{"luks-vda2"}, sys.Mappers())
	assert.DirExists(t, filepath.Join(target, "var", "log"))

	// everything is mounted already
	require.NoError(t, h.MountOrderedLayout(context.Background(), target))
	assert.Equal(t, expected, sys.Runner.Matching("mount *"))
	assert.Len(t, sys.Runner.Matching("cryptsetup open *"), 1)
}

func TestMountOrderedLayoutUnpartitioned(t *testing.T) {
	sys := devicetest.NewSystem(t)
	root := disk.NewPartitionModification(disk.StatusCreate, disk.NewSize(1, disk.UnitMiB, 512), disk.NewSize(20, disk.UnitGiB, 512), disk.FilesystemExt4, "/")
	mod := &disk.DeviceModification{
		Device:     &disk.BDevice{Info: disk.DeviceInfo{Path: "/dev/vda"}},
		Partitions: []*disk.PartitionModification{root},
	}
	h := NewHandler(sys.Handler(), &disk.LayoutConfiguration{Type: disk.LayoutTypeDefault, DeviceModifications: []*disk.DeviceModification{mod}}, nil)

	err := h.MountOrderedLayout(context.Background(), filepath.Join(sys.Dir, "target"))
	var verr *disk.ValidationError
	require.True(t, errors.As(err, &verr), "expected a validation error, got %v", err)
	assert.Empty(t, sys.Runner.Matching("mount *"))
}
