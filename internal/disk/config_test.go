package disk_test

import (
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osbuild/disk-installer/internal/disk"
)

type deviceMap map[string]*disk.BDevice

func (m deviceMap) Device(path string) *disk.BDevice {
	return m[path]
}

func testDevices() deviceMap {
	devices := deviceMap{}
	for path, size := range map[string]uint64{"/dev/sda": 100 * disk.GiB, "/dev/sdb": 50 * disk.GiB} {
		devices[path] = &disk.BDevice{
			Info: disk.DeviceInfo{
				Path:       path,
				TotalSize:  disk.NewSize(float64(size), disk.UnitBytes, 512),
				SectorSize: 512,
			},
		}
	}
	return devices
}

func readTestdata(t *testing.T, name string) []byte {
	data, err := os.ReadFile("testdata/" + name)
	require.NoError(t, err)
	return data
}

func TestParseLayoutConfiguration(t *testing.T) {
	config, err := disk.ParseLayoutConfiguration(readTestdata(t, "layout.json"), testDevices())
	require.NoError(t, err)

	assert.Equal(t, disk.LayoutTypeDefault, config.Type)
	require.Len(t, config.DeviceModifications, 1)

	mod := config.DeviceModifications[0]
	assert.Equal(t, "/dev/sda", mod.DevicePath())
	assert.True(t, mod.Wipe)
	require.Len(t, mod.Partitions, 2)

	boot := mod.Partitions[0]
	assert.Equal(t, "boot", boot.ObjID)
	assert.Equal(t, disk.FilesystemFat32, boot.FSType)
	assert.True(t, boot.IsBoot())
	assert.Equal(t, uint64(512), boot.Start.SectorSize)

	root := mod.Partitions[1]
	assert.Equal(t, disk.FilesystemBtrfs, root.FSType)
	assert.Equal(t, []string{"compress=zstd"}, root.MountOptions)
	// percentages resolve against the partition's own device
	length, err := root.Length.Bytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(100*disk.GiB), length)
	// legacy name to mountpoint form, entries without a name are dropped
	assert.Equal(t, []disk.SubvolumeModification{
		{Name: "@", Mountpoint: "/"},
		{Name: "@home", Mountpoint: "/home"},
	}, root.Btrfs)
}

func TestParseLayoutConfigurationYAML(t *testing.T) {
	config, err := disk.ParseLayoutConfiguration(readTestdata(t, "layout.yaml"), testDevices())
	require.NoError(t, err)

	assert.Equal(t, disk.LayoutTypeManual, config.Type)
	part := config.DeviceModifications[0].Partitions[0]
	assert.True(t, part.Exists())
	assert.Equal(t, "/dev/sdb1", part.DevPath)
	assert.Equal(t, []disk.SubvolumeModification{{Name: "@", Mountpoint: "/"}}, part.Btrfs)

	start, err := part.Start.Bytes()
	require.NoError(t, err)
	assert.Equal(t, uint64(disk.MiB), start)
}

func TestParseLayoutConfigurationErrors(t *testing.T) {
	type testCase struct {
		document string
	}

	testCases := map[string]testCase{
		"unknown-device": {
			document: `{"layout_type": "default_layout", "device_modifications": [{"device": "/dev/sdz", "wipe": true, "partitions": []}]}`,
		},
		"unknown-layout-type": {
			document: `{"layout_type": "everything", "device_modifications": []}`,
		},
		"exist-without-path": {
			document: `{"layout_type": "manual_partitioning", "device_modifications": [{"device": "/dev/sda", "partitions": [{"status": "exist", "start": {"value": 1, "unit": "MiB"}, "length": {"value": 1, "unit": "GiB"}, "fs_type": "ext4"}]}]}`,
		},
		"bad-unit": {
			document: `{"layout_type": "manual_partitioning", "device_modifications": [{"device": "/dev/sda", "partitions": [{"status": "create", "start": {"value": 1, "unit": "furlong"}, "length": {"value": 1, "unit": "GiB"}, "fs_type": "ext4"}]}]}`,
		},
		"pre-mounted-without-root": {
			document: `{"layout_type": "pre_mounted_config", "device_modifications": []}`,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := disk.ParseLayoutConfiguration([]byte(tc.document), testDevices())
			var verr *disk.ValidationError
			assert.True(t, errors.As(err, &verr), "expected a validation error, got %v", err)
		})
	}

	_, err := disk.ParseLayoutConfiguration([]byte(`{"layout_type": [`), testDevices())
	assert.Error(t, err)
}

func TestLayoutConfigurationRoundTrip(t *testing.T) {
	config, err := disk.ParseLayoutConfiguration(readTestdata(t, "layout.json"), testDevices())
	require.NoError(t, err)

	// the device handler fills in the realized path of created partitions
	config.DeviceModifications[0].Partitions[0].DevPath = "/dev/sda1"

	data, err := json.Marshal(config)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "/dev/sda1")

	reloaded, err := disk.ParseLayoutConfiguration(data, testDevices())
	require.NoError(t, err)
	assert.Equal(t, config.DeviceModifications[0].Partitions[1].Btrfs, reloaded.DeviceModifications[0].Partitions[1].Btrfs)
	assert.Equal(t, "boot", reloaded.DeviceModifications[0].Partitions[0].ObjID)
}

func TestParseDiskEncryption(t *testing.T) {
	config, err := disk.ParseLayoutConfiguration(readTestdata(t, "layout.json"), testDevices())
	require.NoError(t, err)

	enc, err := disk.ParseDiskEncryption(readTestdata(t, "encryption.json"), config)
	require.NoError(t, err)

	assert.Equal(t, disk.EncryptionTypePartition, enc.EncryptionType)
	assert.Equal(t, "hunter2", enc.Password)
	require.Len(t, enc.Partitions, 1)
	assert.Same(t, config.DeviceModifications[0].Partitions[1], enc.Partitions[0])
	assert.Equal(t, &disk.Fido2Device{Path: "/dev/hidraw0", Manufacturer: "Yubico", Product: "YubiKey"}, enc.HSMDevice)

	data, err := json.Marshal(enc)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"encryption_type": "partition",
		"encryption_password": "hunter2",
		"partitions": ["root"],
		"hsm_device": {"path": "/dev/hidraw0", "manufacturer": "Yubico", "product": "YubiKey"}
	}`, string(data))

	_, err = disk.ParseDiskEncryption([]byte(`{"encryption_password": "x", "partitions": ["nope"]}`), config)
	var verr *disk.ValidationError
	assert.True(t, errors.As(err, &verr))
}
