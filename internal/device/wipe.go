package device

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/osbuild/disk-installer/internal/disk"
)

// wipeSize is the number of bytes zeroed at the start of a device. It
// covers the signatures blkid and friends look for; this is not a secure
// erase.
const wipeSize = 1024

// WipeDev zeroes the start of every partition of device and of the device
// itself so that no stale filesystem or table signatures are found later.
func (h *Handler) WipeDev(device *disk.BDevice) error {
	logger := logrus.WithField("device", device.Path())
	logger.Info("Wiping partitions and metadata")

	for _, part := range device.Partitions {
		if err := wipe(part.Path); err != nil {
			if errors.Is(err, unix.ENOENT) {
				logrus.Debugf("Partition node %s is gone already", part.Path)
				continue
			}
			return err
		}
	}
	if err := wipe(device.Path()); err != nil {
		return err
	}
	logger.Info("Device wiped")
	return nil
}

// wipe zero-fills the first wipeSize bytes of path. The node is opened
// exclusively so that a device still in use is not touched.
func wipe(path string) error {
	fd, err := unix.Open(path, unix.O_WRONLY|unix.O_EXCL|unix.O_CLOEXEC, 0)
	if err != nil {
		return &disk.DiskError{Msg: fmt.Sprintf("could not open %s for wiping", path), Err: err}
	}
	f := os.NewFile(uintptr(fd), path)
	defer f.Close()

	if _, err := f.Write(make([]byte, wipeSize)); err != nil {
		return &disk.DiskError{Msg: fmt.Sprintf("could not wipe %s", path), Err: err}
	}
	if err := unix.Fsync(fd); err != nil {
		return &disk.DiskError{Msg: fmt.Sprintf("could not sync %s", path), Err: err}
	}
	return nil
}
