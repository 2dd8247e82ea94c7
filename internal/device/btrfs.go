package device

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/disk-installer/internal/blockdev"
	"github.com/osbuild/disk-installer/internal/disk"
)

// CreateBtrfsVolumes creates the subvolumes of an already formatted btrfs
// partition on a scratch mount. Encrypted partitions are unlocked for this
// and locked again afterwards.
func (h *Handler) CreateBtrfsVolumes(ctx context.Context, p *disk.PartitionModification, enc *disk.DiskEncryption) (err error) {
	if p.FSType != disk.FilesystemBtrfs {
		return disk.NewValidationError("cannot create subvolumes on %s partition %s", p.FSType, p.DevPath)
	}
	if p.DevPath == "" {
		return disk.NewValidationError("partition %s has no device path", p.ObjID)
	}

	logger := logrus.WithField("device", p.DevPath)
	logger.Info("Creating subvolumes")

	source := p.DevPath
	if enc.ShouldEncrypt(p) {
		l, err := h.UnlockLuks2Dev(ctx, p.DevPath, p.MapperName(), enc.Password)
		if err != nil {
			return err
		}
		defer func() {
			if lockErr := l.Lock(ctx); lockErr != nil {
				err = multierror.Append(err, lockErr).ErrorOrNil()
			}
		}()
		source = l.MapperDev()
	}

	err = blockdev.WithScratchMount(ctx, h.runner, source, nil, func(dir string) error {
		for _, sv := range p.Btrfs {
			path := filepath.Join(dir, sv.Name)
			logrus.Debugf("Creating subvolume %s", sv.Name)
			if _, err := h.run(ctx, fmt.Sprintf("could not create subvolume %s", sv.Name),
				"btrfs", "subvolume", "create", path); err != nil {
				return err
			}
			if sv.Nodatacow {
				if _, err := h.run(ctx, fmt.Sprintf("could not set nodatacow attribute at %s", path),
					"chattr", "+C", path); err != nil {
					return err
				}
			}
			if sv.Compress {
				if _, err := h.run(ctx, fmt.Sprintf("could not set compress attribute at %s", path),
					"chattr", "+c", path); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger.Infof("Created %d subvolumes", len(p.Btrfs))
	return nil
}
