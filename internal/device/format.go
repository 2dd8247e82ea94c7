package device

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/disk-installer/internal/command"
	"github.com/osbuild/disk-installer/internal/disk"
	"github.com/osbuild/disk-installer/internal/luks"
)

// Format creates the filesystems of all partitions of mod that are created
// or modified. Partitions selected by enc are formatted inside a new LUKS2
// container. Existing partitions are left alone.
func (h *Handler) Format(ctx context.Context, mod *disk.DeviceModification, enc *disk.DiskEncryption) error {
	var targets []*disk.PartitionModification
	for _, p := range mod.Partitions {
		if !p.IsCreateOrModify() {
			continue
		}
		if p.DevPath == "" {
			return disk.NewValidationError("partition %s has no device path, partition the device before formatting it", p.ObjID)
		}
		if _, err := p.FSType.MkfsCommand(p.DevPath); err != nil {
			return err
		}
		targets = append(targets, p)
	}
	if enc != nil && len(enc.Partitions) > 0 && enc.Password == "" {
		return disk.NewValidationError("an encryption password is required")
	}

	if err := h.umountAllExisting(ctx, mod); err != nil {
		return err
	}

	for _, p := range targets {
		var err error
		if enc.ShouldEncrypt(p) {
			err = h.performEncFormatting(ctx, p, enc)
		} else {
			err = h.performFormatting(ctx, p.FSType, p.DevPath)
		}
		if err != nil {
			return err
		}

		info, err := h.inventory.QueryPartition(ctx, p.DevPath)
		if err != nil {
			logrus.Warnf("Could not read the UUID of %s: %v", p.DevPath, err)
			continue
		}
		p.UUID = info.UUID
		if info.PartUUID != "" {
			p.PartUUID = info.PartUUID
		}
	}
	return nil
}

func (h *Handler) performFormatting(ctx context.Context, fs disk.FilesystemType, path string) error {
	argv, err := fs.MkfsCommand(path)
	if err != nil {
		return err
	}

	logger := logrus.WithFields(logrus.Fields{"device": path, "filesystem": fs.String()})
	logger.Info("Formatting filesystem")
	cmd := command.New(argv[0], argv[1:]...)
	if _, err := h.runner.Run(ctx, cmd); err != nil {
		return h.diskError(fmt.Sprintf("could not format %s with %s", path, fs), cmd, err)
	}
	logger.Info("Filesystem created")
	return nil
}

// performEncFormatting formats p inside a new LUKS2 container. The
// container is closed again afterwards, also when formatting fails.
func (h *Handler) performEncFormatting(ctx context.Context, p *disk.PartitionModification, enc *disk.DiskEncryption) (err error) {
	l := luks.New(h.runner, p.DevPath, p.MapperName(), enc.Password)

	if _, err := l.Encrypt(ctx); err != nil {
		return err
	}

	logrus.WithField("device", p.DevPath).Debug("Unlocking luks2 device")
	if err := l.Unlock(ctx); err != nil {
		return err
	}
	defer func() {
		logrus.WithField("device", p.DevPath).Info("Locking luks2 device")
		if lockErr := l.Lock(ctx); lockErr != nil {
			err = multierror.Append(err, lockErr).ErrorOrNil()
		}
	}()

	return h.performFormatting(ctx, p.FSType, l.MapperDev())
}
