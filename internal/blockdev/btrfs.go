package blockdev

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/osbuild/disk-installer/internal/command"
	"github.com/osbuild/disk-installer/internal/disk"
)

// ScratchDir is the directory scratch mountpoints are created in; empty
// means the default temporary directory.
var ScratchDir = ""

// WithScratchMount mounts device on a freshly created temporary directory,
// calls fn with it and unmounts and removes the directory afterwards, also
// when fn fails.
func WithScratchMount(ctx context.Context, r command.Runner, device string, options []string, fn func(dir string) error) (err error) {
	dir, err := os.MkdirTemp(ScratchDir, "disk-installer-")
	if err != nil {
		return fmt.Errorf("cannot create scratch mountpoint: %w", err)
	}
	defer func() {
		if rmErr := os.Remove(dir); rmErr != nil {
			err = multierror.Append(err, fmt.Errorf("cannot remove scratch mountpoint %s: %w", dir, rmErr)).ErrorOrNil()
		}
	}()

	args := []string{}
	if len(options) > 0 {
		args = append(args, "-o", strings.Join(options, ","))
	}
	args = append(args, device, dir)
	if _, mountErr := command.Run(ctx, r, "mount", args...); mountErr != nil {
		return &disk.DiskError{
			Msg:    fmt.Sprintf("could not mount %s on scratch mountpoint", device),
			Cmd:    command.New("mount", args...).String(),
			Output: command.OutputOf(mountErr),
			Err:    mountErr,
		}
	}
	defer func() {
		if _, umountErr := command.Run(ctx, r, "umount", dir); umountErr != nil {
			err = multierror.Append(err, &disk.DiskError{
				Msg:    fmt.Sprintf("could not unmount scratch mountpoint of %s", device),
				Cmd:    command.New("umount", dir).String(),
				Output: command.OutputOf(umountErr),
				Err:    umountErr,
			}).ErrorOrNil()
		}
	}()

	return fn(dir)
}

// parseSubvolumeList parses `btrfs subvolume list` output, lines like
// "ID 257 gen 8 top level 5 path @home".
func parseSubvolumeList(out string) []string {
	var names []string
	for _, line := range strings.Split(out, "\n") {
		idx := strings.Index(line, " path ")
		if idx < 0 {
			continue
		}
		if name := strings.TrimSpace(line[idx+len(" path "):]); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// listSubvolumes lists the subvolumes of the btrfs filesystem on source and
// the mountpoints they are currently mounted on. Failures are logged and
// yield no subvolumes.
func listSubvolumes(ctx context.Context, r command.Runner, mounts MountTable, source string) []disk.SubvolumeInfo {
	entries, err := MountsOf(mounts, source)
	if err != nil {
		logrus.Warnf("Could not read mount table for %s: %v", source, err)
		return nil
	}

	// subvolume root as found in mountinfo, e.g. "/@home", to mountpoint
	mountpoints := make(map[string]string)
	for _, e := range entries {
		if _, ok := mountpoints[e.Root]; !ok {
			mountpoints[e.Root] = e.Mountpoint
		}
	}

	list := func(dir string) ([]string, error) {
		res, err := command.Run(ctx, r, "btrfs", "subvolume", "list", dir)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, command.OutputOf(err))
		}
		return parseSubvolumeList(string(res.Stdout)), nil
	}

	var names []string
	if len(entries) > 0 {
		names, err = list(entries[0].Mountpoint)
	} else {
		err = WithScratchMount(ctx, r, source, nil, func(dir string) error {
			var listErr error
			names, listErr = list(dir)
			return listErr
		})
	}
	if err != nil {
		logrus.WithField("device", source).Warnf("Could not list btrfs subvolumes: %v", err)
		return nil
	}

	subvolumes := make([]disk.SubvolumeInfo, 0, len(names))
	for _, name := range names {
		subvolumes = append(subvolumes, disk.SubvolumeInfo{
			Name:       name,
			Mountpoint: mountpoints["/"+name],
		})
	}
	return subvolumes
}
