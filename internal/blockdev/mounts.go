package blockdev

import (
	"path/filepath"
	"sort"
	"sync"

	"github.com/moby/sys/mountinfo"

	"github.com/osbuild/disk-installer/internal/common"
)

// MountTable gives access to the mounts of the current mount namespace.
type MountTable interface {
	Mounts(filter mountinfo.FilterFunc) ([]*mountinfo.Info, error)
}

type systemMountTable struct{}

func (systemMountTable) Mounts(filter mountinfo.FilterFunc) ([]*mountinfo.Info, error) {
	return mountinfo.GetMounts(filter)
}

// SystemMountTable reads /proc/self/mountinfo.
var SystemMountTable MountTable = systemMountTable{}

// MountList is a MountTable over a fixed list of entries that can be changed
// at runtime.
type MountList struct {
	mu      sync.Mutex
	entries []*mountinfo.Info
}

func NewMountList(entries ...*mountinfo.Info) *MountList {
	return &MountList{entries: entries}
}

func (l *MountList) Add(source, mountpoint, fstype, root string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, &mountinfo.Info{
		Source:     source,
		Mountpoint: mountpoint,
		FSType:     fstype,
		Root:       root,
	})
}

// Remove drops every entry mounted at mountpoint or below it.
func (l *MountList) Remove(mountpoint string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0]
	for _, e := range l.entries {
		if common.IsSubpath(e.Mountpoint, mountpoint) {
			continue
		}
		kept = append(kept, e)
	}
	l.entries = kept
}

func (l *MountList) Mounts(filter mountinfo.FilterFunc) ([]*mountinfo.Info, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*mountinfo.Info
	for _, e := range l.entries {
		skip, stop := false, false
		if filter != nil {
			skip, stop = filter(e)
		}
		if !skip {
			out = append(out, e)
		}
		if stop {
			break
		}
	}
	return out, nil
}

// sourceFilter selects the mounts of one source device.
func sourceFilter(source string) mountinfo.FilterFunc {
	return func(info *mountinfo.Info) (skip, stop bool) {
		return info.Source != source, false
	}
}

// MountsOf returns the mounts whose source is the given device.
func MountsOf(table MountTable, source string) ([]*mountinfo.Info, error) {
	return table.Mounts(sourceFilter(source))
}

// mountpointFilter keeps every entry mounted on target, including those
// stacked on top of each other.
func mountpointFilter(target string) mountinfo.FilterFunc {
	return func(m *mountinfo.Info) (skip, stop bool) {
		return m.Mountpoint != target, false
	}
}

// IsMountedAt reports whether source is mounted on target, whether or not
// it is the topmost mount there.
func IsMountedAt(table MountTable, source, target string) (bool, error) {
	target = filepath.Clean(target)
	mounts, err := table.Mounts(mountpointFilter(target))
	if err != nil {
		return false, err
	}
	for _, m := range mounts {
		if m.Source == source {
			return true, nil
		}
	}
	return false, nil
}

// Mountpoints returns the mountpoints of path, which may be either a mount
// source or a mountpoint itself, deepest first so that they can be
// unmounted in order.
func Mountpoints(table MountTable, path string) ([]string, error) {
	clean := filepath.Clean(path)
	mounts, err := table.Mounts(func(info *mountinfo.Info) (skip, stop bool) {
		return info.Source != path && info.Mountpoint != clean, false
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var mountpoints []string
	for _, m := range mounts {
		if !seen[m.Mountpoint] {
			seen[m.Mountpoint] = true
			mountpoints = append(mountpoints, m.Mountpoint)
		}
	}
	sort.Slice(mountpoints, func(i, j int) bool {
		return len(mountpoints[i]) > len(mountpoints[j])
	})
	return mountpoints, nil
}

// IsMountpoint reports whether anything is mounted on path.
func IsMountpoint(table MountTable, path string) (bool, error) {
	mounts, err := table.Mounts(mountinfo.SingleEntryFilter(filepath.Clean(path)))
	if err != nil {
		return false, err
	}
	return len(mounts) > 0, nil
}
