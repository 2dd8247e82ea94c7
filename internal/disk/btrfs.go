package disk

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
)

// SubvolumeModification is a btrfs subvolume to be created on a partition.
type SubvolumeModification struct {
	Name       string `json:"name"`
	Mountpoint string `json:"mountpoint"`
	Compress   bool   `json:"compress"`
	Nodatacow  bool   `json:"nodatacow"`
}

// MountOptions returns the options needed to mount this subvolume.
func (sv SubvolumeModification) MountOptions() []string {
	return []string{fmt.Sprintf("subvol=%s", sv.Name)}
}

// IsRoot reports whether the subvolume is mounted at the root of the
// installation.
func (sv SubvolumeModification) IsRoot() bool {
	return path.Clean(sv.Mountpoint) == "/"
}

// SubvolumeInfo is an existing subvolume as listed by `btrfs subvolume list`.
type SubvolumeInfo struct {
	Name       string `json:"name"`
	Mountpoint string `json:"mountpoint,omitempty"`
}

// parseSubvolumes accepts either a list of subvolume objects or the legacy
// map from subvolume name to mountpoint. Entries without a name or a
// mountpoint are skipped.
func parseSubvolumes(data json.RawMessage) ([]SubvolumeModification, error) {
	if len(data) == 0 || string(data) == "null" {
		return nil, nil
	}

	var list []SubvolumeModification
	if err := json.Unmarshal(data, &list); err == nil {
		subvolumes := make([]SubvolumeModification, 0, len(list))
		for _, sv := range list {
			if sv.Name == "" || sv.Mountpoint == "" {
				continue
			}
			subvolumes = append(subvolumes, sv)
		}
		return subvolumes, nil
	}

	var legacy map[string]string
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("btrfs subvolumes must be a list or a name to mountpoint map: %w", err)
	}
	subvolumes := make([]SubvolumeModification, 0, len(legacy))
	for name, mountpoint := range legacy {
		if name == "" || mountpoint == "" {
			continue
		}
		subvolumes = append(subvolumes, SubvolumeModification{Name: name, Mountpoint: mountpoint})
	}
	// map order is random
	sort.Slice(subvolumes, func(i, j int) bool {
		return subvolumes[i].Name < subvolumes[j].Name
	})
	return subvolumes, nil
}
