package disk

import (
	"fmt"
	"path"
	"strings"
)

type PathPolicy struct {
	Deny  bool // explicitly do not allow this entry
	Exact bool // require and exact match, no subdirs
}

// PathPolicies maps directories to the policy for them and everything
// below them. The deepest matching entry applies.
type PathPolicies struct {
	entries map[string]PathPolicy
}

func NewPathPolicies(entries map[string]PathPolicy) *PathPolicies {
	pol := &PathPolicies{entries: make(map[string]PathPolicy, len(entries)+1)}
	pol.entries["/"] = PathPolicy{}
	for k, v := range entries {
		pol.entries[path.Clean(k)] = v
	}
	return pol
}

// lookup returns the policy of the deepest entry containing dir and the
// number of path components of dir below that entry.
func (pol *PathPolicies) lookup(dir string) (PathPolicy, int) {
	left := 0
	for p := dir; ; p = path.Dir(p) {
		if policy, ok := pol.entries[p]; ok {
			return policy, left
		}
		left++
	}
}

// Check a given path at dir against the PathPolicies
func (pol *PathPolicies) Check(dir string) error {
	// Quickly check we have a mountpoint and it is absolute
	if dir == "" || dir[0] != '/' {
		return fmt.Errorf("mountpoint %q must be an absolute path", dir)
	}

	// ensure that only clean mountpoints are valid
	if dir != path.Clean(dir) || strings.Contains(dir, "//") {
		return fmt.Errorf("mountpoint %q must be a canonical path", dir)
	}

	policy, left := pol.lookup(dir)

	// 1) path is explicitly not allowed or
	// 2) a subpath was match but an explicit match is required
	if policy.Deny || (policy.Exact && left > 0) {
		return fmt.Errorf("mountpoint %q is not allowed", dir)
	}

	// exact match or recursive mountpoints allowed
	return nil
}

// MountpointPolicies guards the mountpoints of partitions and subvolumes.
// The API filesystems of a running system cannot be backed by a partition.
var MountpointPolicies = NewPathPolicies(map[string]PathPolicy{
	"/dev":  {Deny: true},
	"/proc": {Deny: true},
	"/run":  {Deny: true},
	"/sys":  {Deny: true},
})
