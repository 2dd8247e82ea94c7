package common

import (
	"path/filepath"
	"strings"
)

// IsSubpath reports whether path is base itself or lies below it. Both
// paths are compared lexically.
func IsSubpath(path, base string) bool {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, "../"))
}

// PathDepth is the number of components of an absolute path; "/" has depth
// zero.
func PathDepth(path string) int {
	clean := filepath.Clean("/" + path)
	if clean == "/" {
		return 0
	}
	return strings.Count(clean, "/")
}
