package watcher

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Filter decides which vault-relative paths are considered at all. Ignore
// patterns apply to a path and each of its parent folders; include patterns,
// when present, must match the file itself.
type Filter struct {
	Ignore  []string
	Include []string
}

// Ignored reports whether relPath or any of its parents matches an ignore pattern
func (f Filter) Ignored(relPath string) bool {
	for _, pattern := range f.Ignore {
		if matched, err := doublestar.Match(pattern, relPath); err == nil && matched {
			return true
		}

		parts := strings.Split(relPath, "/")
		for i := 1; i < len(parts); i++ {
			if matched, _ := doublestar.Match(pattern, strings.Join(parts[:i], "/")); matched {
				return true
			}
		}
	}
	return false
}

// Included reports whether relPath passes the include patterns
func (f Filter) Included(relPath string) bool {
	if len(f.Include) == 0 {
		return true
	}
	for _, pattern := range f.Include {
		if matched, err := doublestar.Match(pattern, relPath); err == nil && matched {
			return true
		}
	}
	return false
}

// Allows reports whether a file should be indexed
func (f Filter) Allows(relPath string) bool {
	return !f.Ignored(relPath) && f.Included(relPath)
}
