package authz

import (
	"fmt"
	"strings"
)

// PathSeparator joins sanitized name segments into a materialized path.
const PathSeparator = "."

// SanitizeSegment lowers a display name into a path segment: letters, digits,
// hyphens and underscores survive, spaces collapse to hyphens, everything
// else is dropped.
func SanitizeSegment(name string) (string, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	var b strings.Builder
	lastHyphen := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastHyphen = false
		case r == ' ', r == '-':
			if b.Len() > 0 && !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	seg := strings.TrimSuffix(b.String(), "-")
	if seg == "" {
		return "", fmt.Errorf("%w: name %q yields an empty path segment", ErrInvalidInput, name)
	}
	return seg, nil
}

// ChildPath appends a segment to a parent path. An empty parent produces a
// root path.
func ChildPath(parentPath, segment string) string {
	if parentPath == "" {
		return segment
	}
	return parentPath + PathSeparator + segment
}

// IsPathAncestor reports whether p is a strict ancestor of q. Comparison is
// segment-aware: "acme.en" is not an ancestor of "acme.eng".
func IsPathAncestor(p, q string) bool {
	if p == "" || q == "" || p == q {
		return false
	}
	return strings.HasPrefix(q, p+PathSeparator)
}

// IsPathSelfOrAncestor reports whether p equals q or is an ancestor of q.
func IsPathSelfOrAncestor(p, q string) bool {
	return p == q || IsPathAncestor(p, q)
}

// PathDepth counts segments; the root of a tree has depth 1.
func PathDepth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, PathSeparator) + 1
}

// PathSegments splits a path into its segments.
func PathSegments(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, PathSeparator)
}

// RebasePath rewrites a descendant path from oldBase onto newBase.
// RebasePath("acme.eng.api", "acme.eng", "io.eng") == "io.eng.api".
func RebasePath(path, oldBase, newBase string) string {
	if path == oldBase {
		return newBase
	}
	if !IsPathAncestor(oldBase, path) {
		return path
	}
	suffix := strings.TrimPrefix(path, oldBase+PathSeparator)
	return ChildPath(newBase, suffix)
}
