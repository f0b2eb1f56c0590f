package policy

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Canonicalize resolves symlinks in path. For paths that do not exist yet,
// the nearest existing ancestor is resolved and the missing tail re-joined,
// so a not-yet-created entry cannot be used to smuggle a symlink escape.
func Canonicalize(path string) string {
	cleaned := filepath.Clean(path)
	abs, err := filepath.Abs(cleaned)
	if err != nil {
		return cleaned
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	// Walk up to the nearest existing ancestor.
	dir := abs
	var tail []string
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		tail = append([]string{filepath.Base(dir)}, tail...)
		dir = parent
		if real, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(append([]string{real}, tail...)...)
		}
	}
	return abs
}

// IsInside reports whether target lives at or below root after
// canonicalization of both.
func IsInside(root, target string) bool {
	r := Canonicalize(root)
	t := Canonicalize(target)
	if t == r {
		return true
	}
	return strings.HasPrefix(t, r+string(filepath.Separator))
}

// devExemptPattern matches pseudo-device paths that never need a grant.
var devExemptPattern = regexp.MustCompile(`^/dev/(null|stdin|stdout|stderr|urandom|random|zero|tty|fd/\d+)$`)

func isExemptDevicePath(path string) bool {
	return devExemptPattern.MatchString(filepath.Clean(path))
}

// Mode is the access level of a grant.
type Mode string

const (
	ModeRO Mode = "ro"
	ModeRW Mode = "rw"
)

// Grant authorizes access to a path outside the workspace. Paths are
// expected to be canonicalized by the grant store before they reach the
// policy engine.
type Grant struct {
	Path string
	Mode Mode
}

// grantCovers reports whether any grant of at least min mode covers target.
func grantCovers(grants []Grant, target string, min Mode) bool {
	t := Canonicalize(target)
	for _, g := range grants {
		if min == ModeRW && g.Mode != ModeRW {
			continue
		}
		if t == g.Path || strings.HasPrefix(t, g.Path+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// pathPermitted reports whether target is inside the workspace or covered by
// a grant of at least min mode.
func pathPermitted(root string, grants []Grant, target string, min Mode) bool {
	if isExemptDevicePath(target) {
		return true
	}
	if IsInside(root, target) {
		return true
	}
	return grantCovers(grants, target, min)
}
