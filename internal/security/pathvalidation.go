// Package security validates operator-supplied paths and names before they
// reach the filesystem.
package security

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrOutsideRoot is returned when a path escapes its allowed root.
var ErrOutsideRoot = errors.New("path escapes allowed root")

// canonical resolves symlinks in the longest existing prefix of path, so a
// directory that does not exist yet is judged by where it would be created.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", path, err)
	}
	rest := ""
	for dir := abs; ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			return filepath.Join(resolved, rest), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(dir), rest)
	}
}

// ValidatePathWithinDirectory reports whether path, once cleaned and with
// symlinks resolved, stays inside root. Both may be relative.
func ValidatePathWithinDirectory(path, root string) error {
	p, err := canonical(path)
	if err != nil {
		return err
	}
	r, err := canonical(root)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(r, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("%w: %s is not inside %s", ErrOutsideRoot, path, root)
	}
	return nil
}

// ValidatePathWithinAllowedDirs accepts path when it lies inside any of dirs.
func ValidatePathWithinAllowedDirs(path string, dirs []string) error {
	if len(dirs) == 0 {
		return fmt.Errorf("%w: no allowed directories configured", ErrOutsideRoot)
	}
	for _, dir := range dirs {
		if ValidatePathWithinDirectory(path, dir) == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %s must be inside one of %v", ErrOutsideRoot, path, dirs)
}

const maxNameLen = 128

// SanitizeFilename maps s onto [A-Za-z0-9._-], collapsing every other run
// of characters into one underscore. Leading and trailing dots and
// underscores are trimmed; an empty result becomes "unknown".
func SanitizeFilename(s string) string {
	var b strings.Builder
	under := false
	for _, r := range s {
		if b.Len() >= maxNameLen {
			break
		}
		ok := r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		switch {
		case ok:
			b.WriteRune(r)
			under = false
		case !under:
			b.WriteByte('_')
			under = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}

// IsSafeName reports whether s can be used unchanged as a file or directory
// name.
func IsSafeName(s string) bool {
	return s != "" && SanitizeFilename(s) == s
}
