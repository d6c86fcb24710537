// Package security validates file paths built from operator or request input
// before the process writes to them.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// maxFilenameLen caps SanitizeFilename output.
const maxFilenameLen = 128

// canonical resolves symlinks in p, or in its deepest existing ancestor when
// p itself does not exist yet.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	for dir := filepath.Dir(abs); ; dir = filepath.Dir(dir) {
		if resolved, err := filepath.EvalSymlinks(dir); err == nil {
			rest, _ := filepath.Rel(dir, abs)
			return filepath.Join(resolved, rest), nil
		}
		if parent := filepath.Dir(dir); parent == dir {
			return abs, nil
		}
	}
}

// ValidatePathWithinDirectory rejects filePath when it resolves outside dir,
// following symlinks on both sides. dir must exist.
func ValidatePathWithinDirectory(filePath, dir string) error {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory path: %w", err)
	}
	root, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return fmt.Errorf("failed to resolve directory symlinks: %w", err)
	}
	target, err := canonical(filePath)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return fmt.Errorf("path is outside %s: %w", dir, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s escapes %s", filePath, dir)
	}
	return nil
}

// SanitizeFilename maps s onto [A-Za-z0-9._-], collapsing runs of other
// characters into one underscore. Empty results become "unknown".
func SanitizeFilename(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range s {
		if b.Len() >= maxFilenameLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			underscore = false
		case !underscore:
			b.WriteByte('_')
			underscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}

// OutputPath joins a sanitised name onto dir and checks the result stays in
// dir. It is used for files named after run IDs.
func OutputPath(dir, name, ext string) (string, error) {
	p := filepath.Join(dir, SanitizeFilename(name)+ext)
	if err := ValidatePathWithinDirectory(p, dir); err != nil {
		return "", err
	}
	return p, nil
}
