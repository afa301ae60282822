package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resolveUnder canonicalizes rel against the mount root and rejects anything
// that escapes it. The comparison runs on the resolved absolute paths, so
// "../" sequences and absolute inputs are both caught before any I/O.
func resolveUnder(mount, rel string) (string, error) {
	mountAbs, err := filepath.Abs(mount)
	if err != nil {
		return "", fmt.Errorf("failed to resolve mount: %w", err)
	}
	// Resolve symlinks on the mount itself so a symlinked workspace root
	// compares against its real location.
	if resolved, err := filepath.EvalSymlinks(mountAbs); err == nil {
		mountAbs = resolved
	}

	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path traversal rejected: absolute path %q", rel)
	}

	target := filepath.Clean(filepath.Join(mountAbs, filepath.FromSlash(rel)))
	if target != mountAbs && !strings.HasPrefix(target, mountAbs+string(os.PathSeparator)) {
		return "", fmt.Errorf("path traversal rejected: %q escapes workspace mount", rel)
	}

	// If the target already exists, also compare its symlink-resolved form:
	// a link inside the mount must not point outside it.
	if resolved, err := filepath.EvalSymlinks(target); err == nil {
		if resolved != mountAbs && !strings.HasPrefix(resolved, mountAbs+string(os.PathSeparator)) {
			return "", fmt.Errorf("path traversal rejected: %q resolves outside workspace mount", rel)
		}
	}

	return target, nil
}
