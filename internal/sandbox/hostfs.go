package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
)

// Host-side file helpers shared by providers whose workspace is a directory
// visible to this process. Every call re-checks sandbox status and runs the
// path guard before touching the filesystem.

func hostWriteFile(statusCheck func() error, mount, relPath string, data []byte) error {
	if err := statusCheck(); err != nil {
		return err
	}
	target, err := resolveUnder(mount, relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	return os.WriteFile(target, data, 0644)
}

func hostReadFile(statusCheck func() error, mount, relPath string) ([]byte, error) {
	if err := statusCheck(); err != nil {
		return nil, err
	}
	target, err := resolveUnder(mount, relPath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(target)
}

func hostListFiles(statusCheck func() error, mount, relPath string) ([]string, error) {
	if err := statusCheck(); err != nil {
		return nil, err
	}
	target, err := resolveUnder(mount, relPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
