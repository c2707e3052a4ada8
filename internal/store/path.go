package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidatePath enforces spec.md §4.1's integrity requirements on the
// database path before it is ever opened: it must not be a symlink, its
// parent must not be a symlink, it must canonicalize to somewhere under
// stateDir, and it must not contain a ".." traversal segment.
func ValidatePath(stateDir, dbPath string) error {
	if strings.Contains(dbPath, "..") {
		return fmt.Errorf("%w: path traversal segment in %q", ErrIntegrity, dbPath)
	}

	parent := filepath.Dir(dbPath)
	if fi, err := os.Lstat(parent); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: parent directory %q is a symlink", ErrIntegrity, parent)
	}

	if fi, err := os.Lstat(dbPath); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("%w: database path %q is a symlink", ErrIntegrity, dbPath)
	}

	absState, err := filepath.Abs(stateDir)
	if err != nil {
		return fmt.Errorf("resolving state directory: %w", err)
	}
	absDB, err := filepath.Abs(dbPath)
	if err != nil {
		return fmt.Errorf("resolving database path: %w", err)
	}
	rel, err := filepath.Rel(absState, absDB)
	if err != nil || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%w: database path %q resolves outside state directory %q", ErrIntegrity, dbPath, stateDir)
	}

	return nil
}

// EnsureDirPerms creates dir (mode 0700) if missing and tightens permissions
// if it already exists with broader ones.
func EnsureDirPerms(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.Chmod(dir, 0o700)
}
