package engine

import (
	"fmt"
	"os"
	"path/filepath"
)

// Canonical returns an absolute, cleaned, symlink-resolved form of path.
// Relative paths resolve against the process working directory, which the
// push discipline keeps pointed at the current context.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	resolved, err := resolveExistingPath(filepath.Clean(abs))
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", path, err)
	}
	return resolved, nil
}

// resolveExistingPath resolves symlinks for the longest existing prefix of
// the path, then appends the non-existing suffix. This handles paths that
// don't fully exist yet (products, fresh stage directories).
func resolveExistingPath(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err == nil {
		return resolved, nil
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)

	if dir == path {
		return path, nil
	}

	resolvedDir, err := resolveExistingPath(dir)
	if err != nil {
		return "", err
	}

	return filepath.Join(resolvedDir, base), nil
}

// absAgainst joins path to base unless it is already absolute, and cleans
// the result. Used where a spell's owning context, not the process working
// directory, is the anchor.
func absAgainst(base, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Clean(filepath.Join(base, path))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
