// Package fsutil writes generated files with the permissions the tunnel
// daemon and the operator expect.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrConfigWrite marks filesystem failures while writing generated output.
var ErrConfigWrite = errors.New("config write failed")

// WriteFileAtomic replaces path with content. The temporary file is created
// with mode from the start so secrets are never briefly world-readable.
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConfigWrite, path, err)
	}
	tmpPath := path + ".tmp"
	_ = os.Remove(tmpPath)
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConfigWrite, path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: %s: %w", ErrConfigWrite, path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: %s: %w", ErrConfigWrite, path, err)
	}
	// umask may have narrowed the create mode.
	if err := os.Chmod(tmpPath, mode); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: %s: %w", ErrConfigWrite, path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("%w: %s: %w", ErrConfigWrite, path, err)
	}
	return nil
}

// EnsureDir creates dir if needed and forces its permission bits.
func EnsureDir(dir string, mode os.FileMode) error {
	if err := os.MkdirAll(dir, mode); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConfigWrite, dir, err)
	}
	if err := os.Chmod(dir, mode); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrConfigWrite, dir, err)
	}
	return nil
}

// NonEmpty reports whether path is a regular file with content.
func NonEmpty(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular() && info.Size() > 0, nil
}
