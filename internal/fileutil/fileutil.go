// Package fileutil provides crash-safe file write helpers.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to path atomically: the bytes go to a temporary
// file in the same directory, are synced to disk, and the temp file is then
// renamed over the target. The file is either fully written or untouched.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// WriteFileAtomicBackup is WriteFileAtomic with one rotating backup: if the
// target already exists it is moved to path+".bak" first, replacing any
// previous backup. A failed backup rotation is not fatal to the write.
func WriteFileAtomicBackup(path string, data []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		backupPath := path + ".bak"
		os.Remove(backupPath)
		// Best effort: a locked backup must not block the save itself.
		_ = os.Rename(path, backupPath)
	}
	return WriteFileAtomic(path, data, perm)
}
