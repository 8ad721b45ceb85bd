package cloud

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirStore is an ObjectStore over a local directory, used when no managed
// storage service is configured. Keys map to file paths under the base
// directory, so the {record id}/chunk_{n} layout becomes one directory per
// record.
type DirStore struct {
	base string
}

// NewDirStore creates a directory-backed object store rooted at base.
func NewDirStore(base string) (*DirStore, error) {
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &DirStore{base: base}, nil
}

func (d *DirStore) path(key string) (string, error) {
	if strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(d.base, filepath.FromSlash(key)), nil
}

// Put writes a blob, creating the record directory as needed.
func (d *DirStore) Put(_ context.Context, key string, data []byte) error {
	path, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create record directory: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Delete removes a blob. A missing blob is not an error.
func (d *DirStore) Delete(_ context.Context, key string) error {
	path, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	// Drop the record directory once its last chunk is gone.
	os.Remove(filepath.Dir(path))
	return nil
}
