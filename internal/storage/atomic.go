// Package storage implements the durable local store shared by the graph,
// detection, response and audit components. Each component owns exactly one
// file; writes go through an atomic temp-write-then-rename so readers never
// observe a half-written file.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotExist is returned by LoadJSON when the file is missing or empty.
// Components treat it as "start empty" rather than a failure.
var ErrNotExist = errors.New("storage: file does not exist")

// Dir is a data directory holding the component state files.
type Dir struct {
	path string
}

// Open ensures the data directory exists and returns it.
func Open(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir %s: %w", path, err)
	}
	return &Dir{path: path}, nil
}

// Path returns the absolute path of a named file inside the directory.
func (d *Dir) Path(name string) string {
	return filepath.Join(d.path, name)
}

// WriteJSON marshals v and atomically replaces the named file. The temp file
// is removed on every failure path; a partial write never replaces the live
// file.
func (d *Dir) WriteJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}

	final := d.Path(name)
	tmp, err := os.CreateTemp(d.path, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", name, err)
	}
	return nil
}

// LoadJSON reads the named file into v. Returns ErrNotExist when the file is
// absent or empty; any other error means the file is present but unreadable,
// which callers surface as a recoverable persistence_load_failed condition.
func (d *Dir) LoadJSON(name string, v any) error {
	data, err := os.ReadFile(d.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExist
		}
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	if len(data) == 0 {
		return ErrNotExist
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return nil
}

// Remove deletes the named file if present.
func (d *Dir) Remove(name string) error {
	err := os.Remove(d.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
