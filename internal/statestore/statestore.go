// Package statestore implements the engine's crash-safe JSON snapshot
// store (C2): write to a temp file in the same directory, fsync, then
// atomically rename over the destination. Readers tolerate a missing or
// corrupt file by returning the caller's default, the same resilience the
// Python atomic_read_json helper gave the original runner. Only JSON is
// handled; the package has no binary snapshot format.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteJSON atomically writes v as indented JSON to path.
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal: %w", err)
	}
	return writeAtomic(path, data)
}

// ReadJSON reads and unmarshals the JSON at path into dst. On any error
// (missing file, corrupt content) it leaves dst untouched and returns false,
// mirroring atomic_read_json's default-on-failure behavior.
func ReadJSON(path string, dst any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false
	}
	return true
}

// writeAtomic writes data to a temp file beside path, fsyncs it, then
// renames it over path. The temp file is removed on any failure path.
func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("statestore: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp_*")
	if err != nil {
		return fmt.Errorf("statestore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			os.Remove(tmpPath)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: write temp: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: fsync temp: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("statestore: close temp: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("statestore: rename: %w", err)
	}
	return nil
}
