package poller

import (
	"fmt"
	"os"
	"path/filepath"
)

// LoadSnapshot reads a snapshot written by SaveSnapshot. A missing,
// unreadable or malformed file yields (nil, false): local state is a
// convenience and is never worth failing a session over.
func LoadSnapshot(path string) (*Snapshot, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false
	}
	if !hasPayload(s.Data) {
		return nil, false
	}
	return &s, true
}

// SaveSnapshot writes s to path, replacing any previous file atomically.
func SaveSnapshot(path string, s Snapshot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
