// Package session persists the on-disk marker the daemon uses to resume a
// run after a crash (spec §3, §4.7 "Resumability").
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/rowsync/replicator/internal/replmodel"
)

// Store reads and writes the session marker file at path.
type Store struct {
	path string
}

// NewStore returns a Store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Read loads the marker, returning a cleared (InProgress: false) marker if
// the file does not exist yet.
func (s *Store) Read() (replmodel.SessionMarker, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return replmodel.SessionMarker{}, nil
	}
	if err != nil {
		return replmodel.SessionMarker{}, fmt.Errorf("session: read %s: %w", s.path, err)
	}

	var m replmodel.SessionMarker
	if err := json.Unmarshal(data, &m); err != nil {
		return replmodel.SessionMarker{}, fmt.Errorf("session: parse %s: %w", s.path, err)
	}
	return m, nil
}

// Begin writes a marker recording that setName is now in progress. The
// returned correlation id is diagnostic only (the daemon logs it when the
// marker is written); resumability itself keys off DestinationName, per
// spec §4.7.
func (s *Store) Begin(setName string) (string, error) {
	correlationID := "sess_" + uuid.NewString()
	m := replmodel.SessionMarker{InProgress: true, DestinationName: setName}
	if err := s.write(m); err != nil {
		return "", err
	}
	return correlationID, nil
}

// Clear marks the session complete (spec §4.7: "at completion, clear the
// marker").
func (s *Store) Clear() error {
	return s.write(replmodel.SessionMarker{})
}

func (s *Store) write(m replmodel.SessionMarker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal marker: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("session: create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("session: write %s: %w", s.path, err)
	}
	return nil
}
