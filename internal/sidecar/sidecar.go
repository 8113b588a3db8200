// Package sidecar stores chunk text on disk, one file per rid.
//
// The sidecar is the authoritative text source when the vector backend
// returns a hit without payload. Writes happen inside the ingest lock and
// are atomic (write-rename); reads are lock-free.
package sidecar

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"

	"github.com/flowlexi/patchvec/internal/sanitize"
)

// Store is a filesystem-backed rid -> text map for one collection.
type Store struct {
	dir string
}

// New opens (creating if needed) the sidecar directory.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating sidecar dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the sidecar directory path.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(rid string) string {
	return filepath.Join(s.dir, sanitize.RIDToFilename(rid))
}

// Write persists chunk text for a rid atomically.
func (s *Store) Write(rid, text string) error {
	if err := atomic.WriteFile(s.path(rid), bytes.NewReader([]byte(text))); err != nil {
		return fmt.Errorf("writing sidecar for %s: %w", rid, err)
	}
	return nil
}

// Read returns the chunk text for a rid. The second return value reports
// whether the sidecar entry exists.
func (s *Store) Read(rid string) (string, bool) {
	data, err := os.ReadFile(s.path(rid))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// Delete removes the sidecar entries for the given rids. Missing entries
// are ignored.
func (s *Store) Delete(rids []string) error {
	for _, rid := range rids {
		if err := os.Remove(s.path(rid)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing sidecar for %s: %w", rid, err)
		}
	}
	return nil
}
