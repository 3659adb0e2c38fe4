package runstore

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ListRunIDs walks the sharded run directory root and returns every run_id
// found. Used only by the Indexer (spec §4.6) — request-time reads always go
// through Load, never through a directory scan (spec I1).
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, shardEntry := range entries {
		if !shardEntry.IsDir() {
			continue
		}
		shardPath := filepath.Join(s.root, shardEntry.Name())
		runEntries, err := os.ReadDir(shardPath)
		if err != nil {
			continue
		}
		for _, re := range runEntries {
			name := re.Name()
			if !re.IsDir() || filepath.Ext(name) == ".tmp" {
				continue
			}
			if _, err := uuid.Parse(name); err != nil {
				continue
			}
			ids = append(ids, name)
		}
	}
	return ids, nil
}
