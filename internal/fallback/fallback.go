// Package fallback provides the secondary sale store used when the
// SQLite queue cannot accept a write. It is deliberately simpler than
// the primary store: one JSON file per sale, written atomically, so a
// quota or corruption failure in SQLite still leaves one durable copy
// of the sale on the device.
package fallback

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rmestre/tillsync/internal/logging"
	"github.com/rmestre/tillsync/internal/models"
)

// Store holds queued sales as individual JSON files under a directory.
type Store struct {
	baseDir string
}

// NewStore creates a fallback store rooted at baseDir.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create fallback directory: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Put writes a sale to disk. The write goes through a temp file,
// fsync and rename so a crash mid-write never leaves a truncated
// record under the final name.
func (s *Store) Put(sale *models.QueuedSale) error {
	data, err := json.Marshal(sale)
	if err != nil {
		return fmt.Errorf("failed to encode sale: %w", err)
	}

	tmp, err := os.CreateTemp(s.baseDir, "sale-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write sale: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync sale: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path(sale.ID)); err != nil {
		return fmt.Errorf("failed to finalize sale file: %w", err)
	}
	return nil
}

// List returns every sale held in the fallback store, oldest first.
// Unreadable or partially written files are skipped with a warning
// rather than failing the whole listing.
func (s *Store) List() ([]*models.QueuedSale, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read fallback directory: %w", err)
	}

	var sales []*models.QueuedSale
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			logging.Warn("Skipping unreadable fallback sale file",
				map[string]interface{}{"file": entry.Name(), "error": err.Error()})
			continue
		}

		var sale models.QueuedSale
		if err := json.Unmarshal(data, &sale); err != nil {
			logging.Warn("Skipping corrupt fallback sale file",
				map[string]interface{}{"file": entry.Name(), "error": err.Error()})
			continue
		}
		sales = append(sales, &sale)
	}

	sort.Slice(sales, func(i, j int) bool {
		return sales[i].Timestamp < sales[j].Timestamp
	})
	return sales, nil
}

// Remove deletes a sale file. Removing an id that is not present is a
// no-op.
func (s *Store) Remove(id models.UUID) error {
	err := os.Remove(s.path(id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove sale file: %w", err)
	}
	return nil
}

// Size returns the number of sales currently held.
func (s *Store) Size() (int, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			count++
		}
	}
	return count, nil
}

func (s *Store) path(id models.UUID) string {
	return filepath.Join(s.baseDir, string(id)+".json")
}
