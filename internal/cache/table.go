package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/courseforge/labkit/internal/manifest"
)

// Entry is one artifact tracked by the cache. Uniqueness key is
// (filename, checksum); two versions of the same filename coexist as
// distinct entries.
type Entry struct {
	Filename string        `json:"filename"`
	Checksum string        `json:"checksum"`
	Size     int64         `json:"size"`
	ModTime  time.Time     `json:"mod_time,omitempty"`
	Refs     []manifest.ID `json:"refs"`
	Invalid  bool          `json:"invalid,omitempty"`
}

// Key returns the uniqueness key of the entry.
func (e Entry) Key() string {
	return e.Filename + "@" + e.Checksum
}

// Obsolete reports whether no loaded manifest references the entry.
func (e Entry) Obsolete() bool {
	return len(e.Refs) == 0
}

func (e Entry) holdsRef(id manifest.ID) bool {
	for _, r := range e.Refs {
		if r == id {
			return true
		}
	}
	return false
}

// tableData is the persisted reference table.
type tableData struct {
	Artifacts []Entry `json:"artifacts"`
}

func (t *tableData) find(filename, checksum string) *Entry {
	for i := range t.Artifacts {
		if t.Artifacts[i].Filename == filename && t.Artifacts[i].Checksum == checksum {
			return &t.Artifacts[i]
		}
	}
	return nil
}

// loadTable reads the reference table from disk.
func (c *Cache) loadTable() (*tableData, error) {
	data, err := os.ReadFile(c.tablePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &tableData{}, nil
		}
		return nil, fmt.Errorf("read reference table: %w", err)
	}
	var table tableData
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse reference table: %w", err)
	}
	return &table, nil
}

// saveTable writes the reference table atomically: a mid-update crash
// leaves the previous table intact, never partial counts.
func (c *Cache) saveTable(table *tableData) error {
	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal reference table: %w", err)
	}
	tmp := c.tablePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write reference table: %w", err)
	}
	if err := os.Rename(tmp, c.tablePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish reference table: %w", err)
	}
	return nil
}
