// Package cache implements the content-addressed local artifact store.
// Artifacts are indexed by (filename, checksum) and carry the set of
// loaded manifests that reference them; an artifact with an empty
// reference set is obsolete and eligible for purge.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/courseforge/labkit/internal/manifest"
	"github.com/courseforge/labkit/internal/store"
)

// ErrChecksumMismatch is reported when a full verify finds content that
// does not match the declared checksum. The entry is marked invalid but
// never deleted; remediation (re-fetch or purge) is the caller's call.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// VerifyMode selects how much work Verify does.
type VerifyMode int

const (
	// VerifyFull recomputes the content checksum.
	VerifyFull VerifyMode = iota
	// VerifyQuick checks existence and size only. It will not detect
	// content corruption.
	VerifyQuick
)

func (m VerifyMode) String() string {
	if m == VerifyQuick {
		return "quick"
	}
	return "full"
}

// Cache is the local artifact cache. Layout under root:
//
//	artifacts/   the artifact files themselves
//	manifests/   loaded manifest documents (owned by manifest.Store)
//	refs.json    the reference table
type Cache struct {
	root      string
	tablePath string
	store     *store.DirStore
	log       *log.Logger
}

// New creates a cache rooted at root.
func New(root string, logger *log.Logger) *Cache {
	return &Cache{
		root:      root,
		tablePath: filepath.Join(root, "refs.json"),
		store:     store.NewDirStore("cache", filepath.Join(root, "artifacts")),
		log:       logger.With("component", "cache"),
	}
}

// Store returns the cache's artifact store, for reconciliation.
func (c *Cache) Store() *store.DirStore { return c.store }

// ManifestDir returns the directory manifest documents are kept in.
func (c *Cache) ManifestDir() string { return filepath.Join(c.root, "manifests") }

// AddManifest implements manifest.Referencer. All of m's references are
// applied in one table write.
func (c *Cache) AddManifest(m *manifest.Manifest) error {
	table, err := c.loadTable()
	if err != nil {
		return err
	}
	id := m.ID()
	for _, ref := range m.Artifacts {
		entry := table.find(ref.Filename, ref.Checksum)
		if entry == nil {
			c.log.Debug("tracking artifact", "key", ref.Key(), "manifest", id)
			table.Artifacts = append(table.Artifacts, Entry{
				Filename: ref.Filename,
				Checksum: ref.Checksum,
				Size:     ref.Size,
				Refs:     []manifest.ID{id},
			})
			continue
		}
		if !entry.holdsRef(id) {
			entry.Refs = append(entry.Refs, id)
		}
	}
	return c.saveTable(table)
}

// RemoveManifest implements manifest.Referencer. Reference counts drop;
// artifact files stay until PurgeObsolete is explicitly invoked.
func (c *Cache) RemoveManifest(id manifest.ID) error {
	table, err := c.loadTable()
	if err != nil {
		return err
	}
	for i := range table.Artifacts {
		entry := &table.Artifacts[i]
		refs := entry.Refs[:0]
		for _, r := range entry.Refs {
			if r != id {
				refs = append(refs, r)
			}
		}
		entry.Refs = refs
	}
	return c.saveTable(table)
}

// ReferencesOf implements manifest.Referencer.
func (c *Cache) ReferencesOf(filename, checksum string) []manifest.ID {
	table, err := c.loadTable()
	if err != nil {
		c.log.Error("reference table unreadable", "error", err)
		return nil
	}
	entry := table.find(filename, checksum)
	if entry == nil {
		return nil
	}
	return append([]manifest.ID(nil), entry.Refs...)
}

// List returns every tracked entry.
func (c *Cache) List() ([]Entry, error) {
	table, err := c.loadTable()
	if err != nil {
		return nil, err
	}
	return append([]Entry(nil), table.Artifacts...), nil
}

// Verify checks one entry against the store. In full mode a content
// mismatch returns ErrChecksumMismatch and marks the entry invalid; in
// quick mode only existence and size are checked.
func (c *Cache) Verify(ctx context.Context, e Entry, mode VerifyMode) error {
	stat, err := c.store.Stat(ctx, e.Filename)
	if err != nil {
		return err
	}
	if stat.Size != e.Size {
		return fmt.Errorf("size mismatch for %s: have %d, manifest declares %d", e.Filename, stat.Size, e.Size)
	}
	if mode == VerifyQuick {
		return nil
	}

	sum, err := c.store.Checksum(ctx, e.Filename)
	if err != nil {
		return err
	}
	if sum != e.Checksum {
		if markErr := c.markInvalid(e, true); markErr != nil {
			c.log.Error("could not mark entry invalid", "artifact", e.Key(), "error", markErr)
		}
		return fmt.Errorf("%w: %s: have %s, manifest declares %s", ErrChecksumMismatch, e.Filename, sum, e.Checksum)
	}
	if e.Invalid {
		if err := c.markInvalid(e, false); err != nil {
			c.log.Error("could not clear invalid mark", "artifact", e.Filename, "error", err)
		}
	}
	return nil
}

// Result pairs an entry with its verification outcome.
type Result struct {
	Entry Entry
	Err   error
}

// VerifyAll verifies every tracked entry, continuing past failures.
func (c *Cache) VerifyAll(ctx context.Context, mode VerifyMode) ([]Result, error) {
	entries, err := c.List()
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(entries))
	for _, e := range entries {
		results = append(results, Result{Entry: e, Err: c.Verify(ctx, e, mode)})
	}
	return results, nil
}

// VerifyManifest verifies the entries referenced by one manifest.
func (c *Cache) VerifyManifest(ctx context.Context, id manifest.ID, mode VerifyMode) ([]Result, error) {
	entries, err := c.List()
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, e := range entries {
		if e.holdsRef(id) {
			results = append(results, Result{Entry: e, Err: c.Verify(ctx, e, mode)})
		}
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %s", manifest.ErrNotFound, id)
	}
	return results, nil
}

// VerifyNewer runs a full verify restricted to entries whose file was
// modified after cutoff. A throughput optimization: entries untouched
// since the last full pass are skipped, not trusted less.
func (c *Cache) VerifyNewer(ctx context.Context, cutoff time.Time) ([]Result, error) {
	entries, err := c.List()
	if err != nil {
		return nil, err
	}
	var results []Result
	for _, e := range entries {
		stat, err := c.store.Stat(ctx, e.Filename)
		if err != nil {
			results = append(results, Result{Entry: e, Err: err})
			continue
		}
		if !stat.ModTime.After(cutoff) {
			continue
		}
		results = append(results, Result{Entry: e, Err: c.Verify(ctx, e, VerifyFull)})
	}
	return results, nil
}

// SizeOf sums the on-disk size of the entries a manifest references.
// Entries not yet transferred count their declared size.
func (c *Cache) SizeOf(ctx context.Context, id manifest.ID) (int64, error) {
	entries, err := c.List()
	if err != nil {
		return 0, err
	}
	var total int64
	found := false
	for _, e := range entries {
		if !e.holdsRef(id) {
			continue
		}
		found = true
		total += c.entrySize(ctx, e)
	}
	if !found {
		return 0, fmt.Errorf("%w: %s", manifest.ErrNotFound, id)
	}
	return total, nil
}

// SizeAll sums the size of every tracked entry.
func (c *Cache) SizeAll(ctx context.Context) (int64, error) {
	entries, err := c.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		total += c.entrySize(ctx, e)
	}
	return total, nil
}

func (c *Cache) entrySize(ctx context.Context, e Entry) int64 {
	if stat, err := c.store.Stat(ctx, e.Filename); err == nil {
		return stat.Size
	}
	return e.Size
}

// Obsolete returns the entries no loaded manifest references.
func (c *Cache) Obsolete() ([]Entry, error) {
	entries, err := c.List()
	if err != nil {
		return nil, err
	}
	var obsolete []Entry
	for _, e := range entries {
		if e.Obsolete() {
			obsolete = append(obsolete, e)
		}
	}
	return obsolete, nil
}

// PurgeObsolete deletes every unreferenced artifact: tracked entries
// with empty reference sets, and stray files in the artifact directory
// that no loaded manifest accounts for. An obsolete entry whose
// filename is still referenced under another checksum loses its table
// entry but keeps the file. Returns the removed filenames.
func (c *Cache) PurgeObsolete(ctx context.Context) ([]string, error) {
	table, err := c.loadTable()
	if err != nil {
		return nil, err
	}

	// Entries are keyed (filename, checksum) but the artifact files
	// are keyed by filename alone, so the referenced set has to be
	// complete before anything is deleted: an obsolete old version
	// must not take a still-referenced version's file with it.
	referenced := make(map[string]bool)
	for _, e := range table.Artifacts {
		if !e.Obsolete() {
			referenced[e.Filename] = true
		}
	}

	kept := table.Artifacts[:0]
	var removed []string
	for _, e := range table.Artifacts {
		if !e.Obsolete() {
			kept = append(kept, e)
			continue
		}
		if referenced[e.Filename] {
			c.log.Debug("dropping obsolete entry, file still referenced", "key", e.Key())
			continue
		}
		if err := c.store.Delete(ctx, e.Filename); err != nil && !errors.Is(err, store.ErrNotFound) {
			// Keep the entry so a later purge can retry.
			kept = append(kept, e)
			c.log.Error("purge failed", "artifact", e.Filename, "error", err)
			continue
		}
		removed = append(removed, e.Filename)
	}
	table.Artifacts = kept

	// Stray files: present on disk, absent from every loaded manifest.
	files, err := c.store.List(ctx)
	if err != nil {
		return removed, err
	}
	for _, f := range files {
		if referenced[f.Filename] {
			continue
		}
		tracked := false
		for _, e := range table.Artifacts {
			if e.Filename == f.Filename {
				tracked = true
				break
			}
		}
		if tracked {
			continue
		}
		if err := c.store.Delete(ctx, f.Filename); err != nil {
			c.log.Error("purge failed", "artifact", f.Filename, "error", err)
			continue
		}
		removed = append(removed, f.Filename)
	}

	if err := c.saveTable(table); err != nil {
		return removed, err
	}
	if len(removed) > 0 {
		c.log.Info("purged obsolete artifacts", "count", len(removed))
	}
	return removed, nil
}

func (c *Cache) markInvalid(e Entry, invalid bool) error {
	table, err := c.loadTable()
	if err != nil {
		return err
	}
	entry := table.find(e.Filename, e.Checksum)
	if entry == nil {
		return nil
	}
	entry.Invalid = invalid
	return c.saveTable(table)
}

// EnsureLayout creates the cache directory structure.
func (c *Cache) EnsureLayout() error {
	for _, dir := range []string{c.root, filepath.Join(c.root, "artifacts"), c.ManifestDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create cache layout: %w", err)
		}
	}
	return nil
}
