package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/log"
)

// ErrNotFound is returned for an unknown manifest identity.
var ErrNotFound = errors.New("manifest not found")

// Referencer is the reference-count table the store keeps in step with
// the set of loaded manifests. Implemented by the artifact cache.
type Referencer interface {
	// AddManifest records every artifact reference of m, or none on error.
	AddManifest(m *Manifest) error
	// RemoveManifest drops every reference held by id, or none on error.
	RemoveManifest(id ID) error
	// ReferencesOf returns the manifests referencing (filename, checksum).
	ReferencesOf(filename, checksum string) []ID
}

// Store manages the loaded manifest documents and keeps the reference
// table transactional with respect to load/unload: a failure applying
// references leaves neither a stored document nor partial counts.
type Store struct {
	dir  string
	refs Referencer
	log  *log.Logger

	// removeDoc is os.Remove; tests substitute failures.
	removeDoc func(path string) error
}

// NewStore creates a manifest store rooted at dir.
func NewStore(dir string, refs Referencer, logger *log.Logger) *Store {
	return &Store{
		dir:       dir,
		refs:      refs,
		log:       logger.With("component", "manifest"),
		removeDoc: os.Remove,
	}
}

func (s *Store) path(id ID) string {
	return filepath.Join(s.dir, string(id)+".yml")
}

// Load parses the manifest at path, applies its artifact references to
// the reference table, and stores the document. The reference update
// happens first; if storing the document then fails the references are
// rolled back so the two never diverge.
func (s *Store) Load(path string) (*Manifest, error) {
	m, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(s.path(m.ID())); statErr == nil {
		return nil, fmt.Errorf("manifest %s already loaded", m.ID())
	}

	if err := s.refs.AddManifest(m); err != nil {
		return nil, fmt.Errorf("apply references for %s: %w", m.ID(), err)
	}

	if err := s.writeDocument(m.ID(), path); err != nil {
		if rbErr := s.refs.RemoveManifest(m.ID()); rbErr != nil {
			s.log.Error("reference rollback failed", "manifest", m.ID(), "error", rbErr)
		}
		return nil, err
	}

	s.log.Info("manifest loaded", "manifest", m.ID(), "artifacts", len(m.Artifacts))
	return m, nil
}

func (s *Store) writeDocument(id ID, src string) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	dst := s.path(id)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store manifest: %w", err)
	}
	return nil
}

// Unload drops id's references from the reference table and removes the
// stored document. References are removed first; if removing the
// document then fails they are restored, mirroring Load, so the table
// and the document set never diverge.
func (s *Store) Unload(id ID) error {
	m, err := s.Get(id)
	if err != nil {
		return err
	}

	if err := s.refs.RemoveManifest(id); err != nil {
		return fmt.Errorf("remove references for %s: %w", id, err)
	}

	if err := s.removeDoc(s.path(id)); err != nil {
		if rbErr := s.refs.AddManifest(m); rbErr != nil {
			s.log.Error("reference rollback failed", "manifest", id, "error", rbErr)
		}
		return fmt.Errorf("remove manifest document: %w", err)
	}

	s.log.Info("manifest unloaded", "manifest", id)
	return nil
}

// Get returns a loaded manifest by identity.
func (s *Store) Get(id ID) (*Manifest, error) {
	m, err := ParseFile(s.path(id))
	if err != nil {
		if os.IsNotExist(errors.Unwrap(err)) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return m, nil
}

// List returns every loaded manifest, ordered by name and then by
// natural version, so "mod-9" lists before "mod-10".
func (s *Store) List() ([]*Manifest, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}

	var manifests []*Manifest
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yml") {
			continue
		}
		m, err := ParseFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.log.Warn("skipping unreadable manifest", "file", e.Name(), "error", err)
			continue
		}
		manifests = append(manifests, m)
	}
	sortManifests(manifests)
	return manifests, nil
}

// Export writes id's stored document into dir, for media that carry
// their manifest set alongside the artifacts.
func (s *Store) Export(id ID, dir string) error {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("read manifest: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create manifest dir: %w", err)
	}
	dst := filepath.Join(dir, string(id)+".yml")
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("export manifest: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("export manifest: %w", err)
	}
	return nil
}

// ReadDir parses every manifest document under dir, sorted like List.
// A missing dir yields no manifests; an unparsable document is an
// error, since a foreign manifest set cannot be silently repaired.
func ReadDir(dir string) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest dir: %w", err)
	}

	var manifests []*Manifest
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yml") {
			continue
		}
		m, err := ParseFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("manifest %s: %w", e.Name(), err)
		}
		manifests = append(manifests, m)
	}
	sortManifests(manifests)
	return manifests, nil
}

// Newest returns the highest-versioned manifest named name, or nil.
func Newest(manifests []*Manifest, name string) *Manifest {
	var newest *Manifest
	for _, m := range manifests {
		if m.Name != name {
			continue
		}
		if newest == nil || CompareVersions(m.Version, newest.Version) > 0 {
			newest = m
		}
	}
	return newest
}

func sortManifests(ms []*Manifest) {
	sort.Slice(ms, func(i, j int) bool {
		if ms[i].Name != ms[j].Name {
			return ms[i].Name < ms[j].Name
		}
		return CompareVersions(ms[i].Version, ms[j].Version) < 0
	})
}

// ReferencesOf answers which loaded manifests reference an artifact.
func (s *Store) ReferencesOf(filename, checksum string) []ID {
	return s.refs.ReferencesOf(filename, checksum)
}
