package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// DirStore is a Store backed by a local directory: the artifact cache
// or a mounted removable medium.
type DirStore struct {
	name string
	root string
}

// NewDirStore creates a directory-backed store.
func NewDirStore(name, root string) *DirStore {
	return &DirStore{name: name, root: root}
}

// Name implements Store.
func (s *DirStore) Name() string { return s.name }

// Root returns the backing directory.
func (s *DirStore) Root() string { return s.root }

// List implements Store. Temporary staging files are not listed.
func (s *DirStore) List(ctx context.Context) ([]Entry, error) {
	dirents, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read store %s: %w", s.name, err)
	}

	var entries []Entry
	for _, de := range dirents {
		if de.IsDir() || strings.HasSuffix(de.Name(), ".partial") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{
			Filename: de.Name(),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		})
	}
	return entries, nil
}

// Stat implements Store.
func (s *DirStore) Stat(ctx context.Context, filename string) (*Entry, error) {
	info, err := os.Stat(filepath.Join(s.root, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, filename, s.name)
		}
		return nil, fmt.Errorf("stat %s: %w", filename, err)
	}
	return &Entry{Filename: filename, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Checksum implements Store with a full md5 recompute.
func (s *DirStore) Checksum(ctx context.Context, filename string) (string, error) {
	f, err := os.Open(filepath.Join(s.root, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s in %s", ErrNotFound, filename, s.name)
		}
		return "", fmt.Errorf("open %s: %w", filename, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("checksum %s: %w", filename, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Fetch implements Store.
func (s *DirStore) Fetch(ctx context.Context, filename string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.root, filename))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, filename, s.name)
		}
		return nil, fmt.Errorf("open %s: %w", filename, err)
	}
	return f, nil
}

// Put implements Store: content is written to a .partial name, hashed
// on the way in, and renamed into place only after the content checked
// out against the declared checksum.
func (s *DirStore) Put(ctx context.Context, filename string, r io.Reader, checksum string) error {
	if err := os.MkdirAll(s.root, 0755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	final := filepath.Join(s.root, filename)
	tmp := final + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("stage %s: %w", filename, err)
	}
	h := md5.New()
	if _, err := io.Copy(io.MultiWriter(f, h), r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close %s: %w", filename, err)
	}
	if checksum != "" {
		if sum := hex.EncodeToString(h.Sum(nil)); sum != checksum {
			os.Remove(tmp)
			return fmt.Errorf("%w: %s got %s, want %s", ErrChecksumMismatch, filename, sum, checksum)
		}
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish %s: %w", filename, err)
	}
	return nil
}

// Delete implements Store.
func (s *DirStore) Delete(ctx context.Context, filename string) error {
	if err := os.Remove(filepath.Join(s.root, filename)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s in %s", ErrNotFound, filename, s.name)
		}
		return fmt.Errorf("delete %s: %w", filename, err)
	}
	return nil
}

// Free implements Store using the filesystem holding the root.
func (s *DirStore) Free(ctx context.Context) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(s.root, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", s.root, err)
	}
	return int64(st.Bavail) * st.Bsize, nil
}
