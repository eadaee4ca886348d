package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupported is returned for operations a store cannot perform,
// such as deleting from or querying free space of a remote endpoint.
var ErrUnsupported = errors.New("operation not supported by this store")

// TransferDriver is the capability interface for delta-capable file
// transfer to and from remote endpoints. The production implementation
// wraps rsync; tests substitute a fake.
type TransferDriver interface {
	// Sync copies src to dst, moving only changed bytes when the
	// destination already holds an older copy.
	Sync(ctx context.Context, src, dst string) error
	// List enumerates the files under a remote address.
	List(ctx context.Context, addr string) ([]Entry, error)
}

// RemoteStore is a Store backed by a network endpoint reached through a
// TransferDriver. Content checksums are not computable remotely, so
// reconciliation against a RemoteStore target compares by size.
type RemoteStore struct {
	name    string
	addr    string
	driver  TransferDriver
	staging string
}

// NewRemoteStore creates a remote store. staging is a local scratch
// directory used to spool fetches and puts.
func NewRemoteStore(name, addr string, driver TransferDriver, staging string) *RemoteStore {
	return &RemoteStore{name: name, addr: addr, driver: driver, staging: staging}
}

// Name implements Store.
func (s *RemoteStore) Name() string { return s.name }

// Addr returns the remote address.
func (s *RemoteStore) Addr() string { return s.addr }

// List implements Store.
func (s *RemoteStore) List(ctx context.Context) ([]Entry, error) {
	entries, err := s.driver.List(ctx, s.addr)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.name, err)
	}
	return entries, nil
}

// Stat implements Store.
func (s *RemoteStore) Stat(ctx context.Context, filename string) (*Entry, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Filename == filename {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s in %s", ErrNotFound, filename, s.name)
}

// Checksum implements Store; remote content cannot be hashed in place.
func (s *RemoteStore) Checksum(ctx context.Context, filename string) (string, error) {
	return "", fmt.Errorf("%w: %s", ErrChecksumUnavailable, s.name)
}

// Fetch implements Store by spooling the remote file to staging.
func (s *RemoteStore) Fetch(ctx context.Context, filename string) (io.ReadCloser, error) {
	if err := os.MkdirAll(s.staging, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	spool := s.spoolPath(filename)
	if err := s.driver.Sync(ctx, s.remotePath(filename), spool); err != nil {
		return nil, fmt.Errorf("fetch %s from %s: %w", filename, s.name, err)
	}
	f, err := os.Open(spool)
	if err != nil {
		return nil, fmt.Errorf("open spooled %s: %w", filename, err)
	}
	return &spoolReader{File: f, path: spool}, nil
}

// Put implements Store by spooling the content locally, verifying the
// spool against the declared checksum, and handing the upload to the
// driver, which publishes atomically on the remote side.
func (s *RemoteStore) Put(ctx context.Context, filename string, r io.Reader, checksum string) error {
	if err := os.MkdirAll(s.staging, 0755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}
	spool := s.spoolPath(filename)
	f, err := os.Create(spool)
	if err != nil {
		return fmt.Errorf("spool %s: %w", filename, err)
	}
	h := md5.New()
	if _, err := io.Copy(io.MultiWriter(f, h), r); err != nil {
		f.Close()
		os.Remove(spool)
		return fmt.Errorf("spool %s: %w", filename, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(spool)
		return fmt.Errorf("spool %s: %w", filename, err)
	}
	defer os.Remove(spool)

	if checksum != "" {
		if sum := hex.EncodeToString(h.Sum(nil)); sum != checksum {
			return fmt.Errorf("%w: %s got %s, want %s", ErrChecksumMismatch, filename, sum, checksum)
		}
	}
	if err := s.driver.Sync(ctx, spool, s.remotePath(filename)); err != nil {
		return fmt.Errorf("upload %s to %s: %w", filename, s.name, err)
	}
	return nil
}

// Delete implements Store. Remote endpoints are append-only from this
// tool's point of view.
func (s *RemoteStore) Delete(ctx context.Context, filename string) error {
	return fmt.Errorf("%w: delete on %s", ErrUnsupported, s.name)
}

// Free implements Store.
func (s *RemoteStore) Free(ctx context.Context) (int64, error) {
	return 0, fmt.Errorf("%w: free space on %s", ErrUnsupported, s.name)
}

func (s *RemoteStore) remotePath(filename string) string {
	return strings.TrimRight(s.addr, "/") + "/" + filename
}

func (s *RemoteStore) spoolPath(filename string) string {
	return path.Join(s.staging, path.Base(filename))
}

// spoolReader removes its spool file once the caller is done.
type spoolReader struct {
	*os.File
	path string
}

func (r *spoolReader) Close() error {
	err := r.File.Close()
	os.Remove(r.path)
	return err
}

// parseListing parses "rsync --list-only" output into entries.
// Directories and the "." entry are skipped.
func parseListing(out string) []Entry {
	var entries []Entry
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 5 || strings.HasPrefix(fields[0], "d") {
			continue
		}
		name := strings.Join(fields[4:], " ")
		if name == "." {
			continue
		}
		size, err := strconv.ParseInt(strings.ReplaceAll(fields[1], ",", ""), 10, 64)
		if err != nil {
			continue
		}
		mtime, err := time.ParseInLocation("2006/01/02 15:04:05", fields[2]+" "+fields[3], time.Local)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Filename: name, Size: size, ModTime: mtime})
	}
	return entries
}
