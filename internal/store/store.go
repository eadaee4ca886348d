// Package store abstracts the artifact repositories content moves
// between: the local cache, a removable medium, and the origin server.
package store

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned when a store has no entry for a filename.
var ErrNotFound = errors.New("artifact not found in store")

// ErrChecksumUnavailable is returned by stores that cannot compute
// content checksums (remote stores reached through a sync driver).
// Callers fall back to size comparison.
var ErrChecksumUnavailable = errors.New("checksum not available for this store")

// ErrChecksumMismatch is returned by Put when the staged content does
// not hash to the declared checksum. Nothing is published.
var ErrChecksumMismatch = errors.New("content does not match declared checksum")

// Entry describes one artifact present in a store.
type Entry struct {
	Filename string
	Size     int64
	ModTime  time.Time
}

// Store is an addressable artifact index. Implementations cover local
// directories, removable media, and remote endpoints; callers stay
// polymorphic over them.
type Store interface {
	// Name identifies the store in logs and reports.
	Name() string

	// List returns every entry in the store.
	List(ctx context.Context) ([]Entry, error)

	// Stat returns the entry for filename, or ErrNotFound.
	Stat(ctx context.Context, filename string) (*Entry, error)

	// Checksum computes the md5 digest of an entry's content, or
	// ErrChecksumUnavailable.
	Checksum(ctx context.Context, filename string) (string, error)

	// Fetch opens an entry for reading.
	Fetch(ctx context.Context, filename string) (io.ReadCloser, error)

	// Put writes an entry. The content is staged under a temporary
	// name, hashed against checksum when one is given, and only then
	// published atomically; a failed write or a mismatch
	// (ErrChecksumMismatch) leaves nothing visible under filename.
	// An empty checksum skips verification.
	Put(ctx context.Context, filename string, r io.Reader, checksum string) error

	// Delete removes an entry. Deleting a missing entry is an error.
	Delete(ctx context.Context, filename string) error

	// Free reports the bytes available for new content.
	Free(ctx context.Context) (int64, error)
}
