package store

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDirStorePutFetchDelete(t *testing.T) {
	ctx := context.Background()
	s := NewDirStore("cache", t.TempDir())

	content := "master image bytes"
	if err := s.Put(ctx, "a.img", strings.NewReader(content), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}

	entry, err := s.Stat(ctx, "a.img")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if entry.Size != int64(len(content)) {
		t.Errorf("size = %d, want %d", entry.Size, len(content))
	}

	r, err := s.Fetch(ctx, "a.img")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	got, err := io.ReadAll(r)
	r.Close()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != content {
		t.Errorf("content = %q, want %q", got, content)
	}

	if err := s.Delete(ctx, "a.img"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Stat(ctx, "a.img"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stat after delete: %v, want ErrNotFound", err)
	}
}

func TestDirStoreChecksum(t *testing.T) {
	ctx := context.Background()
	s := NewDirStore("cache", t.TempDir())

	content := []byte("artifact content")
	if err := s.Put(ctx, "b.iso", strings.NewReader(string(content)), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}

	sum := md5.Sum(content)
	want := hex.EncodeToString(sum[:])

	got, err := s.Checksum(ctx, "b.iso")
	if err != nil {
		t.Fatalf("Checksum: %v", err)
	}
	if got != want {
		t.Errorf("checksum = %s, want %s", got, want)
	}
}

func TestDirStorePutVerifiesChecksum(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := NewDirStore("medium", root)

	content := "declared bytes"
	sum := md5.Sum([]byte(content))
	want := hex.EncodeToString(sum[:])

	if err := s.Put(ctx, "a.img", strings.NewReader(content), want); err != nil {
		t.Fatalf("Put with matching checksum: %v", err)
	}
	if _, err := s.Stat(ctx, "a.img"); err != nil {
		t.Fatalf("Stat: %v", err)
	}
}

func TestDirStorePutRejectsMismatch(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := NewDirStore("medium", root)

	sum := md5.Sum([]byte("declared bytes"))
	want := hex.EncodeToString(sum[:])

	err := s.Put(ctx, "a.img", strings.NewReader("corrupted bytes!"), want)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("Put: %v, want ErrChecksumMismatch", err)
	}
	if _, err := os.Stat(filepath.Join(root, "a.img")); !os.IsNotExist(err) {
		t.Fatal("mismatching content published under final name")
	}
	if _, err := os.Stat(filepath.Join(root, "a.img.partial")); !os.IsNotExist(err) {
		t.Fatal("staging file left behind")
	}
}

func TestDirStoreListSkipsPartials(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s := NewDirStore("medium", root)

	if err := s.Put(ctx, "a.img", strings.NewReader("x"), ""); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// A crashed transfer leaves a .partial file behind; it must stay
	// invisible to listing.
	if err := os.WriteFile(filepath.Join(root, "b.iso.partial"), []byte("half"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	entries, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Filename != "a.img" {
		t.Errorf("entries = %+v, want only a.img", entries)
	}
}

func TestDirStoreStatMissing(t *testing.T) {
	s := NewDirStore("cache", t.TempDir())
	_, err := s.Stat(context.Background(), "ghost.img")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Stat: %v, want ErrNotFound", err)
	}
}

func TestDirStoreDeleteMissing(t *testing.T) {
	s := NewDirStore("cache", t.TempDir())
	err := s.Delete(context.Background(), "ghost.img")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Delete: %v, want ErrNotFound", err)
	}
}
