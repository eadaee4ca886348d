package sync

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/courseforge/labkit/internal/store"
	"github.com/courseforge/labkit/internal/testutil"
)

// flakyStore fails the first failPuts Put calls, then behaves normally.
type flakyStore struct {
	store.Store
	failPuts int
	puts     int
}

func (f *flakyStore) Put(ctx context.Context, filename string, r io.Reader, checksum string) error {
	f.puts++
	if f.puts <= f.failPuts {
		io.Copy(io.Discard, r)
		return errors.New("device reset")
	}
	return f.Store.Put(ctx, filename, r, checksum)
}

func TestCopyVerifies(t *testing.T) {
	ctx := context.Background()
	srcDir, dstDir := t.TempDir(), t.TempDir()
	ref := putRef(t, srcDir, "a.img", "payload")

	src := store.NewDirStore("cache", srcDir)
	dst := store.NewDirStore("medium", dstDir)
	if err := NewEngine(testutil.Logger()).Copy(ctx, src, dst, ref); err != nil {
		t.Fatalf("copy: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dstDir, "a.img"))
	if err != nil {
		t.Fatalf("read copied artifact: %v", err)
	}
	if string(data) != "payload" {
		t.Fatalf("copied content = %q", data)
	}
}

func TestCopyCorruptSourcePublishesNothing(t *testing.T) {
	ctx := context.Background()
	srcDir, dstDir := t.TempDir(), t.TempDir()
	ref := putRef(t, srcDir, "a.img", "payload")
	// The source now serves bytes that do not hash to the declared
	// checksum.
	testutil.WriteFile(t, srcDir, "a.img", []byte("corrupted bytes!"))

	src := store.NewDirStore("cache", srcDir)
	dst := store.NewDirStore("medium", dstDir)
	err := NewEngine(testutil.Logger()).Copy(ctx, src, dst, ref)
	if !errors.Is(err, store.ErrChecksumMismatch) {
		t.Fatalf("copy: %v, want ErrChecksumMismatch", err)
	}
	if _, statErr := os.Stat(filepath.Join(dstDir, "a.img")); !os.IsNotExist(statErr) {
		t.Fatal("unverified artifact published under final name")
	}
	if _, statErr := os.Stat(filepath.Join(dstDir, "a.img.partial")); !os.IsNotExist(statErr) {
		t.Fatal("staging file left behind")
	}
}

func TestCopyRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	srcDir, dstDir := t.TempDir(), t.TempDir()
	ref := putRef(t, srcDir, "a.img", "payload")

	src := store.NewDirStore("cache", srcDir)
	dst := &flakyStore{Store: store.NewDirStore("medium", dstDir), failPuts: 2}
	if err := NewEngine(testutil.Logger()).Copy(ctx, src, dst, ref); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if dst.puts != 3 {
		t.Fatalf("puts = %d, want 3", dst.puts)
	}
}

func TestCopyGivesUpAfterBoundedRetries(t *testing.T) {
	ctx := context.Background()
	srcDir, dstDir := t.TempDir(), t.TempDir()
	ref := putRef(t, srcDir, "a.img", "payload")

	src := store.NewDirStore("cache", srcDir)
	dst := &flakyStore{Store: store.NewDirStore("medium", dstDir), failPuts: 10}
	err := NewEngine(testutil.Logger()).Copy(ctx, src, dst, ref)
	if err == nil {
		t.Fatal("copy succeeded against persistently failing store")
	}
	if dst.puts != maxAttempts {
		t.Fatalf("puts = %d, want %d", dst.puts, maxAttempts)
	}
	var terr *TransferError
	if !errors.As(err, &terr) || !terr.Retryable {
		t.Fatalf("error = %#v, want retryable TransferError", err)
	}
}

func TestCopyMissingSourceNotRetried(t *testing.T) {
	ctx := context.Background()
	src := store.NewDirStore("cache", t.TempDir())
	dstDir := t.TempDir()
	dst := &flakyStore{Store: store.NewDirStore("medium", dstDir)}

	ref := putRef(t, t.TempDir(), "ghost.img", "never stored in src")
	err := NewEngine(testutil.Logger()).Copy(ctx, src, dst, ref)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if dst.puts != 0 {
		t.Fatalf("puts = %d, want 0", dst.puts)
	}
}

func TestApplyContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	srcDir, dstDir := t.TempDir(), t.TempDir()

	good := putRef(t, srcDir, "good.img", "fine")
	bad := putRef(t, t.TempDir(), "bad.img", "absent from source")

	src := store.NewDirStore("cache", srcDir)
	dst := store.NewDirStore("medium", dstDir)
	plan := &Plan{Target: "medium", Items: []Item{
		{Filename: "bad.img", State: Missing, Ref: bad},
		{Filename: "good.img", State: Missing, Ref: good},
	}}

	report, err := NewEngine(testutil.Logger()).Apply(ctx, plan, src, dst, ApplyOptions{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(report.Copied) != 1 || report.Copied[0] != "good.img" {
		t.Fatalf("copied = %v", report.Copied)
	}
	if len(report.Failed) != 1 || report.Failed[0].Filename != "bad.img" {
		t.Fatalf("failed = %+v", report.Failed)
	}
	if report.Err() == nil {
		t.Fatal("report.Err() = nil with failures present")
	}
}

func TestApplyLeavesOrphansByDefault(t *testing.T) {
	ctx := context.Background()
	dstDir := t.TempDir()
	testutil.WriteFile(t, dstDir, "orphan.img", []byte("keep me"))

	src := store.NewDirStore("cache", t.TempDir())
	dst := store.NewDirStore("medium", dstDir)
	plan := &Plan{Target: "medium", Items: []Item{
		{Filename: "orphan.img", State: Orphaned, Have: store.Entry{Filename: "orphan.img", Size: 7}},
	}}

	report, err := NewEngine(testutil.Logger()).Apply(ctx, plan, src, dst, ApplyOptions{})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(report.Removed) != 0 || len(report.Skipped) != 1 {
		t.Fatalf("report = %+v", report)
	}
	if _, err := os.Stat(filepath.Join(dstDir, "orphan.img")); err != nil {
		t.Fatalf("orphan removed without opt-in: %v", err)
	}
}

func TestFetchFile(t *testing.T) {
	ctx := context.Background()
	srcDir := t.TempDir()
	putRef(t, srcDir, "master.qcow2", "base image")

	dstPath := filepath.Join(t.TempDir(), "rh124-vm1-vda.qcow2")
	src := store.NewDirStore("server", srcDir)
	if err := NewEngine(testutil.Logger()).FetchFile(ctx, src, "master.qcow2", dstPath); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	data, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("read fetched file: %v", err)
	}
	if string(data) != "base image" {
		t.Fatalf("content = %q", data)
	}
	if _, err := os.Stat(dstPath + ".partial"); !os.IsNotExist(err) {
		t.Fatal("staging file left behind")
	}
}
