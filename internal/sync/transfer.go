package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"

	"github.com/courseforge/labkit/internal/manifest"
	"github.com/courseforge/labkit/internal/store"
)

// maxAttempts bounds retries of a single artifact transfer.
const maxAttempts = 3

// TransferError describes one failed transfer. Retryable errors are
// worth another attempt on the same content; the rest fail immediately.
type TransferError struct {
	Filename  string
	Store     string
	Retryable bool
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s to %s: %v", e.Filename, e.Store, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// Failure records one artifact Apply could not deliver.
type Failure struct {
	Filename string
	Err      error
}

// Report aggregates the per-artifact outcomes of a batch Apply. A batch
// keeps going past individual failures.
type Report struct {
	Copied  []string
	Removed []string
	Skipped []string
	Failed  []Failure
}

// Err returns a summary error when any artifact failed, nil otherwise.
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d transfers failed", len(r.Failed), len(r.Copied)+len(r.Removed)+len(r.Failed))
}

// Engine moves artifacts between stores with checksum-verified staging
// and bounded retries.
type Engine struct {
	log *log.Logger
}

// NewEngine creates a transfer engine.
func NewEngine(logger *log.Logger) *Engine {
	return &Engine{log: logger}
}

// Copy transfers one declared artifact from src to dst. The store
// hashes the staged content against the declared checksum before the
// publish rename, so the artifact only becomes visible under its final
// name once it verified; interrupted or mismatching transfers leave
// nothing behind.
func (e *Engine) Copy(ctx context.Context, src, dst store.Store, ref manifest.ArtifactRef) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := e.copyOnce(ctx, src, dst, ref)
		if err == nil {
			if attempt > 1 {
				e.log.Info("transfer recovered", "file", ref.Filename, "attempt", attempt)
			}
			return nil
		}
		lastErr = err
		var terr *TransferError
		if !errors.As(err, &terr) || !terr.Retryable {
			return err
		}
		e.log.Warn("transfer failed, retrying", "file", ref.Filename, "attempt", attempt, "err", err)
	}
	return lastErr
}

func (e *Engine) copyOnce(ctx context.Context, src, dst store.Store, ref manifest.ArtifactRef) error {
	r, err := src.Fetch(ctx, ref.Filename)
	if err != nil {
		retryable := !errors.Is(err, store.ErrNotFound)
		return &TransferError{Filename: ref.Filename, Store: src.Name(), Retryable: retryable, Err: err}
	}
	defer r.Close()

	// The destination verifies the staged bytes against the declared
	// checksum before its publish rename. A mismatch is retryable: the
	// next attempt re-fetches from the source.
	if err := dst.Put(ctx, ref.Filename, r, ref.Checksum); err != nil {
		return &TransferError{Filename: ref.Filename, Store: dst.Name(), Retryable: true, Err: err}
	}
	return nil
}

// ApplyOptions selects which plan items Apply acts on.
type ApplyOptions struct {
	// RemoveOrphans deletes target entries no manifest declares.
	RemoveOrphans bool
}

// Apply executes a plan, copying from src to dst. Individual failures
// are collected in the report rather than aborting the batch; only
// context cancellation stops it early.
func (e *Engine) Apply(ctx context.Context, plan *Plan, src, dst store.Store, opts ApplyOptions) (*Report, error) {
	report := &Report{}
	start := time.Now()
	for _, it := range plan.Items {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		switch it.State {
		case Current:
			report.Skipped = append(report.Skipped, it.Filename)
		case Missing, Stale:
			e.log.Info("copying", "file", it.Filename, "to", dst.Name(), "state", it.State.String())
			if err := e.Copy(ctx, src, dst, it.Ref); err != nil {
				e.log.Error("copy failed", "file", it.Filename, "err", err)
				report.Failed = append(report.Failed, Failure{Filename: it.Filename, Err: err})
				continue
			}
			report.Copied = append(report.Copied, it.Filename)
		case Orphaned:
			if !opts.RemoveOrphans {
				report.Skipped = append(report.Skipped, it.Filename)
				continue
			}
			e.log.Info("removing orphan", "file", it.Filename, "from", dst.Name())
			if err := dst.Delete(ctx, it.Filename); err != nil {
				report.Failed = append(report.Failed, Failure{Filename: it.Filename, Err: err})
				continue
			}
			report.Removed = append(report.Removed, it.Filename)
		}
	}
	e.log.Debug("apply finished",
		"copied", len(report.Copied),
		"removed", len(report.Removed),
		"failed", len(report.Failed),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return report, nil
}

// FetchFile copies one store entry to an absolute path on the local
// filesystem, staging next to the destination and renaming into place.
func (e *Engine) FetchFile(ctx context.Context, src store.Store, filename, dstPath string) error {
	r, err := src.Fetch(ctx, filename)
	if err != nil {
		return fmt.Errorf("fetch %s from %s: %w", filename, src.Name(), err)
	}
	defer r.Close()

	tmp := dstPath + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("stage %s: %w", dstPath, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", dstPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", dstPath, err)
	}
	if err := os.Rename(tmp, dstPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish %s: %w", dstPath, err)
	}
	return nil
}
