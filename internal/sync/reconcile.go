// Package sync computes and applies content reconciliation plans between
// artifact stores.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/courseforge/labkit/internal/manifest"
	"github.com/courseforge/labkit/internal/store"
)

// ErrManifestConflict is returned when two manifests in the same
// reconciliation scope declare the same filename with different
// checksums.
var ErrManifestConflict = errors.New("conflicting manifest declarations")

// ErrStorageExhausted is returned when the target store lacks the free
// space a plan needs.
var ErrStorageExhausted = errors.New("insufficient space on target store")

// ConflictError identifies the filename two manifests disagree on.
type ConflictError struct {
	Filename  string
	Checksums []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting manifest declarations for %s: %v", e.Filename, e.Checksums)
}

func (e *ConflictError) Unwrap() error { return ErrManifestConflict }

// State classifies one filename relative to the desired content set.
type State int

const (
	// Missing artifacts are declared but absent from the target.
	Missing State = iota
	// Stale artifacts exist on the target with the wrong content.
	Stale
	// Orphaned artifacts exist on the target but no manifest declares
	// them.
	Orphaned
	// Current artifacts need no work.
	Current
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case Stale:
		return "stale"
	case Orphaned:
		return "orphaned"
	case Current:
		return "current"
	}
	return "unknown"
}

// Item is one filename's classification. Ref is zero for orphans; Have
// is zero for missing artifacts.
type Item struct {
	Filename string
	State    State
	Ref      manifest.ArtifactRef
	Have     store.Entry
}

// Plan is the ordered outcome of a reconciliation diff. Applying a plan
// and diffing again yields an empty plan.
type Plan struct {
	Target string
	Items  []Item
}

// Copies returns the items that require a transfer to the target.
func (p *Plan) Copies() []Item {
	var out []Item
	for _, it := range p.Items {
		if it.State == Missing || it.State == Stale {
			out = append(out, it)
		}
	}
	return out
}

// Orphans returns the items present on the target but undeclared.
func (p *Plan) Orphans() []Item {
	var out []Item
	for _, it := range p.Items {
		if it.State == Orphaned {
			out = append(out, it)
		}
	}
	return out
}

// Empty reports whether the plan needs no copies and has no orphans.
func (p *Plan) Empty() bool {
	return len(p.Copies()) == 0 && len(p.Orphans()) == 0
}

// Preview sums the bytes a plan would move and reclaim.
func (p *Plan) Preview() (copyBytes, reclaimBytes int64) {
	for _, it := range p.Items {
		switch it.State {
		case Missing:
			copyBytes += it.Ref.Size
		case Stale:
			copyBytes += it.Ref.Size
			reclaimBytes += it.Have.Size
		case Orphaned:
			reclaimBytes += it.Have.Size
		}
	}
	return copyBytes, reclaimBytes
}

// Reconciler diffs a set of manifests against a target store.
type Reconciler struct{}

// NewReconciler creates a reconciler.
func NewReconciler() *Reconciler {
	return &Reconciler{}
}

// desiredSet folds manifests into a filename-keyed map, rejecting
// conflicting declarations.
func desiredSet(manifests []*manifest.Manifest) (map[string]manifest.ArtifactRef, error) {
	desired := make(map[string]manifest.ArtifactRef)
	for _, m := range manifests {
		for _, ref := range m.Artifacts {
			prev, ok := desired[ref.Filename]
			if ok && prev.Checksum != ref.Checksum {
				return nil, &ConflictError{
					Filename:  ref.Filename,
					Checksums: []string{prev.Checksum, ref.Checksum},
				}
			}
			desired[ref.Filename] = ref
		}
	}
	return desired, nil
}

// Diff classifies every declared and present filename. The target's
// entries are compared by checksum where the store supports it, by size
// otherwise.
func (r *Reconciler) Diff(ctx context.Context, manifests []*manifest.Manifest, target store.Store) (*Plan, error) {
	desired, err := desiredSet(manifests)
	if err != nil {
		return nil, err
	}

	entries, err := target.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", target.Name(), err)
	}
	have := make(map[string]store.Entry, len(entries))
	for _, e := range entries {
		have[e.Filename] = e
	}

	plan := &Plan{Target: target.Name()}
	for filename, ref := range desired {
		entry, ok := have[filename]
		if !ok {
			plan.Items = append(plan.Items, Item{Filename: filename, State: Missing, Ref: ref})
			continue
		}
		same, err := matches(ctx, target, entry, ref)
		if err != nil {
			return nil, err
		}
		state := Current
		if !same {
			state = Stale
		}
		plan.Items = append(plan.Items, Item{Filename: filename, State: state, Ref: ref, Have: entry})
	}
	for filename, entry := range have {
		if _, ok := desired[filename]; !ok {
			plan.Items = append(plan.Items, Item{Filename: filename, State: Orphaned, Have: entry})
		}
	}
	sort.Slice(plan.Items, func(i, j int) bool { return plan.Items[i].Filename < plan.Items[j].Filename })
	return plan, nil
}

func matches(ctx context.Context, target store.Store, entry store.Entry, ref manifest.ArtifactRef) (bool, error) {
	sum, err := target.Checksum(ctx, entry.Filename)
	switch {
	case err == nil:
		return sum == ref.Checksum, nil
	case errors.Is(err, store.ErrChecksumUnavailable):
		return entry.Size == ref.Size, nil
	default:
		return false, fmt.Errorf("checksum %s on %s: %w", entry.Filename, target.Name(), err)
	}
}

// CheckSpace verifies the target has room for the plan's copies, after
// accounting for the bytes stale replacement frees.
func CheckSpace(ctx context.Context, plan *Plan, target store.Store) error {
	free, err := target.Free(ctx)
	if err != nil {
		return fmt.Errorf("free space on %s: %w", target.Name(), err)
	}
	copyBytes, _ := plan.Preview()
	var staleBytes int64
	for _, it := range plan.Items {
		if it.State == Stale {
			staleBytes += it.Have.Size
		}
	}
	if need := copyBytes - staleBytes; need > free {
		return fmt.Errorf("%w: need %d bytes, %d free on %s", ErrStorageExhausted, need, free, target.Name())
	}
	return nil
}
