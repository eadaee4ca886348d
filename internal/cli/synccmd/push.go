package synccmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/courseforge/labkit/internal/cli"
	"github.com/courseforge/labkit/internal/manifest"
	"github.com/courseforge/labkit/internal/sync"
	"github.com/courseforge/labkit/internal/timing"
)

var (
	pushRemoveOrphans bool
	pushDryRun        bool
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Bring the removable medium up to date",
	Long: `Reconcile the removable medium against the loaded manifests, copying
missing and outdated artifacts from the cache. Artifacts on the medium
no manifest declares are left alone unless --remove-orphans is given.

The medium carries its manifest documents under manifests/. After a
clean push they are brought in step with the loaded set: releases
superseded by a newer loaded version of the same course are dropped.`,
	RunE: runPush,
}

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Compare the medium against the loaded manifests",
	Long: `Show, without changing anything, how the removable medium compares to
the loaded manifests:

  ==  up to date
  C>  cache has content the medium lacks
  <U  on the medium only, no manifest declares it`,
	RunE: runDiff,
}

func runPush(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	timer := timing.New()
	manifests, err := cur.manifests.List()
	if err != nil {
		return err
	}
	medium := cur.medium()
	plan, err := cur.rec.Diff(ctx, manifests, medium)
	if err != nil {
		return err
	}
	timer.Mark(timing.PhaseDiff)
	if plan.Empty() {
		fmt.Println("Medium is up to date.")
		return refreshMediumManifests(manifests)
	}

	copyBytes, reclaimBytes := plan.Preview()
	fmt.Printf("%d to copy (%s), %d orphaned (%s reclaimable)\n",
		len(plan.Copies()), humanize.Bytes(uint64(copyBytes)),
		len(plan.Orphans()), humanize.Bytes(uint64(reclaimBytes)))
	if pushDryRun {
		for _, it := range plan.Copies() {
			fmt.Printf("  copy   %s\n", it.Filename)
		}
		for _, it := range plan.Orphans() {
			fmt.Printf("  orphan %s\n", it.Filename)
		}
		return nil
	}

	if err := sync.CheckSpace(ctx, plan, medium); err != nil {
		return err
	}
	ok, err := cli.Confirm(fmt.Sprintf("Copy %s to %s?", humanize.Bytes(uint64(copyBytes)), cur.cfg.MediumDir), assumeYes)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("Aborted.")
		return nil
	}

	report, err := cur.eng.Apply(ctx, plan, cur.cache.Store(), medium,
		sync.ApplyOptions{RemoveOrphans: pushRemoveOrphans})
	if err != nil {
		return err
	}
	timer.Mark(timing.PhaseTransfer)
	printReport(report)
	if verbose {
		timer.Report(cmd.OutOrStdout())
	}
	if len(report.Failed) > 0 {
		if len(report.Copied)+len(report.Removed) == 0 {
			return fmt.Errorf("push failed: %w", report.Err())
		}
		return fmt.Errorf("%w: %v", cli.ErrPartial, report.Err())
	}
	// The medium's manifest documents only advance once every declared
	// artifact made it across.
	return refreshMediumManifests(manifests)
}

// refreshMediumManifests keeps the manifest documents carried on the
// medium in step with the loaded set: documents superseded by a newer
// loaded release of the same course are dropped, then the loaded
// documents are written out.
func refreshMediumManifests(loaded []*manifest.Manifest) error {
	dir := filepath.Join(cur.cfg.MediumDir, "manifests")
	onMedium, err := manifest.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, old := range onMedium {
		latest := manifest.Newest(loaded, old.Name)
		if latest == nil {
			fmt.Printf("not in cache  : %s\n", old.ID())
			continue
		}
		switch cmp := manifest.CompareVersions(old.Version, latest.Version); {
		case cmp < 0:
			fmt.Printf("superseded    : %s by %s\n", old.ID(), latest.ID())
			if err := os.Remove(filepath.Join(dir, string(old.ID())+".yml")); err != nil {
				return fmt.Errorf("drop superseded manifest %s: %w", old.ID(), err)
			}
		case cmp > 0:
			fmt.Printf("medium is newer: %s (cache has %s)\n", old.ID(), latest.ID())
		}
	}
	for _, m := range loaded {
		if err := cur.manifests.Export(m.ID(), dir); err != nil {
			return err
		}
	}
	return nil
}

func runDiff(cmd *cobra.Command, args []string) error {
	manifests, err := cur.manifests.List()
	if err != nil {
		return err
	}
	plan, err := cur.rec.Diff(cmd.Context(), manifests, cur.medium())
	if err != nil {
		return err
	}
	for _, it := range plan.Items {
		switch it.State {
		case sync.Current:
			fmt.Printf("%s  %s\n", color.GreenString("=="), it.Filename)
		case sync.Missing, sync.Stale:
			fmt.Printf("%s  %s\n", color.YellowString("C>"), it.Filename)
		case sync.Orphaned:
			fmt.Printf("%s  %s\n", color.RedString("<U"), it.Filename)
		}
	}
	return nil
}

func printReport(r *sync.Report) {
	fmt.Printf("%d copied, %d removed, %d up to date, %d failed\n",
		len(r.Copied), len(r.Removed), len(r.Skipped), len(r.Failed))
	for _, f := range r.Failed {
		fmt.Printf("  %s %s: %v\n", color.RedString("FAIL"), f.Filename, f.Err)
	}
}

func init() {
	pushCmd.Flags().BoolVar(&pushRemoveOrphans, "remove-orphans", false, "delete undeclared artifacts from the medium")
	pushCmd.Flags().BoolVarP(&pushDryRun, "dry-run", "n", false, "show the plan without copying")
}
