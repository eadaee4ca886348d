package synccmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/courseforge/labkit/internal/cli"
	"github.com/courseforge/labkit/internal/sync"
	"github.com/courseforge/labkit/internal/timing"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Fetch missing artifacts from the content server",
	Long: `Reconcile the cache against the loaded manifests, fetching missing
and outdated artifacts from the content server. Fetched content is
verified against the manifest checksum before it becomes visible.`,
	RunE: runUpdate,
}

func runUpdate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	server := cur.server()
	if server == nil {
		return fmt.Errorf("no content server configured")
	}
	manifests, err := cur.manifests.List()
	if err != nil {
		return err
	}

	timer := timing.New()
	plan, err := cur.rec.Diff(ctx, manifests, cur.cache.Store())
	if err != nil {
		return err
	}
	timer.Mark(timing.PhaseDiff)
	copies := plan.Copies()
	if len(copies) == 0 {
		fmt.Println("Cache is up to date.")
		return nil
	}
	copyBytes, _ := plan.Preview()
	fmt.Printf("Fetching %d artifacts (%s) from %s\n",
		len(copies), humanize.Bytes(uint64(copyBytes)), cur.cfg.ContentServer)

	if err := sync.CheckSpace(ctx, plan, cur.cache.Store()); err != nil {
		return err
	}
	report, err := cur.eng.Apply(ctx, plan, server, cur.cache.Store(), sync.ApplyOptions{})
	if err != nil {
		return err
	}
	timer.Mark(timing.PhaseTransfer)
	printReport(report)
	if verbose {
		timer.Report(cmd.OutOrStdout())
	}
	if len(report.Failed) > 0 {
		if len(report.Copied) == 0 {
			return fmt.Errorf("update failed: %w", report.Err())
		}
		return fmt.Errorf("%w: %v", cli.ErrPartial, report.Err())
	}
	return nil
}
