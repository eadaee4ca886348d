package synccmd

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/courseforge/labkit/internal/cache"
	"github.com/courseforge/labkit/internal/cli"
	"github.com/courseforge/labkit/internal/manifest"
)

var (
	verifyQuick bool
	verifyNewer time.Duration
)

var verifyCmd = &cobra.Command{
	Use:   "verify [manifest-id]",
	Short: "Verify cached artifact integrity",
	Long: `Recompute the checksum of cached artifacts against their manifest
declarations. With --quick only existence and size are checked. With
--newer only artifacts modified within the given window are checked.

Corrupt artifacts are marked invalid but never deleted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	mode := cache.VerifyFull
	if verifyQuick {
		mode = cache.VerifyQuick
	}

	var results []cache.Result
	var err error
	switch {
	case verifyNewer > 0:
		if verifyQuick {
			return fmt.Errorf("--quick and --newer are mutually exclusive")
		}
		results, err = cur.cache.VerifyNewer(ctx, time.Now().Add(-verifyNewer))
	case len(args) == 1:
		results, err = cur.cache.VerifyManifest(ctx, manifest.ID(args[0]), mode)
	default:
		results, err = cur.cache.VerifyAll(ctx, mode)
	}
	if err != nil {
		return err
	}

	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Printf("%s %s: %v\n", color.RedString("FAIL"), r.Entry.Filename, r.Err)
			continue
		}
		fmt.Printf("%s   %s\n", color.GreenString("OK"), r.Entry.Filename)
	}
	fmt.Printf("%d verified, %d failed\n", len(results)-failed, failed)
	if failed > 0 {
		if failed == len(results) {
			return fmt.Errorf("all %d artifacts failed verification", failed)
		}
		return fmt.Errorf("%w: %d artifacts failed verification", cli.ErrPartial, failed)
	}
	return nil
}

func init() {
	verifyCmd.Flags().BoolVarP(&verifyQuick, "quick", "q", false, "check existence and size only")
	verifyCmd.Flags().DurationVar(&verifyNewer, "newer", 0, "full verify only artifacts modified within this window (e.g. 48h)")
}
