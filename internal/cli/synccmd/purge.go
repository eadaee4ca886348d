package synccmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/courseforge/labkit/internal/cli"
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete unreferenced artifacts",
	Long: `Delete every cached artifact no loaded manifest references. This is
the only operation that deletes cache content.`,
	RunE: runPurge,
}

func runPurge(cmd *cobra.Command, args []string) error {
	obsolete, err := cur.cache.Obsolete()
	if err != nil {
		return err
	}
	if len(obsolete) == 0 {
		fmt.Println("Nothing to purge.")
		return nil
	}

	var total int64
	for _, e := range obsolete {
		fmt.Printf("  %s (%s)\n", e.Filename, humanize.Bytes(uint64(e.Size)))
		total += e.Size
	}
	ok, err := cli.Confirm(
		fmt.Sprintf("Delete %d artifacts, reclaiming %s?", len(obsolete), humanize.Bytes(uint64(total))),
		assumeYes)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("Aborted.")
		return nil
	}

	purged, err := cur.cache.PurgeObsolete(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d artifacts.\n", len(purged))
	return nil
}
