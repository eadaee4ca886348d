package synccmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var sizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Report cache disk usage",
	Long:  `Report the disk usage of the cache, per manifest and in total.`,
	RunE:  runSize,
}

func runSize(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	manifests, err := cur.manifests.List()
	if err != nil {
		return err
	}
	for _, m := range manifests {
		size, err := cur.cache.SizeOf(ctx, m.ID())
		if err != nil {
			return err
		}
		fmt.Printf("%-30s %10s\n", m.ID(), humanize.Bytes(uint64(size)))
	}

	total, err := cur.cache.SizeAll(ctx)
	if err != nil {
		return err
	}
	free, err := cur.cache.Store().Free(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%-30s %10s (%s free)\n", "total", humanize.Bytes(uint64(total)), humanize.Bytes(uint64(free)))
	return nil
}
