package synccmd

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List loaded manifests",
	Long:  `List every loaded manifest with its version and artifact count.`,
	RunE:  runList,
}

var artifactsCmd = &cobra.Command{
	Use:   "artifacts",
	Short: "List cached artifacts",
	Long: `List every artifact the cache tracks, with its size, the manifests
referencing it, and its health.`,
	RunE: runArtifacts,
}

func runList(cmd *cobra.Command, args []string) error {
	manifests, err := cur.manifests.List()
	if err != nil {
		return err
	}
	if len(manifests) == 0 {
		fmt.Println("No manifests loaded.")
		return nil
	}
	for _, m := range manifests {
		fmt.Printf("%-30s %-10s %d artifacts\n", m.Name, m.Version, len(m.Artifacts))
	}
	return nil
}

func runArtifacts(cmd *cobra.Command, args []string) error {
	entries, err := cur.cache.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("Cache is empty.")
		return nil
	}
	for _, e := range entries {
		mark := ""
		switch {
		case e.Invalid:
			mark = color.RedString(" INVALID")
		case e.Obsolete():
			mark = color.YellowString(" obsolete")
		}
		fmt.Printf("%-40s %10s  %d refs%s\n",
			e.Filename, humanize.Bytes(uint64(e.Size)), len(e.Refs), mark)
	}
	return nil
}
