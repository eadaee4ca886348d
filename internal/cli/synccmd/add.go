package synccmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/courseforge/labkit/internal/cli"
	"github.com/courseforge/labkit/internal/manifest"
)

var addCmd = &cobra.Command{
	Use:   "add <manifest.yml>...",
	Short: "Load manifests into the cache",
	Long: `Parse manifest files and load them, adding a reference to every
artifact they declare. Loading does not fetch content; run update
afterwards to pull missing artifacts from the server.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAdd,
}

var removeCmd = &cobra.Command{
	Use:   "remove <manifest-id>...",
	Short: "Unload manifests",
	Long: `Unload manifests, dropping their references. Artifacts left without
references stay cached until purge removes them.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRemove,
}

func runAdd(cmd *cobra.Command, args []string) error {
	var failed int
	for _, path := range args {
		m, err := cur.manifests.Load(path)
		if err != nil {
			cur.log.Error("load failed", "path", path, "err", err)
			failed++
			continue
		}
		fmt.Printf("Loaded %s (%d artifacts)\n", m.ID(), len(m.Artifacts))
	}
	return cli.BatchErr(failed, len(args))
}

func runRemove(cmd *cobra.Command, args []string) error {
	var failed int
	for _, id := range args {
		if err := cur.manifests.Unload(manifest.ID(id)); err != nil {
			cur.log.Error("unload failed", "id", id, "err", err)
			failed++
			continue
		}
		fmt.Printf("Unloaded %s\n", id)
	}
	return cli.BatchErr(failed, len(args))
}
