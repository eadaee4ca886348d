package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/courseforge/labkit/internal/version"
)

// NewVersionCmd builds the version subcommand shared by both binaries.
func NewVersionCmd(app string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  "Print the version, commit hash, and build date of " + app + ".",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s %s\n", app, version.Version)
			fmt.Printf("  Commit:     %s\n", version.Commit)
			fmt.Printf("  Build Date: %s\n", version.BuildDate)
		},
	}
}
