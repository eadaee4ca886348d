// Package synccmd implements the labsync command tree: manifest
// management, cache verification, and content distribution.
package synccmd

import (
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/courseforge/labkit/internal/cache"
	"github.com/courseforge/labkit/internal/cli"
	"github.com/courseforge/labkit/internal/config"
	"github.com/courseforge/labkit/internal/manifest"
	"github.com/courseforge/labkit/internal/store"
	"github.com/courseforge/labkit/internal/sync"
)

// app holds the wired components every subcommand works against.
type app struct {
	cfg       *config.Context
	log       *log.Logger
	cache     *cache.Cache
	manifests *manifest.Store
	rec       *sync.Reconciler
	eng       *sync.Engine
}

var (
	cur       *app
	assumeYes bool
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "labsync",
	Short: "Distribute course content between server, cache, and media",
	Long: `labsync maintains a local artifact cache driven by content manifests
and reconciles it against removable media and the course content server.

Artifacts are tracked by checksum; nothing is deleted unless you ask.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for commands that don't need it
		switch cmd.Name() {
		case "version", "completion":
			return nil
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := cli.NewLogger(verbose)
		if f := config.ConfigFileUsed(); f != "" {
			logger.Debug("loaded config", "file", f)
		}
		c := cache.New(cfg.CacheDir, logger)
		if err := c.EnsureLayout(); err != nil {
			return err
		}
		cur = &app{
			cfg:       cfg,
			log:       logger,
			cache:     c,
			manifests: manifest.NewStore(c.ManifestDir(), c, logger),
			rec:       sync.NewReconciler(),
			eng:       sync.NewEngine(logger),
		}
		return nil
	},
}

// medium returns the removable-medium store.
func (a *app) medium() store.Store {
	return store.NewDirStore("medium", a.cfg.MediumDir)
}

// server returns the content-server store, or nil when no server is
// configured. Addresses with a colon are rsync remotes; anything else
// is treated as a local mirror path.
func (a *app) server() store.Store {
	addr := a.cfg.ContentServer
	if addr == "" {
		return nil
	}
	if strings.Contains(addr, ":") {
		staging := filepath.Join(a.cfg.CacheDir, "staging")
		srv := store.NewRemoteStore("server", addr, store.NewRsyncDriver(a.log), staging)
		a.log.Debug("using rsync server store", "addr", srv.Addr())
		return srv
	}
	return store.NewDirStore("server", addr)
}

// Root returns the labsync root command.
func Root() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "answer yes to confirmation prompts")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(cli.NewVersionCmd("labsync"))
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(artifactsCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(sizeCmd)
	rootCmd.AddCommand(pushCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(updateCmd)
}
