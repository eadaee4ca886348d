// Package vmcmd implements the labvm command tree: overlay VM
// lifecycle, saves, and provisioning.
package vmcmd

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/courseforge/labkit/internal/cli"
	"github.com/courseforge/labkit/internal/config"
	"github.com/courseforge/labkit/internal/lockfile"
	"github.com/courseforge/labkit/internal/overlay"
	"github.com/courseforge/labkit/internal/store"
	"github.com/courseforge/labkit/internal/sync"
	"github.com/courseforge/labkit/pkg/virt"
)

type app struct {
	cfg   *config.Context
	log   *log.Logger
	mgr   *overlay.Manager
	locks *lockfile.Coordinator
}

var (
	cur       *app
	assumeYes bool
	inquire   bool
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "labvm",
	Short: "Manage course VMs built on overlay disks",
	Long: `labvm drives course VMs whose disks are qcow2 overlays over master
images. Student state lives in the overlay: reset discards it, save and
restore snapshot it, and the masters stay pristine.

VM selectors accept names, group names, "all" for every course VM, and
"everything" to include the infrastructure VMs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case "version", "completion":
			return nil
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := cli.NewLogger(verbose)
		locks := lockfile.NewCoordinator(cfg.LockDir)
		cur = &app{
			cfg:   cfg,
			log:   logger,
			locks: locks,
			mgr: overlay.NewManager(overlay.Options{
				Course:      cfg.Course,
				Dir:         cfg.BlockDir,
				Driver:      virt.NewLibvirt(""),
				ImageTool:   virt.NewQemuImg(),
				Locks:       locks,
				Fetcher:     newServerFetcher(cfg, logger),
				IsInfra:     cfg.IsInfraVM,
				StopTimeout: time.Duration(cfg.StopTimeoutSec) * time.Second,
				Logger:      logger,
			}),
		}
		return nil
	},
}

// serverFetcher pulls VM material from the content server's course
// subtree.
type serverFetcher struct {
	eng *sync.Engine
	src store.Store
}

func (f *serverFetcher) Fetch(ctx context.Context, filename, dstPath string) error {
	return f.eng.FetchFile(ctx, f.src, filename, dstPath)
}

func newServerFetcher(cfg *config.Context, logger *log.Logger) overlay.Fetcher {
	if cfg.ContentServer == "" {
		return nil
	}
	addr := cfg.ContentServer
	if cfg.VMTree != "" {
		addr = strings.TrimRight(addr, "/") + "/" + cfg.VMTree
	}
	var src store.Store
	if strings.Contains(cfg.ContentServer, ":") {
		src = store.NewRemoteStore("server", addr, store.NewRsyncDriver(logger), cfg.BlockDir)
	} else {
		src = store.NewDirStore("server", path.Clean(addr))
	}
	return &serverFetcher{eng: sync.NewEngine(logger), src: src}
}

// expand resolves command arguments into concrete VM names.
func expand(args []string) ([]string, error) {
	return cur.cfg.ExpandVMs(strings.Join(args, " "))
}

// forEach runs op over every selected VM, printing one line per VM and
// keeping going past failures. op returns the success message for its
// VM.
func forEach(cmd *cobra.Command, args []string, verb string, op func(ctx context.Context, vm string) (string, error)) error {
	vms, err := expand(args)
	if err != nil {
		return err
	}
	var failed int
	for _, vm := range vms {
		if inquire {
			ok, err := cli.Confirm(fmt.Sprintf("%s %s?", verb, vm), false)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
		}
		msg, err := op(cmd.Context(), vm)
		if err != nil {
			failed++
			fmt.Printf("%s: %s: %v\n", vm, color.RedString("FAILED"), err)
			continue
		}
		fmt.Printf("%s: %s\n", vm, msg)
	}
	return cli.BatchErr(failed, len(vms))
}

// simple adapts a message-less manager operation for forEach.
func simple(msg string, f func(ctx context.Context, vm string) error) func(context.Context, string) (string, error) {
	return func(ctx context.Context, vm string) (string, error) {
		return msg, f(ctx, vm)
	}
}

// confirmDestructive asks once for the whole batch unless --yes.
func confirmDestructive(verb string, args []string) (bool, error) {
	if inquire {
		// Per-VM prompts already cover it.
		return true, nil
	}
	vms, err := expand(args)
	if err != nil {
		return false, err
	}
	return cli.Confirm(fmt.Sprintf("%s %s?", verb, strings.Join(vms, ", ")), assumeYes)
}

// Root returns the labvm root command.
func Root() *cobra.Command {
	return rootCmd
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&assumeYes, "yes", "y", false, "answer yes to confirmation prompts")
	rootCmd.PersistentFlags().BoolVarP(&inquire, "inquire", "i", false, "confirm each VM before acting on it")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(cli.NewVersionCmd("labvm"))
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(poweroffCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(fullresetCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(rmsaveCmd)
	rootCmd.AddCommand(savesCmd)
	rootCmd.AddCommand(statusCmd)
}
