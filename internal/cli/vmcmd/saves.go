package vmcmd

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var saveCmd = &cobra.Command{
	Use:   "save <vms> [label]",
	Short: "Snapshot VM overlays",
	Long: `Copy the selected VMs' overlays aside under a label. Without a label
the current timestamp is used. The VMs must be shut off.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		label := ""
		if len(args) == 2 {
			label = args[1]
		}
		return forEach(cmd, args[:1], "save", func(ctx context.Context, vm string) (string, error) {
			got, err := cur.mgr.Save(ctx, vm, label)
			if err != nil {
				return "", err
			}
			return "saved as " + got, nil
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <vms> [label]",
	Short: "Restore VM overlays from a save",
	Long: `Replace the selected VMs' overlays with a save. Without a label the
most recent save is restored. The VMs must be shut off.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		label := ""
		if len(args) == 2 {
			label = args[1]
		}
		ok, err := confirmDestructive("Replace the overlays of", args[:1])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
		return forEach(cmd, args[:1], "restore", func(ctx context.Context, vm string) (string, error) {
			got, err := cur.mgr.Restore(ctx, vm, label)
			if err != nil {
				return "", err
			}
			return "restored " + got, nil
		})
	},
}

var rmsaveCmd = &cobra.Command{
	Use:   "rmsave <vms> <label>",
	Short: "Delete a VM save",
	Long:  `Delete the named save from the selected VMs.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		label := args[1]
		return forEach(cmd, args[:1], "rmsave", func(ctx context.Context, vm string) (string, error) {
			return "deleted " + label, cur.mgr.DeleteSave(ctx, vm, label)
		})
	},
}

var savesCmd = &cobra.Command{
	Use:   "saves <vms>",
	Short: "List VM saves",
	Long:  `List the selected VMs' saves, oldest first.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		vms, err := expand(args)
		if err != nil {
			return err
		}
		for _, vm := range vms {
			saves, err := cur.mgr.ListSaves(cmd.Context(), vm)
			if err != nil {
				return err
			}
			if len(saves) == 0 {
				fmt.Printf("%s: no saves\n", vm)
				continue
			}
			fmt.Printf("%s:\n", vm)
			for _, s := range saves {
				fmt.Printf("  %-20s %10s  %s\n",
					s.Label, humanize.Bytes(uint64(s.Size)), s.Taken.Format("2006-01-02 15:04"))
			}
		}
		return nil
	},
}
