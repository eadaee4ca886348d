package vmcmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:   "start <vms>",
	Short: "Boot VMs",
	Long:  `Boot the selected VMs, defining them with the hypervisor first if needed.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return forEach(cmd, args, "start", simple("started", cur.mgr.Start))
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <vms>",
	Short: "Shut VMs down gracefully",
	Long: `Ask the guests to shut down and wait for them. VMs still running when
the timeout expires are forcefully powered off.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return forEach(cmd, args, "stop", simple("stopped", cur.mgr.Stop))
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart <vms>",
	Short: "Stop and boot VMs again",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return forEach(cmd, args, "restart", simple("restarted", cur.mgr.Restart))
	},
}

var poweroffCmd = &cobra.Command{
	Use:   "poweroff <vms>",
	Short: "Power VMs off immediately",
	Long:  `Terminate the selected VMs without asking the guest, like pulling the plug.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return forEach(cmd, args, "poweroff", simple("powered off", cur.mgr.Poweroff))
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <vms>",
	Short: "Discard VM state back to the masters",
	Long: `Recreate the selected VMs' overlays from their master images,
discarding all student state. Running VMs are powered off first.
Saves are kept.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := confirmDestructive("Discard the state of", args)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
		return forEach(cmd, args, "reset", simple("reset", cur.mgr.Reset))
	},
}

var fullresetCmd = &cobra.Command{
	Use:   "fullreset <vms>",
	Short: "Re-fetch masters and reset",
	Long: `Re-fetch the selected VMs' definitions and master images from the
content server, then recreate the overlays. Saves are removed, they no
longer match the masters.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := confirmDestructive("Re-fetch masters and discard the state of", args)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
		return forEach(cmd, args, "fullreset", simple("fully reset", cur.mgr.FullReset))
	},
}

var getCmd = &cobra.Command{
	Use:   "get <vms>",
	Short: "Fetch VM material from the content server",
	Long: `Fetch the selected VMs' definitions and master images where missing,
and create their overlays. Material already present is kept.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return forEach(cmd, args, "get", simple("fetched", cur.mgr.Get))
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <vms>",
	Short: "Delete VMs and their local material",
	Long: `Undefine the selected VMs and delete their overlays, saves, masters,
and definitions. Infrastructure VMs are refused.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ok, err := confirmDestructive("Delete all local material of", args)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Println("Aborted.")
			return nil
		}
		return forEach(cmd, args, "remove", simple("removed", cur.mgr.Remove))
	},
}
