package vmcmd

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/courseforge/labkit/pkg/virt"
)

var statusCmd = &cobra.Command{
	Use:   "status [vms]",
	Short: "Show VM states",
	Long:  `Show the hypervisor state, local material, and saves of the selected VMs. Without arguments every VM is shown.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		args = []string{"everything"}
	}
	vms, err := expand(args)
	if err != nil {
		return err
	}
	for _, vm := range vms {
		st, err := cur.mgr.Status(cmd.Context(), vm)
		if err != nil {
			fmt.Printf("%-12s %s: %v\n", vm, color.RedString("error"), err)
			continue
		}
		var notes []string
		if !st.Overlays {
			notes = append(notes, "no overlays")
		}
		if st.Saves > 0 {
			notes = append(notes, fmt.Sprintf("%d saves", st.Saves))
		}
		if st.Locked {
			note := "locked"
			if info, err := cur.locks.Inspect(st.Domain); err == nil && info != nil {
				note = fmt.Sprintf("locked by pid %d since %s", info.PID, info.AcquiredAt.Format("15:04"))
			}
			notes = append(notes, note)
		}
		if st.Infra {
			notes = append(notes, "infra")
		}
		fmt.Printf("%-12s %-10s", vm, stateString(st.State))
		for i, n := range notes {
			if i == 0 {
				fmt.Print("  ")
			} else {
				fmt.Print(", ")
			}
			fmt.Print(n)
		}
		fmt.Println()
	}
	return nil
}

func stateString(s virt.State) string {
	switch s {
	case virt.StateRunning:
		return color.GreenString(s.String())
	case virt.StatePaused:
		return color.YellowString(s.String())
	case virt.StateShutOff:
		return color.HiBlackString(s.String())
	}
	return s.String()
}
