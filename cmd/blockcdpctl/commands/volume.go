package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var initVolCmd = &cobra.Command{
	Use:   "init-vol <volId> [<wdevPath>]",
	Short: "Create a volume (storage: register its WAL device)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wdev := ""
		if len(args) == 2 {
			wdev = args[1]
		}
		return newClient().InitVol(args[0], wdev)
	},
}

var clearVolCmd = &cobra.Command{
	Use:   "clear-vol <volId>",
	Short: "Destroy a volume and all its data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().ClearVol(args[0])
	},
}

var resetVolCmd = &cobra.Command{
	Use:   "reset-vol <volId> [<gid>]",
	Short: "Return a stopped volume to SyncReady",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var gid *uint64
		if len(args) == 2 {
			v, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("bad gid %q", args[1])
			}
			gid = &v
		}
		return newClient().ResetVol(args[0], gid)
	},
}

var startCmd = &cobra.Command{
	Use:   "start <volId> [master|slave]",
	Short: "Resume a stopped volume",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := ""
		if len(args) == 2 {
			role = args[1]
		}
		return newClient().Start(args[0], role)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop <volId> <0|1>",
	Short: "Stop a volume (0 graceful, 1 force)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().Stop(args[0], args[1] != "0")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [<volId>]",
	Short: "Show the daemon's volumes or one volume's detail",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		volID := ""
		if len(args) == 1 {
			volID = args[0]
		}
		lines, err := newClient().Status(volID)
		if err != nil {
			return err
		}
		if volID == "" {
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Volume"})
			for _, v := range lines {
				table.Append([]string{v})
			}
			table.Render()
			return nil
		}
		for _, l := range lines {
			fmt.Println(l)
		}
		return nil
	},
}

var hostTypeCmd = &cobra.Command{
	Use:   "host-type",
	Short: "Print the daemon kind",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ht, err := newClient().HostType()
		if err != nil {
			return err
		}
		fmt.Println(ht)
		return nil
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown <0|1>",
	Short: "Shut the daemon down (0 graceful, 1 force)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().Shutdown(args[0] != "0")
	},
}

var kickCmd = &cobra.Command{
	Use:   "kick",
	Short: "Wake the daemon's background work immediately",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().Kick()
	},
}

var getCmd = &cobra.Command{
	Use:   "get <target> [<args>...]",
	Short: "Query a read-only target (state, vol, diff, restorable, ...)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lines, err := newClient().Get(args[0], args[1:]...)
		if err != nil {
			return err
		}
		for _, l := range lines {
			fmt.Println(l)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initVolCmd)
	rootCmd.AddCommand(clearVolCmd)
	rootCmd.AddCommand(resetVolCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(hostTypeCmd)
	rootCmd.AddCommand(shutdownCmd)
	rootCmd.AddCommand(kickCmd)
	rootCmd.AddCommand(getCmd)
}
