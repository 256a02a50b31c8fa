package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var fullBkpCmd = &cobra.Command{
	Use:   "full-bkp <volId> [<bulkLb>]",
	Short: "Run a full backup to the archive (storage daemon)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var bulkLb uint64
		if len(args) == 2 {
			v, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("bad bulkLb %q", args[1])
			}
			bulkLb = v
		}
		return newClient().FullBkp(args[0], bulkLb)
	},
}

var hashBkpCmd = &cobra.Command{
	Use:   "hash-bkp <volId>",
	Short: "Run a hash backup to the archive (storage daemon)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().HashBkp(args[0])
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot <volId>",
	Short: "Take a snapshot and ship the WAL range to the proxies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		gid, err := newClient().Snapshot(args[0])
		if err != nil {
			return err
		}
		fmt.Println(gid)
		return nil
	},
}

var archiveInfoCmd = &cobra.Command{
	Use:   "archive-info {list|get|add|update|delete} <volId> [<archiveId> [<addr:port> [<cmprType:level:nCPU> [<delaySec>]]]]",
	Short: "Manage the proxy's archive registry",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		lines, err := newClient().ArchiveInfo(args[0], args[1], args[2:]...)
		if err != nil {
			return err
		}
		for _, l := range lines {
			fmt.Println(l)
		}
		return nil
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <volId> <gid>",
	Short: "Materialize a clean snapshot on the archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		gid, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad gid %q", args[1])
		}
		return newClient().Restore(args[0], gid)
	},
}

var delRestoredCmd = &cobra.Command{
	Use:   "del-restored <volId> <gid>",
	Short: "Delete a restored image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		gid, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad gid %q", args[1])
		}
		return newClient().DelRestored(args[0], gid)
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply <volId> <gid>",
	Short: "Fold diffs up to gid into the base image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		gid, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad gid %q", args[1])
		}
		return newClient().Apply(args[0], gid)
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge <volId> <gidB> <gidE> [<maxSizeMb>]",
	Short: "Fold a mergeable diff run into one composite",
	Args:  cobra.RangeArgs(3, 4),
	RunE: func(cmd *cobra.Command, args []string) error {
		gidB, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad gidB %q", args[1])
		}
		gidE, err := strconv.ParseUint(args[2], 10, 64)
		if err != nil {
			return fmt.Errorf("bad gidE %q", args[2])
		}
		var maxMb uint64
		if len(args) == 4 {
			if maxMb, err = strconv.ParseUint(args[3], 10, 64); err != nil {
				return fmt.Errorf("bad maxSizeMb %q", args[3])
			}
		}
		merged, err := newClient().Merge(args[0], gidB, gidE, maxMb)
		if err != nil {
			return err
		}
		fmt.Println(merged)
		return nil
	},
}

var resizeCmd = &cobra.Command{
	Use:   "resize <volId> <size[k|m|g|t]>",
	Short: "Grow a volume's base image",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return newClient().Resize(args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(fullBkpCmd)
	rootCmd.AddCommand(hashBkpCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(archiveInfoCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(delRestoredCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(resizeCmd)
}
