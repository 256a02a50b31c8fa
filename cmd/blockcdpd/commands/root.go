// Package commands implements the CLI of the blockcdpd daemon
// binary: one subcommand per daemon kind (storage, proxy, archive).
package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "blockcdpd",
	Short: "blockcdp daemons - continuous block-level data protection",
	Long: `blockcdpd runs one of the three cooperating daemons of the
blockcdp pipeline:

  storage   owns the WAL devices and drives backups toward the archive
  proxy     converts WAL streams into wdiff files and ships them
  archive   stores base images and diff chains, serves restores

Use "blockcdpd [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		rootCmd.PrintErrf("error: %v\n", err)
	}
	return err
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("blockcdpd %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(storageCmd)
	rootCmd.AddCommand(proxyCmd)
	rootCmd.AddCommand(archiveCmd)
}
