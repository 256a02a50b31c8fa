// Package commands implements the controller CLI that drives the
// storage, proxy, and archive daemons over the command protocol.
package commands

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/marmos91/blockcdp/pkg/client"
	"github.com/marmos91/blockcdp/pkg/transport"
)

var (
	// Version information injected at build time.
	Version = "dev"

	addr           string
	nodeID         string
	connectTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "blockcdpctl",
	Short: "Controller CLI for the blockcdp daemons",
	Long: `blockcdpctl sends commands to a blockcdp daemon (storage, proxy,
or archive) over the command protocol. Select the daemon with --addr.

Exit code is 0 on success and 1 on any command or connection error.`,
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

// newClient builds the protocol client from the global flags.
func newClient() *client.Client {
	opts := transport.DefaultSocketOptions()
	if connectTimeout > 0 {
		opts.ConnectTimeout = connectTimeout
	}
	return client.New(addr, nodeID, opts)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&addr, "addr", "a", "127.0.0.1:10200", "daemon address (host:port)")
	rootCmd.PersistentFlags().StringVar(&nodeID, "id", "ctl", "controller id on the wire protocol")
	rootCmd.PersistentFlags().DurationVar(&connectTimeout, "timeout", 0, "connect timeout")
}
