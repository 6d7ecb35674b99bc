package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:   "dlmsserver",
		Short: "DLMS/COSEM server emulator",
		Long: `dlmsserver serves a table of COSEM objects to DLMS clients over TCP (WRAPPER or HDLC
framing) and over a local serial line.

Configuration is read from the file given by --config, from DLMS_ prefixed environment
variables (DLMS_TCP_ADDRESS sets tcp.address) and from the command line flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "configuration file")

	rootCmd.AddCommand(newServeCmd(&configPath))
	rootCmd.AddCommand(newObjectsCmd(&configPath))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
