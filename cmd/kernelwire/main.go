package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codefionn/kernelwire/internal/evaluator"
	"github.com/codefionn/kernelwire/internal/wire"
)

var configFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "kernelwire",
	Short: "Kernel protocol server for notebook front ends",
	Long: `kernelwire serves the kernel messaging protocol over ZeroMQ.

A front end starts it with a connection file naming the transport, ports and
signing key. Use 'kernelwire help <command>' for details on a command.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "kernelwire %s (protocol %s)\n", evaluator.Version, wire.ProtocolVersion)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (JSON, defaults to the user config directory)")
	rootCmd.AddCommand(versionCmd)
}
