package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/reveille/cmd/gen"
	"github.com/luma/reveille/internal/meta"
)

var RootCmd = &cobra.Command{
	Use:   "reveille",
	Short: "Reveille wakes clients up",
	Long: `Reveille is a timer service. Clients connect over TCP, ask to be
woken at a unix time and keep the connection open. When the time comes
Reveille pushes a cookie back over the same connection.`,
	SilenceUsage: true,
}

var VersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of this binary",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), meta.GetInfo())
	},
}

func init() {
	RootCmd.AddCommand(StartCmd)
	RootCmd.AddCommand(WakeCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

// Execute runs the command line, exiting non-zero on failure.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
