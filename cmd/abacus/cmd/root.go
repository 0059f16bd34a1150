package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/oshokin/abacus-daq/internal/version"
)

// rootCmd represents the base command of the acquisition tool.
var rootCmd = &cobra.Command{
	Use:   "abacus",
	Short: "Acquire counts from an Abacus coincidence counter.",
	Long: `Polls a coincidence counter over a serial link, keeps the newest rows in memory
for display, appends every row to a data file and records configuration changes
and lifecycle events in a params ledger next to it.

Run "abacus stream" to start an interactive session.`,
	SilenceUsage: true,
}

// Execute runs the abacus CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
