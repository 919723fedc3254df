// Package cmd wires the command-line interface.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "khasigpt",
	Short: "khasigpt - streaming conversation backend",
	Long: `khasigpt serves the conversational streaming API: generation over
SSE, resumable streams, and cursor-paged conversation history.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
