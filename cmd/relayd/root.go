package main

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relayd",
	Short: "relayd - agent schedule dispatcher",
	Long: `relayd loads agent schedules from the platform store, fires them on
their cron expressions and dispatches each fire to the agent's execution
target. Multiple instances coordinate through Redis locks so every fire
dispatches exactly once.`,
	Version: Version,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}
