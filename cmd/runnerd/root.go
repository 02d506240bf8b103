package main

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "runnerd",
	Short: "runnerd - agent execution target",
	Long: `runnerd hosts agent task execution. It spawns one process or
container per task, tracks every live execution in a process registry
and serves the task API the schedule dispatcher calls.`,
	Version: Version,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
}
