package main

import (
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "planner",
		Short: "Goal and task planning service for conversational agents",
		Long: `planner keeps one goal tree and task queue per agent, decides which task
deserves attention, runs it step by step and asks before switching away
from work in progress.

Running 'planner' without a subcommand prints this help.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to a YAML config overlay (overrides PLANNER_CONFIG_FILE)")

	root.AddCommand(newServeCmd())
	root.AddCommand(newPathCmd())
	return root
}
