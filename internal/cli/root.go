// Package cli wires the taskswarm command surface: run, demo, and
// inspect.
package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

// ErrBlocked is returned by run/demo when the final verdict is BLOCKED,
// and by inspect when the inspected run did not finish DONE; main maps
// it to exit code 1.
var ErrBlocked = errors.New("run finished BLOCKED")

var rootCmd = &cobra.Command{
	Use:   "taskswarm",
	Short: "Multi-agent orchestrator for isolated coding sub-tasks",
	Long: `taskswarm decomposes a user task into disjoint sub-tasks, runs one
coding agent per sub-task in an isolated git worktree, verifies that the
resulting patches merge cleanly against the shared base, and publishes a
machine-readable verdict with a durable evidence packet.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("repo-root", ".", "Repository root the agents operate on")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(inspectCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
