// Package commands provides the nerved CLI's subcommands.
package commands

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "nerved",
	Short: "nerved orchestrates interactive CLI, Bash, LLM, and MCP nodes",
	Long: `nerved is an orchestration daemon for interactive CLI AI agents: it
manages PTY/Bash/LLM/MCP/Function nodes, DAG graphs, and imperative
workflows, and exposes all of it over a newline-delimited JSON IPC socket.

Run 'nerved serve' to start the daemon, or 'nerved stop' to ask a
running instance to shut down.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
