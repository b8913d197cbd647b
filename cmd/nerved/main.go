// Command nerved runs the orchestration daemon: a session registry of
// interactive CLI/Bash/LLM/MCP nodes, graphs, and workflows, reachable
// over a newline-delimited JSON IPC socket. Grounded on the CLI-entrypoint
// shape of telnet2-opencode's cmd/opencode/main.go (a thin main that
// delegates straight to a cobra root command).
package main

import (
	"fmt"
	"os"

	"github.com/nervelabs/nerve/cmd/nerved/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
