// Command hubbridge runs the MCP gateway and its maintenance subcommands.
package main

import (
	"errors"
	"os"

	"github.com/hubmcp/hubbridge/internal/store"
)

// Exit codes. Scripts key off these, so keep them stable.
const (
	exitError     = 1
	exitBadConfig = 2
	exitMigration = 3
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, store.ErrMigration):
		return exitMigration
	case errors.Is(err, errBadConfig):
		return exitBadConfig
	default:
		return exitError
	}
}
