package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hubmcp/hubbridge/internal/config"
)

// version is stamped via -ldflags at build time.
var version = "dev"

var errBadConfig = errors.New("invalid configuration")

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "hubbridge",
		Short: "Multi-tenant MCP gateway for home-automation hubs",
		Long: `hubbridge sits between MCP clients and a home-automation hub. It
authenticates callers, enforces per-user tool permissions, queues tool calls
by priority, pools upstream sessions, caches read-only results, and records
an audit trail of every invocation.`,
		Version:       version,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"path to JSON config file (env BRIDGE_* overrides apply on top)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newAdminCmd(&configPath))
	return root
}

// loadConfig reads the file (if given), applies environment overrides, and
// validates. Failures map to the bad-config exit code.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadConfig, err)
	}
	return cfg, nil
}
