// Package cmd provides the CLI commands for the bridge.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "crabeye-mcp-bridge",
	Short: "An aggregating proxy for Model Context Protocol servers",
	Long: `crabeye-mcp-bridge aggregates tools from multiple upstream MCP servers
behind a single downstream MCP session, with a searchable tool index and a
per-tool/per-server/global policy cascade.

Quick start:
  1. Create a config file listing your upstream servers.
  2. Run: crabeye-mcp-bridge start --config mcp.json

Configuration:
  The upstream set is read from the first of mcpUpstreams, servers,
  context_servers, or mcpServers present in the config file, plus an
  ambient "_bridge" block for logging, policy, and connection tuning.

  MCP_BRIDGE_CONFIG overrides the default config path.
  MCP_BRIDGE_MASTER_KEY overrides the credential store's derived key.

Commands:
  start       Run the bridge
  validate    Validate a config file without starting anything
  credential  Manage stored upstream credentials
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $MCP_BRIDGE_CONFIG)")
}
