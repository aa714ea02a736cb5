package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file without starting the bridge",
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath()
	resolved, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config %q: %w", path, err)
	}
	if err := resolved.Validate(); err != nil {
		return fmt.Errorf("config %q is invalid: %w", path, err)
	}

	fmt.Printf("%s is valid: %d upstream(s), log level %s\n", path, len(resolved.Upstreams), resolved.Bridge.LogLevel)
	return nil
}

// resolveConfigPath applies the --config flag over the MCP_BRIDGE_CONFIG
// fallback, per the ambient config-discovery rules in SPEC_FULL.md.
func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}
