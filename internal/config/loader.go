package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// priorityKeys lists the top-level keys searched for an upstream map, in
// priority order: the earlier key wins when more than one is present.
var priorityKeys = []string{"mcpUpstreams", "servers", "context_servers", "mcpServers"}

// selfReferenceMarker is excluded from mcpServers/context_servers entries to
// prevent accidental recursion when the bridge's own config file doubles as
// an MCP client's config file.
const selfReferenceMarker = "crabeye-mcp-bridge"

// selfExcludedKeys are the priority keys whose entries are filtered for
// self-references. mcpUpstreams and servers are bridge-native keys and are
// never written by the bridge's own client-config generators, so they are
// not filtered.
var selfExcludedKeys = map[string]bool{
	"mcpServers":      true,
	"context_servers": true,
}

// Load reads path, resolves the upstream set from the highest-priority
// present key, applies self-exclusion filtering, and binds the ambient
// "_bridge" block through viper so environment variables can override it.
func Load(path string) (*Resolved, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}

	upstreams, err := resolveUpstreams(top)
	if err != nil {
		return nil, fmt.Errorf("resolving upstreams in %q: %w", path, err)
	}

	bridge, err := resolveBridge(top)
	if err != nil {
		return nil, fmt.Errorf("resolving _bridge block in %q: %w", path, err)
	}

	return &Resolved{Bridge: bridge, Upstreams: upstreams}, nil
}

// resolveUpstreams picks the first present priority key and decodes its
// value into a name -> ServerConfig map, filtering self-references.
func resolveUpstreams(top map[string]json.RawMessage) (map[string]ServerConfig, error) {
	for _, key := range priorityKeys {
		raw, ok := top[key]
		if !ok {
			continue
		}

		var entries map[string]ServerConfig
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}

		if selfExcludedKeys[key] {
			for name, entry := range entries {
				if referencesSelf(entry) {
					delete(entries, name)
				}
			}
		}
		return entries, nil
	}
	return map[string]ServerConfig{}, nil
}

// referencesSelf reports whether entry's command or any argument contains
// the bridge's own executable name.
func referencesSelf(entry ServerConfig) bool {
	if strings.Contains(entry.Command, selfReferenceMarker) {
		return true
	}
	for _, a := range entry.Args {
		if strings.Contains(a, selfReferenceMarker) {
			return true
		}
	}
	return false
}

// resolveBridge decodes the "_bridge" block (if present) and layers
// environment-variable overrides on top via viper, then applies defaults.
func resolveBridge(top map[string]json.RawMessage) (BridgeConfig, error) {
	var bridge BridgeConfig
	if raw, ok := top["_bridge"]; ok {
		if err := json.Unmarshal(raw, &bridge); err != nil {
			return BridgeConfig{}, err
		}
	}

	v := viper.New()
	v.SetEnvPrefix("MCP_BRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"port", "logLevel", "logFormat", "toolPolicy", "healthCheckInterval", "maxUpstreamConnections", "connectionTimeout", "idleTimeout"} {
		_ = v.BindEnv(key)
	}

	if v.IsSet("port") {
		bridge.Port = v.GetInt("port")
	}
	if v.IsSet("logLevel") {
		bridge.LogLevel = v.GetString("logLevel")
	}
	if v.IsSet("logFormat") {
		bridge.LogFormat = v.GetString("logFormat")
	}
	if v.IsSet("toolPolicy") {
		bridge.ToolPolicy = ToolPolicy(v.GetString("toolPolicy"))
	}
	if v.IsSet("healthCheckInterval") {
		bridge.HealthCheckInterval = v.GetInt("healthCheckInterval")
	}
	if v.IsSet("maxUpstreamConnections") {
		bridge.MaxUpstreamConnections = v.GetInt("maxUpstreamConnections")
	}
	if v.IsSet("connectionTimeout") {
		bridge.ConnectionTimeout = v.GetInt("connectionTimeout")
	}
	if v.IsSet("idleTimeout") {
		bridge.IdleTimeout = v.GetInt("idleTimeout")
	}

	bridge.SetDefaults()
	return bridge, nil
}

// DefaultConfigPath returns the config path from MCP_BRIDGE_CONFIG, used as
// the fallback when --config is absent.
func DefaultConfigPath() string {
	return os.Getenv("MCP_BRIDGE_CONFIG")
}
