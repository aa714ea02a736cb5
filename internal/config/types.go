// Package config implements the bridge's configuration file format: upstream
// server resolution from one of four top-level keys, the ambient "_bridge"
// block, and the structured diff used by hot-reload.
package config

import "encoding/json"

// ToolPolicy is the enumeration governing whether a tool call proceeds
// without asking, is always denied, or requires interactive confirmation.
type ToolPolicy string

const (
	PolicyAlways ToolPolicy = "always"
	PolicyPrompt ToolPolicy = "prompt"
	PolicyNever  ToolPolicy = "never"
)

// TransportType distinguishes the two HTTP upstream sub-variants. Unknown
// values are rejected at validation time rather than silently defaulting to
// streamable-http (Open Question #1 — see DESIGN.md).
type TransportType string

const (
	TransportStreamableHTTP TransportType = "streamable-http"
	TransportSSE            TransportType = "sse"
)

// OAuthPassthrough is stored and handed to the upstream HTTP transport's auth
// passthrough verbatim; the bridge never executes the OAuth flow itself.
type OAuthPassthrough struct {
	ClientID     string   `json:"client_id,omitempty"`
	ClientSecret string   `json:"client_secret,omitempty"`
	TokenURL     string   `json:"token_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// BridgeMeta is the optional per-server "_bridge" metadata block.
type BridgeMeta struct {
	Category   string                `json:"category,omitempty"`
	ToolPolicy ToolPolicy            `json:"toolPolicy,omitempty"`
	Tools      map[string]ToolPolicy `json:"tools,omitempty"`
	Auth       *OAuthPassthrough     `json:"auth,omitempty"`
}

// ServerConfig is the tagged variant describing one upstream: either a
// subprocess (STDIO) or a network endpoint (HTTP).
type ServerConfig struct {
	// Connection-identifying fields (compared by the diff algorithm to
	// decide reconnect vs. metadata-only update).
	Command string            `json:"command,omitempty" validate:"required_without=URL"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	Type    TransportType     `json:"type,omitempty" validate:"omitempty,oneof=streamable-http sse"`
	URL     string            `json:"url,omitempty" validate:"required_without=Command,omitempty,url"`
	Headers map[string]string `json:"headers,omitempty"`

	Bridge *BridgeMeta `json:"_bridge,omitempty"`
}

// IsStdio reports whether this entry describes a subprocess upstream.
func (s ServerConfig) IsStdio() bool { return s.Command != "" }

// ConnectionFields extracts the fields the diff algorithm compares to decide
// whether a changed entry needs a reconnect, keyed by stable JSON encoding.
func (s ServerConfig) ConnectionFields() json.RawMessage {
	var shape any
	if s.IsStdio() {
		shape = struct {
			Command string            `json:"command"`
			Args    []string          `json:"args"`
			Env     map[string]string `json:"env"`
		}{s.Command, s.Args, s.Env}
	} else {
		shape = struct {
			Type    TransportType     `json:"type"`
			URL     string            `json:"url"`
			Headers map[string]string `json:"headers"`
		}{s.Type, s.URL, s.Headers}
	}
	b, _ := json.Marshal(shape) // json.Marshal sorts map keys; stable by construction.
	return b
}

// BridgeConfig is the ambient "_bridge" top-level block.
type BridgeConfig struct {
	Port                   int        `json:"port,omitempty" mapstructure:"port"`
	LogLevel               string     `json:"logLevel,omitempty" mapstructure:"logLevel" validate:"omitempty,oneof=debug info warn error"`
	LogFormat              string     `json:"logFormat,omitempty" mapstructure:"logFormat" validate:"omitempty,oneof=text json"`
	ToolPolicy             ToolPolicy `json:"toolPolicy,omitempty" mapstructure:"toolPolicy" validate:"omitempty,oneof=always prompt never"`
	HealthCheckInterval    int        `json:"healthCheckInterval" mapstructure:"healthCheckInterval"`
	MaxUpstreamConnections int        `json:"maxUpstreamConnections,omitempty" mapstructure:"maxUpstreamConnections"`
	ConnectionTimeout      int        `json:"connectionTimeout,omitempty" mapstructure:"connectionTimeout"`
	IdleTimeout            int        `json:"idleTimeout,omitempty" mapstructure:"idleTimeout"`
}

// SetDefaults fills zero-valued ambient fields with the spec-mandated
// defaults.
func (b *BridgeConfig) SetDefaults() {
	if b.Port == 0 {
		b.Port = 19875
	}
	if b.LogLevel == "" {
		b.LogLevel = "info"
	}
	if b.LogFormat == "" {
		b.LogFormat = "text"
	}
	if b.ToolPolicy == "" {
		b.ToolPolicy = PolicyAlways
	}
	if b.MaxUpstreamConnections == 0 {
		b.MaxUpstreamConnections = 20
	}
	if b.ConnectionTimeout == 0 {
		b.ConnectionTimeout = 30
	}
	if b.IdleTimeout == 0 {
		b.IdleTimeout = 600
	}
}

// Resolved is the fully-parsed, priority-resolved configuration: the
// upstream set plus the ambient bridge block.
type Resolved struct {
	Bridge    BridgeConfig
	Upstreams map[string]ServerConfig
}
