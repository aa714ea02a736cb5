// Package policy implements the fixed three-tier authorization cascade
// that gates every tool call: per-tool, then per-server, then global.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/config"
)

// ErrDenied is returned when a "never" policy blocks the call outright.
var ErrDenied = errors.New("policy denies this tool")

// ErrDeclined is returned when the user's elicitation response was not an
// acceptance.
var ErrDeclined = errors.New("declined by user")

// ErrElicitationUnsupported is returned when a "prompt" policy needs
// confirmation but the downstream client cannot be elicited.
var ErrElicitationUnsupported = errors.New("requires confirmation but the client does not support elicitation")

// ElicitResult is the outcome of an elicitation round-trip with the
// downstream client.
type ElicitResult struct {
	Accepted bool
}

// ElicitFunc requests confirmation from the downstream client, showing it
// message. It returns an error when the client does not implement
// elicitation at all.
type ElicitFunc func(ctx context.Context, message string) (ElicitResult, error)

type serverPolicy struct {
	toolPolicy config.ToolPolicy
	perTool    map[string]config.ToolPolicy
}

// Engine holds the currently active policy cascade. The zero value is not
// usable; construct with New.
type Engine struct {
	mu       sync.RWMutex
	global   config.ToolPolicy
	servers  map[string]serverPolicy
}

// New constructs an Engine with the given global default policy.
func New(global config.ToolPolicy) *Engine {
	if global == "" {
		global = config.PolicyAlways
	}
	return &Engine{global: global, servers: make(map[string]serverPolicy)}
}

// Update atomically replaces the engine's state: the ambient global policy
// plus the per-server/per-tool overrides carried in each upstream's "_bridge"
// block.
func (e *Engine) Update(global config.ToolPolicy, upstreams map[string]config.ServerConfig) {
	if global == "" {
		global = config.PolicyAlways
	}
	servers := make(map[string]serverPolicy, len(upstreams))
	for name, entry := range upstreams {
		if entry.Bridge == nil {
			continue
		}
		servers[name] = serverPolicy{
			toolPolicy: entry.Bridge.ToolPolicy,
			perTool:    entry.Bridge.Tools,
		}
	}

	e.mu.Lock()
	e.global = global
	e.servers = servers
	e.mu.Unlock()
}

// Resolve returns the policy that applies to (source, toolName) by walking
// the cascade: per-tool override, then per-server default, then the global
// default.
func (e *Engine) Resolve(source, toolName string) config.ToolPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if sp, ok := e.servers[source]; ok {
		if p, ok := sp.perTool[toolName]; ok && p != "" {
			return p
		}
		if sp.toolPolicy != "" {
			return sp.toolPolicy
		}
	}
	return e.global
}

// IsDisabled reports whether (source, toolName) currently resolves to
// "never". It is handed to the Tool Search Service as a search.DisabledFunc.
func (e *Engine) IsDisabled(source, toolName string) bool {
	return e.Resolve(source, toolName) == config.PolicyNever
}

// Enforce applies the resolved policy for (source, toolName) given the call
// arguments, prompting via elicit when the policy is "prompt". A nil error
// means the call may proceed.
func (e *Engine) Enforce(ctx context.Context, source, toolName string, args map[string]any, elicit ElicitFunc) error {
	switch e.Resolve(source, toolName) {
	case config.PolicyNever:
		return fmt.Errorf("%w: %s__%s", ErrDenied, source, toolName)
	case config.PolicyPrompt:
		if elicit == nil {
			return ErrElicitationUnsupported
		}
		message := elicitMessage(source, toolName, args)
		result, err := elicit(ctx, message)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrElicitationUnsupported, err)
		}
		if !result.Accepted {
			return ErrDeclined
		}
		return nil
	default: // config.PolicyAlways and anything unresolved
		return nil
	}
}

func elicitMessage(source, toolName string, args map[string]any) string {
	pretty, err := json.MarshalIndent(args, "", "  ")
	if err != nil {
		pretty = []byte("{}")
	}
	return fmt.Sprintf("Allow %s to run %q with arguments:\n%s", source, toolName, pretty)
}
