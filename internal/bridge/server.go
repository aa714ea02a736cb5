// Package bridge implements the downstream-facing MCP server: the single
// session a downstream client connects to, backed by the Tool Search
// Service, the Upstream Manager, and the Policy Engine.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/manager"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/namespace"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/observability"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/policy"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/registry"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/search"
)

// Server is the bridge's downstream MCP endpoint.
type Server struct {
	mcpServer *sdkmcp.Server
	search    *search.Service
	manager   *manager.Manager
	registry  *registry.Registry
	policy    *policy.Engine
	logger    *slog.Logger

	tracer      trace.Tracer
	callCounter metric.Int64Counter

	mu         sync.Mutex
	registered map[string]bool // namespaced tool names currently added to mcpServer

	unsubVisible func()
}

// New constructs a Server. It registers the two synthetic tools immediately
// and syncs the upstream-tool set from search's current visible set.
//
// Dynamic per-upstream tool registration (AddTool as upstreams connect,
// RemoveTool as they drop) uses modelcontextprotocol/go-sdk/mcp's RemoveTool
// method; unlike AddTool/NewServer/NewStreamableHTTPHandler, RemoveTool was
// not directly observed in the retrieval pack, so this is a reasoned
// extrapolation from the SDK's symmetric Add/Remove naming convention rather
// than a grounded call site — see DESIGN.md.
func New(impl *sdkmcp.Implementation, svc *search.Service, mgr *manager.Manager, reg *registry.Registry, eng *policy.Engine, logger *slog.Logger, telemetry *observability.Telemetry) *Server {
	s := &Server{
		mcpServer:  sdkmcp.NewServer(impl, nil),
		search:     svc,
		manager:    mgr,
		registry:   reg,
		policy:     eng,
		logger:     logger,
		registered: make(map[string]bool),
	}
	if telemetry != nil {
		s.tracer = telemetry.Tracer("crabeye-mcp-bridge/bridge")
		if counter, err := telemetry.Meter("crabeye-mcp-bridge/bridge").Int64Counter(
			"mcp_bridge_tool_calls_total",
			metric.WithDescription("Number of tools/call dispatches by result."),
		); err == nil {
			s.callCounter = counter
		}
	}

	sdkmcp.AddTool(s.mcpServer, &sdkmcp.Tool{
		Name:        search.SearchToolsDefinition.Name,
		Description: search.SearchToolsDefinition.Description,
		InputSchema: search.SearchToolsDefinition.InputSchema,
	}, s.handleSearchTools)
	sdkmcp.AddTool(s.mcpServer, &sdkmcp.Tool{
		Name:        search.RunToolDefinition.Name,
		Description: search.RunToolDefinition.Description,
		InputSchema: search.RunToolDefinition.InputSchema,
	}, s.handleRunTool)
	s.registered[search.SearchToolsDefinition.Name] = true
	s.registered[search.RunToolDefinition.Name] = true

	s.syncVisibleTools()
	s.unsubVisible = svc.OnVisibleToolsChanged(s.syncVisibleTools)

	return s
}

// syncVisibleTools reconciles the set of tools registered on the underlying
// MCP server with search's current visible set (the two synthetic tools
// plus the enabled set). Tools no longer visible are removed; newly visible
// ones are added with a generic pass-through handler.
func (s *Server) syncVisibleTools() {
	visible := s.search.VisibleTools()
	wanted := make(map[string]bool, len(visible))
	for _, t := range visible {
		wanted[t.Name] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var toRemove []string
	for name := range s.registered {
		if name == "search_tools" || name == "run_tool" {
			continue
		}
		if !wanted[name] {
			toRemove = append(toRemove, name)
		}
	}
	if len(toRemove) > 0 {
		s.mcpServer.RemoveTool(toRemove...)
		for _, name := range toRemove {
			delete(s.registered, name)
		}
	}

	for _, t := range visible {
		if t.Name == "search_tools" || t.Name == "run_tool" {
			continue
		}
		if s.registered[t.Name] {
			continue
		}
		name := t.Name
		sdkmcp.AddTool(s.mcpServer, &sdkmcp.Tool{
			Name:        name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}, s.namespacedToolHandler(name))
		s.registered[name] = true
	}
}

// Serve runs the bridge over stdio until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	return s.mcpServer.Run(ctx, sdkmcp.NewStdioTransport())
}

// HTTPHandler returns an http.Handler serving the bridge over the MCP
// streamable-HTTP transport, for deployments that front the bridge with a
// reverse proxy instead of spawning it as a subprocess.
func (s *Server) HTTPHandler() http.Handler {
	return sdkmcp.NewStreamableHTTPHandler(func(*http.Request) *sdkmcp.Server {
		return s.mcpServer
	}, nil)
}

// Close unsubscribes from the search service's change notifications. It
// does not close the Upstream Manager or registry, which outlive the bridge
// session in the boot sequence's shutdown ordering.
func (s *Server) Close() {
	if s.unsubVisible != nil {
		s.unsubVisible()
	}
}

var errNoDoubleUnderscore = errors.New("tool name has no upstream namespace separator")

func splitNamespaced(name string) (source, tool string, err error) {
	source, tool, ok := namespace.Split(name)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", errNoDoubleUnderscore, name)
	}
	return source, tool, nil
}
