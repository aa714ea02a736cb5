package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/client"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/policy"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/search"
)

// errValidation marks a search_tools parameter-shape problem: these are
// reported as isError:true text content rather than raised as a protocol
// error, per SPEC_FULL.md §7.
var errValidation = errors.New("invalid search_tools parameters")

func (s *Server) handleSearchTools(_ context.Context, _ *sdkmcp.ServerSession, params *sdkmcp.CallToolParamsFor[search.SearchToolsParams]) (*sdkmcp.CallToolResultFor[any], error) {
	req := params.Arguments
	if len(req.Queries) == 0 {
		return validationError("queries must be a non-empty array")
	}
	for _, q := range req.Queries {
		if q.Tool == "" && q.Provider == "" && q.Category == "" {
			return validationError("each query must set at least one of tool, provider, or category")
		}
	}

	resp := s.search.Search(req)
	encoded, err := json.Marshal(resp)
	if err != nil {
		return validationError(fmt.Sprintf("failed to encode search response: %v", err))
	}

	return &sdkmcp.CallToolResultFor[any]{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: string(encoded)}},
	}, nil
}

type runToolArgs struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (s *Server) handleRunTool(ctx context.Context, session *sdkmcp.ServerSession, params *sdkmcp.CallToolParamsFor[runToolArgs]) (*sdkmcp.CallToolResultFor[any], error) {
	req := params.Arguments
	if req.Name == "" {
		return validationError("name is required")
	}
	return s.routeCall(ctx, session, req.Name, req.Arguments)
}

// namespacedToolHandler returns a handler bound to a fixed namespaced tool
// name, used for every tool registered from search's enabled set.
func (s *Server) namespacedToolHandler(name string) func(context.Context, *sdkmcp.ServerSession, *sdkmcp.CallToolParamsFor[map[string]any]) (*sdkmcp.CallToolResultFor[any], error) {
	return func(ctx context.Context, session *sdkmcp.ServerSession, params *sdkmcp.CallToolParamsFor[map[string]any]) (*sdkmcp.CallToolResultFor[any], error) {
		return s.routeCall(ctx, session, name, params.Arguments)
	}
}

// routeCall implements the shared routing path for run_tool and direct
// namespaced calls: split the namespace, enforce policy, find the upstream
// client, delegate, and translate errors per SPEC_FULL.md §4.6/§7.
func (s *Server) routeCall(ctx context.Context, session *sdkmcp.ServerSession, namespaced string, arguments map[string]any) (res *sdkmcp.CallToolResultFor[any], callErr error) {
	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "tools/call", trace.WithAttributes(attribute.String("tool", namespaced)))
		defer span.End()
	}
	if s.callCounter != nil {
		defer func() {
			result := "ok"
			if callErr != nil || (res != nil && res.IsError) {
				result = "error"
			}
			s.callCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
		}()
	}

	source, toolName, err := splitNamespaced(namespaced)
	if err != nil {
		return nil, &jsonrpc.WireError{Code: jsonrpc.CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}

	if s.policy != nil {
		elicit := elicitFunc(session)
		if err := s.policy.Enforce(ctx, source, toolName, arguments, elicit); err != nil {
			return nil, &jsonrpc.WireError{Code: jsonrpc.CodeInvalidRequest, Message: fmt.Sprintf("invalid request: %v", err)}
		}
	}

	c, ok := s.manager.GetClient(source)
	if !ok || c.Status() != client.StatusConnected {
		return nil, &jsonrpc.WireError{Code: jsonrpc.CodeInternalError, Message: fmt.Sprintf("internal error: upstream %q is not connected", source)}
	}

	result, err := c.CallTool(ctx, toolName, arguments)
	if err != nil {
		return nil, wrapUpstreamError(source, err)
	}

	return &sdkmcp.CallToolResultFor[any]{
		Content:           result.Content,
		IsError:           result.IsError,
		StructuredContent: result.StructuredContent,
	}, nil
}

// elicitFunc adapts a ServerSession's Elicit call to policy.ElicitFunc.
// ServerSession.Elicit was not directly observed in the retrieval pack; its
// shape is extrapolated from the SDK's other typed-params/typed-result
// session methods (ListTools, CallTool, Ping) — see DESIGN.md.
func elicitFunc(session *sdkmcp.ServerSession) policy.ElicitFunc {
	return func(ctx context.Context, message string) (policy.ElicitResult, error) {
		result, err := session.Elicit(ctx, &sdkmcp.ElicitParams{
			Message:         message,
			RequestedSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		})
		if err != nil {
			return policy.ElicitResult{}, err
		}
		return policy.ElicitResult{Accepted: result.Action == "accept"}, nil
	}
}

func validationError(message string) (*sdkmcp.CallToolResultFor[any], error) {
	return &sdkmcp.CallToolResultFor[any]{
		IsError: true,
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: fmt.Sprintf("%v: %s", errValidation, message)}},
	}, nil
}

// wrapUpstreamError prefixes an upstream call failure with the source name
// for diagnosability, preserving the upstream's original JSON-RPC error code
// when the SDK's error type exposes one (Open Question #3 — see DESIGN.md).
func wrapUpstreamError(source string, err error) error {
	wrapped := fmt.Errorf("Upstream server %q error: %w", source, err)
	var wireErr *jsonrpc.WireError
	if errors.As(err, &wireErr) {
		return &jsonrpc.WireError{Code: wireErr.Code, Message: wrapped.Error()}
	}
	return wrapped
}
