package client

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/config"
)

// headerRoundTripper attaches a fixed set of static headers to every
// outbound request, per the spec's "optional headers are attached to every
// outbound request" requirement.
type headerRoundTripper struct {
	headers map[string]string
	base    http.RoundTripper
}

func (h *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	for k, v := range h.headers {
		cloned.Header.Set(k, v)
	}
	base := h.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(cloned)
}

func httpClientWithHeaders(headers map[string]string) *http.Client {
	if len(headers) == 0 {
		return nil
	}
	return &http.Client{Transport: &headerRoundTripper{headers: headers}}
}

// TransportFor builds the TransportFactory matching entry's tagged variant:
// a subprocess for STDIO, or one of the two MCP HTTP sub-variants.
func TransportFor(entry config.ServerConfig) (TransportFactory, error) {
	if entry.IsStdio() {
		return stdioTransport(entry), nil
	}
	switch entry.Type {
	case config.TransportStreamableHTTP:
		return streamableHTTPTransport(entry), nil
	case config.TransportSSE:
		return sseTransport(entry), nil
	default:
		return nil, fmt.Errorf("unsupported HTTP transport type %q", entry.Type)
	}
}

// stdioTransport spawns command/args with the process environment merged
// with the configured env. The child's stderr is attached directly to the
// bridge's own os.Stderr; its lines do not pass through the logger and are
// not filtered by log level.
func stdioTransport(entry config.ServerConfig) TransportFactory {
	return func(ctx context.Context) (sdkmcp.Transport, error) {
		cmd := exec.CommandContext(ctx, entry.Command, entry.Args...)
		cmd.Env = mergeEnv(os.Environ(), entry.Env)
		cmd.Stderr = os.Stderr
		return &sdkmcp.CommandTransport{Command: cmd}, nil
	}
}

func streamableHTTPTransport(entry config.ServerConfig) TransportFactory {
	return func(_ context.Context) (sdkmcp.Transport, error) {
		return &sdkmcp.StreamableClientTransport{
			Endpoint:   entry.URL,
			HTTPClient: httpClientWithHeaders(entry.Headers),
		}, nil
	}
}

// sseTransport builds the MCP SSE client transport. The go-sdk's SSE client
// transport type mirrors StreamableClientTransport's Endpoint-keyed shape;
// see DESIGN.md for the grounding and confidence note on this constructor.
func sseTransport(entry config.ServerConfig) TransportFactory {
	return func(_ context.Context) (sdkmcp.Transport, error) {
		return &sdkmcp.SSEClientTransport{
			Endpoint:   entry.URL,
			HTTPClient: httpClientWithHeaders(entry.Headers),
		}, nil
	}
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	merged := make([]string, len(base), len(base)+len(overrides))
	copy(merged, base)
	for k, v := range overrides {
		merged = append(merged, k+"="+v)
	}
	return merged
}
