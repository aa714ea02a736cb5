// Package manager implements the Upstream Manager: the set of upstream
// clients and the health-check loop that monitors them.
package manager

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/client"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/config"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/namespace"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/registry"
)

// unhealthyThreshold is the number of consecutive ping failures that
// triggers a forced reconnect.
const unhealthyThreshold = 3

// pingTimeout bounds every health-check ping.
const pingTimeout = 5 * time.Second

// Health is the health-state enumeration, orthogonal to connection status.
type Health string

const (
	HealthUnknown   Health = "unknown"
	HealthHealthy   Health = "healthy"
	HealthUnhealthy Health = "unhealthy"
)

// ClientFactory builds a Client for the named upstream from its resolved
// server configuration. Exists so tests can inject fakes.
type ClientFactory func(name string, entry config.ServerConfig) (*client.Client, error)

// Status is the read-only view of one upstream's runtime state.
type Status struct {
	Name       string
	Status     client.Status
	Health     Health
	ToolCount  int
	LastPingAt time.Time
}

// ConnectResult summarizes one connectAll invocation.
type ConnectResult struct {
	Total     int
	Connected int
	Failed    []string
}

type trackedClient struct {
	client           *client.Client
	category         string
	health           Health
	consecutiveFails int
	lastPingAt       time.Time
	pingInFlight     bool
	unsubStatus      func()
	unsubTools       func()
}

// Manager owns the set of upstream clients and the health loop.
type Manager struct {
	registry      *registry.Registry
	clientFactory ClientFactory
	logger        *slog.Logger
	metrics       *metrics

	mu      sync.RWMutex
	clients map[string]*trackedClient
	config  map[string]config.ServerConfig

	healthMu     sync.Mutex
	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// New constructs an empty Manager bound to reg.
func New(reg *registry.Registry, factory ClientFactory, logger *slog.Logger) *Manager {
	return &Manager{
		registry:      reg,
		clientFactory: factory,
		logger:        logger,
		metrics:       newMetrics(),
		clients:       make(map[string]*trackedClient),
		config:        make(map[string]config.ServerConfig),
	}
}

// DefaultClientFactory builds the production ClientFactory, wiring the real
// MCP SDK transports via client.TransportFor.
func DefaultClientFactory(implementation *sdkmcp.Implementation) ClientFactory {
	return func(name string, entry config.ServerConfig) (*client.Client, error) {
		transport, err := client.TransportFor(entry)
		if err != nil {
			return nil, err
		}
		return client.New(name, implementation, transport), nil
	}
}

// ConnectAll constructs a client for every entry in upstreams, registers
// registry/health wiring, and kicks connect() on all of them concurrently.
// Individual failures never abort the others.
func (m *Manager) ConnectAll(ctx context.Context, upstreams map[string]config.ServerConfig) ConnectResult {
	m.mu.Lock()
	m.config = cloneConfig(upstreams)
	m.mu.Unlock()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		connected int
		failed    []string
	)

	for name, entry := range upstreams {
		wg.Add(1)
		go func(name string, entry config.ServerConfig) {
			defer wg.Done()
			if err := m.addClient(ctx, name, entry); err != nil {
				m.logger.Warn("upstream connect failed", "upstream", name, "error", err)
				mu.Lock()
				failed = append(failed, name)
				mu.Unlock()
				return
			}
			mu.Lock()
			connected++
			mu.Unlock()
		}(name, entry)
	}
	wg.Wait()

	return ConnectResult{Total: len(upstreams), Connected: connected, Failed: failed}
}

// addClient constructs one client, wires its observers, records its
// category, and connects it. The client is tracked regardless of whether
// the initial connect attempt succeeds — it may self-heal via backoff.
func (m *Manager) addClient(ctx context.Context, name string, entry config.ServerConfig) error {
	c, err := m.clientFactory(name, entry)
	if err != nil {
		return err
	}

	tc := &trackedClient{client: c, health: HealthUnknown}
	if entry.Bridge != nil {
		tc.category = entry.Bridge.Category
	}

	tc.unsubTools = c.OnToolsChanged(func(tools []client.Tool) {
		m.registry.SetToolsForSource(name, toRegistryTools(name, tools))
	})
	tc.unsubStatus = c.OnStatusChange(func(ev client.StatusEvent) {
		m.metrics.statusChange(name, ev.Current)
		if ev.Current == client.StatusError {
			m.registry.RemoveSource(name)
		}
	})

	m.mu.Lock()
	m.clients[name] = tc
	m.mu.Unlock()

	if tc.category != "" {
		m.registry.SetCategoryForSource(name, tc.category)
	}

	m.metrics.connectAttempt(name)
	return c.Connect(ctx)
}

func toRegistryTools(source string, tools []client.Tool) []registry.Tool {
	out := make([]registry.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, registry.Tool{
			Name:        namespace.Join(source, t.Name),
			Description: t.Description,
			InputSchema: marshalSchema(t.InputSchema),
		})
	}
	return out
}

// marshalSchema re-encodes an upstream-advertised schema (decoded by the SDK
// into an any) back into raw JSON for the registry, which passes schemas
// through verbatim rather than interpreting them.
func marshalSchema(schema any) json.RawMessage {
	if schema == nil {
		return nil
	}
	encoded, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	return encoded
}

// CloseAll stops the health loop, unsubscribes every observer, closes every
// client concurrently (ignoring errors), and removes every source from the
// registry.
func (m *Manager) CloseAll() {
	m.stopHealthLoopLocked()

	m.mu.Lock()
	clients := m.clients
	m.clients = make(map[string]*trackedClient)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for name, tc := range clients {
		wg.Add(1)
		go func(name string, tc *trackedClient) {
			defer wg.Done()
			tc.unsubStatus()
			tc.unsubTools()
			_ = tc.client.Close()
			m.registry.RemoveSource(name)
		}(name, tc)
	}
	wg.Wait()
}

// GetClient returns the named client, if tracked.
func (m *Manager) GetClient(name string) (*client.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tc, ok := m.clients[name]
	if !ok {
		return nil, false
	}
	return tc.client, true
}

// GetStatuses returns a read-only snapshot of every tracked upstream.
func (m *Manager) GetStatuses() []Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Status, 0, len(m.clients))
	for name, tc := range m.clients {
		out = append(out, Status{
			Name:       name,
			Status:     tc.client.Status(),
			Health:     tc.health,
			ToolCount:  len(tc.client.Tools()),
			LastPingAt: tc.lastPingAt,
		})
	}
	return out
}

func cloneConfig(in map[string]config.ServerConfig) map[string]config.ServerConfig {
	out := make(map[string]config.ServerConfig, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
