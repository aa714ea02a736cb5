package search

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/observability"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/registry"
)

// enabledCap bounds the auto-enabled set; see SPEC_FULL.md §9 Open Question 2.
const enabledCap = 50

// DisabledFunc reports whether the policy engine resolves (source,
// toolName) to the "never" policy. A disabled tool is surfaced with
// disabled:true and excluded from auto-enable.
type DisabledFunc func(source, toolName string) bool

// SearchToolsDefinition and RunToolDefinition are the two synthetic tools
// always present in the visible set, ahead of whatever the enabled set
// contains.
var (
	SearchToolsDefinition = registry.Tool{
		Name:        "search_tools",
		Description: "Search across every tool registered from connected upstream servers, by name, provider, or category.",
		InputSchema: []byte(`{"type":"object","properties":{"queries":{"type":"array","items":{"type":"object","properties":{"tool":{"type":"string"},"provider":{"type":"string"},"category":{"type":"string"},"expand_tools":{"type":"boolean"},"limit":{"type":"integer"},"offset":{"type":"integer"}}}}},"required":["queries"]}`),
	}
	RunToolDefinition = registry.Tool{
		Name:        "run_tool",
		Description: "Invoke a tool previously surfaced by search_tools, by its namespaced name.",
		InputSchema: []byte(`{"type":"object","properties":{"name":{"type":"string"},"arguments":{"type":"object"}},"required":["name"]}`),
	}
)

// Service is the Tool Search Service: an inverted index kept in lock-step
// with the Tool Registry, plus the bounded auto-enabled set that the Bridge
// Server advertises to the downstream client.
type Service struct {
	mu       sync.RWMutex
	reg      *registry.Registry
	idx      *index
	enabled  map[string]struct{}
	disabled DisabledFunc

	unsubRegistry func()

	observeMu   sync.Mutex
	observers   map[int]func()
	nextObserve int

	callCount   metric.Int64Counter
	callLatency metric.Float64Histogram
}

// New constructs a Service bound to reg, rebuilds its index immediately, and
// subscribes to further registry changes. disabled may be nil, in which case
// no tool is ever treated as policy-disabled.
func New(reg *registry.Registry, disabled DisabledFunc) *Service {
	if disabled == nil {
		disabled = func(string, string) bool { return false }
	}
	s := &Service{
		reg:       reg,
		enabled:   make(map[string]struct{}),
		disabled:  disabled,
		observers: make(map[int]func()),
	}
	s.rebuildIndex()
	s.unsubRegistry = reg.OnChanged(s.rebuildIndex)
	return s
}

// EnableTelemetry wires search_tools call count and latency into telemetry's
// meter provider. Safe to skip: an instrument-less Service just records
// nothing. Called after New since telemetry is typically constructed after
// the subsystems it instruments in the boot sequence.
func (s *Service) EnableTelemetry(telemetry *observability.Telemetry) {
	if telemetry == nil {
		return
	}
	meter := telemetry.Meter("crabeye-mcp-bridge/search")
	if counter, err := meter.Int64Counter(
		"mcp_bridge_search_tools_calls_total",
		metric.WithDescription("Number of search_tools invocations."),
	); err == nil {
		s.callCount = counter
	}
	if hist, err := meter.Float64Histogram(
		"mcp_bridge_search_tools_duration_seconds",
		metric.WithDescription("search_tools call latency in seconds."),
	); err == nil {
		s.callLatency = hist
	}
}

// Close unsubscribes from the registry. It does not clear the enabled set.
func (s *Service) Close() {
	if s.unsubRegistry != nil {
		s.unsubRegistry()
	}
}

func (s *Service) rebuildIndex() {
	built := buildIndex(toolsFromRegistry(s.reg))
	s.mu.Lock()
	s.idx = built
	s.mu.Unlock()
}

// OnVisibleToolsChanged registers an observer invoked whenever the visible
// set (synthetic tools + enabled set) changes. The returned function
// unsubscribes it. Observers run synchronously and panics are swallowed.
func (s *Service) OnVisibleToolsChanged(fn func()) (unsubscribe func()) {
	s.observeMu.Lock()
	id := s.nextObserve
	s.nextObserve++
	s.observers[id] = fn
	s.observeMu.Unlock()

	return func() {
		s.observeMu.Lock()
		delete(s.observers, id)
		s.observeMu.Unlock()
	}
}

func (s *Service) notifyVisibleChanged() {
	s.observeMu.Lock()
	fns := make([]func(), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.observeMu.Unlock()

	for _, fn := range fns {
		callObserverFunc(fn)
	}
}

func callObserverFunc(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

// VisibleTools returns the two synthetic tools followed by the currently
// enabled set, in a stable order.
func (s *Service) VisibleTools() []registry.Tool {
	s.mu.RLock()
	names := make([]string, 0, len(s.enabled))
	for name := range s.enabled {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	out := make([]registry.Tool, 0, 2+len(names))
	out = append(out, SearchToolsDefinition, RunToolDefinition)
	for _, name := range names {
		if rt, ok := s.reg.GetTool(name); ok {
			out = append(out, rt.Tool)
		}
	}
	return out
}

// Search executes every query in params and returns their results in order.
// As a side effect, it may replace the service's enabled set and fire a
// visible-tools-changed notification (see SPEC_FULL.md §4.4).
func (s *Service) Search(params SearchToolsParams) SearchToolsResponse {
	start := time.Now()
	resp := s.search(params)
	if s.callCount != nil {
		s.callCount.Add(context.Background(), 1)
	}
	if s.callLatency != nil {
		s.callLatency.Record(context.Background(), time.Since(start).Seconds())
	}
	return resp
}

func (s *Service) search(params SearchToolsParams) SearchToolsResponse {
	s.mu.RLock()
	idx := s.idx
	s.mu.RUnlock()

	seen := make(map[string]struct{})
	results := make([]QueryResult, len(params.Queries))

	newEnabledOrder := make([]string, 0, enabledCap)
	newEnabledSet := make(map[string]struct{})

	for i, q := range params.Queries {
		if !hasAnyFilter(q) {
			results[i] = QueryResult{Providers: []ProviderSummary{}}
			continue
		}

		if isSummaryQuery(q) {
			providers := summaryProviders(idx, q)
			total := len(providers)
			results[i] = QueryResult{Providers: providers, Total: total, Count: total}
			continue
		}

		limit := clampLimit(q.Limit)
		offset := clampOffset(q.Offset)

		candidates := detailCandidates(idx, q, seen)
		total := len(candidates)

		end := offset + limit
		if end > total {
			end = total
		}
		var page []string
		if offset < total {
			page = candidates[offset:end]
		}

		for _, id := range candidates {
			seen[id] = struct{}{}
		}

		grouped := make(map[string][]ToolResult)
		var order []string
		for _, id := range page {
			t, ok := idx.tools[id]
			if !ok {
				continue
			}
			disabled := s.disabled(t.Source, t.OriginalName)
			schema := t.InputSchema
			if disabled || len(schema) == 0 {
				schema = []byte("{}")
			}
			description := t.Description
			if disabled {
				description = ""
			}
			tr := ToolResult{
				ToolName:    t.Name,
				Source:      t.Source,
				Description: description,
				InputSchema: schema,
				Disabled:    disabled,
			}
			if _, ok := grouped[t.Source]; !ok {
				order = append(order, t.Source)
			}
			grouped[t.Source] = append(grouped[t.Source], tr)

			if !disabled && len(newEnabledOrder) < enabledCap {
				if _, already := newEnabledSet[t.ID]; !already {
					newEnabledSet[t.ID] = struct{}{}
					newEnabledOrder = append(newEnabledOrder, t.ID)
				}
			}
		}

		providers := make([]ProviderSummary, 0, len(order))
		for _, source := range order {
			category, _ := s.reg.GetCategoryForSource(source)
			providers = append(providers, ProviderSummary{
				Name:      source,
				Category:  category,
				ToolCount: sourceToolCount(idx, source),
				Tools:     grouped[source],
			})
		}

		results[i] = QueryResult{
			Providers: providers,
			Total:     total,
			Count:     len(page),
			Remaining: max0(total - offset - len(page)),
		}
	}

	s.mu.Lock()
	changed := !sameSet(s.enabled, newEnabledSet)
	s.enabled = newEnabledSet
	s.mu.Unlock()

	if changed {
		s.notifyVisibleChanged()
	}

	return SearchToolsResponse{Results: results}
}

func sourceToolCount(idx *index, source string) int {
	count := 0
	for _, t := range idx.tools {
		if t.Source == source {
			count++
		}
	}
	return count
}

func max0(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

func sameSet(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
