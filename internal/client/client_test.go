package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"))
}

// newTestServer builds an in-memory MCP server exposing a single "echo" tool.
func newTestServer(t *testing.T) *sdkmcp.Server {
	t.Helper()
	srv := sdkmcp.NewServer(&sdkmcp.Implementation{Name: "test-upstream", Version: "1.0.0"}, nil)
	sdkmcp.AddTool(srv, &sdkmcp.Tool{Name: "echo", Description: "echoes input"},
		func(_ context.Context, _ *sdkmcp.ServerSession, params *sdkmcp.CallToolParamsFor[map[string]any]) (*sdkmcp.CallToolResultFor[any], error) {
			return &sdkmcp.CallToolResultFor[any]{
				Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: "ok"}},
			}, nil
		})
	return srv
}

// connectingFactory returns a TransportFactory that hands out the
// client-side of one in-memory transport pair per invocation, with the
// matching server side connected to srv. It counts invocations.
func connectingFactory(t *testing.T, srv *sdkmcp.Server) (TransportFactory, *int32) {
	t.Helper()
	var calls int32
	factory := func(ctx context.Context) (sdkmcp.Transport, error) {
		atomic.AddInt32(&calls, 1)
		serverTransport, clientTransport := sdkmcp.NewInMemoryTransports()
		if _, err := srv.Connect(ctx, serverTransport, nil); err != nil {
			return nil, err
		}
		return clientTransport, nil
	}
	return factory, &calls
}

func TestConnectAndCallTool(t *testing.T) {
	srv := newTestServer(t)
	factory, _ := connectingFactory(t, srv)
	c := New("test", &sdkmcp.Implementation{Name: "bridge", Version: "1.0.0"}, factory)
	defer c.Close()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if c.Status() != StatusConnected {
		t.Fatalf("expected connected, got %s", c.Status())
	}

	tools := c.Tools()
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Fatalf("expected one 'echo' tool, got %+v", tools)
	}

	result, err := c.CallTool(context.Background(), "echo", map[string]any{"x": 1})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error result: %+v", result)
	}
}

func TestCallToolFailsWhenNotConnected(t *testing.T) {
	srv := newTestServer(t)
	factory, _ := connectingFactory(t, srv)
	c := New("test", &sdkmcp.Implementation{Name: "bridge"}, factory)

	_, err := c.CallTool(context.Background(), "echo", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

// TestConnectCoalescing verifies invariant #5: N concurrent Connect calls
// produce exactly one transport-factory invocation.
func TestConnectCoalescing(t *testing.T) {
	srv := newTestServer(t)
	factory, calls := connectingFactory(t, srv)
	c := New("test", &sdkmcp.Implementation{Name: "bridge"}, factory)
	defer c.Close()

	const n = 10
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			errs[idx] = c.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("unexpected connect error: %v", err)
		}
	}
	if got := atomic.LoadInt32(calls); got != 1 {
		t.Fatalf("expected exactly one transport-factory invocation, got %d", got)
	}
}

// TestBackoffMonotonicity verifies invariant #6: consecutive reconnect
// delays are non-decreasing until the max is reached.
func TestBackoffMonotonicity(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	var prev time.Duration
	for attempt := 0; attempt < 10; attempt++ {
		d := b.delay(attempt)
		if d < prev {
			t.Fatalf("backoff decreased at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > b.Max {
			t.Fatalf("backoff exceeded max at attempt %d: %v > %v", attempt, d, b.Max)
		}
		prev = d
	}
}

func TestCloseSuppressesReconnect(t *testing.T) {
	failFactory := func(_ context.Context) (sdkmcp.Transport, error) {
		return nil, errors.New("boom")
	}
	c := New("test", &sdkmcp.Implementation{Name: "bridge"}, failFactory, WithBackoff(Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond, MaxAttempts: 5}))

	_ = c.Connect(context.Background())
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.Status() != StatusDisconnected {
		t.Fatalf("expected disconnected after close, got %s", c.Status())
	}

	// Give any (incorrectly) still-armed timer a chance to fire; it must not,
	// since Close suppresses further reconnect attempts.
	time.Sleep(50 * time.Millisecond)
	if c.Status() != StatusDisconnected {
		t.Fatalf("expected status to remain disconnected after close, got %s", c.Status())
	}
}

func TestStatusObserverUnsubscribe(t *testing.T) {
	srv := newTestServer(t)
	factory, _ := connectingFactory(t, srv)
	c := New("test", &sdkmcp.Implementation{Name: "bridge"}, factory)
	defer c.Close()

	var events int32
	unsub := c.OnStatusChange(func(StatusEvent) { atomic.AddInt32(&events, 1) })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	unsub()
	_ = c.Close()

	if atomic.LoadInt32(&events) == 0 {
		t.Fatal("expected at least one status event before unsubscribe")
	}
}
