// Package client implements the Upstream Client: a single-threaded
// (cooperative) state machine wrapping one MCP session with one upstream,
// using an epoch counter to void stale asynchronous callbacks.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Status is the connection-status enumeration.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Tool mirrors the subset of an upstream-advertised tool the rest of the
// bridge cares about.
type Tool struct {
	Name        string
	Description string
	InputSchema any
}

// StatusEvent is delivered to status observers on every transition.
type StatusEvent struct {
	Previous Status
	Current  Status
	Err      error
}

// ErrClosed is returned by Connect once Close has been called; CallTool and
// Ping report ErrNotConnected after Close instead.
var ErrClosed = errors.New("client: closed")

// ErrNotConnected is returned by CallTool when the client is not currently
// connected; it is non-retryable by the caller's own action, matching the
// spec's "fails with a non-retryable error when state != connected".
var ErrNotConnected = errors.New("client: not connected")

// TransportFactory builds a fresh transport for one connection attempt. It
// is invoked exactly once per logical connect, even under concurrent
// Connect calls (coalescing).
type TransportFactory func(ctx context.Context) (sdkmcp.Transport, error)

// Backoff configures the reconnect schedule: delay = min(base*2^attempt, max).
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int // 0 = unlimited
}

func (b Backoff) delay(attempt int) time.Duration {
	delay := b.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > b.Max {
			return b.Max
		}
	}
	if delay > b.Max {
		return b.Max
	}
	return delay
}

// Client is one upstream's connection state machine.
type Client struct {
	name           string
	implementation *sdkmcp.Implementation
	newTransport   TransportFactory
	backoff        Backoff
	logger         *slog.Logger

	mu               sync.Mutex
	epoch            int
	status           Status
	closed           bool
	session          *sdkmcp.ClientSession
	tools            []Tool
	reconnectAttempt int
	reconnectTimer   *time.Timer
	cancelAttempt    context.CancelFunc
	connecting       chan struct{}
	connectErr       error

	statusObservers map[int]func(StatusEvent)
	toolObservers   map[int]func([]Tool)
	nextObserver    int
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithBackoff overrides the default reconnect backoff schedule.
func WithBackoff(b Backoff) Option {
	return func(c *Client) { c.backoff = b }
}

// WithLogger attaches a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New constructs a disconnected Client for the named upstream. transport is
// invoked to build a fresh sdk transport for each connect attempt.
func New(name string, implementation *sdkmcp.Implementation, transport TransportFactory, opts ...Option) *Client {
	c := &Client{
		name:            name,
		implementation:  implementation,
		newTransport:    transport,
		status:          StatusDisconnected,
		backoff:         Backoff{Base: time.Second, Max: 30 * time.Second, MaxAttempts: 10},
		logger:          slog.Default(),
		statusObservers: make(map[int]func(StatusEvent)),
		toolObservers:   make(map[int]func([]Tool)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the upstream identity this client serves.
func (c *Client) Name() string { return c.name }

// Status returns the current connection status.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Tools returns the most recently discovered tool list.
func (c *Client) Tools() []Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// OnStatusChange registers a status observer; returns an unsubscribe func.
// Observer panics are recovered and swallowed.
func (c *Client) OnStatusChange(fn func(StatusEvent)) func() {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.statusObservers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.statusObservers, id)
		c.mu.Unlock()
	}
}

// OnToolsChanged registers a tool-list observer; returns an unsubscribe func.
func (c *Client) OnToolsChanged(fn func([]Tool)) func() {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.toolObservers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.toolObservers, id)
		c.mu.Unlock()
	}
}

// Connect starts (or joins an in-flight) connection attempt. Concurrent
// callers joining an in-flight attempt all observe exactly one
// TransportFactory invocation (invariant #5).
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connecting != nil {
		ch := c.connecting
		c.mu.Unlock()
		<-ch
		c.mu.Lock()
		err := c.connectErr
		c.mu.Unlock()
		return err
	}

	ch := make(chan struct{})
	c.connecting = ch
	c.epoch++
	myEpoch := c.epoch
	previous := c.status
	c.status = StatusConnecting
	if c.cancelAttempt != nil {
		c.cancelAttempt()
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	attemptCtx, cancel := context.WithCancel(context.Background())
	c.cancelAttempt = cancel
	c.mu.Unlock()

	c.emitStatus(StatusEvent{Previous: previous, Current: StatusConnecting})

	session, err := c.dial(attemptCtx, myEpoch)

	c.mu.Lock()
	if myEpoch != c.epoch {
		// A newer Connect call superseded this attempt; discard the result.
		c.mu.Unlock()
		close(ch)
		return nil
	}

	if err != nil {
		c.status = StatusDisconnected
		c.connecting = nil
		c.connectErr = err
		c.mu.Unlock()
		close(ch)
		c.emitStatus(StatusEvent{Previous: StatusConnecting, Current: StatusDisconnected, Err: err})
		c.scheduleReconnect()
		return err
	}

	c.session = session
	c.status = StatusConnected
	c.reconnectAttempt = 0
	c.connecting = nil
	c.connectErr = nil
	c.mu.Unlock()
	close(ch)
	c.emitStatus(StatusEvent{Previous: StatusConnecting, Current: StatusConnected})

	c.refreshTools(myEpoch)
	return nil
}

// dial performs the actual transport construction and SDK handshake.
func (c *Client) dial(ctx context.Context, epoch int) (*sdkmcp.ClientSession, error) {
	transport, err := c.newTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("building transport for %q: %w", c.name, err)
	}

	sdkClient := sdkmcp.NewClient(c.implementation, &sdkmcp.ClientOptions{
		ToolListChangedHandler: func(_ context.Context, _ *sdkmcp.ClientSession, _ *sdkmcp.ToolListChangedParams) {
			c.refreshTools(epoch)
		},
		KeepAlive: 30 * time.Second,
	})

	session, err := sdkClient.Connect(ctx, transport)
	if err != nil {
		return nil, fmt.Errorf("connecting to %q: %w", c.name, err)
	}
	return session, nil
}

// refreshTools re-fetches tools/list and notifies observers, discarding the
// result if epoch has moved on (stale-callback suppression).
func (c *Client) refreshTools(epoch int) {
	c.mu.Lock()
	if epoch != c.epoch || c.session == nil {
		c.mu.Unlock()
		return
	}
	session := c.session
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := session.ListTools(ctx, &sdkmcp.ListToolsParams{})
	if err != nil {
		c.logger.Warn("tool discovery failed", "upstream", c.name, "error", err)
		return
	}

	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		tools = append(tools, Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	c.mu.Lock()
	if epoch != c.epoch {
		c.mu.Unlock()
		return
	}
	c.tools = tools
	c.mu.Unlock()

	c.emitTools(tools)
}

// CallTool delegates a call to the connected upstream session, returning
// ErrNotConnected (non-retryable) if the client is not currently connected.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*sdkmcp.CallToolResult, error) {
	c.mu.Lock()
	if c.status != StatusConnected || c.session == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	session := c.session
	c.mu.Unlock()

	result, err := session.CallTool(ctx, &sdkmcp.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		c.noteTransportFailure()
		return nil, err
	}
	return result, nil
}

// Ping issues a health ping with the given timeout. The client itself does
// not interpret failures — callers (the Upstream Manager) decide how to act.
func (c *Client) Ping(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	if c.status != StatusConnected || c.session == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	session := c.session
	c.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := session.Ping(pingCtx, &sdkmcp.PingParams{}); err != nil {
		return err
	}
	return nil
}

// noteTransportFailure transitions a connected client to disconnected and
// arms the reconnect timer when a tool call surfaces an error, mirroring
// the spec's "transport onclose" transition.
func (c *Client) noteTransportFailure() {
	c.mu.Lock()
	if c.closed || c.status != StatusConnected {
		c.mu.Unlock()
		return
	}
	c.status = StatusDisconnected
	c.session = nil
	c.mu.Unlock()

	c.emitStatus(StatusEvent{Previous: StatusConnected, Current: StatusDisconnected})
	c.scheduleReconnect()
}

// scheduleReconnect arms a single backoff timer, or transitions to the
// terminal error status once the configured attempt budget is exhausted.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.backoff.MaxAttempts > 0 && c.reconnectAttempt >= c.backoff.MaxAttempts {
		previous := c.status
		c.status = StatusError
		c.mu.Unlock()
		c.emitStatus(StatusEvent{Previous: previous, Current: StatusError, Err: errors.New("reconnect attempts exhausted")})
		return
	}
	delay := c.backoff.delay(c.reconnectAttempt)
	c.reconnectAttempt++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectTimer = time.AfterFunc(delay, func() {
		_ = c.Connect(context.Background())
	})
	c.mu.Unlock()
}

// Reconnect forces an immediate reconnect attempt, bypassing any pending
// backoff timer. Invoked by the Upstream Manager's health loop once the
// unhealthy threshold is reached.
func (c *Client) Reconnect(ctx context.Context) error {
	return c.Connect(ctx)
}

// Close sets the closed flag, which suppresses further reconnect attempts,
// cancels any in-flight attempt, closes the session, and transitions to
// disconnected with an empty tool list.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	previous := c.status
	c.status = StatusDisconnected
	c.tools = nil
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.cancelAttempt != nil {
		c.cancelAttempt()
	}
	session := c.session
	c.session = nil
	c.mu.Unlock()

	var err error
	if session != nil {
		err = session.Close()
	}
	c.emitStatus(StatusEvent{Previous: previous, Current: StatusDisconnected})
	return err
}

func (c *Client) emitStatus(ev StatusEvent) {
	c.mu.Lock()
	fns := make([]func(StatusEvent), 0, len(c.statusObservers))
	for _, fn := range c.statusObservers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		callStatusObserver(fn, ev)
	}
}

func callStatusObserver(fn func(StatusEvent), ev StatusEvent) {
	defer func() { _ = recover() }()
	fn(ev)
}

func (c *Client) emitTools(tools []Tool) {
	c.mu.Lock()
	fns := make([]func([]Tool), 0, len(c.toolObservers))
	for _, fn := range c.toolObservers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		callToolsObserver(fn, tools)
	}
}

func callToolsObserver(fn func([]Tool), tools []Tool) {
	defer func() { _ = recover() }()
	fn(tools)
}
