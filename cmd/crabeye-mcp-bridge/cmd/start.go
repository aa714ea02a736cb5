package cmd

import (
	"context"
	"fmt"
	"log/slog"
	stdhttp "net/http"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/bridge"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/config"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/manager"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/observability"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/policy"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/registry"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/search"
	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/watch"
)

var (
	httpMode     bool
	enableTraces bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the bridge",
	Long: `Run the bridge: connect to every configured upstream, build the tool
index, and serve the aggregated MCP session.

By default the bridge is served over stdio, for use as a subprocess behind a
downstream MCP client. Pass --http to serve the streamable-HTTP transport on
the configured _bridge.port instead.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVar(&httpMode, "http", false, "serve over streamable-HTTP instead of stdio")
	startCmd.Flags().BoolVar(&enableTraces, "traces", false, "emit OTel traces/metrics to stderr alongside logs")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath()
	if path == "" {
		return fmt.Errorf("no config file: pass --config or set MCP_BRIDGE_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config %q is invalid: %w", path, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	level := observability.NewLevel(cfg.Bridge.LogLevel)
	logger := observability.NewLogger(os.Stderr, cfg.Bridge.LogFormat, level)
	logger.Info("loaded config", "path", path, "upstreams", len(cfg.Upstreams))

	if err := run(ctx, path, cfg, logger, level); err != nil {
		return err
	}
	logger.Info("bridge stopped")
	return nil
}

// run is the main orchestration function wiring every subsystem together.
// It implements the boot sequence BOOT-01 through BOOT-07.
func run(ctx context.Context, path string, cfg *config.Resolved, logger *slog.Logger, level *observability.Level) error {
	// ===== BOOT-01: observability =====
	var telemetry *observability.Telemetry
	if enableTraces {
		t, err := observability.NewTelemetry(os.Stderr)
		if err != nil {
			return fmt.Errorf("starting telemetry: %w", err)
		}
		telemetry = t
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := telemetry.Shutdown(shutdownCtx); err != nil {
				logger.Warn("telemetry shutdown failed", "error", err)
			}
		}()
	}

	// ===== BOOT-02: Tool Registry + Upstream Manager =====
	reg := registry.New()
	impl := &sdkmcp.Implementation{Name: "crabeye-mcp-bridge", Version: Version}
	mgr := manager.New(reg, manager.DefaultClientFactory(impl), logger)
	defer mgr.CloseAll()

	result := mgr.ConnectAll(ctx, cfg.Upstreams)
	logger.Info("connected upstreams", "total", result.Total, "connected", result.Connected, "failed", result.Failed)
	if cfg.Bridge.HealthCheckInterval > 0 {
		mgr.RestartHealthChecks(cfg.Bridge.HealthCheckInterval)
	}

	// ===== BOOT-03: Policy Engine =====
	eng := policy.New(cfg.Bridge.ToolPolicy)
	eng.Update(cfg.Bridge.ToolPolicy, cfg.Upstreams)

	// ===== BOOT-04: Tool Search Service =====
	svc := search.New(reg, eng.IsDisabled)
	defer svc.Close()
	svc.EnableTelemetry(telemetry)

	// ===== BOOT-05: Bridge Server =====
	srv := bridge.New(impl, svc, mgr, reg, eng, logger, telemetry)
	defer srv.Close()

	// ===== BOOT-06: Hot-Reload Pipeline =====
	watcher, err := startWatcher(path, logger, mgr, eng, level)
	if err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	// ===== BOOT-07: serve =====
	if httpMode {
		return serveHTTP(ctx, cfg.Bridge.Port, srv, logger)
	}
	return srv.Serve(ctx)
}

// startWatcher wires the fsnotify-driven Hot-Reload Pipeline: a config
// change reconnects/drops upstreams via the Upstream Manager's diff
// application and refreshes the Policy Engine's cascades and log level in
// place.
func startWatcher(path string, logger *slog.Logger, mgr *manager.Manager, eng *policy.Engine, level *observability.Level) (*watch.Watcher, error) {
	w, err := watch.New(path, logger)
	if err != nil {
		return nil, err
	}
	w.Start(func(previous, next *config.Resolved, diff config.Diff) {
		logger.Info("config changed", "added", diff.Servers.Added, "removed", diff.Servers.Removed, "reconnect", diff.Servers.Reconnect)
		mgr.ApplyConfigDiff(context.Background(), diff, next.Upstreams)
		eng.Update(next.Bridge.ToolPolicy, next.Upstreams)
		if diff.Bridge.LogLevel != nil {
			level.Set(*diff.Bridge.LogLevel)
			logger.Info("log level changed", "level", *diff.Bridge.LogLevel)
		}
		if diff.Bridge.HealthCheckInterval != nil {
			mgr.RestartHealthChecks(*diff.Bridge.HealthCheckInterval)
			logger.Info("health check interval changed", "seconds", *diff.Bridge.HealthCheckInterval)
		}
	})
	return w, nil
}

func serveHTTP(ctx context.Context, port int, srv *bridge.Server, logger *slog.Logger) error {
	httpServer := &stdhttp.Server{
		Addr:    ":" + strconv.Itoa(port),
		Handler: srv.HTTPHandler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving streamable-HTTP", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
