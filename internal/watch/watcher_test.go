package watch

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/config"
)

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
}

const baseConfig = `{
  "mcpUpstreams": {
    "linear": {"command": "node", "args": ["linear.js"]}
  },
  "_bridge": {"logLevel": "info"}
}`

// TestWatcher_DebouncesAndNotifiesOnChange exercises invariant #10: several
// rapid writes within the debounce window collapse into a single reload, and
// the listener only fires when the resolved config actually differs.
func TestWatcher_DebouncesAndNotifiesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.json")
	writeConfig(t, path, baseConfig)

	w, err := New(path, slog.Default(), WithDebounce(30*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	notifications := make(chan config.Diff, 8)
	w.Start(func(_, _ *config.Resolved, diff config.Diff) {
		notifications <- diff
	})

	changed := `{
  "mcpUpstreams": {
    "linear": {"command": "node", "args": ["linear.js"]},
    "github": {"command": "node", "args": ["github.js"]}
  },
  "_bridge": {"logLevel": "debug"}
}`
	// Two rapid writes within the debounce window should coalesce to one reload.
	writeConfig(t, path, changed)
	writeConfig(t, path, changed)

	select {
	case diff := <-notifications:
		if len(diff.Servers.Added) != 1 || diff.Servers.Added[0] != "github" {
			t.Fatalf("expected github added, got %+v", diff.Servers)
		}
		if diff.Bridge.LogLevel == nil || *diff.Bridge.LogLevel != "debug" {
			t.Fatalf("expected logLevel diff to debug, got %+v", diff.Bridge)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reload notification")
	}

	select {
	case diff := <-notifications:
		t.Fatalf("expected exactly one notification for the coalesced writes, got a second: %+v", diff)
	case <-time.After(150 * time.Millisecond):
	}
}

// TestWatcher_NoOpRewriteDoesNotNotify verifies the stable-JSON short-circuit.
func TestWatcher_NoOpRewriteDoesNotNotify(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.json")
	writeConfig(t, path, baseConfig)

	w, err := New(path, slog.Default(), WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	notifications := make(chan config.Diff, 4)
	w.Start(func(_, _ *config.Resolved, diff config.Diff) {
		notifications <- diff
	})

	writeConfig(t, path, baseConfig)

	select {
	case diff := <-notifications:
		t.Fatalf("expected no notification for a byte-identical rewrite, got %+v", diff)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestWatcher_IgnoresUnrelatedFiles verifies filename filtering within the
// watched directory.
func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.json")
	writeConfig(t, path, baseConfig)

	w, err := New(path, slog.Default(), WithDebounce(20*time.Millisecond))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	notifications := make(chan config.Diff, 4)
	w.Start(func(_, _ *config.Resolved, diff config.Diff) {
		notifications <- diff
	})

	writeConfig(t, filepath.Join(dir, "unrelated.json"), `{"noop": true}`)

	select {
	case diff := <-notifications:
		t.Fatalf("expected unrelated file writes to be ignored, got %+v", diff)
	case <-time.After(150 * time.Millisecond):
	}
}
