package config

import "testing"

func baseResolved() *Resolved {
	return &Resolved{
		Bridge: BridgeConfig{Port: 19875, LogLevel: "info", LogFormat: "text", ToolPolicy: PolicyAlways, HealthCheckInterval: 30},
		Upstreams: map[string]ServerConfig{
			"linear": {URL: "http://A", Type: TransportStreamableHTTP},
		},
	}
}

// TestDiffIdempotence verifies invariant #9: diff(c,c) is empty.
func TestDiffIdempotence(t *testing.T) {
	c := baseResolved()
	d := Compare(c, c)
	if !d.IsEmpty() {
		t.Fatalf("expected empty diff comparing config to itself, got %+v", d)
	}
}

func TestDiff_AddedRemoved(t *testing.T) {
	old := baseResolved()
	next := baseResolved()
	delete(next.Upstreams, "linear")
	next.Upstreams["github"] = ServerConfig{Command: "node", Args: []string{"server.js"}}

	d := Compare(old, next)
	if len(d.Servers.Added) != 1 || d.Servers.Added[0] != "github" {
		t.Fatalf("expected github added, got %v", d.Servers.Added)
	}
	if len(d.Servers.Removed) != 1 || d.Servers.Removed[0] != "linear" {
		t.Fatalf("expected linear removed, got %v", d.Servers.Removed)
	}
}

// TestDiff_Reconnect mirrors scenario S5: a changed URL triggers reconnect.
func TestDiff_Reconnect(t *testing.T) {
	old := baseResolved()
	next := baseResolved()
	entry := next.Upstreams["linear"]
	entry.URL = "http://B"
	next.Upstreams["linear"] = entry

	d := Compare(old, next)
	if len(d.Servers.Reconnect) != 1 || d.Servers.Reconnect[0] != "linear" {
		t.Fatalf("expected linear to require reconnect, got %+v", d.Servers)
	}
}

func TestDiff_MetadataOnlyUpdate(t *testing.T) {
	old := baseResolved()
	next := baseResolved()
	entry := next.Upstreams["linear"]
	entry.Bridge = &BridgeMeta{Category: "issue-tracking"}
	next.Upstreams["linear"] = entry

	d := Compare(old, next)
	if len(d.Servers.Reconnect) != 0 {
		t.Fatalf("expected no reconnect for metadata-only change, got %v", d.Servers.Reconnect)
	}
	if len(d.Servers.Updated) != 1 || d.Servers.Updated[0] != "linear" {
		t.Fatalf("expected linear marked updated, got %v", d.Servers.Updated)
	}
}

func TestDiff_BridgeRequiresRestart(t *testing.T) {
	old := baseResolved()
	next := baseResolved()
	next.Bridge.Port = 9999
	next.Bridge.LogLevel = "debug"

	d := Compare(old, next)
	if d.Bridge.LogLevel == nil || *d.Bridge.LogLevel != "debug" {
		t.Fatal("expected logLevel reported as a hot-reloadable change")
	}
	found := false
	for _, f := range d.Bridge.RequiresRestart {
		if f == "port" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected port change to require restart, got %v", d.Bridge.RequiresRestart)
	}
}
