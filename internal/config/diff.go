package config

import (
	"bytes"
	"encoding/json"
)

// marshalStable encodes v via encoding/json, which sorts map keys
// alphabetically by default — sufficient for the spec's "stable stringify"
// comparison requirement with no extra library.
func marshalStable(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Diff is the structured result of comparing two resolved configurations.
type Diff struct {
	Servers ServerDiff
	Bridge  BridgeDiff
}

// ServerDiff partitions the upstream name set into four buckets.
type ServerDiff struct {
	Added     []string
	Removed   []string
	Reconnect []string
	Updated   []string
}

// BridgeDiff reports which ambient fields changed and whether any of them
// require a process restart to take effect.
type BridgeDiff struct {
	LogLevel            *string
	HealthCheckInterval *int
	ToolPolicy          *ToolPolicy
	RequiresRestart     []string
}

// IsEmpty reports whether the diff represents no change at all.
func (d Diff) IsEmpty() bool {
	return len(d.Servers.Added) == 0 && len(d.Servers.Removed) == 0 &&
		len(d.Servers.Reconnect) == 0 && len(d.Servers.Updated) == 0 &&
		d.Bridge.LogLevel == nil && d.Bridge.HealthCheckInterval == nil &&
		d.Bridge.ToolPolicy == nil && len(d.Bridge.RequiresRestart) == 0
}

// Compare computes the diff from old to next. Satisfies invariant #9:
// Compare(c,c) is empty.
func Compare(old, next *Resolved) Diff {
	var d Diff
	d.Servers = compareServers(old.Upstreams, next.Upstreams)
	d.Bridge = compareBridge(old.Bridge, next.Bridge)
	return d
}

func compareServers(old, next map[string]ServerConfig) ServerDiff {
	var sd ServerDiff
	for name := range old {
		if _, ok := next[name]; !ok {
			sd.Removed = append(sd.Removed, name)
		}
	}
	for name, n := range next {
		o, ok := old[name]
		if !ok {
			sd.Added = append(sd.Added, name)
			continue
		}
		if !bytes.Equal(o.ConnectionFields(), n.ConnectionFields()) {
			sd.Reconnect = append(sd.Reconnect, name)
			continue
		}
		if !bridgeMetaEqual(o.Bridge, n.Bridge) {
			sd.Updated = append(sd.Updated, name)
		}
	}
	return sd
}

func bridgeMetaEqual(a, b *BridgeMeta) bool {
	am, _ := marshalStable(a)
	bm, _ := marshalStable(b)
	return bytes.Equal(am, bm)
}

func compareBridge(old, next BridgeConfig) BridgeDiff {
	var bd BridgeDiff
	if old.LogLevel != next.LogLevel {
		v := next.LogLevel
		bd.LogLevel = &v
	}
	if old.HealthCheckInterval != next.HealthCheckInterval {
		v := next.HealthCheckInterval
		bd.HealthCheckInterval = &v
	}
	if old.ToolPolicy != next.ToolPolicy {
		v := next.ToolPolicy
		bd.ToolPolicy = &v
	}

	restartFields := map[string]bool{
		"port":                   old.Port != next.Port,
		"logFormat":              old.LogFormat != next.LogFormat,
		"maxUpstreamConnections": old.MaxUpstreamConnections != next.MaxUpstreamConnections,
		"connectionTimeout":      old.ConnectionTimeout != next.ConnectionTimeout,
		"idleTimeout":            old.IdleTimeout != next.IdleTimeout,
	}
	for field, changed := range restartFields {
		if changed {
			bd.RequiresRestart = append(bd.RequiresRestart, field)
		}
	}
	return bd
}
