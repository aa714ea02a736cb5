package observability

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	level := NewLevel("info")
	logger := NewLogger(&buf, "text", level)

	logger.Info("connected", "component", "manager", "server", "linear", "attempt", 1)

	line := buf.String()
	if !strings.Contains(line, "[manager:linear]") {
		t.Fatalf("expected bracketed component:server prefix, got %q", line)
	}
	if !strings.Contains(line, "connected") {
		t.Fatalf("expected message in output, got %q", line)
	}
	if !strings.Contains(line, "attempt=1") {
		t.Fatalf("expected remaining attrs as key=value, got %q", line)
	}
	if strings.Contains(line, "component=") || strings.Contains(line, "server=") {
		t.Fatalf("component/server should be consumed into the prefix, not repeated as attrs: %q", line)
	}
}

func TestNewLogger_TextFormat_DefaultsMissingComponentServer(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "text", NewLevel("info"))

	logger.Info("starting up")

	if !strings.Contains(buf.String(), "[-:-]") {
		t.Fatalf("expected default dash prefix when component/server are absent, got %q", buf.String())
	}
}

func TestNewLogger_TextFormat_QuotesValuesWithWhitespace(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "text", NewLevel("info"))

	logger.Info("msg", "reason", "contains a space")

	if !strings.Contains(buf.String(), `reason="contains a space"`) {
		t.Fatalf("expected quoted value for whitespace-containing attr, got %q", buf.String())
	}
}

func TestNewLogger_JSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "json", NewLevel("info"))

	logger.Info("hello", "k", "v")

	if !strings.Contains(buf.String(), `"msg":"hello"`) {
		t.Fatalf("expected a JSON log line, got %q", buf.String())
	}
}

func TestLevel_FiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	level := NewLevel("warn")
	logger := NewLogger(&buf, "text", level)

	logger.Info("should be dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered at warn level, got %q", buf.String())
	}

	logger.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected warn to pass the filter, got %q", buf.String())
	}
}

func TestLevel_SetTakesEffectOnSharedLoggers(t *testing.T) {
	var buf bytes.Buffer
	level := NewLevel("error")
	logger := NewLogger(&buf, "text", level)

	logger.Info("dropped before reload")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be dropped at error level, got %q", buf.String())
	}

	level.Set("debug")
	logger.Info("kept after reload")
	if !strings.Contains(buf.String(), "kept after reload") {
		t.Fatalf("expected the existing logger to observe the new level immediately, got %q", buf.String())
	}
}

func TestTextHandler_WithGroupPrefixesKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "text", NewLevel("info")).WithGroup("upstream")

	logger.Info("tick", "count", 3)

	if !strings.Contains(buf.String(), "upstream.count=3") {
		t.Fatalf("expected group-prefixed key, got %q", buf.String())
	}
}

func TestTextHandler_WithAttrsPersistsAcrossCalls(t *testing.T) {
	var buf bytes.Buffer
	base := NewLogger(&buf, "text", NewLevel("info"))
	child := base.With("component", "registry", "server", "github")

	child.Info("registered")

	if !strings.Contains(buf.String(), "[registry:github]") {
		t.Fatalf("expected With attrs to carry into the bracketed prefix, got %q", buf.String())
	}
}

func TestNewLevel_UnrecognizedNameDefaultsToInfo(t *testing.T) {
	level := NewLevel("nonsense")
	if level.v.Level() != slog.LevelInfo {
		t.Fatalf("expected unrecognized level name to default to info, got %v", level.v.Level())
	}
}
