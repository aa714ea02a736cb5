package namespace

import "testing"

// TestRoundTrip verifies invariant #1: for all (s,t) where t contains no
// "__" at the split point, parse(namespace(s,t)) == (s,t).
func TestRoundTrip(t *testing.T) {
	cases := []struct{ source, tool string }{
		{"linear", "create_issue"},
		{"github", "list_issues"},
		{"a", "b"},
	}
	for _, c := range cases {
		joined := Join(c.source, c.tool)
		gotSource, gotTool, ok := Split(joined)
		if !ok {
			t.Fatalf("Split(%q) reported no separator", joined)
		}
		if gotSource != c.source || gotTool != c.tool {
			t.Fatalf("round trip mismatch: got (%q,%q), want (%q,%q)", gotSource, gotTool, c.source, c.tool)
		}
	}
}

func TestSplitFirstOccurrenceOnly(t *testing.T) {
	source, tool, ok := Split("github__create__issue")
	if !ok {
		t.Fatal("expected separator found")
	}
	if source != "github" || tool != "create__issue" {
		t.Fatalf("expected split on first __, got (%q,%q)", source, tool)
	}
}

func TestSplitNoSeparator(t *testing.T) {
	if _, _, ok := Split("notnamespaced"); ok {
		t.Fatal("expected ok=false for a name without a separator")
	}
}
