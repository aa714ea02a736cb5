package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/crabeye-ai/crabeye-mcp-bridge/internal/config"
)

// TestEnforce_Cascade exercises scenario S6: global always, server linear
// prompt, tool linear.delete_issue never.
func TestEnforce_Cascade(t *testing.T) {
	e := New(config.PolicyAlways)
	e.Update(config.PolicyAlways, map[string]config.ServerConfig{
		"linear": {
			Bridge: &config.BridgeMeta{
				ToolPolicy: config.PolicyPrompt,
				Tools: map[string]config.ToolPolicy{
					"delete_issue": config.PolicyNever,
				},
			},
		},
	})

	t.Run("never-blocks-without-prompting", func(t *testing.T) {
		elicited := false
		err := e.Enforce(context.Background(), "linear", "delete_issue", nil, func(context.Context, string) (ElicitResult, error) {
			elicited = true
			return ElicitResult{Accepted: true}, nil
		})
		if !errors.Is(err, ErrDenied) {
			t.Fatalf("expected ErrDenied, got %v", err)
		}
		if elicited {
			t.Fatal("never policy must not prompt")
		}
	})

	t.Run("prompt-accept-passes", func(t *testing.T) {
		err := e.Enforce(context.Background(), "linear", "list_issues", map[string]any{"x": 1}, func(ctx context.Context, msg string) (ElicitResult, error) {
			if msg == "" {
				t.Fatal("expected a non-empty confirmation message")
			}
			return ElicitResult{Accepted: true}, nil
		})
		if err != nil {
			t.Fatalf("expected accept to pass, got %v", err)
		}
	})

	t.Run("prompt-decline-fails", func(t *testing.T) {
		err := e.Enforce(context.Background(), "linear", "list_issues", nil, func(context.Context, string) (ElicitResult, error) {
			return ElicitResult{Accepted: false}, nil
		})
		if !errors.Is(err, ErrDeclined) {
			t.Fatalf("expected ErrDeclined, got %v", err)
		}
	})

	t.Run("prompt-without-elicitation-support-fails", func(t *testing.T) {
		err := e.Enforce(context.Background(), "linear", "list_issues", nil, nil)
		if !errors.Is(err, ErrElicitationUnsupported) {
			t.Fatalf("expected ErrElicitationUnsupported, got %v", err)
		}
	})

	t.Run("other-server-falls-back-to-global-always", func(t *testing.T) {
		err := e.Enforce(context.Background(), "github", "create_issue", nil, nil)
		if err != nil {
			t.Fatalf("expected global always to pass without prompting, got %v", err)
		}
	})
}

func TestIsDisabled(t *testing.T) {
	e := New(config.PolicyAlways)
	e.Update(config.PolicyAlways, map[string]config.ServerConfig{
		"linear": {Bridge: &config.BridgeMeta{Tools: map[string]config.ToolPolicy{"delete_issue": config.PolicyNever}}},
	})

	if !e.IsDisabled("linear", "delete_issue") {
		t.Fatal("expected delete_issue to be disabled")
	}
	if e.IsDisabled("linear", "list_issues") {
		t.Fatal("expected list_issues not disabled")
	}
}

func TestUpdateReplacesStateAtomically(t *testing.T) {
	e := New(config.PolicyAlways)
	e.Update(config.PolicyNever, nil)
	if e.Resolve("anything", "anything") != config.PolicyNever {
		t.Fatal("expected global policy to update")
	}
	e.Update(config.PolicyAlways, nil)
	if e.Resolve("anything", "anything") != config.PolicyAlways {
		t.Fatal("expected global policy to revert")
	}
}
