package tools

import (
	"context"
	"testing"

	"github.com/wardenhub/warden-gateway/internal/store"
)

func TestSplitName(t *testing.T) {
	skill, action, ok := SplitName("browser__open")
	if !ok || skill != "browser" || action != "open" {
		t.Errorf("Expected browser/open, got %s/%s ok=%v", skill, action, ok)
	}

	// Only the first separator splits; the action keeps the rest.
	skill, action, ok = SplitName("fs__read__file")
	if !ok || skill != "fs" || action != "read__file" {
		t.Errorf("Expected fs/read__file, got %s/%s ok=%v", skill, action, ok)
	}

	for _, bad := range []string{"noseparator", "__open", "browser__", ""} {
		if _, _, ok := SplitName(bad); ok {
			t.Errorf("Expected split of %q to fail", bad)
		}
	}
}

func TestToolNaming(t *testing.T) {
	tool := &Tool{Skill: "shell", Action: "execute"}
	if tool.Name() != "shell__execute" {
		t.Errorf("Expected shell__execute, got %s", tool.Name())
	}
	if tool.Type() != "shell.execute" {
		t.Errorf("Expected shell.execute, got %s", tool.Type())
	}
}

func TestRegistryExecute(t *testing.T) {
	r := NewRegistry()
	r.Register(&Tool{
		Skill:  "echo",
		Action: "say",
		Tier:   store.TierGreen,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return args["text"].(string), nil
		},
	})

	out, err := r.Execute(context.Background(), "echo__say", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if out != "hi" {
		t.Errorf("Expected hi, got %s", out)
	}

	if _, err := r.Execute(context.Background(), "missing__tool", nil); err == nil {
		t.Error("Expected error for unknown tool")
	}
}

func TestBuiltinRegistryTiers(t *testing.T) {
	r := NewBuiltinRegistry()

	cases := map[string]string{
		"browser__open":    store.TierGreen,
		"clipboard__read":  store.TierYellow,
		"clipboard__write": store.TierYellow,
		"fs__read":         store.TierYellow,
		"shell__execute":   store.TierRed,
	}
	for name, tier := range cases {
		tool, ok := r.Lookup(name)
		if !ok {
			t.Errorf("Expected builtin tool %s", name)
			continue
		}
		if tool.Tier != tier {
			t.Errorf("Tool %s: expected tier %s, got %s", name, tier, tool.Tier)
		}
	}

	defs := r.Definitions()
	if len(defs) != len(cases) {
		t.Errorf("Expected %d definitions, got %d", len(cases), len(defs))
	}
}
