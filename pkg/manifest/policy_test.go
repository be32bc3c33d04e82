package manifest

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/tomer-shavit/molthub-sub010/pkg/fleet"
)

func TestPolicyEngineAddRemove(t *testing.T) {
	engine, err := NewPolicyEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPolicyEngine() error = %v", err)
	}

	builtin := len(engine.ListPolicies())
	if builtin == 0 {
		t.Fatal("expected built-in policies to be loaded")
	}

	policy := &Policy{
		Name:     "no-telegram",
		Severity: fleet.SeverityError,
		Enabled:  true,
		Rego: `package molthub.policies.custom

import rego.v1

deny contains msg if {
	some channel in input.manifest.channels
	channel.type == "telegram"
	msg := "telegram channels are disabled in this workspace"
}
`,
	}
	if err := engine.AddPolicy(policy); err != nil {
		t.Fatalf("AddPolicy() error = %v", err)
	}
	if got := len(engine.ListPolicies()); got != builtin+1 {
		t.Errorf("policy count = %d, want %d", got, builtin+1)
	}

	doc := &fleet.ManifestDocument{
		Name:  "support-bot",
		Model: "claude-sonnet-4",
		Channels: []fleet.ChannelConfig{
			{Type: "telegram", TokenSecretKey: "tg-token"},
		},
	}
	violations, err := engine.Evaluate(context.Background(), doc)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !hasViolationCode(violations, "no-telegram") {
		t.Errorf("missing no-telegram violation, got %+v", violations)
	}

	engine.RemovePolicy("no-telegram")
	violations, err = engine.Evaluate(context.Background(), doc)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if hasViolationCode(violations, "no-telegram") {
		t.Error("violation still present after RemovePolicy")
	}
}

func TestPolicyEngineRejectsBadRego(t *testing.T) {
	engine, err := NewPolicyEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPolicyEngine() error = %v", err)
	}

	err = engine.AddPolicy(&Policy{
		Name:    "broken",
		Enabled: true,
		Rego:    "this is not rego",
	})
	if err == nil {
		t.Fatal("AddPolicy() expected error for invalid Rego")
	}
}

func TestPolicyEngineDisabledPolicySkipped(t *testing.T) {
	engine, err := NewPolicyEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewPolicyEngine() error = %v", err)
	}

	if err := engine.AddPolicy(&Policy{
		Name:     "deny-everything",
		Severity: fleet.SeverityError,
		Enabled:  false,
		Rego: `package molthub.policies.disabled

import rego.v1

deny contains msg if {
	msg := "always denied"
}
`,
	}); err != nil {
		t.Fatalf("AddPolicy() error = %v", err)
	}

	doc := &fleet.ManifestDocument{Name: "support-bot", Model: "claude-sonnet-4"}
	violations, err := engine.Evaluate(context.Background(), doc)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	for _, v := range violations {
		if v.Message == "always denied" {
			t.Error("disabled policy was evaluated")
		}
	}
}
