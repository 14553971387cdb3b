package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return eng
}

// catalog builds a Rego input shaped like a decoded catalog.
func catalog(resources ...map[string]any) map[string]any {
	list := make([]any, len(resources))
	for i, r := range resources {
		list[i] = r
	}
	return map[string]any{
		"roles":     map[string]any{},
		"hosts":     []any{},
		"resources": list,
	}
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.ListPolicies() {
		names = append(names, p.Name)
	}
	want := []string{"resource-naming", "mount-location", "secret-permissions", "upgrade-dependents"}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("built-in policies = %v, want %v", names, want)
	}
}

func TestEvaluate_Naming(t *testing.T) {
	eng := newTestEngine(t)

	tests := []struct {
		name    string
		res     string
		allowed bool
	}{
		{"plain package", "git", true},
		{"with digits and punctuation", "libstdc++6", true},
		{"dotted", "python3.11-venv", true},
		{"uppercase", "Inadyn", false},
		{"leading dash", "-git", false},
		{"space", "nfs server", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Evaluate(context.Background(), catalog(map[string]any{"name": tt.res, "kind": "package"}))
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if result.Allowed() != tt.allowed {
				t.Errorf("Allowed() = %v, want %v (violations: %v)", result.Allowed(), tt.allowed, result.Violations)
			}
			if !tt.allowed {
				if len(result.Violations) != 1 || result.Violations[0].Resource != tt.res {
					t.Errorf("violations = %v, want one for %q", result.Violations, tt.res)
				}
			}
		})
	}
}

func TestEvaluate_MountLocation(t *testing.T) {
	eng := newTestEngine(t)

	input := map[string]any{
		"roles": map[string]any{
			"media": []any{"music-mount"},
		},
		"hosts": []any{
			map[string]any{"hostname": "pi-munich", "location": "munich", "roles": []any{"media"}},
			map[string]any{"hostname": "pi-nowhere", "location": "", "roles": []any{"media"}},
		},
		"resources": []any{
			map[string]any{"name": "music-mount", "kind": "mount"},
		},
	}

	result, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Allowed() {
		t.Errorf("mount-location should only warn, got %v", result.Violations)
	}
	warnings := result.Warnings()
	if len(warnings) != 1 {
		t.Fatalf("Warnings() = %v, want one", warnings)
	}
	if warnings[0].Host != "pi-nowhere" || warnings[0].Resource != "music-mount" {
		t.Errorf("warning = %+v, want pi-nowhere/music-mount", warnings[0])
	}
}

func TestEvaluate_SecretPermissions(t *testing.T) {
	eng := newTestEngine(t)

	input := catalog(
		map[string]any{"name": "inadyn-conf", "kind": "config_file", "mode": "0644"},
		map[string]any{"name": "wpa-conf", "kind": "config_file", "mode": "0600"},
		map[string]any{
			"name": "sdrip",
			"kind": "bundle",
			"artifacts": []any{
				map[string]any{"destination": "/etc/sdrip/key", "encrypted": true, "mode": "0604"},
				map[string]any{"destination": "/opt/sdrip/app", "encrypted": false, "mode": "0755"},
			},
		},
	)

	result, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	flagged := map[string]bool{}
	for _, v := range result.Violations {
		if v.Policy == "secret-permissions" {
			flagged[v.Resource] = true
		}
	}
	if !flagged["inadyn-conf"] || !flagged["sdrip"] || flagged["wpa-conf"] {
		t.Errorf("flagged = %v, want inadyn-conf and sdrip only", flagged)
	}
}

func TestEvaluate_UpgradeDependents(t *testing.T) {
	eng := newTestEngine(t)

	input := catalog(
		map[string]any{"name": "upgrade", "kind": "upgrade"},
		map[string]any{"name": "htop", "kind": "package", "depends_on": []any{"upgrade"}},
	)

	result, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(result.Violations) != 1 || result.Violations[0].Resource != "htop" {
		t.Errorf("violations = %v, want one for htop", result.Violations)
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	eng := newTestEngine(t)
	input := catalog(map[string]any{"name": "BadName", "kind": "package"})

	if err := eng.DisablePolicy("resource-naming"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	result, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Allowed() {
		t.Error("disabled policy still produced violations")
	}
	for _, name := range result.EvaluatedPolicies {
		if name == "resource-naming" {
			t.Error("disabled policy was evaluated")
		}
	}

	if err := eng.EnablePolicy("resource-naming"); err != nil {
		t.Fatalf("EnablePolicy() error = %v", err)
	}
	result, err = eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Allowed() {
		t.Error("re-enabled policy produced no violation")
	}

	if err := eng.DisablePolicy("no-such-policy"); err == nil {
		t.Error("DisablePolicy() on an unknown policy should fail")
	}
}

func TestAdd_CustomPolicy(t *testing.T) {
	eng := newTestEngine(t)

	err := eng.Add(context.Background(), Policy{
		Name:     "pi-prefix",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package site.hosts

deny contains msg if {
	some h in input.hosts
	not startswith(h.hostname, "pi-")
	msg := sprintf("%s does not follow the pi- naming", [h.hostname])
}

deny contains v if {
	some h in input.hosts
	h.location == ""
	v := {"message": sprintf("%s has no location", [h.hostname]), "host": h.hostname, "severity": "info"}
}
`,
	})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	input := map[string]any{
		"roles":     map[string]any{},
		"resources": []any{},
		"hosts": []any{
			map[string]any{"hostname": "nas-munich", "location": "munich"},
			map[string]any{"hostname": "pi-attic", "location": ""},
		},
	}
	result, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Allowed() {
		t.Fatal("expected a blocking violation")
	}
	if len(result.Warnings()) != 1 || result.Warnings()[0].Severity != SeverityInfo {
		t.Errorf("Warnings() = %v, want the info violation", result.Warnings())
	}

	err = result.Err()
	if !errors.Is(err, engine.ErrConfiguration) {
		t.Fatalf("Err() = %v, want a configuration error", err)
	}
	if !strings.Contains(err.Error(), "nas-munich does not follow the pi- naming") {
		t.Errorf("Err() = %q, missing violation message", err)
	}
}

func TestAdd_Replace(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	p := Policy{Name: "always", Enabled: true, Rego: "package always\n\ndeny contains \"first\" if { true }\n"}
	if err := eng.Add(ctx, p); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	p.Rego = "package always\n\ndeny contains \"second\" if { true }\n"
	if err := eng.Add(ctx, p); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if n := len(eng.ListPolicies()); n != 5 {
		t.Errorf("ListPolicies() has %d entries, want 5", n)
	}
	got, err := eng.GetPolicy("always")
	if err != nil {
		t.Fatalf("GetPolicy() error = %v", err)
	}
	if got.Severity != SeverityWarning {
		t.Errorf("default severity = %s, want warning", got.Severity)
	}

	result, err := eng.Evaluate(ctx, catalog())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(result.Violations) != 1 || result.Violations[0].Message != "second" {
		t.Errorf("violations = %v, want only the replacement's", result.Violations)
	}
}

func TestAdd_InvalidRego(t *testing.T) {
	eng := newTestEngine(t)
	err := eng.Add(context.Background(), Policy{Name: "broken", Rego: "package broken\n\ndeny contains if {"})
	if err == nil {
		t.Fatal("Add() should reject unparsable Rego")
	}
	if _, err := eng.GetPolicy("broken"); err == nil {
		t.Error("a rejected policy must not be registered")
	}
}
