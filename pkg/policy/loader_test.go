package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	path := filepath.Join(t.TempDir(), "pi-prefix.rego")
	content := `# Hosts follow the pi- naming.
# severity: error

package site.hosts

deny contains msg if {
	some h in input.hosts
	not startswith(h.hostname, "pi-")
	msg := h.hostname
}
`
	writeFile(t, path, content)

	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "pi-prefix" {
		t.Errorf("Expected name 'pi-prefix', got '%s'", policy.Name)
	}
	if policy.Description != "Hosts follow the pi- naming." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected severity error, got %s", policy.Severity)
	}
	if policy.Rego != content {
		t.Error("Rego content doesn't match")
	}
	if policy.Source != path {
		t.Errorf("Expected source %s, got %s", path, policy.Source)
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	path := filepath.Join(t.TempDir(), "definition.json")
	data, err := json.Marshal(Policy{
		Name:        "no-upgrades",
		Description: "Upgrades run by hand",
		Rego:        "package site.upgrades\n\ndeny contains r.name if {\n\tsome r in input.resources\n\tr.kind == \"upgrade\"\n}\n",
		Enabled:     true,
	})
	if err != nil {
		t.Fatalf("Failed to marshal policy: %v", err)
	}
	writeFile(t, path, string(data))

	loaded, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if loaded.Name != "no-upgrades" || loaded.Description != "Upgrades run by hand" {
		t.Errorf("Unexpected policy %+v", loaded)
	}
	if loaded.Severity != SeverityWarning {
		t.Errorf("Expected default severity warning, got %s", loaded.Severity)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"invalid json", "broken.json", "{not json"},
		{"json without name", "anonymous.json", `{"rego": "package x"}`},
		{"unsupported type", "notes.txt", "hello"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)
			if _, err := loader.loadFromFile(path); err == nil {
				t.Errorf("loadFromFile(%s) should fail", tt.file)
			}
		})
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("LoadFromPaths() should fail for a missing path")
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "hosts.rego"), "package hosts\n\ndeny contains \"x\" if { false }\n")
	writeFile(t, filepath.Join(dir, "nested", "mounts.rego"), "package mounts\n\ndeny contains \"x\" if { false }\n")
	writeFile(t, filepath.Join(dir, "nested", "mounts_test.rego"), "package mounts_test\n")
	writeFile(t, filepath.Join(dir, "README.md"), "# Site policies")

	loaded, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load directory: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(loaded))
	}
}

func TestIsPolicyFile(t *testing.T) {
	tests := map[string]bool{
		"hosts.rego":      true,
		"hosts_test.rego": false,
		"policy.json":     true,
		"catalog.yaml":    false,
		"README.md":       false,
	}
	for path, want := range tests {
		if got := IsPolicyFile(path); got != want {
			t.Errorf("IsPolicyFile(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestExtractHeader(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	tests := []struct {
		name     string
		content  string
		desc     string
		severity Severity
	}{
		{"no header", "package x\n", "", SeverityWarning},
		{"multi-line description", "# First line.\n# Second line.\npackage x\n", "First line. Second line.", SeverityWarning},
		{"info severity", "# severity: info\npackage x\n", "", SeverityInfo},
		{"unknown severity is ignored", "# severity: fatal\npackage x\n", "", SeverityWarning},
		{"comments after package are not header", "package x\n# severity: error\n", "", SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, sev := loader.extractHeader(tt.content)
			if desc != tt.desc || sev != tt.severity {
				t.Errorf("extractHeader() = (%q, %s), want (%q, %s)", desc, sev, tt.desc, tt.severity)
			}
		})
	}
}

func TestLoadPolicies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "pi-prefix.rego"), `# severity: error
package site.hosts

deny contains msg if {
	some h in input.hosts
	not startswith(h.hostname, "pi-")
	msg := sprintf("%s does not follow the pi- naming", [h.hostname])
}
`)

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies() error = %v", err)
	}

	input := map[string]any{
		"roles":     map[string]any{},
		"resources": []any{},
		"hosts":     []any{map[string]any{"hostname": "nas-munich"}},
	}
	result, err := eng.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Allowed() {
		t.Error("custom error-severity policy did not block")
	}
}

func TestLoadPolicies_CompileError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "broken.rego"), "package broken\n\ndeny contains if {\n")

	eng := newTestEngine(t)
	if err := eng.LoadPolicies(context.Background(), []string{dir}); err == nil {
		t.Error("LoadPolicies() should fail on unparsable Rego")
	}
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hosts.rego")
	writeFile(t, path, "package hosts\n")

	var calls atomic.Int32
	changed := make(chan struct{}, 4)
	w := &Watcher{
		Paths:    []string{dir},
		Debounce: 50 * time.Millisecond,
		Logger:   zerolog.Nop(),
		Match:    IsPolicyFile,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func() {
			calls.Add(1)
			changed <- struct{}{}
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")
	for i := 0; i < 3; i++ {
		writeFile(t, path, "package hosts\n# edit\n")
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("no change reported")
	}

	time.Sleep(200 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Errorf("onChange called %d times, want 1 for one burst", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
