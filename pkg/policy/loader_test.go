package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const maxSectionsRego = `# Limit how many sections a preview may render
package custom.maxsections

import rego.v1

deny contains msg if {
	input.operation == "preview"
	count(input.section_order) > 3
	msg := "previews are limited to three sections"
}
`

func newTestLoader() *Loader {
	return NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
}

func writePolicyFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := newTestLoader()
	path := filepath.Join(t.TempDir(), "max-sections.rego")
	writePolicyFile(t, path, maxSectionsRego)

	policy, err := loadOne(loader, path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "max-sections" {
		t.Errorf("Expected name 'max-sections', got '%s'", policy.Name)
	}
	if policy.Description != "Limit how many sections a preview may render" {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if policy.Severity != SeverityError || !policy.Enabled || policy.Builtin {
		t.Errorf("Unexpected defaults: %+v", policy)
	}
	if policy.Source != path {
		t.Errorf("Source = %q, want %q", policy.Source, path)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := newTestLoader()
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		wantErr bool
		check   func(t *testing.T, p *Policy)
	}{
		{
			name: "full definition",
			content: mustJSON(t, map[string]interface{}{
				"name":        "warn-only",
				"description": "Soft check",
				"rego":        "package warnonly\n",
				"severity":    "warning",
				"builtin":     true,
			}),
			check: func(t *testing.T, p *Policy) {
				if p.Name != "warn-only" || p.Severity != SeverityWarning {
					t.Errorf("Unexpected policy %+v", p)
				}
				if p.Builtin {
					t.Error("file policies must never be marked built-in")
				}
				if !p.Enabled {
					t.Error("policy should be enabled when the file does not say otherwise")
				}
			},
		},
		{
			name:    "defaults severity",
			content: `{"name":"x","rego":"package x\n"}`,
			check: func(t *testing.T, p *Policy) {
				if p.Severity != SeverityError {
					t.Errorf("Severity = %q, want error", p.Severity)
				}
			},
		},
		{
			name:    "explicitly disabled",
			content: `{"name":"x","rego":"package x\n","enabled":false}`,
			check: func(t *testing.T, p *Policy) {
				if p.Enabled {
					t.Error("expected disabled policy")
				}
			},
		},
		{name: "missing name", content: `{"rego":"package x\n"}`, wantErr: true},
		{name: "missing rego", content: `{"name":"x"}`, wantErr: true},
		{name: "invalid json", content: `invalid json`, wantErr: true},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, "policy"+string(rune('a'+i))+".json")
			writePolicyFile(t, path, tt.content)

			p, err := loadOne(loader, path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("load error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, p)
			}
		})
	}
}

// loadOne loads a single policy file.
func loadOne(loader *Loader, path string) (*Policy, error) {
	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		return nil, err
	}
	if len(policies) != 1 {
		return nil, fmt.Errorf("expected 1 policy, got %d", len(policies))
	}
	return &policies[0], nil
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	return string(data)
}

func TestLoadFromPaths(t *testing.T) {
	loader := newTestLoader()
	root := t.TempDir()

	dir := filepath.Join(root, "policies")
	writePolicyFile(t, filepath.Join(dir, "a.rego"), "package a\n")
	writePolicyFile(t, filepath.Join(dir, "nested", "b.rego"), "package b\n")
	writePolicyFile(t, filepath.Join(dir, "README.md"), "# ignored")
	writePolicyFile(t, filepath.Join(dir, "broken.json"), "{")

	single := filepath.Join(root, "c.rego")
	writePolicyFile(t, single, "package c\n")

	loaded, err := loader.LoadFromPaths(context.Background(), []string{dir, single})
	if err != nil {
		t.Fatalf("Failed to load paths: %v", err)
	}

	// broken.json is skipped with a warning inside a directory.
	if len(loaded) != 3 {
		t.Errorf("Expected 3 policies, got %d", len(loaded))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(root, "missing")}); err == nil {
		t.Error("Expected error for non-existent path")
	}
}

func TestLoadFromFile_UnsupportedType(t *testing.T) {
	loader := newTestLoader()
	path := filepath.Join(t.TempDir(), "test.txt")
	writePolicyFile(t, path, "not a policy")

	if _, err := loadOne(loader, path); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		desc     string
		severity Severity
	}{
		{"single line", "# Guard previews\npackage test", "Guard previews", ""},
		{"multi line", "# Guard previews\n# of large sheets\npackage test", "Guard previews of large sheets", ""},
		{"no comments", "package test\n", "", ""},
		{"blank comment lines", "# First\n#\n# Second\npackage test", "First Second", ""},
		{"severity directive", "# Soft limit\n# severity: Warning\npackage test", "Soft limit", SeverityWarning},
		{"stops at blank line", "# Header\n\n# not part of it\npackage test", "Header", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, sev := parseHeader(tt.content)
			if desc != tt.desc {
				t.Errorf("description = %q, want %q", desc, tt.desc)
			}
			if sev != tt.severity {
				t.Errorf("severity = %q, want %q", sev, tt.severity)
			}
		})
	}
}

func TestLoadFromFile_RegoSeverity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "soft.rego")
	writePolicyFile(t, path, "# Soft\n# severity: warning\npackage soft\n")

	p, err := loadOne(newTestLoader(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if p.Severity != SeverityWarning {
		t.Errorf("Severity = %q, want warning", p.Severity)
	}
}

func TestLoaderCachesUntilModified(t *testing.T) {
	loader := newTestLoader()
	path := filepath.Join(t.TempDir(), "test.rego")
	writePolicyFile(t, path, "# Old\npackage test\n")

	first, err := loadOne(loader, path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(loader.cache) != 1 {
		t.Errorf("Expected 1 cache entry, got %d", len(loader.cache))
	}

	writePolicyFile(t, path, "# New\npackage test\n")
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Failed to touch file: %v", err)
	}

	second, err := loadOne(loader, path)
	if err != nil {
		t.Fatalf("Failed to reload policy: %v", err)
	}
	if first.Description != "Old" || second.Description != "New" {
		t.Errorf("descriptions = %q, %q", first.Description, second.Description)
	}

	loader.forget(path)
	if len(loader.cache) != 0 {
		t.Errorf("Expected 0 cache entries after forget, got %d", len(loader.cache))
	}
}

func TestLoaderWatch(t *testing.T) {
	dir := t.TempDir()
	writePolicyFile(t, filepath.Join(dir, "a.rego"), "package a\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan []Policy, 4)
	done := make(chan error, 1)
	go func() {
		done <- newTestLoader().Watch(ctx, []string{dir}, func(p []Policy) error {
			reloaded <- p
			return nil
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writePolicyFile(t, filepath.Join(dir, "b.rego"), "package b\n")

	select {
	case p := <-reloaded:
		if len(p) != 2 {
			t.Errorf("Expected 2 policies after reload, got %d", len(p))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
