package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

const fridayPolicy = `package team.friday

# No deploys labelled friday.

import rego.v1

deny contains "no deploys on friday" if {
	input.push.labels.day == "friday"
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "friday.rego")
	writeFile(t, path, fridayPolicy)

	policy, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "friday" {
		t.Errorf("Expected name 'friday', got '%s'", policy.Name)
	}
	if policy.Description != "No deploys labelled friday." {
		t.Errorf("Unexpected description: %q", policy.Description)
	}
	if !policy.Enabled || policy.Severity != SeverityError {
		t.Errorf("Expected enabled error-severity policy, got %+v", policy)
	}
	if policy.Source != path {
		t.Errorf("Expected source %s, got %s", path, policy.Source)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "friday.json")

	data, _ := json.Marshal(Policy{
		Name:     "friday-json",
		Rego:     fridayPolicy,
		Severity: SeverityWarning,
		Enabled:  true,
	})
	writeFile(t, path, string(data))

	loaded, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if loaded.Name != "friday-json" || loaded.Severity != SeverityWarning {
		t.Errorf("Unexpected policy: %+v", loaded)
	}
}

func TestLoadFromFile_JSONWithoutName(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "anon.json")
	writeFile(t, path, `{"rego": "package x"}`)

	if _, err := loader.loadFromFile(context.Background(), path); err == nil {
		t.Error("Expected error for unnamed JSON policy")
	}
}

func TestLoadFromPaths_DirectoryIsRecursive(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), fridayPolicy)
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), fridayPolicy)
	writeFile(t, filepath.Join(dir, "README.md"), "# policies")

	loaded, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(loaded) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(loaded))
	}
}

func TestLoadFromPaths_Missing(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	if _, err := loader.LoadFromPaths(context.Background(), []string{"/does/not/exist"}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestLoadFromFile_Unsupported(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "policy.txt")
	writeFile(t, path, "deny")

	if _, err := loader.loadFromFile(context.Background(), path); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestExtractDescription(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	tests := []struct {
		content string
		want    string
	}{
		{"# First line\n# second line\npackage x", "First line second line"},
		{"package x\n\ndeny := false", ""},
		{"# Only\n\npackage x\n# trailing", "Only"},
	}
	for _, tt := range tests {
		if got := loader.extractDescription(tt.content); got != tt.want {
			t.Errorf("extractDescription(%q) = %q, want %q", tt.content, got, tt.want)
		}
	}
}

func TestClearCache(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "friday.rego")
	writeFile(t, path, fridayPolicy)

	if _, err := loader.loadFromFile(context.Background(), path); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	loader.ClearCache()
	if len(loader.cache) != 0 {
		t.Errorf("Expected empty cache, got %d entries", len(loader.cache))
	}
}

func TestLoadFromFile_HeaderDirectives(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "late-deploys.rego")
	writeFile(t, path, `# Late production deploys need a second reviewer.
# severity: warning
# tags: production, deploy
package team.late

import rego.v1

deny contains "late deploy" if {
	input.push.labels.hour == "23"
}
`)

	policy, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected warning severity, got %s", policy.Severity)
	}
	if len(policy.Tags) != 2 || policy.Tags[0] != "production" || policy.Tags[1] != "deploy" {
		t.Errorf("Expected tags [production deploy], got %v", policy.Tags)
	}
	if policy.Description != "Late production deploys need a second reviewer." {
		t.Errorf("Unexpected description: %q", policy.Description)
	}
}

func TestLoadFromFile_UnknownSeverityKeepsError(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "odd.rego")
	writeFile(t, path, "# severity: dire\npackage odd\n")

	policy, err := loader.loadFromFile(context.Background(), path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected error severity, got %s", policy.Severity)
	}
}

func TestLoadFromPaths_SkipsTestsAndHiddenDirs(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "friday.rego"), fridayPolicy)
	writeFile(t, filepath.Join(dir, "friday_test.rego"), "package team.friday_test\n")
	writeFile(t, filepath.Join(dir, ".git", "hooks.rego"), fridayPolicy)

	loaded, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Name != "friday" {
		t.Errorf("Expected only the friday policy, got %+v", loaded)
	}
}
