package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sdmkit/sdm/pkg/engine"
	"github.com/sdmkit/sdm/pkg/telemetry"
)

const machineCUE = `
name:           "delivery"
default_branch: "trunk"
workspace:      "/tmp/sdm"
merge_policy:   "first-wins"

executor: {
	max_parallel:        2
	default_max_retries: 1
	default_timeout:     "10m"
}

verification: {
	poll_interval: "5s"
	max_polls:     12
}

store: path: "/tmp/sdm.db"

policies: {
	enabled: true
	paths: ["/etc/sdm/policies"]
}

predicates: IsPinned: """
	def test(push):
	    return push["labels"].get("pinned") == "true"
	"""

deploy: {
	staging: endpoint: "https://{repo}-{branch}.staging.example.com"
	production: {
		endpoint: "https://{repo}.example.com"
		ssh: {
			host: "prod-1.example.com"
			user: "deploy"
		}
		start_command: "systemctl restart {name}"
	}
}
`

const machineYAML = `
name: delivery
default_branch: trunk
workspace: /tmp/sdm
executor:
  max_parallel: 3
  default_timeout: 15m
verification:
  timeout: 2m
scan:
  enabled: true
telemetry:
  log_level: debug
  log_format: json
deploy:
  staging:
    endpoint: http://localhost:8080
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoader_LoadCUE(t *testing.T) {
	cfg, err := NewLoader().Load(context.Background(), writeConfig(t, "machine.cue", machineCUE))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.Name != "delivery" || cfg.DefaultBranch != "trunk" {
		t.Errorf("Unexpected identity: %s %s", cfg.Name, cfg.DefaultBranch)
	}
	if cfg.MergePolicy != string(engine.MergePolicyFirstWins) {
		t.Errorf("Expected first-wins, got %s", cfg.MergePolicy)
	}

	exec := cfg.Executor.Engine()
	if exec.MaxParallel != 2 || exec.DefaultMaxRetries != 1 || exec.DefaultTimeout != 10*time.Minute {
		t.Errorf("Unexpected executor config: %+v", exec)
	}
	if exec.BaseBackoff != time.Second {
		t.Errorf("Expected default base backoff, got %v", exec.BaseBackoff)
	}

	verify := cfg.Verification.Engine()
	if verify.PollInterval != 5*time.Second || verify.MaxPolls != 12 {
		t.Errorf("Unexpected verification: %+v", verify)
	}
	if verify.Timeout != engine.DefaultVerificationPolicy().Timeout {
		t.Errorf("Expected default verification timeout, got %v", verify.Timeout)
	}

	if cfg.Store.FreezeBackend != FreezeBackendSQLite {
		t.Errorf("Expected sqlite backend when a path is set, got %s", cfg.Store.FreezeBackend)
	}
	if _, ok := cfg.Predicates["IsPinned"]; !ok {
		t.Error("Expected IsPinned predicate")
	}

	targets := cfg.Deploy.Targets()
	if len(targets) != 2 {
		t.Fatalf("Expected 2 targets, got %d", len(targets))
	}
	prod := targets["production"]
	if prod.SSH == nil {
		t.Fatal("Expected production ssh host")
	}
	transport := prod.SSH.Transport()
	if transport.Host != "prod-1.example.com" || transport.Port != 22 || transport.User != "deploy" {
		t.Errorf("Unexpected transport config: %+v", transport)
	}
}

func TestLoader_LoadYAML(t *testing.T) {
	cfg, err := NewLoader().Load(context.Background(), writeConfig(t, "machine.yaml", machineYAML))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Executor.MaxParallel != 3 || cfg.Executor.DefaultTimeout.Std() != 15*time.Minute {
		t.Errorf("Unexpected executor: %+v", cfg.Executor)
	}
	if cfg.Verification.Timeout.Std() != 2*time.Minute {
		t.Errorf("Unexpected verification timeout: %v", cfg.Verification.Timeout)
	}
	if cfg.Store.FreezeBackend != FreezeBackendMemory {
		t.Errorf("Expected memory backend, got %s", cfg.Store.FreezeBackend)
	}
	if !cfg.Scan.Enabled {
		t.Error("Expected scan enabled")
	}

	tel := telemetry.DefaultConfig()
	cfg.Telemetry.Apply(tel)
	if tel.Logging.Level != "debug" || tel.Logging.Format != "json" || tel.Tracing.Enabled {
		t.Errorf("Unexpected telemetry: %+v", tel.Logging)
	}
	if err := tel.Validate(); err != nil {
		t.Errorf("Expected applied telemetry config to validate, got: %v", err)
	}
}

func TestLoader_CUESchemaViolations(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown field", `name: "x"` + "\n" + `colour: "red"`},
		{"bad merge policy", `merge_policy: "last-wins"`},
		{"bad duration", `executor: default_timeout: "ten minutes"`},
		{"endpoint not a url", `deploy: staging: endpoint: "staging"`},
		{"syntax error", `name: {`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Load(context.Background(), writeConfig(t, "machine.cue", tt.content))
			var le *LoadError
			if !errors.As(err, &le) || len(le.Errors) == 0 {
				t.Fatalf("Expected LoadError, got: %v", err)
			}
		})
	}
}

func TestLoader_YAMLUnknownField(t *testing.T) {
	_, err := NewLoader().Load(context.Background(), writeConfig(t, "machine.yml", "name: x\ncolour: red\n"))
	if err == nil {
		t.Fatal("Expected unknown field error")
	}
}

func TestLoader_StructValidation(t *testing.T) {
	tests := []struct {
		name    string
		content string
		path    string
	}{
		{"sqlite without path", "store:\n  freeze_backend: sqlite\n", "Store.Path"},
		{"backoff order", "executor:\n  base_backoff: 1m\n  max_backoff: 1s\n", "Executor.MaxBackoff"},
		{"ssh needs start command", "deploy:\n  production:\n    endpoint: http://h\n    ssh:\n      host: h\n      user: u\n", "Deploy.Production.StartCommand"},
		{"otlp needs endpoint", "telemetry:\n  tracing_exporter: otlp\n", "Telemetry.TracingEndpoint"},
		{"bad predicate", "predicates:\n  Broken: \"def nope(): pass\"\n", "predicates.Broken"},
		{"contributor with unknown predicate", "contributors:\n  - name: pinned\n    predicates: [IsPinned]\n    goals: [Build]\n", "Contributors[0].Predicates"},
		{"contributor without goals", "contributors:\n  - name: pinned\n    predicates: [IsMaven]\n    goals: []\n", "Contributors[0].Goals"},
		{"verification outlives goal", "executor:\n  default_timeout: 5m\nverification:\n  timeout: 10m\n", "Verification.Timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Load(context.Background(), writeConfig(t, "machine.yaml", tt.content))
			var le *LoadError
			if !errors.As(err, &le) {
				t.Fatalf("Expected LoadError, got: %v", err)
			}
			found := false
			for _, e := range le.Errors {
				if e.Path == tt.path {
					found = true
				}
			}
			if !found {
				t.Errorf("Expected problem at %s, got %v", tt.path, le.Errors)
			}
		})
	}
}

func TestLoader_CUEPackageDirectory(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"machine.cue": "package sdm\n\nmachine: name: \"split\"\n",
		"deploy.cue":  "package sdm\n\nmachine: deploy: staging: endpoint: \"http://staging\"\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}

	cfg, err := NewLoader().Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Name != "split" || cfg.Deploy.Staging == nil {
		t.Errorf("Expected files to unify, got %+v", cfg)
	}
}

func TestLoader_UnsupportedFormat(t *testing.T) {
	_, err := NewLoader().Load(context.Background(), writeConfig(t, "machine.toml", "name = 'x'"))
	if err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("Expected unsupported format error, got: %v", err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := NewLoader().Validate(context.Background(), cfg); err != nil {
		t.Errorf("Expected defaults to validate, got: %v", err)
	}
	if cfg.MergePolicy != "strict" || cfg.DefaultBranch != "main" {
		t.Errorf("Unexpected defaults: %+v", cfg)
	}
}
