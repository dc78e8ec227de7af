package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sdmkit/sdm/pkg/engine"
)

const featurePushJSON = `{
  "id": "push-1",
  "repo": {"owner": "team-a", "name": "svc"},
  "branch": "feature/login",
  "sha": "0c1d2e3f4a5b"
}`

type testEnv struct {
	dir    string
	config string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := "name: test-machine\n" +
		"default_branch: main\n" +
		"workspace: " + filepath.Join(dir, "checkouts") + "\n" +
		"store:\n" +
		"  path: " + filepath.Join(dir, "sdm.db") + "\n" +
		"telemetry:\n" +
		"  log_level: error\n"
	path := filepath.Join(dir, "machine.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return &testEnv{dir: dir, config: path}
}

func (e *testEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

// execute runs the root command with the test config and returns stdout.
func (e *testEnv) execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand("test", "none", "today")
	cmd.SetArgs(append([]string{"--config", e.config}, args...))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), err
}

func TestDeployFreezeCommands(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.execute(t, "deploy", "disable", "--scope", "team-a")
	if err != nil {
		t.Fatalf("deploy disable failed: %v", err)
	}
	if !strings.Contains(out, "Deployment disabled for team-a") {
		t.Errorf("Expected disable confirmation, got: %q", out)
	}

	// freeze state survives across invocations on the sqlite backend
	out, err = env.execute(t, "deploy", "status", "--scope", "team-a")
	if err != nil {
		t.Fatalf("deploy status failed: %v", err)
	}
	if !strings.Contains(out, "Deployment is disabled for team-a") {
		t.Errorf("Expected frozen status, got: %q", out)
	}

	out, err = env.execute(t, "deploy", "status", "--scope", "team-b")
	if err != nil {
		t.Fatalf("deploy status failed: %v", err)
	}
	if !strings.Contains(out, "Deployment is enabled for team-b") {
		t.Errorf("Expected enabled status for other scope, got: %q", out)
	}

	out, err = env.execute(t, "deploy", "list")
	if err != nil {
		t.Fatalf("deploy list failed: %v", err)
	}
	if !strings.Contains(out, "team-a") || !strings.Contains(out, "frozen") {
		t.Errorf("Expected team-a frozen in list, got: %q", out)
	}

	out, err = env.execute(t, "history", "audit", "--action", "deploy.disabled")
	if err != nil {
		t.Fatalf("history audit failed: %v", err)
	}
	if !strings.Contains(out, "deploy.disabled") {
		t.Errorf("Expected audit entry, got: %q", out)
	}
}

func TestDeployCommandRequiresScope(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.execute(t, "deploy", "disable"); err == nil {
		t.Fatal("Expected error without --scope")
	}
}

func TestRunRecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	push := env.writeFile(t, "push.json", featurePushJSON)

	out, err := env.execute(t, "--json", "run", push)
	if err != nil {
		t.Fatalf("run failed: %v (output: %s)", err, out)
	}

	var report engine.ExecutionReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("Failed to decode report: %v", err)
	}
	if report.Status != engine.RunStatusSucceeded {
		t.Errorf("Expected succeeded run, got: %s", report.Status)
	}
	if report.Summary.Total != 3 {
		t.Errorf("Expected 3 goals (checks, review, reaction), got: %d", report.Summary.Total)
	}

	out, err = env.execute(t, "history")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !strings.Contains(out, report.RunID) {
		t.Errorf("Expected run %s in history, got: %q", report.RunID, out)
	}

	out, err = env.execute(t, "history", "show", report.RunID)
	if err != nil {
		t.Fatalf("history show failed: %v", err)
	}
	for _, goal := range []string{"Checks", "Review", "PushReaction"} {
		if !strings.Contains(out, goal) {
			t.Errorf("Expected goal %s in run details, got: %q", goal, out)
		}
	}

	if _, err := env.execute(t, "history", "show", "no-such-run"); err == nil {
		t.Error("Expected error for unknown run")
	}
}

func TestRunWithCallerRunID(t *testing.T) {
	env := newTestEnv(t)
	push := env.writeFile(t, "push.json", featurePushJSON)

	out, err := env.execute(t, "--json", "run", "--run-id", "nightly-42", push)
	if err != nil {
		t.Fatalf("run failed: %v (output: %s)", err, out)
	}
	var report engine.ExecutionReport
	if err := json.Unmarshal([]byte(out), &report); err != nil {
		t.Fatalf("Failed to decode report: %v", err)
	}
	if report.RunID != "nightly-42" {
		t.Errorf("Expected run ID nightly-42, got: %s", report.RunID)
	}
}

func TestFrozenPushIsExplained(t *testing.T) {
	env := newTestEnv(t)
	push := env.writeFile(t, "push.json", `{
  "id": "push-2",
  "repo": {"owner": "team-a", "name": "svc"},
  "branch": "main",
  "sha": "abcdef12",
  "files": {"cloud_foundry_manifest": true},
  "build_tools": {"maven": true}
}`)

	if _, err := env.execute(t, "deploy", "disable", "--scope", "team-a"); err != nil {
		t.Fatalf("deploy disable failed: %v", err)
	}

	out, err := env.execute(t, "--json", "resolve", push)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	var set struct {
		Goals []engine.Goal `json:"goals"`
	}
	if err := json.Unmarshal([]byte(out), &set); err != nil {
		t.Fatalf("Failed to decode goal set: %v", err)
	}
	names := make(map[string]bool)
	for _, g := range set.Goals {
		names[g.Name] = true
	}
	if !names["ExplainDeploymentFreeze"] {
		t.Errorf("Expected freeze explanation goal, got: %v", names)
	}
	if names["ProductionDeployment"] {
		t.Error("Expected no production deployment while frozen")
	}
}

func TestConfiguredContributorAddsGoal(t *testing.T) {
	env := newTestEnv(t)
	cfg, err := os.ReadFile(env.config)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	env.config = env.writeFile(t, "pinned.yaml", string(cfg)+
		"predicates:\n"+
		"  IsPinned: |\n"+
		"    def test(push):\n"+
		"        return push.get(\"labels\", {}).get(\"pinned\") == \"true\"\n"+
		"contributors:\n"+
		"  - name: pinned-build\n"+
		"    predicates: [IsPinned]\n"+
		"    goals: [Build]\n")

	goalNames := func(pushJSON string) map[string]bool {
		t.Helper()
		push := env.writeFile(t, "push.json", pushJSON)
		out, err := env.execute(t, "--json", "resolve", push)
		if err != nil {
			t.Fatalf("resolve failed: %v", err)
		}
		var set struct {
			Goals []engine.Goal `json:"goals"`
		}
		if err := json.Unmarshal([]byte(out), &set); err != nil {
			t.Fatalf("Failed to decode goal set: %v", err)
		}
		names := make(map[string]bool)
		for _, g := range set.Goals {
			names[g.Name] = true
		}
		return names
	}

	pinned := goalNames(`{
  "id": "push-3",
  "repo": {"owner": "team-a", "name": "svc"},
  "branch": "feature/login",
  "sha": "0c1d2e3f4a5b",
  "labels": {"pinned": "true"}
}`)
	if !pinned["Build"] {
		t.Errorf("Expected pinned push to get Build, got: %v", pinned)
	}

	plain := goalNames(featurePushJSON)
	if plain["Build"] {
		t.Errorf("Expected no Build without the label, got: %v", plain)
	}
}

func TestConfiguredContributorRejectsUnknownGoal(t *testing.T) {
	env := newTestEnv(t)
	cfg, err := os.ReadFile(env.config)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	env.config = env.writeFile(t, "bad-goal.yaml", string(cfg)+
		"contributors:\n"+
		"  - name: nightly\n"+
		"    predicates: [IsMaven]\n"+
		"    goals: [NightlyBuild]\n")
	push := env.writeFile(t, "push.json", featurePushJSON)

	_, err = env.execute(t, "resolve", push)
	if err == nil || !strings.Contains(err.Error(), "unknown goal NightlyBuild") {
		t.Errorf("Expected unknown goal error, got: %v", err)
	}
}

func TestResolveWritesDOT(t *testing.T) {
	env := newTestEnv(t)
	push := env.writeFile(t, "push.json", featurePushJSON)
	dot := filepath.Join(env.dir, "goals.dot")

	out, err := env.execute(t, "resolve", "--dot", dot, push)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if !strings.Contains(out, "Checks") {
		t.Errorf("Expected goal table, got: %q", out)
	}

	data, err := os.ReadFile(dot)
	if err != nil {
		t.Fatalf("Expected DOT file: %v", err)
	}
	if !strings.HasPrefix(string(data), "digraph") {
		t.Errorf("Expected DOT graph, got: %q", string(data))
	}
}

func TestRunRejectsInvalidPush(t *testing.T) {
	env := newTestEnv(t)
	push := env.writeFile(t, "push.json", `{"id": "p", "repo": {"owner": "o", "name": "n"}, "branch": "main"}`)

	_, err := env.execute(t, "run", push)
	if err == nil {
		t.Fatal("Expected error for push without sha")
	}
	if !strings.Contains(err.Error(), "invalid push") {
		t.Errorf("Expected invalid push error, got: %v", err)
	}
}

func TestValidateCommand(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.execute(t, "validate")
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !strings.Contains(out, `Machine "test-machine" is valid`) {
		t.Errorf("Expected validation summary, got: %q", out)
	}
	if !strings.Contains(out, "freeze backend: sqlite") {
		t.Errorf("Expected sqlite freeze backend, got: %q", out)
	}

	bad := env.writeFile(t, "bad.yaml", "name: x\nmerge_policy: sometimes\n")
	if _, err := env.execute(t, "validate", bad); err == nil {
		t.Error("Expected error for invalid merge policy")
	}
}

func TestGoalsCommand(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.execute(t, "goals")
	if err != nil {
		t.Fatalf("goals failed: %v", err)
	}
	for _, want := range []string{"delivery", "deployment-freeze", "production-deploy", "repository-deletion", "deploy.disable"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in goals output, got: %q", want, out)
		}
	}
}

func TestHistoryWithoutStore(t *testing.T) {
	env := newTestEnv(t)
	env.config = env.writeFile(t, "nostore.yaml", "name: bare\n")

	_, err := env.execute(t, "history")
	if err == nil || !strings.Contains(err.Error(), "no store configured") {
		t.Errorf("Expected missing store error, got: %v", err)
	}
}
