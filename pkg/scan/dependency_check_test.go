package scan

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sdmkit/sdm/pkg/engine"
	"github.com/sdmkit/sdm/pkg/runner"
)

type fakeRunner struct {
	res  *runner.Result
	err  error
	seen []runner.Command
}

func (r *fakeRunner) Run(_ context.Context, cmd runner.Command) (*runner.Result, error) {
	r.seen = append(r.seen, cmd)
	return r.res, r.err
}

type memoryNotifier struct{ msgs []string }

func (n *memoryNotifier) AddressChannels(_ context.Context, _ *engine.PushDescription, msg string) error {
	n.msgs = append(n.msgs, msg)
	return nil
}

type countingRecorder struct{ ok, failed int }

func (c *countingRecorder) RecordScan(_ string, success bool, _ time.Duration) {
	if success {
		c.ok++
	} else {
		c.failed++
	}
}

func push(branch string) *engine.PushDescription {
	return &engine.PushDescription{
		ID:            "push-1",
		Repo:          engine.RepoRef{Owner: "team-a", Name: "orders"},
		Branch:        branch,
		DefaultBranch: "main",
		SHA:           "c0ffee",
	}
}

func artifact() *engine.Artifact {
	return &engine.Artifact{Name: "orders", Path: "target/orders.jar", Cwd: "/work/orders"}
}

func TestDependencyCheck_Success(t *testing.T) {
	r := &fakeRunner{res: &runner.Result{}}
	rec := &countingRecorder{}
	n := &memoryNotifier{}
	d := NewDependencyCheck(r, zerolog.Nop(), WithRecorder(rec))

	if err := d.OnArtifact(context.Background(), push("main"), artifact(), n); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []string{"--project", "orders", "--out", ".", "--scan", "target/orders.jar", "-f", "JSON"}
	if r.seen[0].Name != DefaultCommand || !reflect.DeepEqual(r.seen[0].Args, want) {
		t.Errorf("Unexpected command: %s", r.seen[0])
	}
	if r.seen[0].Dir != "/work/orders" {
		t.Errorf("Expected scan in artifact cwd, got %q", r.seen[0].Dir)
	}
	if len(n.msgs) != 1 || n.msgs[0] != "Dependency check success" {
		t.Errorf("Unexpected notifications: %v", n.msgs)
	}
	if rec.ok != 1 {
		t.Errorf("Expected one successful scan recorded, got %d", rec.ok)
	}
}

func TestDependencyCheck_SkipsOtherBranches(t *testing.T) {
	r := &fakeRunner{res: &runner.Result{}}
	d := NewDependencyCheck(r, zerolog.Nop())

	if err := d.OnArtifact(context.Background(), push("feature"), artifact(), &memoryNotifier{}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(r.seen) != 0 {
		t.Errorf("Expected no scan off the default branch, got %v", r.seen)
	}
}

func TestDependencyCheck_NonZeroExit(t *testing.T) {
	r := &fakeRunner{res: &runner.Result{ExitCode: 1, Stderr: "CVE-2021-44228"}}
	rec := &countingRecorder{}
	n := &memoryNotifier{}
	d := NewDependencyCheck(r, zerolog.Nop(), WithRecorder(rec), WithCommand("/opt/dc/bin/dependency-check.sh"))

	err := d.OnArtifact(context.Background(), push("main"), artifact(), n)
	if !engine.IsExternalToolFailure(err) {
		t.Fatalf("Expected external tool failure, got: %v", err)
	}
	if r.seen[0].Name != "/opt/dc/bin/dependency-check.sh" {
		t.Errorf("Expected custom command, got %q", r.seen[0].Name)
	}
	if len(n.msgs) != 1 || !strings.Contains(n.msgs[0], "CVE-2021-44228") {
		t.Errorf("Expected failure reported to channels, got %v", n.msgs)
	}
	if rec.failed != 1 {
		t.Errorf("Expected one failed scan recorded, got %d", rec.failed)
	}
}

func TestDependencyCheck_RunnerError(t *testing.T) {
	d := NewDependencyCheck(&fakeRunner{err: errors.New("executable not found")}, zerolog.Nop())
	if err := d.OnArtifact(context.Background(), push("main"), artifact(), nil); !engine.IsExternalToolFailure(err) {
		t.Errorf("Expected external tool failure, got: %v", err)
	}
}
