package runner

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestExecRunner_ShellCommand(t *testing.T) {
	r := NewExecRunner(zerolog.Nop())
	res, err := r.Run(context.Background(), Command{Name: "echo hello && echo oops >&2"})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !res.Success() {
		t.Errorf("Expected success, got exit code %d", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("Expected stdout 'hello', got %q", res.Stdout)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("Expected stderr 'oops', got %q", res.Stderr)
	}
}

func TestExecRunner_NonZeroExitIsResult(t *testing.T) {
	r := NewExecRunner(zerolog.Nop())
	res, err := r.Run(context.Background(), Command{Name: "exit 3"})
	if err != nil {
		t.Fatalf("Expected no error for nonzero exit, got: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", res.ExitCode)
	}
}

func TestExecRunner_ArgsDirAndEnv(t *testing.T) {
	dir := t.TempDir()
	r := NewExecRunner(zerolog.Nop())
	res, err := r.Run(context.Background(), Command{
		Name: "/bin/sh",
		Args: []string{"-c", "pwd; echo $SDM_TEST"},
		Dir:  dir,
		Env:  map[string]string{"SDM_TEST": "42"},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(res.Stdout, "42") {
		t.Errorf("Expected env var in output, got %q", res.Stdout)
	}
}

func TestExecRunner_MissingExecutable(t *testing.T) {
	r := NewExecRunner(zerolog.Nop())
	if _, err := r.Run(context.Background(), Command{Name: "/definitely/not/here", Args: []string{"x"}}); err == nil {
		t.Error("Expected error for missing executable")
	}
	if _, err := r.Run(context.Background(), Command{}); err == nil {
		t.Error("Expected error for empty command")
	}
}

func TestExecRunner_Cancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	r := NewExecRunner(zerolog.Nop())
	if _, err := r.Run(ctx, Command{Name: "sleep", Args: []string{"5"}}); err == nil {
		t.Error("Expected error when context expires")
	}
}
