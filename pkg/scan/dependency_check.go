// Package scan runs security scanners over built artifacts.
package scan

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sdmkit/sdm/pkg/engine"
	"github.com/sdmkit/sdm/pkg/runner"
)

// DefaultCommand is the OWASP dependency-check executable.
const DefaultCommand = "dependency-check"

// ReportFile is the JSON report written into the artifact's directory.
const ReportFile = "dependency-check-report.json"

// Recorder records scan outcomes.
type Recorder interface {
	RecordScan(tool string, success bool, d time.Duration)
}

// DependencyCheck is an artifact listener that runs OWASP dependency-check on
// artifacts built from the default branch.
type DependencyCheck struct {
	command  string
	runner   runner.Runner
	recorder Recorder
	logger   zerolog.Logger
}

// Option configures a DependencyCheck.
type Option func(*DependencyCheck)

// WithCommand overrides the dependency-check executable.
func WithCommand(command string) Option {
	return func(d *DependencyCheck) { d.command = command }
}

// WithRecorder records scan outcomes.
func WithRecorder(r Recorder) Option {
	return func(d *DependencyCheck) { d.recorder = r }
}

// NewDependencyCheck creates the listener.
func NewDependencyCheck(r runner.Runner, logger zerolog.Logger, opts ...Option) *DependencyCheck {
	d := &DependencyCheck{
		command: DefaultCommand,
		runner:  r,
		logger:  logger.With().Str("component", "dependency-check").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name implements engine.ArtifactListener.
func (d *DependencyCheck) Name() string { return "OWASP dependency check" }

// Command returns the command line run for artifact.
func (d *DependencyCheck) Command(artifact *engine.Artifact) runner.Command {
	return runner.Command{
		Name: d.command,
		Args: []string{"--project", artifact.Name, "--out", ".", "--scan", artifact.Path, "-f", "JSON"},
		Dir:  artifact.Cwd,
	}
}

// OnArtifact implements engine.ArtifactListener. Scan failures are reported
// to channels and returned, but never fail the run.
func (d *DependencyCheck) OnArtifact(ctx context.Context, push *engine.PushDescription, artifact *engine.Artifact, n engine.Notifier) error {
	if !push.IsDefaultBranch() {
		return nil
	}
	if artifact.Path == "" {
		d.logger.Debug().Str("artifact", artifact.Name).Msg("Artifact has no file to scan")
		return nil
	}

	cmd := d.Command(artifact)
	logger := d.logger.With().Str("push_id", push.ID).Str("command", cmd.String()).Logger()
	logger.Info().Msg("Running dependency check")

	start := time.Now()
	res, err := d.runner.Run(ctx, cmd)
	if err == nil && !res.Success() {
		err = fmt.Errorf("exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	if d.recorder != nil {
		d.recorder.RecordScan("dependency-check", err == nil, time.Since(start))
	}

	if err != nil {
		failure := engine.NewPermanentError("dependency check failed", err).
			WithCode(engine.ErrCodeExternalTool).
			WithOperation("dependency-check").
			WithDetail("artifact", artifact.Name)
		logger.Error().Err(failure).Msg("Dependency check failed")
		address(ctx, n, push, fmt.Sprintf("Dependency check failed for %s: %v", artifact.Name, err), logger)
		return failure
	}

	logger.Info().Str("report", filepath.Join(artifact.Cwd, ReportFile)).Msg("Dependency check passed")
	address(ctx, n, push, "Dependency check success", logger)
	return nil
}

func address(ctx context.Context, n engine.Notifier, push *engine.PushDescription, msg string, logger zerolog.Logger) {
	if n == nil {
		return
	}
	if err := n.AddressChannels(ctx, push, msg); err != nil {
		logger.Warn().Err(err).Msg("Failed to address channels")
	}
}
