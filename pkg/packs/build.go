package packs

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/sdmkit/sdm/pkg/engine"
	"github.com/sdmkit/sdm/pkg/runner"
)

// CommandBuilder builds by running a command in the repository checkout,
// e.g. "mvn package" for Maven or "npm run build" for Node.
type CommandBuilder struct {
	runner    runner.Runner
	workspace string
	maven     runner.Command
	node      runner.Command
	output    string
	logger    zerolog.Logger
}

// BuilderOption configures a CommandBuilder.
type BuilderOption func(*CommandBuilder)

// WithMavenCommand overrides the Maven build command.
func WithMavenCommand(cmd runner.Command) BuilderOption {
	return func(b *CommandBuilder) { b.maven = cmd }
}

// WithNodeCommand overrides the Node build command.
func WithNodeCommand(cmd runner.Command) BuilderOption {
	return func(b *CommandBuilder) { b.node = cmd }
}

// WithArtifactPath sets the artifact path relative to the checkout. {name}
// and {sha} are replaced with the repository name and commit.
func WithArtifactPath(path string) BuilderOption {
	return func(b *CommandBuilder) { b.output = path }
}

// NewCommandBuilder creates a builder running commands under workspace.
func NewCommandBuilder(r runner.Runner, workspace string, logger zerolog.Logger, opts ...BuilderOption) *CommandBuilder {
	b := &CommandBuilder{
		runner:    r,
		workspace: workspace,
		maven:     runner.Command{Name: "mvn", Args: []string{"--batch-mode", "package", "-DskipTests"}},
		node:      runner.Command{Name: "npm", Args: []string{"run", "build"}},
		output:    "target/{name}.jar",
		logger:    logger.With().Str("component", "builder").Logger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build implements engine.Builder.
func (b *CommandBuilder) Build(ctx context.Context, push *engine.PushDescription) (*engine.Artifact, error) {
	var cmd runner.Command
	switch {
	case push.BuildTools.Maven:
		cmd = b.maven
	case push.BuildTools.Node:
		cmd = b.node
	default:
		return nil, engine.NewPermanentError("no build tool detected", nil).WithCode(engine.ErrCodeValidation)
	}

	dir := CheckoutDir(b.workspace, push)
	if cmd.Dir == "" {
		cmd.Dir = dir
	}

	b.logger.Info().Str("repo", push.Repo.String()).Str("command", cmd.String()).Msg("Building")
	res, err := b.runner.Run(ctx, cmd)
	if err != nil {
		return nil, engine.NewTransientError("failed to run build", err).WithCode(engine.ErrCodeExternalTool)
	}
	if !res.Success() {
		return nil, engine.NewPermanentError(fmt.Sprintf("build exited with code %d", res.ExitCode), nil).
			WithCode(engine.ErrCodeGoalFailed).
			WithDetail("stderr", lastLines(res.Stderr, 20))
	}

	path := strings.NewReplacer("{name}", push.Repo.Name, "{sha}", push.SHA).Replace(b.output)
	return &engine.Artifact{
		Name:    push.Repo.Name,
		Version: push.SHA,
		Path:    path,
		Cwd:     dir,
		Metadata: map[string]string{
			"command": cmd.String(),
		},
	}, nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
