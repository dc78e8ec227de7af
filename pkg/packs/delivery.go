package packs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/sdmkit/sdm/pkg/engine"
	"github.com/sdmkit/sdm/pkg/runner"
)

// DeliveryOptions configures DeliveryPack.
type DeliveryOptions struct {
	// Builder produces artifacts for the Build goal. Required.
	Builder engine.Builder

	// Targets holds the deploy spec per environment. Without a local
	// deployer, local deployment is not proposed.
	Targets DeployTargets

	// Workspace is the root under which repositories are checked out as
	// <owner>/<name>. Empty means the current directory.
	Workspace string

	// ChecksCommand and ReviewCommand run in the checkout when set.
	ChecksCommand *runner.Command
	ReviewCommand *runner.Command

	// Runner runs commands. Defaults to an ExecRunner.
	Runner runner.Runner

	// Deleter removes a repository's resources on disposal. Defaults to
	// removing the local checkout.
	Deleter RepositoryDeleter

	// Listeners are notified of every artifact.
	Listeners []engine.ArtifactListener

	Logger zerolog.Logger
}

// RepositoryDeleter cleans up after a deleted repository.
type RepositoryDeleter interface {
	DeleteRepository(ctx context.Context, repo engine.RepoRef) error
}

// DeliveryPack returns the pack that builds, deploys and disposes of
// repositories using the standard goal catalogue.
func DeliveryPack(opts DeliveryOptions) engine.ExtensionPack {
	logger := opts.Logger.With().Str("component", "delivery").Logger()
	if opts.Runner == nil {
		opts.Runner = runner.NewExecRunner(opts.Logger)
	}
	if opts.Deleter == nil {
		opts.Deleter = &WorkspaceDeleter{Root: opts.Workspace, Logger: opts.Logger}
	}

	var contributors []engine.Contributor
	for _, c := range Contributors() {
		if c.Name == "local-deploy" && opts.Targets.Local.Deployer == nil {
			continue
		}
		contributors = append(contributors, c)
	}

	workdir := func(push *engine.PushDescription) string {
		return CheckoutDir(opts.Workspace, push)
	}

	return engine.ExtensionPack{
		Name:                 "delivery",
		Version:              "1.0.0",
		Description:          "Build, deploy and dispose of Maven and Node services",
		Contributors:         contributors,
		DisposalContributors: DisposalContributors(),
		DeployRules:          DeployRules(opts.Targets),
		Goals: map[string]engine.GoalImplementation{
			Checks.Name:             &commandGoal{name: "checks", command: opts.ChecksCommand, runner: opts.Runner, workdir: workdir, logger: logger},
			Review.Name:             &commandGoal{name: "review", command: opts.ReviewCommand, runner: opts.Runner, workdir: workdir, logger: logger},
			Build.Name:              &buildGoal{builder: opts.Builder},
			Artifact.Name:           engine.GoalFunc(storeArtifact),
			StagingVerified.Name:    engine.GoalFunc(announceVerified),
			RepositoryDeletion.Name: &deletionGoal{deleter: opts.Deleter},
		},
		ArtifactListeners: opts.Listeners,
	}
}

// CheckoutDir returns where push's repository is checked out under root.
func CheckoutDir(root string, push *engine.PushDescription) string {
	if root == "" {
		return ""
	}
	return filepath.Join(root, push.Repo.Owner, push.Repo.Name)
}

// commandGoal runs an optional command in the checkout.
type commandGoal struct {
	name    string
	command *runner.Command
	runner  runner.Runner
	workdir func(*engine.PushDescription) string
	logger  zerolog.Logger
}

func (g *commandGoal) Execute(ctx context.Context, gc *engine.GoalContext) error {
	if g.command == nil {
		g.logger.Debug().Str("goal", gc.Goal.Name).Msg("Nothing to run")
		return nil
	}

	cmd := *g.command
	if cmd.Dir == "" {
		cmd.Dir = g.workdir(gc.Push)
	}
	res, err := g.runner.Run(ctx, cmd)
	if err != nil {
		return engine.NewTransientError(fmt.Sprintf("failed to run %s", g.name), err).
			WithCode(engine.ErrCodeExternalTool)
	}
	if !res.Success() {
		return engine.NewPermanentError(fmt.Sprintf("%s exited with code %d", g.name, res.ExitCode), nil).
			WithCode(engine.ErrCodeGoalFailed).
			WithDetail("stderr", res.Stderr)
	}
	return nil
}

type buildGoal struct {
	builder engine.Builder
}

func (g *buildGoal) Execute(ctx context.Context, gc *engine.GoalContext) error {
	if g.builder == nil {
		return engine.NewConfigurationError("no builder configured", nil)
	}
	artifact, err := g.builder.Build(ctx, gc.Push)
	if err != nil {
		return err
	}
	gc.State.SetArtifact(artifact)
	return nil
}

// storeArtifact makes sure the run has an artifact. Pushes that were not
// built deploy the commit itself.
func storeArtifact(ctx context.Context, gc *engine.GoalContext) error {
	artifact, ok := gc.State.Artifact()
	if !ok {
		artifact = &engine.Artifact{Name: gc.Push.Repo.Name, Version: gc.Push.SHA}
		gc.State.SetArtifact(artifact)
	}
	return address(ctx, gc, fmt.Sprintf("Artifact %s %s ready", artifact.Name, artifact.Version))
}

func announceVerified(ctx context.Context, gc *engine.GoalContext) error {
	endpoint, ok := gc.State.VerifiedEndpoint(gc.Goal.Environment)
	if !ok {
		return engine.NewPermanentError(fmt.Sprintf("no verified %s endpoint", gc.Goal.Environment), nil).
			WithCode(engine.ErrCodeGoalFailed)
	}
	return address(ctx, gc, fmt.Sprintf("%s deployment verified at %s", gc.Goal.Environment, endpoint))
}

type deletionGoal struct {
	deleter RepositoryDeleter
}

func (g *deletionGoal) Execute(ctx context.Context, gc *engine.GoalContext) error {
	if err := g.deleter.DeleteRepository(ctx, gc.Push.Repo); err != nil {
		return engine.NewTransientError("failed to delete repository resources", err)
	}
	return address(ctx, gc, fmt.Sprintf("Cleaned up after %s", gc.Push.Repo))
}

// WorkspaceDeleter removes the local checkout of a repository.
type WorkspaceDeleter struct {
	Root   string
	Logger zerolog.Logger
}

// DeleteRepository implements RepositoryDeleter.
func (d *WorkspaceDeleter) DeleteRepository(_ context.Context, repo engine.RepoRef) error {
	if d.Root == "" || repo.Owner == "" || repo.Name == "" {
		return nil
	}
	dir := filepath.Join(d.Root, repo.Owner, repo.Name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	d.Logger.Info().Str("dir", dir).Msg("Removed checkout")
	return nil
}

// address notifies the push's channels. Only cancellation fails the goal.
func address(ctx context.Context, gc *engine.GoalContext, message string) error {
	if gc.Notifier == nil {
		return nil
	}
	if err := gc.Notifier.AddressChannels(ctx, gc.Push, message); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}
